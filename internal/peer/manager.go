// Package peer dials configured peers, accepts inbound links, and keeps
// persistent peers connected.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/link"
	"github.com/postalsys/handlemesh/internal/logging"
	"github.com/postalsys/handlemesh/internal/recovery"
	"github.com/postalsys/handlemesh/internal/transport"
)

// ErrUnknownPeer is returned by Connect for an address that was never added.
var ErrUnknownPeer = errors.New("unknown peer")

// Attacher turns an established connection into a served link.
// *node.Node implements it.
type Attacher interface {
	AddLink(ctx context.Context, conn io.ReadWriteCloser, dialer bool, expected identity.NodeID) (*link.Link, error)
}

// PeerInfo describes a configured peer.
type PeerInfo struct {
	Address     string
	Transport   transport.TransportType
	ExpectedID  identity.NodeID
	Persistent  bool // redial when the link ends or dialing fails
	DialOptions transport.DialOptions
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Node Attacher
	// Transports are used by transport type. Missing transports are created
	// on first use and closed with the manager.
	Transports map[transport.TransportType]transport.Transport
	// ConnectTimeout bounds dialing plus the link handshake.
	ConnectTimeout time.Duration
	Reconnect      ReconnectConfig
	Logger         *slog.Logger
}

// Manager keeps the node linked to its configured peers.
type Manager struct {
	cfg         ManagerConfig
	logger      *slog.Logger
	reconnector *Reconnector

	mu         sync.Mutex
	peers      map[string]*PeerInfo
	transports map[transport.TransportType]transport.Transport
	owned      []transport.Transport
	links      map[string]*link.Link

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.Reconnect.InitialDelay <= 0 {
		cfg.Reconnect = DefaultReconnectConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	transports := make(map[transport.TransportType]transport.Transport)
	for typ, tr := range cfg.Transports {
		transports[typ] = tr
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		logger:     logger.With(logging.KeyComponent, "peer"),
		peers:      make(map[string]*PeerInfo),
		transports: transports,
		links:      make(map[string]*link.Link),
		ctx:        ctx,
		cancel:     cancel,
	}
	m.reconnector = NewReconnector(cfg.Reconnect, m.redial)
	return m
}

// AddPeer registers a peer.
func (m *Manager) AddPeer(info PeerInfo) {
	if info.Transport == "" {
		info.Transport = transport.TransportQUIC
	}
	m.mu.Lock()
	m.peers[info.Address] = &info
	m.mu.Unlock()
}

// RemovePeer forgets a peer and stops redialing it. An existing link stays
// up.
func (m *Manager) RemovePeer(addr string) {
	m.mu.Lock()
	delete(m.peers, addr)
	m.mu.Unlock()
	m.reconnector.Cancel(addr)
}

// Start dials every configured peer in the background.
func (m *Manager) Start() {
	m.mu.Lock()
	addrs := make([]string, 0, len(m.peers))
	for addr := range m.peers {
		addrs = append(addrs, addr)
	}
	m.mu.Unlock()

	for _, addr := range addrs {
		m.wg.Add(1)
		go func(addr string) {
			defer m.wg.Done()
			defer recovery.RecoverWithLog(m.logger, "peer.dial")

			ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
			defer cancel()
			if _, err := m.Connect(ctx, addr); err != nil {
				m.logger.Warn("peer dial failed", logging.KeyAddress, addr, logging.KeyError, err)
			}
		}(addr)
	}
}

func (m *Manager) transportFor(typ transport.TransportType) (transport.Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tr, ok := m.transports[typ]; ok {
		return tr, nil
	}
	tr, err := transport.New(typ)
	if err != nil {
		return nil, err
	}
	m.transports[typ] = tr
	m.owned = append(m.owned, tr)
	return tr, nil
}

// Connect dials the peer at addr and attaches the link to the node. A
// failed dial of a persistent peer schedules a redial.
func (m *Manager) Connect(ctx context.Context, addr string) (*link.Link, error) {
	m.mu.Lock()
	info, ok := m.peers[addr]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}

	l, err := m.dial(ctx, info)
	if err != nil {
		if info.Persistent && m.ctx.Err() == nil {
			m.reconnector.Schedule(addr)
		}
		return nil, err
	}
	return l, nil
}

func (m *Manager) dial(ctx context.Context, info *PeerInfo) (*link.Link, error) {
	tr, err := m.transportFor(info.Transport)
	if err != nil {
		return nil, err
	}

	conn, err := tr.Dial(ctx, info.Address, info.DialOptions)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", info.Address, err)
	}

	l, err := m.cfg.Node.AddLink(ctx, conn, true, info.ExpectedID)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", info.Address, err)
	}

	m.mu.Lock()
	m.links[info.Address] = l
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watch(info.Address, l)

	m.logger.Info("peer connected",
		logging.KeyAddress, info.Address,
		logging.KeyPeerID, l.RemoteID().ShortString(),
		logging.KeyTransport, string(info.Transport))
	return l, nil
}

// watch schedules a redial when the link of a persistent peer ends.
func (m *Manager) watch(addr string, l *link.Link) {
	defer m.wg.Done()

	select {
	case <-l.Done():
	case <-m.ctx.Done():
		return
	}

	m.mu.Lock()
	if m.links[addr] == l {
		delete(m.links, addr)
	}
	info, ok := m.peers[addr]
	m.mu.Unlock()

	if ok && info.Persistent && m.ctx.Err() == nil {
		m.logger.Info("peer link lost, redialing", logging.KeyAddress, addr, logging.KeyError, l.Err())
		m.reconnector.Schedule(addr)
	}
}

func (m *Manager) redial(addr string) error {
	m.mu.Lock()
	info, ok := m.peers[addr]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	defer cancel()
	_, err := m.dial(ctx, info)
	if err != nil {
		m.logger.Debug("redial failed", logging.KeyAddress, addr, "attempt", m.reconnector.Attempts(addr), logging.KeyError, err)
	}
	return err
}

// Connected reports whether the peer at addr currently has a link.
func (m *Manager) Connected(addr string) bool {
	m.mu.Lock()
	l, ok := m.links[addr]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-l.Done():
		return false
	default:
		return true
	}
}

// Serve accepts inbound connections on ln and attaches them to the node
// until ctx is done or the listener fails.
func (m *Manager) Serve(ctx context.Context, ln transport.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || m.ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrTransportClosed) {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer recovery.RecoverWithLog(m.logger, "peer.accept")

			hctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
			defer cancel()
			if _, err := m.cfg.Node.AddLink(hctx, conn, false, identity.ZeroID); err != nil {
				m.logger.Warn("inbound link failed", logging.KeyRemoteAddr, conn.RemoteAddr().String(), logging.KeyError, err)
			}
		}()
	}
}

// Close stops redialing and closes transports the manager created. Links
// belong to the node and stay up.
func (m *Manager) Close() error {
	m.cancel()
	m.reconnector.Stop()
	m.wg.Wait()

	m.mu.Lock()
	owned := m.owned
	m.owned = nil
	m.mu.Unlock()

	var result *multierror.Error
	for _, tr := range owned {
		if err := tr.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
