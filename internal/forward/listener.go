package forward

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/handlemesh/internal/handle"
	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/logging"
	"github.com/postalsys/handlemesh/internal/recovery"
)

// ListenerConfig holds listener configuration.
type ListenerConfig struct {
	// Address is the local address to listen on.
	Address string

	// Peer is the node exporting Service.
	Peer    identity.NodeID
	Service string

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	// ConnectTimeout bounds opening the proxy stream to the peer.
	ConnectTimeout time.Duration

	Logger *slog.Logger
}

// Listener accepts TCP connections and connects each one to a service on a
// peer. The node owns a connection once Connect succeeds.
type Listener struct {
	cfg       ListenerConfig
	connector Connector
	listener  net.Listener
	logger    *slog.Logger

	mu          sync.Mutex
	connections map[net.Conn]struct{}
	connCount   atomic.Int64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewListener creates a forward listener.
func NewListener(cfg ListenerConfig, connector Connector) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	return &Listener{
		cfg:       cfg,
		connector: connector,
		logger: logger.With(
			logging.KeyComponent, "forward",
			logging.KeyService, cfg.Service,
			logging.KeyPeerID, cfg.Peer.ShortString()),
		connections: make(map[net.Conn]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start opens the TCP listener and begins accepting.
func (l *Listener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}

	listener, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.Address, err)
	}

	l.listener = listener
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info("forward listener started", logging.KeyAddress, listener.Addr().String())
	return nil
}

// Stop closes the listener and every connection still open.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)

		if l.listener != nil {
			err = l.listener.Close()
		}

		l.mu.Lock()
		conns := make([]net.Conn, 0, len(l.connections))
		for conn := range l.connections {
			conns = append(conns, conn)
		}
		l.mu.Unlock()
		for _, conn := range conns {
			conn.Close()
		}

		l.logger.Info("forward listener stopped")
	})

	l.wg.Wait()
	return err
}

// Address returns the listening address.
func (l *Listener) Address() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Service returns the service name connections are forwarded to.
func (l *Listener) Service() string {
	return l.cfg.Service
}

// ConnectionCount returns the number of open connections.
func (l *Listener) ConnectionCount() int64 {
	return l.connCount.Load()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.Listener.acceptLoop")

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				l.logger.Debug("accept error", logging.KeyError, err)
				continue
			}
		}

		if l.cfg.MaxConnections > 0 && l.connCount.Load() >= int64(l.cfg.MaxConnections) {
			l.logger.Debug("connection limit reached", "limit", l.cfg.MaxConnections)
			conn.Close()
			continue
		}

		tc := l.track(conn)
		l.wg.Add(1)
		go l.handleConnection(tc)
	}
}

func (l *Listener) track(conn net.Conn) net.Conn {
	tc := &trackedConn{Conn: conn}
	tc.onClose = func() {
		l.mu.Lock()
		delete(l.connections, tc)
		l.mu.Unlock()
		l.connCount.Add(-1)
	}

	l.mu.Lock()
	l.connections[tc] = struct{}{}
	l.mu.Unlock()
	l.connCount.Add(1)
	return tc
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.Listener.handleConnection")

	remoteAddr := conn.RemoteAddr().String()

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ConnectTimeout)
	defer cancel()
	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	sock := handle.NewSocket(conn)
	if err := l.connector.Connect(ctx, l.cfg.Peer, l.cfg.Service, sock); err != nil {
		l.logger.Debug("forward connect failed", logging.KeyRemoteAddr, remoteAddr, logging.KeyError, err)
		sock.Close()
		return
	}
	l.logger.Debug("forward connected", logging.KeyRemoteAddr, remoteAddr)
}
