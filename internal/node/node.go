// Package node ties links, the proxy table and handle transfers together
// into one mesh node.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/postalsys/handlemesh/internal/handle"
	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/link"
	"github.com/postalsys/handlemesh/internal/logging"
	"github.com/postalsys/handlemesh/internal/metrics"
	"github.com/postalsys/handlemesh/internal/recovery"
)

var (
	// ErrNoLink is returned when the node has no link to the requested peer.
	ErrNoLink = errors.New("no link to node")

	// ErrNodeClosed is returned for operations on a closed node.
	ErrNodeClosed = errors.New("node closed")
)

// DefaultTransferTimeout is how long a transfer stream waits for Accept.
const DefaultTransferTimeout = 30 * time.Second

// Config configures a node.
type Config struct {
	ID           identity.NodeID
	Capabilities []string

	HandshakeTimeout     time.Duration
	KeepaliveInterval    time.Duration
	StreamBuffer         int
	CompressionThreshold int
	MaxBytesPerSecond    int64

	// ChannelCapacity sizes the channel pairs handed out by Accept.
	ChannelCapacity int
	// TransferTimeout bounds how long a transfer stream that arrived before
	// its Accept is kept.
	TransferTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:     link.DefaultHandshakeTimeout,
		KeepaliveInterval:    30 * time.Second,
		CompressionThreshold: 1024,
		TransferTimeout:      DefaultTransferTimeout,
	}
}

// Node is one participant of the mesh. It owns the links to its peers and
// the proxy sessions running over them.
type Node struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	links     map[identity.NodeID]*link.Link
	services  map[string]ServiceHandler
	transfers map[identity.TransferKey]*transferSlot
	sessions  map[uint64]*session
	byHandle  map[handle.Proxyable]*session
	nextID    uint64
	closed    bool

	loopbackIDs atomic.Uint64

	wg sync.WaitGroup
}

// New creates a node. A zero cfg.ID is replaced by a fresh random id.
func New(cfg Config) (*Node, error) {
	if cfg.ID.IsZero() {
		id, err := identity.NewNodeID()
		if err != nil {
			return nil, fmt.Errorf("generate node id: %w", err)
		}
		cfg.ID = id
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultTransferTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:       cfg,
		logger:    cfg.Logger.With(logging.KeyNodeID, cfg.ID.ShortString()),
		metrics:   cfg.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		links:     make(map[identity.NodeID]*link.Link),
		services:  make(map[string]ServiceHandler),
		transfers: make(map[identity.TransferKey]*transferSlot),
		sessions:  make(map[uint64]*session),
		byHandle:  make(map[handle.Proxyable]*session),
	}, nil
}

// ID returns the node id.
func (n *Node) ID() identity.NodeID { return n.cfg.ID }

// IsRunning reports whether the node has not been closed.
func (n *Node) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.closed
}

func (n *Node) linkConfig(expected identity.NodeID) link.Config {
	return link.Config{
		LocalID:              n.cfg.ID,
		ExpectedPeer:         expected,
		Capabilities:         n.cfg.Capabilities,
		HandshakeTimeout:     n.cfg.HandshakeTimeout,
		KeepaliveInterval:    n.cfg.KeepaliveInterval,
		StreamBuffer:         n.cfg.StreamBuffer,
		CompressionThreshold: n.cfg.CompressionThreshold,
		MaxBytesPerSecond:    n.cfg.MaxBytesPerSecond,
		Logger:               n.cfg.Logger,
		Metrics:              n.metrics,
		OnTransferStream:     n.onTransferStream,
		OnServiceStream:      n.onServiceStream,
	}
}

// AddLink runs the link handshake on conn and starts serving the link. A
// non-zero expected must match the remote node. An existing link to the
// same node is replaced.
func (n *Node) AddLink(ctx context.Context, conn io.ReadWriteCloser, dialer bool, expected identity.NodeID) (*link.Link, error) {
	if n.ctx.Err() != nil {
		conn.Close()
		return nil, ErrNodeClosed
	}

	l, err := link.Handshake(ctx, conn, dialer, n.linkConfig(expected))
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		l.Close()
		return nil, ErrNodeClosed
	}
	old := n.links[l.RemoteID()]
	n.links[l.RemoteID()] = l
	n.wg.Add(1)
	n.mu.Unlock()

	if old != nil {
		n.logger.Info("replacing link", logging.KeyPeerID, l.RemoteID().ShortString())
		old.Close()
	}

	go n.serveLink(l)

	n.logger.Info("link established",
		logging.KeyPeerID, l.RemoteID().ShortString(),
		logging.KeyTransport, l.Transport(),
		logging.KeyRemoteAddr, l.RemoteAddr())
	return l, nil
}

func (n *Node) serveLink(l *link.Link) {
	defer n.wg.Done()
	defer recovery.RecoverWithLog(n.logger, "node.serveLink")

	err := l.Serve(n.ctx)

	n.mu.Lock()
	if n.links[l.RemoteID()] == l {
		delete(n.links, l.RemoteID())
	}
	n.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		n.logger.Warn("link failed", logging.KeyPeerID, l.RemoteID().ShortString(), logging.KeyError, err)
		return
	}
	n.logger.Info("link closed", logging.KeyPeerID, l.RemoteID().ShortString())
}

// Link returns the link to id.
func (n *Node) Link(id identity.NodeID) (*link.Link, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrNodeClosed
	}
	l, ok := n.links[id]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoLink, id.ShortString())
	}
	return l, nil
}

// Links returns the current links ordered by remote id.
func (n *Node) Links() []*link.Link {
	n.mu.Lock()
	links := make([]*link.Link, 0, len(n.links))
	for _, l := range n.links {
		links = append(links, l)
	}
	n.mu.Unlock()

	sort.Slice(links, func(i, j int) bool {
		return links[i].RemoteID().String() < links[j].RemoteID().String()
	})
	return links
}

// Close drops every proxied handle, closes all links and waits for the
// sessions to end.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	sessions := make([]*session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.sessions = make(map[uint64]*session)
	n.byHandle = make(map[handle.Proxyable]*session)
	links := make([]*link.Link, 0, len(n.links))
	for _, l := range n.links {
		links = append(links, l)
	}
	n.mu.Unlock()

	for _, s := range sessions {
		s.sender.Send(dropped)
	}

	var result *multierror.Error
	for _, l := range links {
		if err := l.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close link %s: %w", l.RemoteID().ShortString(), err))
		}
	}

	n.cancel()
	n.wg.Wait()

	n.logger.Info("node closed", "sessions", len(sessions), "links", len(links))
	return result.ErrorOrNil()
}
