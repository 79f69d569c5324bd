package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/postalsys/handlemesh/internal/handle"
	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/logging"
	"github.com/postalsys/handlemesh/internal/node"
)

// ErrConnectionLimit is returned when MaxConnections is reached.
var ErrConnectionLimit = &handle.StatusError{Status: handle.StatusUnavailable, Msg: "connection limit reached"}

// HandlerConfig contains export handler configuration.
type HandlerConfig struct {
	// Endpoints map service names to local TCP targets.
	Endpoints []Endpoint

	// ConnectTimeout for outbound connections.
	ConnectTimeout time.Duration

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	Logger *slog.Logger
}

// DefaultHandlerConfig returns sensible defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		ConnectTimeout: 30 * time.Second,
		MaxConnections: 1000,
	}
}

// Handler serves exported services by dialing their TCP targets. Each
// incoming mesh connection gets its own TCP connection.
type Handler struct {
	cfg     HandlerConfig
	logger  *slog.Logger
	targets map[string]string
	dialer  net.Dialer

	mu          sync.Mutex
	connections map[net.Conn]struct{}
	connCount   atomic.Int64
	exported    []string
}

// NewHandler creates an export handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	targets := make(map[string]string)
	for _, ep := range cfg.Endpoints {
		targets[ep.Name] = ep.Target
	}

	return &Handler{
		cfg:         cfg,
		logger:      logger.With(logging.KeyComponent, "export"),
		targets:     targets,
		dialer:      net.Dialer{Timeout: cfg.ConnectTimeout},
		connections: make(map[net.Conn]struct{}),
	}
}

// Register exports every endpoint on e. Endpoints exported before a failure
// stay exported; Unregister removes them.
func (h *Handler) Register(e Exporter) error {
	for _, name := range h.Names() {
		if err := e.Export(name, h.ServiceHandler(name)); err != nil {
			return fmt.Errorf("export %s: %w", name, err)
		}
		h.mu.Lock()
		h.exported = append(h.exported, name)
		h.mu.Unlock()
	}
	return nil
}

// Unregister removes the services Register exported.
func (h *Handler) Unregister(e Exporter) {
	h.mu.Lock()
	names := h.exported
	h.exported = nil
	h.mu.Unlock()

	for _, name := range names {
		e.Unexport(name)
	}
}

// Target returns the TCP target of a service.
func (h *Handler) Target(name string) (string, bool) {
	t, ok := h.targets[name]
	return t, ok
}

// Names returns the service names in order.
func (h *Handler) Names() []string {
	names := make([]string, 0, len(h.targets))
	for name := range h.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServiceHandler returns the node handler for one service.
func (h *Handler) ServiceHandler(name string) node.ServiceHandler {
	return func(ctx context.Context, from identity.NodeID) (handle.Proxyable, error) {
		return h.open(ctx, name, from)
	}
}

func (h *Handler) open(ctx context.Context, name string, from identity.NodeID) (handle.Proxyable, error) {
	target, ok := h.targets[name]
	if !ok {
		return nil, &handle.StatusError{Status: handle.StatusUnavailable, Msg: "unknown service " + name}
	}
	if h.cfg.MaxConnections > 0 && h.connCount.Load() >= int64(h.cfg.MaxConnections) {
		return nil, ErrConnectionLimit
	}

	conn, err := h.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		h.logger.Debug("dial target failed",
			logging.KeyService, name,
			logging.KeyAddress, target,
			logging.KeyPeerID, from.ShortString(),
			logging.KeyError, err)
		return nil, mapDialError(err)
	}

	h.logger.Debug("export connected",
		logging.KeyService, name,
		logging.KeyAddress, target,
		logging.KeyPeerID, from.ShortString())
	return handle.NewSocket(h.track(conn)), nil
}

func (h *Handler) track(conn net.Conn) net.Conn {
	tc := &trackedConn{Conn: conn}
	tc.onClose = func() {
		h.mu.Lock()
		delete(h.connections, tc)
		h.mu.Unlock()
		h.connCount.Add(-1)
	}

	h.mu.Lock()
	h.connections[tc] = struct{}{}
	h.mu.Unlock()
	h.connCount.Add(1)
	return tc
}

// mapDialError maps a dial error to the status reported to the connecting
// node.
func mapDialError(err error) error {
	if err == nil {
		return nil
	}

	status := handle.StatusIO
	var netErr net.Error
	errLower := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.Canceled):
		status = handle.StatusCanceled
	case errors.As(err, &netErr) && netErr.Timeout(),
		strings.Contains(errLower, "refused"),
		strings.Contains(errLower, "unreachable"),
		strings.Contains(errLower, "timeout"):
		status = handle.StatusUnavailable
	}
	return &handle.StatusError{Status: status, Msg: err.Error()}
}

// ConnectionCount returns the number of open target connections.
func (h *Handler) ConnectionCount() int64 {
	return h.connCount.Load()
}

// Close closes every open target connection.
func (h *Handler) Close() error {
	h.mu.Lock()
	conns := make([]net.Conn, 0, len(h.connections))
	for conn := range h.connections {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	var result *multierror.Error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
