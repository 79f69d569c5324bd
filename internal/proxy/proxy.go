// Package proxy relays one local capability over a proxy stream and moves
// the remote end of that relay between nodes without losing messages.
package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/postalsys/handlemesh/internal/handle"
	"github.com/postalsys/handlemesh/internal/logging"
	"github.com/postalsys/handlemesh/internal/metrics"
	"github.com/postalsys/handlemesh/internal/stream"
)

var (
	// ErrProtocolViolation is returned when a frame arrives in a phase where
	// it is not allowed. It carries StatusProtocol on the wire.
	ErrProtocolViolation = &handle.StatusError{Status: handle.StatusProtocol, Msg: "protocol violation"}

	// ErrStreamClosed is returned when the stream ends without SHUTDOWN.
	ErrStreamClosed = errors.New("proxy stream closed unexpectedly")

	// ErrProxyShared is returned when the relay finishing the session does
	// not hold the only reference to the proxy.
	ErrProxyShared = errors.New("proxy still shared at hand-off")

	// ErrProxyDropped is returned when the proxy table removes the proxy
	// without a transfer.
	ErrProxyDropped = errors.New("proxy dropped from proxy table")

	// ErrTransferCollision is returned when both ends start a transfer at
	// the same time.
	ErrTransferCollision = errors.New("transfer collision")

	// ErrNoRouter is returned when a transfer needs a new stream and the
	// proxy has no router.
	ErrNoRouter = errors.New("proxy has no router")
)

// Options configures a Proxy.
type Options struct {
	// DebugID names the proxy in logs.
	DebugID string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Router opens streams to other nodes during a transfer.
	Router Router
}

// Proxy owns one capability for as long as it is proxied. While both relays
// run the proxy is shared between them; the relay that finishes the session
// must hold the only reference.
type Proxy struct {
	hdl     handle.Proxyable
	debugID string
	logger  *slog.Logger
	metrics *metrics.Metrics
	router  Router

	refs      atomic.Int32
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	bytesToStream atomic.Uint64
	bytesToHandle atomic.Uint64
}

// New creates a proxy owning hdl.
func New(hdl handle.Proxyable, opts Options) *Proxy {
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	p := &Proxy{
		hdl:     hdl,
		debugID: opts.DebugID,
		logger:  opts.Logger.With(logging.KeyDebugID, opts.DebugID),
		metrics: opts.Metrics,
		router:  opts.Router,
		closed:  make(chan struct{}),
	}
	p.refs.Store(1)
	return p
}

// DebugID returns the diagnostic name of the proxy.
func (p *Proxy) DebugID() string { return p.debugID }

// Done is closed once the capability has been closed.
func (p *Proxy) Done() <-chan struct{} { return p.closed }

// BytesToStream returns message bytes relayed from the capability.
func (p *Proxy) BytesToStream() uint64 { return p.bytesToStream.Load() }

// BytesToHandle returns message bytes relayed into the capability.
func (p *Proxy) BytesToHandle() uint64 { return p.bytesToHandle.Load() }

// share hands one reference to each relay.
func (p *Proxy) share() {
	p.refs.Store(2)
}

// release drops a relay's reference. The last release closes the
// capability.
func (p *Proxy) release() {
	if p.refs.Add(-1) == 0 {
		p.close()
	}
}

// take claims sole ownership. It fails if the other relay still holds its
// reference.
func (p *Proxy) take() error {
	if !p.refs.CompareAndSwap(1, 0) {
		return fmt.Errorf("%w: %d references", ErrProxyShared, p.refs.Load())
	}
	return nil
}

func (p *Proxy) close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.hdl.Close()
		close(p.closed)
	})
	return p.closeErr
}

func (p *Proxy) violation(f stream.Frame, phase string) error {
	name := stream.Name(f)
	p.metrics.ProtocolViolations.WithLabelValues(name).Inc()
	return fmt.Errorf("%w: unexpected %s during %s", ErrProtocolViolation, name, phase)
}
