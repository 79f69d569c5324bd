// Package transport establishes the byte pipes that links run over.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

// TransportType identifies the transport protocol.
type TransportType string

const (
	TransportQUIC      TransportType = "quic"
	TransportWebSocket TransportType = "ws"
	TransportTCP       TransportType = "tcp"
)

// ErrTransportClosed is returned by Dial and Listen after Close.
var ErrTransportClosed = fmt.Errorf("transport closed")

// Transport creates and accepts link connections.
type Transport interface {
	// Dial connects to a remote node.
	Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error)

	// Listen creates a listener for incoming connections.
	Listen(addr string, opts ListenOptions) (Listener, error)

	// Type returns the transport type identifier.
	Type() TransportType

	// Close shuts down the transport and its listeners.
	Close() error
}

// Listener accepts incoming link connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept(ctx context.Context) (Conn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// Conn is an ordered, reliable byte pipe to one remote node. A link
// multiplexes all of its proxy streams over a single Conn.
type Conn interface {
	io.ReadWriteCloser

	// LocalAddr returns the local address, or nil if unknown.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote address, or nil if unknown.
	RemoteAddr() net.Addr

	// IsDialer returns true if this side initiated the connection.
	IsDialer() bool

	// TransportType returns the transport protocol type.
	TransportType() TransportType
}

// DialOptions contains options for dialing a node.
type DialOptions struct {
	// TLSConfig is the TLS configuration for the connection.
	TLSConfig *tls.Config

	// InsecureSkipVerify allows dialing without a TLS config by skipping
	// certificate verification. Development only.
	InsecureSkipVerify bool

	// PlainText dials TCP and WebSocket without TLS.
	PlainText bool

	// Timeout is the connection timeout.
	Timeout time.Duration

	// ProxyURL is the HTTP proxy URL (WebSocket transport).
	ProxyURL string

	// ProxyUsername is the proxy authentication username.
	ProxyUsername string

	// ProxyPassword is the proxy authentication password.
	ProxyPassword string

	// ALPNProtocol is the ALPN protocol identifier for QUIC and TLS.
	// Empty uses DefaultALPNProtocol.
	ALPNProtocol string

	// WSSubprotocol is the WebSocket subprotocol identifier.
	// Empty uses DefaultWSSubprotocol.
	WSSubprotocol string
}

// ListenOptions contains options for creating a listener.
type ListenOptions struct {
	// TLSConfig is the TLS configuration for the listener.
	TLSConfig *tls.Config

	// Path is the HTTP path (WebSocket transport).
	Path string

	// PlainText allows TCP and WebSocket listeners without TLS, for
	// deployments behind a TLS-terminating proxy or on loopback.
	PlainText bool

	// ALPNProtocol is the ALPN protocol identifier for QUIC and TLS.
	ALPNProtocol string

	// WSSubprotocol is the WebSocket subprotocol identifier.
	WSSubprotocol string
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout: 30 * time.Second,
	}
}

// DefaultListenOptions returns ListenOptions with sensible defaults.
func DefaultListenOptions() ListenOptions {
	return ListenOptions{
		Path: wsDefaultPath,
	}
}

// ParseType parses a transport name from configuration.
func ParseType(s string) (TransportType, error) {
	switch TransportType(strings.ToLower(strings.TrimSpace(s))) {
	case TransportQUIC:
		return TransportQUIC, nil
	case TransportWebSocket, "websocket":
		return TransportWebSocket, nil
	case TransportTCP:
		return TransportTCP, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

// New creates a transport of the given type.
func New(typ TransportType) (Transport, error) {
	switch typ {
	case TransportQUIC:
		return NewQUICTransport(), nil
	case TransportWebSocket:
		return NewWebSocketTransport(), nil
	case TransportTCP:
		return NewTCPTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", typ)
	}
}

// StreamIDAllocator allocates proxy stream ids on one link so that the two
// ends never collide.
//   - Dialers use odd IDs (1, 3, 5, ...)
//   - Listeners use even IDs (2, 4, 6, ...)
//
// Id 0 is the link control stream and is never allocated.
type StreamIDAllocator struct {
	next     atomic.Uint64
	isDialer bool
}

// NewStreamIDAllocator creates a new allocator.
func NewStreamIDAllocator(isDialer bool) *StreamIDAllocator {
	start := uint64(2)
	if isDialer {
		start = 1
	}
	a := &StreamIDAllocator{
		isDialer: isDialer,
	}
	a.next.Store(start)
	return a
}

// Next returns the next available stream ID. Safe for concurrent use.
func (a *StreamIDAllocator) Next() uint64 {
	return a.next.Add(2) - 2
}

// IsDialer returns true if this allocator is for a dialer.
func (a *StreamIDAllocator) IsDialer() bool {
	return a.isDialer
}

// netConn adapts a net.Conn to Conn.
type netConn struct {
	net.Conn
	isDialer bool
	typ      TransportType
}

func (c *netConn) IsDialer() bool               { return c.isDialer }
func (c *netConn) TransportType() TransportType { return c.typ }
