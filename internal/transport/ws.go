package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"nhooyr.io/websocket"
)

// WebSocket transport constants
const (
	wsDefaultPath      = "/mesh"
	wsDefaultReadLimit = 1024 * 1024
)

// WebSocketTransport implements Transport using WebSocket. A link is one
// WebSocket connection carrying frames as binary messages.
type WebSocketTransport struct {
	mu        sync.Mutex
	listeners []*WebSocketListener
	closed    bool
}

// NewWebSocketTransport creates a new WebSocket transport.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{}
}

// Type returns the transport type.
func (t *WebSocketTransport) Type() TransportType {
	return TransportWebSocket
}

// Dial connects to a remote node using WebSocket.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.mu.Unlock()

	wsURL, err := parseWebSocketURL(addr, opts)
	if err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	httpClient, err := buildHTTPClient(opts, strings.HasPrefix(wsURL, "wss://"))
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocolOrDefault(opts.WSSubprotocol)},
		HTTPClient:   httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial failed: %w", err)
	}
	conn.SetReadLimit(wsDefaultReadLimit)

	return newWebSocketConn(conn, true, nil), nil
}

// Listen creates a WebSocket listener.
func (t *WebSocketTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}

	if opts.TLSConfig == nil && !opts.PlainText {
		return nil, fmt.Errorf("TLS config required for WebSocket listener (or set PlainText)")
	}

	path := opts.Path
	if path == "" {
		path = wsDefaultPath
	}

	listener := &WebSocketListener{
		addr:        addr,
		path:        path,
		tlsConfig:   opts.TLSConfig,
		subprotocol: subprotocolOrDefault(opts.WSSubprotocol),
		connCh:      make(chan *WebSocketConn, 16),
		closeCh:     make(chan struct{}),
	}

	if err := listener.start(); err != nil {
		return nil, err
	}

	t.listeners = append(t.listeners, listener)
	return listener, nil
}

// Close shuts down the transport and all listeners.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var result error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	t.listeners = nil
	return result
}

// WebSocketListener implements Listener for WebSocket.
type WebSocketListener struct {
	addr        string
	path        string
	tlsConfig   *tls.Config
	subprotocol string
	server      *http.Server
	netLn       net.Listener
	connCh      chan *WebSocketConn
	closeCh     chan struct{}
	closed      atomic.Bool
}

// start initializes the HTTP server.
func (l *WebSocketListener) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleWebSocket)

	l.server = &http.Server{
		Addr:              l.addr,
		Handler:           mux,
		TLSConfig:         l.tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	l.netLn = ln

	go func() {
		if l.tlsConfig != nil {
			l.server.ServeTLS(ln, "", "")
		} else {
			l.server.Serve(ln)
		}
	}()

	return nil
}

// handleWebSocket handles incoming WebSocket upgrade requests.
func (l *WebSocketListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{l.subprotocol},
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(wsDefaultReadLimit)

	remote, _ := net.ResolveTCPAddr("tcp", r.RemoteAddr)
	wc := newWebSocketConn(conn, false, remote)

	select {
	case l.connCh <- wc:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

// Accept waits for and returns the next WebSocket connection.
func (l *WebSocketListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("listener closed")
	}
}

// Addr returns the listener's address.
func (l *WebSocketListener) Addr() net.Addr {
	if l.netLn != nil {
		return l.netLn.Addr()
	}
	return nil
}

// Close stops the listener.
func (l *WebSocketListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if l.server != nil {
		return l.server.Shutdown(ctx)
	}
	return nil
}

// WebSocketConn implements Conn over a WebSocket connection. Writes become
// binary messages; reads span message boundaries.
type WebSocketConn struct {
	ws       *websocket.Conn
	nc       net.Conn
	isDialer bool
	remote   net.Addr
	closed   atomic.Bool
}

func newWebSocketConn(ws *websocket.Conn, isDialer bool, remote net.Addr) *WebSocketConn {
	return &WebSocketConn{
		ws:       ws,
		nc:       websocket.NetConn(context.Background(), ws, websocket.MessageBinary),
		isDialer: isDialer,
		remote:   remote,
	}
}

func (c *WebSocketConn) Read(p []byte) (int, error)  { return c.nc.Read(p) }
func (c *WebSocketConn) Write(p []byte) (int, error) { return c.nc.Write(p) }

// Close terminates the WebSocket connection.
func (c *WebSocketConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.ws.Close(websocket.StatusNormalClosure, "link closed")
}

// LocalAddr returns the local address.
func (c *WebSocketConn) LocalAddr() net.Addr { return c.nc.LocalAddr() }

// RemoteAddr returns the remote address if the listener recorded one.
func (c *WebSocketConn) RemoteAddr() net.Addr {
	if c.remote != nil {
		return c.remote
	}
	return c.nc.RemoteAddr()
}

// IsDialer returns true if this side initiated the connection.
func (c *WebSocketConn) IsDialer() bool { return c.isDialer }

// TransportType returns the transport protocol type.
func (c *WebSocketConn) TransportType() TransportType { return TransportWebSocket }

func subprotocolOrDefault(p string) string {
	if p == "" {
		return DefaultWSSubprotocol
	}
	return p
}

// parseWebSocketURL turns a host:port or URL into a WebSocket URL.
func parseWebSocketURL(addr string, opts DialOptions) (string, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		if _, err := url.Parse(addr); err != nil {
			return "", fmt.Errorf("invalid WebSocket URL %q: %w", addr, err)
		}
		return addr, nil
	}
	if addr == "" {
		return "", fmt.Errorf("empty WebSocket address")
	}

	scheme := "wss"
	if opts.PlainText {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, wsDefaultPath), nil
}

// buildHTTPClient creates an HTTP client with optional TLS and proxy settings.
func buildHTTPClient(opts DialOptions, secure bool) (*http.Client, error) {
	transport := &http.Transport{}

	if secure {
		tlsConfig, err := prepareTLSConfigForDial(opts.TLSConfig, opts.InsecureSkipVerify, nil)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		if opts.ProxyUsername != "" {
			proxyURL.User = url.UserPassword(opts.ProxyUsername, opts.ProxyPassword)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{Transport: transport}, nil
}
