package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// TCPTransport implements Transport over TCP, with TLS unless PlainText is
// set.
type TCPTransport struct {
	mu        sync.Mutex
	listeners []*TCPListener
	closed    bool
}

// NewTCPTransport creates a new TCP transport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

// Type returns the transport type.
func (t *TCPTransport) Type() TransportType {
	return TransportTCP
}

// Dial connects to a remote node over TCP.
func (t *TCPTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.mu.Unlock()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP dial failed: %w", err)
	}

	if !opts.PlainText {
		tlsConfig, err := prepareTLSConfigForDial(opts.TLSConfig, opts.InsecureSkipVerify, []string{alpnOrDefault(opts.ALPNProtocol)})
		if err != nil {
			conn.Close()
			return nil, err
		}
		if tlsConfig.ServerName == "" && !tlsConfig.InsecureSkipVerify {
			host, _, _ := net.SplitHostPort(addr)
			tlsConfig.ServerName = host
		}
		tc := tls.Client(conn, tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
		conn = tc
	}

	return &netConn{Conn: conn, isDialer: true, typ: TransportTCP}, nil
}

// Listen creates a TCP listener.
func (t *TCPTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	if opts.TLSConfig == nil && !opts.PlainText {
		return nil, fmt.Errorf("TLS config required for TCP listener (or set PlainText)")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP listen failed: %w", err)
	}
	if !opts.PlainText {
		tlsConfig := opts.TLSConfig.Clone()
		tlsConfig.NextProtos = []string{alpnOrDefault(opts.ALPNProtocol)}
		ln = tls.NewListener(ln, tlsConfig)
	}

	tl := &TCPListener{ln: ln}
	t.listeners = append(t.listeners, tl)
	return tl, nil
}

// Close shuts down the transport and all listeners.
func (t *TCPTransport) Close() error {
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

// TCPListener implements Listener for TCP.
type TCPListener struct {
	ln        net.Listener
	closeOnce sync.Once
}

// Accept waits for the next connection. A connection that arrives after
// ctx ends is closed.
func (l *TCPListener) Accept(ctx context.Context) (Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if tc, ok := r.conn.(*tls.Conn); ok {
			if err := tc.HandshakeContext(ctx); err != nil {
				tc.Close()
				return nil, fmt.Errorf("TLS handshake failed: %w", err)
			}
		}
		return &netConn{Conn: r.conn, isDialer: false, typ: TransportTCP}, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Addr returns the listener's address.
func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops the listener.
func (l *TCPListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.ln.Close()
	})
	return err
}
