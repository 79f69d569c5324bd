package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postalsys/handlemesh/internal/handle"
	"github.com/postalsys/handlemesh/internal/identity"
)

const testTimeout = 3 * time.Second

// mockConnector echoes every capability it is handed, or fails.
type mockConnector struct {
	err   error
	calls atomic.Int64

	mu      sync.Mutex
	service string
	peer    identity.NodeID
	handles []handle.Proxyable
}

func (m *mockConnector) Connect(ctx context.Context, peer identity.NodeID, service string, h handle.Proxyable) error {
	m.calls.Add(1)
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	m.peer, m.service = peer, service
	m.handles = append(m.handles, h)
	m.mu.Unlock()

	go func() {
		defer h.Close()
		for {
			msg, err := h.Read(context.Background())
			if err != nil {
				return
			}
			if err := h.Write(context.Background(), msg); err != nil {
				return
			}
		}
	}()
	return nil
}

func startListener(t *testing.T, cfg ListenerConfig, c Connector) *Listener {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	l := NewListener(cfg, c)
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { l.Stop() })
	return l
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewListener(t *testing.T) {
	l := NewListener(ListenerConfig{Address: "127.0.0.1:0", Service: "ssh"}, &mockConnector{})

	if l.Service() != "ssh" {
		t.Errorf("Service() = %q, want ssh", l.Service())
	}
	if l.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount() = %d, want 0", l.ConnectionCount())
	}
	if l.Address() != nil {
		t.Error("Address() should be nil before Start")
	}
}

func TestListener_StartStop(t *testing.T) {
	l := NewListener(ListenerConfig{Address: "127.0.0.1:0"}, &mockConnector{})
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if l.Address() == nil {
		t.Fatal("Address() = nil after Start")
	}
	if err := l.Start(); err == nil {
		t.Error("second Start() should fail")
	}

	if err := l.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestListener_Echo(t *testing.T) {
	peer := identity.MustNewNodeID()
	mc := &mockConnector{}
	l := startListener(t, ListenerConfig{Peer: peer, Service: "echo"}, mc)

	conn, err := net.Dial("tcp", l.Address().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(testTimeout))

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echo = %q, want ping", buf)
	}

	mc.mu.Lock()
	if mc.peer != peer || mc.service != "echo" {
		t.Errorf("Connect(%s, %q), want (%s, echo)", mc.peer.ShortString(), mc.service, peer.ShortString())
	}
	mc.mu.Unlock()

	if got := l.ConnectionCount(); got != 1 {
		t.Errorf("ConnectionCount() = %d, want 1", got)
	}
	conn.Close()
	waitFor(t, "connection release", func() bool { return l.ConnectionCount() == 0 })
}

func TestListener_ConnectFailure(t *testing.T) {
	mc := &mockConnector{err: errors.New("no link to node")}
	l := startListener(t, ListenerConfig{Service: "echo"}, mc)

	conn, err := net.Dial("tcp", l.Address().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(testTimeout))

	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("Read() should fail once the connect fails")
	}
	if got := mc.calls.Load(); got != 1 {
		t.Errorf("Connect calls = %d, want 1", got)
	}
	waitFor(t, "connection release", func() bool { return l.ConnectionCount() == 0 })
}

func TestListener_ConnectionLimit(t *testing.T) {
	mc := &mockConnector{}
	l := startListener(t, ListenerConfig{Service: "echo", MaxConnections: 1}, mc)

	first, err := net.Dial("tcp", l.Address().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer first.Close()
	waitFor(t, "first connection", func() bool { return l.ConnectionCount() == 1 })

	second, err := net.Dial("tcp", l.Address().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Error("connection over the limit should be closed")
	}
	if got := mc.calls.Load(); got != 1 {
		t.Errorf("Connect calls = %d, want 1", got)
	}
}

func TestListener_StopClosesConnections(t *testing.T) {
	mc := &mockConnector{}
	l := NewListener(ListenerConfig{Address: "127.0.0.1:0", Service: "echo"}, mc)
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var conns []net.Conn
	for i := 0; i < 3; i++ {
		c, err := net.Dial("tcp", l.Address().String())
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		defer c.Close()
		conns = append(conns, c)
	}
	waitFor(t, "connections", func() bool { return l.ConnectionCount() == 3 })

	if err := l.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	for i, c := range conns {
		c.SetReadDeadline(time.Now().Add(testTimeout))
		if _, err := c.Read(make([]byte, 1)); err == nil {
			t.Errorf("conn %d still open after Stop", i)
		}
	}
	if got := l.ConnectionCount(); got != 0 {
		t.Errorf("ConnectionCount() = %d, want 0", got)
	}
}

func TestTrackedConn_CloseOnce(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	var calls atomic.Int32
	tc := &trackedConn{Conn: a, onClose: func() { calls.Add(1) }}
	tc.Close()
	tc.Close()
	if got := calls.Load(); got != 1 {
		t.Errorf("onClose calls = %d, want 1", got)
	}
	if err := tc.CloseWrite(); err != nil {
		t.Errorf("CloseWrite() on a pipe = %v, want nil", err)
	}
}
