package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestStreamIDAllocator(t *testing.T) {
	t.Run("dialer allocates odd IDs", func(t *testing.T) {
		alloc := NewStreamIDAllocator(true)

		if !alloc.IsDialer() {
			t.Error("IsDialer() = false, want true")
		}
		for i := 0; i < 5; i++ {
			if id := alloc.Next(); id%2 != 1 {
				t.Errorf("Dialer ID %d is not odd", id)
			}
		}
	})

	t.Run("listener allocates even IDs", func(t *testing.T) {
		alloc := NewStreamIDAllocator(false)

		if alloc.IsDialer() {
			t.Error("IsDialer() = true, want false")
		}
		for i := 0; i < 5; i++ {
			id := alloc.Next()
			if id%2 != 0 {
				t.Errorf("Listener ID %d is not even", id)
			}
			if id == 0 {
				t.Error("Listener allocated the control stream id 0")
			}
		}
	})

	t.Run("concurrent access produces unique IDs", func(t *testing.T) {
		alloc := NewStreamIDAllocator(true)
		const numGoroutines = 50
		const idsPerGoroutine = 100

		idChan := make(chan uint64, numGoroutines*idsPerGoroutine)
		var wg sync.WaitGroup
		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func() {
				defer wg.Done()
				for j := 0; j < idsPerGoroutine; j++ {
					idChan <- alloc.Next()
				}
			}()
		}
		wg.Wait()
		close(idChan)

		seen := make(map[uint64]bool)
		for id := range idChan {
			if seen[id] {
				t.Errorf("Duplicate ID allocated: %d", id)
			}
			seen[id] = true
		}
		if len(seen) != numGoroutines*idsPerGoroutine {
			t.Errorf("Expected %d unique IDs, got %d", numGoroutines*idsPerGoroutine, len(seen))
		}
	})
}

func TestDefaultOptions(t *testing.T) {
	if got := DefaultDialOptions().Timeout; got != 30*time.Second {
		t.Errorf("DialOptions.Timeout = %v, want 30s", got)
	}
	if got := DefaultListenOptions().Path; got != wsDefaultPath {
		t.Errorf("ListenOptions.Path = %q, want %q", got, wsDefaultPath)
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		input   string
		want    TransportType
		wantErr bool
	}{
		{"quic", TransportQUIC, false},
		{"QUIC", TransportQUIC, false},
		{"ws", TransportWebSocket, false},
		{"websocket", TransportWebSocket, false},
		{" tcp ", TransportTCP, false},
		{"h2", "", true},
		{"", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseType(tc.input)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseType(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ParseType(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	for _, typ := range []TransportType{TransportQUIC, TransportWebSocket, TransportTCP} {
		tr, err := New(typ)
		if err != nil {
			t.Fatalf("New(%s) error = %v", typ, err)
		}
		if tr.Type() != typ {
			t.Errorf("New(%s).Type() = %s", typ, tr.Type())
		}
		tr.Close()
	}
	if _, err := New("carrier-pigeon"); err == nil {
		t.Error("New() with unknown type should fail")
	}
}

func TestGenerateSelfSignedCert(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("test.local", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error = %v", err)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("Failed to parse generated certificate: %v", err)
	}
	if err := pair.Leaf.VerifyHostname("localhost"); err != nil {
		t.Errorf("VerifyHostname(localhost) error = %v", err)
	}
	if err := pair.Leaf.VerifyHostname("test.local"); err != nil {
		t.Errorf("VerifyHostname(test.local) error = %v", err)
	}
}

func TestTLSConfigFromBytes(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("test.local", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error = %v", err)
	}

	config, err := TLSConfigFromBytes(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("TLSConfigFromBytes() error = %v", err)
	}
	if len(config.Certificates) != 1 {
		t.Errorf("Certificates count = %d, want 1", len(config.Certificates))
	}
	if config.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %d, want TLS 1.3", config.MinVersion)
	}
}

func TestGenerateAndSaveCert(t *testing.T) {
	tmpDir := t.TempDir()
	certFile := filepath.Join(tmpDir, "cert.pem")
	keyFile := filepath.Join(tmpDir, "key.pem")

	if err := GenerateAndSaveCert(certFile, keyFile, "test.local", 24*time.Hour); err != nil {
		t.Fatalf("GenerateAndSaveCert() error = %v", err)
	}

	config, err := LoadMutualTLSConfig(certFile, keyFile, "")
	if err != nil {
		t.Fatalf("LoadMutualTLSConfig() error = %v", err)
	}
	if config.ClientAuth != tls.NoClientCert {
		t.Errorf("ClientAuth = %v, want NoClientCert", config.ClientAuth)
	}
	if len(config.NextProtos) == 0 || config.NextProtos[0] != DefaultALPNProtocol {
		t.Errorf("NextProtos = %v, want %s", config.NextProtos, DefaultALPNProtocol)
	}

	info, err := os.Stat(keyFile)
	if err != nil {
		t.Fatalf("Stat(key) error = %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadMutualTLSConfig_NotFound(t *testing.T) {
	if _, err := LoadMutualTLSConfig("/nonexistent/cert.pem", "/nonexistent/key.pem", ""); err == nil {
		t.Error("LoadMutualTLSConfig() should fail for nonexistent files")
	}
}

func TestLoadMutualTLSConfig_ClientCA(t *testing.T) {
	tmpDir := t.TempDir()
	certFile := filepath.Join(tmpDir, "cert.pem")
	keyFile := filepath.Join(tmpDir, "key.pem")
	caFile := filepath.Join(tmpDir, "ca.pem")

	if err := GenerateAndSaveCert(certFile, keyFile, "node.local", time.Hour); err != nil {
		t.Fatalf("GenerateAndSaveCert() error = %v", err)
	}
	caPEM, err := os.ReadFile(certFile)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(caFile, caPEM, 0644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadMutualTLSConfig(certFile, keyFile, caFile)
	if err != nil {
		t.Fatalf("LoadMutualTLSConfig() error = %v", err)
	}
	if config.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v, want RequireAndVerifyClientCert", config.ClientAuth)
	}
	if config.ClientCAs == nil {
		t.Error("ClientCAs is nil")
	}

	if _, err := LoadMutualTLSConfig(certFile, keyFile, filepath.Join(tmpDir, "missing.pem")); err == nil {
		t.Error("LoadMutualTLSConfig() should fail for a missing client CA")
	}
}

func TestLoadClientTLSConfig(t *testing.T) {
	tests := []struct {
		name     string
		insecure bool
	}{
		{"verify", false},
		{"insecure", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			config, err := LoadClientTLSConfig("", tc.insecure)
			if err != nil {
				t.Fatalf("LoadClientTLSConfig() error = %v", err)
			}
			if config.InsecureSkipVerify != tc.insecure {
				t.Errorf("InsecureSkipVerify = %v, want %v", config.InsecureSkipVerify, tc.insecure)
			}
			if config.MinVersion != tls.VersionTLS13 {
				t.Errorf("MinVersion = %d, want TLS 1.3", config.MinVersion)
			}
		})
	}
}

func TestLoadCAPool(t *testing.T) {
	tmpDir := t.TempDir()

	certPEM, _, err := GenerateSelfSignedCert("ca.local", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error = %v", err)
	}
	caFile := filepath.Join(tmpDir, "ca.pem")
	os.WriteFile(caFile, certPEM, 0644)

	if _, err := LoadCAPool(caFile); err != nil {
		t.Fatalf("LoadCAPool() error = %v", err)
	}

	invalid := filepath.Join(tmpDir, "invalid.pem")
	os.WriteFile(invalid, []byte("not a valid certificate"), 0644)
	if _, err := LoadCAPool(invalid); err == nil {
		t.Error("LoadCAPool() should fail for invalid certificate")
	}
	if _, err := LoadCAPool("/nonexistent/ca.pem"); err == nil {
		t.Error("LoadCAPool() should fail for nonexistent file")
	}
}

func TestPrepareTLSConfigForDial(t *testing.T) {
	if _, err := prepareTLSConfigForDial(nil, false, nil); err == nil {
		t.Error("prepareTLSConfigForDial(nil, false) should fail")
	}

	cfg, err := prepareTLSConfigForDial(nil, true, []string{"x/1"})
	if err != nil {
		t.Fatalf("prepareTLSConfigForDial(nil, true) error = %v", err)
	}
	if !cfg.InsecureSkipVerify || cfg.NextProtos[0] != "x/1" {
		t.Errorf("config = %+v, want insecure with ALPN x/1", cfg)
	}

	base := &tls.Config{ServerName: "node.local"}
	cfg, err = prepareTLSConfigForDial(base, false, []string{"x/1"})
	if err != nil {
		t.Fatalf("prepareTLSConfigForDial(base) error = %v", err)
	}
	if cfg == base {
		t.Error("prepareTLSConfigForDial() did not clone the config")
	}
	if cfg.ServerName != "node.local" {
		t.Errorf("ServerName = %q, want node.local", cfg.ServerName)
	}
}

func TestParseWebSocketURL(t *testing.T) {
	tests := []struct {
		addr      string
		plainText bool
		want      string
		wantErr   bool
	}{
		{"example.com:8443", false, "wss://example.com:8443/mesh", false},
		{"example.com:8080", true, "ws://example.com:8080/mesh", false},
		{"wss://example.com/custom", false, "wss://example.com/custom", false},
		{"ws://127.0.0.1:80/m", false, "ws://127.0.0.1:80/m", false},
		{"", false, "", true},
	}

	for _, tc := range tests {
		t.Run(tc.addr, func(t *testing.T) {
			got, err := parseWebSocketURL(tc.addr, DialOptions{PlainText: tc.plainText})
			if (err != nil) != tc.wantErr {
				t.Fatalf("parseWebSocketURL() error = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("parseWebSocketURL() = %q, want %q", got, tc.want)
			}
		})
	}
}

func testTLS(t *testing.T) *tls.Config {
	t.Helper()
	certPEM, keyPEM, err := GenerateSelfSignedCert("localhost", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error = %v", err)
	}
	cfg, err := TLSConfigFromBytes(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("TLSConfigFromBytes() error = %v", err)
	}
	return cfg
}

// roundTrip dials l, writes from the dialer first, and checks both
// directions.
func roundTrip(t *testing.T, tr Transport, l Listener, addr string, opts DialOptions) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		c, err := l.Accept(ctx)
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- c
	}()

	client, err := tr.Dial(ctx, addr, opts)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	if !client.IsDialer() {
		t.Error("client IsDialer() = false")
	}
	if client.TransportType() != tr.Type() {
		t.Errorf("client TransportType() = %s, want %s", client.TransportType(), tr.Type())
	}

	ping := []byte("hello from dialer")
	if _, err := client.Write(ping); err != nil {
		t.Fatalf("client Write() error = %v", err)
	}

	var server Conn
	select {
	case server = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("Accept() error = %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for Accept")
	}
	defer server.Close()

	if server.IsDialer() {
		t.Error("server IsDialer() = true")
	}

	buf := make([]byte, len(ping))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("server Read() error = %v", err)
	}
	if !bytes.Equal(buf, ping) {
		t.Errorf("server read %q, want %q", buf, ping)
	}

	pong := []byte("hello from listener")
	if _, err := server.Write(pong); err != nil {
		t.Fatalf("server Write() error = %v", err)
	}
	buf = make([]byte, len(pong))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client Read() error = %v", err)
	}
	if !bytes.Equal(buf, pong) {
		t.Errorf("client read %q, want %q", buf, pong)
	}
}

func TestQUICTransport_RoundTrip(t *testing.T) {
	tr := NewQUICTransport()
	defer tr.Close()

	l, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: testTLS(t)})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer l.Close()

	roundTrip(t, tr, l, l.Addr().String(), DialOptions{InsecureSkipVerify: true})
}

func TestWebSocketTransport_RoundTrip(t *testing.T) {
	tr := NewWebSocketTransport()
	defer tr.Close()

	l, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: testTLS(t)})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer l.Close()

	roundTrip(t, tr, l, l.Addr().String(), DialOptions{InsecureSkipVerify: true})
}

func TestWebSocketTransport_PlainText(t *testing.T) {
	tr := NewWebSocketTransport()
	defer tr.Close()

	l, err := tr.Listen("127.0.0.1:0", ListenOptions{PlainText: true})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer l.Close()

	roundTrip(t, tr, l, l.Addr().String(), DialOptions{PlainText: true})
}

func TestTCPTransport_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		listen ListenOptions
		dial   DialOptions
	}{
		{"tls", ListenOptions{TLSConfig: testTLS(t)}, DialOptions{InsecureSkipVerify: true}},
		{"plaintext", ListenOptions{PlainText: true}, DialOptions{PlainText: true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTCPTransport()
			defer tr.Close()

			l, err := tr.Listen("127.0.0.1:0", tc.listen)
			if err != nil {
				t.Fatalf("Listen() error = %v", err)
			}
			defer l.Close()

			roundTrip(t, tr, l, l.Addr().String(), tc.dial)
		})
	}
}

func TestListenRequiresTLS(t *testing.T) {
	for _, tr := range []Transport{NewQUICTransport(), NewWebSocketTransport(), NewTCPTransport()} {
		if _, err := tr.Listen("127.0.0.1:0", ListenOptions{}); err == nil {
			t.Errorf("%s Listen() without TLS should fail", tr.Type())
		}
		tr.Close()
	}
}

func TestClosedTransport(t *testing.T) {
	for _, tr := range []Transport{NewQUICTransport(), NewWebSocketTransport(), NewTCPTransport()} {
		tr.Close()
		if err := tr.Close(); err != nil {
			t.Errorf("%s second Close() error = %v", tr.Type(), err)
		}
		if _, err := tr.Dial(context.Background(), "127.0.0.1:1", DialOptions{PlainText: true}); err != ErrTransportClosed {
			t.Errorf("%s Dial() after Close error = %v, want ErrTransportClosed", tr.Type(), err)
		}
		if _, err := tr.Listen("127.0.0.1:0", ListenOptions{PlainText: true}); err != ErrTransportClosed {
			t.Errorf("%s Listen() after Close error = %v, want ErrTransportClosed", tr.Type(), err)
		}
	}
}

func TestTCPListener_AcceptCancel(t *testing.T) {
	tr := NewTCPTransport()
	defer tr.Close()

	l, err := tr.Listen("127.0.0.1:0", ListenOptions{PlainText: true})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Accept(ctx); err != context.DeadlineExceeded {
		t.Errorf("Accept() error = %v, want DeadlineExceeded", err)
	}
}
