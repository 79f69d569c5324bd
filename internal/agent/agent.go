// Package agent assembles a running handlemesh node from its configuration:
// identity, transports, listeners, peers, exported services, forwards and
// the health server.
package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/handlemesh/internal/config"
	"github.com/postalsys/handlemesh/internal/forward"
	"github.com/postalsys/handlemesh/internal/health"
	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/logging"
	"github.com/postalsys/handlemesh/internal/metrics"
	"github.com/postalsys/handlemesh/internal/node"
	"github.com/postalsys/handlemesh/internal/peer"
	"github.com/postalsys/handlemesh/internal/recovery"
	"github.com/postalsys/handlemesh/internal/transport"
)

// selfSignedValidity is the lifetime of generated development certificates.
const selfSignedValidity = 365 * 24 * time.Hour

// Option customizes an Agent.
type Option func(*Agent)

// WithLogger replaces the logger built from the node config.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithRegistry registers metrics with reg and serves /metrics from it.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *Agent) { a.registry = reg }
}

// Agent is a configured node with everything around it.
type Agent struct {
	cfg      *config.Config
	id       identity.NodeID
	logger   *slog.Logger
	registry *prometheus.Registry

	node       *node.Node
	transports map[transport.TransportType]transport.Transport
	peerMgr    *peer.Manager
	exports    *forward.Handler
	forwards   []*forward.Listener
	health     *health.Server

	mu        sync.Mutex
	listeners []transport.Listener

	ctx      context.Context
	cancel   context.CancelFunc
	running  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an agent. Nothing listens or dials until Start.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	id, err := loadIdentity(cfg.Node)
	if err != nil {
		return nil, err
	}

	a := &Agent{cfg: cfg, id: id}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)
	}

	var m *metrics.Metrics
	if a.registry != nil {
		m = metrics.NewMetricsWithRegistry(a.registry)
	} else {
		m = metrics.Default()
	}

	n, err := node.New(node.Config{
		ID:                   id,
		HandshakeTimeout:     cfg.Links.HandshakeTimeout,
		KeepaliveInterval:    cfg.Links.KeepaliveInterval,
		StreamBuffer:         cfg.Links.StreamBuffer,
		CompressionThreshold: cfg.Links.CompressionThreshold,
		MaxBytesPerSecond:    cfg.Links.MaxBytesPerSecond,
		ChannelCapacity:      cfg.Proxy.ChannelCapacity,
		TransferTimeout:      cfg.Links.TransferTimeout,
		Logger:               a.logger,
		Metrics:              m,
	})
	if err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	a.node = n
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if err := a.initComponents(); err != nil {
		n.Close()
		return nil, err
	}
	return a, nil
}

func loadIdentity(cfg config.NodeConfig) (identity.NodeID, error) {
	if cfg.ID != "" && cfg.ID != "auto" {
		id, err := identity.ParseNodeID(cfg.ID)
		if err != nil {
			return identity.ZeroID, fmt.Errorf("parse node ID from config: %w", err)
		}
		if err := id.Store(cfg.DataDir); err != nil {
			return identity.ZeroID, fmt.Errorf("store node ID: %w", err)
		}
		return id, nil
	}

	id, _, err := identity.LoadOrCreate(cfg.DataDir)
	if err != nil {
		return identity.ZeroID, fmt.Errorf("load identity: %w", err)
	}
	return id, nil
}

func (a *Agent) initComponents() error {
	a.transports = map[transport.TransportType]transport.Transport{
		transport.TransportQUIC:      transport.NewQUICTransport(),
		transport.TransportWebSocket: transport.NewWebSocketTransport(),
		transport.TransportTCP:       transport.NewTCPTransport(),
	}

	rc := a.cfg.Links.Reconnect
	a.peerMgr = peer.NewManager(peer.ManagerConfig{
		Node:           a.node,
		Transports:     a.transports,
		ConnectTimeout: a.cfg.Links.ConnectTimeout,
		Reconnect: peer.ReconnectConfig{
			InitialDelay: rc.InitialDelay,
			MaxDelay:     rc.MaxDelay,
			Multiplier:   rc.Multiplier,
			Jitter:       rc.Jitter,
			MaxAttempts:  rc.MaxRetries,
		},
		Logger: a.logger,
	})

	for i, pc := range a.cfg.Peers {
		info, err := a.peerInfo(pc)
		if err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
		a.peerMgr.AddPeer(info)
	}

	endpoints := make([]forward.Endpoint, 0, len(a.cfg.Exports))
	for _, e := range a.cfg.Exports {
		endpoints = append(endpoints, forward.Endpoint{Name: e.Name, Target: e.Target})
	}
	a.exports = forward.NewHandler(forward.HandlerConfig{
		Endpoints:      endpoints,
		ConnectTimeout: a.cfg.Links.ConnectTimeout,
		Logger:         a.logger,
	})

	for i, fc := range a.cfg.Forwards {
		peerID, err := identity.ParseNodeID(fc.Peer)
		if err != nil {
			return fmt.Errorf("forwards[%d]: %w", i, err)
		}
		a.forwards = append(a.forwards, forward.NewListener(forward.ListenerConfig{
			Address:        fc.Listen,
			Peer:           peerID,
			Service:        fc.Service,
			ConnectTimeout: a.cfg.Links.ConnectTimeout,
			Logger:         a.logger,
		}, a.node))
	}

	if a.cfg.Health.Enabled {
		hc := health.ServerConfig{
			Address:      a.cfg.Health.Address,
			ReadTimeout:  a.cfg.Health.ReadTimeout,
			WriteTimeout: a.cfg.Health.WriteTimeout,
			MinLinks:     a.cfg.Health.MinLinks,
		}
		if a.registry != nil {
			hc.Gatherer = a.registry
		}
		a.health = health.NewServer(hc, a.node)
	}
	return nil
}

func (a *Agent) peerInfo(pc config.PeerConfig) (peer.PeerInfo, error) {
	info := peer.PeerInfo{
		Address:    pc.Address,
		Transport:  transport.TransportType(pc.Transport),
		Persistent: pc.IsPersistent(),
		DialOptions: transport.DialOptions{
			PlainText:          pc.PlainText,
			InsecureSkipVerify: pc.TLS.InsecureSkipVerify,
			Timeout:            a.cfg.Links.ConnectTimeout,
			ProxyURL:           pc.Proxy,
			ProxyUsername:      pc.ProxyAuth.Username,
			ProxyPassword:      pc.ProxyAuth.Password,
		},
	}
	if pc.ID != "" {
		id, err := identity.ParseNodeID(pc.ID)
		if err != nil {
			return info, err
		}
		info.ExpectedID = id
	}

	if pc.PlainText {
		return info, nil
	}
	if pc.TLS.CA != "" || pc.TLS.HasCertAndKey() {
		tlsCfg, err := transport.LoadClientTLSConfig(pc.TLS.CA, pc.TLS.InsecureSkipVerify)
		if err != nil {
			return info, err
		}
		if pc.TLS.HasCertAndKey() {
			cert, err := tls.LoadX509KeyPair(pc.TLS.Cert, pc.TLS.Key)
			if err != nil {
				return info, fmt.Errorf("load client certificate: %w", err)
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}
		info.DialOptions.TLSConfig = tlsCfg
	}
	return info, nil
}

func (a *Agent) listenerTLS(lc config.ListenerConfig) (*tls.Config, error) {
	switch {
	case lc.PlainText:
		return nil, nil
	case lc.TLS.HasCertAndKey():
		return transport.LoadMutualTLSConfig(lc.TLS.Cert, lc.TLS.Key, lc.TLS.ClientCA)
	default:
		a.logger.Warn("using a self-signed certificate", logging.KeyAddress, lc.Address)
		certPEM, keyPEM, err := transport.GenerateSelfSignedCert(a.id.ShortString(), selfSignedValidity)
		if err != nil {
			return nil, fmt.Errorf("generate self-signed cert: %w", err)
		}
		return transport.TLSConfigFromBytes(certPEM, keyPEM)
	}
}

// Start opens listeners, dials peers, exports services and starts forwards
// and the health server. A failure stops whatever was started.
func (a *Agent) Start() error {
	if a.running.Swap(true) {
		return fmt.Errorf("agent already running")
	}

	a.logger.Info("starting agent",
		logging.KeyNodeID, a.id.ShortString(),
		logging.KeyComponent, "agent")

	if err := a.start(); err != nil {
		a.Stop()
		return err
	}

	a.logger.Info("agent started",
		logging.KeyNodeID, a.id.ShortString(),
		"peers", len(a.cfg.Peers),
		"listeners", len(a.cfg.Listeners),
		"exports", len(a.cfg.Exports),
		"forwards", len(a.cfg.Forwards))
	return nil
}

func (a *Agent) start() error {
	for _, lc := range a.cfg.Listeners {
		if err := a.startListener(lc); err != nil {
			return fmt.Errorf("start listener %s: %w", lc.Address, err)
		}
	}

	if err := a.exports.Register(a.node); err != nil {
		return err
	}

	for _, l := range a.forwards {
		if err := l.Start(); err != nil {
			return fmt.Errorf("start forward %s: %w", l.Service(), err)
		}
	}

	a.peerMgr.Start()

	if a.health != nil {
		if err := a.health.Start(); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		a.logger.Info("health server started", logging.KeyAddress, a.health.Address().String())
	}
	return nil
}

func (a *Agent) startListener(lc config.ListenerConfig) error {
	tlsCfg, err := a.listenerTLS(lc)
	if err != nil {
		return fmt.Errorf("load TLS config: %w", err)
	}
	if lc.PlainText {
		a.logger.Warn("starting plaintext listener (no TLS)",
			logging.KeyAddress, lc.Address,
			logging.KeyTransport, lc.Transport)
	}

	tr, ok := a.transports[transport.TransportType(lc.Transport)]
	if !ok {
		return fmt.Errorf("unsupported transport type: %s", lc.Transport)
	}

	ln, err := tr.Listen(lc.Address, transport.ListenOptions{
		TLSConfig: tlsCfg,
		Path:      lc.Path,
		PlainText: lc.PlainText,
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.listeners = append(a.listeners, ln)
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer recovery.RecoverWithLog(a.logger, "agent.listener")
		if err := a.peerMgr.Serve(a.ctx, ln); err != nil {
			a.logger.Error("listener failed", logging.KeyAddress, ln.Addr().String(), logging.KeyError, err)
		}
	}()

	a.logger.Info("listener started",
		logging.KeyAddress, ln.Addr().String(),
		logging.KeyTransport, lc.Transport)
	return nil
}

// Stop shuts everything down in reverse order of Start.
func (a *Agent) Stop() error {
	var result *multierror.Error
	a.stopOnce.Do(func() {
		a.logger.Info("stopping agent", logging.KeyNodeID, a.id.ShortString())

		a.running.Store(false)
		a.cancel()

		if a.health != nil {
			if err := a.health.Stop(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		for _, l := range a.forwards {
			l.Stop()
		}
		a.exports.Unregister(a.node)

		if err := a.peerMgr.Close(); err != nil {
			result = multierror.Append(result, err)
		}

		a.mu.Lock()
		listeners := a.listeners
		a.listeners = nil
		a.mu.Unlock()
		for _, ln := range listeners {
			ln.Close()
		}

		if err := a.node.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := a.exports.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		for _, tr := range a.transports {
			tr.Close()
		}

		a.wg.Wait()
		a.logger.Info("agent stopped", logging.KeyNodeID, a.id.ShortString())
	})
	return result.ErrorOrNil()
}

// StopWithContext stops, giving up waiting when ctx ends.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the agent has been started and not stopped.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// ID returns the node id.
func (a *Agent) ID() identity.NodeID {
	return a.id
}

// Node returns the underlying node.
func (a *Agent) Node() *node.Node {
	return a.node
}

// Stats returns the node snapshot.
func (a *Agent) Stats() node.Stats {
	return a.node.Stats()
}

// HealthAddress returns the address the health server listens on, or ""
// when it is disabled or not started.
func (a *Agent) HealthAddress() string {
	if a.health == nil || a.health.Address() == nil {
		return ""
	}
	return a.health.Address().String()
}

// ForwardAddresses returns the bound address of each forward listener, in
// configuration order.
func (a *Agent) ForwardAddresses() []string {
	addrs := make([]string, 0, len(a.forwards))
	for _, l := range a.forwards {
		if addr := l.Address(); addr != nil {
			addrs = append(addrs, addr.String())
		}
	}
	return addrs
}

// ListenAddresses returns the bound address of each link listener.
func (a *Agent) ListenAddresses() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	addrs := make([]string, 0, len(a.listeners))
	for _, ln := range a.listeners {
		addrs = append(addrs, ln.Addr().String())
	}
	return addrs
}
