// Package wizard provides an interactive setup wizard that writes a node
// configuration.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/handlemesh/internal/certutil"
	"github.com/postalsys/handlemesh/internal/config"
	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/probe"
)

// ErrNotTerminal is returned by Run when stdin is not a terminal.
var ErrNotTerminal = errors.New("setup wizard needs an interactive terminal")

// TLS setup modes.
const (
	TLSGenerate   = "generate"
	TLSSelfSigned = "self-signed"
	TLSExisting   = "existing"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

// Answers collects everything the wizard asks.
type Answers struct {
	DataDir    string
	ConfigPath string

	Transport  string
	ListenAddr string
	ListenPath string
	PlainText  bool

	TLSMode  string
	CertsDir string
	// Existing certificate files, for TLSExisting.
	CertFile string
	KeyFile  string
	CAFile   string

	Peers    []config.PeerConfig
	Exports  []config.ExportConfig
	Forwards []config.ForwardConfig

	LogLevel      string
	HealthEnabled bool
}

// DefaultAnswers returns the values the forms start from.
func DefaultAnswers() Answers {
	return Answers{
		DataDir:       "./data",
		ConfigPath:    "./config.yaml",
		Transport:     "quic",
		ListenAddr:    "0.0.0.0:4433",
		ListenPath:    "/mesh",
		TLSMode:       TLSGenerate,
		CertsDir:      filepath.Join("./data", "certs"),
		LogLevel:      "info",
		HealthEnabled: true,
	}
}

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	NodeID     identity.NodeID
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
	out   io.Writer
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
		out:   os.Stdout,
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, ErrNotTerminal
	}

	w.printBanner()

	a := DefaultAnswers()
	steps := []func(*Answers) error{
		w.askBasicSetup,
		w.askNetworkConfig,
		w.askTLSSetup,
		w.askPeers,
		w.askExports,
		w.askForwards,
		w.askAdvancedOptions,
	}
	for _, step := range steps {
		if err := step(&a); err != nil {
			return nil, err
		}
	}

	return w.Apply(a)
}

// Apply creates the identity and certificates the answers call for and
// writes the configuration.
func (w *Wizard) Apply(a Answers) (*Result, error) {
	id, _, err := identity.LoadOrCreate(a.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize node identity: %w", err)
	}

	tlsCfg, err := w.prepareTLS(a, id)
	if err != nil {
		return nil, err
	}

	cfg := buildConfig(a, tlsCfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := writeConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(id, a.ConfigPath, cfg)
	return &Result{Config: cfg, ConfigPath: a.ConfigPath, NodeID: id}, nil
}

func (w *Wizard) printBanner() {
	fmt.Fprintln(w.out, titleStyle.Render("\n  handlemesh setup\n"))
	fmt.Fprintln(w.out, mutedStyle.Render("  Answer a few questions to write a node configuration.\n"))
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validHostPort(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}

func validNodeID(s string) error {
	if s == "" {
		return nil
	}
	_, err := identity.ParseNodeID(s)
	return err
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where the node keeps its identity and where the configuration goes."),

			huh.NewInput().
				Title("Data Directory").
				Value(&a.DataDir).
				Validate(required("data directory")),

			huh.NewInput().
				Title("Config File Path").
				Value(&a.ConfigPath).
				Validate(func(s string) error {
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askNetworkConfig(a *Answers) error {
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Network").
				Description("How other nodes link to this one."),

			huh.NewSelect[string]().
				Title("Transport").
				Options(
					huh.NewOption("QUIC (UDP, recommended)", "quic"),
					huh.NewOption("WebSocket (TCP, proxy-friendly)", "ws"),
					huh.NewOption("TCP (TLS or plaintext)", "tcp"),
				).
				Value(&a.Transport),

			huh.NewInput().
				Title("Listen Address").
				Value(&a.ListenAddr).
				Validate(validHostPort),
		),
	).WithTheme(w.theme).Run()
	if err != nil || a.Transport == "quic" {
		return err
	}

	fields := []huh.Field{
		huh.NewConfirm().
			Title("Plaintext?").
			Description("Only behind a TLS-terminating proxy or on loopback").
			Value(&a.PlainText),
	}
	if a.Transport == "ws" {
		fields = append(fields, huh.NewInput().
			Title("HTTP Path").
			Value(&a.ListenPath).
			Validate(func(s string) error {
				if !strings.HasPrefix(s, "/") {
					return fmt.Errorf("path must start with /")
				}
				return nil
			}))
	}
	return huh.NewForm(huh.NewGroup(fields...)).WithTheme(w.theme).Run()
}

func (w *Wizard) askTLSSetup(a *Answers) error {
	if a.PlainText {
		return nil
	}
	a.CertsDir = filepath.Join(a.DataDir, "certs")

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS").
				Description("Links are authenticated with TLS certificates."),

			huh.NewSelect[string]().
				Title("Certificate Setup").
				Options(
					huh.NewOption("Generate a mesh CA and a node certificate", TLSGenerate),
					huh.NewOption("Self-signed at every start (testing)", TLSSelfSigned),
					huh.NewOption("Use existing certificate files", TLSExisting),
				).
				Value(&a.TLSMode),
		),
	).WithTheme(w.theme).Run()
	if err != nil {
		return err
	}

	switch a.TLSMode {
	case TLSGenerate:
		return huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Certificates Directory").
				Description("An existing ca.crt and ca.key here are reused").
				Value(&a.CertsDir),
		)).WithTheme(w.theme).Run()
	case TLSExisting:
		return huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("Certificate File").Value(&a.CertFile).Validate(fileExists),
			huh.NewInput().Title("Private Key File").Value(&a.KeyFile).Validate(fileExists),
			huh.NewInput().
				Title("CA File").
				Description("Verifies peers and clients; empty to skip").
				Value(&a.CAFile).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					return fileExists(s)
				}),
		)).WithTheme(w.theme).Run()
	}
	return nil
}

func fileExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("cannot read %s", path)
	}
	return nil
}

func (w *Wizard) askPeers(a *Answers) error {
	more := false
	if err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title("Link to other nodes?").
			Description("Peers are dialed at start and redialed when the link drops").
			Value(&more),
	)).WithTheme(w.theme).Run(); err != nil {
		return err
	}

	for more {
		p, err := w.askSinglePeer(a.Transport, len(a.Peers)+1)
		if err != nil {
			return err
		}
		a.Peers = append(a.Peers, p)

		if err := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().Title("Add another peer?").Value(&more),
		)).WithTheme(w.theme).Run(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Wizard) askSinglePeer(defaultTransport string, n int) (config.PeerConfig, error) {
	p := config.PeerConfig{Transport: defaultTransport}
	var testNow bool

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().Title(fmt.Sprintf("Peer #%d", n)),

			huh.NewInput().
				Title("Peer Address").
				Description("host:port, or a ws:// or wss:// URL").
				Value(&p.Address).
				Validate(required("address")),

			huh.NewInput().
				Title("Expected Node ID").
				Description("Hex node ID; empty accepts any node").
				Value(&p.ID).
				Validate(validNodeID),

			huh.NewSelect[string]().
				Title("Transport").
				Options(
					huh.NewOption("QUIC", "quic"),
					huh.NewOption("WebSocket", "ws"),
					huh.NewOption("TCP", "tcp"),
				).
				Value(&p.Transport),

			huh.NewConfirm().
				Title("Skip TLS verification?").
				Description("Only for testing with self-signed certificates").
				Value(&p.TLS.InsecureSkipVerify),

			huh.NewConfirm().
				Title("Test connectivity now?").
				Value(&testNow),
		),
	).WithTheme(w.theme).Run()
	if err != nil {
		return p, err
	}

	if testNow {
		w.reportProbe(testPeerConnectivity(context.Background(), p))
	}
	return p, nil
}

// testPeerConnectivity probes a peer the way the node would dial it.
func testPeerConnectivity(ctx context.Context, p config.PeerConfig) *probe.Result {
	opts := probe.Options{
		Transport: p.Transport,
		Address:   p.Address,
		Timeout:   10 * time.Second,
		CACert:    p.TLS.CA,
		PlainText: p.PlainText,
	}
	if p.ID != "" {
		if id, err := identity.ParseNodeID(p.ID); err == nil {
			opts.ExpectedID = id
		}
	}
	return probe.Probe(ctx, opts)
}

func (w *Wizard) reportProbe(r *probe.Result) {
	if r.Success {
		fmt.Fprintln(w.out, okStyle.Render("✓ "+r.String()))
		return
	}
	fmt.Fprintln(w.out, errStyle.Render("✗ "+r.String()))
}

func (w *Wizard) askExports(a *Answers) error {
	var input string
	err := huh.NewForm(huh.NewGroup(
		huh.NewNote().
			Title("Exported Services").
			Description("TCP services on this side that peers may connect to."),
		huh.NewText().
			Title("Exports").
			Description("One per line as name=host:port, e.g. ssh=127.0.0.1:22").
			Value(&input).
			Validate(func(s string) error {
				_, err := parseExports(s)
				return err
			}),
	)).WithTheme(w.theme).Run()
	if err != nil {
		return err
	}
	a.Exports, _ = parseExports(input)
	return nil
}

func parseExports(input string) ([]config.ExportConfig, error) {
	var out []config.ExportConfig
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, target, ok := strings.Cut(line, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%q: use name=host:port", line)
		}
		if err := validHostPort(target); err != nil {
			return nil, fmt.Errorf("%q: %w", line, err)
		}
		out = append(out, config.ExportConfig{Name: strings.TrimSpace(name), Target: strings.TrimSpace(target)})
	}
	return out, nil
}

func (w *Wizard) askForwards(a *Answers) error {
	var input string
	err := huh.NewForm(huh.NewGroup(
		huh.NewNote().
			Title("Forwards").
			Description("Local ports that connect to a service exported by a peer."),
		huh.NewText().
			Title("Forwards").
			Description("One per line as listen-addr=peer-id/service").
			Value(&input).
			Validate(func(s string) error {
				_, err := parseForwards(s)
				return err
			}),
	)).WithTheme(w.theme).Run()
	if err != nil {
		return err
	}
	a.Forwards, _ = parseForwards(input)
	return nil
}

func parseForwards(input string) ([]config.ForwardConfig, error) {
	var out []config.ForwardConfig
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		listen, dest, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%q: use listen-addr=peer-id/service", line)
		}
		peer, service, ok := strings.Cut(dest, "/")
		if !ok || service == "" {
			return nil, fmt.Errorf("%q: use listen-addr=peer-id/service", line)
		}
		if err := validHostPort(listen); err != nil {
			return nil, fmt.Errorf("%q: %w", line, err)
		}
		if _, err := identity.ParseNodeID(peer); err != nil {
			return nil, fmt.Errorf("%q: %w", line, err)
		}
		out = append(out, config.ForwardConfig{Listen: listen, Peer: peer, Service: service})
	}
	return out, nil
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health endpoint?").
				Description("HTTP /health, /ready, /stats and /metrics").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme).Run()
}

// prepareTLS returns the listener TLS settings, generating certificates
// when asked to.
func (w *Wizard) prepareTLS(a Answers, id identity.NodeID) (config.TLSConfig, error) {
	switch {
	case a.PlainText:
		return config.TLSConfig{}, nil
	case a.TLSMode == TLSSelfSigned:
		return config.TLSConfig{SelfSigned: true}, nil
	case a.TLSMode == TLSExisting:
		return config.TLSConfig{Cert: a.CertFile, Key: a.KeyFile, CA: a.CAFile, ClientCA: a.CAFile}, nil
	}

	caCert := filepath.Join(a.CertsDir, "ca.crt")
	caKey := filepath.Join(a.CertsDir, "ca.key")
	ca, err := certutil.Load(caCert, caKey)
	if err != nil {
		ca, err = certutil.NewAuthority("handlemesh CA", 5*365*24*time.Hour)
		if err != nil {
			return config.TLSConfig{}, fmt.Errorf("failed to generate CA: %w", err)
		}
		if err := ca.Save(caCert, caKey); err != nil {
			return config.TLSConfig{}, fmt.Errorf("failed to save CA: %w", err)
		}
		fmt.Fprintf(w.out, "✓ Generated CA certificate: %s\n", caCert)
	}

	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if host, _, err := net.SplitHostPort(a.ListenAddr); err == nil && host != "" && host != "0.0.0.0" && host != "::" {
		hosts = append(hosts, host)
	}
	node, err := certutil.IssueNode(ca, id, hosts, 365*24*time.Hour)
	if err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to generate node certificate: %w", err)
	}
	certPath := filepath.Join(a.CertsDir, "node.crt")
	keyPath := filepath.Join(a.CertsDir, "node.key")
	if err := node.Save(certPath, keyPath); err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to save node certificate: %w", err)
	}
	fmt.Fprintf(w.out, "✓ Generated node certificate: %s\n", certPath)
	fmt.Fprintf(w.out, "  Fingerprint: %s\n", node.Fingerprint())

	return config.TLSConfig{Cert: certPath, Key: keyPath, CA: caCert, ClientCA: caCert}, nil
}

func buildConfig(a Answers, tlsCfg config.TLSConfig) *config.Config {
	cfg := config.Default()

	cfg.Node.DataDir = a.DataDir
	cfg.Node.LogLevel = a.LogLevel

	listener := config.ListenerConfig{
		Transport: a.Transport,
		Address:   a.ListenAddr,
		PlainText: a.PlainText,
		TLS:       tlsCfg,
	}
	if a.Transport == "ws" {
		listener.Path = a.ListenPath
	}
	cfg.Listeners = []config.ListenerConfig{listener}

	// Peers of a generated mesh trust the same CA and present the node
	// certificate.
	for _, p := range a.Peers {
		if tlsCfg.CA != "" && !p.TLS.InsecureSkipVerify && p.TLS.CA == "" {
			p.TLS.CA = tlsCfg.CA
			p.TLS.Cert = tlsCfg.Cert
			p.TLS.Key = tlsCfg.Key
		}
		cfg.Peers = append(cfg.Peers, p)
	}

	if a.Exports != nil {
		cfg.Exports = a.Exports
	}
	if a.Forwards != nil {
		cfg.Forwards = a.Forwards
	}

	cfg.Health.Enabled = a.HealthEnabled
	return cfg
}

func writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# handlemesh configuration\n# Generated by setup wizard\n\n"
	if err := os.WriteFile(path, []byte(header+string(data)), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (w *Wizard) printSummary(id identity.NodeID, configPath string, cfg *config.Config) {
	divider := mutedStyle.Render(strings.Repeat("─", 49))

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, divider)
	fmt.Fprintln(w.out, okStyle.Render("✓ Setup Complete!"))
	fmt.Fprintln(w.out, divider)
	fmt.Fprintln(w.out)

	fmt.Fprintf(w.out, "  Node ID:      %s\n", id.String())
	fmt.Fprintf(w.out, "  Config file:  %s\n", configPath)
	fmt.Fprintf(w.out, "  Data dir:     %s\n", cfg.Node.DataDir)
	for _, l := range cfg.Listeners {
		fmt.Fprintf(w.out, "  Listener:     %s://%s\n", l.Transport, l.Address)
	}
	fmt.Fprintf(w.out, "  Peers:        %d\n", len(cfg.Peers))
	for _, e := range cfg.Exports {
		fmt.Fprintf(w.out, "  Export:       %s -> %s\n", e.Name, e.Target)
	}
	for _, f := range cfg.Forwards {
		fmt.Fprintf(w.out, "  Forward:      %s -> %s/%s\n", f.Listen, f.Peer, f.Service)
	}
	if cfg.Health.Enabled {
		fmt.Fprintf(w.out, "  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "  To start the node:")
	fmt.Fprintf(w.out, "    handlemesh run -c %s\n", configPath)
	fmt.Fprintln(w.out)
}
