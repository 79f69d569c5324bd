// Package main provides the CLI entry point for the handlemesh node.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/handlemesh/internal/agent"
	"github.com/postalsys/handlemesh/internal/certutil"
	"github.com/postalsys/handlemesh/internal/config"
	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/probe"
	"github.com/postalsys/handlemesh/internal/service"
	"github.com/postalsys/handlemesh/internal/sysinfo"
	"github.com/postalsys/handlemesh/internal/transport"
	"github.com/postalsys/handlemesh/internal/wizard"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "handlemesh",
		Short: "handlemesh - capability proxying between mesh nodes",
		Long: `handlemesh links nodes over QUIC, WebSocket or TCP and proxies
capabilities between them: a local socket or channel is exported as a
service on one node and connected to from another, and proxied handles
can be transferred onward without interrupting the data flowing through them.`,
		Version: sysinfo.Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serviceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var dataDir, configOut string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new node",
		Long:  "Initialize a new node by creating the data directory and generating its identity.",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, created, err := identity.LoadOrCreate(dataDir)
			if err != nil {
				return fmt.Errorf("failed to initialize node: %w", err)
			}

			if created {
				fmt.Printf("Node initialized in %s\n", dataDir)
			} else {
				fmt.Printf("Node already initialized in %s\n", dataDir)
			}
			fmt.Printf("Node ID: %s\n", id.String())

			if configOut != "" {
				if _, err := os.Stat(configOut); err == nil {
					return fmt.Errorf("refusing to overwrite %s", configOut)
				}
				if err := os.WriteFile(configOut, []byte(config.Example()), 0o600); err != nil {
					return fmt.Errorf("failed to write config: %w", err)
				}
				fmt.Printf("Example configuration written to %s\n", configOut)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")
	cmd.Flags().StringVar(&configOut, "write-config", "", "Also write an example configuration to this path")

	return cmd
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long:  "Walk through identity, listener, TLS, peers, exports and forwards, and write a configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node",
		Long:  "Start the node with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a, err := agent.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			fmt.Printf("Starting handlemesh node...\n")
			fmt.Printf("Node ID: %s\n", a.ID().String())

			if err := a.Start(); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			for _, addr := range a.ListenAddresses() {
				fmt.Printf("Listening on %s\n", addr)
			}
			for i, addr := range a.ForwardAddresses() {
				fmt.Printf("Forward %s -> %s/%s\n", addr, cfg.Forwards[i].Peer, cfg.Forwards[i].Service)
			}
			if addr := a.HealthAddress(); addr != "" {
				fmt.Printf("Health server: http://%s\n", addr)
			}
			fmt.Printf("Status: running (peers: %d, exports: %d)\n", len(cfg.Peers), len(cfg.Exports))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := a.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Node stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var configPath string
	check := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file and print it with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Print(cfg.String())
			return nil
		},
	}
	check.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	example := &cobra.Command{
		Use:   "example",
		Short: "Print an example configuration",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(config.Example())
		},
	}

	cmd.AddCommand(check, example)
	return cmd
}

func certCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Manage TLS certificates",
	}
	cmd.AddCommand(certCACmd(), certNodeCmd(), certClientCmd(), certSelfSignedCmd(), certInfoCmd())
	return cmd
}

func certCACmd() *cobra.Command {
	var certFile, keyFile, commonName string
	var validFor time.Duration

	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Create a certificate authority for the mesh",
		RunE: func(cmd *cobra.Command, args []string) error {
			ca, err := certutil.NewAuthority(commonName, validFor)
			if err != nil {
				return err
			}
			if err := ca.Save(certFile, keyFile); err != nil {
				return err
			}
			fmt.Printf("CA certificate written to %s\n", certFile)
			fmt.Printf("Fingerprint: %s\n", ca.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVar(&certFile, "cert", "./certs/ca.crt", "CA certificate output path")
	cmd.Flags().StringVar(&keyFile, "key", "./certs/ca.key", "CA private key output path")
	cmd.Flags().StringVar(&commonName, "cn", "handlemesh CA", "CA common name")
	cmd.Flags().DurationVar(&validFor, "valid-for", 5*365*24*time.Hour, "Certificate lifetime")

	return cmd
}

func certNodeCmd() *cobra.Command {
	var caCert, caKey, certFile, keyFile, dataDir string
	var hosts []string
	var validFor time.Duration

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Issue a node certificate for the identity in the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ca, err := certutil.Load(caCert, caKey)
			if err != nil {
				return fmt.Errorf("failed to load CA: %w", err)
			}
			id, _, err := identity.LoadOrCreate(dataDir)
			if err != nil {
				return fmt.Errorf("failed to load identity: %w", err)
			}
			b, err := certutil.IssueNode(ca, id, hosts, validFor)
			if err != nil {
				return err
			}
			if err := b.Save(certFile, keyFile); err != nil {
				return err
			}
			fmt.Printf("Node certificate for %s written to %s\n", id, certFile)
			fmt.Printf("Fingerprint: %s\n", b.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVar(&caCert, "ca-cert", "./certs/ca.crt", "CA certificate")
	cmd.Flags().StringVar(&caKey, "ca-key", "./certs/ca.key", "CA private key")
	cmd.Flags().StringVar(&certFile, "cert", "./certs/node.crt", "Certificate output path")
	cmd.Flags().StringVar(&keyFile, "key", "./certs/node.key", "Private key output path")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory holding the node identity")
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "DNS name or IP the node is reached at (repeatable)")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "Certificate lifetime")

	return cmd
}

func certClientCmd() *cobra.Command {
	var caCert, caKey, certFile, keyFile, commonName string
	var validFor time.Duration

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Issue a dial-only client certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			ca, err := certutil.Load(caCert, caKey)
			if err != nil {
				return fmt.Errorf("failed to load CA: %w", err)
			}
			b, err := certutil.IssueClient(ca, commonName, validFor)
			if err != nil {
				return err
			}
			if err := b.Save(certFile, keyFile); err != nil {
				return err
			}
			fmt.Printf("Client certificate written to %s\n", certFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&caCert, "ca-cert", "./certs/ca.crt", "CA certificate")
	cmd.Flags().StringVar(&caKey, "ca-key", "./certs/ca.key", "CA private key")
	cmd.Flags().StringVar(&certFile, "cert", "./certs/client.crt", "Certificate output path")
	cmd.Flags().StringVar(&keyFile, "key", "./certs/client.key", "Private key output path")
	cmd.Flags().StringVar(&commonName, "cn", "handlemesh client", "Certificate common name")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "Certificate lifetime")

	return cmd
}

func certSelfSignedCmd() *cobra.Command {
	var certFile, keyFile, commonName string
	var validFor time.Duration

	cmd := &cobra.Command{
		Use:   "self-signed",
		Short: "Generate a self-signed listener certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := transport.GenerateAndSaveCert(certFile, keyFile, commonName, validFor); err != nil {
				return fmt.Errorf("failed to generate certificate: %w", err)
			}
			fmt.Printf("Certificate written to %s\n", certFile)
			fmt.Printf("Key written to %s\n", keyFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&certFile, "cert", "./server.crt", "Certificate output path")
	cmd.Flags().StringVar(&keyFile, "key", "./server.key", "Private key output path")
	cmd.Flags().StringVar(&commonName, "cn", "handlemesh", "Certificate common name")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "Certificate lifetime")

	return cmd
}

func certInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <cert-file>",
		Short: "Show certificate details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			cert, err := certutil.ParseCertificate(data)
			if err != nil {
				return err
			}
			info := certutil.Describe(cert)

			fmt.Printf("Subject:     %s\n", info.Subject)
			fmt.Printf("Issuer:      %s\n", info.Issuer)
			fmt.Printf("CA:          %v\n", info.IsCA)
			fmt.Printf("Valid:       %s to %s (expires %s)\n",
				info.NotBefore.Format(time.RFC3339), info.NotAfter.Format(time.RFC3339), humanize.Time(info.NotAfter))
			if len(info.DNSNames) > 0 {
				fmt.Printf("DNS names:   %v\n", info.DNSNames)
			}
			if len(info.IPAddresses) > 0 {
				fmt.Printf("IPs:         %v\n", info.IPAddresses)
			}
			if id, err := certutil.NodeID(cert); err == nil {
				fmt.Printf("Node ID:     %s\n", id)
			}
			fmt.Printf("Fingerprint: %s\n", info.Fingerprint)
			if certutil.ExpiresWithin(cert, 30*24*time.Hour) {
				fmt.Println("WARNING: certificate expires within 30 days")
			}
			return nil
		},
	}
}

func probeCmd() *cobra.Command {
	var opts probe.Options
	var expected string

	cmd := &cobra.Command{
		Use:   "probe <address>",
		Short: "Test connectivity to a node listener",
		Long:  "Dial a listener and complete the link handshake, reporting the node that answered.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Address = args[0]
			if expected != "" {
				id, err := identity.ParseNodeID(expected)
				if err != nil {
					return err
				}
				opts.ExpectedID = id
			}

			result := probe.Probe(cmd.Context(), opts)
			fmt.Println(result.String())
			if !result.Success {
				return result.Error
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Transport, "transport", "t", "quic", "Transport: quic, ws or tcp")
	cmd.Flags().StringVar(&opts.CACert, "ca", "", "CA certificate to verify the listener (unverified without)")
	cmd.Flags().BoolVar(&opts.PlainText, "plaintext", false, "Dial TCP or WebSocket without TLS")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "Probe timeout")
	cmd.Flags().StringVar(&expected, "expect", "", "Node ID that must answer")

	return cmd
}

func statusCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  "Display links, sessions and services of a running node through its health server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + address + "/stats")
			if err != nil {
				return fmt.Errorf("failed to reach node: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("node returned %s", resp.Status)
			}

			var stats struct {
				ID    string `json:"id"`
				Links []struct {
					Peer      string `json:"peer"`
					Transport string `json:"transport"`
					RTT       string `json:"rtt"`
				} `json:"links"`
				Sessions []struct {
					DebugID string `json:"debug_id"`
					Kind    string `json:"kind"`
					Relayed string `json:"relayed"`
					Age     string `json:"age"`
				} `json:"sessions"`
				Services []string `json:"services"`
				Relayed  string   `json:"relayed"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
				return fmt.Errorf("failed to decode status: %w", err)
			}

			fmt.Printf("Node ID:  %s\n", stats.ID)
			fmt.Printf("Relayed:  %s\n", stats.Relayed)
			fmt.Printf("Services: %v\n", stats.Services)
			fmt.Printf("Links (%d):\n", len(stats.Links))
			for _, l := range stats.Links {
				fmt.Printf("  %s  %-4s  rtt %s\n", l.Peer, l.Transport, l.RTT)
			}
			fmt.Printf("Sessions (%d):\n", len(stats.Sessions))
			for _, s := range stats.Sessions {
				fmt.Printf("  %s  %-8s  %s  started %s\n", s.DebugID, s.Kind, s.Relayed, s.Age)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "127.0.0.1:8080", "Health server address of the node")

	return cmd
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the handlemesh systemd unit",
	}

	var (
		configPath string
		name       string
		user       string
		group      string
	)
	install := &cobra.Command{
		Use:   "install",
		Short: "Install, enable and start the systemd unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !service.IsRoot() {
				return fmt.Errorf("must run as root to install the service")
			}
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			cfg := service.DefaultConfig(configPath)
			cfg.Name = name
			cfg.User = user
			cfg.Group = group
			if err := service.NewManager().Install(cfg); err != nil {
				return err
			}
			fmt.Printf("Installed and started %s.service\n", cfg.Name)
			return nil
		},
	}
	install.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	install.Flags().StringVar(&user, "user", "", "User to run the service as")
	install.Flags().StringVar(&group, "group", "", "Group to run the service as")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the systemd unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !service.IsRoot() {
				return fmt.Errorf("must run as root to uninstall the service")
			}
			if err := service.NewManager().Uninstall(name); err != nil {
				return err
			}
			fmt.Printf("Removed %s.service\n", name)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether the unit is active",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := service.NewManager()
			if !m.IsInstalled(name) {
				fmt.Println("not installed")
				return nil
			}
			st, err := m.Status(name)
			if err != nil {
				return err
			}
			fmt.Println(st)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&name, "name", "handlemesh", "Unit name")
	cmd.AddCommand(install, uninstall, status)
	return cmd
}
