// Package service installs handlemesh as a systemd unit.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

// DefaultUnitDir is where system units are written.
const DefaultUnitDir = "/etc/systemd/system"

var (
	// ErrUnsupported is returned on platforms without systemd support.
	ErrUnsupported = errors.New("service installation is only supported on linux")

	// ErrAlreadyInstalled is returned by Install when the unit file exists.
	ErrAlreadyInstalled = errors.New("service is already installed")

	// ErrNotInstalled is returned by Uninstall when there is no unit file.
	ErrNotInstalled = errors.New("service is not installed")
)

// Config describes the unit to install.
type Config struct {
	Name        string
	Description string
	ConfigPath  string
	WorkingDir  string
	User        string
	Group       string
	// ExecPath defaults to the running executable.
	ExecPath string
}

// DefaultConfig returns a unit config running `handlemesh run -c configPath`.
func DefaultConfig(configPath string) Config {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		abs = configPath
	}
	return Config{
		Name:        "handlemesh",
		Description: "handlemesh node",
		ConfigPath:  abs,
		WorkingDir:  filepath.Dir(abs),
	}
}

// Validate checks that the config can be rendered into a unit.
func (c Config) Validate() error {
	if c.Name == "" || strings.ContainsAny(c.Name, "/ \t\n") {
		return fmt.Errorf("invalid service name %q", c.Name)
	}
	if !filepath.IsAbs(c.ConfigPath) {
		return fmt.Errorf("config path must be absolute: %q", c.ConfigPath)
	}
	if c.WorkingDir != "" && !filepath.IsAbs(c.WorkingDir) {
		return fmt.Errorf("working directory must be absolute: %q", c.WorkingDir)
	}
	return nil
}

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description={{.Description}}
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.ExecPath}} run -c {{.ConfigPath}}
{{- if .WorkingDir}}
WorkingDirectory={{.WorkingDir}}
{{- end}}
{{- if .User}}
User={{.User}}
{{- end}}
{{- if .Group}}
Group={{.Group}}
{{- end}}
Restart=on-failure
RestartSec=5
TimeoutStopSec=30
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
PrivateTmp=true
{{- if .WorkingDir}}
ReadWritePaths={{.WorkingDir}}
{{- end}}
StandardOutput=journal
StandardError=journal
SyslogIdentifier={{.Name}}

[Install]
WantedBy=multi-user.target
`))

// Unit renders the systemd unit file for cfg.
func Unit(cfg Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if cfg.ExecPath == "" {
		return "", errors.New("executable path is required")
	}
	var buf bytes.Buffer
	if err := unitTemplate.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Runner executes a service manager command and returns its combined output.
type Runner func(name string, args ...string) (string, error)

func execRunner(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}

// Manager installs and removes units in UnitDir.
type Manager struct {
	UnitDir string
	Run     Runner
}

// NewManager returns a Manager for the system unit directory.
func NewManager() *Manager {
	return &Manager{UnitDir: DefaultUnitDir, Run: execRunner}
}

func (m *Manager) unitPath(name string) string {
	return filepath.Join(m.UnitDir, name+".service")
}

// IsInstalled reports whether the unit file exists.
func (m *Manager) IsInstalled(name string) bool {
	_, err := os.Stat(m.unitPath(name))
	return err == nil
}

// Install writes the unit, then enables and starts it.
func (m *Manager) Install(cfg Config) error {
	if err := supported(); err != nil {
		return err
	}
	if cfg.ExecPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}
		if exe, err = filepath.EvalSymlinks(exe); err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}
		cfg.ExecPath = exe
	}

	unit, err := Unit(cfg)
	if err != nil {
		return err
	}

	path := m.unitPath(cfg.Name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyInstalled, path)
	}
	if err := os.WriteFile(path, []byte(unit), 0644); err != nil {
		return fmt.Errorf("failed to write unit file: %w", err)
	}

	if out, err := m.Run("systemctl", "daemon-reload"); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to reload systemd: %s: %w", strings.TrimSpace(out), err)
	}
	if out, err := m.Run("systemctl", "enable", "--now", cfg.Name); err != nil {
		return fmt.Errorf("failed to enable service: %s: %w", strings.TrimSpace(out), err)
	}
	return nil
}

// Uninstall stops and disables the unit, then removes its file.
// Failures to stop or disable are ignored so a broken unit can still be removed.
func (m *Manager) Uninstall(name string) error {
	if err := supported(); err != nil {
		return err
	}
	path := m.unitPath(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}

	m.Run("systemctl", "disable", "--now", name)

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove unit file: %w", err)
	}
	m.Run("systemctl", "daemon-reload")
	m.Run("systemctl", "reset-failed", name)
	return nil
}

// Status returns the systemctl is-active state of the unit.
func (m *Manager) Status(name string) (string, error) {
	if err := supported(); err != nil {
		return "", err
	}
	out, err := m.Run("systemctl", "is-active", name)
	status := strings.TrimSpace(out)
	if err != nil {
		// is-active exits non-zero for every state but active.
		switch status {
		case "inactive", "failed", "unknown", "activating", "deactivating":
			return status, nil
		}
		return "", fmt.Errorf("failed to get service status: %w", err)
	}
	return status, nil
}
