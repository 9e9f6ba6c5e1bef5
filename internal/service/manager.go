// Package service installs the managed service's wrapper and control
// scripts, its least-privilege sudo policy and boot trigger, and performs
// the actual start/stop as the runtime user.
package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/projecthost/bootstrap/internal/command"
	"github.com/projecthost/bootstrap/internal/config"
)

// ErrEntrypointMissing marks a deployed bundle with no recognized service
// entrypoint. This is an integrity failure of the bundle itself, distinct
// from a transient start failure: the bundle must be rebuilt.
var ErrEntrypointMissing = errors.New("service entrypoint missing from deployed bundle")

// entrypointCandidates are the accepted entrypoint locations relative to
// the current project-host bundle, in preference order.
var entrypointCandidates = []string{
	"bin/project-host",
	"packages/server/bin/project-host",
	"dist/bin/project-host",
}

type Manager struct {
	cfg *config.BootstrapConfig
	log zerolog.Logger
	run command.Runner

	BinDir      string
	SudoersPath string
	CronPath    string
	// ResizeHelper is the storage growth helper the sudo policy grants.
	ResizeHelper string
}

func NewManager(cfg *config.BootstrapConfig, log zerolog.Logger, run command.Runner) *Manager {
	return &Manager{
		cfg:          cfg,
		log:          log,
		run:          run,
		BinDir:       "/usr/local/bin",
		SudoersPath:  "/etc/sudoers.d/project-host",
		CronPath:     "/etc/cron.d/project-host",
		ResizeHelper: "/usr/local/sbin/project-host-resize",
	}
}

func (m *Manager) wrapperPath() string { return filepath.Join(m.BinDir, "project-host") }
func (m *Manager) ctlPath() string     { return filepath.Join(m.BinDir, "project-hostctl") }
func (m *Manager) startupPath() string { return filepath.Join(m.BinDir, "project-host-startup") }

func (m *Manager) pidFile() string {
	return filepath.Join(m.cfg.BootstrapDir, "run", "project-host.pid")
}

func (m *Manager) serviceLog() string {
	return filepath.Join(m.cfg.BootstrapDir, "logs", "project-host.log")
}

// WriteWrapper installs the executable wrapper that locates and invokes
// the service entrypoint inside the current bundle.
func (m *Manager) WriteWrapper() error {
	script := strings.NewReplacer(
		"__CURRENT__", m.cfg.ProjectHostBundle.Current,
		"__ENV_FILE__", m.cfg.EnvFile,
		"__CANDIDATES__", strings.Join(entrypointCandidates, " "),
	).Replace(wrapperScript)
	return m.install(m.wrapperPath(), script)
}

// WriteHelpers installs the control, startup, and log-tailing scripts.
func (m *Manager) WriteHelpers() error {
	for _, dir := range []string{filepath.Dir(m.pidFile()), filepath.Dir(m.serviceLog())} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	ctl := strings.NewReplacer(
		"__WRAPPER__", m.wrapperPath(),
		"__PID_FILE__", m.pidFile(),
	).Replace(ctlScript)
	if err := m.install(m.ctlPath(), ctl); err != nil {
		return err
	}

	startup := strings.NewReplacer(
		"__MOUNTPOINT__", m.cfg.Mountpoint(),
		"__RESIZE_HELPER__", m.ResizeHelper,
		"__CTL__", m.ctlPath(),
	).Replace(startupScript)
	if err := m.install(m.startupPath(), startup); err != nil {
		return err
	}

	logs := strings.ReplaceAll(logsScript, "__LOG_FILE__", m.serviceLog())
	if err := m.install(filepath.Join(m.BinDir, "project-host-logs"), logs); err != nil {
		return err
	}

	if m.cfg.Cloudflared.Enabled {
		if err := m.install(filepath.Join(m.BinDir, "project-host-tunnel-logs"), tunnelLogsScript); err != nil {
			return err
		}
	}
	return nil
}

// WriteSudoers installs the runtime user's passwordless policy: exactly
// the storage-growth helper and, when the tunnel is enabled, the tunnel
// service controls. Validated with visudo before it counts.
func (m *Manager) WriteSudoers(ctx context.Context) error {
	var rules []string
	rules = append(rules, fmt.Sprintf("%s ALL=(root) NOPASSWD: %s", m.cfg.SSHUser, m.ResizeHelper))
	if m.cfg.Cloudflared.Enabled {
		for _, verb := range []string{"start", "stop", "restart", "status"} {
			rules = append(rules, fmt.Sprintf("%s ALL=(root) NOPASSWD: /usr/bin/systemctl %s cloudflared", m.cfg.SSHUser, verb))
		}
	}

	if err := os.MkdirAll(filepath.Dir(m.SudoersPath), 0o755); err != nil {
		return fmt.Errorf("creating sudoers directory: %w", err)
	}
	if err := os.WriteFile(m.SudoersPath, []byte(strings.Join(rules, "\n")+"\n"), 0o440); err != nil {
		return fmt.Errorf("writing sudoers fragment: %w", err)
	}

	err := m.run.Run(ctx, command.Request{
		Args:        []string{"visudo", "-c", "-f", m.SudoersPath},
		Description: "validate service sudoers fragment",
		Timeout:     30 * time.Second,
	})
	if err != nil {
		os.Remove(m.SudoersPath)
		return err
	}
	return nil
}

// InstallAutostart registers the boot-time trigger: a cron @reboot entry
// running the startup script as the runtime user.
func (m *Manager) InstallAutostart() error {
	entry := fmt.Sprintf("@reboot %s %s >> %s 2>&1\n",
		m.cfg.SSHUser, m.startupPath(), m.serviceLog())
	if err := os.MkdirAll(filepath.Dir(m.CronPath), 0o755); err != nil {
		return fmt.Errorf("creating cron directory: %w", err)
	}
	if err := os.WriteFile(m.CronPath, []byte(entry), 0o644); err != nil {
		return fmt.Errorf("writing boot trigger: %w", err)
	}
	return nil
}

// EnsureEntrypoint verifies the deployed bundle carries a recognized
// entrypoint and returns its path.
func (m *Manager) EnsureEntrypoint() (string, error) {
	current := m.cfg.ProjectHostBundle.Current
	for _, rel := range entrypointCandidates {
		path := filepath.Join(current, rel)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", errors.Wrapf(ErrEntrypointMissing,
		"no entrypoint under %s (looked for %s); rebuild and redeploy the project-host bundle",
		current, strings.Join(entrypointCandidates, ", "))
}

// Start brings the service up as the runtime user: a best-effort stop of
// any prior instance, then a required start. The entrypoint check runs
// first so a broken bundle fails with its own diagnosis instead of a
// generic start error.
func (m *Manager) Start(ctx context.Context) error {
	entrypoint, err := m.EnsureEntrypoint()
	if err != nil {
		return err
	}
	m.log.Info().Msgf("starting project-host via %s", entrypoint)

	if err := m.run.Run(ctx, command.Request{
		Args:        []string{m.ctlPath(), "stop"},
		Description: "stop previous project-host instance",
		Timeout:     2 * time.Minute,
		User:        m.cfg.SSHUser,
		BestEffort:  true,
	}); err != nil {
		return err
	}

	return m.run.Run(ctx, command.Request{
		Args:        []string{m.ctlPath(), "start"},
		Description: "start project-host",
		Timeout:     5 * time.Minute,
		User:        m.cfg.SSHUser,
	})
}

func (m *Manager) install(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	m.log.Info().Msgf("installed %s", path)
	return nil
}
