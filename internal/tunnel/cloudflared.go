// Package tunnel sets up the optional cloudflared outbound ingress: the
// client binary, its credentials, an ingress config mapping one hostname
// to the local service port, and a systemd unit with auto-restart.
package tunnel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/projecthost/bootstrap/internal/command"
	"github.com/projecthost/bootstrap/internal/config"
	"github.com/projecthost/bootstrap/internal/platform"
	"github.com/projecthost/bootstrap/internal/retry"
)

const unitTemplate = `[Unit]
Description=cloudflared tunnel for project-host
After=network-online.target
Wants=network-online.target

[Service]
ExecStart=%s
Restart=always
RestartSec=5
User=root

[Install]
WantedBy=multi-user.target
`

type Setup struct {
	cfg *config.BootstrapConfig
	log zerolog.Logger
	run command.Runner

	BinPath    string
	ConfigDir  string
	UnitPath   string
	SystemdDir string
}

func NewSetup(cfg *config.BootstrapConfig, log zerolog.Logger, run command.Runner) *Setup {
	return &Setup{
		cfg:       cfg,
		log:       log,
		run:       run,
		BinPath:   "/usr/local/bin/cloudflared",
		ConfigDir: "/etc/cloudflared",
		UnitPath:  "/etc/systemd/system/cloudflared.service",
	}
}

// Install converges the tunnel, or returns immediately when disabled.
func (s *Setup) Install(ctx context.Context) error {
	spec := s.cfg.Cloudflared
	if !spec.Enabled {
		s.log.Info().Msg("tunnel disabled, skipping")
		return nil
	}

	if err := s.installBinary(ctx); err != nil {
		return err
	}
	if err := s.writeCredentials(spec); err != nil {
		return err
	}
	if err := s.writeConfig(spec); err != nil {
		return err
	}
	return s.enableUnit(ctx, spec)
}

func (s *Setup) installBinary(ctx context.Context) error {
	if _, err := os.Stat(s.BinPath); err == nil {
		return nil
	}
	arch := platform.NormalizeArch(s.cfg.ExpectedArch)
	url := fmt.Sprintf("https://github.com/cloudflare/cloudflared/releases/latest/download/cloudflared-linux-%s", arch)

	err := retry.Install(ctx, s.log, "download cloudflared", func() error {
		return s.run.Run(ctx, command.Request{
			Args:        []string{"curl", "-fsSL", "-o", s.BinPath, url},
			Description: "download cloudflared",
			Timeout:     5 * time.Minute,
		})
	})
	if err != nil {
		return err
	}
	return os.Chmod(s.BinPath, 0o755)
}

func (s *Setup) writeCredentials(spec config.CloudflaredSpec) error {
	if err := os.MkdirAll(s.ConfigDir, 0o700); err != nil {
		return fmt.Errorf("creating cloudflared config dir: %w", err)
	}
	if spec.Token != "" {
		path := filepath.Join(s.ConfigDir, "token")
		if err := os.WriteFile(path, []byte(spec.Token+"\n"), 0o600); err != nil {
			return fmt.Errorf("writing tunnel token: %w", err)
		}
		return nil
	}
	path := filepath.Join(s.ConfigDir, "credentials.json")
	if err := os.WriteFile(path, []byte(spec.CredsJSON), 0o600); err != nil {
		return fmt.Errorf("writing tunnel credentials: %w", err)
	}
	return nil
}

// writeConfig renders the ingress file for credentials-file auth. Token
// auth carries its routing in the token, so only the unit matters there.
func (s *Setup) writeConfig(spec config.CloudflaredSpec) error {
	if spec.Token != "" {
		return nil
	}
	conf := fmt.Sprintf(`tunnel: %s
credentials-file: %s

ingress:
  - hostname: %s
    service: http://localhost:%d
  - service: http_status:404
`, spec.TunnelID, filepath.Join(s.ConfigDir, "credentials.json"), spec.Hostname, spec.Port)

	path := filepath.Join(s.ConfigDir, "config.yml")
	if err := os.WriteFile(path, []byte(conf), 0o600); err != nil {
		return fmt.Errorf("writing tunnel config: %w", err)
	}
	return nil
}

func (s *Setup) enableUnit(ctx context.Context, spec config.CloudflaredSpec) error {
	var execStart string
	if spec.Token != "" {
		execStart = fmt.Sprintf("%s tunnel run --token-file %s", s.BinPath, filepath.Join(s.ConfigDir, "token"))
	} else {
		execStart = fmt.Sprintf("%s tunnel --config %s run %s", s.BinPath, filepath.Join(s.ConfigDir, "config.yml"), spec.TunnelID)
	}

	if err := os.MkdirAll(filepath.Dir(s.UnitPath), 0o755); err != nil {
		return fmt.Errorf("creating systemd dir: %w", err)
	}
	unit := fmt.Sprintf(unitTemplate, execStart)
	if err := os.WriteFile(s.UnitPath, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("writing cloudflared unit: %w", err)
	}

	if err := s.run.Run(ctx, command.Request{
		Args:        []string{"systemctl", "daemon-reload"},
		Description: "reload systemd units",
		Timeout:     time.Minute,
	}); err != nil {
		return err
	}
	return s.run.Run(ctx, command.Request{
		Args:        []string{"systemctl", "enable", "--now", "cloudflared"},
		Description: "enable cloudflared service",
		Timeout:     2 * time.Minute,
	})
}
