// Package gpu installs the container GPU toolkit. The whole package is a
// no-op unless the GPU flag is set; nothing here is required by any other
// provisioning phase.
package gpu

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/projecthost/bootstrap/internal/command"
	"github.com/projecthost/bootstrap/internal/config"
	"github.com/projecthost/bootstrap/internal/retry"
)

const (
	keyringURL  = "https://nvidia.github.io/libnvidia-container/gpgkey"
	keyringPath = "/usr/share/keyrings/nvidia-container-toolkit-keyring.gpg"
	repoListURL = "https://nvidia.github.io/libnvidia-container/stable/deb/nvidia-container-toolkit.list"
	repoPath    = "/etc/apt/sources.list.d/nvidia-container-toolkit.list"
)

// cdiRefreshScript regenerates the CDI device interface file once a GPU
// driver shows up. Cron runs it periodically; it does nothing when the
// file is current or no driver is detected.
const cdiRefreshScript = `#!/bin/sh
set -u
command -v nvidia-smi >/dev/null 2>&1 || exit 0
nvidia-smi >/dev/null 2>&1 || exit 0
[ -s /etc/cdi/nvidia.yaml ] && exit 0
nvidia-ctk cdi generate --output=/etc/cdi/nvidia.yaml >/dev/null 2>&1 || true
exit 0
`

type Installer struct {
	cfg *config.BootstrapConfig
	log zerolog.Logger
	run command.Runner

	HelperPath string
	CronPath   string
}

func NewInstaller(cfg *config.BootstrapConfig, log zerolog.Logger, run command.Runner) *Installer {
	return &Installer{
		cfg:        cfg,
		log:        log,
		run:        run,
		HelperPath: "/usr/local/sbin/project-host-cdi-refresh",
		CronPath:   "/etc/cron.d/project-host-cdi",
	}
}

// Install converges the GPU toolkit, or returns immediately when the GPU
// flag is unset.
func (i *Installer) Install(ctx context.Context) error {
	if !i.cfg.GPU {
		i.log.Info().Msg("gpu disabled, skipping toolkit setup")
		return nil
	}

	if err := i.installToolkit(ctx); err != nil {
		return err
	}

	// CDI regeneration and group membership are reconciliation steps:
	// they may legitimately fail on hosts whose driver arrives later.
	if err := i.run.Run(ctx, command.Request{
		Args:        []string{"nvidia-ctk", "cdi", "generate", "--output=/etc/cdi/nvidia.yaml"},
		Description: "generate CDI device interface",
		Timeout:     2 * time.Minute,
		BestEffort:  true,
	}); err != nil {
		return err
	}
	if err := i.run.Run(ctx, command.Request{
		Args:        []string{"usermod", "-aG", "video,render", i.cfg.SSHUser},
		Description: "add runtime user to device groups",
		Timeout:     time.Minute,
		BestEffort:  true,
	}); err != nil {
		return err
	}

	return i.installRefreshHelper()
}

func (i *Installer) installToolkit(ctx context.Context) error {
	err := retry.Install(ctx, i.log, "install GPU toolkit keyring", func() error {
		return i.run.Run(ctx, command.Request{
			Args: []string{"sh", "-c",
				fmt.Sprintf("curl -fsSL %s | gpg --yes --dearmor -o %s", keyringURL, keyringPath)},
			Description: "install GPU toolkit keyring",
			Timeout:     2 * time.Minute,
		})
	})
	if err != nil {
		return err
	}

	err = retry.Install(ctx, i.log, "install GPU toolkit repository", func() error {
		return i.run.Run(ctx, command.Request{
			Args: []string{"sh", "-c",
				fmt.Sprintf("curl -fsSL %s | sed 's#deb https://#deb [signed-by=%s] https://#' > %s",
					repoListURL, keyringPath, repoPath)},
			Description: "install GPU toolkit repository",
			Timeout:     2 * time.Minute,
		})
	})
	if err != nil {
		return err
	}

	err = retry.Refresh(ctx, i.log, "refresh package index for GPU toolkit", func() error {
		return i.run.Run(ctx, command.Request{
			Args:        []string{"apt-get", "update"},
			Description: "refresh package index for GPU toolkit",
			Timeout:     5 * time.Minute,
			Env:         []string{"DEBIAN_FRONTEND=noninteractive"},
		})
	})
	if err != nil {
		return err
	}

	return retry.Install(ctx, i.log, "install nvidia-container-toolkit", func() error {
		return i.run.Run(ctx, command.Request{
			Args:        []string{"apt-get", "install", "-y", "nvidia-container-toolkit"},
			Description: "install nvidia-container-toolkit",
			Timeout:     10 * time.Minute,
			Env:         []string{"DEBIAN_FRONTEND=noninteractive"},
		})
	})
}

func (i *Installer) installRefreshHelper() error {
	if err := os.MkdirAll(filepath.Dir(i.HelperPath), 0o755); err != nil {
		return fmt.Errorf("creating helper directory: %w", err)
	}
	if err := os.WriteFile(i.HelperPath, []byte(cdiRefreshScript), 0o755); err != nil {
		return fmt.Errorf("writing CDI refresh helper: %w", err)
	}
	entry := fmt.Sprintf("*/10 * * * * root %s\n", i.HelperPath)
	if err := os.MkdirAll(filepath.Dir(i.CronPath), 0o755); err != nil {
		return fmt.Errorf("creating cron directory: %w", err)
	}
	if err := os.WriteFile(i.CronPath, []byte(entry), 0o644); err != nil {
		return fmt.Errorf("writing CDI refresh cron entry: %w", err)
	}
	return nil
}
