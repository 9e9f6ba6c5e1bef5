package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/projecthost/bootstrap/internal/command"
	"github.com/projecthost/bootstrap/internal/platform"
	"github.com/projecthost/bootstrap/internal/retry"
)

// legacyHook runs the shell-era bootstrap script when configured. Kept for
// hosts mid-migration off the monolithic script.
func (o *Orchestrator) legacyHook(ctx context.Context) error {
	if o.cfg.LegacyBootstrapScript == "" {
		return nil
	}
	return o.run.Run(ctx, command.Request{
		Args:        []string{"/bin/bash", o.cfg.LegacyBootstrapScript},
		Description: "legacy bootstrap script",
		Timeout:     30 * time.Minute,
	})
}

// fetchHook runs the shell-era per-bundle fetch script when configured,
// after the native deploy of its bundle and as the bootstrap user, the way
// the scripts expect to be invoked.
func (o *Orchestrator) fetchHook(ctx context.Context, bundleName string) error {
	script := o.cfg.FetchScript(bundleName)
	if script == "" {
		return nil
	}
	return o.run.Run(ctx, command.Request{
		Args:        []string{"/bin/bash", script},
		Description: "fetch " + bundleName + " bundle script",
		Timeout:     30 * time.Minute,
		User:        o.cfg.BootstrapUser,
	})
}

func (o *Orchestrator) installServiceHook(ctx context.Context) error {
	if o.cfg.InstallServiceScript == "" {
		return nil
	}
	return o.run.Run(ctx, command.Request{
		Args:        []string{"/bin/bash", o.cfg.InstallServiceScript},
		Description: "install service script",
		Timeout:     30 * time.Minute,
	})
}

// packageSetup refreshes the package index and installs the configured
// packages. Automatic background updates are paused first so they don't
// hold the package lock mid-run; they come back in reenableAutoUpdates.
func (o *Orchestrator) packageSetup(ctx context.Context) error {
	if err := o.run.Run(ctx, command.Request{
		Args:        []string{"systemctl", "stop", "unattended-upgrades"},
		Description: "pause package auto-updates",
		Timeout:     2 * time.Minute,
		BestEffort:  true,
	}); err != nil {
		return err
	}

	err := retry.Refresh(ctx, o.log, "refresh package index", func() error {
		return o.run.Run(ctx, command.Request{
			Args:        []string{"apt-get", "update"},
			Description: "refresh package index",
			Timeout:     5 * time.Minute,
			Env:         []string{"DEBIAN_FRONTEND=noninteractive"},
		})
	})
	if err != nil {
		return err
	}

	if len(o.cfg.Packages) == 0 {
		return nil
	}
	return retry.Install(ctx, o.log, "install packages", func() error {
		args := append([]string{"apt-get", "install", "-y"}, o.cfg.Packages...)
		return o.run.Run(ctx, command.Request{
			Args:        args,
			Description: "install packages " + strings.Join(o.cfg.Packages, " "),
			Timeout:     20 * time.Minute,
			Env:         []string{"DEBIAN_FRONTEND=noninteractive"},
		})
	})
}

func (o *Orchestrator) reenableAutoUpdates(ctx context.Context) error {
	return o.run.Run(ctx, command.Request{
		Args:        []string{"systemctl", "start", "unattended-upgrades"},
		Description: "resume package auto-updates",
		Timeout:     2 * time.Minute,
		BestEffort:  true,
	})
}

func (o *Orchestrator) timeSync(ctx context.Context) error {
	return o.run.Run(ctx, command.Request{
		Args:        []string{"timedatectl", "set-ntp", "true"},
		Description: "enable time synchronization",
		Timeout:     time.Minute,
		BestEffort:  true,
	})
}

// runtimeUser ensures the non-privileged account the service runs as,
// with lingering and user-namespace ranges for rootless containers.
func (o *Orchestrator) runtimeUser(ctx context.Context) error {
	user := o.cfg.SSHUser
	if _, err := o.run.Output(ctx, "id", "-u", user); err != nil {
		if err := o.run.Run(ctx, command.Request{
			Args:        []string{"useradd", "-m", "-s", "/bin/bash", user},
			Description: "create runtime user " + user,
			Timeout:     time.Minute,
		}); err != nil {
			return err
		}
	}

	if err := o.run.Run(ctx, command.Request{
		Args:        []string{"loginctl", "enable-linger", user},
		Description: "enable lingering for " + user,
		Timeout:     time.Minute,
		BestEffort:  true,
	}); err != nil {
		return err
	}
	return o.run.Run(ctx, command.Request{
		Args: []string{"usermod",
			"--add-subuids", "100000-165535",
			"--add-subgids", "100000-165535", user},
		Description: "assign user namespace ranges to " + user,
		Timeout:     time.Minute,
		BestEffort:  true,
	})
}

// nodeRuntime installs the pinned Node version the bundles expect. Skipped
// when unconfigured or when the right version already answers.
func (o *Orchestrator) nodeRuntime(ctx context.Context) error {
	version := o.cfg.NodeVersion
	if version == "" {
		return nil
	}
	if out, err := o.run.Output(ctx, "node", "--version"); err == nil && out == "v"+version {
		o.log.Info().Msgf("node %s already installed", out)
		return nil
	}

	arch := platform.NormalizeArch(o.cfg.ExpectedArch)
	name := fmt.Sprintf("node-v%s-linux-%s", version, arch)
	url := fmt.Sprintf("https://nodejs.org/dist/v%s/%s.tar.xz", version, name)
	archive := filepath.Join(o.cfg.TmpDir(), name+".tar.xz")
	installDir := "/usr/local/lib/nodejs"

	err := retry.Install(ctx, o.log, "download node runtime", func() error {
		return o.run.Run(ctx, command.Request{
			Args:        []string{"curl", "-fsSL", "-o", archive, url},
			Description: "download node runtime",
			Timeout:     10 * time.Minute,
		})
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(installDir, 0o755); err != nil {
		return fmt.Errorf("creating node install dir: %w", err)
	}
	if err := o.run.Run(ctx, command.Request{
		Args:        []string{"tar", "-xJf", archive, "-C", installDir},
		Description: "extract node runtime",
		Timeout:     5 * time.Minute,
	}); err != nil {
		return err
	}

	for _, bin := range []string{"node", "npm", "npx"} {
		target := filepath.Join(installDir, name, "bin", bin)
		link := filepath.Join("/usr/local/bin", bin)
		if err := os.RemoveAll(link); err != nil {
			return fmt.Errorf("replacing %s: %w", link, err)
		}
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("linking %s: %w", link, err)
		}
	}
	return nil
}

// markDone touches the done-marker files. Each is best-effort: a marker on
// an unwritable path must not fail a bootstrap that otherwise succeeded.
func (o *Orchestrator) markDone(context.Context) error {
	for _, path := range o.cfg.DonePaths {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			o.log.Warn().Err(err).Msgf("cannot create directory for done marker %s", path)
			continue
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			o.log.Warn().Err(err).Msgf("cannot touch done marker %s", path)
			continue
		}
		f.Close()
		o.log.Info().Msgf("touched done marker %s", path)
	}
	return nil
}
