// Package bootstrap sequences the provisioning phases. Phases run strictly
// in order; the first non-best-effort failure stops the run. There is no
// rollback: every phase is written to be safely re-entered by the next
// invocation instead.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/projecthost/bootstrap/internal/bundle"
	"github.com/projecthost/bootstrap/internal/command"
	"github.com/projecthost/bootstrap/internal/config"
	"github.com/projecthost/bootstrap/internal/container"
	"github.com/projecthost/bootstrap/internal/envfile"
	"github.com/projecthost/bootstrap/internal/gpu"
	"github.com/projecthost/bootstrap/internal/platform"
	"github.com/projecthost/bootstrap/internal/secrets"
	"github.com/projecthost/bootstrap/internal/service"
	"github.com/projecthost/bootstrap/internal/storage"
	"github.com/projecthost/bootstrap/internal/tunnel"
)

type phase struct {
	name string
	run  func(ctx context.Context) error
}

type Orchestrator struct {
	cfg *config.BootstrapConfig
	log zerolog.Logger
	run command.Runner

	guard      *platform.Guard
	storage    *storage.Manager
	containers *container.Configurator
	deployer   *bundle.Deployer
	secrets    *secrets.Provisioner
	env        *envfile.Writer
	service    *service.Manager
	gpu        *gpu.Installer
	tunnel     *tunnel.Setup

	// backing is set by the storage-prepare phase and consumed by mount.
	backing storage.Backing
}

func New(cfg *config.BootstrapConfig, log zerolog.Logger, run command.Runner) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		log:        log,
		run:        run,
		guard:      platform.NewGuard(),
		storage:    storage.NewManager(cfg, log, run),
		containers: container.NewConfigurator(cfg, log, run),
		deployer:   bundle.NewDeployer(cfg, log, run),
		secrets:    secrets.NewProvisioner(cfg, log, run),
		env:        envfile.NewWriter(cfg, log, run),
		service:    service.NewManager(cfg, log, run),
		gpu:        gpu.NewInstaller(cfg, log, run),
		tunnel:     tunnel.NewSetup(cfg, log, run),
	}
}

func (o *Orchestrator) phases() []phase {
	p := []phase{
		{"platform check", func(ctx context.Context) error {
			return o.guard.Verify(o.cfg.ExpectedOS, o.cfg.ExpectedArch)
		}},
		{"legacy bootstrap hook", o.legacyHook},
		{"package setup", o.packageSetup},
		{"gpu toolkit", o.gpu.Install},
		{"time sync", o.timeSync},
		{"runtime user", o.runtimeUser},
		{"storage prepare", func(ctx context.Context) error {
			backing, err := o.storage.Prepare(ctx)
			if err != nil {
				return err
			}
			o.backing = backing
			return nil
		}},
		{"storage mount", func(ctx context.Context) error {
			if err := o.storage.Mount(ctx, o.backing); err != nil {
				return err
			}
			if err := o.storage.Layout(ctx); err != nil {
				return err
			}
			return o.storage.InstallResizeHelper(ctx)
		}},
		{"container runtime config", o.containers.Write},
		{"environment file", o.env.Write},
		{"secrets", o.secrets.Provision},
	}
	for _, b := range o.cfg.Bundles() {
		b := b
		p = append(p, phase{b.Name + " bundle", func(ctx context.Context) error {
			if err := o.deployer.Deploy(ctx, b); err != nil {
				return err
			}
			return o.fetchHook(ctx, b.Name)
		}})
	}
	p = append(p,
		phase{"node runtime", o.nodeRuntime},
		phase{"service wrapper", func(context.Context) error { return o.service.WriteWrapper() }},
		phase{"service helpers", func(context.Context) error { return o.service.WriteHelpers() }},
		phase{"sudoers policy", o.service.WriteSudoers},
		phase{"tunnel ingress", o.tunnel.Install},
		phase{"autostart", func(context.Context) error { return o.service.InstallAutostart() }},
		phase{"install service hook", o.installServiceHook},
		phase{"service start", o.service.Start},
		phase{"package auto-updates", o.reenableAutoUpdates},
		phase{"done markers", o.markDone},
	)
	return p
}

// Run executes the full provisioning sequence.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info().Msgf("bootstrap: user=%s root=%s dir=%s",
		o.cfg.BootstrapUser, o.cfg.BootstrapRoot, o.cfg.BootstrapDir)

	for _, p := range o.phases() {
		start := time.Now()
		o.log.Info().Msgf("phase %s: starting", p.name)
		if err := p.run(ctx); err != nil {
			return fmt.Errorf("phase %s: %w", p.name, err)
		}
		o.log.Info().Msgf("phase %s: finished in %.1fs", p.name, time.Since(start).Seconds())
	}

	o.log.Info().Msg("bootstrap completed successfully")
	return nil
}

// RunOnly refreshes just the named bundles plus their wrapper and helper
// scripts, skipping platform and storage setup. It requires evidence of a
// prior completed full run: refreshing a bundle on a host that was never
// provisioned would extract into a filesystem that does not exist yet.
func (o *Orchestrator) RunOnly(ctx context.Context, names []string) error {
	if !o.doneMarkerPresent() {
		return fmt.Errorf("subset run requires a completed bootstrap (no done marker found); run the full sequence first")
	}

	for _, name := range names {
		b, ok := o.cfg.Bundle(name)
		if !ok {
			return fmt.Errorf("unknown bundle %q (valid: %s, %s, %s)",
				name, config.BundleProjectHost, config.BundleProject, config.BundleTools)
		}
		if err := o.deployer.Deploy(ctx, b); err != nil {
			return err
		}
		if err := o.fetchHook(ctx, b.Name); err != nil {
			return err
		}
	}

	if err := o.service.WriteWrapper(); err != nil {
		return err
	}
	if err := o.service.WriteHelpers(); err != nil {
		return err
	}
	o.log.Info().Msg("bundle refresh completed successfully")
	return nil
}

func (o *Orchestrator) doneMarkerPresent() bool {
	for _, path := range o.cfg.DonePaths {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return len(o.cfg.DonePaths) == 0
}
