// Package container points the container engine's storage at the managed
// data filesystem: one rootful configuration, and a rootless one for the
// runtime user when that user is not root.
package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/projecthost/bootstrap/internal/command"
	"github.com/projecthost/bootstrap/internal/config"
)

type Configurator struct {
	cfg *config.BootstrapConfig
	log zerolog.Logger
	run command.Runner

	// RootConfPath is /etc/containers/storage.conf in production.
	RootConfPath string
	// RootlessHome overrides the runtime user's home in tests.
	RootlessHome string
}

func NewConfigurator(cfg *config.BootstrapConfig, log zerolog.Logger, run command.Runner) *Configurator {
	return &Configurator{
		cfg:          cfg,
		log:          log,
		run:          run,
		RootConfPath: "/etc/containers/storage.conf",
		RootlessHome: filepath.Join("/home", cfg.SSHUser),
	}
}

const storageConfTemplate = `[storage]
driver = "overlay"
runroot = %q
graphroot = %q

[storage.options]
pull_options = {enable_partial_images = "true", use_hard_links = "false", ostree_repos = ""}
`

// Write renders both storage configurations, creating and owning the
// backing directories under the data filesystem.
func (c *Configurator) Write(ctx context.Context) error {
	root := c.cfg.Mountpoint()

	runRoot := filepath.Join(root, "containers", "run")
	graphRoot := filepath.Join(root, "containers", "storage")
	if err := c.writeConf(c.RootConfPath, runRoot, graphRoot); err != nil {
		return err
	}

	if c.cfg.SSHUser == "root" {
		return nil
	}

	userRunRoot := filepath.Join(root, "containers-user", "run")
	userGraphRoot := filepath.Join(root, "containers-user", "storage")
	rootlessConf := filepath.Join(c.RootlessHome, ".config", "containers", "storage.conf")
	if err := c.writeConf(rootlessConf, userRunRoot, userGraphRoot); err != nil {
		return err
	}

	owner := c.cfg.SSHUser + ":" + c.cfg.SSHUser
	for _, p := range []string{userRunRoot, userGraphRoot, filepath.Join(c.RootlessHome, ".config")} {
		err := c.run.Run(ctx, command.Request{
			Args:        []string{"chown", "-R", owner, p},
			Description: "fix rootless storage ownership of " + p,
			Timeout:     2 * time.Minute,
			BestEffort:  true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Configurator) writeConf(path, runRoot, graphRoot string) error {
	for _, dir := range []string{runRoot, graphRoot, filepath.Dir(path)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	conf := fmt.Sprintf(storageConfTemplate, runRoot, graphRoot)
	if err := os.WriteFile(path, []byte(conf), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	c.log.Info().Msgf("wrote container storage config %s", path)
	return nil
}
