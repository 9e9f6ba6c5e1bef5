package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/projecthost/bootstrap/internal/bootstrap"
	"github.com/projecthost/bootstrap/internal/command"
	"github.com/projecthost/bootstrap/internal/config"
	"github.com/projecthost/bootstrap/internal/logging"
)

func main() {
	var (
		configPath string
		only       string
	)

	cmd := &cobra.Command{
		Use:   "bootstrap --config FILE [--only BUNDLE,...]",
		Short: "Provision this host into a running project-host node",
		Long: `Provision a bare Linux host into a running project-host node:
platform checks, packages, persistent storage, container runtime,
versioned bundles, secrets, and the managed service, all idempotently.

With --only, refresh just the named bundles (project-host, project,
tools) on a host that has already completed a full bootstrap.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			log := logging.New(cfg.LogFile)
			runner := command.NewExecRunner(log, cfg.Env())
			orch := bootstrap.New(cfg, log, runner)

			// ctx.Done() returns when SIGINT is called or cancel() is
			// called. A terminated run is resumed by the next invocation.
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			if only != "" {
				var names []string
				for _, name := range strings.Split(only, ",") {
					if name = strings.TrimSpace(name); name != "" {
						names = append(names, name)
					}
				}
				err = orch.RunOnly(ctx, names)
			} else {
				err = orch.Run(ctx)
			}
			if err != nil {
				log.Error().Err(err).Msg("bootstrap failed")
			}
			return err
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the bootstrap JSON config (required)")
	cmd.Flags().StringVar(&only, "only", "", "comma-separated bundle kinds to refresh instead of a full run")
	_ = cmd.MarkFlagRequired("config")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
		os.Exit(1)
	}
}
