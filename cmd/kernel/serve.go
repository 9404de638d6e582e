package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load every plugin under the configured plugin directory and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			n, loadErrs := a.loader.LoadAll(ctx)
			for _, lerr := range loadErrs {
				a.logger.Warn("plugin load failed", "error", lerr)
			}
			a.logger.Info("plugins loaded", "count", n, "errors", len(loadErrs))

			if err := a.loader.WatchDir(ctx); err != nil {
				a.logger.Warn("hot reload watch disabled", "error", err)
			}
			if err := a.sched.Start(ctx); err != nil {
				return err
			}

			a.logger.Info("kernel running", "plugin_dir", a.cfg.Kernel.PluginDir, "data_dir", a.cfg.Kernel.DataDir)
			<-ctx.Done()
			a.logger.Info("shutting down")
			return nil
		},
	}
}
