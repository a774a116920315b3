package cmd

import (
	"context"
	"fmt"
	"time"

	"inventory-backup/internal/api"

	"github.com/spf13/cobra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		address     string
		noScheduler bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the backup scheduler and the REST API",
		Long: `Run the nightly backup scheduler and serve the REST API used by the web
frontend until SIGINT or SIGTERM. Running backups and requests are given
server.shutdown_timeout to finish.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			app := s.app
			cfg := app.Config
			if address != "" {
				cfg.Server.Address = address
			}

			serverConfig := api.Config{
				Store:        app.Store,
				Backupper:    app.Executor,
				Restorer:     app.Engine,
				Verifier:     app.Engine,
				Logger:       app.Logger,
				Address:      cfg.Server.Address,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}
			if cfg.DatabaseConfigured() {
				serverConfig.Health = app.Ping
			}
			if cfg.Server.EnableMetrics {
				serverConfig.Metrics = app.Metrics
			}
			server, err := api.NewServer(serverConfig)
			if err != nil {
				return opts.fail(s.printer, "Failed to start the API", err)
			}

			shutdown := app.ShutdownHandler()
			if cfg.Server.EnableScheduler && !noScheduler {
				scheduler, err := app.NewScheduler()
				if err != nil {
					return opts.fail(s.printer, "Failed to start the scheduler", err)
				}
				if err := scheduler.Start(ctx); err != nil {
					return opts.fail(s.printer, "Failed to start the scheduler", err)
				}
				shutdown.RegisterShutdownFunc(func() error {
					// a run still going after the timeout is aborted
					defer cancel()
					return waitFor(scheduler.Stop(), cfg.Server.ShutdownTimeout, "scheduled backups")
				})
				s.printer.Info(fmt.Sprintf("Next scheduled backup at %s", scheduler.Next().Format(time.RFC3339)))
			}

			// runs first: stop taking requests before the scheduler drains
			shutdown.RegisterShutdownFunc(func() error {
				app.Logger.Info("Shutting down")
				shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer done()
				return server.Shutdown(shutdownCtx)
			})
			shutdown.Start()

			s.printer.Info(fmt.Sprintf("Serving the backup API on %s", cfg.Server.Address))
			if err := server.ListenAndServe(); err != nil {
				shutdown.Stop()
				return opts.fail(s.printer, "API server failed", err)
			}
			shutdown.WaitForShutdown()
			s.printer.Success("Stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "listen address (overrides server.address)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without running scheduled backups")
	return cmd
}

// waitFor waits until done is closed or timeout elapses
func waitFor(done context.Context, timeout time.Duration, what string) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done.Done():
		return nil
	case <-timer.C:
		return fmt.Errorf("timed out waiting for %s to finish", what)
	}
}
