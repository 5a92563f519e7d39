package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/toolflow/internal/api"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(c *cli, v *viper.Viper) *cobra.Command {
	var noScanner bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the cron scanner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, c.cfg, os.Stderr, true)
			if err != nil {
				return err
			}
			defer a.close()

			srv := api.NewServer(api.Deps{
				Store:      a.store,
				Validator:  a.validator,
				Dispatcher: a.dispatcher,
				Scanner:    a.scanner,
				Webhooks:   a.webhooks,
				Schedules:  a.schedules,
				Hub:        a.hub,
				CronSecret: a.cfg.CronSecret,
				Logger:     a.logger,
			})

			if !noScanner {
				recovered, err := a.scanner.RecoverMissed(ctx)
				if err != nil {
					a.logger.Warn("missed job recovery failed", slog.String("error", err.Error()))
				} else if recovered > 0 {
					a.logger.Info("advanced missed cron jobs", slog.Int("count", recovered))
				}
				if err := a.scanner.Start(ctx); err != nil {
					return err
				}
				defer func() { _ = a.scanner.Stop() }()
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(a.cfg.ListenAddr) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().String("listen-addr", "", "TCP listen address (default :4100)")
	cmd.Flags().BoolVar(&noScanner, "no-scanner", false, "do not run the in-process cron scanner; rely on /api/cron")
	_ = v.BindPFlag("listen_addr", cmd.Flags().Lookup("listen-addr"))
	return cmd
}
