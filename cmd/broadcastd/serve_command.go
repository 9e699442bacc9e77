package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"broadcastd/internal/app"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var stopTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the delivery daemon (worker pool, schedule poller, metrics)",
		Long:  "Run the delivery daemon. The config file is watched for changes; SIGHUP forces a reload.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := ctx.ensureConfig(); err != nil {
				return err
			}
			if ctx.configPath == "" {
				return errors.New("serve requires a config file (--config or $" + configEnv + ")")
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(sigs)

			a, err := app.NewApp(ctx.configPath)
			if err != nil {
				return err
			}
			if err := a.Start(context.Background()); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopUnknown
		wait:
			for {
				select {
				case sig := <-sigs:
					switch sig {
					case syscall.SIGHUP:
						// rejected edits are logged; keep serving the current config
						_ = a.Reload(context.Background())
						continue
					case syscall.SIGTERM:
						reason = app.StopSIGTERM
					default:
						reason = app.StopSIGINT
					}
				case <-a.Done():
					reason = app.StopFatalError
				}
				break wait
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "Upper bound for graceful shutdown")
	return cmd
}
