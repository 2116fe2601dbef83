package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"maestro/internal/gateway"
	gw "maestro/internal/gateway/websocket"
	"maestro/internal/janitor"
	"maestro/pkg/logger"
)

// NewServeCmd creates the serve command: the status gateway plus the
// maintenance janitor, running until interrupted.
func NewServeCmd() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP status gateway and run scheduled maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			cfg := cliCtx.Config

			rt, err := cliCtx.Router()
			if err != nil {
				return err
			}
			sessions, err := cliCtx.Sessions()
			if err != nil {
				return err
			}
			workspaces, err := cliCtx.Workspaces()
			if err != nil {
				return err
			}
			mem, err := cliCtx.Memory()
			if err != nil {
				return err
			}
			checkpoints, err := cliCtx.Checkpoints()
			if err != nil {
				return err
			}
			if err := cliCtx.WatchProfiles(); err != nil {
				logger.Warn().Err(err).Msg("profile watcher unavailable")
			}

			hub := gw.NewHub()
			go hub.Run()
			defer hub.Stop()

			gwConfig := cfg.Gateway
			if host != "" {
				gwConfig.Host = host
			}
			if port != 0 {
				gwConfig.Port = port
			}

			server := gateway.NewServer(gateway.Options{
				Config:    gwConfig,
				RateLimit: cfg.Performance.RateLimit,
				Providers: rt,
				Sessions:  sessions,
				Memory:    mem,
				Hub:       hub,
			})

			memoryCleanupDays := 0
			if cfg.Memory.AutoCleanup {
				memoryCleanupDays = cfg.Memory.CleanupDays
			}
			j := janitor.New(janitor.Config{
				SessionMaxAgeDays:     cfg.Orchestration.Session.CleanupAfterDays,
				MemoryCleanupDays:     memoryCleanupDays,
				CheckpointCleanupDays: cfg.Execution.Stages.CleanupAfterDays,
			}, sessions, workspaces, mem, checkpoints)
			if err := j.Start(); err != nil {
				return err
			}
			defer j.Stop()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return server.Stop(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "bind host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "bind port (overrides config)")
	return cmd
}
