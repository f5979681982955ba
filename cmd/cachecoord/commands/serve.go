package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cachecoord/pkg/api"
	"cachecoord/pkg/app"
)

func (c *CLI) newServeCmd() *cobra.Command {
	var (
		addr            string
		cleanupInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination node with its admin HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return c.withApp(ctx, func(a *app.App) error {
				if err := a.Start(ctx); err != nil {
					return err
				}

				cfg := api.DefaultServerConfig()
				cfg.Address = addr
				if cfg.Address == "" {
					cfg.Address = a.Config.AdminAddr
				}
				srv, err := a.AdminServer(cfg)
				if err != nil {
					return err
				}
				if err := srv.Start(); err != nil {
					return err
				}

				if cleanupInterval > 0 {
					go runCleanup(ctx, a, cleanupInterval)
				}

				<-ctx.Done()
				a.Logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Stop(shutdownCtx)
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Admin listen address (defaults to ADMIN_ADDR)")
	cmd.Flags().DurationVar(&cleanupInterval, "cleanup-interval", time.Hour, "Period of expired session and notification sweeps; 0 disables")
	return cmd
}

// runCleanup sweeps expired sessions and notifications until ctx ends.
func runCleanup(ctx context.Context, a *app.App, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, err := a.Sessions.CleanupExpiredSessions(ctx)
			if err != nil {
				a.Logger.Warn("session sweep failed", zap.Error(err))
			}
			notifications, err := a.Notifications.CleanupExpiredNotifications(ctx)
			if err != nil {
				a.Logger.Warn("notification sweep failed", zap.Error(err))
			}
			a.Logger.Info("sweep finished", zap.Int("sessions", sessions), zap.Int("notifications", notifications))
		}
	}
}
