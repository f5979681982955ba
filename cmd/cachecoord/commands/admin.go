package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"cachecoord/pkg/api"
	"cachecoord/pkg/app"
	"cachecoord/pkg/kv"
)

func (c *CLI) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print store health and component statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return c.withApp(ctx, func(a *app.App) error {
				info, err := a.Store.Info(ctx, "")
				if err != nil {
					return err
				}
				health := kv.ParseInfo(info)
				if n, err := a.Store.DBSize(ctx); err == nil {
					health.KeyCount = n
				}
				sessions, err := a.Sessions.GetSessionStats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"store":    a.Store.Name(),
					"health":   health,
					"hit_rate": health.HitRate(),
					"cache":    a.Cache.Stats(),
					"sessions": sessions,
				})
			})
		},
	}
}

func (c *CLI) newRateLimitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Inspect and reset rate-limit counters",
	}

	var profile, endpoint, statusEndpoint string
	reset := &cobra.Command{
		Use:   "reset <identity>",
		Short: "Clear counters and blocks of an identity or IP",
		Long:  "Clear counters and blocks of an identity or IP. Without --profile every profile is reset.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withApp(ctx, func(a *app.App) error {
				var (
					n   int
					err error
				)
				if profile == "" {
					n, err = a.Limiter.ResetAll(ctx, args[0])
				} else {
					n, err = a.Limiter.Reset(ctx, profile, args[0], endpoint)
				}
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d keys\n", n)
				return nil
			})
		},
	}
	reset.Flags().StringVarP(&profile, "profile", "p", "", "Profile to reset")
	reset.Flags().StringVarP(&endpoint, "endpoint", "e", "", "Endpoint to reset; empty resets every endpoint")

	status := &cobra.Command{
		Use:   "status <profile> <identity>",
		Short: "Show the current window of an identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withApp(ctx, func(a *app.App) error {
				st, err := a.Limiter.GetStats(ctx, args[0], args[1], statusEndpoint)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	status.Flags().StringVarP(&statusEndpoint, "endpoint", "e", "", "Endpoint of the counter")

	cmd.AddCommand(reset, status)
	return cmd
}

func (c *CLI) newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Clear or evict cache entries across every node",
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cache entry in the namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return c.withApp(ctx, func(a *app.App) error {
				ev, err := a.Invalidation.InvalidatePattern(ctx, a.Cache.StoreKey("*"), "admin.clear", api.AdminActor)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d keys\n", ev.KeysAffected)
				return nil
			})
		},
	}

	evictCmd := &cobra.Command{
		Use:   "evict <pattern>",
		Short: "Delete store keys matching a glob pattern and notify other nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withApp(ctx, func(a *app.App) error {
				ev, err := a.Invalidation.InvalidatePattern(ctx, args[0], "admin.evict", api.AdminActor)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d keys (%s)\n", ev.KeysAffected, ev.Strategy)
				return nil
			})
		},
	}

	cmd.AddCommand(clearCmd, evictCmd)
	return cmd
}

func (c *CLI) newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Sweep expired sessions and notifications once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return c.withApp(ctx, func(a *app.App) error {
				sessions, serr := a.Sessions.CleanupExpiredSessions(ctx)
				notifications, nerr := a.Notifications.CleanupExpiredNotifications(ctx)
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d sessions, %d notifications\n", sessions, notifications)
				return errors.Join(serr, nerr)
			})
		},
	}
}
