// Package commands implements the cachecoord command line.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"cachecoord/pkg/app"
)

// Build metadata, set with -ldflags.
var (
	Version = "dev"
	Commit  = "none"
)

// Opener builds a connected App. Commands that need the backend call it
// lazily so that version and help work offline.
type Opener func(ctx context.Context) (*app.App, error)

// CLI is the cachecoord command tree.
type CLI struct {
	open    Opener
	rootCmd *cobra.Command
}

// New creates the command tree.
func New(open Opener) *CLI {
	rootCmd := &cobra.Command{
		Use:           "cachecoord",
		Short:         "Cache, session, rate-limit and notification coordination over Redis",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf("{{.Name}} version {{.Version}} (commit: %s)\n", Commit))

	c := &CLI{open: open, rootCmd: rootCmd}
	rootCmd.AddCommand(
		c.newServeCmd(),
		c.newStatsCmd(),
		c.newRateLimitCmd(),
		c.newCacheCmd(),
		c.newCleanupCmd(),
		c.newVersionCmd(),
	)
	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams for the root command. Used for testing.
func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}

// withApp opens the App for the duration of fn.
func (c *CLI) withApp(ctx context.Context, fn func(*app.App) error) error {
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the application version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cachecoord version %s (commit: %s)\n", Version, Commit)
		},
	}
}
