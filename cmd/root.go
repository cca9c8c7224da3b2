// Package cmd defines the CLI commands of the pagefleet executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root command. run executes a validated crawl.
func newRootCmd(run runFunc) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "pagefleet",
		Short: "Drive a fleet of browsers through a backlog of page visits.",
		Long: `pagefleet loads a backlog of URL-visit jobs and runs them through a pool of
real browsers, each steered over a local command socket. Every visit can
capture the DOM, a screenshot and the redirect chain with response codes
and headers, and the results are written as one JSON file per job.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.AddCommand(newCrawlCmd(&cfgFile, run))

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd(runApp).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "pagefleet:", err)
		os.Exit(1)
	}
}
