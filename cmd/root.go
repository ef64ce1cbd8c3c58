// Package cmd implements the spinneret command line interface.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spinneret",
		Short: "A concurrent crawling engine",
		Long: `spinneret runs spiders: it schedules their tasks across a worker
pool, fetches politely with retries and sessions, and hands extracted
items through the output pipes.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

// Execute is the CLI entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
