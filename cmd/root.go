// Package cmd defines the CLI commands for the crawler executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawler",
		Short: "Brand-visibility crawl engine",
		Long: `crawler is the ingestion service for the brand-visibility pipeline.
It accepts crawl jobs over HTTP, walks each customer website politely with a
headless browser, extracts page content, and hands the results to the
downstream analysis pipeline.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars with CRAWLER_ prefix override)")

	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
