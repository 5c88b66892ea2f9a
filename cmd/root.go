// Package cmd defines the CLI commands of the reviewminer executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/review-miner/internal/config"
)

type rootOptions struct {
	cfgFile string
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "reviewminer",
		Short: "Crawl product listings, details and reviews through proxy providers.",
		Long: `reviewminer drives crawl tasks from seed URLs to a terminal status.
Every fetch goes through a proxy provider with one fallback, failures are
classified into a fixed error taxonomy, and extracted records are stored per task.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "path to a YAML config file (env CRAWLER_* overrides)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newCrawlCmd(opts))
	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
