/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package commands contains the command line interface of quotaguard.
package commands

import (
	"context"

	"github.com/spf13/cobra"
)

type rootOpts struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{}
	rootCmd := &cobra.Command{
		Use:   "quotaguard",
		Short: "Usage quota enforcement for metered sessions",
		Long: `quotaguard enforces per-profile usage quotas (concurrent sessions, validity period
and transferred volume) over a shared key-value store and reports usage.

The configuration is read from the file passed with --config (YAML or JSON)
and from QUOTAGUARD_* environment variables, e.g. QUOTAGUARD_STORE_BACKEND=redis.

Examples:
  quotaguard serve --config /etc/quotaguard/config.yml   # Run the quota API and the metered relay
  quotaguard usage                                       # Print usage read directly from the store
  quotaguard usage --days 30 --json                      # Print 30 days of daily usage as JSON
  quotaguard usage --server http://quota.internal:8080   # Print usage served by a running instance
  quotaguard version                                     # Print the version`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"Path to the configuration file (.yml, .yaml or .json)")

	rootCmd.AddCommand(newServeCmd(opts), newUsageCmd(opts), newVersionCmd())
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().ExecuteContext(context.Background())
}
