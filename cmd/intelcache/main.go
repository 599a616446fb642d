// Command intelcache runs the market-intelligence cache as an HTTP service
// or answers one-off queries against the local cache.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	pretty     bool
	logLevel   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "intelcache",
		Short:         "Cached, breaker-protected market intelligence per topic",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	root.PersistentFlags().BoolVar(&pretty, "pretty", false, "human-readable console logging")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(newServeCmd(), newGetCmd(), newBatchCmd(), newStatsCmd(), newClearCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
