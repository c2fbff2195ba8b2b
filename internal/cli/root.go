// Package cli implements the offcache command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

const (
	ExitSuccess      = 0
	ExitRuntimeError = 1
)

const configEnv = "OFFCACHE_CONFIG"

var flagConfig string

var rootCmd = &cobra.Command{
	Use:           "offcache",
	Short:         "Offline-first caching proxy",
	Long:          "offcache fronts an origin with per-class offline cache strategies, a durable mutation replay queue and a binary asset cache.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print offcache version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "offcache version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", getenvDefault(configEnv, "/offcache.yaml"), "path to offcache.yaml")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(prefetchCmd)
	rootCmd.AddCommand(versionCmd)
}

// Run executes the root command and returns an exit code.
func Run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "offcache: %v\n", err)
		return ExitRuntimeError
	}
	return ExitSuccess
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
