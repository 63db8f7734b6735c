// Command jobrunner is the controller process: it runs the sync loop
// and run loop as two independent goroutines against one BoltDB file,
// plus a small set of operator subcommands that mutate the same
// database directly.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensafely-core/job-runner/internal/config"
	"github.com/opensafely-core/job-runner/internal/log"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "jobrunner",
	Short: "opensafely job-runner controller",
	Long:  "jobrunner pulls JobRequests from the coordination server, expands them into Jobs, and drives each through the executor state machine.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		initLogging()
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging() {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON, Output: os.Stderr})
}
