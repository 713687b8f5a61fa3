// Package cmd defines the CLI commands for the harvester executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "A polite, resumable profile activity harvester.",
		Long: `harvester retrieves profile and activity data for a list of targets
through authenticated browser sessions. It paces itself to stay under the
platform's anti-automation thresholds, checkpoints its progress per target,
and can be stopped and restarted without losing or duplicating work.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default uses built-in defaults and HARVESTER_* env)")

	cmd.AddCommand(newRunCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
