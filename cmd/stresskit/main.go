//go:build linux

// Command stresskit is a process-isolated system stress harness: it
// spawns each stressor instance in its own worker process, tracks
// progress through a shared memory arena and cleans up whatever a dead
// worker leaves behind.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stresskit/stresskit/stressor"
	"github.com/stresskit/stresskit/worker"
)

// Version is stamped by the build.
var Version = "dev"

var (
	logLevel string
	log      = logrus.NewEntry(logrus.StandardLogger())
)

var rootCmd = &cobra.Command{
	Use:           "stresskit",
	Short:         "process-isolated system stress harness",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		lvl, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("bad log level %q: %w", logLevel, err)
		}
		logrus.SetLevel(lvl)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list available stressors",
	Run: func(cmd *cobra.Command, args []string) {
		for _, info := range stressor.All() {
			fmt.Printf("%-10s %-10s %s\n", info.Name, info.Class, info.Help)
			for _, tn := range info.Tunables {
				fmt.Printf("    %-24s default %-12d %s\n", tn.Name, tn.Default, tn.Help)
			}
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("stresskit", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd, listCmd, versionCmd)
}

func main() {
	// a spawned copy of this binary never comes back from Init
	worker.Init()

	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
