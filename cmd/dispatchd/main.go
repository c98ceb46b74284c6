// dispatchd is the AI-agent dispatch and supervision orchestrator: it
// pulls ready tasks from the task store, classifies them, routes them to
// an agent pool, supervises worker processes, verifies their output, and
// watches the fleet for sustained failure so it can escalate or roll back.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:     "dispatchd",
	Short:   "AI-agent dispatch and supervision orchestrator",
	Version: version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("dispatchd version %s\ncommit: %s\nbuilt: %s\n", version, commit, date))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a dispatchd config file (YAML)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyLedgerCmd)
}
