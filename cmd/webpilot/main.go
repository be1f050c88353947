// webpilot is the autonomous browser test worker: it claims test jobs
// from a shared queue, drives a browser toward each job's goal, and
// persists an execution trace per run.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"

	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "webpilot",
	Short:         "Autonomous browser test execution worker",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the webpilot version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("webpilot", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "webpilot.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
