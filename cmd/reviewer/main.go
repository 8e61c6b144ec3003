package main

import (
	"os"

	"github.com/spf13/cobra"
)

var verbose bool

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reviewer",
		Short: "Pull request review orchestration",
		Long: `reviewer watches GitHub repositories for new pull requests and runs
review sessions: an AI agent collects candidate issues, you choose which
ones to publish as comments, and skipped issues teach the review guidelines.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(prsCmd())
	rootCmd.AddCommand(guidelinesCmd())
	rootCmd.AddCommand(skillsCmd())
	rootCmd.AddCommand(harnessCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}
