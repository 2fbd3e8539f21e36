package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "diligencectl",
	Short: "Operate the due-diligence pipeline",
	Long: "diligencectl validates investment theses, runs a local in-memory pipeline\n" +
		"against a target and sends interventions to a running diligence service.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.AddCommand(thesisCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(interveneCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
