// Package cmd implements the deploytrust CLI.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	flagFile    string
	flagState   string
	flagVerbose bool

	logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
	})
)

var rootCmd = &cobra.Command{
	Use:   "deploytrust",
	Short: "Federated deploy-pipeline trust for Google Cloud",
	Long: `deploytrust manages the trust chain a CI deploy pipeline runs on:
workload identity pools and providers, service principals, least-privilege
role bindings, impersonation grants, and the registry and cluster the
pipeline targets. State is declared in a YAML document and reconciled
against the live project.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagVerbose {
			logger.SetLevel(log.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagFile, "file", "f", "deploytrust.yaml", "desired-state document")
	rootCmd.PersistentFlags().StringVar(&flagState, "state", ".deploytrust.state.json", "ownership state file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(applyCmd, planCmd, outputsCmd, serveCmd, versionCmd)
}

// Execute runs the CLI with signal-aware cancellation.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}
