package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jokeworks/deploytrust/pkg/providers/gcp"
	"github.com/jokeworks/deploytrust/pkg/reconcile"
)

var (
	flagDryRun           bool
	flagConfirmDeletions bool
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Reconcile the document against live cloud state",
	Long: `apply fetches the current state of everything the document declares
(and everything a previous apply created), computes the difference, and
converges it in dependency order. Applying a converged document changes
nothing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, doc, err := buildEngine(cmd)
		if err != nil {
			return err
		}

		report, applyErr := engine.Apply(cmd.Context(), doc, reconcile.ApplyOptions{
			DryRun:           flagDryRun,
			ConfirmDeletions: flagConfirmDeletions,
		})
		if report != nil {
			for _, line := range report.Lines() {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.Summary())
		}
		return applyErr
	},
}

func init() {
	applyCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "plan only, mutate nothing")
	applyCmd.Flags().BoolVar(&flagConfirmDeletions, "confirm-deletions", false, "delete owned pools, principals, and resources that left the document")
}

// buildEngine loads the document and state file and wires a live engine.
func buildEngine(cmd *cobra.Command) (*reconcile.Engine, *reconcile.Document, error) {
	doc, err := reconcile.LoadDocument(flagFile)
	if err != nil {
		return nil, nil, err
	}

	state, err := reconcile.LoadStateFile(flagState)
	if err != nil {
		return nil, nil, err
	}

	cloud, err := gcp.NewLiveState(cmd.Context(), gcp.Config{
		ProjectID:     doc.Project.ID,
		ProjectNumber: doc.Project.Number,
	})
	if err != nil {
		return nil, nil, err
	}

	return reconcile.NewEngine(cloud, state, logger), doc, nil
}
