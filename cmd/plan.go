package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what apply would change, without mutating anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, doc, err := buildEngine(cmd)
		if err != nil {
			return err
		}

		plan, err := engine.Plan(cmd.Context(), doc)
		if err != nil {
			return err
		}

		if plan.Converged() {
			fmt.Fprintln(cmd.OutOrStdout(), "No changes. State is converged.")
			return nil
		}
		for _, op := range plan.Mutations() {
			fmt.Fprintln(cmd.OutOrStdout(), op.String())
		}
		for _, op := range plan.PendingDeletions {
			fmt.Fprintf(cmd.OutOrStdout(), "%s [requires --confirm-deletions]\n", op)
		}
		return nil
	},
}
