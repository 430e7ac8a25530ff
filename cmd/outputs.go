package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jokeworks/deploytrust/pkg/providers/gcp"
	"github.com/jokeworks/deploytrust/pkg/reconcile"
	"github.com/jokeworks/deploytrust/pkg/trust"
)

var outputsCmd = &cobra.Command{
	Use:   "outputs",
	Short: "Print the identifiers CI configuration needs",
	Long: `outputs renders the values a pipeline has to know: the full provider
resource names assertions are exchanged against, the service principal
emails, the registry address, and the cluster coordinates. Nothing here
talks to the cloud; everything derives from the document.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := reconcile.LoadDocument(flagFile)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		for _, p := range doc.Providers() {
			fmt.Fprintf(out, "provider %s:\n  %s\n", p.Name(),
				gcp.ProviderName(doc.Project.Number, p.Pool, p.ID))
		}
		for _, sp := range doc.ServicePrincipals {
			fmt.Fprintf(out, "service principal %s:\n  %s\n", sp.AccountID,
				gcp.ServiceAccountEmail(sp.AccountID, doc.Project.ID))
		}
		for _, r := range doc.Resources {
			switch r.Kind {
			case trust.ResourceRepository:
				fmt.Fprintf(out, "registry %s:\n  %s\n", r.Name,
					gcp.RegistryAddress(doc.Project.ID, r.Location, r.Name))
			case trust.ResourceCluster:
				fmt.Fprintf(out, "cluster %s:\n  location %s\n", r.Name, r.Location)
			}
		}
		return nil
	},
}
