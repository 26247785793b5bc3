package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show registered products and remembered remote databases",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			products, err := cc.Engine.EnumerateProducts(ctx)
			if err != nil {
				return fmt.Errorf("enumerating products: %w", err)
			}

			remotes, err := cc.Engine.EnumDatabaseList(ctx)
			if err != nil {
				return fmt.Errorf("enumerating remote databases: %w", err)
			}

			fmt.Fprintf(os.Stdout, "Endpoint: %s\n\n", cc.Engine.EndpointGUID())

			fmt.Fprintln(os.Stdout, "Products:")

			rows := make([][]string, len(products))
			for i, p := range products {
				legacy := "no"
				if p.IsLegacy {
					legacy = "yes"
				}

				registered := "no"
				if p.Registered {
					registered = "yes"
				}

				rows[i] = []string{p.Name, p.Version, registered, legacy}
			}

			printTable(os.Stdout, []string{"NAME", "VERSION", "REGISTERED", "LEGACY"}, rows)

			fmt.Fprintln(os.Stdout, "\nRemote databases:")

			rrows := make([][]string, len(remotes))
			for i, r := range remotes {
				syncDefault := "no"
				if r.SyncByDefault {
					syncDefault = "yes"
				}

				rrows[i] = []string{r.FriendlyName, r.Path, syncDefault}
			}

			printTable(os.Stdout, []string{"NAME", "PATH", "SYNC_BY_DEFAULT"}, rrows)

			return nil
		},
	}
}
