package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts <remote-name>",
		Short: "List conflicts from the most recent sync pass against a remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			conflicts := cc.Engine.PendingConflicts(args[0])
			if len(conflicts) == 0 {
				fmt.Fprintf(os.Stdout, "no pending conflicts against %q\n", args[0])
				return nil
			}

			printConflicts(os.Stdout, args[0], conflicts)

			return nil
		},
	}
}
