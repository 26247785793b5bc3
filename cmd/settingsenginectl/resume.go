package main

import "github.com/spf13/cobra"

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <remote-name>",
		Short: "Resume including a remembered remote in automatic sync passes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setSyncByDefault(cmd, args[0], true); err != nil {
				return err
			}

			cc := mustCLIContext(cmd.Context())

			return cc.Engine.OpenKnownRemoteDatabase(cmd.Context(), args[0])
		},
	}
}
