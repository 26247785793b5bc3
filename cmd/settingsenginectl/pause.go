package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <remote-name>",
		Short: "Stop including a remembered remote in automatic sync passes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setSyncByDefault(cmd, args[0], false)
		},
	}
}

func setSyncByDefault(cmd *cobra.Command, friendlyName string, enabled bool) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	remotes, err := cc.Engine.EnumDatabaseList(ctx)
	if err != nil {
		return fmt.Errorf("listing remembered remotes: %w", err)
	}

	for _, r := range remotes {
		if r.FriendlyName != friendlyName {
			continue
		}

		if err := cc.Engine.RememberRemoteDatabase(ctx, friendlyName, r.Path, enabled); err != nil {
			return err
		}

		if !enabled {
			if err := cc.Engine.RemoteDisconnect(friendlyName); err != nil {
				return err
			}
		}

		cc.Statusf("remote %q sync_by_default=%v\n", friendlyName, enabled)

		return nil
	}

	return fmt.Errorf("no remembered remote named %q", friendlyName)
}
