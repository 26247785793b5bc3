package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/settingsengine/internal/legacy"
	"github.com/tonimelisma/settingsengine/internal/syncengine"
)

func newResolveCmd() *cobra.Command {
	var allLocal, allRemote bool

	cmd := &cobra.Command{
		Use:   "resolve <remote-name>",
		Short: "Resolve pending conflicts against a remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			remoteName := args[0]

			conflicts := cc.Engine.PendingConflicts(remoteName)
			if len(conflicts) == 0 {
				fmt.Fprintf(os.Stdout, "no pending conflicts against %q\n", remoteName)
				return nil
			}

			for _, c := range conflicts {
				choices, err := chooseResolutions(cmd, c, allLocal, allRemote)
				if err != nil {
					return err
				}

				// This CLI has no built-in knowledge of any specific legacy
				// product's manifest; an empty manifest makes a legacy
				// product's adapter Push a no-op.
				if err := cc.Engine.Resolve(cmd.Context(), remoteName, c, choices, legacy.Manifest{}); err != nil {
					return fmt.Errorf("resolving %s %s: %w", c.Name, c.Version, err)
				}
			}

			cc.Statusf("resolved conflicts against %q\n", remoteName)

			return nil
		},
	}

	cmd.Flags().BoolVar(&allLocal, "all-local", false, "resolve every conflicting key in favor of the local value")
	cmd.Flags().BoolVar(&allRemote, "all-remote", false, "resolve every conflicting key in favor of the remote value")
	cmd.MarkFlagsMutuallyExclusive("all-local", "all-remote")

	return cmd
}

func chooseResolutions(cmd *cobra.Command, c syncengine.ConflictProduct, allLocal, allRemote bool) (map[string]syncengine.Resolution, error) {
	choices := make(map[string]syncengine.Resolution, len(c.Values))

	switch {
	case allLocal:
		for _, v := range c.Values {
			choices[v.Name] = syncengine.Local
		}

		return choices, nil
	case allRemote:
		for _, v := range c.Values {
			choices[v.Name] = syncengine.Remote
		}

		return choices, nil
	}

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return nil, fmt.Errorf("conflicts on %s %s require --all-local or --all-remote in a non-interactive session", c.Name, c.Version)
	}

	reader := bufio.NewReader(os.Stdin)

	for _, v := range c.Values {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s key %q: keep [l]ocal, [r]emote, or [s]kip? ", c.Name, c.Version, v.Name)

		line, _ := reader.ReadString('\n')

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "l", "local":
			choices[v.Name] = syncengine.Local
		case "r", "remote":
			choices[v.Name] = syncengine.Remote
		default:
			choices[v.Name] = syncengine.Skip
		}
	}

	return choices, nil
}
