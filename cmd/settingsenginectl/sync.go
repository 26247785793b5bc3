package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/settingsengine/internal/syncengine"
)

// errConflictsRemain signals main() to exit 1 (but still print normally)
// when a sync pass produced conflicts nobody resolved.
var errConflictsRemain = errors.New("conflicts remain unresolved")

func newSyncCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass against every remembered sync-by-default remote, or --watch to run continuously",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			remotes, err := cc.Engine.EnumDatabaseList(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing remembered remotes: %w", err)
			}

			for _, r := range remotes {
				if !r.SyncByDefault {
					continue
				}

				if err := cc.Engine.OpenKnownRemoteDatabase(cmd.Context(), r.FriendlyName); err != nil {
					cc.Statusf("warning: could not open remote %q: %v\n", r.FriendlyName, err)
				}
			}

			if watch {
				return runWatch(cmd, cc)
			}

			return runOneShotSync(cmd, cc)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "run continuously as a background-worker daemon until signaled")

	return cmd
}

func runOneShotSync(cmd *cobra.Command, cc *CLIContext) error {
	if err := cc.Engine.Sync(cmd.Context()); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	anyConflicts := false

	remotes, err := cc.Engine.EnumDatabaseList(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing remembered remotes: %w", err)
	}

	for _, r := range remotes {
		conflicts := cc.Engine.PendingConflicts(r.FriendlyName)
		if len(conflicts) == 0 {
			continue
		}

		anyConflicts = true

		printConflicts(os.Stdout, r.FriendlyName, conflicts)
	}

	if anyConflicts {
		return errConflictsRemain
	}

	cc.Statusf("sync complete, no conflicts\n")

	return nil
}

func printConflicts(w *os.File, remoteName string, conflicts []syncengine.ConflictProduct) {
	fmt.Fprintf(w, "Conflicts against %q:\n", remoteName)

	for _, c := range conflicts {
		fmt.Fprintf(w, "  %s %s %s\n", c.Name, c.Version, c.PublicKey)

		for _, v := range c.Values {
			fmt.Fprintf(w, "    %s: local=%d remote=%d history entries\n", v.Name, len(v.LocalHistory), len(v.RemoteHistory))
		}
	}
}

func runWatch(cmd *cobra.Command, cc *CLIContext) error {
	dataDir, err := defaultDataDir()
	if err != nil {
		return fmt.Errorf("resolving data directory: %w", err)
	}

	pidPath := filepath.Join(dataDir, "settingsenginectl.pid")

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	cc.Engine.StartWorker()
	defer cc.Engine.StopWorker()

	cc.Statusf("watching for changes, PID %d\n", os.Getpid())

	<-ctx.Done()

	return nil
}
