package handle

import (
	"fmt"
	"os"
	"time"
)

// changeStampRetryDelay is the sleep between rewrite attempts when the
// filesystem's mtime resolution is too coarse to distinguish the old stamp
// from the new one (spec §4.5).
const changeStampRetryDelay = 100 * time.Millisecond

// changeStampMaxAttempts bounds the spin so a pathological filesystem
// (mtime frozen, clock stopped) cannot hang a release forever.
const changeStampMaxAttempts = 50

// touchChangeStamp rewrites the sibling ".changes" file so its mtime
// advances, retrying until a freshly observed mtime differs from the one
// recorded before the first write (CompareFileTime(old, new) != 0). Peer
// background workers (C7) treat any mtime change on this file as "there is
// new content to sync".
func touchChangeStamp(path string) error {
	before, err := statMtime(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("handle: statting change stamp %s: %w", path, err)
	}

	for attempt := 0; attempt < changeStampMaxAttempts; attempt++ {
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			return fmt.Errorf("handle: writing change stamp %s: %w", path, err)
		}

		after, err := statMtime(path)
		if err != nil {
			return fmt.Errorf("handle: statting change stamp %s: %w", path, err)
		}

		if !after.Equal(before) {
			return nil
		}

		time.Sleep(changeStampRetryDelay)
	}

	return nil
}

func statMtime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}

	return info.ModTime(), nil
}
