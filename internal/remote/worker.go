package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/settingsengine/internal/enginerr"
	"github.com/tonimelisma/settingsengine/internal/handle"
	"github.com/tonimelisma/settingsengine/internal/syncengine"
)

// safetyScanInterval is the fallback re-sync period that catches any
// change-stamp event fsnotify missed, mirroring the belt-and-suspenders
// periodic scan the rest of the pack uses alongside filesystem watches.
const safetyScanInterval = 5 * time.Minute

// failurePromoteThreshold is the number of consecutive failures against
// one remote before the worker's log level escalates from WARN to ERROR
// (spec §7: "two consecutive failures ... promote to ERROR but do not
// remove the remote from the watch set").
const failurePromoteThreshold = 2

const (
	reconnectInitialBackoff = 1 * time.Second
	reconnectMaxBackoff     = 30 * time.Second
	reconnectMaxAttempts    = 5
)

// FsWatcher abstracts filesystem event monitoring, satisfied by
// *fsnotify.Watcher; tests inject a fake.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWrapper struct{ w *fsnotify.Watcher }

func (fw *fsnotifyWrapper) Add(name string) error         { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Remove(name string) error      { return fw.w.Remove(name) }
func (fw *fsnotifyWrapper) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error          { return fw.w.Errors }

// Puller is the legacy adapter's pull entry point. ProductChanged feeds it
// before running sync, so filesystem/registry deltas become value writes
// first (spec §4.7).
type Puller interface {
	Pull(ctx context.Context, productName string) error
}

type watchEntry struct {
	remote *handle.Handle
	path   string
}

// Worker is the single long-lived background task a local handle owns
// (C7): a watch set of remembered remotes' change-stamp files, fed by
// fsnotify events, explicit product-changed/remote-changed signals, and a
// periodic safety timer. It implements handle.Worker.
type Worker struct {
	local  *handle.Handle
	logger *slog.Logger

	watcherFactory func() (FsWatcher, error)

	mu       sync.Mutex
	watching map[string]*watchEntry // friendly name -> entry
	failures map[string]int         // friendly name -> consecutive failure count

	legacy Puller

	productChanged chan string
	remoteChanged  chan string
	syncRequested  chan chan error

	stopCh chan struct{}
	doneCh chan struct{}

	lastConflictsMu sync.Mutex
	lastConflicts   map[string][]syncengine.ConflictProduct
}

// NewWorker constructs a Worker bound to local. Start must be called to
// begin the event loop.
func NewWorker(local *handle.Handle, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		local:  local,
		logger: logger,
		watcherFactory: func() (FsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}

			return &fsnotifyWrapper{w: w}, nil
		},
		watching:        make(map[string]*watchEntry),
		failures:        make(map[string]int),
		productChanged:  make(chan string, 16),
		remoteChanged:   make(chan string, 16),
		syncRequested:   make(chan chan error, 1),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
		lastConflicts:   make(map[string][]syncengine.ConflictProduct),
	}
}

// SetLegacyPuller wires the legacy adapter's pull path. Optional: a nil
// puller means ProductChanged only triggers a re-sync.
func (w *Worker) SetLegacyPuller(p Puller) { w.legacy = p }

// AddRemote adds a remote to the watch set under friendlyName, watching
// its change-stamp file (spec §4.7's "watch set of *.changes file paths").
func (w *Worker) AddRemote(friendlyName string, rh *handle.Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.watching[friendlyName] = &watchEntry{remote: rh, path: rh.ChangesStampPath}
	delete(w.failures, friendlyName)
}

// RemoveRemote deregisters friendlyName from the watch set. It does not
// close the remote handle; callers disconnect separately.
func (w *Worker) RemoveRemote(friendlyName string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.watching, friendlyName)
	delete(w.failures, friendlyName)

	w.lastConflictsMu.Lock()
	delete(w.lastConflicts, friendlyName)
	w.lastConflictsMu.Unlock()
}

// ProductChanged signals that productName's legacy-backed data may have
// changed on disk/registry; the next loop iteration pulls it before
// syncing (spec §4.7).
func (w *Worker) ProductChanged(productName string) {
	select {
	case w.productChanged <- productName:
	default:
		w.logger.Warn("product-changed queue full, dropping signal", slog.String("product", productName))
	}
}

// MarkRemoteChanged requests an out-of-band sync against friendlyName on
// the next loop iteration, without waiting for fsnotify.
func (w *Worker) MarkRemoteChanged(friendlyName string) {
	select {
	case w.remoteChanged <- friendlyName:
	default:
		w.logger.Warn("remote-changed queue full, dropping signal", slog.String("remote", friendlyName))
	}
}

// Sync runs sync_all_products against every watched remote immediately,
// on the caller's goroutine, and waits for the pass to complete. It works
// whether or not the event loop has been started. It returns every
// per-remote error combined (individual failures are still logged and do
// not stop the others; the returned error is advisory for callers that
// want to know a pass had trouble).
func (w *Worker) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return w.runPass(ctx, nil)
}

// PendingConflicts returns the conflicts the last sync pass against
// friendlyName produced, if any.
func (w *Worker) PendingConflicts(friendlyName string) []syncengine.ConflictProduct {
	w.lastConflictsMu.Lock()
	defer w.lastConflictsMu.Unlock()

	return w.lastConflicts[friendlyName]
}

// Start launches the event loop in a new goroutine. Safe to call once.
func (w *Worker) Start() {
	go w.loop()
}

// Stop signals the loop to exit and waits for it to finish (spec §4.7:
// "the worker observes a cancellation flag between events").
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) loop() {
	defer close(w.doneCh)

	watcher, err := w.watcherFactory()
	if err != nil {
		w.logger.Error("background worker: creating filesystem watcher", slog.String("error", err.Error()))
		return
	}
	defer watcher.Close()

	w.syncWatcherPaths(watcher)

	timer := time.NewTimer(safetyScanInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.stopCh:
			return

		case <-watcher.Events():
			w.syncWatcherPaths(watcher)
			w.runPass(context.Background(), nil)

		case werr := <-watcher.Errors():
			w.logger.Warn("background worker: filesystem watcher error", slog.String("error", werr.Error()))

		case name := <-w.productChanged:
			ctx := context.Background()

			if w.legacy != nil {
				if err := w.legacy.Pull(ctx, name); err != nil {
					w.logger.Warn("background worker: legacy pull failed", slog.String("product", name), slog.String("error", err.Error()))
				}
			}

			w.runPass(ctx, nil)

		case friendlyName := <-w.remoteChanged:
			w.runPass(context.Background(), &friendlyName)

		case reply := <-w.syncRequested:
			reply <- w.runPass(context.Background(), nil)

		case <-timer.C:
			w.runPass(context.Background(), nil)
			timer.Reset(safetyScanInterval)
		}
	}
}

// syncWatcherPaths reconciles the fsnotify watch list with the current
// watch set, adding any change-stamp paths not yet watched. Missing
// remotes (never removed through RemoveRemote) are left for the next
// safety scan to catch.
func (w *Worker) syncWatcherPaths(watcher FsWatcher) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, entry := range w.watching {
		if err := watcher.Add(entry.path); err != nil {
			w.logger.Warn("background worker: failed to watch change stamp", slog.String("path", entry.path), slog.String("error", err.Error()))
		}
	}
}

// runPass runs sync_all_products against every watched remote (or just
// `only`, if non-nil), fanning out concurrently and aggregating
// per-remote errors without letting one remote's failure stop the others
// (spec §7's catch-and-continue, §4.7's worker loop).
func (w *Worker) runPass(ctx context.Context, only *string) error {
	w.mu.Lock()
	entries := make(map[string]*watchEntry, len(w.watching))

	for name, e := range w.watching {
		if only != nil && name != *only {
			continue
		}

		entries[name] = e
	}
	w.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	var aggMu sync.Mutex

	var agg error

	for name, entry := range entries {
		name, entry := name, entry

		g.Go(func() error {
			err := w.syncOneRemote(gctx, name, entry.remote)

			aggMu.Lock()
			agg = multierr.Append(agg, err)
			aggMu.Unlock()

			return nil // never fail the group; each remote is independent
		})
	}

	_ = g.Wait()

	return agg
}

// syncOneRemote runs one remote through the sync engine, reopening it
// with backoff if it is currently disconnected. A failure is logged and
// returned; the caller's pass keeps going with the other remotes.
func (w *Worker) syncOneRemote(ctx context.Context, friendlyName string, rh *handle.Handle) error {
	if rh.SceDb == nil {
		if err := w.reconnect(ctx, rh); err != nil {
			w.recordFailure(friendlyName, err)
			return fmt.Errorf("remote %q: %w", friendlyName, err)
		}
	}

	conflicts, err := syncengine.Sync(ctx, w.local, rh)
	if err != nil {
		w.recordFailure(friendlyName, err)
		return fmt.Errorf("remote %q: %w", friendlyName, err)
	}

	w.mu.Lock()
	delete(w.failures, friendlyName)
	w.mu.Unlock()

	w.lastConflictsMu.Lock()
	w.lastConflicts[friendlyName] = conflicts
	w.lastConflictsMu.Unlock()

	return nil
}

// reconnect reopens a remote handle whose connection was closed (spec
// §4.5's "on outer release ... if remote, close SceDb"), retrying with
// exponential backoff while the remote reports NotConnected.
func (w *Worker) reconnect(ctx context.Context, rh *handle.Handle) error {
	b, err := retry.NewExponential(reconnectInitialBackoff)
	if err != nil {
		return err
	}

	b = retry.WithMaxRetries(reconnectMaxAttempts, retry.WithCappedDuration(reconnectMaxBackoff, b))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := rh.Lock(ctx)
		if err != nil {
			if kind, ok := enginerr.Of(err); ok && kind == enginerr.NotConnected {
				return retry.RetryableError(err)
			}

			return err
		}

		return rh.Unlock()
	})
}

func (w *Worker) recordFailure(friendlyName string, err error) {
	w.mu.Lock()
	w.failures[friendlyName]++
	count := w.failures[friendlyName]
	w.mu.Unlock()

	if count >= failurePromoteThreshold {
		w.logger.Error("background worker: remote sync failed repeatedly, still watching",
			slog.String("remote", friendlyName), slog.Int("consecutive_failures", count), slog.String("error", err.Error()))

		return
	}

	w.logger.Warn("background worker: remote sync failed",
		slog.String("remote", friendlyName), slog.String("error", err.Error()))
}
