package remote

import (
	"context"
	"database/sql"
	stdsync "sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/settingsengine/internal/handle"
	"github.com/tonimelisma/settingsengine/internal/value"
	"github.com/tonimelisma/settingsengine/pkg/filetime"
)

// mockFsWatcher implements FsWatcher with injectable channels, matching
// the pattern used elsewhere in the pack for testing watch loops without
// a real filesystem watcher.
type mockFsWatcher struct {
	events   chan fsnotify.Event
	errs     chan error
	closeOne stdsync.Once
}

func newMockFsWatcher() *mockFsWatcher {
	return &mockFsWatcher{
		events: make(chan fsnotify.Event, 10),
		errs:   make(chan error, 10),
	}
}

func (m *mockFsWatcher) Add(string) error              { return nil }
func (m *mockFsWatcher) Remove(string) error           { return nil }
func (m *mockFsWatcher) Events() <-chan fsnotify.Event { return m.events }
func (m *mockFsWatcher) Errors() <-chan error          { return m.errs }

func (m *mockFsWatcher) Close() error {
	m.closeOne.Do(func() { close(m.events); close(m.errs) })
	return nil
}

func openTestHandle(t *testing.T, isRemote bool) *handle.Handle {
	t.Helper()

	h, err := handle.Open(context.Background(), t.TempDir(), handle.Options{IsRemote: isRemote})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	return h
}

func newTestWorker(t *testing.T, local *handle.Handle) (*Worker, *mockFsWatcher) {
	t.Helper()

	w := NewWorker(local, nil)

	mock := newMockFsWatcher()
	w.watcherFactory = func() (FsWatcher, error) { return mock, nil }

	w.Start()
	t.Cleanup(w.Stop)

	return w, mock
}

func writeValue(t *testing.T, h *handle.Handle, name string, v value.Value) {
	t.Helper()

	err := h.WithTx(context.Background(), func(tx *sql.Tx) error {
		return h.Values.Write(context.Background(), tx, h.CfgAppId, name, v, true)
	})
	require.NoError(t, err)
}

func TestWorker_SyncConvergesAgainstWatchedRemote(t *testing.T) {
	local := openTestHandle(t, false)
	remote := openTestHandle(t, true)

	writeValue(t, local, "k", value.Dword(7, local.EndpointGuid, filetime.Ticks(100)))

	w, _ := newTestWorker(t, local)
	w.AddRemote("peer", remote)

	require.NoError(t, w.Sync(context.Background()))

	// A remote handle's store connection is open only while it is locked.
	require.NoError(t, remote.Lock(context.Background()))
	defer remote.Unlock()

	got, err := remote.Values.Read(context.Background(), remote.CfgAppId, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.Dword)
}

func TestWorker_FsnotifyEventTriggersSync(t *testing.T) {
	local := openTestHandle(t, false)
	remote := openTestHandle(t, true)

	writeValue(t, local, "k", value.Dword(9, local.EndpointGuid, filetime.Ticks(100)))

	w, mock := newTestWorker(t, local)
	w.AddRemote("peer", remote)

	mock.events <- fsnotify.Event{Name: remote.ChangesStampPath, Op: fsnotify.Write}

	require.Eventually(t, func() bool {
		if remote.Lock(context.Background()) != nil {
			return false
		}
		defer remote.Unlock()

		got, err := remote.Values.Read(context.Background(), remote.CfgAppId, "k")
		return err == nil && got.Dword == 9
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_MarkRemoteChangedTriggersSyncForOneRemote(t *testing.T) {
	local := openTestHandle(t, false)
	remoteA := openTestHandle(t, true)
	remoteB := openTestHandle(t, true)

	writeValue(t, local, "k", value.Dword(3, local.EndpointGuid, filetime.Ticks(100)))

	w, _ := newTestWorker(t, local)
	w.AddRemote("a", remoteA)
	w.AddRemote("b", remoteB)

	w.MarkRemoteChanged("a")

	require.Eventually(t, func() bool {
		if remoteA.Lock(context.Background()) != nil {
			return false
		}
		defer remoteA.Unlock()

		got, err := remoteA.Values.Read(context.Background(), remoteA.CfgAppId, "k")
		return err == nil && got.Dword == 3
	}, 2*time.Second, 10*time.Millisecond)

	_, err := remoteB.Values.Read(context.Background(), remoteB.CfgAppId, "k")
	assert.Error(t, err, "remote b was not targeted by MarkRemoteChanged")
}

func TestWorker_RemoveRemoteClearsConflictsAndWatchSet(t *testing.T) {
	local := openTestHandle(t, false)
	remote := openTestHandle(t, true)

	w, _ := newTestWorker(t, local)
	w.AddRemote("peer", remote)
	w.RemoveRemote("peer")

	assert.Empty(t, w.PendingConflicts("peer"))

	require.NoError(t, w.Sync(context.Background()))
}

type stubPuller struct {
	called chan string
}

func (s *stubPuller) Pull(_ context.Context, productName string) error {
	s.called <- productName
	return nil
}

func TestWorker_ProductChangedInvokesLegacyPuller(t *testing.T) {
	local := openTestHandle(t, false)

	w, _ := newTestWorker(t, local)

	puller := &stubPuller{called: make(chan string, 1)}
	w.SetLegacyPuller(puller)

	w.ProductChanged("MyLegacyApp")

	select {
	case name := <-puller.called:
		assert.Equal(t, "MyLegacyApp", name)
	case <-time.After(2 * time.Second):
		t.Fatal("legacy puller was not invoked")
	}
}
