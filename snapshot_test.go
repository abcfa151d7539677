package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStateMachine struct {
	state    []byte
	restored [][]byte
}

func (f *fakeStateMachine) Apply(operation *Operation) interface{} { return nil }

func (f *fakeStateMachine) Snapshot() ([]byte, error) {
	return f.state, nil
}

func (f *fakeStateMachine) Restore(snapshot []byte) error {
	f.restored = append(f.restored, snapshot)
	f.state = snapshot
	return nil
}

func (f *fakeStateMachine) NeedSnapshot(logSize int) bool { return false }

func newTestSnapshotManager(t *testing.T, fsm StateMachine) (*snapshotManager, Log, SnapshotStorage) {
	t.Helper()
	dir := t.TempDir()

	log := NewLog(dir)
	require.NoError(t, log.Open())
	require.NoError(t, log.Replay())
	require.NoError(t, log.AppendEntries([]*LogEntry{
		NewLogEntry(1, 1, nil, OperationEntry),
		NewLogEntry(2, 1, nil, OperationEntry),
		NewLogEntry(3, 2, nil, OperationEntry),
	}))

	storage := NewSnapshotStorage(dir)
	require.NoError(t, storage.Open())

	t.Cleanup(func() {
		log.Close()
		storage.Close()
	})

	return newSnapshotManager(storage, log, fsm, noopLogger{}), log, storage
}

func TestSnapshotCreateCompactsLog(t *testing.T) {
	fsm := &fakeStateMachine{state: []byte("hello")}
	mgr, log, _ := newTestSnapshotManager(t, fsm)

	require.NoError(t, mgr.Create(2, false))

	require.False(t, log.Contains(1))
	require.False(t, log.Contains(2))
	require.True(t, log.Contains(3))

	term, ok := log.TermAt(2)
	require.True(t, ok)
	require.Equal(t, uint64(1), term)
}

func TestSnapshotCreateRejectsOutOfRangeIndex(t *testing.T) {
	fsm := &fakeStateMachine{state: []byte("hello")}
	mgr, _, _ := newTestSnapshotManager(t, fsm)

	err := mgr.Create(0, false)
	require.Error(t, err)

	err = mgr.Create(100, false)
	require.Error(t, err)
}

func TestSnapshotCreateThenRestoreRoundTrips(t *testing.T) {
	fsm := &fakeStateMachine{state: []byte("payload")}
	mgr, _, _ := newTestSnapshotManager(t, fsm)

	require.NoError(t, mgr.Create(2, false))

	restoring := &fakeStateMachine{}
	mgr2 := newSnapshotManager(mgr.storage, mgr.log, restoring, noopLogger{})

	result, err := mgr2.Restore()
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, uint64(2), result.LastIncludedIndex)
	require.Equal(t, uint64(1), result.LastIncludedTerm)
	require.Equal(t, []byte("payload"), restoring.state)
}

func TestSnapshotCompressionRoundTrips(t *testing.T) {
	fsm := &fakeStateMachine{state: []byte("compressed payload")}
	mgr, _, _ := newTestSnapshotManager(t, fsm)

	require.NoError(t, mgr.Create(2, true))

	restoring := &fakeStateMachine{}
	mgr2 := newSnapshotManager(mgr.storage, mgr.log, restoring, noopLogger{})
	_, err := mgr2.Restore()
	require.NoError(t, err)
	require.Equal(t, []byte("compressed payload"), restoring.state)
}

func TestRestoreWithNoSnapshotReturnsNil(t *testing.T) {
	fsm := &fakeStateMachine{}
	mgr, _, _ := newTestSnapshotManager(t, fsm)

	result, err := mgr.Restore()
	require.NoError(t, err)
	require.Nil(t, result)
}

func TestLoadForPeerReturnsLatestSnapshot(t *testing.T) {
	fsm := &fakeStateMachine{state: []byte("for-peer")}
	mgr, _, _ := newTestSnapshotManager(t, fsm)
	require.NoError(t, mgr.Create(2, false))

	meta, _, err := mgr.LoadForPeer()
	require.NoError(t, err)
	require.Equal(t, uint64(2), meta.LastIncludedIndex)
}
