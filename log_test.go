package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openLog(t *testing.T) Log {
	t.Helper()
	log := NewLog(t.TempDir())
	require.NoError(t, log.Open())
	require.NoError(t, log.Replay())
	t.Cleanup(func() { require.NoError(t, log.Close()) })
	return log
}

func TestLogAppendAndGetEntry(t *testing.T) {
	log := openLog(t)

	require.NoError(t, log.AppendEntry(NewLogEntry(1, 1, []byte("a"), OperationEntry)))
	require.NoError(t, log.AppendEntry(NewLogEntry(2, 1, []byte("b"), OperationEntry)))

	entry, err := log.GetEntry(2)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), entry.Data)
	require.Equal(t, uint64(2), log.LastIndex())
	require.Equal(t, uint64(1), log.LastTerm())
	require.Equal(t, 2, log.Size())
}

func TestLogRoundTripsThroughReplay(t *testing.T) {
	dir := t.TempDir()

	log := NewLog(dir)
	require.NoError(t, log.Open())
	require.NoError(t, log.Replay())
	require.NoError(t, log.AppendEntries([]*LogEntry{
		NewLogEntry(1, 1, []byte("a"), OperationEntry),
		NewLogEntry(2, 1, []byte("b"), OperationEntry),
		NewLogEntry(3, 2, []byte("c"), OperationEntry),
	}))
	require.NoError(t, log.Close())

	reopened := NewLog(dir)
	require.NoError(t, reopened.Open())
	require.NoError(t, reopened.Replay())
	defer reopened.Close()

	require.Equal(t, uint64(3), reopened.LastIndex())
	require.Equal(t, uint64(2), reopened.LastTerm())
	entry, err := reopened.GetEntry(2)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), entry.Data)
}

func TestAppendFromLeaderAcceptsMatchingPrefix(t *testing.T) {
	log := openLog(t)
	require.NoError(t, log.AppendEntry(NewLogEntry(1, 1, nil, OperationEntry)))

	result, err := log.AppendFromLeader(1, 1, []*LogEntry{
		NewLogEntry(2, 1, []byte("x"), OperationEntry),
	})
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.Equal(t, uint64(2), result.LastNewIndex)
	require.Equal(t, uint64(2), log.LastIndex())
}

func TestAppendFromLeaderRejectsOnMissingPrevEntry(t *testing.T) {
	log := openLog(t)
	require.NoError(t, log.AppendEntry(NewLogEntry(1, 1, nil, OperationEntry)))

	result, err := log.AppendFromLeader(5, 1, nil)
	require.NoError(t, err)
	require.False(t, result.Accepted)
	require.Equal(t, log.NextIndex(), result.ConflictIndex)
}

func TestAppendFromLeaderTruncatesConflictingSuffix(t *testing.T) {
	log := openLog(t)
	require.NoError(t, log.AppendEntries([]*LogEntry{
		NewLogEntry(1, 1, nil, OperationEntry),
		NewLogEntry(2, 1, []byte("stale"), OperationEntry),
		NewLogEntry(3, 1, []byte("stale2"), OperationEntry),
	}))

	result, err := log.AppendFromLeader(1, 1, []*LogEntry{
		NewLogEntry(2, 2, []byte("fresh"), OperationEntry),
	})
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.Equal(t, uint64(2), log.LastIndex())

	entry, err := log.GetEntry(2)
	require.NoError(t, err)
	require.Equal(t, []byte("fresh"), entry.Data)
}

func TestAppendFromLeaderFastBacksUpByTerm(t *testing.T) {
	log := openLog(t)
	require.NoError(t, log.AppendEntries([]*LogEntry{
		NewLogEntry(1, 1, nil, OperationEntry),
		NewLogEntry(2, 2, nil, OperationEntry),
		NewLogEntry(3, 2, nil, OperationEntry),
		NewLogEntry(4, 2, nil, OperationEntry),
	}))

	result, err := log.AppendFromLeader(4, 3, nil)
	require.NoError(t, err)
	require.False(t, result.Accepted)
	require.Equal(t, uint64(2), result.ConflictIndex)
	require.Equal(t, uint64(2), result.ConflictTerm)
}

func TestTruncatePrefixLeavesBoundaryPlaceholder(t *testing.T) {
	log := openLog(t)
	require.NoError(t, log.AppendEntries([]*LogEntry{
		NewLogEntry(1, 1, []byte("a"), OperationEntry),
		NewLogEntry(2, 1, []byte("b"), OperationEntry),
		NewLogEntry(3, 2, []byte("c"), OperationEntry),
	}))

	require.NoError(t, log.TruncatePrefix(2))

	require.False(t, log.Contains(1))
	require.False(t, log.Contains(2))
	require.True(t, log.Contains(3))

	term, ok := log.TermAt(2)
	require.True(t, ok)
	require.Equal(t, uint64(1), term)

	entry, err := log.GetEntry(3)
	require.NoError(t, err)
	require.Equal(t, []byte("c"), entry.Data)
}

func TestTruncatePrefixIsNoOpPastLastIndex(t *testing.T) {
	log := openLog(t)
	require.NoError(t, log.AppendEntry(NewLogEntry(1, 1, nil, OperationEntry)))

	require.NoError(t, log.TruncatePrefix(10))
	require.Equal(t, uint64(1), log.LastIndex())
}

func TestDiscardEntriesReplacesWholeLog(t *testing.T) {
	log := openLog(t)
	require.NoError(t, log.AppendEntries([]*LogEntry{
		NewLogEntry(1, 1, nil, OperationEntry),
		NewLogEntry(2, 1, nil, OperationEntry),
	}))

	require.NoError(t, log.DiscardEntries(10, 5))

	require.Equal(t, uint64(10), log.LastIndex())
	require.Equal(t, uint64(5), log.LastTerm())
	require.Equal(t, 0, log.Size())
	require.False(t, log.Contains(10))
}
