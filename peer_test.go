package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerRecordAppendEntriesSuccessAdvancesIndices(t *testing.T) {
	p := newPeer("peer-1", "localhost:9001")
	p.nextIndex = 1

	p.recordAppendEntriesSuccess(0, 3)

	require.Equal(t, uint64(3), p.matchIndex)
	require.Equal(t, uint64(4), p.nextIndex)
}

func TestPeerRecordAppendEntriesRejectionDecrementsWithoutHint(t *testing.T) {
	p := newPeer("peer-1", "localhost:9001")
	p.nextIndex = 5

	p.recordAppendEntriesRejection(AppendResult{})

	require.Equal(t, uint64(4), p.nextIndex)
}

func TestPeerRecordAppendEntriesRejectionJumpsToConflictIndex(t *testing.T) {
	p := newPeer("peer-1", "localhost:9001")
	p.nextIndex = 10

	p.recordAppendEntriesRejection(AppendResult{ConflictIndex: 3, ConflictTerm: 2})

	require.Equal(t, uint64(3), p.nextIndex)
}

func TestPeerNeedsSnapshotWhenBehindCompaction(t *testing.T) {
	p := newPeer("peer-1", "localhost:9001")
	p.nextIndex = 5

	require.True(t, p.needsSnapshot(5))
	require.True(t, p.needsSnapshot(10))
	require.False(t, p.needsSnapshot(4))
}

func TestPeerSnapshotTransferChunking(t *testing.T) {
	p := newPeer("peer-1", "localhost:9001")
	meta := SnapshotMetadata{LastIncludedIndex: 7, LastIncludedTerm: 2}
	p.beginSnapshotTransfer(meta, []byte("0123456789"))

	chunk, done := p.nextSnapshotChunk(4)
	require.Equal(t, []byte("0123"), chunk)
	require.False(t, done)
	p.recordSnapshotProgress(4)

	chunk, done = p.nextSnapshotChunk(4)
	require.Equal(t, []byte("4567"), chunk)
	require.False(t, done)
	p.recordSnapshotProgress(8)

	chunk, done = p.nextSnapshotChunk(4)
	require.Equal(t, []byte("89"), chunk)
	require.True(t, done)
	p.recordSnapshotProgress(10)

	p.completeSnapshotTransfer()
	require.Equal(t, uint64(8), p.nextIndex)
	require.Equal(t, uint64(7), p.matchIndex)
	require.Nil(t, p.snapshotData)
}
