package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateStorageSetGet(t *testing.T) {
	dir := t.TempDir()
	storage := NewStateStorage(dir)
	require.NoError(t, storage.Open())

	require.NoError(t, storage.SetState(3, "node-1"))

	term, votedFor, err := storage.State()
	require.NoError(t, err)
	require.Equal(t, uint64(3), term)
	require.Equal(t, "node-1", votedFor)

	require.NoError(t, storage.Close())
}

func TestStateStoragePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	storage := NewStateStorage(dir)
	require.NoError(t, storage.Open())
	require.NoError(t, storage.SetState(7, "node-2"))
	require.NoError(t, storage.Close())

	reopened := NewStateStorage(dir)
	require.NoError(t, reopened.Open())
	defer reopened.Close()

	term, votedFor, err := reopened.State()
	require.NoError(t, err)
	require.Equal(t, uint64(7), term)
	require.Equal(t, "node-2", votedFor)
}

func TestStateStorageDefaultsToZeroValue(t *testing.T) {
	dir := t.TempDir()
	storage := NewStateStorage(dir)
	require.NoError(t, storage.Open())
	defer storage.Close()

	term, votedFor, err := storage.State()
	require.NoError(t, err)
	require.Equal(t, uint64(0), term)
	require.Equal(t, "", votedFor)
}
