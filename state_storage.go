package raft

import (
	"io"
	"os"
	"path/filepath"

	"github.com/mvance/raftcore/internal/errors"
	"github.com/mvance/raftcore/internal/raftpb"
)

var errStateStorageNotOpen = errors.New("state storage is not open")

// StateStorage is the Durable Store component responsible for
// persisting (currentTerm, votedFor), per spec.md 4.1.
type StateStorage interface {
	Open() error
	Close() error

	// SetState atomically replaces the persisted term and vote. The
	// write is durable (fsynced and renamed into place) before this
	// call returns.
	SetState(term uint64, votedFor string) error

	// State returns the most recently persisted term and vote, or
	// (0, "", nil) if nothing has ever been persisted.
	State() (term uint64, votedFor string, err error)
}

// persistentStateStorage implements StateStorage with a single file
// that is fully rewritten on every update via temp-file-plus-rename,
// since the record is tiny and rewriting it whole is simpler and just
// as durable as an append log for a value this small.
type persistentStateStorage struct {
	path  string
	file  *os.File
	term  uint64
	voted string
}

// NewStateStorage creates a StateStorage that persists to
// <path>/state.bin.
func NewStateStorage(path string) StateStorage {
	return &persistentStateStorage{path: path}
}

func (p *persistentStateStorage) filePath() string {
	return filepath.Join(p.path, "state.bin")
}

func (p *persistentStateStorage) Open() error {
	file, err := os.OpenFile(p.filePath(), os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return StorageError{Op: "open state storage", Err: err}
	}
	p.file = file

	var pb raftpb.PersistentState
	if err := raftpb.ReadMessage(file, &pb); err != nil && err != io.EOF {
		return StorageError{Op: "read persisted state", Err: err}
	}
	p.term = pb.Term
	p.voted = pb.VotedFor
	return nil
}

func (p *persistentStateStorage) Close() error {
	if p.file == nil {
		return nil
	}
	if err := p.file.Close(); err != nil {
		return StorageError{Op: "close state storage", Err: err}
	}
	p.file = nil
	p.term = 0
	p.voted = ""
	return nil
}

func (p *persistentStateStorage) SetState(term uint64, votedFor string) error {
	if p.file == nil {
		return errStateStorageNotOpen
	}

	tmpFile, err := os.CreateTemp(p.path, "state-*.tmp")
	if err != nil {
		return StorageError{Op: "persist term and vote", Err: err}
	}
	if err := raftpb.WriteMessage(tmpFile, &raftpb.PersistentState{Term: term, VotedFor: votedFor}); err != nil {
		return StorageError{Op: "persist term and vote", Err: err}
	}
	if err := tmpFile.Sync(); err != nil {
		return StorageError{Op: "persist term and vote", Err: err}
	}
	if err := tmpFile.Close(); err != nil {
		return StorageError{Op: "persist term and vote", Err: err}
	}
	if err := p.file.Close(); err != nil {
		return StorageError{Op: "persist term and vote", Err: err}
	}
	if err := os.Rename(tmpFile.Name(), p.filePath()); err != nil {
		return StorageError{Op: "persist term and vote", Err: err}
	}

	file, err := os.OpenFile(p.filePath(), os.O_RDWR, 0o666)
	if err != nil {
		return StorageError{Op: "persist term and vote", Err: err}
	}
	p.file = file
	p.term = term
	p.voted = votedFor
	return nil
}

func (p *persistentStateStorage) State() (uint64, string, error) {
	if p.file == nil {
		return 0, "", errStateStorageNotOpen
	}
	return p.term, p.voted, nil
}
