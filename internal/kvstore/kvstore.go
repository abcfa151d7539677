// Package kvstore is a minimal StateMachine implementation used by
// cmd/raftnode, demonstrating what an application built on the raft
// package looks like. It is not part of the consensus core.
package kvstore

import (
	"encoding/json"
	"sync"

	raft "github.com/mvance/raftcore"
)

// Command is the opaque payload raft.Operation.Bytes decodes
// into. The core never inspects command bytes; encoding is entirely
// an application concern.
type Command struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

const (
	OpSet    = "set"
	OpDelete = "delete"
)

// Result is returned from Apply for a Set or Delete command.
type Result struct {
	Err error
}

// Store is a concurrent-safe in-memory key-value store.
type Store struct {
	mu                sync.RWMutex
	data              map[string]string
	snapshotThreshold int
}

// New creates a Store that requests a new snapshot once the log
// holds at least snapshotThreshold entries.
func New(snapshotThreshold int) *Store {
	return &Store{
		data:              make(map[string]string),
		snapshotThreshold: snapshotThreshold,
	}
}

// Get reads a key directly, bypassing the replicated log. Callers
// that need linearizable reads should instead submit a
// raft.LinearizableReadOnly operation.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	return value, ok
}

// Apply implements raft.StateMachine.
func (s *Store) Apply(operation *raft.Operation) interface{} {
	var cmd Command
	if err := json.Unmarshal(operation.Bytes, &cmd); err != nil {
		return Result{Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Op {
	case OpSet:
		s.data[cmd.Key] = cmd.Value
	case OpDelete:
		delete(s.data, cmd.Key)
	}
	return Result{}
}

type snapshotState struct {
	Data map[string]string `json:"data"`
}

// Snapshot implements raft.StateMachine.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := make(map[string]string, len(s.data))
	for k, v := range s.data {
		copied[k] = v
	}
	return json.Marshal(snapshotState{Data: copied})
}

// Restore implements raft.StateMachine.
func (s *Store) Restore(snapshot []byte) error {
	var state snapshotState
	if err := json.Unmarshal(snapshot, &state); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = state.Data
	if s.data == nil {
		s.data = make(map[string]string)
	}
	return nil
}

// NeedSnapshot implements raft.StateMachine.
func (s *Store) NeedSnapshot(logSize int) bool {
	return logSize >= s.snapshotThreshold
}
