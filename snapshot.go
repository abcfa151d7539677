package raft

import (
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/mvance/raftcore/internal/raftpb"
)

// snapshotManager implements the Snapshot Manager component described
// in spec.md 4.3: it serializes the application state machine,
// optionally compresses it, writes the blob and metadata durably, and
// instructs the log to truncate the prefix the snapshot supersedes.
type snapshotManager struct {
	storage SnapshotStorage
	log     Log
	fsm     StateMachine
	logger  Logger
}

func newSnapshotManager(storage SnapshotStorage, log Log, fsm StateMachine, logger Logger) *snapshotManager {
	return &snapshotManager{storage: storage, log: log, fsm: fsm, logger: logger}
}

// Create takes a snapshot through lastIncludedIndex (inclusive) and
// compacts the log prefix it covers. The caller must hold whatever
// lock protects log/fsm access for the duration of the fsm.Snapshot()
// call, or release it first if that call may be slow - Raft releases
// its mutex around this call.
func (m *snapshotManager) Create(lastIncludedIndex uint64, compress bool) error {
	lastLogIndex := m.log.LastIndex()
	if lastIncludedIndex < 1 || lastIncludedIndex > lastLogIndex {
		return InvalidSnapshotIndexError{Requested: lastIncludedIndex, LastIndex: lastLogIndex}
	}

	lastIncludedTerm, ok := m.log.TermAt(lastIncludedIndex)
	if !ok {
		return ConsistencyError{Reason: "snapshot index has no corresponding log term"}
	}

	data, err := m.fsm.Snapshot()
	if err != nil {
		return err
	}

	createdAt := time.Now()
	pb := &raftpb.Snapshot{
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		Data:              data,
		Compressed:        compress,
		CreatedAtUnixNano: createdAt.UnixNano(),
	}
	encoded, err := proto.Marshal(pb)
	if err != nil {
		return err
	}

	// The blob must be durable before metadata is written, so a crash
	// between the two leaves the old metadata pointing at the old,
	// still-intact blob (spec.md 4.3's failure semantics).
	if err := m.storage.WriteSnapshotBlob(lastIncludedIndex, encoded, compress); err != nil {
		return err
	}
	if err := m.storage.SaveSnapshotMetadata(SnapshotMetadata{
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		CreatedAt:         createdAt,
	}); err != nil {
		return err
	}

	m.logger.Warnf("compacting log: throughIndex = %d", lastIncludedIndex)
	return m.log.TruncatePrefix(lastIncludedIndex)
}

// restoredSnapshot is what Restore hands back to the caller so it can
// update its own commitIndex/lastApplied bookkeeping.
type restoredSnapshot struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
}

// Restore loads the latest snapshot, if any, and applies it to the
// state machine. Returns nil, nil if no snapshot has ever been taken.
func (m *snapshotManager) Restore() (*restoredSnapshot, error) {
	meta, err := m.storage.LoadSnapshotMetadata()
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	encoded, err := m.storage.ReadSnapshotBlob(meta.LastIncludedIndex)
	if err != nil {
		return nil, err
	}

	var pb raftpb.Snapshot
	if err := proto.Unmarshal(encoded, &pb); err != nil {
		// A half-written or corrupted blob is treated as no snapshot,
		// per spec.md 4.3.
		m.logger.Warnf("discarding unreadable snapshot blob: index = %d, error = %v", meta.LastIncludedIndex, err)
		return nil, nil
	}

	if err := m.fsm.Restore(pb.Data); err != nil {
		return nil, err
	}

	return &restoredSnapshot{
		LastIncludedIndex: pb.LastIncludedIndex,
		LastIncludedTerm:  pb.LastIncludedTerm,
	}, nil
}

// LoadForPeer returns the encoded snapshot bytes currently on disk,
// for streaming to a lagging peer via InstallSnapshot. It is the same
// wire form Restore decodes, so a peer byte-for-byte replays what
// this node would replay on its own restart.
func (m *snapshotManager) LoadForPeer() (meta SnapshotMetadata, data []byte, err error) {
	loaded, err := m.storage.LoadSnapshotMetadata()
	if err != nil {
		return SnapshotMetadata{}, nil, err
	}
	if loaded == nil {
		return SnapshotMetadata{}, nil, ConsistencyError{Reason: "no snapshot available to send to peer"}
	}
	data, err = m.storage.ReadSnapshotBlob(loaded.LastIncludedIndex)
	if err != nil {
		return SnapshotMetadata{}, nil, err
	}
	return *loaded, data, nil
}
