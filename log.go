package raft

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/mvance/raftcore/internal/errors"
	"github.com/mvance/raftcore/internal/raftpb"
)

var (
	errIndexDoesNotExist = errors.New("index does not exist")
	errLogNotOpen        = errors.New("log is not open")
)

// LogEntryType distinguishes a client operation entry from the
// no-op entry a new leader commits to anchor its term.
type LogEntryType uint32

const (
	// NoOpEntry is committed by a freshly elected leader before it
	// accepts client operations, so the leader has at least one entry
	// from its own term to commit (the commit-advancement rule in
	// spec.md 4.4 requires this to make progress after an election).
	NoOpEntry LogEntryType = iota

	// OperationEntry carries an opaque client command.
	OperationEntry
)

// LogEntry is a single entry in the replicated log. Equality of
// entries is defined by (Term, Index, Data); Offset is an in-memory
// bookkeeping field populated when an entry is read back from disk
// and is never part of an entry's identity or its wire encoding.
type LogEntry struct {
	Index     uint64
	Term      uint64
	Data      []byte
	EntryType LogEntryType
	Offset    int64
}

// NewLogEntry creates a log entry with the given index, term, data,
// and type.
func NewLogEntry(index, term uint64, data []byte, entryType LogEntryType) *LogEntry {
	return &LogEntry{Index: index, Term: term, Data: data, EntryType: entryType}
}

// IsConflict reports whether two entries occupy the same index but
// disagree on term, which per the log-matching property means
// everything from this index onward must be discarded and replaced.
func (e *LogEntry) IsConflict(other *LogEntry) bool {
	return e.Index == other.Index && e.Term != other.Term
}

func (e *LogEntry) toProto() *raftpb.LogEntry {
	return &raftpb.LogEntry{
		Index:     e.Index,
		Term:      e.Term,
		Data:      e.Data,
		EntryType: uint32(e.EntryType),
	}
}

func entryFromProto(pb *raftpb.LogEntry) *LogEntry {
	return &LogEntry{
		Index:     pb.Index,
		Term:      pb.Term,
		Data:      pb.Data,
		EntryType: LogEntryType(pb.EntryType),
	}
}

// AppendResult is the outcome of Log.AppendFromLeader.
type AppendResult struct {
	// Accepted is true if the entries (if any) were appended, or the
	// request carried no new information (a duplicate heartbeat).
	Accepted bool

	// LastNewIndex is the index of the last entry in the request, or
	// prevIndex when the request carries no entries; valid only when
	// Accepted is true. The caller uses it to cap
	// leaderCommit when advancing the local commit index.
	LastNewIndex uint64

	// ConflictIndex/ConflictTerm are fast-backup hints populated when
	// Accepted is false, letting the leader jump nextIndex back by a
	// whole conflicting term in one round-trip instead of
	// decrementing one index at a time.
	ConflictIndex uint64
	ConflictTerm  uint64
}

// Log is the component responsible for persistently storing and
// retrieving log entries, and for performing the AppendEntries
// consistency check described in spec.md 4.2/4.4.
type Log interface {
	// Open prepares the log for reads and writes, creating the
	// backing file if it does not already exist.
	Open() error

	// Replay reconstructs the in-memory entry slice from the backing
	// file. Must be called after Open and before any other method.
	Replay() error

	// Close releases the backing file. The log may be reopened later.
	Close() error

	GetEntry(index uint64) (*LogEntry, error)
	AppendEntry(entry *LogEntry) error
	AppendEntries(entries []*LogEntry) error

	// AppendFromLeader performs the prevLogIndex/prevLogTerm
	// consistency check and, if it passes, truncates any conflicting
	// suffix and appends the new entries.
	AppendFromLeader(prevIndex, prevTerm uint64, entries []*LogEntry) (AppendResult, error)

	// Truncate deletes all entries with index >= the provided index.
	// Used only on conflict resolution; a leader never truncates its
	// own log (leader append-only, one of spec.md 3's invariants).
	Truncate(index uint64) error

	// TruncatePrefix deletes all entries with index <= throughIndex,
	// replacing them with a placeholder that records the term of the
	// last discarded entry so TermAt/LastTerm keep working at the new
	// boundary. A no-op returning nil if throughIndex is already at or
	// beyond the current last index; the log logs no warning for it.
	TruncatePrefix(throughIndex uint64) error

	// DiscardEntries wipes the entire log and replaces it with a
	// single placeholder entry at (index, term). Used when an
	// installed snapshot supersedes every entry this node has.
	DiscardEntries(index, term uint64) error

	Contains(index uint64) bool
	LastIndex() uint64
	LastTerm() uint64

	// TermAt returns the term of the entry at index and true, or
	// (0, false) if index is out of the range the log currently
	// covers (including the placeholder boundary entry).
	TermAt(index uint64) (uint64, bool)

	NextIndex() uint64
	Size() int
}

// persistentLog implements Log as an append-only file mirrored by an
// in-memory slice. entries[0] is always a placeholder: either the
// zero entry (index 0, term 0) for a fresh log, or the boundary entry
// left behind by the most recent TruncatePrefix/DiscardEntries, whose
// Data is never populated. Not concurrent safe; callers serialize
// access the same way the rest of the package does, through Raft.mu.
type persistentLog struct {
	entries []*LogEntry
	file    *os.File
	path    string
}

// NewLog creates a Log that persists to <path>/log.bin.
func NewLog(path string) Log {
	return &persistentLog{path: path}
}

func (l *persistentLog) logFilePath() string {
	return filepath.Join(l.path, "log.bin")
}

func (l *persistentLog) Open() error {
	file, err := os.OpenFile(l.logFilePath(), os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return StorageError{Op: "open log", Err: err}
	}
	l.file = file
	l.entries = make([]*LogEntry, 0)
	return nil
}

func (l *persistentLog) Replay() error {
	if l.file == nil {
		return errLogNotOpen
	}

	reader := bufio.NewReader(l.file)
	for {
		// The record's offset is the file position minus whatever the
		// buffered reader has read ahead but not yet consumed.
		pos, err := l.file.Seek(0, io.SeekCurrent)
		if err != nil {
			return StorageError{Op: "replay log", Err: err}
		}
		offset := pos - int64(reader.Buffered())

		var pb raftpb.LogEntry
		if err := raftpb.ReadMessage(reader, &pb); err == io.EOF {
			break
		} else if err != nil {
			return StorageError{Op: "replay log", Err: err}
		}
		entry := entryFromProto(&pb)
		entry.Offset = offset
		l.entries = append(l.entries, entry)
	}

	// The log always contains at least a placeholder entry at index 0
	// so that index arithmetic never needs a special empty-log case.
	if len(l.entries) == 0 {
		placeholder := &LogEntry{}
		if err := l.writeEntry(placeholder); err != nil {
			return StorageError{Op: "replay log", Err: err}
		}
		if err := l.file.Sync(); err != nil {
			return StorageError{Op: "replay log", Err: err}
		}
		l.entries = append(l.entries, placeholder)
		return nil
	}

	return l.checkContiguous()
}

// checkContiguous enforces that indices are strictly monotonically
// increasing with no gaps, per spec.md 3's data model invariant; a
// gap on replay means the on-disk log was corrupted or truncated by
// something other than this package.
func (l *persistentLog) checkContiguous() error {
	for i := 1; i < len(l.entries); i++ {
		if l.entries[i].Index != l.entries[i-1].Index+1 {
			return ConsistencyError{Reason: "gap in log indices after replay"}
		}
	}
	return nil
}

func (l *persistentLog) Close() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return StorageError{Op: "close log", Err: err}
	}
	l.entries = nil
	l.file = nil
	return nil
}

func (l *persistentLog) baseIndex() uint64 {
	return l.entries[0].Index
}

func (l *persistentLog) GetEntry(index uint64) (*LogEntry, error) {
	if l.file == nil {
		return nil, errLogNotOpen
	}
	if index <= l.baseIndex() {
		return nil, errIndexDoesNotExist
	}
	offset := index - l.baseIndex()
	if offset >= uint64(len(l.entries)) {
		return nil, errIndexDoesNotExist
	}
	return l.entries[offset], nil
}

func (l *persistentLog) Contains(index uint64) bool {
	if len(l.entries) == 0 || index <= l.baseIndex() {
		return false
	}
	offset := index - l.baseIndex()
	return offset < uint64(len(l.entries))
}

func (l *persistentLog) TermAt(index uint64) (uint64, bool) {
	if len(l.entries) == 0 {
		return 0, false
	}
	if index == l.baseIndex() {
		return l.entries[0].Term, true
	}
	if index < l.baseIndex() {
		return 0, false
	}
	offset := index - l.baseIndex()
	if offset >= uint64(len(l.entries)) {
		return 0, false
	}
	return l.entries[offset].Term, true
}

func (l *persistentLog) AppendEntry(entry *LogEntry) error {
	return l.AppendEntries([]*LogEntry{entry})
}

func (l *persistentLog) AppendEntries(entries []*LogEntry) error {
	if l.file == nil {
		return errLogNotOpen
	}
	for _, entry := range entries {
		if err := l.writeEntry(entry); err != nil {
			return StorageError{Op: "append log entries", Err: err}
		}
	}
	if err := l.file.Sync(); err != nil {
		return StorageError{Op: "append log entries", Err: err}
	}
	l.entries = append(l.entries, entries...)
	return nil
}

func (l *persistentLog) writeEntry(entry *LogEntry) error {
	offset, err := l.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	entry.Offset = offset
	return raftpb.WriteMessage(l.file, entry.toProto())
}

// AppendFromLeader implements the consistency check and conflict
// resolution described in spec.md 4.2.
func (l *persistentLog) AppendFromLeader(
	prevIndex, prevTerm uint64,
	entries []*LogEntry,
) (AppendResult, error) {
	if prevIndex != 0 {
		term, ok := l.TermAt(prevIndex)
		if !ok {
			// Local log is shorter than prevIndex: tell the leader to
			// retry starting at our next index.
			return AppendResult{ConflictIndex: l.NextIndex(), ConflictTerm: 0}, nil
		}
		if term != prevTerm {
			return l.rejectWithConflictHint(prevIndex, term), nil
		}
	}

	var toAppend []*LogEntry
	for i, entry := range entries {
		if l.LastIndex() < entry.Index {
			toAppend = entries[i:]
			break
		}
		existing, err := l.GetEntry(entry.Index)
		if err != nil {
			return AppendResult{}, err
		}
		if !existing.IsConflict(entry) {
			continue
		}
		if err := l.Truncate(entry.Index); err != nil {
			return AppendResult{}, err
		}
		toAppend = entries[i:]
		break
	}

	if len(toAppend) > 0 {
		if err := l.AppendEntries(toAppend); err != nil {
			return AppendResult{}, err
		}
	}

	lastNew := prevIndex
	if len(entries) > 0 {
		lastNew = entries[len(entries)-1].Index
	}
	return AppendResult{Accepted: true, LastNewIndex: lastNew}, nil
}

// rejectWithConflictHint walks backward from the conflicting entry to
// find the first index of its term, so the leader can skip the whole
// term in a single retry instead of decrementing nextIndex one at a
// time.
func (l *persistentLog) rejectWithConflictHint(prevIndex, conflictTerm uint64) AppendResult {
	index := prevIndex
	for index > l.baseIndex() {
		term, ok := l.TermAt(index - 1)
		if !ok || term != conflictTerm {
			break
		}
		index--
	}
	return AppendResult{ConflictIndex: index, ConflictTerm: conflictTerm}
}

func (l *persistentLog) Truncate(index uint64) error {
	if l.file == nil {
		return errLogNotOpen
	}
	if index <= l.baseIndex() {
		return errIndexDoesNotExist
	}
	offset := index - l.baseIndex()
	if offset >= uint64(len(l.entries)) {
		return errIndexDoesNotExist
	}

	size := l.entries[offset].Offset
	if err := l.file.Truncate(size); err != nil {
		return StorageError{Op: "truncate log", Err: err}
	}
	if err := l.file.Sync(); err != nil {
		return StorageError{Op: "truncate log", Err: err}
	}
	if _, err := l.file.Seek(size, io.SeekStart); err != nil {
		return StorageError{Op: "truncate log", Err: err}
	}

	l.entries = l.entries[:offset]
	return nil
}

func (l *persistentLog) TruncatePrefix(throughIndex uint64) error {
	if l.file == nil {
		return errLogNotOpen
	}
	if throughIndex >= l.LastIndex() {
		// Per spec.md 4.1: a no-op, never a silent destruction of
		// entries newer than what the caller intended to keep.
		return nil
	}
	if throughIndex < l.baseIndex() {
		return nil
	}

	term, ok := l.TermAt(throughIndex)
	if !ok {
		return errIndexDoesNotExist
	}

	offset := throughIndex - l.baseIndex()
	// Standard Raft semantics: the placeholder at position 0 records
	// (throughIndex, term) but discards the real entry's data, unlike
	// a slicing scheme that keeps the entry itself in place (see the
	// open question about this in spec.md 9 / DESIGN.md).
	placeholder := &LogEntry{Index: throughIndex, Term: term}
	kept := l.entries[offset+1:]
	newEntries := make([]*LogEntry, 0, len(kept)+1)
	newEntries = append(newEntries, placeholder)
	newEntries = append(newEntries, kept...)

	return l.rewrite(newEntries)
}

func (l *persistentLog) DiscardEntries(index, term uint64) error {
	if l.file == nil {
		return errLogNotOpen
	}
	return l.rewrite([]*LogEntry{{Index: index, Term: term}})
}

// rewrite atomically replaces the log file's contents with entries
// via temp-file-plus-rename, so a crash mid-write never leaves a
// half-written log in place.
func (l *persistentLog) rewrite(entries []*LogEntry) error {
	tmpFile, err := os.CreateTemp(l.path, "log-*.tmp")
	if err != nil {
		return StorageError{Op: "rewrite log", Err: err}
	}

	for _, entry := range entries {
		offset, err := tmpFile.Seek(0, io.SeekCurrent)
		if err != nil {
			return StorageError{Op: "rewrite log", Err: err}
		}
		entry.Offset = offset
		if err := raftpb.WriteMessage(tmpFile, entry.toProto()); err != nil {
			return StorageError{Op: "rewrite log", Err: err}
		}
	}
	if err := tmpFile.Sync(); err != nil {
		return StorageError{Op: "rewrite log", Err: err}
	}
	if err := tmpFile.Close(); err != nil {
		return StorageError{Op: "rewrite log", Err: err}
	}
	if err := l.file.Close(); err != nil {
		return StorageError{Op: "rewrite log", Err: err}
	}
	if err := os.Rename(tmpFile.Name(), l.logFilePath()); err != nil {
		return StorageError{Op: "rewrite log", Err: err}
	}

	file, err := os.OpenFile(l.logFilePath(), os.O_RDWR, 0o666)
	if err != nil {
		return StorageError{Op: "rewrite log", Err: err}
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return StorageError{Op: "rewrite log", Err: err}
	}

	l.file = file
	l.entries = entries
	return nil
}

func (l *persistentLog) LastTerm() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

func (l *persistentLog) LastIndex() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Index
}

func (l *persistentLog) NextIndex() uint64 {
	return l.LastIndex() + 1
}

func (l *persistentLog) Size() int {
	// The placeholder at position 0 does not count as a real entry.
	if len(l.entries) == 0 {
		return 0
	}
	return len(l.entries) - 1
}
