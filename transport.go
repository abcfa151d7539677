package raft

import "time"

// RequestVoteRequest is sent by a candidate to gather votes.
type RequestVoteRequest struct {
	// CandidateID is the ID of the candidate requesting the vote.
	CandidateID string

	// Term is the candidate's term.
	Term uint64

	// LastLogIndex is the index of the candidate's last log entry.
	LastLogIndex uint64

	// LastLogTerm is the term of the candidate's last log entry.
	LastLogTerm uint64
}

// RequestVoteResponse is the response to a RequestVoteRequest.
type RequestVoteResponse struct {
	// Term is the responder's current term, for the candidate to
	// update itself.
	Term uint64

	// VoteGranted is true if the candidate received the vote.
	VoteGranted bool
}

// AppendEntriesRequest is sent by the leader to replicate log entries
// and as a heartbeat.
type AppendEntriesRequest struct {
	// LeaderID is the ID of the leader so followers can redirect
	// clients.
	LeaderID string

	// Term is the leader's term.
	Term uint64

	// PrevLogIndex is the index of the log entry immediately
	// preceding the new ones.
	PrevLogIndex uint64

	// PrevLogTerm is the term of PrevLogIndex's entry.
	PrevLogTerm uint64

	// Entries are the log entries to append, empty for a heartbeat.
	Entries []*LogEntry

	// LeaderCommit is the leader's commitIndex.
	LeaderCommit uint64
}

// AppendEntriesResponse is the response to an AppendEntriesRequest.
type AppendEntriesResponse struct {
	// Term is the responder's current term, for the leader to update
	// itself.
	Term uint64

	// Success is true if the follower contained an entry matching
	// PrevLogIndex and PrevLogTerm.
	Success bool

	// ConflictIndex and ConflictTerm let the leader skip back to the
	// first entry of the conflicting term in one round trip, rather
	// than decrementing nextIndex by one entry at a time.
	ConflictIndex uint64
	ConflictTerm  uint64
}

// InstallSnapshotRequest transfers a chunk of a snapshot to a
// follower that has fallen too far behind for log replication alone
// to catch it up.
type InstallSnapshotRequest struct {
	// LeaderID is the ID of the leader sending the snapshot.
	LeaderID string

	// Term is the leader's term.
	Term uint64

	// LastIncludedIndex is the snapshot's last included log index.
	LastIncludedIndex uint64

	// LastIncludedTerm is the snapshot's last included log term.
	LastIncludedTerm uint64

	// Data is the chunk of snapshot bytes starting at Offset.
	Data []byte

	// Offset is the byte offset of Data within the full snapshot.
	Offset int64

	// Done is true if this is the final chunk of the snapshot.
	Done bool
}

// InstallSnapshotResponse is the response to an InstallSnapshotRequest.
type InstallSnapshotResponse struct {
	// Term is the responder's current term, for the leader to update
	// itself.
	Term uint64

	// BytesWritten is the total number of snapshot bytes the follower
	// has received and buffered so far, used by the leader to detect and
	// recover from a dropped or reordered chunk.
	BytesWritten int64
}

// RequestVoteHandler, AppendEntriesHandler and InstallSnapshotHandler
// are the signatures Raft registers with a Transport to service
// incoming RPCs.
type (
	RequestVoteHandler     func(request *RequestVoteRequest, response *RequestVoteResponse) error
	AppendEntriesHandler   func(request *AppendEntriesRequest, response *AppendEntriesResponse) error
	InstallSnapshotHandler func(request *InstallSnapshotRequest, response *InstallSnapshotResponse) error
)

// Transport is the Peer Coordinator's network boundary, per spec.md
// 4.5: it carries RequestVote, AppendEntries, and InstallSnapshot RPCs
// between cluster members. Implementations are free to choose any
// wire protocol; NewTransport returns the default gRPC-backed one.
type Transport interface {
	// RegisterAppendEntriesHandler, RegisterRequestVoteHandler and
	// RegisterInstallSnapshotHandler wire the Raft server's RPC
	// handlers into the transport before Run is called.
	RegisterAppendEntriesHandler(handler AppendEntriesHandler)
	RegisterRequestVoteHandler(handler RequestVoteHandler)
	RegisterInstallSnapshotHandler(handler InstallSnapshotHandler)

	// Address returns the address this transport listens on.
	Address() string

	// Connect establishes an outbound connection to a peer at address,
	// to be reused by subsequent Send calls.
	Connect(address string) error

	// Close tears down the outbound connection to the peer at address.
	Close(address string) error

	// Run starts serving incoming RPCs in the background and returns
	// once the listener is up, rather than blocking for the server's
	// lifetime.
	Run() error

	// Shutdown stops serving incoming RPCs.
	Shutdown()

	// SetRPCTimeout sets how long an outbound RPC is allowed to run
	// before it is considered failed. Raft calls this once, from
	// Start, with options.rpcTimeout.
	SetRPCTimeout(timeout time.Duration)

	// SendRequestVote, SendAppendEntries and SendInstallSnapshot issue
	// outbound RPCs to the peer at address.
	SendRequestVote(address string, request *RequestVoteRequest) (*RequestVoteResponse, error)
	SendAppendEntries(address string, request *AppendEntriesRequest) (*AppendEntriesResponse, error)
	SendInstallSnapshot(address string, request *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}
