package raft

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-process Transport double. It never dials out;
// single-node tests never reach the peer-send paths, and multi-peer
// quorum arithmetic is exercised directly against hasQuorum instead of
// through a simulated network.
type fakeTransport struct {
	address                string
	appendEntriesHandler   AppendEntriesHandler
	requestVoteHandler     RequestVoteHandler
	installSnapshotHandler InstallSnapshotHandler
}

func newFakeTransport(address string) *fakeTransport {
	return &fakeTransport{address: address}
}

func (f *fakeTransport) RegisterAppendEntriesHandler(h AppendEntriesHandler)     { f.appendEntriesHandler = h }
func (f *fakeTransport) RegisterRequestVoteHandler(h RequestVoteHandler)         { f.requestVoteHandler = h }
func (f *fakeTransport) RegisterInstallSnapshotHandler(h InstallSnapshotHandler) { f.installSnapshotHandler = h }

func (f *fakeTransport) Address() string                      { return f.address }
func (f *fakeTransport) Connect(address string) error         { return nil }
func (f *fakeTransport) Close(address string) error           { return nil }
func (f *fakeTransport) Run() error                           { return nil }
func (f *fakeTransport) Shutdown()                            {}
func (f *fakeTransport) SetRPCTimeout(timeout time.Duration)  {}

func (f *fakeTransport) SendRequestVote(address string, request *RequestVoteRequest) (*RequestVoteResponse, error) {
	return nil, fmt.Errorf("fakeTransport: no peer at %s", address)
}

func (f *fakeTransport) SendAppendEntries(address string, request *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	return nil, fmt.Errorf("fakeTransport: no peer at %s", address)
}

func (f *fakeTransport) SendInstallSnapshot(address string, request *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	return nil, fmt.Errorf("fakeTransport: no peer at %s", address)
}

func newTestRaft(t *testing.T, id string, extraOpts ...Option) *Raft {
	t.Helper()

	address := id + ":0"
	cluster := map[string]string{id: address}
	fsm := &fakeStateMachine{}

	opts := append([]Option{
		WithTransport(newFakeTransport(address)),
		WithElectionTimeoutMin(minElectionTimeoutMin),
		WithElectionTimeoutMax(minElectionTimeoutMax),
		WithHeartbeatInterval(minHeartbeat),
		WithLeaseDuration(minLeaseDuration),
		WithLogger(noopLogger{}),
	}, extraOpts...)

	r, err := NewRaft(id, cluster, fsm, t.TempDir(), opts...)
	require.NoError(t, err)
	return r
}

func TestSingleNodeClusterElectsItselfLeader(t *testing.T) {
	r := newTestRaft(t, "node-1")
	require.NoError(t, r.Start())
	defer r.Stop()

	require.Eventually(t, func() bool {
		return r.Status().State == Leader
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRequestVoteDeniedForStaleLog(t *testing.T) {
	r := newTestRaft(t, "node-1", WithElectionTimeoutMin(maxElectionTimeoutMin), WithElectionTimeoutMax(maxElectionTimeoutMax))
	require.NoError(t, r.Start())
	defer r.Stop()

	r.mu.Lock()
	require.NoError(t, r.log.AppendEntry(NewLogEntry(1, 5, nil, OperationEntry)))
	r.currentTerm = 5
	r.mu.Unlock()

	request := &RequestVoteRequest{CandidateID: "node-2", Term: 6, LastLogIndex: 0, LastLogTerm: 3}
	response := &RequestVoteResponse{}
	require.NoError(t, r.RequestVote(request, response))

	require.False(t, response.VoteGranted)
	require.Equal(t, uint64(6), response.Term)
}

func TestRequestVoteGrantedStepsDownCandidate(t *testing.T) {
	r := newTestRaft(t, "node-1", WithElectionTimeoutMin(maxElectionTimeoutMin), WithElectionTimeoutMax(maxElectionTimeoutMax))
	require.NoError(t, r.Start())
	defer r.Stop()

	r.mu.Lock()
	r.state = Candidate
	r.currentTerm = 2
	r.votedFor = r.id
	r.mu.Unlock()

	request := &RequestVoteRequest{CandidateID: "node-2", Term: 3, LastLogIndex: 0, LastLogTerm: 0}
	response := &RequestVoteResponse{}
	require.NoError(t, r.RequestVote(request, response))

	require.True(t, response.VoteGranted)
	status := r.Status()
	require.Equal(t, Follower, status.State)
	require.Equal(t, uint64(3), status.Term)
}

func TestAppendEntriesWithHigherTermStepsDownLeader(t *testing.T) {
	r := newTestRaft(t, "node-1", WithElectionTimeoutMin(maxElectionTimeoutMin), WithElectionTimeoutMax(maxElectionTimeoutMax))
	require.NoError(t, r.Start())
	defer r.Stop()

	r.mu.Lock()
	r.state = Leader
	r.currentTerm = 3
	r.mu.Unlock()

	request := &AppendEntriesRequest{LeaderID: "node-2", Term: 4}
	response := &AppendEntriesResponse{}
	require.NoError(t, r.AppendEntries(request, response))

	require.True(t, response.Success)
	status := r.Status()
	require.Equal(t, Follower, status.State)
	require.Equal(t, uint64(4), status.Term)
}

func TestAppendEntriesRejectsStaleTerm(t *testing.T) {
	r := newTestRaft(t, "node-1", WithElectionTimeoutMin(maxElectionTimeoutMin), WithElectionTimeoutMax(maxElectionTimeoutMax))
	require.NoError(t, r.Start())
	defer r.Stop()

	r.mu.Lock()
	r.currentTerm = 5
	r.mu.Unlock()

	request := &AppendEntriesRequest{LeaderID: "node-2", Term: 4}
	response := &AppendEntriesResponse{}
	require.NoError(t, r.AppendEntries(request, response))

	require.False(t, response.Success)
	require.Equal(t, uint64(5), response.Term)
}

func TestAppendEntriesAdvancesFollowerCommitIndex(t *testing.T) {
	r := newTestRaft(t, "node-1", WithElectionTimeoutMin(maxElectionTimeoutMin), WithElectionTimeoutMax(maxElectionTimeoutMax))
	require.NoError(t, r.Start())
	defer r.Stop()

	r.mu.Lock()
	require.NoError(t, r.log.AppendEntries([]*LogEntry{
		NewLogEntry(1, 1, []byte("a"), OperationEntry),
		NewLogEntry(2, 1, []byte("b"), OperationEntry),
	}))
	r.mu.Unlock()

	request := &AppendEntriesRequest{
		LeaderID:     "node-2",
		Term:         1,
		PrevLogIndex: 2,
		PrevLogTerm:  1,
		LeaderCommit: 2,
	}
	response := &AppendEntriesResponse{}
	require.NoError(t, r.AppendEntries(request, response))

	require.True(t, response.Success)
	require.Equal(t, uint64(2), r.Status().CommitIndex)
}

func TestHasQuorumMajorityArithmetic(t *testing.T) {
	three := &Raft{peers: map[string]*peer{"n1": {}, "n2": {}, "n3": {}}}
	require.False(t, three.hasQuorum(1))
	require.True(t, three.hasQuorum(2))

	five := &Raft{peers: map[string]*peer{"n1": {}, "n2": {}, "n3": {}, "n4": {}, "n5": {}}}
	require.False(t, five.hasQuorum(2))
	require.True(t, five.hasQuorum(3))
}

func TestTakeSnapshotCompactsLogAndUpdatesIncludedIndex(t *testing.T) {
	r := newTestRaft(t, "node-1", WithElectionTimeoutMin(maxElectionTimeoutMin), WithElectionTimeoutMax(maxElectionTimeoutMax))
	require.NoError(t, r.Start())
	defer r.Stop()

	r.mu.Lock()
	require.NoError(t, r.log.AppendEntries([]*LogEntry{
		NewLogEntry(1, 1, []byte("a"), OperationEntry),
		NewLogEntry(2, 1, []byte("b"), OperationEntry),
	}))
	r.lastApplied = 2
	r.takeSnapshot()
	lastIncludedIndex := r.lastIncludedIndex
	lastIncludedTerm := r.lastIncludedTerm
	r.mu.Unlock()

	require.Equal(t, uint64(2), lastIncludedIndex)
	require.Equal(t, uint64(1), lastIncludedTerm)
	require.False(t, r.log.Contains(1))
	require.False(t, r.log.Contains(2))
}
