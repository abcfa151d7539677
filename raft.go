package raft

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/mvance/raftcore/internal/raftpb"
	"github.com/mvance/raftcore/internal/util"
)

const snapshotChunkSize = 32 * 1024

// State represents the current state of a raft node: it is either
// shut down, a follower, a candidate, or the leader.
type State uint32

const (
	Shutdown State = iota
	Follower
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Shutdown:
		return "shutdown"
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Status describes a node's observable state at a point in time.
type Status struct {
	ID          string
	Address     string
	Term        uint64
	CommitIndex uint64
	LastApplied uint64
	State       State
}

// Raft implements the raft consensus protocol described in spec.md.
type Raft struct {
	// id is the ID of this raft node.
	id string

	// leaderId is the ID this node believes is the current leader,
	// used to redirect clients.
	leaderId string

	options options

	transport Transport

	// peers maps ID to peer state for every other node in the
	// cluster. Maintained by the leader.
	peers map[string]*peer

	operationManager *operationManager

	log             Log
	stateStorage    StateStorage
	snapshotStorage SnapshotStorage
	snapshotMgr     *snapshotManager

	// installing accumulates the chunks of an in-progress
	// InstallSnapshot transfer from the leader.
	installing *incomingSnapshot

	fsm StateMachine

	// applyCond notifies the apply loop that the commit index has
	// advanced and replicated operations may be applied.
	applyCond *sync.Cond

	// commitCond notifies the commit loop that new log entries may be
	// ready to be committed.
	commitCond *sync.Cond

	// readOnlyCond notifies the read-only loop that read-only
	// operations may be safe to apply.
	readOnlyCond *sync.Cond

	state State

	commitIndex uint64
	lastApplied uint64
	currentTerm uint64

	lastIncludedIndex uint64
	lastIncludedTerm  uint64

	votedFor string

	lastContact time.Time

	wg sync.WaitGroup
	mu sync.Mutex
}

// incomingSnapshot buffers an InstallSnapshot transfer still being
// received from the leader.
type incomingSnapshot struct {
	lastIncludedIndex uint64
	lastIncludedTerm  uint64
	buf               bytes.Buffer
}

// NewRaft creates a new Raft node with the given ID and configuration
// options. cluster must contain the ID and address of every node in
// the cluster, including this one. dataPath is the top-level directory
// where this node's state is persisted.
func NewRaft(
	id string,
	cluster map[string]string,
	fsm StateMachine,
	dataPath string,
	opts ...Option,
) (*Raft, error) {
	options := defaultOptions()
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return nil, err
		}
	}

	if options.electionTimeoutMax < 2*options.electionTimeoutMin {
		return nil, fmt.Errorf(
			"election timeout max (%v) must be at least 2x election timeout min (%v)",
			options.electionTimeoutMax, options.electionTimeoutMin,
		)
	}

	address, ok := cluster[id]
	if !ok {
		return nil, fmt.Errorf("cluster configuration does not contain this node's ID: %s", id)
	}

	if options.transport == nil {
		transport, err := NewTransport(address)
		if err != nil {
			return nil, fmt.Errorf("failed to create default transport: address = %s: %w", address, err)
		}
		options.transport = transport
	}

	r := &Raft{
		id:              id,
		state:           Shutdown,
		fsm:             fsm,
		transport:       options.transport,
		options:         options,
		peers:           make(map[string]*peer, len(cluster)),
		log:             NewLog(dataPath),
		stateStorage:    NewStateStorage(dataPath),
		snapshotStorage: NewSnapshotStorage(dataPath),
	}
	for peerID, address := range cluster {
		r.peers[peerID] = newPeer(peerID, address)
	}
	r.snapshotMgr = newSnapshotManager(r.snapshotStorage, r.log, r.fsm, r.options.logger)
	r.operationManager = newOperationManager(r.options.leaseDuration)

	r.applyCond = sync.NewCond(&r.mu)
	r.commitCond = sync.NewCond(&r.mu)
	r.readOnlyCond = sync.NewCond(&r.mu)

	return r, nil
}

// Start starts the raft consensus protocol if it is not already
// started.
func (r *Raft) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Shutdown {
		return nil
	}

	r.transport.RegisterAppendEntriesHandler(r.AppendEntries)
	r.transport.RegisterRequestVoteHandler(r.RequestVote)
	r.transport.RegisterInstallSnapshotHandler(r.InstallSnapshot)
	r.transport.SetRPCTimeout(r.options.rpcTimeout)

	if err := r.stateStorage.Open(); err != nil {
		return err
	}
	if err := r.snapshotStorage.Open(); err != nil {
		return err
	}

	currentTerm, votedFor, err := r.stateStorage.State()
	if err != nil {
		return err
	}
	r.currentTerm = currentTerm
	r.votedFor = votedFor

	if err := r.log.Open(); err != nil {
		return err
	}
	if err := r.log.Replay(); err != nil {
		return err
	}

	restored, err := r.snapshotMgr.Restore()
	if err != nil {
		return err
	}
	if restored != nil {
		r.lastIncludedIndex = restored.LastIncludedIndex
		r.lastIncludedTerm = restored.LastIncludedTerm
		r.commitIndex = restored.LastIncludedIndex
		r.lastApplied = restored.LastIncludedIndex
	}

	for peerID, p := range r.peers {
		if peerID == r.id {
			continue
		}
		if err := r.transport.Connect(p.address); err != nil {
			r.options.logger.Errorf("failed to connect to node: error = %v", err)
		}
	}

	r.lastContact = time.Now()
	r.state = Follower

	r.wg.Add(5)
	go r.readOnlyLoop()
	go r.applyLoop()
	go r.electionLoop()
	go r.heartbeatLoop()
	go r.commitLoop()

	if err := r.transport.Run(); err != nil {
		return err
	}

	r.options.logger.Infof(
		"node started: electionTimeoutMin = %v, electionTimeoutMax = %v, heartbeatInterval = %v, leaseDuration = %v",
		r.options.electionTimeoutMin,
		r.options.electionTimeoutMax,
		r.options.heartbeatInterval,
		r.options.leaseDuration,
	)
	return nil
}

// Stop stops the raft consensus protocol if it is not already
// stopped.
func (r *Raft) Stop() {
	r.mu.Lock()

	if r.state == Shutdown {
		r.mu.Unlock()
		return
	}

	r.state = Shutdown
	r.applyCond.Broadcast()
	r.commitCond.Broadcast()
	r.readOnlyCond.Broadcast()

	r.mu.Unlock()
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()

	for peerID, p := range r.peers {
		if peerID == r.id {
			continue
		}
		if err := r.transport.Close(p.address); err != nil {
			r.options.logger.Errorf("failed to close connection to node: error = %v", err)
		}
	}
	r.transport.Shutdown()

	if err := r.log.Close(); err != nil {
		r.options.logger.Errorf("failed to close log: %v", err)
	}
	if err := r.stateStorage.Close(); err != nil {
		r.options.logger.Errorf("failed to close state storage: %v", err)
	}
	if err := r.snapshotStorage.Close(); err != nil {
		r.options.logger.Errorf("failed to close snapshot storage: %v", err)
	}

	r.options.logger.Info("node stopped")
}

// SubmitOperation accepts an operation from a client and returns a
// future for its response. Submitting an operation does not guarantee
// it will ever be applied if the leader fails before replicating it;
// once the operation has been applied to the state machine, the
// future is populated with the response.
func (r *Raft) SubmitOperation(operation []byte, operationType OperationType, timeout time.Duration) *OperationResponseFuture {
	switch operationType {
	case Replicated:
		return r.submitReplicatedOperation(operation, timeout)
	case LeaseBasedReadOnly, LinearizableReadOnly:
		return r.submitReadOnlyOperation(operation, operationType, timeout)
	default:
		future := NewOperationResponseFuture(operation, timeout)
		future.responseCh <- OperationResponse{Err: InvalidOperationTypeError{OperationType: operationType}}
		return future
	}
}

// Status returns this node's current status.
func (r *Raft) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Status{
		ID:          r.id,
		Address:     r.transport.Address(),
		Term:        r.currentTerm,
		CommitIndex: r.commitIndex,
		LastApplied: r.lastApplied,
		State:       r.state,
	}
}

// RequestVote handles vote requests from candidates during elections.
func (r *Raft) RequestVote(request *RequestVoteRequest, response *RequestVoteResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Shutdown {
		return fmt.Errorf("could not execute RequestVote RPC: %s is shutdown", r.id)
	}

	r.options.logger.Debugf(
		"RequestVote RPC received: candidateID = %s, term = %d, lastLogIndex = %d, lastLogTerm = %d",
		request.CandidateID, request.Term, request.LastLogIndex, request.LastLogTerm,
	)

	response.Term = r.currentTerm
	response.VoteGranted = false

	if request.Term < r.currentTerm {
		return nil
	}

	if request.Term > r.currentTerm {
		r.becomeFollower(request.CandidateID, request.Term)
		response.Term = r.currentTerm
	}

	if r.votedFor != "" && r.votedFor != request.CandidateID {
		return nil
	}

	// The log with the greater last term is more up to date; if the
	// terms are equal, the longer log is more up to date.
	if request.LastLogTerm < r.log.LastTerm() ||
		(request.LastLogTerm == r.log.LastTerm() && r.log.LastIndex() > request.LastLogIndex) {
		return nil
	}

	r.lastContact = time.Now()
	response.VoteGranted = true
	r.votedFor = request.CandidateID
	r.persistTermAndVote()

	r.options.logger.Infof("RequestVote RPC successful: votedFor = %s, term = %d", request.CandidateID, r.currentTerm)
	return nil
}

// AppendEntries handles log replication and heartbeat requests from
// the leader.
func (r *Raft) AppendEntries(request *AppendEntriesRequest, response *AppendEntriesResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Shutdown {
		return fmt.Errorf("could not execute AppendEntries RPC: %s is shutdown", r.id)
	}

	response.Term = r.currentTerm
	response.Success = false

	if request.Term < r.currentTerm {
		return nil
	}

	r.lastContact = time.Now()
	r.leaderId = request.LeaderID

	if request.Term > r.currentTerm {
		r.becomeFollower(request.LeaderID, request.Term)
		response.Term = r.currentTerm
	} else if r.state == Candidate {
		r.becomeFollower(request.LeaderID, request.Term)
		response.Term = r.currentTerm
	}

	result, err := r.log.AppendFromLeader(request.PrevLogIndex, request.PrevLogTerm, request.Entries)
	if err != nil {
		r.stepDownFatal("failed to append entries to log: error = %v", err)
	}
	if !result.Accepted {
		response.ConflictIndex = result.ConflictIndex
		response.ConflictTerm = result.ConflictTerm
		r.options.logger.Debugf(
			"AppendEntries RPC rejected: reason = log mismatch, prevLogIndex = %d, prevLogTerm = %d",
			request.PrevLogIndex, request.PrevLogTerm,
		)
		return nil
	}

	response.Success = true

	if request.LeaderCommit > r.commitIndex {
		newCommitIndex := util.Min(request.LeaderCommit, result.LastNewIndex)
		r.options.logger.Debugf(
			"updating commit index: currentCommitIndex = %d, newCommitIndex = %d",
			r.commitIndex, newCommitIndex,
		)
		r.commitIndex = newCommitIndex
		r.applyCond.Broadcast()
	}

	return nil
}

// InstallSnapshot handles snapshot installation requests from the
// leader, transferred as a sequence of chunks.
func (r *Raft) InstallSnapshot(request *InstallSnapshotRequest, response *InstallSnapshotResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Shutdown {
		return fmt.Errorf("could not execute InstallSnapshot RPC: %s is shutdown", r.id)
	}

	response.Term = r.currentTerm

	if r.currentTerm > request.Term {
		return nil
	}
	if r.currentTerm < request.Term {
		r.becomeFollower(request.LeaderID, request.Term)
		response.Term = request.Term
	}

	r.lastContact = time.Now()
	r.leaderId = request.LeaderID

	if r.lastIncludedIndex >= request.LastIncludedIndex {
		response.BytesWritten = request.Offset + int64(len(request.Data))
		return nil
	}

	if r.installing != nil && r.installing.lastIncludedIndex != request.LastIncludedIndex {
		r.installing = nil
	}
	if r.installing == nil {
		r.installing = &incomingSnapshot{
			lastIncludedIndex: request.LastIncludedIndex,
			lastIncludedTerm:  request.LastIncludedTerm,
		}
	}

	offset := int64(r.installing.buf.Len())
	response.BytesWritten = offset
	if request.Offset != offset {
		r.options.logger.Warnf(
			"InstallSnapshot RPC contains unexpected offset: expected = %d, received = %d",
			offset, request.Offset,
		)
		return nil
	}

	r.installing.buf.Write(request.Data)
	response.BytesWritten = int64(r.installing.buf.Len())

	if !request.Done {
		return nil
	}

	encoded := r.installing.buf.Bytes()
	r.installing = nil

	if err := r.snapshotStorage.WriteSnapshotBlob(request.LastIncludedIndex, encoded, r.options.compressSnapshots); err != nil {
		return err
	}
	if err := r.snapshotStorage.SaveSnapshotMetadata(SnapshotMetadata{
		LastIncludedIndex: request.LastIncludedIndex,
		LastIncludedTerm:  request.LastIncludedTerm,
		CreatedAt:         time.Now(),
	}); err != nil {
		return err
	}

	if term, ok := r.log.TermAt(request.LastIncludedIndex); ok && term == request.LastIncludedTerm {
		for r.lastApplied < request.LastIncludedIndex {
			r.applyCond.Wait()
		}
		if r.lastIncludedIndex >= request.LastIncludedIndex {
			return nil
		}
		r.lastIncludedIndex = request.LastIncludedIndex
		r.lastIncludedTerm = request.LastIncludedTerm
		r.options.logger.Warnf("compacting log: throughIndex = %d", request.LastIncludedIndex)
		if err := r.log.TruncatePrefix(request.LastIncludedIndex); err != nil {
			return err
		}
		if r.commitIndex < request.LastIncludedIndex {
			r.commitIndex = request.LastIncludedIndex
		}
		if r.lastApplied < request.LastIncludedIndex {
			r.lastApplied = request.LastIncludedIndex
		}
		return nil
	}

	var pb raftpb.Snapshot
	if err := proto.Unmarshal(encoded, &pb); err != nil {
		return err
	}

	r.mu.Unlock()
	r.options.logger.Warnf(
		"restoring state machine with snapshot: lastIndex = %d, lastTerm = %d",
		request.LastIncludedIndex, request.LastIncludedTerm,
	)
	restoreErr := r.fsm.Restore(pb.Data)
	r.mu.Lock()
	if restoreErr != nil {
		return restoreErr
	}

	r.options.logger.Warnf("discarding log: lastIndex = %d, lastTerm = %d", request.LastIncludedIndex, request.LastIncludedTerm)
	if err := r.log.DiscardEntries(request.LastIncludedIndex, request.LastIncludedTerm); err != nil {
		return err
	}

	r.lastIncludedIndex = request.LastIncludedIndex
	r.lastIncludedTerm = request.LastIncludedTerm
	r.lastApplied = request.LastIncludedIndex
	r.commitIndex = request.LastIncludedIndex

	r.options.logger.Infof(
		"snapshot installation completed: lastIndex = %d, lastTerm = %d",
		request.LastIncludedIndex, request.LastIncludedTerm,
	)
	return nil
}

func (r *Raft) submitReplicatedOperation(operationBytes []byte, timeout time.Duration) *OperationResponseFuture {
	r.mu.Lock()
	defer r.mu.Unlock()

	future := NewOperationResponseFuture(operationBytes, timeout)

	if r.state != Leader {
		future.responseCh <- OperationResponse{Err: NotLeaderError{ServerID: r.id, KnownLeader: r.leaderId}}
		return future
	}

	entry := NewLogEntry(r.log.NextIndex(), r.currentTerm, operationBytes, OperationEntry)
	if err := r.log.AppendEntry(entry); err != nil {
		r.stepDownFatal("failed to append entry to log: error = %v", err)
	}

	r.operationManager.mu.Lock()
	r.operationManager.pendingReplicated[entry.Index] = future.responseCh
	r.operationManager.mu.Unlock()

	r.sendAppendEntriesToPeers()

	r.options.logger.Debugf(
		"operation submitted: logIndex = %d, logTerm = %d, type = %s",
		entry.Index, entry.Term, Replicated.String(),
	)

	return future
}

func (r *Raft) submitReadOnlyOperation(operationBytes []byte, readOnlyType OperationType, timeout time.Duration) *OperationResponseFuture {
	r.mu.Lock()
	defer r.mu.Unlock()

	future := NewOperationResponseFuture(operationBytes, timeout)

	if r.state != Leader {
		future.responseCh <- OperationResponse{Err: NotLeaderError{ServerID: r.id, KnownLeader: r.leaderId}}
		return future
	}

	operation := &Operation{
		Bytes:         operationBytes,
		OperationType: readOnlyType,
		readIndex:     r.commitIndex,
		responseCh:    future.responseCh,
	}

	r.operationManager.mu.Lock()
	r.operationManager.pendingReadOnly[operation] = true
	r.operationManager.mu.Unlock()

	if readOnlyType == LeaseBasedReadOnly && operation.readIndex <= r.lastApplied {
		r.readOnlyCond.Broadcast()
	}
	if readOnlyType == LinearizableReadOnly && r.operationManager.shouldVerifyQuorum {
		r.sendAppendEntriesToPeers()
		r.operationManager.shouldVerifyQuorum = false
	}

	r.options.logger.Debugf(
		"operation submitted: readIndex = %d, type = %s",
		operation.readIndex, operation.OperationType.String(),
	)

	return future
}

func (r *Raft) sendAppendEntriesToPeers() {
	numResponses := 1
	for peerID := range r.peers {
		go r.sendAppendEntries(peerID, &numResponses)
	}
}

func (r *Raft) sendAppendEntries(peerID string, numResponses *int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Leader {
		return
	}

	if peerID == r.id {
		if len(r.peers) == 1 {
			if r.log.LastIndex() > r.commitIndex {
				r.commitCond.Broadcast()
			}
			r.tryApplyReadOnlyOperations()
		}
		return
	}

	p := r.peers[peerID]

	if p.needsSnapshot(r.lastIncludedIndex) {
		r.sendInstallSnapshot(peerID)
		return
	}

	nextIndex := p.nextIndex
	prevLogIndex := util.Max(nextIndex-1, r.lastIncludedIndex)
	prevLogTerm := r.lastIncludedTerm
	if prevLogIndex > r.lastIncludedIndex {
		if term, ok := r.log.TermAt(prevLogIndex); ok {
			prevLogTerm = term
		}
	}

	var entries []*LogEntry
	for index := nextIndex; index < r.log.NextIndex() && len(entries) < r.options.maxEntriesPerRPC; index++ {
		if index <= r.lastIncludedIndex {
			break
		}
		entry, err := r.log.GetEntry(index)
		if err != nil {
			r.stepDownFatal("failed getting entry from log: error = %v", err)
		}
		entries = append(entries, entry)
	}

	request := &AppendEntriesRequest{
		Term:         r.currentTerm,
		LeaderID:     r.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: r.commitIndex,
	}

	r.mu.Unlock()
	response, err := r.transport.SendAppendEntries(p.address, request)
	r.mu.Lock()

	if err != nil || r.state != Leader {
		return
	}

	if response.Term > r.currentTerm {
		r.becomeFollower(peerID, response.Term)
		return
	}

	if numResponses != nil {
		*numResponses++
		if r.hasQuorum(*numResponses) {
			r.tryApplyReadOnlyOperations()
			numResponses = nil
		}
	}

	if !response.Success {
		p.recordAppendEntriesRejection(AppendResult{ConflictIndex: response.ConflictIndex, ConflictTerm: response.ConflictTerm})
		if p.needsSnapshot(r.lastIncludedIndex) {
			r.sendInstallSnapshot(peerID)
		}
		return
	}

	if prevLogIndex+uint64(len(entries)) > p.matchIndex {
		p.recordAppendEntriesSuccess(prevLogIndex, len(entries))
		if p.matchIndex > r.commitIndex {
			r.commitCond.Broadcast()
		}
	}
}

func (r *Raft) sendRequestVoteToPeers(votes *int) {
	for peerID := range r.peers {
		go r.sendRequestVote(peerID, votes)
	}
}

func (r *Raft) sendRequestVote(peerID string, votes *int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peerID == r.id {
		*votes++
		if r.hasQuorum(*votes) {
			r.becomeLeader()
		}
		return
	}

	p := r.peers[peerID]

	request := &RequestVoteRequest{
		CandidateID:  r.id,
		Term:         r.currentTerm,
		LastLogIndex: r.log.LastIndex(),
		LastLogTerm:  r.log.LastTerm(),
	}

	r.mu.Unlock()
	response, err := r.transport.SendRequestVote(p.address, request)
	r.mu.Lock()

	if err != nil || r.currentTerm != request.Term {
		return
	}

	if response.VoteGranted {
		*votes++
	}

	if response.Term > r.currentTerm {
		r.becomeFollower(peerID, response.Term)
		return
	}

	if r.hasQuorum(*votes) && r.state == Candidate {
		r.becomeLeader()
	}
}

// takeSnapshot is invoked from the apply loop once the state machine
// reports it would like one, per spec.md 4.3.
func (r *Raft) takeSnapshot() {
	if r.lastApplied <= r.lastIncludedIndex {
		return
	}

	lastApplied := r.lastApplied

	r.options.logger.Infof("starting to take snapshot: lastAppliedIndex = %d", lastApplied)

	r.mu.Unlock()
	err := r.snapshotMgr.Create(lastApplied, r.options.compressSnapshots)
	r.mu.Lock()

	if err != nil {
		r.options.logger.Errorf("failed to take snapshot: error = %v", err)
		return
	}

	if lastApplied <= r.lastIncludedIndex {
		// A newer snapshot/install raced ahead while the lock was
		// released.
		return
	}

	term, ok := r.log.TermAt(lastApplied)
	if !ok {
		term = r.lastIncludedTerm
	}
	r.lastIncludedIndex = lastApplied
	r.lastIncludedTerm = term

	r.options.logger.Infof("snapshot taken successfully: lastIndex = %d, lastTerm = %d", r.lastIncludedIndex, r.lastIncludedTerm)
}

func (r *Raft) sendInstallSnapshot(peerID string) {
	if r.state != Leader || r.lastIncludedIndex == 0 {
		return
	}

	p := r.peers[peerID]

	if p.snapshotData == nil {
		meta, data, err := r.snapshotMgr.LoadForPeer()
		if err != nil {
			r.options.logger.Errorf("failed to load snapshot for peer: error = %v", err)
			return
		}
		p.beginSnapshotTransfer(meta, data)
	}

	chunk, done := p.nextSnapshotChunk(snapshotChunkSize)

	request := &InstallSnapshotRequest{
		LeaderID:          r.id,
		Term:              r.currentTerm,
		LastIncludedIndex: p.snapshotMeta.LastIncludedIndex,
		LastIncludedTerm:  p.snapshotMeta.LastIncludedTerm,
		Data:              chunk,
		Offset:            p.snapshotOffset,
		Done:              done,
	}

	r.mu.Unlock()
	response, err := r.transport.SendInstallSnapshot(p.address, request)
	r.mu.Lock()

	if err != nil || r.state != Leader {
		return
	}

	if response.Term > r.currentTerm {
		r.becomeFollower(peerID, response.Term)
		return
	}

	if response.BytesWritten != p.snapshotOffset+int64(len(chunk)) {
		// The follower did not receive what we expected; resume from
		// whatever offset it reports on the next round.
		p.recordSnapshotProgress(response.BytesWritten)
		return
	}
	p.recordSnapshotProgress(response.BytesWritten)

	if !done {
		return
	}

	p.completeSnapshotTransfer()
}

func (r *Raft) heartbeatLoop() {
	defer r.wg.Done()

	for {
		time.Sleep(r.options.heartbeatInterval)

		r.mu.Lock()
		if r.state == Shutdown {
			r.mu.Unlock()
			return
		}
		if r.state != Leader {
			r.mu.Unlock()
			continue
		}
		r.sendAppendEntriesToPeers()
		r.mu.Unlock()
	}
}

func (r *Raft) electionLoop() {
	defer r.wg.Done()

	for {
		timeout := util.RandomTimeout(r.options.electionTimeoutMin, r.options.electionTimeoutMax)
		time.Sleep(timeout)

		r.mu.Lock()
		if r.state == Shutdown {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		r.election()
	}
}

func (r *Raft) election() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Follower && r.state != Candidate {
		return
	}
	if time.Since(r.lastContact) < r.options.electionTimeoutMin {
		return
	}

	var votesReceived int
	r.becomeCandidate()
	r.sendRequestVoteToPeers(&votesReceived)
}

func (r *Raft) commitLoop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.wg.Done()

	for r.state != Shutdown {
		r.commitCond.Wait()

		if r.state != Leader {
			continue
		}

		committed := false

		for index := r.commitIndex + 1; index <= r.log.LastIndex(); index++ {
			// It is never safe to commit an entry from a prior term by
			// counting replicas directly; it can still be overwritten
			// by a future leader (spec.md 4.4's commit-advancement
			// rule).
			term, ok := r.log.TermAt(index)
			if !ok {
				r.stepDownFatal("failed to get term for log index %d", index)
			}
			if term != r.currentTerm {
				continue
			}

			matches := 1
			for peerID, p := range r.peers {
				if peerID == r.id {
					continue
				}
				if p.matchIndex >= index {
					matches++
				}
			}

			if r.hasQuorum(matches) {
				r.options.logger.Debugf(
					"leader updating commit index: currentCommitIndex = %d, newCommitIndex = %d",
					r.commitIndex, index,
				)
				r.commitIndex = index
				committed = true
			}
		}

		if committed {
			r.applyCond.Broadcast()
			r.sendAppendEntriesToPeers()
		}
	}
}

func (r *Raft) applyLoop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.wg.Done()

	for r.state != Shutdown {
		r.applyCond.Wait()

		for r.lastApplied < r.commitIndex {
			entry, err := r.log.GetEntry(r.lastApplied + 1)
			if err != nil {
				r.stepDownFatal("failed to get entry from log: error = %v", err)
			}

			if entry.EntryType == NoOpEntry {
				r.lastApplied++
				continue
			}

			r.operationManager.mu.Lock()
			responseCh, ok := r.operationManager.pendingReplicated[entry.Index]
			if ok {
				delete(r.operationManager.pendingReplicated, entry.Index)
			}
			r.operationManager.mu.Unlock()

			operation := &Operation{
				LogIndex:      entry.Index,
				LogTerm:       entry.Term,
				Bytes:         entry.Data,
				OperationType: Replicated,
				responseCh:    responseCh,
			}

			lastApplied := r.lastApplied

			r.mu.Unlock()
			result := r.fsm.Apply(operation)
			sendResponseWithoutBlocking(responseCh, OperationResponse{Operation: *operation, Response: result})
			r.options.logger.Debugf(
				"applied operation to state machine: logIndex = %d, logTerm = %d, type = %s",
				operation.LogIndex, operation.LogTerm, operation.OperationType.String(),
			)
			r.mu.Lock()

			if r.lastApplied != lastApplied {
				continue
			}
			r.lastApplied++

			if r.fsm.NeedSnapshot(r.log.Size()) {
				r.takeSnapshot()
			}
		}

		if r.state == Leader {
			r.readOnlyCond.Broadcast()
		}
	}
}

func (r *Raft) readOnlyLoop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.wg.Done()

	for r.state != Shutdown {
		r.readOnlyCond.Wait()

		if r.state != Leader || r.log.LastTerm() != r.currentTerm {
			continue
		}

		appliable := r.operationManager.appliableReadOnlyOperations(r.lastApplied)
		for _, operation := range appliable {
			response := OperationResponse{Operation: *operation}

			if operation.OperationType == LeaseBasedReadOnly && !r.operationManager.leaderLease.isValid() {
				response.Err = InvalidLeaseError{ServerID: r.id}
				sendResponseWithoutBlocking(operation.responseCh, response)
				continue
			}

			r.mu.Unlock()
			response.Response = r.fsm.Apply(operation)
			sendResponseWithoutBlocking(operation.responseCh, response)
			r.options.logger.Debugf(
				"applied operation to state machine: readIndex = %d, type = %s",
				operation.readIndex, operation.OperationType.String(),
			)
			r.mu.Lock()

			if r.state != Leader {
				break
			}
		}
	}
}

func (r *Raft) becomeCandidate() {
	r.state = Candidate
	r.currentTerm++
	r.votedFor = r.id
	r.persistTermAndVote()
	r.options.logger.Infof("entered the candidate state: term = %d", r.currentTerm)
}

func (r *Raft) becomeLeader() {
	r.state = Leader
	for _, p := range r.peers {
		p.nextIndex = r.log.LastIndex() + 1
		p.matchIndex = 0
		p.snapshotData = nil
	}

	r.operationManager = newOperationManager(r.options.leaseDuration)

	entry := NewLogEntry(r.log.NextIndex(), r.currentTerm, nil, NoOpEntry)
	if err := r.log.AppendEntry(entry); err != nil {
		r.stepDownFatal("failed to append entry to log: error = %v", err)
	}

	r.sendAppendEntriesToPeers()

	r.options.logger.Infof("entered the leader state: term = %d", r.currentTerm)
}

func (r *Raft) becomeFollower(leaderID string, term uint64) {
	r.state = Follower
	r.currentTerm = term
	r.leaderId = leaderID
	r.votedFor = ""
	r.persistTermAndVote()

	r.options.logger.Infof("entered the follower state: term = %d", r.currentTerm)

	r.operationManager.notifyLostLeadership(r.id, r.leaderId)
	r.operationManager = newOperationManager(r.options.leaseDuration)
}

func (r *Raft) tryApplyReadOnlyOperations() {
	r.operationManager.leaderLease.renew()
	r.operationManager.shouldVerifyQuorum = true
	r.readOnlyCond.Broadcast()
}

func (r *Raft) hasQuorum(count int) bool {
	return count > len(r.peers)/2
}

func (r *Raft) persistTermAndVote() {
	if err := r.stateStorage.SetState(r.currentTerm, r.votedFor); err != nil {
		r.stepDownFatal("failed to persist term and vote: error = %v", err)
	}
}

// stepDownFatal downgrades this node's role before logging a fatal
// storage error and exiting the process, per spec.md 7: a storage
// failure is fatal, but the node steps down first so nothing observes
// it still claiming to be a follower or leader on the way out. Callers
// must hold r.mu.
func (r *Raft) stepDownFatal(format string, args ...interface{}) {
	r.state = Shutdown
	r.applyCond.Broadcast()
	r.commitCond.Broadcast()
	r.readOnlyCond.Broadcast()
	r.options.logger.Fatalf(format, args...)
}
