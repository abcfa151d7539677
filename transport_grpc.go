package raft

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	oldproto "github.com/golang/protobuf/proto"
	"github.com/mvance/raftcore/internal/raftpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// legacyProtoCodecName is registered under the name grpc's built-in
// codec already uses ("proto"), so it silently replaces it. This is
// necessary because internal/raftpb's message types are hand-authored
// against the legacy github.com/golang/protobuf reflection-based
// Message interface (Reset/String/ProtoMessage), not the newer
// protoreflect.ProtoMessage interface grpc's stock codec requires -
// there is no protoc in this environment to generate descriptor-based
// messages.
const legacyProtoCodecName = "proto"

type legacyProtoCodec struct{}

func (legacyProtoCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(oldproto.Message)
	if !ok {
		return nil, fmt.Errorf("legacyProtoCodec: %T does not implement proto.Message", v)
	}
	return oldproto.Marshal(m)
}

func (legacyProtoCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(oldproto.Message)
	if !ok {
		return fmt.Errorf("legacyProtoCodec: %T does not implement proto.Message", v)
	}
	return oldproto.Unmarshal(data, m)
}

func (legacyProtoCodec) Name() string { return legacyProtoCodecName }

func init() {
	encoding.RegisterCodec(legacyProtoCodec{})
}

const (
	raftServiceName           = "raftpb.RaftTransport"
	requestVoteMethod         = "/raftpb.RaftTransport/RequestVote"
	appendEntriesMethod       = "/raftpb.RaftTransport/AppendEntries"
	installSnapshotMethod     = "/raftpb.RaftTransport/InstallSnapshot"
	defaultTransportRPCTimeout = 2 * time.Second
)

// raftGRPCServer is the server-side contract the hand-authored
// service descriptor below dispatches to. It mirrors the shape
// protoc-gen-go-grpc would have generated from raftpb.proto's
// RaftTransport service.
type raftGRPCServer interface {
	RequestVote(ctx context.Context, req *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, req *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, req *raftpb.InstallSnapshotRequest) (*raftpb.InstallSnapshotResponse, error)
}

func requestVoteServerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raftpb.RequestVoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftGRPCServer).RequestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: requestVoteMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raftGRPCServer).RequestVote(ctx, req.(*raftpb.RequestVoteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func appendEntriesServerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raftpb.AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftGRPCServer).AppendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: appendEntriesMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raftGRPCServer).AppendEntries(ctx, req.(*raftpb.AppendEntriesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func installSnapshotServerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raftpb.InstallSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftGRPCServer).InstallSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: installSnapshotMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raftGRPCServer).InstallSnapshot(ctx, req.(*raftpb.InstallSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: raftServiceName,
	HandlerType: (*raftGRPCServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteServerHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesServerHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotServerHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftpb.proto",
}

// grpcTransport is the default Transport implementation, serving and
// issuing the RPCs described in spec.md 4.5 over gRPC.
type grpcTransport struct {
	address string

	mu         sync.Mutex
	listener   net.Listener
	server     *grpc.Server
	conns      map[string]*grpc.ClientConn
	rpcTimeout time.Duration

	appendEntriesHandler   AppendEntriesHandler
	requestVoteHandler     RequestVoteHandler
	installSnapshotHandler InstallSnapshotHandler
}

// NewTransport creates the default gRPC-backed Transport listening on
// address.
func NewTransport(address string) (Transport, error) {
	return &grpcTransport{
		address:    address,
		conns:      make(map[string]*grpc.ClientConn),
		rpcTimeout: defaultTransportRPCTimeout,
	}, nil
}

func (t *grpcTransport) Address() string { return t.address }

// SetRPCTimeout sets the per-call timeout used by subsequent
// SendRequestVote, SendAppendEntries and SendInstallSnapshot calls.
func (t *grpcTransport) SetRPCTimeout(timeout time.Duration) {
	t.mu.Lock()
	t.rpcTimeout = timeout
	t.mu.Unlock()
}

func (t *grpcTransport) getRPCTimeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rpcTimeout
}

func (t *grpcTransport) RegisterAppendEntriesHandler(handler AppendEntriesHandler) {
	t.appendEntriesHandler = handler
}

func (t *grpcTransport) RegisterRequestVoteHandler(handler RequestVoteHandler) {
	t.requestVoteHandler = handler
}

func (t *grpcTransport) RegisterInstallSnapshotHandler(handler InstallSnapshotHandler) {
	t.installSnapshotHandler = handler
}

// Run starts serving incoming RPCs in the background and returns
// immediately, so that Raft.Start, which calls it while holding r.mu,
// never blocks on the server loop.
func (t *grpcTransport) Run() error {
	listener, err := net.Listen("tcp", t.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.address, err)
	}

	server := grpc.NewServer()
	server.RegisterService(&raftServiceDesc, t)

	t.mu.Lock()
	t.listener = listener
	t.server = server
	t.mu.Unlock()

	go func() {
		_ = server.Serve(listener)
	}()
	return nil
}

func (t *grpcTransport) Shutdown() {
	t.mu.Lock()
	server := t.server
	t.mu.Unlock()
	if server != nil {
		server.GracefulStop()
	}
}

func (t *grpcTransport) Connect(address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[address]; ok {
		return nil
	}
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	t.conns[address] = conn
	return nil
}

func (t *grpcTransport) Close(address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, ok := t.conns[address]
	if !ok {
		return nil
	}
	delete(t.conns, address)
	return conn.Close()
}

func (t *grpcTransport) conn(address string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, ok := t.conns[address]
	if ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	t.conns[address] = conn
	return conn, nil
}

func (t *grpcTransport) SendRequestVote(address string, request *RequestVoteRequest) (*RequestVoteResponse, error) {
	conn, err := t.conn(address)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.getRPCTimeout())
	defer cancel()

	in := &raftpb.RequestVoteRequest{
		Term:         request.Term,
		CandidateId:  request.CandidateID,
		LastLogIndex: request.LastLogIndex,
		LastLogTerm:  request.LastLogTerm,
	}
	out := new(raftpb.RequestVoteResponse)
	if err := conn.Invoke(ctx, requestVoteMethod, in, out); err != nil {
		return nil, err
	}
	return &RequestVoteResponse{Term: out.Term, VoteGranted: out.VoteGranted}, nil
}

func (t *grpcTransport) SendAppendEntries(address string, request *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	conn, err := t.conn(address)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.getRPCTimeout())
	defer cancel()

	entries := make([]*raftpb.LogEntry, len(request.Entries))
	for i, entry := range request.Entries {
		entries[i] = entry.toProto()
	}
	in := &raftpb.AppendEntriesRequest{
		Term:         request.Term,
		LeaderId:     request.LeaderID,
		PrevLogIndex: request.PrevLogIndex,
		PrevLogTerm:  request.PrevLogTerm,
		Entries:      entries,
		LeaderCommit: request.LeaderCommit,
	}
	out := new(raftpb.AppendEntriesResponse)
	if err := conn.Invoke(ctx, appendEntriesMethod, in, out); err != nil {
		return nil, err
	}
	return &AppendEntriesResponse{
		Term:          out.Term,
		Success:       out.Success,
		ConflictIndex: out.ConflictIndex,
		ConflictTerm:  out.ConflictTerm,
	}, nil
}

func (t *grpcTransport) SendInstallSnapshot(address string, request *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	conn, err := t.conn(address)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.getRPCTimeout())
	defer cancel()

	in := &raftpb.InstallSnapshotRequest{
		Term:              request.Term,
		LeaderId:          request.LeaderID,
		LastIncludedIndex: request.LastIncludedIndex,
		LastIncludedTerm:  request.LastIncludedTerm,
		Data:              request.Data,
		Offset:            request.Offset,
		Done:              request.Done,
	}
	out := new(raftpb.InstallSnapshotResponse)
	if err := conn.Invoke(ctx, installSnapshotMethod, in, out); err != nil {
		return nil, err
	}
	return &InstallSnapshotResponse{Term: out.Term, BytesWritten: out.BytesWritten}, nil
}

// RequestVote implements raftGRPCServer, adapting the wire message to
// the handler Raft registered.
func (t *grpcTransport) RequestVote(ctx context.Context, req *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error) {
	request := &RequestVoteRequest{
		CandidateID:  req.CandidateId,
		Term:         req.Term,
		LastLogIndex: req.LastLogIndex,
		LastLogTerm:  req.LastLogTerm,
	}
	response := new(RequestVoteResponse)
	if t.requestVoteHandler == nil {
		return nil, fmt.Errorf("no RequestVote handler registered")
	}
	if err := t.requestVoteHandler(request, response); err != nil {
		return nil, err
	}
	return &raftpb.RequestVoteResponse{Term: response.Term, VoteGranted: response.VoteGranted}, nil
}

func (t *grpcTransport) AppendEntries(ctx context.Context, req *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error) {
	entries := make([]*LogEntry, len(req.Entries))
	for i, entry := range req.Entries {
		entries[i] = entryFromProto(entry)
	}
	request := &AppendEntriesRequest{
		Term:         req.Term,
		LeaderID:     req.LeaderId,
		PrevLogIndex: req.PrevLogIndex,
		PrevLogTerm:  req.PrevLogTerm,
		Entries:      entries,
		LeaderCommit: req.LeaderCommit,
	}
	response := new(AppendEntriesResponse)
	if t.appendEntriesHandler == nil {
		return nil, fmt.Errorf("no AppendEntries handler registered")
	}
	if err := t.appendEntriesHandler(request, response); err != nil {
		return nil, err
	}
	return &raftpb.AppendEntriesResponse{
		Term:          response.Term,
		Success:       response.Success,
		ConflictIndex: response.ConflictIndex,
		ConflictTerm:  response.ConflictTerm,
	}, nil
}

func (t *grpcTransport) InstallSnapshot(ctx context.Context, req *raftpb.InstallSnapshotRequest) (*raftpb.InstallSnapshotResponse, error) {
	request := &InstallSnapshotRequest{
		Term:              req.Term,
		LeaderID:          req.LeaderId,
		LastIncludedIndex: req.LastIncludedIndex,
		LastIncludedTerm:  req.LastIncludedTerm,
		Data:              req.Data,
		Offset:            req.Offset,
		Done:              req.Done,
	}
	response := new(InstallSnapshotResponse)
	if t.installSnapshotHandler == nil {
		return nil, fmt.Errorf("no InstallSnapshot handler registered")
	}
	if err := t.installSnapshotHandler(request, response); err != nil {
		return nil, err
	}
	return &raftpb.InstallSnapshotResponse{Term: response.Term, BytesWritten: response.BytesWritten}, nil
}
