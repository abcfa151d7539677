package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOperationResponseFutureAwaitReceivesResponse(t *testing.T) {
	future := NewOperationResponseFuture([]byte("cmd"), time.Second)
	future.responseCh <- OperationResponse{Response: "ok"}

	response := future.Await()
	require.NoError(t, response.Err)
	require.Equal(t, "ok", response.Response)
}

func TestOperationResponseFutureAwaitTimesOut(t *testing.T) {
	future := NewOperationResponseFuture([]byte("cmd"), 10*time.Millisecond)

	response := future.Await()
	require.Error(t, response.Err)
	require.IsType(t, TimeoutError{}, response.Err)
}

func TestLeaderLeaseValidity(t *testing.T) {
	lease := newLeaderLease(20 * time.Millisecond)
	require.False(t, lease.isValid())

	lease.renew()
	require.True(t, lease.isValid())

	time.Sleep(30 * time.Millisecond)
	require.False(t, lease.isValid())
}

func TestAppliableReadOnlyOperationsReturnsOnlyReadyOnes(t *testing.T) {
	m := newOperationManager(100 * time.Millisecond)

	ready := &Operation{readIndex: 5}
	notReady := &Operation{readIndex: 10}
	m.pendingReadOnly[ready] = true
	m.pendingReadOnly[notReady] = true

	result := m.appliableReadOnlyOperations(5)

	require.Len(t, result, 1)
	require.Equal(t, ready, result[0])
	require.Len(t, m.pendingReadOnly, 1)
	require.True(t, m.pendingReadOnly[notReady])
}

func TestNotifyLostLeadershipFailsAllPendingOperations(t *testing.T) {
	m := newOperationManager(100 * time.Millisecond)

	replicatedCh := make(chan OperationResponse, 1)
	m.pendingReplicated[1] = replicatedCh

	readOnlyCh := make(chan OperationResponse, 1)
	readOnly := &Operation{readIndex: 1, responseCh: readOnlyCh}
	m.pendingReadOnly[readOnly] = true

	m.notifyLostLeadership("node-1", "node-2")

	replicatedResp := <-replicatedCh
	require.IsType(t, NotLeaderError{}, replicatedResp.Err)

	readOnlyResp := <-readOnlyCh
	require.IsType(t, NotLeaderError{}, readOnlyResp.Err)

	require.Empty(t, m.pendingReplicated)
	require.Empty(t, m.pendingReadOnly)
}

func TestSendResponseWithoutBlockingDoesNotPanicOnNilChannel(t *testing.T) {
	require.NotPanics(t, func() {
		sendResponseWithoutBlocking(nil, OperationResponse{})
	})
}

func TestSendResponseWithoutBlockingDropsWhenChannelFull(t *testing.T) {
	ch := make(chan OperationResponse, 1)
	ch <- OperationResponse{Response: "first"}

	require.NotPanics(t, func() {
		sendResponseWithoutBlocking(ch, OperationResponse{Response: "second"})
	})

	received := <-ch
	require.Equal(t, "first", received.Response)
}
