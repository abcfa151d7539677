package raft

// StateMachine is the application-supplied collaborator described in
// spec.md 6. The implementation must be concurrent safe: Apply,
// Snapshot and Restore may run at the same time from different
// goroutines (the apply loop, the read-only loop and the
// InstallSnapshot handler), without the node's lock held.
type StateMachine interface {
	// Apply applies the given operation to the state machine and
	// returns whatever the application considers the operation's
	// result. Apply is infallible from the protocol's point of view;
	// application-level errors are the application's problem to
	// surface through the returned value.
	Apply(operation *Operation) interface{}

	// Snapshot returns a serialized point-in-time copy of the state
	// machine's state. The bytes must be encoded such that Restore
	// can decode them.
	Snapshot() ([]byte, error)

	// Restore replaces the state machine's state with what was
	// serialized by a prior call to Snapshot.
	Restore(snapshot []byte) error

	// NeedSnapshot reports whether the state machine would like a
	// new snapshot taken, given the current number of entries in the
	// log. Consulted after every apply.
	NeedSnapshot(logSize int) bool
}
