package raft

import (
	"time"

	"github.com/mvance/raftcore/internal/errors"
	"github.com/mvance/raftcore/internal/logger"
)

const (
	minElectionTimeoutMin     = time.Duration(50 * time.Millisecond)
	maxElectionTimeoutMin     = time.Duration(1000 * time.Millisecond)
	defaultElectionTimeoutMin = time.Duration(150 * time.Millisecond)

	minElectionTimeoutMax     = time.Duration(100 * time.Millisecond)
	maxElectionTimeoutMax     = time.Duration(2000 * time.Millisecond)
	defaultElectionTimeoutMax = time.Duration(300 * time.Millisecond)

	minHeartbeat     = time.Duration(25 * time.Millisecond)
	maxHeartbeat     = time.Duration(300 * time.Millisecond)
	defaultHeartbeat = time.Duration(50 * time.Millisecond)

	minMaxEntriesPerRPC     = 50
	maxMaxEntriesPerRPC     = 500
	defaultMaxEntriesPerRPC = 64

	minRPCTimeout     = time.Duration(50 * time.Millisecond)
	maxRPCTimeout     = time.Duration(5 * time.Second)
	defaultRPCTimeout = time.Duration(500 * time.Millisecond)

	minLeaseDuration     = time.Duration(10 * time.Millisecond)
	maxLeaseDuration     = time.Duration(300 * time.Millisecond)
	defaultLeaseDuration = time.Duration(100 * time.Millisecond)

	minSnapshotThreshold     = 100
	maxSnapshotThreshold     = 1_000_000
	defaultSnapshotThreshold = 10_000
)

// Logger supports logging messages at the debug, info, warn, error, and fatal level.
type Logger interface {
	// Debug logs a message at debug level.
	Debug(args ...interface{})

	// Debugf logs a formatted message at debug level.
	Debugf(format string, args ...interface{})

	// Info logs a message at info level.
	Info(args ...interface{})

	// Infof logs a formatted message at info level.
	Infof(format string, args ...interface{})

	// Warn logs a message at warn level.
	Warn(args ...interface{})

	// Warnf logs a formatted message at warn level.
	Warnf(format string, args ...interface{})

	// Error logs a message at error level.
	Error(args ...interface{})

	// Errorf logs a formatted message at error level.
	Errorf(format string, args ...interface{})

	// Fatal logs a message at fatal level.
	Fatal(args ...interface{})

	// Fatalf logs a formatted message at fatal level.
	Fatalf(format string, args ...interface{})
}

type options struct {
	// electionTimeoutMin and electionTimeoutMax bound the random
	// election timeout chosen from [electionTimeoutMin,
	// electionTimeoutMax) to determine when a server will hold an
	// election. electionTimeoutMax must be at least 2x
	// electionTimeoutMin.
	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration

	// The interval between AppendEntries RPCs that the leader sends
	// to followers to maintain authority.
	heartbeatInterval time.Duration

	// The maximum number of log entries transmitted via a single
	// AppendEntries RPC.
	maxEntriesPerRPC int

	// How long a peer RPC is allowed to run before it is considered
	// failed.
	rpcTimeout time.Duration

	// How long a leader may serve lease-based reads without
	// confirming its authority via a fresh round of heartbeats.
	leaseDuration time.Duration

	// The configured snapshot threshold, in log entries. Raft stores
	// it but does not read it: whether to snapshot after an apply is
	// decided by StateMachine.NeedSnapshot alone, which is passed the
	// log size and not this value.
	snapshotThreshold int

	// Whether snapshot blobs are gzip-compressed on disk and on the
	// wire during InstallSnapshot.
	compressSnapshots bool

	// A logger for debugging and important events.
	logger Logger

	// The network transport used to send and receive RPCs. If unset,
	// NewRaft constructs the default gRPC-backed transport listening
	// on this node's configured address.
	transport Transport
}

func defaultOptions() options {
	return options{
		electionTimeoutMin: defaultElectionTimeoutMin,
		electionTimeoutMax: defaultElectionTimeoutMax,
		heartbeatInterval:  defaultHeartbeat,
		maxEntriesPerRPC:   defaultMaxEntriesPerRPC,
		rpcTimeout:         defaultRPCTimeout,
		leaseDuration:      defaultLeaseDuration,
		snapshotThreshold:  defaultSnapshotThreshold,
		compressSnapshots:  true,
		logger:             newDefaultLogger(),
	}
}

// newDefaultLogger constructs the fallback logger used when no
// WithLogger option is supplied. Construction failure (stderr
// unavailable) falls back to a no-op logger rather than panicking
// during option resolution.
func newDefaultLogger() Logger {
	l, err := logger.NewLogger()
	if err != nil {
		return noopLogger{}
	}
	return l
}

type noopLogger struct{}

func (noopLogger) Debug(args ...interface{})                 {}
func (noopLogger) Debugf(format string, args ...interface{}) {}
func (noopLogger) Info(args ...interface{})                  {}
func (noopLogger) Infof(format string, args ...interface{})  {}
func (noopLogger) Warn(args ...interface{})                  {}
func (noopLogger) Warnf(format string, args ...interface{})  {}
func (noopLogger) Error(args ...interface{})                 {}
func (noopLogger) Errorf(format string, args ...interface{}) {}
func (noopLogger) Fatal(args ...interface{})                 {}
func (noopLogger) Fatalf(format string, args ...interface{}) {}

// Option is a function that updates the options associated with Raft.
type Option func(options *options) error

// WithElectionTimeoutMin sets the lower bound of the randomized
// election timeout range.
func WithElectionTimeoutMin(timeout time.Duration) Option {
	return func(options *options) error {
		if timeout < minElectionTimeoutMin || timeout > maxElectionTimeoutMin {
			return errors.New("election timeout min value is invalid")
		}
		options.electionTimeoutMin = timeout
		return nil
	}
}

// WithElectionTimeoutMax sets the upper bound of the randomized
// election timeout range. It must be at least 2x whatever
// electionTimeoutMin resolves to.
func WithElectionTimeoutMax(timeout time.Duration) Option {
	return func(options *options) error {
		if timeout < minElectionTimeoutMax || timeout > maxElectionTimeoutMax {
			return errors.New("election timeout max value is invalid")
		}
		options.electionTimeoutMax = timeout
		return nil
	}
}

// WithHeartbeatInterval sets the heartbeat interval for the Raft server.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(options *options) error {
		if interval < minHeartbeat || interval > maxHeartbeat {
			return errors.New("heartbeat interval value is invalid")
		}
		options.heartbeatInterval = interval
		return nil
	}
}

// WithMaxEntriesPerRPC sets the maximum number of log entries that can be
// transmitted via an AppendEntries RPC.
func WithMaxEntriesPerRPC(maxEntriesPerRPC int) Option {
	return func(options *options) error {
		if maxEntriesPerRPC < minMaxEntriesPerRPC || maxEntriesPerRPC > maxMaxEntriesPerRPC {
			return errors.New("maximum entries per RPC value is invalid")
		}
		options.maxEntriesPerRPC = maxEntriesPerRPC
		return nil
	}
}

// WithRPCTimeout sets how long a peer RPC may run before it is
// considered failed.
func WithRPCTimeout(timeout time.Duration) Option {
	return func(options *options) error {
		if timeout < minRPCTimeout || timeout > maxRPCTimeout {
			return errors.New("RPC timeout value is invalid")
		}
		options.rpcTimeout = timeout
		return nil
	}
}

// WithLeaseDuration sets how long a leader may serve lease-based reads
// without reconfirming its authority.
func WithLeaseDuration(duration time.Duration) Option {
	return func(options *options) error {
		if duration < minLeaseDuration || duration > maxLeaseDuration {
			return errors.New("lease duration value is invalid")
		}
		options.leaseDuration = duration
		return nil
	}
}

// WithSnapshotThreshold validates and records a snapshot threshold in
// log entries. The value does not trigger snapshots by itself; that
// decision is made by StateMachine.NeedSnapshot.
func WithSnapshotThreshold(threshold int) Option {
	return func(options *options) error {
		if threshold < minSnapshotThreshold || threshold > maxSnapshotThreshold {
			return errors.New("snapshot threshold value is invalid")
		}
		options.snapshotThreshold = threshold
		return nil
	}
}

// WithSnapshotCompression enables or disables gzip compression of
// snapshot blobs.
func WithSnapshotCompression(enabled bool) Option {
	return func(options *options) error {
		options.compressSnapshots = enabled
		return nil
	}
}

// WithTransport sets the network transport used by the Raft server,
// overriding the default gRPC-backed transport.
func WithTransport(transport Transport) Option {
	return func(options *options) error {
		if transport == nil {
			return errors.New("transport must not be nil")
		}
		options.transport = transport
		return nil
	}
}

// WithLogger sets the logger used by the Raft server.
func WithLogger(logger Logger) Option {
	return func(options *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		options.logger = logger
		return nil
	}
}
