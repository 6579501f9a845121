package types

import "time"

// WorkerIdentity is assigned once at /init and never changes afterwards.
type WorkerIdentity struct {
	WorkerID string `json:"workerId"`
	Endpoint string `json:"endpoint"`
}

// WorkerInfo is a live-table record kept by the master.
type WorkerInfo struct {
	WorkerIdentity
	SessionID string    `json:"sessionId"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// WorkerState represents the lifecycle state of a worker runtime.
type WorkerState string

const (
	// WorkerStateUnregistered indicates the runtime has not contacted the master yet.
	WorkerStateUnregistered WorkerState = "unregistered"
	// WorkerStateRegistering indicates the registration handshake is in progress.
	WorkerStateRegistering WorkerState = "registering"
	// WorkerStateRegistered indicates the runtime accepts dispatched closures.
	WorkerStateRegistered WorkerState = "registered"
	// WorkerStateShuttingDown indicates the runtime is releasing its resources.
	WorkerStateShuttingDown WorkerState = "shutting_down"
	// WorkerStateClosed indicates the runtime has stopped.
	WorkerStateClosed WorkerState = "closed"
)

// WorkerEvent represents a change of the master's live worker table.
type WorkerEvent struct {
	Type   WorkerEventType
	Worker WorkerInfo
}

// WorkerEventType defines the type of worker event.
type WorkerEventType string

const (
	// WorkerEventJoined indicates a worker completed its handshake.
	WorkerEventJoined WorkerEventType = "joined"
	// WorkerEventLeft indicates a worker's session closed.
	WorkerEventLeft WorkerEventType = "left"
)

// DispatchStats summarizes the exec calls routed to one worker.
type DispatchStats struct {
	WorkerID string
	Count    int64
	Errors   int64
	Mean     time.Duration
	P50      time.Duration
	P99      time.Duration
	Max      time.Duration
}
