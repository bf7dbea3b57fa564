package schema

// Event type constants for the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"

	EventNodeQueued    = "node_queued"
	EventNodeStarted   = "node_started"
	EventNodeWaiting   = "node_waiting"
	EventNodeResumed   = "node_resumed"
	EventNodeSucceeded = "node_succeeded"
	EventNodeFailed    = "node_failed"
	EventNodeSuspended = "node_suspended"
	EventNodeAborted   = "node_aborted"
	EventNodeRetrying  = "node_retrying"
	EventNodeDelayed   = "node_delayed"
)

// Status represents the lifecycle state of a node instance.
type Status string

const (
	StatusQueued          Status = "QUEUED"
	StatusRunning         Status = "RUNNING"
	StatusAsyncWaiting    Status = "ASYNC_WAITING"
	StatusApprovalWaiting Status = "APPROVAL_WAITING"
	StatusResourceWaiting Status = "RESOURCE_WAITING"
	StatusSucceeded       Status = "SUCCEEDED"
	StatusFailed          Status = "FAILED"
	StatusSuspended       Status = "SUSPENDED"
	StatusAborted         Status = "ABORTED"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSuspended, StatusAborted:
		return true
	}
	return false
}

// IsWaiting reports whether the instance is parked on external callbacks.
func (s Status) IsWaiting() bool {
	switch s {
	case StatusAsyncWaiting, StatusApprovalWaiting, StatusResourceWaiting:
		return true
	}
	return false
}

// IsResumable reports whether a completed join may still resume the instance.
// Fan-out and chain parents stay RUNNING while their children execute.
func (s Status) IsResumable() bool {
	return s == StatusRunning || s.IsWaiting()
}

// ExecutionMode selects the execution strategy for a node.
type ExecutionMode string

const (
	ModeSync       ExecutionMode = "SYNC"
	ModeAsync      ExecutionMode = "ASYNC"
	ModeChildren   ExecutionMode = "CHILDREN"
	ModeChildChain ExecutionMode = "CHILD_CHAIN"
)

// Valid reports whether m is one of the four known modes.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeSync, ModeAsync, ModeChildren, ModeChildChain:
		return true
	}
	return false
}

// WaitMode is the waiting sub-mode an asynchronous step declares.
type WaitMode string

const (
	WaitPlain    WaitMode = "PLAIN"
	WaitApproval WaitMode = "APPROVAL"
	WaitResource WaitMode = "RESOURCE"
)

// Status maps the wait mode to the node status it parks in.
func (w WaitMode) Status() Status {
	switch w {
	case WaitApproval:
		return StatusApprovalWaiting
	case WaitResource:
		return StatusResourceWaiting
	default:
		return StatusAsyncWaiting
	}
}
