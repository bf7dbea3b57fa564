package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/stagecraft/internal/store"
	"github.com/rendis/stagecraft/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to schema.Status) error

// EventAppender is satisfied by the Store; used by the FSM to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type hookKey struct {
	from, to schema.Status
}

// NodeFSM validates node instance status transitions and records each one in
// the run's event log.
type NodeFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewNodeFSM creates a NodeFSM that emits events via the given appender.
func NewNodeFSM(appender EventAppender) *NodeFSM {
	return &NodeFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error vetoes it.
func (f *NodeFSM) OnBefore(from, to schema.Status, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *NodeFSM) OnAfter(from, to schema.Status, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to and appends the matching event. The caller
// persists the new status.
func (f *NodeFSM) Transition(ctx context.Context, runID, instanceID string, from, to schema.Status) error {
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(instanceID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	f.mu.Lock()
	before := append([]TransitionHook(nil), f.before[key]...)
	after := append([]TransitionHook(nil), f.after[key]...)
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	event := &store.Event{
		RunID:      runID,
		InstanceID: instanceID,
		Type:       nodeEventType(from, to),
	}
	if to.IsWaiting() {
		event.Payload, _ = json.Marshal(to)
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).
			WithNode(instanceID).WithCause(err)
	}

	for _, hook := range after {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidTransition reports whether the transition table allows from -> to.
func IsValidTransition(from, to schema.Status) bool {
	for _, a := range ValidTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func nodeEventType(from, to schema.Status) string {
	switch {
	case to == schema.StatusRunning && from.IsWaiting():
		return schema.EventNodeResumed
	case to == schema.StatusRunning:
		return schema.EventNodeStarted
	case to.IsWaiting():
		return schema.EventNodeWaiting
	}
	switch to {
	case schema.StatusSucceeded:
		return schema.EventNodeSucceeded
	case schema.StatusFailed:
		return schema.EventNodeFailed
	case schema.StatusSuspended:
		return schema.EventNodeSuspended
	default:
		return schema.EventNodeAborted
	}
}

var waitingStatuses = []schema.Status{
	schema.StatusAsyncWaiting, schema.StatusApprovalWaiting, schema.StatusResourceWaiting,
}

// ValidTransitions defines the allowed status transitions for node instances.
var ValidTransitions = map[schema.Status][]schema.Status{
	schema.StatusQueued: {schema.StatusRunning, schema.StatusAborted},
	schema.StatusRunning: append(append([]schema.Status(nil), waitingStatuses...),
		schema.StatusSucceeded, schema.StatusFailed, schema.StatusSuspended, schema.StatusAborted),
	schema.StatusAsyncWaiting:    {schema.StatusRunning, schema.StatusAborted},
	schema.StatusApprovalWaiting: {schema.StatusRunning, schema.StatusAborted},
	schema.StatusResourceWaiting: {schema.StatusRunning, schema.StatusAborted},
	schema.StatusSucceeded:       {},
	schema.StatusFailed:          {},
	schema.StatusSuspended:       {},
	schema.StatusAborted:         {},
}
