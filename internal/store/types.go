package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/stagecraft/pkg/schema"
)

// Run is the persisted representation of one execution of a plan.
type Run struct {
	ID        string         `json:"id"`
	Plan      schema.Plan    `json:"plan"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Status    schema.Status  `json:"status"`
	RootID    string         `json:"root_instance_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Instance is one runtime occurrence of a node definition within a run.
type Instance struct {
	ID         string                    `json:"id"`
	RunID      string                    `json:"run_id"`
	NodeID     string                    `json:"node_id"`
	ParentID   string                    `json:"parent_id,omitempty"`
	Status     schema.Status             `json:"status"`
	Stack      schema.ExecutionStack     `json:"stack"`
	Executable schema.ExecutableResponse `json:"-"`
	Result     *schema.StepResponse      `json:"result,omitempty"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// Event is an immutable entry in a run's event log.
type Event struct {
	ID         int64           `json:"id"`
	RunID      string          `json:"run_id"`
	InstanceID string          `json:"instance_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// InstanceUpdate specifies mutable fields of an instance. Nil fields are left unchanged.
type InstanceUpdate struct {
	Status     *schema.Status
	Executable schema.ExecutableResponse
	Result     *schema.StepResponse
}

// EventFilter narrows GetEvents.
type EventFilter struct {
	InstanceID string
	Types      []string
	Since      int64
}

func (f EventFilter) match(e *Event) bool {
	if e.Sequence <= f.Since {
		return false
	}
	if f.InstanceID != "" && e.InstanceID != f.InstanceID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}
