package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/stagecraft/pkg/schema"
)

// EventReader is the read side of the event log.
type EventReader interface {
	GetEvents(ctx context.Context, runID string, filter EventFilter) ([]*Event, error)
}

// InstanceHistory is the status timeline of one instance rebuilt from the event log.
type InstanceHistory struct {
	InstanceID string          `json:"instance_id"`
	Status     schema.Status   `json:"status"`
	Timeline   []schema.Status `json:"timeline"`
}

var eventStatus = map[string]schema.Status{
	schema.EventNodeQueued:    schema.StatusQueued,
	schema.EventNodeStarted:   schema.StatusRunning,
	schema.EventNodeResumed:   schema.StatusRunning,
	schema.EventNodeSucceeded: schema.StatusSucceeded,
	schema.EventNodeFailed:    schema.StatusFailed,
	schema.EventNodeSuspended: schema.StatusSuspended,
	schema.EventNodeAborted:   schema.StatusAborted,
}

// Replay rebuilds per-instance status timelines for a run. Waiting events carry
// the concrete waiting status in their payload. A gap in the run's sequence
// numbers is reported as a store error.
func Replay(ctx context.Context, r EventReader, runID string) (map[string]*InstanceHistory, error) {
	events, err := r.GetEvents(ctx, runID, EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	out := make(map[string]*InstanceHistory)
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, want, e.Sequence)
		}
		if e.InstanceID == "" {
			continue
		}
		status, ok := eventStatus[e.Type]
		if e.Type == schema.EventNodeWaiting {
			var waiting schema.Status
			ok = json.Unmarshal(e.Payload, &waiting) == nil && waiting.IsWaiting()
			status = waiting
		}
		if !ok {
			continue
		}
		h := out[e.InstanceID]
		if h == nil {
			h = &InstanceHistory{InstanceID: e.InstanceID}
			out[e.InstanceID] = h
		}
		h.Status = status
		h.Timeline = append(h.Timeline, status)
	}
	return out, nil
}
