package store

import (
	"context"

	"github.com/rendis/stagecraft/pkg/schema"
)

// Store defines the persistence layer contract for runs and node instances.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status schema.Status) error

	// Node instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error
	ListInstances(ctx context.Context, runID string) ([]*Instance, error)
	ListChildren(ctx context.Context, parentID string) ([]*Instance, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, filter EventFilter) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
