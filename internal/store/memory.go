package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/stagecraft/pkg/schema"
)

// MemoryStore is an in-process Store used by tests and one-shot CLI runs.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*Run
	instances map[string]*Instance
	children  map[string][]string
	events    map[string][]*Event
	nextEvent int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*Run),
		instances: make(map[string]*Instance),
		children:  make(map[string][]string),
		events:    make(map[string][]*Event),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	cp := *run
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	cp.UpdatedAt = timeOrNow(cp.UpdatedAt)
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) UpdateRunStatus(_ context.Context, id string, status schema.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	run.Status = status
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CreateInstance(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[inst.RunID]; !ok {
		return storeNotFound("run", inst.RunID)
	}
	if _, ok := m.instances[inst.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %q already exists", inst.ID)
	}
	cp := *inst
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	cp.UpdatedAt = timeOrNow(cp.UpdatedAt)
	m.instances[inst.ID] = &cp
	if inst.ParentID != "" {
		m.children[inst.ParentID] = append(m.children[inst.ParentID], inst.ID)
	}
	return nil
}

func (m *MemoryStore) GetInstance(_ context.Context, id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, storeNotFound("instance", id)
	}
	cp := *inst
	return &cp, nil
}

func (m *MemoryStore) UpdateInstance(_ context.Context, id string, update InstanceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return storeNotFound("instance", id)
	}
	if update.Status != nil {
		inst.Status = *update.Status
	}
	if update.Executable != nil {
		inst.Executable = update.Executable
	}
	if update.Result != nil {
		r := *update.Result
		inst.Result = &r
	}
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListInstances(_ context.Context, runID string) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Instance
	for _, inst := range m.instances {
		if inst.RunID == runID {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ListChildren(_ context.Context, parentID string) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.children[parentID]
	out := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		cp := *m.instances[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEvent++
	event.ID = m.nextEvent
	event.Sequence = int64(len(m.events[event.RunID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)
	cp := *event
	m.events[event.RunID] = append(m.events[event.RunID], &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, runID string, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events[runID] {
		if filter.match(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}
