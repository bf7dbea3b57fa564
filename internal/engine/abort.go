package engine

import (
	"context"
	"log/slog"
	"sort"

	"github.com/rendis/stagecraft/internal/logging"
	"github.com/rendis/stagecraft/internal/store"
	"github.com/rendis/stagecraft/pkg/schema"
)

// maxAbortSweeps bounds how often Abort re-scans a subtree for instances that
// appeared while it was aborting.
const maxAbortSweeps = 32

// Abort cancels an instance and every non-terminal descendant. Descendants are
// aborted from the leaves upward, one depth level at a time. Only the target
// reports ABORTED to its own parent; descendants are silenced because their
// parents no longer wait on them. Aborting a terminal instance is a no-op.
func (r *Runtime) Abort(ctx context.Context, instanceID string) error {
	inst, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return nil
	}
	ctx = logging.WithIDs(ctx, inst.RunID, inst.ID, inst.NodeID)
	r.logger.InfoContext(ctx, "aborting subtree")

	marked := []string{instanceID}
	r.markAborting(instanceID)
	r.waiter.CancelJoin(instanceID)
	defer func() { r.unmarkAborting(marked...) }()

	if err := r.sweep(ctx, instanceID, &marked); err != nil {
		return err
	}
	if err := r.deliverAbort(ctx, instanceID, true); err != nil {
		return err
	}
	// The target may have spawned children while its abort was queued.
	return r.sweep(ctx, instanceID, &marked)
}

// AbortRun aborts the root instance of a run.
func (r *Runtime) AbortRun(ctx context.Context, runID string) error {
	rs, err := r.run(runID)
	if err != nil {
		return err
	}
	return r.Abort(ctx, rs.rootID)
}

func (r *Runtime) sweep(ctx context.Context, rootID string, marked *[]string) error {
	attempted := make(map[string]int)
	for i := 0; i < maxAbortSweeps; i++ {
		live, err := r.liveDescendants(ctx, rootID)
		if err != nil {
			return err
		}
		if len(live) == 0 {
			return nil
		}

		for _, inst := range live {
			if attempted[inst.ID] >= 2 {
				return schema.NewErrorf(schema.ErrCodeStore, "instance %s could not be aborted", inst.ID).WithNode(inst.ID)
			}
			attempted[inst.ID]++
			r.markAborting(inst.ID)
			*marked = append(*marked, inst.ID)
			r.waiter.CancelJoin(inst.ID)
		}

		sort.SliceStable(live, func(a, b int) bool {
			return live[a].Stack.Depth() > live[b].Stack.Depth()
		})
		for start := 0; start < len(live); {
			depth := live[start].Stack.Depth()
			end := start
			for end < len(live) && live[end].Stack.Depth() == depth {
				end++
			}
			if err := r.abortLevel(ctx, live[start:end]); err != nil {
				return err
			}
			start = end
		}
	}
	return schema.NewErrorf(schema.ErrCodeFramework, "subtree of %s kept growing while aborting", rootID)
}

// abortLevel aborts one depth level concurrently and waits for all of it.
func (r *Runtime) abortLevel(ctx context.Context, level []*store.Instance) error {
	dones := make([]chan struct{}, len(level))
	for i, inst := range level {
		dones[i] = make(chan struct{})
		r.send(inst.ID, message{kind: msgAbort, done: dones[i]})
	}
	for _, d := range dones {
		select {
		case <-d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.logger.DebugContext(ctx, "aborted level", slog.Int("instances", len(level)), slog.Int("depth", level[0].Stack.Depth()))
	return nil
}

func (r *Runtime) deliverAbort(ctx context.Context, instanceID string, notify bool) error {
	done := make(chan struct{})
	r.send(instanceID, message{kind: msgAbort, notify: notify, done: done})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) liveDescendants(ctx context.Context, rootID string) ([]*store.Instance, error) {
	var live []*store.Instance
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		children, err := r.store.ListChildren(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if !c.Status.IsTerminal() {
				live = append(live, c)
			}
			queue = append(queue, c.ID)
		}
	}
	return live, nil
}

func (r *Runtime) markAborting(id string) {
	r.mu.Lock()
	r.aborting[id]++
	r.mu.Unlock()
}

func (r *Runtime) unmarkAborting(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if r.aborting[id] <= 1 {
			delete(r.aborting, id)
			continue
		}
		r.aborting[id]--
	}
}

func (r *Runtime) isAborting(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborting[id] > 0
}
