// Package waiter owns the join barriers that resume waiting node instances.
//
// A join is registered by an owner (an instance id) over a set of callback ids.
// It fires its resume callback exactly once, after every callback id has been
// notified. Notifications that arrive before the join exists are buffered so
// arbitrarily late registration cannot lose them.
package waiter

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/stagecraft/pkg/schema"
)

// ResumeFunc receives every response of a completed join, keyed by callback id.
type ResumeFunc func(responses map[string]schema.ResponseData)

type join struct {
	owner     string
	pending   map[string]struct{}
	responses map[string]schema.ResponseData
	onResume  ResumeFunc
}

type buffered struct {
	resp schema.ResponseData
	at   time.Time
}

// Waiter is an in-memory join registry. It is safe for concurrent use.
type Waiter struct {
	mu         sync.Mutex
	joins      map[string]*join    // owner -> join
	byCallback map[string]*join    // callback id -> join
	early      map[string]buffered // notified before any join claimed the id
	consumed   map[string]time.Time
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Waiter.
type Option func(*Waiter)

// WithClock overrides the time source used for buffering and purging.
func WithClock(now func() time.Time) Option {
	return func(w *Waiter) { w.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Waiter) { w.logger = l }
}

// New creates an empty Waiter.
func New(opts ...Option) *Waiter {
	w := &Waiter{
		joins:      make(map[string]*join),
		byCallback: make(map[string]*join),
		early:      make(map[string]buffered),
		consumed:   make(map[string]time.Time),
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// WaitForAll registers a join for owner over callbackIDs. onResume runs once,
// on the goroutine that delivers the last notification (or on the caller's
// goroutine when every id was already buffered).
func (w *Waiter) WaitForAll(owner string, callbackIDs []string, onResume ResumeFunc) error {
	if len(callbackIDs) == 0 {
		return schema.NewError(schema.ErrCodeFramework, "cannot wait on an empty callback set").WithNode(owner)
	}
	if onResume == nil {
		return schema.NewError(schema.ErrCodeValidation, "resume callback is nil").WithNode(owner)
	}

	w.mu.Lock()
	if _, ok := w.joins[owner]; ok {
		w.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "owner %q already has an active join", owner).WithNode(owner)
	}
	j := &join{
		owner:     owner,
		pending:   make(map[string]struct{}, len(callbackIDs)),
		responses: make(map[string]schema.ResponseData, len(callbackIDs)),
		onResume:  onResume,
	}
	for _, id := range callbackIDs {
		if _, dup := j.pending[id]; dup {
			continue
		}
		if other, ok := w.byCallback[id]; ok {
			w.mu.Unlock()
			return schema.NewErrorf(schema.ErrCodeConflict,
				"callback %q is already claimed by %q", id, other.owner).WithNode(owner)
		}
		j.pending[id] = struct{}{}
	}
	for id := range j.pending {
		if b, ok := w.early[id]; ok {
			delete(w.early, id)
			delete(j.pending, id)
			j.responses[id] = b.resp
			w.consumed[id] = w.now()
		}
	}
	if len(j.pending) == 0 {
		w.markConsumed(j)
		w.mu.Unlock()
		j.onResume(j.responses)
		return nil
	}
	w.joins[owner] = j
	for id := range j.pending {
		w.byCallback[id] = j
	}
	w.mu.Unlock()
	return nil
}

// Notify delivers the response for one callback id. It returns false when the
// id was already delivered or belongs to a cancelled join.
func (w *Waiter) Notify(callbackID string, resp schema.ResponseData) bool {
	w.mu.Lock()
	if _, done := w.consumed[callbackID]; done {
		w.mu.Unlock()
		w.logger.Debug("dropping duplicate notification", slog.String("callback_id", callbackID))
		return false
	}
	j, ok := w.byCallback[callbackID]
	if !ok {
		if _, dup := w.early[callbackID]; dup {
			w.mu.Unlock()
			return false
		}
		w.early[callbackID] = buffered{resp: resp, at: w.now()}
		w.mu.Unlock()
		return true
	}

	delete(w.byCallback, callbackID)
	delete(j.pending, callbackID)
	j.responses[callbackID] = resp
	w.consumed[callbackID] = w.now()
	if len(j.pending) > 0 {
		w.mu.Unlock()
		return true
	}
	delete(w.joins, j.owner)
	w.mu.Unlock()

	j.onResume(j.responses)
	return true
}

// CancelJoin drops the owner's active join. Its outstanding callback ids are
// remembered as consumed so late notifications are discarded.
func (w *Waiter) CancelJoin(owner string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	j, ok := w.joins[owner]
	if !ok {
		return false
	}
	delete(w.joins, owner)
	w.markConsumed(j)
	return true
}

// markConsumed must be called with mu held.
func (w *Waiter) markConsumed(j *join) {
	now := w.now()
	for id := range j.pending {
		delete(w.byCallback, id)
		w.consumed[id] = now
	}
	for id := range j.responses {
		w.consumed[id] = now
	}
}

// Pending returns the callback ids the owner is still waiting on, sorted.
func (w *Waiter) Pending(owner string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	j, ok := w.joins[owner]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(j.pending))
	for id := range j.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Purge forgets buffered notifications and consumed-id markers older than
// retention. It returns how many entries were removed.
func (w *Waiter) Purge(retention time.Duration) int {
	cutoff := w.now().Add(-retention)
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for id, b := range w.early {
		if b.at.Before(cutoff) {
			delete(w.early, id)
			removed++
		}
	}
	for id, at := range w.consumed {
		if at.Before(cutoff) {
			delete(w.consumed, id)
			removed++
		}
	}
	return removed
}
