package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/stagecraft/internal/failure"
	"github.com/rendis/stagecraft/internal/logging"
	"github.com/rendis/stagecraft/internal/steps"
	"github.com/rendis/stagecraft/internal/store"
	"github.com/rendis/stagecraft/internal/waiter"
	"github.com/rendis/stagecraft/pkg/schema"
)

// defaultRunRetention is how long a finished run stays in memory before Wait
// falls back to the store.
const defaultRunRetention = time.Minute

type msgKind int

const (
	msgStart msgKind = iota
	msgResume
	msgAbort
	msgRetry
)

type message struct {
	kind      msgKind
	responses map[string]schema.ResponseData
	notify    bool
	// delayed marks a start whose initial wait already elapsed.
	delayed bool
	done    chan struct{}
}

// mailbox serializes every message addressed to one instance. Sends never block.
type mailbox struct {
	queue   []message
	running bool
}

type runState struct {
	plan   schema.Plan
	inputs map[string]any
	rootID string
	done   chan struct{}
	once   sync.Once
	result *RunResult
	// outcomes is guarded by Runtime.mu.
	outcomes map[string]json.RawMessage
}

// RunResult is the final state of a run.
type RunResult struct {
	RunID  string               `json:"run_id"`
	Status schema.Status        `json:"status"`
	Result *schema.StepResponse `json:"result,omitempty"`
}

// Runtime owns node instances. Each instance is driven by its own mailbox:
// messages for one instance are handled in order, different instances run
// concurrently.
type Runtime struct {
	store      store.Store
	dispatcher *Dispatcher
	waiter     *waiter.Waiter
	fsm        *NodeFSM
	logger     *slog.Logger
	newID      IDGenerator
	retention  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	mailboxes map[string]*mailbox
	runs      map[string]*runState
	aborting  map[string]int
	retries   map[string]int
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithLogger sets the runtime logger.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

// WithRunIDs overrides how run and root instance ids are generated.
func WithRunIDs(gen IDGenerator) RuntimeOption {
	return func(r *Runtime) { r.newID = gen }
}

// WithRunRetention sets how long finished runs are kept in memory. Zero drops
// them as soon as they complete.
func WithRunRetention(d time.Duration) RuntimeOption {
	return func(r *Runtime) { r.retention = d }
}

// NewRuntime wires a runtime over a store, a dispatcher and a waiter.
func NewRuntime(st store.Store, d *Dispatcher, w *waiter.Waiter, opts ...RuntimeOption) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		store:      st,
		dispatcher: d,
		waiter:     w,
		fsm:        NewNodeFSM(st),
		logger:     slog.Default(),
		newID:      uuid.NewString,
		retention:  defaultRunRetention,
		ctx:        ctx,
		cancel:     cancel,
		mailboxes:  make(map[string]*mailbox),
		runs:       make(map[string]*runState),
		aborting:   make(map[string]int),
		retries:    make(map[string]int),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// FSM exposes the transition machine so callers can attach hooks.
func (r *Runtime) FSM() *NodeFSM { return r.fsm }

// Run persists a new run of plan and starts its root node. It returns as soon
// as the root is queued.
func (r *Runtime) Run(ctx context.Context, plan schema.Plan, inputs map[string]any) (string, error) {
	if err := plan.Validate(); err != nil {
		return "", err
	}
	root, _ := plan.Node(plan.StartingNodeID)

	runID := r.newID()
	rootID := r.newID()
	if err := r.store.CreateRun(ctx, &store.Run{
		ID:     runID,
		Plan:   plan,
		Inputs: inputs,
		Status: schema.StatusRunning,
		RootID: rootID,
	}); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	if err := r.appendEvent(ctx, runID, "", schema.EventRunStarted, nil); err != nil {
		return "", err
	}

	rs := &runState{plan: plan, inputs: inputs, rootID: rootID, done: make(chan struct{})}
	r.mu.Lock()
	r.runs[runID] = rs
	r.mu.Unlock()

	inst := &store.Instance{
		ID:     rootID,
		RunID:  runID,
		NodeID: root.ID,
		Status: schema.StatusQueued,
		Stack:  schema.ExecutionStack{RunID: runID}.Push(frameFor(rootID, root)),
	}
	if err := r.createInstance(ctx, inst); err != nil {
		return "", err
	}
	r.logger.InfoContext(logging.WithRunID(ctx, runID), "run started",
		slog.String("starting_node", plan.StartingNodeID), slog.Int("nodes", len(plan.Nodes)))
	r.send(rootID, message{kind: msgStart})
	return runID, nil
}

// Wait blocks until the run's root instance is terminal. Runs already
// dropped from memory are answered from the store.
func (r *Runtime) Wait(ctx context.Context, runID string) (*RunResult, error) {
	rs, err := r.run(runID)
	if err != nil {
		if res, ok := r.storedResult(ctx, runID); ok {
			return res, nil
		}
		return nil, err
	}
	select {
	case <-rs.done:
		return rs.result, nil
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "waiting for run %s: %s", runID, ctx.Err()).WithCause(ctx.Err())
	}
}

// Execute runs plan and waits for it to finish.
func (r *Runtime) Execute(ctx context.Context, plan schema.Plan, inputs map[string]any) (*RunResult, error) {
	runID, err := r.Run(ctx, plan, inputs)
	if err != nil {
		return nil, err
	}
	return r.Wait(ctx, runID)
}

// Notify delivers an external callback response.
func (r *Runtime) Notify(callbackID string, resp schema.ResponseData) bool {
	return r.waiter.Notify(callbackID, resp)
}

// Instances lists every instance of a run.
func (r *Runtime) Instances(ctx context.Context, runID string) ([]*store.Instance, error) {
	return r.store.ListInstances(ctx, runID)
}

// Shutdown stops accepting messages and waits for in-flight handlers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}

func (r *Runtime) storedResult(ctx context.Context, runID string) (*RunResult, bool) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil || !run.Status.IsTerminal() {
		return nil, false
	}
	res := &RunResult{RunID: runID, Status: run.Status}
	if root, err := r.store.GetInstance(ctx, run.RootID); err == nil {
		res.Result = root.Result
	}
	return res, true
}

// release drops a finished run after the retention window.
func (r *Runtime) release(runID string) {
	drop := func() {
		r.mu.Lock()
		delete(r.runs, runID)
		r.mu.Unlock()
	}
	if r.retention <= 0 {
		drop()
		return
	}
	time.AfterFunc(r.retention, drop)
}

func (r *Runtime) run(runID string) (*runState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.runs[runID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	return rs, nil
}

// --- Mailboxes ---

func (r *Runtime) send(instanceID string, m message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		if m.done != nil {
			close(m.done)
		}
		return
	}
	mb, ok := r.mailboxes[instanceID]
	if !ok {
		mb = &mailbox{}
		r.mailboxes[instanceID] = mb
	}
	mb.queue = append(mb.queue, m)
	if mb.running {
		return
	}
	mb.running = true
	r.wg.Add(1)
	go r.drain(instanceID, mb)
}

func (r *Runtime) drain(instanceID string, mb *mailbox) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(mb.queue) == 0 {
			mb.running = false
			r.mu.Unlock()
			return
		}
		m := mb.queue[0]
		mb.queue = mb.queue[1:]
		r.mu.Unlock()

		r.handle(instanceID, m)
	}
}

// forget drops the mailbox of a terminal instance. Late messages recreate it
// and are discarded by the status checks.
func (r *Runtime) forget(instanceID string) {
	r.mu.Lock()
	delete(r.mailboxes, instanceID)
	delete(r.retries, instanceID)
	r.mu.Unlock()
}

func (r *Runtime) handle(instanceID string, m message) {
	if m.done != nil {
		defer close(m.done)
	}
	inst, err := r.store.GetInstance(r.ctx, instanceID)
	if err != nil {
		r.logger.Error("load instance", slog.String("instance_id", instanceID), slog.String("error", err.Error()))
		return
	}
	ctx := logging.WithIDs(r.ctx, inst.RunID, inst.ID, inst.NodeID)

	switch m.kind {
	case msgStart:
		r.handleStart(ctx, inst, m.delayed)
	case msgResume:
		r.handleResume(ctx, inst, m.responses)
	case msgAbort:
		r.handleAbort(ctx, inst, m.notify)
	case msgRetry:
		r.handleRetry(ctx, inst)
	}
}

// --- Handlers ---

func (r *Runtime) handleStart(ctx context.Context, inst *store.Instance, delayed bool) {
	if inst.Status != schema.StatusQueued {
		r.logger.DebugContext(ctx, "ignoring start", slog.String("status", string(inst.Status)))
		return
	}
	if inst.ParentID != "" && r.isAborting(inst.ParentID) {
		r.handleAbort(ctx, inst, false)
		return
	}
	if r.isAborting(inst.ID) {
		// The pending abort message finishes it.
		return
	}

	inv, err := r.invocation(inst)
	if err != nil {
		r.logger.ErrorContext(ctx, "build invocation", slog.String("error", err.Error()))
		return
	}
	if wait := inv.Node.InitialWait.Std(); wait > 0 && !delayed {
		r.delayStart(ctx, inst, wait)
		return
	}
	if err := r.transition(ctx, inst, schema.StatusRunning); err != nil {
		r.logger.ErrorContext(ctx, "start transition", slog.String("error", err.Error()))
		return
	}
	r.logger.DebugContext(ctx, "node started", slog.String("mode", string(inv.Node.ExecutionMode)))
	r.apply(ctx, inst, r.dispatcher.Start(ctx, inv))
}

func (r *Runtime) handleResume(ctx context.Context, inst *store.Instance, responses map[string]schema.ResponseData) {
	if !inst.Status.IsResumable() || r.isAborting(inst.ID) {
		r.logger.DebugContext(ctx, "ignoring resume", slog.String("status", string(inst.Status)))
		return
	}
	inv, err := r.invocation(inst)
	if err != nil {
		r.logger.ErrorContext(ctx, "build invocation", slog.String("error", err.Error()))
		return
	}
	if err := r.transition(ctx, inst, schema.StatusRunning); err != nil {
		r.logger.ErrorContext(ctx, "resume transition", slog.String("error", err.Error()))
		return
	}
	r.apply(ctx, inst, r.dispatcher.Resume(ctx, inv, inst.Executable, responses))
}

// handleRetry runs a node again after its adviser asked for another attempt.
// The instance stayed RUNNING during the backoff.
func (r *Runtime) handleRetry(ctx context.Context, inst *store.Instance) {
	if inst.Status != schema.StatusRunning || r.isAborting(inst.ID) {
		r.logger.DebugContext(ctx, "ignoring retry", slog.String("status", string(inst.Status)))
		return
	}
	inv, err := r.invocation(inst)
	if err != nil {
		r.logger.ErrorContext(ctx, "build invocation", slog.String("error", err.Error()))
		return
	}
	r.apply(ctx, inst, r.dispatcher.Start(ctx, inv))
}

func (r *Runtime) delayStart(ctx context.Context, inst *store.Instance, wait time.Duration) {
	payload, _ := json.Marshal(wait.String())
	if err := r.appendEvent(ctx, inst.RunID, inst.ID, schema.EventNodeDelayed, payload); err != nil {
		r.logger.ErrorContext(ctx, "append delay event", slog.String("error", err.Error()))
	}
	r.logger.DebugContext(ctx, "initial wait", slog.Duration("wait", wait))
	r.sendAfter(wait, inst.ID, message{kind: msgStart, delayed: true})
}

func (r *Runtime) sendAfter(d time.Duration, instanceID string, m message) {
	if d <= 0 {
		r.send(instanceID, m)
		return
	}
	time.AfterFunc(d, func() { r.send(instanceID, m) })
}

func (r *Runtime) handleAbort(ctx context.Context, inst *store.Instance, notify bool) {
	if inst.Status.IsTerminal() {
		return
	}
	r.waiter.CancelJoin(inst.ID)
	if err := r.transition(ctx, inst, schema.StatusAborted); err != nil {
		r.logger.ErrorContext(ctx, "abort transition", slog.String("error", err.Error()))
		return
	}
	result := schema.StepResponse{Status: schema.StatusAborted}
	if err := r.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{Result: &result}); err != nil {
		r.logger.ErrorContext(ctx, "persist abort result", slog.String("error", err.Error()))
	}
	r.logger.InfoContext(ctx, "node aborted")
	if notify {
		r.waiter.Notify(inst.ID, result.Response())
	}
	if inst.ParentID == "" {
		r.completeRun(ctx, inst.RunID, result)
	}
	r.forget(inst.ID)
}

// apply executes a strategy outcome in order.
func (r *Runtime) apply(ctx context.Context, inst *store.Instance, out Outcome) {
	for _, eff := range out.Effects {
		switch e := eff.(type) {
		case AddExecutableResponse:
			if err := r.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{Executable: e.Response}); err != nil {
				r.fail(ctx, inst, fmt.Errorf("persist executable response: %w", err))
				return
			}
			inst.Executable = e.Response
			if err := r.transition(ctx, inst, e.Status); err != nil {
				r.fail(ctx, inst, err)
				return
			}
		case WaitFor:
			id := inst.ID
			err := r.waiter.WaitForAll(id, e.CallbackIDs, func(responses map[string]schema.ResponseData) {
				r.send(id, message{kind: msgResume, responses: responses})
			})
			if err != nil {
				r.fail(ctx, inst, err)
				return
			}
		case SpawnChild:
			if err := r.spawn(ctx, inst, []ChildPlan{e.Child}); err != nil {
				r.fail(ctx, inst, err)
				return
			}
		case SpawnChildren:
			if err := r.spawn(ctx, inst, e.Children); err != nil {
				r.fail(ctx, inst, err)
				return
			}
		case SuspendChain:
			r.finish(ctx, inst, e.Response)
		case HandleTerminalResult:
			r.finish(ctx, inst, e.Result)
		}
	}
}

func (r *Runtime) spawn(ctx context.Context, parent *store.Instance, plans []ChildPlan) error {
	rs, err := r.run(parent.RunID)
	if err != nil {
		return err
	}
	children := make([]*store.Instance, len(plans))
	for i, p := range plans {
		node, ok := rs.plan.Node(p.NodeID)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeFramework, "child node %q is not part of the plan", p.NodeID).
				WithNode(parent.NodeID)
		}
		children[i] = &store.Instance{
			ID:       p.InstanceID,
			RunID:    parent.RunID,
			NodeID:   node.ID,
			ParentID: parent.ID,
			Status:   schema.StatusQueued,
			Stack:    parent.Stack.Push(frameFor(p.InstanceID, node)),
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, child := range children {
		child := child
		g.Go(func() error { return r.createInstance(gctx, child) })
	}
	if err := g.Wait(); err != nil {
		for _, child := range children {
			r.send(child.ID, message{kind: msgAbort, done: make(chan struct{})})
		}
		return fmt.Errorf("spawn children: %w", err)
	}
	for _, child := range children {
		r.send(child.ID, message{kind: msgStart})
	}
	return nil
}

func (r *Runtime) fail(ctx context.Context, inst *store.Instance, err error) {
	r.finish(ctx, inst, failure.Translate(err))
}

// finish records a terminal result and reports it to whoever waits on the
// instance id. The node's advisers see the result first and may re-run the
// node or accept a failure.
func (r *Runtime) finish(ctx context.Context, inst *store.Instance, result schema.StepResponse) {
	r.waiter.CancelJoin(inst.ID)
	if adv, ok := r.advise(inst, result); ok {
		switch adv.Type {
		case schema.AdviserRetry:
			r.scheduleRetry(ctx, inst, adv, result)
			return
		case schema.AdviserIgnore:
			r.logger.InfoContext(ctx, "failure ignored by adviser", slog.String("status", string(result.Status)))
			result = ignored(result)
		}
	}
	if inst.Status.IsWaiting() {
		if err := r.transition(ctx, inst, schema.StatusRunning); err != nil {
			r.logger.ErrorContext(ctx, "finish transition", slog.String("error", err.Error()))
		}
	}
	if err := r.transition(ctx, inst, result.Status); err != nil {
		r.logger.ErrorContext(ctx, "finish transition", slog.String("error", err.Error()))
	}
	if err := r.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{Result: &result}); err != nil {
		r.logger.ErrorContext(ctx, "persist result", slog.String("error", err.Error()))
	}

	attrs := []any{slog.String("status", string(result.Status))}
	if result.Failure != nil {
		attrs = append(attrs, slog.String("error", result.Failure.ErrorMessage))
	}
	r.logger.InfoContext(ctx, "node finished", attrs...)

	if result.Status == schema.StatusSucceeded && len(result.Output) > 0 {
		r.publish(inst, result.Output)
	}
	r.waiter.Notify(inst.ID, result.Response())
	if inst.ParentID == "" {
		r.completeRun(ctx, inst.RunID, result)
	}
	r.forget(inst.ID)
}

func (r *Runtime) advise(inst *store.Instance, result schema.StepResponse) (Advice, bool) {
	r.mu.Lock()
	rs, ok := r.runs[inst.RunID]
	retries := r.retries[inst.ID]
	r.mu.Unlock()
	if !ok {
		return Advice{}, false
	}
	node, ok := rs.plan.Node(inst.NodeID)
	if !ok || len(node.Advisers) == 0 {
		return Advice{}, false
	}
	return Advise(node, result, retries)
}

func (r *Runtime) scheduleRetry(ctx context.Context, inst *store.Instance, adv Advice, result schema.StepResponse) {
	if inst.Status.IsWaiting() {
		if err := r.transition(ctx, inst, schema.StatusRunning); err != nil {
			r.logger.ErrorContext(ctx, "retry transition", slog.String("error", err.Error()))
			return
		}
	}
	r.mu.Lock()
	r.retries[inst.ID]++
	r.mu.Unlock()

	msg := string(result.Status)
	if result.Failure != nil {
		msg = result.Failure.ErrorMessage
	}
	payload, _ := json.Marshal(map[string]any{"attempt": adv.Attempt, "delay": adv.Delay.String(), "error": msg})
	if err := r.appendEvent(ctx, inst.RunID, inst.ID, schema.EventNodeRetrying, payload); err != nil {
		r.logger.ErrorContext(ctx, "append retry event", slog.String("error", err.Error()))
	}
	r.logger.WarnContext(ctx, "retrying node",
		slog.Int("attempt", adv.Attempt),
		slog.Duration("delay", adv.Delay),
		slog.String("error", msg))
	r.sendAfter(adv.Delay, inst.ID, message{kind: msgRetry})
}

// publish records a succeeded node's output so later invocations in the run
// can read it.
func (r *Runtime) publish(inst *store.Instance, out json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.runs[inst.RunID]
	if !ok {
		return
	}
	if rs.outcomes == nil {
		rs.outcomes = make(map[string]json.RawMessage)
	}
	rs.outcomes[inst.NodeID] = out
}

func (r *Runtime) completeRun(ctx context.Context, runID string, result schema.StepResponse) {
	rs, err := r.run(runID)
	if err != nil {
		r.logger.ErrorContext(ctx, "complete run", slog.String("error", err.Error()))
		return
	}
	rs.once.Do(func() {
		if err := r.store.UpdateRunStatus(ctx, runID, result.Status); err != nil {
			r.logger.ErrorContext(ctx, "persist run status", slog.String("error", err.Error()))
		}
		payload, _ := json.Marshal(result.Status)
		if err := r.appendEvent(ctx, runID, "", schema.EventRunCompleted, payload); err != nil {
			r.logger.ErrorContext(ctx, "append run event", slog.String("error", err.Error()))
		}
		res := result
		rs.result = &RunResult{RunID: runID, Status: result.Status, Result: &res}
		r.logger.InfoContext(ctx, "run finished", slog.String("status", string(result.Status)))
		close(rs.done)
		r.release(runID)
	})
}

// --- Helpers ---

func (r *Runtime) invocation(inst *store.Instance) (steps.Invocation, error) {
	r.mu.Lock()
	rs, ok := r.runs[inst.RunID]
	var outcomes map[string]json.RawMessage
	if ok {
		outcomes = maps.Clone(rs.outcomes)
	}
	r.mu.Unlock()
	if !ok {
		return steps.Invocation{}, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", inst.RunID)
	}
	node, ok := rs.plan.Node(inst.NodeID)
	if !ok {
		return steps.Invocation{}, schema.NewErrorf(schema.ErrCodeNotFound, "node %q not in plan", inst.NodeID)
	}
	return steps.Invocation{Stack: inst.Stack, Node: node, Inputs: rs.inputs, Outcomes: outcomes}, nil
}

func (r *Runtime) transition(ctx context.Context, inst *store.Instance, to schema.Status) error {
	if inst.Status == to {
		return nil
	}
	if err := r.fsm.Transition(ctx, inst.RunID, inst.ID, inst.Status, to); err != nil {
		return err
	}
	if err := r.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{Status: &to}); err != nil {
		return fmt.Errorf("persist status %s: %w", to, err)
	}
	inst.Status = to
	return nil
}

func (r *Runtime) createInstance(ctx context.Context, inst *store.Instance) error {
	if err := r.store.CreateInstance(ctx, inst); err != nil {
		return fmt.Errorf("create instance %s: %w", inst.ID, err)
	}
	return r.appendEvent(ctx, inst.RunID, inst.ID, schema.EventNodeQueued, nil)
}

func (r *Runtime) appendEvent(ctx context.Context, runID, instanceID, typ string, payload json.RawMessage) error {
	err := r.store.AppendEvent(ctx, &store.Event{RunID: runID, InstanceID: instanceID, Type: typ, Payload: payload})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append %s event: %s", typ, err).WithCause(err)
	}
	return nil
}

func frameFor(instanceID string, node schema.NodeDefinition) schema.Frame {
	return schema.Frame{InstanceID: instanceID, TemplateID: node.ID, Name: node.Name, Group: node.Group}
}
