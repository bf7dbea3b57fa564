package engine

import (
	"context"

	"github.com/rendis/stagecraft/internal/steps"
	"github.com/rendis/stagecraft/pkg/schema"
)

// Request carries everything a strategy needs for one start or resume.
type Request struct {
	Invocation steps.Invocation
	Step       steps.Step
	// Executable is the waiting state persisted by the previous start or
	// resume. It is nil on start.
	Executable schema.ExecutableResponse
}

func (r Request) instanceID() string { return r.Invocation.InstanceID() }

// Strategy drives one execution mode. Implementations are pure: they call the
// step and describe the resulting state change as effects.
type Strategy interface {
	Start(ctx context.Context, req Request) (Outcome, error)
	Resume(ctx context.Context, req Request, responses map[string]schema.ResponseData) (Outcome, error)
}

// IDGenerator produces instance ids for spawned children.
type IDGenerator func() string

func frameworkError(req Request, format string, args ...any) *schema.StageError {
	return schema.NewErrorf(schema.ErrCodeFramework, format, args...).WithNode(req.Invocation.Node.ID)
}

func contractError(req Request, want string) *schema.StageError {
	return frameworkError(req, "step %q does not implement the %s contract", req.Invocation.Node.Type, want)
}

// terminal turns a step's result into a HandleTerminalResult effect. A nil
// result or empty status means success.
func terminal(req Request, res *schema.StepResponse) (Outcome, error) {
	out := schema.StepResponse{Status: schema.StatusSucceeded}
	if res != nil {
		out = *res
	}
	if out.Status == "" {
		out.Status = schema.StatusSucceeded
	}
	switch out.Status {
	case schema.StatusSucceeded, schema.StatusFailed, schema.StatusSuspended:
	default:
		return Outcome{}, frameworkError(req, "step returned non-terminal status %s", out.Status)
	}
	return outcome(HandleTerminalResult{InstanceID: req.instanceID(), Result: out}), nil
}

// --- Synchronous ---

type syncStrategy struct{}

func (syncStrategy) Start(ctx context.Context, req Request) (Outcome, error) {
	s, ok := req.Step.(steps.SyncStep)
	if !ok {
		return Outcome{}, contractError(req, "synchronous")
	}
	res, err := s.Execute(ctx, req.Invocation)
	if err != nil {
		return Outcome{}, err
	}
	return terminal(req, res)
}

func (syncStrategy) Resume(_ context.Context, req Request, _ map[string]schema.ResponseData) (Outcome, error) {
	return Outcome{}, frameworkError(req, "synchronous nodes are never resumed")
}

// --- Asynchronous ---

type asyncStrategy struct{}

func (asyncStrategy) Start(ctx context.Context, req Request) (Outcome, error) {
	s, ok := req.Step.(steps.AsyncStep)
	if !ok {
		return Outcome{}, contractError(req, "asynchronous")
	}
	ar, err := s.ExecuteAsync(ctx, req.Invocation)
	if err != nil {
		return Outcome{}, err
	}
	if ar == nil || len(ar.CallbackIDs) == 0 {
		return Outcome{}, frameworkError(req, "asynchronous step returned no callback tokens")
	}
	mode := ar.WaitMode
	if mode == "" {
		mode = schema.WaitPlain
	}
	ids := append([]string(nil), ar.CallbackIDs...)
	id := req.instanceID()
	return outcome(
		AddExecutableResponse{
			InstanceID: id,
			Status:     mode.Status(),
			Response:   schema.AsyncExecutable{CallbackIDs: ids, WaitMode: mode},
		},
		WaitFor{InstanceID: id, CallbackIDs: ids},
	), nil
}

func (asyncStrategy) Resume(ctx context.Context, req Request, responses map[string]schema.ResponseData) (Outcome, error) {
	s, ok := req.Step.(steps.AsyncStep)
	if !ok {
		return Outcome{}, contractError(req, "asynchronous")
	}
	res, err := s.HandleAsyncResponse(ctx, req.Invocation, responses)
	if err != nil {
		return Outcome{}, err
	}
	return terminal(req, res)
}

// --- Fan-out ---

type fanOutStrategy struct {
	newID IDGenerator
}

func (f fanOutStrategy) Start(ctx context.Context, req Request) (Outcome, error) {
	s, ok := req.Step.(steps.ChildrenStep)
	if !ok {
		return Outcome{}, contractError(req, "children")
	}
	specs, err := s.ObtainChildren(ctx, req.Invocation)
	if err != nil {
		return Outcome{}, err
	}
	if len(specs) == 0 {
		res, err := s.HandleChildrenResponse(ctx, req.Invocation, map[string]schema.ResponseData{})
		if err != nil {
			return Outcome{}, err
		}
		return terminal(req, res)
	}

	plans := make([]ChildPlan, len(specs))
	ids := make([]string, len(specs))
	for i, spec := range specs {
		ids[i] = f.newID()
		plans[i] = ChildPlan{InstanceID: ids[i], NodeID: spec.NodeID}
	}
	id := req.instanceID()
	return outcome(
		AddExecutableResponse{
			InstanceID: id,
			Status:     schema.StatusRunning,
			Response:   schema.ChildrenExecutable{ChildInstanceIDs: ids},
		},
		WaitFor{InstanceID: id, CallbackIDs: ids},
		SpawnChildren{ParentID: id, Children: plans},
	), nil
}

func (fanOutStrategy) Resume(ctx context.Context, req Request, responses map[string]schema.ResponseData) (Outcome, error) {
	s, ok := req.Step.(steps.ChildrenStep)
	if !ok {
		return Outcome{}, contractError(req, "children")
	}
	res, err := s.HandleChildrenResponse(ctx, req.Invocation, responses)
	if err != nil {
		return Outcome{}, err
	}
	return terminal(req, res)
}

// --- Chain ---

type chainStrategy struct {
	newID IDGenerator
}

func (c chainStrategy) Start(ctx context.Context, req Request) (Outcome, error) {
	s, ok := req.Step.(steps.ChainStep)
	if !ok {
		return Outcome{}, contractError(req, "chain")
	}
	link, err := s.ExecuteFirstChild(ctx, req.Invocation)
	if err != nil {
		return Outcome{}, err
	}
	return c.branch(ctx, req, s, link, map[string]schema.ResponseData{})
}

func (c chainStrategy) Resume(ctx context.Context, req Request, responses map[string]schema.ResponseData) (Outcome, error) {
	s, ok := req.Step.(steps.ChainStep)
	if !ok {
		return Outcome{}, contractError(req, "chain")
	}
	state, ok := req.Executable.(schema.ChainExecutable)
	if !ok {
		return Outcome{}, frameworkError(req, "chain resumed without chain state (got %T)", req.Executable)
	}

	acc := make(map[string]schema.ResponseData, len(state.Accumulated)+len(responses))
	for k, v := range state.Accumulated {
		acc[k] = v
	}
	for k, v := range responses {
		acc[k] = v
	}

	if state.ShouldEnd {
		return c.finalize(ctx, req, s, acc)
	}
	last, ok := responses[state.ChildInstanceID]
	if !ok {
		return Outcome{}, frameworkError(req, "chain resumed without a result for child %s", state.ChildInstanceID)
	}
	link, err := s.ExecuteNextChild(ctx, req.Invocation, last, state.PassThroughData)
	if err != nil {
		return Outcome{}, err
	}
	return c.branch(ctx, req, s, link, acc)
}

func (c chainStrategy) branch(ctx context.Context, req Request, s steps.ChainStep, link *steps.ChainLink, acc map[string]schema.ResponseData) (Outcome, error) {
	if link == nil {
		return Outcome{}, frameworkError(req, "chain step returned no link")
	}
	id := req.instanceID()
	if link.Suspend {
		return outcome(SuspendChain{
			ParentID: id,
			Response: schema.StepResponse{Status: schema.StatusSuspended, Output: link.PassThroughData},
		}), nil
	}
	if link.Next == nil {
		if !link.ShouldEnd {
			return Outcome{}, frameworkError(req, "chain link has neither a next child nor an end marker")
		}
		return c.finalize(ctx, req, s, acc)
	}

	childID := c.newID()
	return outcome(
		AddExecutableResponse{
			InstanceID: id,
			Status:     schema.StatusRunning,
			Response: schema.ChainExecutable{
				ChildInstanceID: childID,
				ShouldEnd:       link.ShouldEnd,
				PassThroughData: link.PassThroughData,
				Accumulated:     acc,
			},
		},
		WaitFor{InstanceID: id, CallbackIDs: []string{childID}},
		SpawnChild{ParentID: id, Child: ChildPlan{InstanceID: childID, NodeID: link.Next.NodeID}},
	), nil
}

func (chainStrategy) finalize(ctx context.Context, req Request, s steps.ChainStep, acc map[string]schema.ResponseData) (Outcome, error) {
	res, err := s.FinalizeExecution(ctx, req.Invocation, acc)
	if err != nil {
		return Outcome{}, err
	}
	return terminal(req, res)
}

func strategies(newID IDGenerator) map[schema.ExecutionMode]Strategy {
	return map[schema.ExecutionMode]Strategy{
		schema.ModeSync:       syncStrategy{},
		schema.ModeAsync:      asyncStrategy{},
		schema.ModeChildren:   fanOutStrategy{newID: newID},
		schema.ModeChildChain: chainStrategy{newID: newID},
	}
}
