package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stagecraft/internal/failure"
	"github.com/rendis/stagecraft/pkg/schema"
)

// Built-in node types.
const (
	TypeEcho     = "echo"
	TypeWait     = "wait"
	TypeApproval = "approval"
	TypeParallel = "parallel"
	TypeSequence = "sequence"
)

// Notifier delivers callback responses. The waiter satisfies it.
type Notifier interface {
	Notify(callbackID string, resp schema.ResponseData) bool
}

// RegisterBuiltins registers the built-in catalog. Timed callbacks of the
// wait and approval steps are delivered through n.
func RegisterBuiltins(r *Registry, n Notifier) error {
	for _, s := range []Step{
		&EchoStep{},
		&WaitStep{notifier: n},
		&ApprovalStep{notifier: n},
		&ParallelStep{},
		&SequenceStep{},
	} {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}

// --- echo ---

// EchoStep returns its "output" parameter, the outcome another node
// published under "outcome", or a summary of the node.
type EchoStep struct{}

type echoParams struct {
	Output  json.RawMessage `json:"output"`
	Outcome string          `json:"outcome"`
	Fail    string          `json:"fail"`
}

func (*EchoStep) Type() string               { return TypeEcho }
func (*EchoStep) Mode() schema.ExecutionMode { return schema.ModeSync }

func (*EchoStep) Execute(_ context.Context, inv Invocation) (*schema.StepResponse, error) {
	var p echoParams
	if err := inv.DecodeParams(&p); err != nil {
		return nil, err
	}
	if p.Fail != "" {
		return nil, schema.NewError(schema.ErrCodeStepFailed, p.Fail).WithNode(inv.Node.ID)
	}
	if len(p.Output) > 0 {
		return &schema.StepResponse{Status: schema.StatusSucceeded, Output: p.Output}, nil
	}
	if p.Outcome != "" {
		out, ok := inv.Outcomes[p.Outcome]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "no outcome published by %q", p.Outcome).
				WithNode(inv.Node.ID).
				WithFailureTypes(schema.FailureConfiguration)
		}
		return &schema.StepResponse{Status: schema.StatusSucceeded, Output: out}, nil
	}
	return Succeeded(map[string]any{"node": inv.Node.ID, "depth": inv.Stack.Depth()})
}

// --- wait ---

// WaitStep parks on one or more callback tokens. Unless "external" is set,
// each token is notified after "duration".
type WaitStep struct {
	notifier Notifier
}

type waitParams struct {
	Duration schema.Duration `json:"duration"`
	Tokens   int      `json:"tokens"`
	External bool     `json:"external"`
	Fail     string   `json:"fail"`
	WaitMode string   `json:"wait_mode"`
}

func (*WaitStep) Type() string               { return TypeWait }
func (*WaitStep) Mode() schema.ExecutionMode { return schema.ModeAsync }

func (s *WaitStep) ExecuteAsync(_ context.Context, inv Invocation) (*AsyncRequest, error) {
	p := waitParams{Tokens: 1}
	if err := inv.DecodeParams(&p); err != nil {
		return nil, err
	}
	if p.Tokens < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "tokens must not be negative").WithNode(inv.Node.ID)
	}

	ids := make([]string, p.Tokens)
	for i := range ids {
		ids[i] = uuid.NewString()
	}
	if !p.External && s.notifier != nil {
		for _, id := range ids {
			resp := schema.ResponseData{
				Status: schema.StatusSucceeded,
				Output: json.RawMessage(fmt.Sprintf(`{"token":%q}`, id)),
			}
			if p.Fail != "" {
				resp = schema.ResponseData{
					Status: schema.StatusFailed,
					Error:  &schema.CarriedError{Code: schema.ErrCodeStepFailed, Message: p.Fail},
				}
			}
			deliverAfter(s.notifier, p.Duration.Std(), id, resp)
		}
	}
	return &AsyncRequest{CallbackIDs: ids, WaitMode: schema.WaitMode(strings.ToUpper(p.WaitMode))}, nil
}

func (*WaitStep) HandleAsyncResponse(_ context.Context, inv Invocation, responses map[string]schema.ResponseData) (*schema.StepResponse, error) {
	ids := make([]string, 0, len(responses))
	for id := range responses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	outputs := make(map[string]json.RawMessage, len(ids))
	for _, id := range ids {
		resp, err := failure.ExtractSingleResponse(map[string]schema.ResponseData{id: responses[id]})
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "callback %s failed", id).
				WithNode(inv.Node.ID).WithCause(err)
		}
		outputs[id] = resp.Output
	}
	return Succeeded(map[string]any{"callbacks": outputs})
}

func deliverAfter(n Notifier, d time.Duration, id string, resp schema.ResponseData) {
	time.AfterFunc(d, func() { n.Notify(id, resp) })
}

// --- approval ---

// ApprovalStep waits for a single decision of the form {"approved": bool}.
// "approve_after" delivers an approval automatically.
type ApprovalStep struct {
	notifier Notifier
}

type approvalParams struct {
	ApproveAfter *schema.Duration `json:"approve_after"`
}

type approvalDecision struct {
	Approved bool   `json:"approved"`
	By       string `json:"by,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

func (*ApprovalStep) Type() string               { return TypeApproval }
func (*ApprovalStep) Mode() schema.ExecutionMode { return schema.ModeAsync }

func (s *ApprovalStep) ExecuteAsync(_ context.Context, inv Invocation) (*AsyncRequest, error) {
	var p approvalParams
	if err := inv.DecodeParams(&p); err != nil {
		return nil, err
	}
	token := uuid.NewString()
	if p.ApproveAfter != nil && s.notifier != nil {
		deliverAfter(s.notifier, p.ApproveAfter.Std(), token, schema.ResponseData{
			Status: schema.StatusSucceeded,
			Output: json.RawMessage(`{"approved":true,"by":"auto"}`),
		})
	}
	return &AsyncRequest{CallbackIDs: []string{token}, WaitMode: schema.WaitApproval}, nil
}

func (*ApprovalStep) HandleAsyncResponse(_ context.Context, inv Invocation, responses map[string]schema.ResponseData) (*schema.StepResponse, error) {
	resp, err := failure.ExtractSingleResponse(responses)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, schema.NewError(schema.ErrCodeStepFailed, "no approval decision received").WithNode(inv.Node.ID)
	}
	var d approvalDecision
	if err := json.Unmarshal(resp.Output, &d); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "malformed approval decision: %s", err).
			WithNode(inv.Node.ID).WithCause(err)
	}
	if !d.Approved {
		msg := "approval rejected"
		if d.Comment != "" {
			msg += ": " + d.Comment
		}
		return nil, schema.NewError(schema.ErrCodeStepFailed, msg).WithNode(inv.Node.ID)
	}
	return Succeeded(d)
}

// --- parallel ---

// ParallelStep fans out to every child of its node and fails when any child
// failed or was aborted, unless "tolerate_failures" is set.
type ParallelStep struct{}

type parallelParams struct {
	TolerateFailures bool `json:"tolerate_failures"`
}

func (*ParallelStep) Type() string               { return TypeParallel }
func (*ParallelStep) Mode() schema.ExecutionMode { return schema.ModeChildren }

func (*ParallelStep) ObtainChildren(_ context.Context, inv Invocation) ([]ChildSpec, error) {
	specs := make([]ChildSpec, len(inv.Node.ChildIDs))
	for i, id := range inv.Node.ChildIDs {
		specs[i] = ChildSpec{NodeID: id}
	}
	return specs, nil
}

func (*ParallelStep) HandleChildrenResponse(_ context.Context, inv Invocation, responses map[string]schema.ResponseData) (*schema.StepResponse, error) {
	var p parallelParams
	if err := inv.DecodeParams(&p); err != nil {
		return nil, err
	}
	return aggregate(inv, responses, p.TolerateFailures)
}

// --- sequence ---

// SequenceStep runs its node's children one after another. It stops after a
// failed child unless "continue_on_failure" is set. "skip" suspends the chain
// before the first child and "suspend_after" suspends it after the named child.
type SequenceStep struct{}

type sequenceParams struct {
	Skip              bool   `json:"skip"`
	SuspendAfter      string `json:"suspend_after"`
	ContinueOnFailure bool   `json:"continue_on_failure"`
}

type sequenceCursor struct {
	Index int `json:"index"`
}

func (*SequenceStep) Type() string               { return TypeSequence }
func (*SequenceStep) Mode() schema.ExecutionMode { return schema.ModeChildChain }

func (*SequenceStep) ExecuteFirstChild(_ context.Context, inv Invocation) (*ChainLink, error) {
	var p sequenceParams
	if err := inv.DecodeParams(&p); err != nil {
		return nil, err
	}
	if p.Skip {
		return &ChainLink{Suspend: true}, nil
	}
	if len(inv.Node.ChildIDs) == 0 {
		return &ChainLink{ShouldEnd: true}, nil
	}
	return linkAt(inv.Node.ChildIDs, 0)
}

func (*SequenceStep) ExecuteNextChild(_ context.Context, inv Invocation, last schema.ResponseData, passThrough json.RawMessage) (*ChainLink, error) {
	var p sequenceParams
	if err := inv.DecodeParams(&p); err != nil {
		return nil, err
	}
	var cur sequenceCursor
	if err := json.Unmarshal(passThrough, &cur); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeFramework, "corrupt chain state: %s", err).
			WithNode(inv.Node.ID).WithCause(err)
	}
	if cur.Index < 0 || cur.Index >= len(inv.Node.ChildIDs) {
		return nil, schema.NewErrorf(schema.ErrCodeFramework, "chain index %d out of range", cur.Index).WithNode(inv.Node.ID)
	}

	if failed(last.Status) && !p.ContinueOnFailure {
		return &ChainLink{ShouldEnd: true}, nil
	}
	if p.SuspendAfter != "" && inv.Node.ChildIDs[cur.Index] == p.SuspendAfter {
		return &ChainLink{Suspend: true}, nil
	}
	return linkAt(inv.Node.ChildIDs, cur.Index+1)
}

func (*SequenceStep) FinalizeExecution(_ context.Context, inv Invocation, responses map[string]schema.ResponseData) (*schema.StepResponse, error) {
	var p sequenceParams
	if err := inv.DecodeParams(&p); err != nil {
		return nil, err
	}
	return aggregate(inv, responses, p.ContinueOnFailure)
}

func linkAt(children []string, i int) (*ChainLink, error) {
	pass, err := json.Marshal(sequenceCursor{Index: i})
	if err != nil {
		return nil, err
	}
	return &ChainLink{
		Next:            &ChildSpec{NodeID: children[i]},
		ShouldEnd:       i == len(children)-1,
		PassThroughData: pass,
	}, nil
}

func failed(s schema.Status) bool {
	return s == schema.StatusFailed || s == schema.StatusAborted
}

// aggregate folds child results into the parent's terminal result.
func aggregate(inv Invocation, responses map[string]schema.ResponseData, tolerate bool) (*schema.StepResponse, error) {
	ids := make([]string, 0, len(responses))
	for id := range responses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	statuses := make(map[string]schema.Status, len(ids))
	var (
		bad      []string
		progress []schema.UnitProgress
	)
	for _, id := range ids {
		r := responses[id]
		statuses[id] = r.Status
		progress = append(progress, r.UnitProgress...)
		if failed(r.Status) || r.IsErrorCarrier() {
			bad = append(bad, id)
		}
	}
	if len(bad) > 0 && !tolerate {
		msg := fmt.Sprintf("%d of %d children failed: %s", len(bad), len(ids), strings.Join(bad, ", "))
		err := schema.NewError(schema.ErrCodeStepFailed, msg).
			WithNode(inv.Node.ID).
			WithDetails(map[string]any{"failed": bad})
		if len(progress) > 0 {
			err = err.WithCause(&schema.TaskExecutionError{Message: msg, UnitProgress: progress})
		}
		return nil, err
	}
	res, err := Succeeded(map[string]any{"children": statuses, "failed": len(bad)})
	if err != nil {
		return nil, err
	}
	res.UnitProgress = progress
	return res, nil
}
