// Package steps defines the contract node types implement for each execution
// mode, a registry keyed by node type, and the built-in step catalog.
package steps

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/stagecraft/pkg/schema"
)

// Invocation is what a step sees when the dispatcher calls it.
type Invocation struct {
	Stack  schema.ExecutionStack `json:"stack"`
	Node   schema.NodeDefinition `json:"node"`
	Inputs map[string]any        `json:"inputs,omitempty"`
	// Outcomes holds the outputs published so far in the run, keyed by node id.
	Outcomes map[string]json.RawMessage `json:"outcomes,omitempty"`
}

// InstanceID returns the id of the instance being executed.
func (inv Invocation) InstanceID() string { return inv.Stack.CurrentInstanceID() }

// DecodeParams unmarshals the node parameters into v. Empty parameters leave v untouched.
func (inv Invocation) DecodeParams(v any) error {
	if len(inv.Node.Parameters) == 0 {
		return nil
	}
	if err := json.Unmarshal(inv.Node.Parameters, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid parameters for %s: %s", inv.Node.Type, err).
			WithNode(inv.Node.ID).
			WithFailureTypes(schema.FailureConfiguration).
			WithCause(err)
	}
	return nil
}

// Step is implemented by every node type. Mode must match exactly one of the
// mode-specific interfaces below.
type Step interface {
	Type() string
	Mode() schema.ExecutionMode
}

// SyncStep runs inline and returns its terminal result.
type SyncStep interface {
	Step
	Execute(ctx context.Context, inv Invocation) (*schema.StepResponse, error)
}

// AsyncRequest is returned by an asynchronous step entering a wait.
type AsyncRequest struct {
	CallbackIDs []string
	WaitMode    schema.WaitMode
}

// AsyncStep parks on callback tokens and resumes once all are notified.
type AsyncStep interface {
	Step
	ExecuteAsync(ctx context.Context, inv Invocation) (*AsyncRequest, error)
	HandleAsyncResponse(ctx context.Context, inv Invocation, responses map[string]schema.ResponseData) (*schema.StepResponse, error)
}

// ChildSpec names the node definition a child instance is created from.
type ChildSpec struct {
	NodeID string `json:"nodeId"`
}

// ChildrenStep spawns all of its children at once and aggregates their results.
type ChildrenStep interface {
	Step
	ObtainChildren(ctx context.Context, inv Invocation) ([]ChildSpec, error)
	HandleChildrenResponse(ctx context.Context, inv Invocation, responses map[string]schema.ResponseData) (*schema.StepResponse, error)
}

// ChainLink is the decision a chain step makes at each link.
type ChainLink struct {
	Next            *ChildSpec
	ShouldEnd       bool
	Suspend         bool
	PassThroughData json.RawMessage
}

// ChainStep runs its children one at a time, carrying state between links.
type ChainStep interface {
	Step
	ExecuteFirstChild(ctx context.Context, inv Invocation) (*ChainLink, error)
	ExecuteNextChild(ctx context.Context, inv Invocation, last schema.ResponseData, passThrough json.RawMessage) (*ChainLink, error)
	FinalizeExecution(ctx context.Context, inv Invocation, responses map[string]schema.ResponseData) (*schema.StepResponse, error)
}

// checkContract reports whether s implements the interface its Mode declares.
func checkContract(s Step) error {
	mode := s.Mode()
	var ok bool
	switch mode {
	case schema.ModeSync:
		_, ok = s.(SyncStep)
	case schema.ModeAsync:
		_, ok = s.(AsyncStep)
	case schema.ModeChildren:
		_, ok = s.(ChildrenStep)
	case schema.ModeChildChain:
		_, ok = s.(ChainStep)
	default:
		return fmt.Errorf("unknown execution mode %q", mode)
	}
	if !ok {
		return fmt.Errorf("declares mode %s but does not implement its contract", mode)
	}
	return nil
}

// Succeeded builds a SUCCEEDED response with v marshalled as output.
func Succeeded(v any) (*schema.StepResponse, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal step output: %w", err)
	}
	return &schema.StepResponse{Status: schema.StatusSucceeded, Output: out}, nil
}
