package engine

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/rendis/stagecraft/internal/steps"
	"github.com/rendis/stagecraft/pkg/schema"
)

// Configurable steps used across the engine tests.

type fnSync struct {
	typ string
	fn  func(ctx context.Context, inv steps.Invocation) (*schema.StepResponse, error)
}

func (s *fnSync) Type() string               { return s.typ }
func (s *fnSync) Mode() schema.ExecutionMode { return schema.ModeSync }
func (s *fnSync) Execute(ctx context.Context, inv steps.Invocation) (*schema.StepResponse, error) {
	return s.fn(ctx, inv)
}

type fnAsync struct {
	typ    string
	start  func(ctx context.Context, inv steps.Invocation) (*steps.AsyncRequest, error)
	handle func(ctx context.Context, inv steps.Invocation, r map[string]schema.ResponseData) (*schema.StepResponse, error)
}

func (s *fnAsync) Type() string               { return s.typ }
func (s *fnAsync) Mode() schema.ExecutionMode { return schema.ModeAsync }
func (s *fnAsync) ExecuteAsync(ctx context.Context, inv steps.Invocation) (*steps.AsyncRequest, error) {
	return s.start(ctx, inv)
}
func (s *fnAsync) HandleAsyncResponse(ctx context.Context, inv steps.Invocation, r map[string]schema.ResponseData) (*schema.StepResponse, error) {
	return s.handle(ctx, inv, r)
}

type fnChildren struct {
	typ       string
	children  func(ctx context.Context, inv steps.Invocation) ([]steps.ChildSpec, error)
	aggregate func(ctx context.Context, inv steps.Invocation, r map[string]schema.ResponseData) (*schema.StepResponse, error)
}

func (s *fnChildren) Type() string               { return s.typ }
func (s *fnChildren) Mode() schema.ExecutionMode { return schema.ModeChildren }
func (s *fnChildren) ObtainChildren(ctx context.Context, inv steps.Invocation) ([]steps.ChildSpec, error) {
	return s.children(ctx, inv)
}
func (s *fnChildren) HandleChildrenResponse(ctx context.Context, inv steps.Invocation, r map[string]schema.ResponseData) (*schema.StepResponse, error) {
	return s.aggregate(ctx, inv, r)
}

type fnChain struct {
	typ      string
	first    func(ctx context.Context, inv steps.Invocation) (*steps.ChainLink, error)
	next     func(ctx context.Context, inv steps.Invocation, last schema.ResponseData, pass json.RawMessage) (*steps.ChainLink, error)
	finalize func(ctx context.Context, inv steps.Invocation, r map[string]schema.ResponseData) (*schema.StepResponse, error)
}

func (s *fnChain) Type() string               { return s.typ }
func (s *fnChain) Mode() schema.ExecutionMode { return schema.ModeChildChain }
func (s *fnChain) ExecuteFirstChild(ctx context.Context, inv steps.Invocation) (*steps.ChainLink, error) {
	return s.first(ctx, inv)
}
func (s *fnChain) ExecuteNextChild(ctx context.Context, inv steps.Invocation, last schema.ResponseData, pass json.RawMessage) (*steps.ChainLink, error) {
	return s.next(ctx, inv, last, pass)
}
func (s *fnChain) FinalizeExecution(ctx context.Context, inv steps.Invocation, r map[string]schema.ResponseData) (*schema.StepResponse, error) {
	return s.finalize(ctx, inv, r)
}

// seqIDs returns a deterministic id generator: prefix-1, prefix-2, ...
func seqIDs(prefix string) IDGenerator {
	n := 0
	return func() string {
		n++
		return prefix + "-" + strconv.Itoa(n)
	}
}

func invocationFor(instanceID string, node schema.NodeDefinition) steps.Invocation {
	return steps.Invocation{
		Stack: schema.ExecutionStack{RunID: "run-1"}.Push(schema.Frame{InstanceID: instanceID, TemplateID: node.ID}),
		Node:  node,
	}
}
