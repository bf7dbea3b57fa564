package blueprint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/stagecraft/internal/assembly"
	"github.com/rendis/stagecraft/internal/steps"
	"github.com/rendis/stagecraft/internal/validation"
	"github.com/rendis/stagecraft/pkg/schema"
)

// Dependency kinds produced while assembling a definition.
const (
	KindPipeline = "pipeline"
	KindStage    = "stage"
	KindStep     = "step"
)

// Context keys published by the pipeline creator.
const (
	ContextPipeline = "pipeline"
	ContextInputs   = "inputs"
)

// ModeLookup reports the execution mode of a step type. *steps.Registry
// satisfies it.
type ModeLookup interface {
	Mode(typ string) (schema.ExecutionMode, bool)
}

// Creators returns the pipeline, stage and step creator services. modes
// decides the execution mode of every leaf step; v checks definition inputs
// against their declared schema and may be nil.
func Creators(modes ModeLookup, v *validation.Validator) []assembly.CreatorService {
	c := &creators{modes: modes, validator: v}
	return []assembly.CreatorService{
		assembly.NewService("blueprint.pipeline", []string{KindPipeline}, c.resolvePipelines),
		assembly.NewService("blueprint.stage", []string{KindStage}, c.resolveStages),
		assembly.NewService("blueprint.step", []string{KindStep}, c.resolveSteps),
	}
}

type creators struct {
	modes     ModeLookup
	validator *validation.Validator
}

var (
	queryOnce     sync.Once
	queryErr      error
	stagesQuery   *gojq.Code
	stepsQuery    *gojq.Code
	parallelQuery *gojq.Code
)

func compileQueries() error {
	queryOnce.Do(func() {
		compile := func(src string) *gojq.Code {
			if queryErr != nil {
				return nil
			}
			q, err := gojq.Parse(src)
			if err != nil {
				queryErr = fmt.Errorf("parse %q: %w", src, err)
				return nil
			}
			code, err := gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
			if err != nil {
				queryErr = fmt.Errorf("compile %q: %w", src, err)
				return nil
			}
			return code
		}
		stagesQuery = compile(`.stages // [] | .[]`)
		stepsQuery = compile(`.steps // [] | .[]`)
		parallelQuery = compile(`.parallel // [] | .[]`)
	})
	return queryErr
}

// fragments runs code over a blob payload and returns each result as JSON.
func fragments(ctx context.Context, code *gojq.Code, payload json.RawMessage) ([]json.RawMessage, error) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode blob payload").WithCause(err)
	}
	var out []json.RawMessage
	iter := code.RunWithContext(ctx, doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewError(schema.ErrCodeValidation, "extract fragment").WithCause(err)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode fragment: %w", err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// pendingOf returns the blobs of kind, ordered by id.
func pendingOf(req *schema.ResolveRequest, kind string) []schema.DependencyBlob {
	var out []schema.DependencyBlob
	for _, b := range req.Dependencies {
		if b.ResolvedKind() == kind {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// children turns fragments into child blobs of kind plus their layout under
// parent.
func children(parent, kind string, frags []json.RawMessage) ([]string, []schema.DependencyBlob, map[string]schema.PositionInfo, error) {
	ids := make([]string, len(frags))
	blobs := make([]schema.DependencyBlob, len(frags))
	for i, f := range frags {
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(f, &head); err != nil {
			return nil, nil, nil, schema.NewError(schema.ErrCodeValidation, "decode fragment id").WithCause(err)
		}
		if head.ID == "" {
			return nil, nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "child %d of %q has no id", i, parent)
		}
		ids[i] = head.ID
		blobs[i] = schema.DependencyBlob{ID: head.ID, Kind: kind, Payload: f}
	}
	layout := make(map[string]schema.PositionInfo, len(ids))
	for i, id := range ids {
		pos := schema.PositionInfo{ParentID: parent, Order: i}
		if i > 0 {
			pos.PreviousID = ids[i-1]
		}
		if i < len(ids)-1 {
			pos.NextID = ids[i+1]
		}
		layout[id] = pos
	}
	return ids, blobs, layout, nil
}

func params(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	return raw, nil
}

func newResponse() *schema.ResolveResponse {
	return &schema.ResolveResponse{
		Nodes:  map[string]schema.NodeDefinition{},
		Layout: map[string]schema.PositionInfo{},
	}
}

func (c *creators) resolvePipelines(ctx context.Context, req *schema.ResolveRequest) (*schema.ResolveResponse, error) {
	if err := compileQueries(); err != nil {
		return nil, err
	}
	resp := newResponse()
	for _, blob := range pendingOf(req, KindPipeline) {
		var def Definition
		if err := json.Unmarshal(blob.Payload, &def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode pipeline %q", blob.ID).WithCause(err)
		}
		inputs := def.Inputs
		if inputs == nil {
			inputs = map[string]any{}
		}
		if len(def.InputsSchema) > 0 && c.validator != nil {
			raw, err := json.Marshal(def.InputsSchema)
			if err != nil {
				return nil, fmt.Errorf("encode inputs schema: %w", err)
			}
			if err := c.validator.ValidateDocument(inputs, raw); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "pipeline %q inputs: %s", blob.ID, err).WithCause(err)
			}
		}

		frags, err := fragments(ctx, stagesQuery, blob.Payload)
		if err != nil {
			return nil, err
		}
		ids, deps, layout, err := children(blob.ID, KindStage, frags)
		if err != nil {
			return nil, err
		}
		resp.Nodes[blob.ID] = schema.NodeDefinition{
			ID:            blob.ID,
			Type:          steps.TypeSequence,
			Name:          def.Name,
			Group:         KindPipeline,
			ExecutionMode: schema.ModeChildChain,
			ChildIDs:      ids,
		}
		resp.Layout[blob.ID] = schema.PositionInfo{}
		for id, pos := range layout {
			resp.Layout[id] = pos
		}
		resp.NewDependencies = append(resp.NewDependencies, deps...)
		resp.ConsumedIDs = append(resp.ConsumedIDs, blob.ID)
		resp.StartingNodeID = blob.ID
		resp.NewContext = map[string]any{ContextPipeline: def.Name, ContextInputs: inputs}
	}
	return resp, nil
}

func (c *creators) resolveStages(ctx context.Context, req *schema.ResolveRequest) (*schema.ResolveResponse, error) {
	if err := compileQueries(); err != nil {
		return nil, err
	}
	pipeline, _ := req.Context[ContextPipeline].(string)
	resp := newResponse()
	for _, blob := range pendingOf(req, KindStage) {
		var st Stage
		if err := json.Unmarshal(blob.Payload, &st); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode stage %q", blob.ID).WithCause(err)
		}
		frags, err := fragments(ctx, stepsQuery, blob.Payload)
		if err != nil {
			return nil, err
		}
		ids, deps, layout, err := children(blob.ID, KindStep, frags)
		if err != nil {
			return nil, err
		}

		node := schema.NodeDefinition{ID: blob.ID, Name: st.Name, Group: pipeline, ChildIDs: ids}
		if st.Parallel {
			node.Type, node.ExecutionMode = steps.TypeParallel, schema.ModeChildren
			node.Parameters, err = params(map[string]any{"tolerate_failures": st.ContinueOnFailure})
		} else {
			node.Type, node.ExecutionMode = steps.TypeSequence, schema.ModeChildChain
			node.Parameters, err = params(map[string]any{"continue_on_failure": st.ContinueOnFailure})
		}
		if err != nil {
			return nil, err
		}
		resp.Nodes[blob.ID] = node
		for id, pos := range layout {
			resp.Layout[id] = pos
		}
		resp.NewDependencies = append(resp.NewDependencies, deps...)
		resp.ConsumedIDs = append(resp.ConsumedIDs, blob.ID)
	}
	return resp, nil
}

func (c *creators) resolveSteps(ctx context.Context, req *schema.ResolveRequest) (*schema.ResolveResponse, error) {
	if err := compileQueries(); err != nil {
		return nil, err
	}
	pipeline, _ := req.Context[ContextPipeline].(string)
	resp := newResponse()
	for _, blob := range pendingOf(req, KindStep) {
		var s Step
		if err := json.Unmarshal(blob.Payload, &s); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode step %q", blob.ID).WithCause(err)
		}
		node := schema.NodeDefinition{ID: blob.ID, Name: s.Name, Group: pipeline}
		advisers, wait, err := s.facilitation()
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %q: %s", blob.ID, err).WithNode(blob.ID)
		}
		node.Advisers, node.InitialWait = advisers, wait

		if len(s.Parallel) > 0 {
			frags, err := fragments(ctx, parallelQuery, blob.Payload)
			if err != nil {
				return nil, err
			}
			ids, deps, layout, err := children(blob.ID, KindStep, frags)
			if err != nil {
				return nil, err
			}
			node.Type, node.ExecutionMode, node.ChildIDs = steps.TypeParallel, schema.ModeChildren, ids
			if node.Parameters, err = params(map[string]any{"tolerate_failures": s.TolerateFailures}); err != nil {
				return nil, err
			}
			for id, pos := range layout {
				resp.Layout[id] = pos
			}
			resp.NewDependencies = append(resp.NewDependencies, deps...)
		} else {
			mode, ok := c.modes.Mode(s.Type)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeStepNotFound, "step %q has unknown type %q", blob.ID, s.Type).
					WithNode(blob.ID)
			}
			node.Type, node.ExecutionMode = s.Type, mode
			if len(s.Params) > 0 {
				var err error
				if node.Parameters, err = params(s.Params); err != nil {
					return nil, err
				}
			}
		}
		resp.Nodes[blob.ID] = node
		resp.ConsumedIDs = append(resp.ConsumedIDs, blob.ID)
	}
	return resp, nil
}
