package assembly

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/rendis/stagecraft/pkg/schema"
)

// foldState is one immutable step of the assembly fold. step never mutates
// its receiver; it returns the state for the next iteration.
type foldState struct {
	pending   map[string]schema.DependencyBlob
	context   map[string]any
	nodes     map[string]schema.NodeDefinition
	owners    map[string]string
	layout    map[string]schema.PositionInfo
	start     string
	seen      map[string]struct{}
	iteration int
}

func seed(root schema.DependencyBlob, initial map[string]any) foldState {
	return foldState{
		pending: map[string]schema.DependencyBlob{root.ID: root},
		context: maps.Clone(nonNil(initial)),
		nodes:   map[string]schema.NodeDefinition{},
		owners:  map[string]string{},
		layout:  map[string]schema.PositionInfo{},
		seen:    map[string]struct{}{root.ID: {}},
	}
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func (s foldState) clone() foldState {
	return foldState{
		pending:   maps.Clone(s.pending),
		context:   maps.Clone(s.context),
		nodes:     maps.Clone(s.nodes),
		owners:    maps.Clone(s.owners),
		layout:    maps.Clone(s.layout),
		start:     s.start,
		seen:      maps.Clone(s.seen),
		iteration: s.iteration,
	}
}

// request snapshots the pending set and context for one iteration.
func (s foldState) request() *schema.ResolveRequest {
	return &schema.ResolveRequest{
		Dependencies: maps.Clone(s.pending),
		Context:      maps.Clone(s.context),
	}
}

// step merges the responses of one iteration.
func (s foldState) step(responses []*schema.ResolveResponse) (foldState, error) {
	next := s.clone()
	next.iteration++

	var newDeps []schema.DependencyBlob
	for _, resp := range responses {
		if resp == nil {
			continue
		}
		service := resp.Service
		if service == "" {
			service = "unnamed service"
		}
		for _, id := range sortedKeys(resp.Nodes) {
			n := resp.Nodes[id]
			if n.ID == "" || n.ID != id {
				return s, schema.NewErrorf(schema.ErrCodeValidation,
					"%s returned node keyed %q that declares id %q", service, id, n.ID).WithNode(id)
			}
			if owner, exists := next.owners[n.ID]; exists {
				return s, schema.NewErrorf(schema.ErrCodeDuplicateNode,
					"node %q produced by both %s and %s", n.ID, owner, service).WithNode(n.ID)
			}
			next.nodes[n.ID] = n
			next.owners[n.ID] = service
		}

		if resp.StartingNodeID != "" {
			switch next.start {
			case "":
				next.start = resp.StartingNodeID
			case resp.StartingNodeID:
			default:
				return s, schema.NewErrorf(schema.ErrCodeConflictingStart,
					"conflicting starting nodes %q and %q", next.start, resp.StartingNodeID)
			}
		}

		for id, pos := range resp.Layout {
			if _, ok := next.layout[id]; !ok {
				next.layout[id] = pos
			}
		}
		for _, id := range resp.ConsumedIDs {
			delete(next.pending, id)
		}
		maps.Copy(next.context, resp.NewContext)
		newDeps = append(newDeps, resp.NewDependencies...)
	}

	var unresolved []string
	for id := range s.pending {
		if _, still := next.pending[id]; still {
			unresolved = append(unresolved, id)
		}
	}
	if len(unresolved) > 0 {
		return s, unresolvedError(schema.ErrCodeUnresolvedDependency, unresolved)
	}

	for _, dep := range newDeps {
		if dep.ID == "" {
			return s, schema.NewError(schema.ErrCodeValidation, "new dependency without id")
		}
		if _, dup := next.seen[dep.ID]; dup {
			return s, schema.NewErrorf(schema.ErrCodeDuplicateDependency, "dependency %q surfaced more than once", dep.ID)
		}
		if _, clash := next.nodes[dep.ID]; clash {
			return s, schema.NewErrorf(schema.ErrCodeDuplicateDependency, "dependency %q collides with a resolved node", dep.ID)
		}
		next.seen[dep.ID] = struct{}{}
		next.pending[dep.ID] = dep
	}
	return next, nil
}

// plan finishes the fold.
func (s foldState) plan() (*schema.Plan, error) {
	if len(s.pending) > 0 {
		return nil, unresolvedError(schema.ErrCodeDepthExceeded, sortedKeys(s.pending))
	}
	if s.start == "" {
		return nil, schema.NewError(schema.ErrCodeNoStartingNode, "no starting node")
	}
	p := &schema.Plan{
		Nodes:          s.nodes,
		StartingNodeID: s.start,
		Layout:         s.layout,
		Context:        s.context,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func unresolvedError(code string, ids []string) *schema.StageError {
	sort.Strings(ids)
	return schema.NewError(code, fmt.Sprintf("unresolved nodes: [%s]", strings.Join(ids, ", "))).
		WithDetails(map[string]any{"unresolved": ids})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
