package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// DependencyBlob is an unresolved fragment of a workflow definition.
// ID is unique across one assembly. Kind selects the creator services that
// may resolve it; an empty Kind means the ID doubles as the kind.
type DependencyBlob struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ResolvedKind returns the kind used for service selection.
func (b DependencyBlob) ResolvedKind() string {
	if b.Kind != "" {
		return b.Kind
	}
	return b.ID
}

// NodeDefinition is the immutable template for one node of a plan.
type NodeDefinition struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Name          string          `json:"name,omitempty"`
	Group         string          `json:"group,omitempty"`
	ExecutionMode ExecutionMode   `json:"executionMode"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	ChildIDs      []string        `json:"childIds,omitempty"`
	// InitialWait delays the first start of every instance of the node.
	InitialWait Duration      `json:"initialWait,omitempty"`
	Advisers    []AdviserSpec `json:"advisers,omitempty"`
}

// PositionInfo places a node relative to its siblings for rendering.
type PositionInfo struct {
	ParentID   string `json:"parentId,omitempty"`
	PreviousID string `json:"previousId,omitempty"`
	NextID     string `json:"nextId,omitempty"`
	Order      int    `json:"order"`
}

// Plan is the assembled, executable graph of node definitions.
type Plan struct {
	Nodes          map[string]NodeDefinition `json:"nodes"`
	StartingNodeID string                    `json:"startingNodeId"`
	Layout         map[string]PositionInfo   `json:"layout,omitempty"`
	Context        map[string]any            `json:"context,omitempty"`
}

// Node returns the definition with the given id.
func (p *Plan) Node(id string) (NodeDefinition, bool) {
	n, ok := p.Nodes[id]
	return n, ok
}

// NodeIDs returns all node ids in sorted order.
func (p *Plan) NodeIDs() []string {
	ids := make([]string, 0, len(p.Nodes))
	for id := range p.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Check walks the graph from the starting node. Every id reachable through
// childIds must exist and the walk must not revisit a node on its own path.
// Nodes that cannot be reached are reported as warnings.
func (p *Plan) Check() *ValidationResult {
	r := &ValidationResult{}
	if p.StartingNodeID == "" {
		r.AddError("startingNodeId", ErrCodeNoStartingNode, "no starting node")
		return r
	}
	if _, ok := p.Nodes[p.StartingNodeID]; !ok {
		r.AddError("startingNodeId", ErrCodeInvalidPlan,
			fmt.Sprintf("starting node %q not found", p.StartingNodeID))
		return r
	}

	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[string]int, len(p.Nodes))
	var walk func(id string)
	walk = func(id string) {
		state[id] = onPath
		node := p.Nodes[id]
		if !node.ExecutionMode.Valid() {
			r.AddError("nodes."+id+".executionMode", ErrCodeInvalidPlan,
				fmt.Sprintf("node %q has unknown execution mode %q", id, node.ExecutionMode))
		}
		if node.InitialWait < 0 {
			r.AddError("nodes."+id+".initialWait", ErrCodeInvalidPlan,
				fmt.Sprintf("node %q has a negative initial wait", id))
		}
		for i, a := range node.Advisers {
			if err := a.check(); err != nil {
				r.AddError(fmt.Sprintf("nodes.%s.advisers[%d]", id, i), ErrCodeInvalidPlan,
					fmt.Sprintf("node %q: %s", id, err))
			}
		}
		for i, child := range node.ChildIDs {
			path := fmt.Sprintf("nodes.%s.childIds[%d]", id, i)
			if _, ok := p.Nodes[child]; !ok {
				r.AddError(path, ErrCodeInvalidPlan, fmt.Sprintf("node %q references missing child %q", id, child))
				continue
			}
			switch state[child] {
			case onPath:
				r.AddError(path, ErrCodeInvalidPlan, fmt.Sprintf("cycle through %q and %q", id, child))
			case unvisited:
				walk(child)
			}
		}
		state[id] = done
	}
	walk(p.StartingNodeID)

	for _, id := range p.NodeIDs() {
		if state[id] == unvisited {
			r.AddWarning("nodes."+id, ErrCodeInvalidPlan, fmt.Sprintf("node %q is unreachable", id))
		}
	}
	return r
}

// Validate returns an INVALID_PLAN error when Check reports errors. A missing
// starting node keeps its own code.
func (p *Plan) Validate() error {
	r := p.Check()
	if r.Valid() {
		return nil
	}
	if r.Errors[0].Code == ErrCodeNoStartingNode {
		return NewError(ErrCodeNoStartingNode, "no starting node")
	}
	return r.ToError(ErrCodeInvalidPlan)
}

// ResolveRequest is sent to creator services once per assembly iteration.
type ResolveRequest struct {
	Dependencies  map[string]DependencyBlob `json:"dependencies"`
	Context       map[string]any            `json:"context,omitempty"`
	CorrelationID string                    `json:"correlationId,omitempty"`
}

// Kinds returns the distinct kinds present in the request, sorted.
func (r *ResolveRequest) Kinds() []string {
	seen := make(map[string]struct{}, len(r.Dependencies))
	var kinds []string
	for _, b := range r.Dependencies {
		k := b.ResolvedKind()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ResolveResponse is what one creator service produced for one iteration.
type ResolveResponse struct {
	Service         string                    `json:"service,omitempty"`
	Nodes           map[string]NodeDefinition `json:"nodes,omitempty"`
	ConsumedIDs     []string                  `json:"consumedIds,omitempty"`
	NewDependencies []DependencyBlob          `json:"newDependencies,omitempty"`
	NewContext      map[string]any            `json:"newContext,omitempty"`
	StartingNodeID  string                    `json:"startingNodeId,omitempty"`
	Layout          map[string]PositionInfo   `json:"layout,omitempty"`
	ErrorMessages   []string                  `json:"errorMessages,omitempty"`
}
