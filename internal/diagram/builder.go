package diagram

import (
	"fmt"
	"strconv"

	"github.com/rendis/stagecraft/internal/store"
	"github.com/rendis/stagecraft/pkg/schema"
)

// Build constructs a Model from a plan and optional run instances. When a
// node ran more than once the most recently updated instance wins.
func Build(plan *schema.Plan, instances []*store.Instance) (*Model, error) {
	if plan == nil {
		return nil, fmt.Errorf("diagram: nil plan")
	}
	if _, ok := plan.Node(plan.StartingNodeID); !ok {
		return nil, fmt.Errorf("diagram: starting node %q not in plan", plan.StartingNodeID)
	}

	latest := make(map[string]*store.Instance, len(instances))
	for _, inst := range instances {
		if prev, ok := latest[inst.NodeID]; !ok || inst.UpdatedAt.After(prev.UpdatedAt) {
			latest[inst.NodeID] = inst
		}
	}

	m := &Model{Title: titleOf(plan)}
	visited := make(map[string]bool, len(plan.Nodes))
	var walk func(id string, depth int, last bool)
	walk = func(id string, depth int, last bool) {
		if visited[id] {
			return
		}
		visited[id] = true
		def, ok := plan.Node(id)
		if !ok {
			return
		}
		m.Nodes = append(m.Nodes, newNode(def, depth, last, latest[id]))
		for i, child := range def.ChildIDs {
			e := Edge{From: id, To: child}
			if def.ExecutionMode == schema.ModeChildChain {
				e.Label = strconv.Itoa(i + 1)
			}
			m.Edges = append(m.Edges, e)
			walk(child, depth+1, i == len(def.ChildIDs)-1)
		}
	}
	walk(plan.StartingNodeID, 0, true)

	for _, id := range plan.NodeIDs() {
		if !visited[id] {
			visited[id] = true
			m.Nodes = append(m.Nodes, newNode(plan.Nodes[id], 0, true, latest[id]))
		}
	}
	return m, nil
}

func newNode(def schema.NodeDefinition, depth int, last bool, inst *store.Instance) *Node {
	n := &Node{ID: def.ID, Label: labelOf(def), Kind: kindOf(def.ExecutionMode), Depth: depth, Last: last}
	if inst != nil {
		n.Status = &StatusOverlay{Status: inst.Status}
		if inst.Result != nil && inst.Result.Failure != nil {
			n.Status.Error = inst.Result.Failure.ErrorMessage
		}
	}
	return n
}

func kindOf(mode schema.ExecutionMode) NodeKind {
	switch mode {
	case schema.ModeAsync:
		return NodeKindAsync
	case schema.ModeChildren:
		return NodeKindFanOut
	case schema.ModeChildChain:
		return NodeKindChain
	default:
		return NodeKindSync
	}
}

func labelOf(def schema.NodeDefinition) string {
	name := def.ID
	if def.Name != "" && def.Name != def.ID {
		name = def.Name + " [" + def.ID + "]"
	}
	return name + " (" + def.Type + ")"
}

func titleOf(plan *schema.Plan) string {
	if root, ok := plan.Node(plan.StartingNodeID); ok && root.Name != "" {
		return root.Name
	}
	return plan.StartingNodeID
}
