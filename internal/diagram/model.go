// Package diagram renders assembled plans, optionally overlaid with the
// statuses of a run.
package diagram

import "github.com/rendis/stagecraft/pkg/schema"

// NodeKind classifies a diagram node by its execution mode.
type NodeKind string

const (
	NodeKindSync   NodeKind = "sync"
	NodeKindAsync  NodeKind = "async"
	NodeKindFanOut NodeKind = "fanout"
	NodeKindChain  NodeKind = "chain"
)

// Model is the intermediate representation used by all renderers. Nodes are
// in depth-first order from the starting node; unreachable nodes come last
// at depth 0.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one plan node.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Depth  int
	Last   bool // last child of its parent
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status schema.Status
	Error  string
}

// Edge links a parent to a child. Chain edges carry the child's position.
type Edge struct {
	From  string
	To    string
	Label string
}
