package diagram

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagecraft/internal/store"
	"github.com/rendis/stagecraft/pkg/schema"
)

func releasePlan() *schema.Plan {
	nodes := []schema.NodeDefinition{
		{ID: "release", Name: "Release", Type: "sequence", ExecutionMode: schema.ModeChildChain, ChildIDs: []string{"build", "ship"}},
		{ID: "build", Type: "sequence", ExecutionMode: schema.ModeChildChain, ChildIDs: []string{"compile", "approve"}},
		{ID: "compile", Type: "echo", ExecutionMode: schema.ModeSync},
		{ID: "approve", Type: "approval", ExecutionMode: schema.ModeAsync},
		{ID: "ship", Type: "parallel", ExecutionMode: schema.ModeChildren, ChildIDs: []string{"eu-west", "us-east"}},
		{ID: "eu-west", Type: "echo", ExecutionMode: schema.ModeSync},
		{ID: "us-east", Type: "echo", ExecutionMode: schema.ModeSync},
	}
	p := &schema.Plan{Nodes: map[string]schema.NodeDefinition{}, StartingNodeID: "release"}
	for _, n := range nodes {
		p.Nodes[n.ID] = n
	}
	return p
}

func ids(m *Model) []string {
	out := make([]string, len(m.Nodes))
	for i, n := range m.Nodes {
		out[i] = n.ID
	}
	return out
}

func TestBuild_DepthFirstOrder(t *testing.T) {
	m, err := Build(releasePlan(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Release", m.Title)
	assert.Equal(t, []string{"release", "build", "compile", "approve", "ship", "eu-west", "us-east"}, ids(m))
	assert.Equal(t, 2, m.Nodes[2].Depth)
	assert.Equal(t, NodeKindAsync, m.Nodes[3].Kind)
	assert.Contains(t, m.Edges, Edge{From: "build", To: "approve", Label: "2"})
	assert.Contains(t, m.Edges, Edge{From: "ship", To: "us-east"})
}

func TestBuild_UnreachableNodesLast(t *testing.T) {
	p := releasePlan()
	p.Nodes["orphan"] = schema.NodeDefinition{ID: "orphan", Type: "echo", ExecutionMode: schema.ModeSync}
	m, err := Build(p, nil)
	require.NoError(t, err)
	last := m.Nodes[len(m.Nodes)-1]
	assert.Equal(t, "orphan", last.ID)
	assert.Equal(t, 0, last.Depth)
}

func TestBuild_MissingStart(t *testing.T) {
	_, err := Build(&schema.Plan{StartingNodeID: "nope"}, nil)
	assert.Error(t, err)
	_, err = Build(nil, nil)
	assert.Error(t, err)
}

func TestBuild_StatusOverlayUsesLatestInstance(t *testing.T) {
	now := time.Now()
	instances := []*store.Instance{
		{NodeID: "compile", Status: schema.StatusFailed, UpdatedAt: now.Add(-time.Minute),
			Result: &schema.StepResponse{Status: schema.StatusFailed, Failure: &schema.FailureInfo{ErrorMessage: "old"}}},
		{NodeID: "compile", Status: schema.StatusSucceeded, UpdatedAt: now},
		{NodeID: "ship", Status: schema.StatusFailed, UpdatedAt: now,
			Result: &schema.StepResponse{Status: schema.StatusFailed, Failure: &schema.FailureInfo{ErrorMessage: "region down\nstack"}}},
	}
	m, err := Build(releasePlan(), instances)
	require.NoError(t, err)

	byID := map[string]*Node{}
	for _, n := range m.Nodes {
		byID[n.ID] = n
	}
	require.NotNil(t, byID["compile"].Status)
	assert.Equal(t, schema.StatusSucceeded, byID["compile"].Status.Status)
	assert.Equal(t, "region down\nstack", byID["ship"].Status.Error)
	assert.Nil(t, byID["release"].Status)
}

func TestRenderASCII(t *testing.T) {
	instances := []*store.Instance{
		{NodeID: "release", Status: schema.StatusFailed},
		{NodeID: "compile", Status: schema.StatusSucceeded},
		{NodeID: "approve", Status: schema.StatusApprovalWaiting},
		{NodeID: "ship", Status: schema.StatusFailed,
			Result: &schema.StepResponse{Failure: &schema.FailureInfo{ErrorMessage: "region down\nstack"}}},
	}
	m, err := Build(releasePlan(), instances)
	require.NoError(t, err)

	want := strings.Join([]string{
		"=== Release ===",
		"",
		"Release [release] (sequence) -> [FAIL]",
		"├── build (sequence) ->",
		"│   ├── compile (echo) [OK]",
		"│   └── approve (approval) ~ [APPROVAL]",
		"└── ship (parallel) || [FAIL] region down",
		"    ├── eu-west (echo)",
		"    └── us-east (echo)",
		"",
	}, "\n")
	assert.Equal(t, want, RenderASCII(m))
}

func TestRenderMermaid(t *testing.T) {
	m, err := Build(releasePlan(), []*store.Instance{
		{NodeID: "compile", Status: schema.StatusSucceeded},
		{NodeID: "approve", Status: schema.StatusApprovalWaiting},
	})
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, `compile["compile (echo)"]`)
	assert.Contains(t, out, `approve(["approve (approval)"])`)
	assert.Contains(t, out, `ship[["ship (parallel)"]]`)
	assert.Contains(t, out, `build[/"build (sequence)"/]`)
	assert.Contains(t, out, "build -->|1| compile")
	assert.Contains(t, out, "ship --> eu_west")
	assert.Contains(t, out, "class compile succeeded")
	assert.Contains(t, out, "class approve waiting")
	assert.NotContains(t, out, "class release")
}
