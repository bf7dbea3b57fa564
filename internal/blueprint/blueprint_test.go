package blueprint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagecraft/internal/assembly"
	"github.com/rendis/stagecraft/internal/engine"
	"github.com/rendis/stagecraft/internal/steps"
	"github.com/rendis/stagecraft/internal/store"
	"github.com/rendis/stagecraft/internal/validation"
	"github.com/rendis/stagecraft/internal/waiter"
	"github.com/rendis/stagecraft/pkg/schema"
)

const releaseYAML = `
name: release
inputs:
  version: "1.2.0"
inputs_schema:
  type: object
  required: [version]
  properties:
    version: {type: string}
stages:
  - id: build
    steps:
      - id: compile
        type: echo
        params:
          output: {artifact: app}
      - id: checks
        parallel:
          - id: lint
            type: echo
          - id: unit
            type: echo
  - id: ship
    parallel: true
    steps:
      - type: echo
      - id: notify
        type: echo
`

type fixture struct {
	registry *steps.Registry
	waiter   *waiter.Waiter
	coord    *assembly.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	w := waiter.New()
	reg := steps.NewRegistry()
	require.NoError(t, steps.RegisterBuiltins(reg, w))
	v, err := validation.New()
	require.NoError(t, err)
	coord := assembly.NewCoordinator(assembly.NewDirectBinding(Creators(reg, v)))
	return &fixture{registry: reg, waiter: w, coord: coord}
}

func (f *fixture) assemble(t *testing.T, src string) (*schema.Plan, error) {
	t.Helper()
	def, err := Parse([]byte(src))
	require.NoError(t, err)
	root, err := def.Root()
	require.NoError(t, err)
	return f.coord.Assemble(testCtx(t), root, nil)
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestParse_FillsDefaultIDs(t *testing.T) {
	def, err := Parse([]byte(releaseYAML))
	require.NoError(t, err)
	assert.Equal(t, "release", def.Name)
	require.Len(t, def.Stages, 2)
	assert.Equal(t, "ship.1", def.Stages[1].Steps[0].ID)
	assert.Equal(t, "notify", def.Stages[1].Steps[1].ID)
	assert.Equal(t, "lint", def.Stages[0].Steps[1].Parallel[0].ID)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		msg  string
	}{
		{"empty", "", "empty"},
		{"no name", "stages: [{steps: [{type: echo}]}]", "no name"},
		{"no stages", "name: x", "no stages"},
		{"unknown field", "name: x\ncolour: red\nstages: [{steps: [{type: echo}]}]", "decode"},
		{"step without type", "name: x\nstages: [{steps: [{id: a}]}]", `step "a" has no type`},
		{"type and parallel", "name: x\nstages: [{steps: [{id: a, type: echo, parallel: [{type: echo}]}]}]", "both type and parallel"},
		{"retry without attempts", "name: x\nstages: [{steps: [{id: a, type: echo, retry: {attempts: 0}}]}]", "retry attempts must be at least 1"},
		{"bad retry delay", "name: x\nstages: [{steps: [{id: a, type: echo, retry: {attempts: 2, delay: soon}}]}]", `invalid retry delay "soon"`},
		{"bad backoff", "name: x\nstages: [{steps: [{id: a, type: echo, retry: {attempts: 2, backoff: random}}]}]", `unknown retry backoff "random"`},
		{"bad wait_before", "name: x\nstages: [{steps: [{id: a, type: echo, wait_before: -1s}]}]", `invalid wait_before "-1s"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src))
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "got %v", err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release.yaml")
	require.NoError(t, os.WriteFile(path, []byte(releaseYAML), 0o600))
	def, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "release", def.Name)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCreators_AssembleRelease(t *testing.T) {
	f := newFixture(t)
	plan, err := f.assemble(t, releaseYAML)
	require.NoError(t, err)

	assert.Equal(t, "release", plan.StartingNodeID)
	assert.ElementsMatch(t, []string{"release", "build", "ship", "compile", "checks", "lint", "unit", "ship.1", "notify"}, plan.NodeIDs())

	root := plan.Nodes["release"]
	assert.Equal(t, schema.ModeChildChain, root.ExecutionMode)
	assert.Equal(t, []string{"build", "ship"}, root.ChildIDs)

	assert.Equal(t, schema.ModeChildChain, plan.Nodes["build"].ExecutionMode)
	assert.Equal(t, steps.TypeParallel, plan.Nodes["ship"].Type)
	assert.Equal(t, schema.ModeChildren, plan.Nodes["checks"].ExecutionMode)
	assert.Equal(t, []string{"lint", "unit"}, plan.Nodes["checks"].ChildIDs)
	assert.Equal(t, schema.ModeSync, plan.Nodes["compile"].ExecutionMode)
	assert.JSONEq(t, `{"output":{"artifact":"app"}}`, string(plan.Nodes["compile"].Parameters))
	assert.Equal(t, "release", plan.Nodes["compile"].Group)

	assert.Equal(t, schema.PositionInfo{ParentID: "build", NextID: "checks", Order: 0}, plan.Layout["compile"])
	assert.Equal(t, schema.PositionInfo{ParentID: "release", PreviousID: "build", Order: 1}, plan.Layout["ship"])

	assert.Equal(t, "release", plan.Context[ContextPipeline])
	assert.Equal(t, map[string]any{"version": "1.2.0"}, plan.Context[ContextInputs])
}

func TestCreators_InputsViolateSchema(t *testing.T) {
	f := newFixture(t)
	_, err := f.assemble(t, `
name: release
inputs: {version: 12}
inputs_schema:
  type: object
  properties:
    version: {type: string}
stages: [{steps: [{type: echo}]}]
`)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "got %v", err)
}

func TestCreators_UnknownStepType(t *testing.T) {
	f := newFixture(t)
	_, err := f.assemble(t, "name: x\nstages: [{steps: [{id: a, type: teleport}]}]")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepNotFound), "got %v", err)
	assert.Contains(t, err.Error(), "teleport")
}

func TestCreators_DuplicateStepIDs(t *testing.T) {
	f := newFixture(t)
	_, err := f.assemble(t, `
name: x
stages:
  - steps: [{id: a, type: echo}]
  - steps: [{id: a, type: echo}]
`)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDuplicateDependency), "got %v", err)
}

func TestCreators_AssembleAndRun(t *testing.T) {
	f := newFixture(t)
	plan, err := f.assemble(t, releaseYAML)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	rt := engine.NewRuntime(st, engine.NewDispatcher(f.registry), f.waiter)
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	ctx := testCtx(t)
	res, err := rt.Execute(ctx, *plan, plan.Context)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, res.Status)

	list, err := rt.Instances(ctx, res.RunID)
	require.NoError(t, err)
	assert.Len(t, list, len(plan.Nodes))
	for _, inst := range list {
		assert.Equal(t, schema.StatusSucceeded, inst.Status, "node %s", inst.NodeID)
	}
}

func TestCreators_FailedStepStopsPipeline(t *testing.T) {
	f := newFixture(t)
	plan, err := f.assemble(t, `
name: broken
stages:
  - id: build
    steps:
      - {id: compile, type: echo, params: {fail: "compiler crashed"}}
      - {id: package, type: echo}
  - id: ship
    steps: [{id: upload, type: echo}]
`)
	require.NoError(t, err)

	rt := engine.NewRuntime(store.NewMemoryStore(), engine.NewDispatcher(f.registry), f.waiter)
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	ctx := testCtx(t)
	res, err := rt.Execute(ctx, *plan, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, res.Status)

	list, err := rt.Instances(ctx, res.RunID)
	require.NoError(t, err)
	byNode := map[string]schema.Status{}
	for _, inst := range list {
		byNode[inst.NodeID] = inst.Status
	}
	assert.Equal(t, schema.StatusFailed, byNode["compile"])
	assert.NotContains(t, byNode, "package")
	assert.NotContains(t, byNode, "ship")
}

func TestCreators_StepAdvisersAndInitialWait(t *testing.T) {
	f := newFixture(t)
	plan, err := f.assemble(t, `
name: flaky
stages:
  - id: build
    steps:
      - {id: lint, type: echo, params: {fail: "style violations"}, ignore_failure: true}
      - id: compile
        type: echo
        wait_before: 5ms
        retry: {attempts: 2, delay: 1ms, backoff: linear}
        params: {fail: "compiler crashed"}
`)
	require.NoError(t, err)

	compile := plan.Nodes["compile"]
	assert.Equal(t, schema.Duration(5*time.Millisecond), compile.InitialWait)
	require.Len(t, compile.Advisers, 1)
	assert.Equal(t, schema.AdviserRetry, compile.Advisers[0].Type)
	assert.Equal(t, &schema.RetrySpec{MaxAttempts: 2, Delay: schema.Duration(time.Millisecond), Backoff: schema.BackoffLinear}, compile.Advisers[0].Retry)
	assert.Equal(t, []schema.AdviserSpec{{Type: schema.AdviserIgnore}}, plan.Nodes["lint"].Advisers)

	st := store.NewMemoryStore()
	rt := engine.NewRuntime(st, engine.NewDispatcher(f.registry), f.waiter)
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	ctx := testCtx(t)
	res, err := rt.Execute(ctx, *plan, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, res.Status)

	list, err := rt.Instances(ctx, res.RunID)
	require.NoError(t, err)
	byNode := map[string]*store.Instance{}
	for _, inst := range list {
		byNode[inst.NodeID] = inst
	}
	require.Contains(t, byNode, "lint")
	assert.Equal(t, schema.StatusSucceeded, byNode["lint"].Status)
	require.NotNil(t, byNode["lint"].Result.Failure, "ignored failure stays visible")
	assert.Equal(t, "style violations", byNode["lint"].Result.Failure.ErrorMessage)
	assert.Equal(t, schema.StatusFailed, byNode["compile"].Status)

	events, err := st.GetEvents(ctx, res.RunID, store.EventFilter{})
	require.NoError(t, err)
	counts := map[string]int{}
	for _, e := range events {
		if e.InstanceID == byNode["compile"].ID {
			counts[e.Type]++
		}
	}
	assert.Equal(t, 1, counts[schema.EventNodeRetrying])
	assert.Equal(t, 1, counts[schema.EventNodeDelayed])
	assert.Equal(t, 1, counts[schema.EventNodeFailed])
}
