package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagecraft/internal/steps"
	"github.com/rendis/stagecraft/internal/store"
	"github.com/rendis/stagecraft/pkg/schema"
)

func retryAdviser(attempts int, delay time.Duration) schema.AdviserSpec {
	return schema.AdviserSpec{
		Type:  schema.AdviserRetry,
		Retry: &schema.RetrySpec{MaxAttempts: attempts, Delay: schema.Duration(delay), Backoff: schema.BackoffConstant},
	}
}

func withAdvisers(n schema.NodeDefinition, advisers ...schema.AdviserSpec) schema.NodeDefinition {
	n.Advisers = advisers
	return n
}

// flaky fails its first failures calls and succeeds afterwards.
func flaky(typ string, failures int32, calls *atomic.Int32) *fnSync {
	return &fnSync{typ: typ, fn: func(context.Context, steps.Invocation) (*schema.StepResponse, error) {
		if n := calls.Add(1); n <= failures {
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "attempt %d failed", n)
		}
		return steps.Succeeded(map[string]any{"ok": true})
	}}
}

func TestAdvise(t *testing.T) {
	failed := schema.StepResponse{
		Status:  schema.StatusFailed,
		Failure: &schema.FailureInfo{ErrorMessage: "boom", FailureTypes: []schema.FailureType{schema.FailureConnectivity}},
	}
	linear := schema.AdviserSpec{
		Type:  schema.AdviserRetry,
		Retry: &schema.RetrySpec{MaxAttempts: 3, Delay: schema.Duration(10 * time.Millisecond), Backoff: schema.BackoffLinear},
	}
	ignore := schema.AdviserSpec{Type: schema.AdviserIgnore}

	tests := []struct {
		name     string
		advisers []schema.AdviserSpec
		result   schema.StepResponse
		retries  int
		want     Advice
		ok       bool
	}{
		{"no advisers", nil, failed, 0, Advice{}, false},
		{"success is not advised", []schema.AdviserSpec{ignore}, schema.StepResponse{Status: schema.StatusSucceeded}, 0, Advice{}, false},
		{"first retry", []schema.AdviserSpec{linear}, failed, 0, Advice{Type: schema.AdviserRetry, Delay: 10 * time.Millisecond, Attempt: 2}, true},
		{"second retry backs off", []schema.AdviserSpec{linear}, failed, 1, Advice{Type: schema.AdviserRetry, Delay: 20 * time.Millisecond, Attempt: 3}, true},
		{"retries used up", []schema.AdviserSpec{linear}, failed, 2, Advice{}, false},
		{"used up retry falls through", []schema.AdviserSpec{linear, ignore}, failed, 2, Advice{Type: schema.AdviserIgnore}, true},
		{
			"failure type filter misses",
			[]schema.AdviserSpec{{Type: schema.AdviserIgnore, FailureTypes: []schema.FailureType{schema.FailureTimeout}}},
			failed, 0, Advice{}, false,
		},
		{
			"failure type filter hits",
			[]schema.AdviserSpec{{Type: schema.AdviserIgnore, FailureTypes: []schema.FailureType{schema.FailureConnectivity}}},
			failed, 0, Advice{Type: schema.AdviserIgnore}, true,
		},
		{
			"suspended only when asked",
			[]schema.AdviserSpec{{Type: schema.AdviserIgnore, Statuses: []schema.Status{schema.StatusSuspended}}},
			schema.StepResponse{Status: schema.StatusSuspended}, 0, Advice{Type: schema.AdviserIgnore}, true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := withAdvisers(echo("a"), tt.advisers...)
			got, ok := Advise(n, tt.result, tt.retries)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlan_RejectsBadAdvisers(t *testing.T) {
	bad := []schema.AdviserSpec{
		{Type: schema.AdviserRetry},
		{Type: "REPAIR"},
		{Type: schema.AdviserIgnore, Statuses: []schema.Status{schema.StatusRunning}},
	}
	for _, a := range bad {
		plan := planOf("a", withAdvisers(echo("a"), a))
		err := plan.Validate()
		assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidPlan), "adviser %+v: got %v", a, err)
	}
}

func TestRuntime_RetryAdviserRecovers(t *testing.T) {
	var calls atomic.Int32
	h := newMemoryHarness(t, flaky("flaky", 2, &calls))
	ctx := testCtx(t)

	plan := planOf("root",
		node("root", steps.TypeParallel, schema.ModeChildren, "f", "e"),
		withAdvisers(node("f", "flaky", schema.ModeSync), retryAdviser(3, time.Millisecond)),
		echo("e"),
	)
	res, err := h.rt.Execute(ctx, plan, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, res.Status)
	assert.Equal(t, int32(3), calls.Load())

	f := h.instances(t, res.RunID)["f"]
	assert.Equal(t, schema.StatusSucceeded, f.Status)

	retried, err := h.store.GetEvents(ctx, res.RunID, store.EventFilter{InstanceID: f.ID, Types: []string{schema.EventNodeRetrying}})
	require.NoError(t, err)
	assert.Len(t, retried, 2)

	// The parent was told once, about the final attempt only.
	history, err := store.Replay(ctx, h.store, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, []schema.Status{schema.StatusQueued, schema.StatusRunning, schema.StatusSucceeded}, history[f.ID].Timeline)
}

func TestRuntime_RetryExhaustedThenIgnored(t *testing.T) {
	var calls atomic.Int32
	h := newMemoryHarness(t, flaky("flaky", 100, &calls))
	ctx := testCtx(t)

	plan := planOf("seq",
		node("seq", steps.TypeSequence, schema.ModeChildChain, "f", "after"),
		withAdvisers(node("f", "flaky", schema.ModeSync), retryAdviser(2, 0), schema.AdviserSpec{Type: schema.AdviserIgnore}),
		echo("after"),
	)
	res, err := h.rt.Execute(ctx, plan, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, res.Status)
	assert.Equal(t, int32(2), calls.Load())

	insts := h.instances(t, res.RunID)
	f := insts["f"]
	assert.Equal(t, schema.StatusSucceeded, f.Status)
	require.NotNil(t, f.Result)
	require.NotNil(t, f.Result.Failure)
	assert.Equal(t, "attempt 2 failed", f.Result.Failure.ErrorMessage)
	require.Contains(t, insts, "after")
	assert.Equal(t, schema.StatusSucceeded, insts["after"].Status)
}

func TestRuntime_FailureWithoutAdviserReachesParent(t *testing.T) {
	var calls atomic.Int32
	h := newMemoryHarness(t, flaky("flaky", 1, &calls))

	plan := planOf("f", withAdvisers(node("f", "flaky", schema.ModeSync),
		schema.AdviserSpec{Type: schema.AdviserIgnore, FailureTypes: []schema.FailureType{schema.FailureTimeout}}))
	res, err := h.rt.Execute(testCtx(t), plan, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, res.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRuntime_AbortDuringRetryBackoff(t *testing.T) {
	var calls atomic.Int32
	h := newMemoryHarness(t, flaky("flaky", 100, &calls))
	ctx := testCtx(t)

	plan := planOf("f", withAdvisers(node("f", "flaky", schema.ModeSync), retryAdviser(5, time.Hour)))
	runID, err := h.rt.Run(ctx, plan, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, err := h.store.GetEvents(ctx, runID, store.EventFilter{Types: []string{schema.EventNodeRetrying}})
		return err == nil && len(events) == 1
	}, 5*time.Second, 2*time.Millisecond)
	assert.Equal(t, schema.StatusRunning, h.instances(t, runID)["f"].Status)

	require.NoError(t, h.rt.AbortRun(ctx, runID))
	res, err := h.rt.Wait(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusAborted, res.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRuntime_InitialWaitDelaysStart(t *testing.T) {
	h := newMemoryHarness(t)
	ctx := testCtx(t)

	const wait = 40 * time.Millisecond
	n := echo("a")
	n.InitialWait = schema.Duration(wait)

	began := time.Now()
	res, err := h.rt.Execute(ctx, planOf("a", n), nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, res.Status)
	assert.GreaterOrEqual(t, time.Since(began), wait)

	a := h.instances(t, res.RunID)["a"]
	events, err := h.store.GetEvents(ctx, res.RunID, store.EventFilter{InstanceID: a.ID})
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{schema.EventNodeQueued, schema.EventNodeDelayed, schema.EventNodeStarted, schema.EventNodeSucceeded}, types)
}

func TestRuntime_AbortDuringInitialWait(t *testing.T) {
	var calls atomic.Int32
	h := newMemoryHarness(t, flaky("flaky", 0, &calls))
	ctx := testCtx(t)

	n := node("f", "flaky", schema.ModeSync)
	n.InitialWait = schema.Duration(time.Hour)
	runID, err := h.rt.Run(ctx, planOf("f", n), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		events, err := h.store.GetEvents(ctx, runID, store.EventFilter{Types: []string{schema.EventNodeDelayed}})
		return err == nil && len(events) == 1
	}, 5*time.Second, 2*time.Millisecond)

	require.NoError(t, h.rt.AbortRun(ctx, runID))
	res, err := h.rt.Wait(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusAborted, res.Status)
	assert.Zero(t, calls.Load())
}

func TestRuntime_OutcomesVisibleToLaterNodes(t *testing.T) {
	var seen map[string]string
	reader := &fnSync{typ: "reader", fn: func(_ context.Context, inv steps.Invocation) (*schema.StepResponse, error) {
		seen = make(map[string]string, len(inv.Outcomes))
		for id, out := range inv.Outcomes {
			seen[id] = string(out)
		}
		return steps.Succeeded(nil)
	}}
	h := newMemoryHarness(t, reader)
	ctx := testCtx(t)

	plan := planOf("seq",
		node("seq", steps.TypeSequence, schema.ModeChildChain, "build", "copy", "read"),
		withParams(echo("build"), `{"output":{"artifact":"app.tar"}}`),
		withParams(echo("copy"), `{"outcome":"build"}`),
		node("read", "reader", schema.ModeSync),
	)
	res, err := h.rt.Execute(ctx, plan, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, res.Status)

	insts := h.instances(t, res.RunID)
	assert.JSONEq(t, `{"artifact":"app.tar"}`, string(insts["copy"].Result.Output))
	assert.Len(t, seen, 2)
	assert.Contains(t, seen, "copy")
	assert.JSONEq(t, `{"artifact":"app.tar"}`, seen["build"])
}

func TestRuntime_MissingOutcomeFailsNode(t *testing.T) {
	h := newMemoryHarness(t)
	res, err := h.rt.Execute(testCtx(t), planOf("a", withParams(echo("a"), `{"outcome":"nobody"}`)), nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, res.Status)
	require.NotNil(t, res.Result.Failure)
	assert.Contains(t, res.Result.Failure.ErrorMessage, `no outcome published by "nobody"`)
}
