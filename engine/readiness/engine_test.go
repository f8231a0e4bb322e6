package readiness_test

import (
	"testing"
	"time"

	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stepflow-io/stepflow/engine/graph"
	"github.com/stepflow-io/stepflow/engine/readiness"
	"github.com/stepflow-io/stepflow/engine/retry"
	"github.com/stepflow-io/stepflow/engine/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	snap  *task.Snapshot
	graph *graph.Graph
	steps map[string]*task.Step
}

// build wires a snapshot and graph from step names and parent->child pairs.
func build(t *testing.T, names []string, deps map[string][]string) *fixture {
	t.Helper()
	taskID := core.MustNewID()
	steps := make(map[string]*task.Step, len(names))
	list := make([]*task.Step, 0, len(names))
	for _, name := range names {
		s := task.NewStep(taskID, name, true, 3)
		steps[name] = s
		list = append(list, s)
	}
	var edges []*task.Edge
	for child, parents := range deps {
		for _, parent := range parents {
			edges = append(edges, task.NewEdge(taskID, steps[parent].ID, steps[child].ID))
		}
	}
	g, err := graph.New(list, edges)
	require.NoError(t, err)
	return &fixture{
		snap: &task.Snapshot{
			Task:         task.NewTask("t", nil),
			Steps:        list,
			Edges:        edges,
			LastFailures: map[core.ID]time.Time{},
		},
		graph: g,
		steps: steps,
	}
}

func TestEngine_Dependencies(t *testing.T) {
	engine := readiness.NewEngine(retry.DefaultPolicy())
	now := time.Now().UTC()

	t.Run("Should satisfy dependencies for any zero-parent step", func(t *testing.T) {
		f := build(t, []string{"a", "b", "c"}, map[string][]string{"c": {"b"}})
		f.steps["b"].Status = core.StatusError
		verdicts := engine.Evaluate(f.snap, f.graph, now)
		assert.True(t, verdicts[f.steps["a"].ID].DependenciesSatisfied)
		assert.Zero(t, verdicts[f.steps["a"].ID].TotalParents)
	})

	t.Run("Should require every parent to be complete or resolved_manually", func(t *testing.T) {
		f := build(t, []string{"p1", "p2", "child"}, map[string][]string{"child": {"p1", "p2"}})
		verdicts := engine.Evaluate(f.snap, f.graph, now)
		child := verdicts[f.steps["child"].ID]
		assert.False(t, child.DependenciesSatisfied)
		assert.Equal(t, 2, child.TotalParents)
		assert.Equal(t, 0, child.CompletedParents)
		assert.Equal(t, readiness.ReasonDependenciesNotSatisfied, child.BlockingReason)

		f.steps["p1"].Status = core.StatusComplete
		verdicts = engine.Evaluate(f.snap, f.graph, now)
		child = verdicts[f.steps["child"].ID]
		assert.False(t, child.DependenciesSatisfied)
		assert.Equal(t, 1, child.CompletedParents)

		f.steps["p2"].Status = core.StatusResolvedManually
		verdicts = engine.Evaluate(f.snap, f.graph, now)
		child = verdicts[f.steps["child"].ID]
		assert.True(t, child.DependenciesSatisfied)
		assert.True(t, child.ReadyForExecution)
	})

	t.Run("Should read parent state from the snapshot, not the graph", func(t *testing.T) {
		f := build(t, []string{"p", "c"}, map[string][]string{"c": {"p"}})
		// reload the snapshot with fresh step copies, the way a repository
		// returns them each pass, while the graph keeps the originals
		fresh := make([]*task.Step, 0, len(f.snap.Steps))
		for _, s := range f.snap.Steps {
			cp := *s
			fresh = append(fresh, &cp)
		}
		snap := &task.Snapshot{
			Task:         f.snap.Task,
			Steps:        fresh,
			Edges:        f.snap.Edges,
			LastFailures: map[core.ID]time.Time{},
		}
		snap.StepByName("p").Status = core.StatusComplete

		v := engine.EvaluateStep(snap, f.graph, snap.StepByName("c"), now)
		assert.True(t, v.DependenciesSatisfied)
		assert.True(t, v.ReadyForExecution)
	})

	t.Run("Should not satisfy a child through a cancelled parent", func(t *testing.T) {
		f := build(t, []string{"p", "c"}, map[string][]string{"c": {"p"}})
		f.steps["p"].Status = core.StatusCancelled
		verdicts := engine.Evaluate(f.snap, f.graph, now)
		assert.False(t, verdicts[f.steps["c"].ID].DependenciesSatisfied)
	})
}

func TestEngine_ReadyForExecution(t *testing.T) {
	engine := readiness.NewEngine(retry.DefaultPolicy())
	now := time.Now().UTC()

	t.Run("Should mark a fresh root step ready", func(t *testing.T) {
		f := build(t, []string{"a"}, nil)
		v := engine.EvaluateStep(f.snap, f.graph, f.steps["a"], now)
		assert.True(t, v.ReadyForExecution)
		assert.Equal(t, readiness.ReasonNone, v.BlockingReason)
	})

	t.Run("Should never be ready with attempts at the retry limit", func(t *testing.T) {
		f := build(t, []string{"a"}, nil)
		f.steps["a"].Status = core.StatusError
		f.steps["a"].Attempts = 3
		v := engine.EvaluateStep(f.snap, f.graph, f.steps["a"], now)
		assert.False(t, v.ReadyForExecution)
		assert.Equal(t, readiness.ReasonRetryNotEligible, v.BlockingReason)
	})

	t.Run("Should not be ready while claimed by another invocation", func(t *testing.T) {
		f := build(t, []string{"a"}, nil)
		f.steps["a"].InProcess = true
		v := engine.EvaluateStep(f.snap, f.graph, f.steps["a"], now)
		assert.False(t, v.ReadyForExecution)
		assert.Equal(t, readiness.ReasonInvalidState, v.BlockingReason)
	})

	t.Run("Should not be ready once processed", func(t *testing.T) {
		f := build(t, []string{"a"}, nil)
		f.steps["a"].Processed = true
		v := engine.EvaluateStep(f.snap, f.graph, f.steps["a"], now)
		assert.False(t, v.ReadyForExecution)
		assert.Equal(t, readiness.ReasonInvalidState, v.BlockingReason)
	})

	t.Run("Should not be ready in a non-executable state", func(t *testing.T) {
		f := build(t, []string{"a"}, nil)
		for _, status := range []core.StatusType{
			core.StatusInProgress, core.StatusComplete, core.StatusCancelled, core.StatusResolvedManually,
		} {
			f.steps["a"].Status = status
			v := engine.EvaluateStep(f.snap, f.graph, f.steps["a"], now)
			assert.False(t, v.ReadyForExecution, "status %s", status)
			assert.Equal(t, readiness.ReasonInvalidState, v.BlockingReason, "status %s", status)
		}
	})

	t.Run("Should wait out an explicit backoff hint", func(t *testing.T) {
		f := build(t, []string{"a"}, nil)
		step := f.steps["a"]
		attempted := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
		step.Status = core.StatusError
		step.Attempts = 1
		step.LastAttemptedAt = &attempted
		seconds := 5
		step.BackoffRequestSeconds = &seconds
		f.snap.LastFailures[step.ID] = attempted

		v := engine.EvaluateStep(f.snap, f.graph, step, attempted.Add(4*time.Second))
		assert.False(t, v.ReadyForExecution, "T+4s is inside the 5s hint")
		assert.Equal(t, readiness.ReasonRetryNotEligible, v.BlockingReason)
		assert.Equal(t, attempted.Add(5*time.Second), v.NextRetryAt)

		v = engine.EvaluateStep(f.snap, f.graph, step, attempted.Add(6*time.Second))
		assert.True(t, v.ReadyForExecution, "T+6s is past the 5s hint")
	})

	t.Run("Should apply default backoff to an errored retryable step", func(t *testing.T) {
		f := build(t, []string{"a"}, nil)
		step := f.steps["a"]
		failed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
		step.Status = core.StatusError
		step.Attempts = 2
		f.snap.LastFailures[step.ID] = failed

		v := engine.EvaluateStep(f.snap, f.graph, step, failed.Add(3*time.Second))
		assert.False(t, v.ReadyForExecution, "2^2=4s backoff not yet elapsed")
		v = engine.EvaluateStep(f.snap, f.graph, step, failed.Add(4*time.Second))
		assert.True(t, v.ReadyForExecution)
	})
}

func TestReady(t *testing.T) {
	t.Run("Should return only executable steps in snapshot order", func(t *testing.T) {
		engine := readiness.NewEngine(retry.DefaultPolicy())
		now := time.Now().UTC()
		f := build(t, []string{"one", "two", "three"}, map[string][]string{
			"two":   {"one"},
			"three": {"two"},
		})
		verdicts := engine.Evaluate(f.snap, f.graph, now)
		ready := readiness.Ready(f.snap, verdicts)
		require.Len(t, ready, 1)
		assert.Equal(t, "one", ready[0].Name)

		f.steps["one"].Status = core.StatusComplete
		verdicts = engine.Evaluate(f.snap, f.graph, now)
		ready = readiness.Ready(f.snap, verdicts)
		require.Len(t, ready, 1)
		assert.Equal(t, "two", ready[0].Name)
	})

	t.Run("Should release both diamond branches when the root completes", func(t *testing.T) {
		engine := readiness.NewEngine(retry.DefaultPolicy())
		now := time.Now().UTC()
		f := build(t, []string{"one", "two", "three", "four"}, map[string][]string{
			"two":   {"one"},
			"three": {"one"},
			"four":  {"two", "three"},
		})
		f.steps["one"].Status = core.StatusComplete
		ready := readiness.Ready(f.snap, engine.Evaluate(f.snap, f.graph, now))
		require.Len(t, ready, 2)
		assert.Equal(t, "two", ready[0].Name)
		assert.Equal(t, "three", ready[1].Name)

		f.steps["two"].Status = core.StatusComplete
		ready = readiness.Ready(f.snap, engine.Evaluate(f.snap, f.graph, now))
		require.Len(t, ready, 1, "four waits on three")
		assert.Equal(t, "three", ready[0].Name)

		f.steps["three"].Status = core.StatusComplete
		ready = readiness.Ready(f.snap, engine.Evaluate(f.snap, f.graph, now))
		require.Len(t, ready, 1)
		assert.Equal(t, "four", ready[0].Name)
	})
}
