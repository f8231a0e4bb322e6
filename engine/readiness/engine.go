package readiness

import (
	"time"

	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stepflow-io/stepflow/engine/graph"
	"github.com/stepflow-io/stepflow/engine/retry"
	"github.com/stepflow-io/stepflow/engine/task"
)

// BlockingReason is a diagnostic label for why a step is not ready. It never
// feeds back into control flow.
type BlockingReason string

const (
	ReasonNone                     BlockingReason = ""
	ReasonDependenciesNotSatisfied BlockingReason = "dependencies_not_satisfied"
	ReasonRetryNotEligible         BlockingReason = "retry_not_eligible"
	ReasonInvalidState             BlockingReason = "invalid_state"
)

// Readiness is the derived, never-persisted verdict for one step. It is
// recomputed on demand from step, edge and transition state.
type Readiness struct {
	StepID                core.ID
	DependenciesSatisfied bool
	RetryEligible         bool
	ReadyForExecution     bool
	NextRetryAt           time.Time
	TotalParents          int
	CompletedParents      int
	BlockingReason        BlockingReason
}

// Engine evaluates step readiness. Evaluation is a read-only projection: it
// is safe to run repeatedly and concurrently and never mutates state.
type Engine struct {
	policy retry.Policy
}

func NewEngine(policy retry.Policy) *Engine {
	return &Engine{policy: policy}
}

// Evaluate computes readiness for every step of the snapshot.
func (e *Engine) Evaluate(snap *task.Snapshot, g *graph.Graph, now time.Time) map[core.ID]*Readiness {
	out := make(map[core.ID]*Readiness, len(snap.Steps))
	for _, step := range snap.Steps {
		out[step.ID] = e.EvaluateStep(snap, g, step, now)
	}
	return out
}

// EvaluateStep computes readiness for a single step.
func (e *Engine) EvaluateStep(snap *task.Snapshot, g *graph.Graph, step *task.Step, now time.Time) *Readiness {
	r := &Readiness{StepID: step.ID}

	// the graph supplies topology only; parent state always comes from the
	// snapshot so completions from earlier passes of the same invocation are
	// visible
	parentIDs := g.ParentIDs(step.ID)
	r.TotalParents = len(parentIDs)
	for _, parentID := range parentIDs {
		if parent := snap.Step(parentID); parent != nil && parent.Status.SatisfiesDependency() {
			r.CompletedParents++
		}
	}
	r.DependenciesSatisfied = r.CompletedParents == r.TotalParents

	decision := e.policy.Eligible(retry.EligibilityInput{
		Attempts:              step.Attempts,
		RetryLimit:            step.RetryLimit,
		Retryable:             step.Retryable,
		LastFailureAt:         snap.LastFailureAt(step.ID),
		BackoffRequestSeconds: step.BackoffRequestSeconds,
		LastAttemptedAt:       step.LastAttemptedAt,
	}, now)
	r.RetryEligible = decision.Eligible
	r.NextRetryAt = decision.NextRetryAt

	executableState := step.Status == core.StatusPending || step.Status == core.StatusError
	r.ReadyForExecution = executableState &&
		r.DependenciesSatisfied &&
		step.Attempts < step.RetryLimit &&
		!step.InProcess &&
		!step.Processed &&
		r.RetryEligible

	if !r.ReadyForExecution {
		switch {
		case !executableState || step.InProcess || step.Processed:
			r.BlockingReason = ReasonInvalidState
		case !r.DependenciesSatisfied:
			r.BlockingReason = ReasonDependenciesNotSatisfied
		default:
			r.BlockingReason = ReasonRetryNotEligible
		}
	}
	return r
}

// Ready filters an evaluation down to the executable steps, preserving the
// snapshot's step order.
func Ready(snap *task.Snapshot, verdicts map[core.ID]*Readiness) []*task.Step {
	ready := make([]*task.Step, 0, len(snap.Steps))
	for _, step := range snap.Steps {
		if v, ok := verdicts[step.ID]; ok && v.ReadyForExecution {
			ready = append(ready, step)
		}
	}
	return ready
}
