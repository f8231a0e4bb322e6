package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stepflow-io/stepflow/engine/events"
	"github.com/stepflow-io/stepflow/engine/retry"
	"github.com/stepflow-io/stepflow/engine/task"
	"github.com/stepflow-io/stepflow/pkg/logger"
)

// StepGroup classifies the steps present before an invocation's work (prior)
// against the subset actually processed in the pass (thisPass, with post-pass
// states) to decide the workflow outcome.
type StepGroup struct {
	prior    []*task.Step
	thisPass []*task.Step
}

func NewStepGroup(prior, thisPass []*task.Step) *StepGroup {
	return &StepGroup{prior: prior, thisPass: thisPass}
}

// PriorIncomplete returns the prior steps whose state was not a completion
// state at entry.
func (g *StepGroup) PriorIncomplete() []*task.Step {
	out := make([]*task.Step, 0, len(g.prior))
	for _, s := range g.prior {
		if !s.Status.IsCompletion() {
			out = append(out, s)
		}
	}
	return out
}

// ThisPassComplete returns the processed steps that are now in a completion
// state.
func (g *StepGroup) ThisPassComplete() []*task.Step {
	out := make([]*task.Step, 0, len(g.thisPass))
	for _, s := range g.thisPass {
		if s.Status.IsCompletion() {
			out = append(out, s)
		}
	}
	return out
}

// StillIncomplete is PriorIncomplete minus ThisPassComplete, by identity.
func (g *StepGroup) StillIncomplete() []*task.Step {
	completed := make(map[core.ID]bool)
	for _, s := range g.ThisPassComplete() {
		completed[s.ID] = true
	}
	out := make([]*task.Step, 0)
	for _, s := range g.PriorIncomplete() {
		if !completed[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

// StillWorking filters StillIncomplete to states that can still make
// progress on their own. Error is excluded: whether an errored step can
// continue is the retry policy's call, not a state question.
func (g *StepGroup) StillWorking() []*task.Step {
	out := make([]*task.Step, 0)
	for _, s := range g.StillIncomplete() {
		if s.Status.IsWorkable() {
			out = append(out, s)
		}
	}
	return out
}

// Complete reports whether the workflow finished: nothing was incomplete to
// begin with, or everything incomplete got completed.
func (g *StepGroup) Complete() bool {
	return len(g.PriorIncomplete()) == 0 || len(g.StillIncomplete()) == 0
}

// Pending reports whether any step is still actively workable.
func (g *StepGroup) Pending() bool {
	return len(g.StillWorking()) > 0
}

// finalize classifies the task's outcome once no more steps are immediately
// ready. prior holds the step census at invocation entry; processed the IDs
// this invocation dispatched. The boolean asks the caller to resume
// discovery: a retry that falls inside the in-pass horizon is waited out
// here instead of round-tripping through the queue.
func (o *Orchestrator) finalize(
	ctx context.Context,
	taskID core.ID,
	prior []*task.Step,
	processed map[core.ID]bool,
) (bool, error) {
	log := logger.FromContext(ctx).With("task_id", taskID)
	snap, err := o.repo.LoadSnapshot(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("loading snapshot to finalize %s: %w", taskID, err)
	}
	if snap.Task.Status != core.StatusInProgress {
		log.Info("task no longer in progress, skipping finalization", "status", snap.Task.Status)
		return false, nil
	}
	now := time.Now().UTC()

	// exhausted or non-retryable error steps make the whole task terminal
	var earliestRetry time.Time
	errorTerminal := false
	errorRetryable := false
	for _, step := range snap.Steps {
		if step.Status != core.StatusError {
			continue
		}
		decision := o.policy.Eligible(retry.EligibilityInput{
			Attempts:              step.Attempts,
			RetryLimit:            step.RetryLimit,
			Retryable:             step.Retryable,
			LastFailureAt:         snap.LastFailureAt(step.ID),
			BackoffRequestSeconds: step.BackoffRequestSeconds,
			LastAttemptedAt:       step.LastAttemptedAt,
		}, now)
		if decision.Terminal {
			errorTerminal = true
			break
		}
		errorRetryable = true
		if earliestRetry.IsZero() || decision.NextRetryAt.Before(earliestRetry) {
			earliestRetry = decision.NextRetryAt
		}
	}
	switch {
	case errorTerminal:
		if _, err := o.ledger.Transition(ctx, core.EntityTask, taskID, core.StatusError); err != nil {
			return false, err
		}
		o.publishFinalized(taskID, core.StatusError)
		log.Warn("task failed terminally, manual resolution required")
		return false, nil
	case errorRetryable:
		if earliestRetry.Before(now) {
			earliestRetry = now
		}
		if earliestRetry.Sub(now) <= o.cfg.InPassRetryHorizon {
			if waitErr := o.policy.Wait(ctx, earliestRetry); waitErr == nil {
				log.Debug("waited out a short retry backoff in-process",
					"until", earliestRetry)
				return true, nil
			}
			// interrupted wait: fall through and park
		}
		o.publishFinalized(taskID, core.StatusPending)
		return false, o.park(ctx, taskID, earliestRetry)
	}

	thisPass := make([]*task.Step, 0, len(processed))
	for _, step := range snap.Steps {
		if processed[step.ID] {
			thisPass = append(thisPass, step)
		}
	}
	group := NewStepGroup(prior, thisPass)
	switch {
	case group.Complete():
		if _, err := o.ledger.Transition(ctx, core.EntityTask, taskID, core.StatusComplete); err != nil {
			return false, err
		}
		o.publishFinalized(taskID, core.StatusComplete)
		return false, nil
	case group.Pending():
		o.publishFinalized(taskID, core.StatusPending)
		return false, o.park(ctx, taskID, now)
	default:
		// unreachable in a well-formed DAG: nothing errored, nothing
		// working, yet not complete. Treat as a defect signal, then fall
		// back to complete.
		log.Error("step group classification reached the conservative fallback; "+
			"this indicates a readiness or classification defect",
			"prior_incomplete", len(group.PriorIncomplete()),
			"still_incomplete", len(group.StillIncomplete()),
			"processed", len(thisPass))
		if _, err := o.ledger.Transition(ctx, core.EntityTask, taskID, core.StatusComplete); err != nil {
			return false, err
		}
		o.publishFinalized(taskID, core.StatusComplete)
		return false, nil
	}
}

func (o *Orchestrator) publishFinalized(taskID core.ID, outcome core.StatusType) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:       events.TypeTaskFinalized,
		EntityType: core.EntityTask,
		EntityID:   taskID,
		TaskID:     taskID,
		ToState:    outcome,
	})
}
