package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stepflow-io/stepflow/engine/graph"
	"github.com/stepflow-io/stepflow/engine/task"
	"github.com/stepflow-io/stepflow/pkg/logger"
)

// ErrDuplicateTask is wrapped into the error returned when an identical
// submission is still active.
var ErrDuplicateTask = errors.New("an identical task is already active")

// StepDef declares one step of a workflow definition. DependsOn names parent
// steps of the same definition. A zero RetryLimit takes the orchestrator's
// default; NonRetryable marks steps whose first failure is final.
type StepDef struct {
	Name         string   `json:"name"          koanf:"name"`
	DependsOn    []string `json:"depends_on"    koanf:"depends_on"`
	NonRetryable bool     `json:"non_retryable" koanf:"non_retryable"`
	RetryLimit   int      `json:"retry_limit"   koanf:"retry_limit"`
}

// Definition declares a workflow: a named DAG of steps. Bypass lists step
// names to complete without execution for this submission.
type Definition struct {
	Name   string    `json:"name"   koanf:"name"`
	Steps  []StepDef `json:"steps"  koanf:"steps"`
	Bypass []string  `json:"bypass" koanf:"bypass"`
}

func (d Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("definition %q has no steps", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("definition %q has a step with an empty name", d.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("definition %q declares step %q twice", d.Name, s.Name)
		}
		seen[s.Name] = true
	}
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("step %q depends on unknown step %q", s.Name, dep)
			}
		}
	}
	for _, name := range d.Bypass {
		if !seen[name] {
			return fmt.Errorf("bypass names unknown step %q", name)
		}
	}
	return nil
}

// Submit validates the definition, rejects duplicates of still-active
// identical submissions, and persists the task with its steps, edges and
// initial pending transitions. The task is ready for Process (or for the
// queue) when Submit returns.
func (o *Orchestrator) Submit(ctx context.Context, def Definition, input core.Input) (*task.Task, error) {
	log := logger.FromContext(ctx).With("definition", def.Name)
	if err := def.validate(); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	names := make([]string, 0, len(def.Steps))
	for _, sd := range def.Steps {
		names = append(names, sd.Name)
	}
	if err := o.registry.Validate(names); err != nil {
		return nil, fmt.Errorf("definition %q: %w", def.Name, err)
	}

	identity := core.IdentityHash(def.Name, input)
	existing, err := o.repo.GetTaskByIdentity(ctx, identity)
	if err != nil && !errors.Is(err, task.ErrTaskNotFound) {
		return nil, fmt.Errorf("checking for duplicate of %q: %w", def.Name, err)
	}
	if existing != nil && !existing.Status.IsCompletion() {
		return nil, fmt.Errorf("%w: %s is %s", ErrDuplicateTask, existing.ID, existing.Status)
	}

	t := task.NewTask(def.Name, input)
	t.BypassSteps = append([]string(nil), def.Bypass...)

	steps := make([]*task.Step, 0, len(def.Steps))
	byName := make(map[string]*task.Step, len(def.Steps))
	for _, sd := range def.Steps {
		limit := sd.RetryLimit
		if limit <= 0 {
			limit = o.cfg.DefaultRetryLimit
		}
		step := task.NewStep(t.ID, sd.Name, !sd.NonRetryable, limit)
		steps = append(steps, step)
		byName[sd.Name] = step
	}
	edges := make([]*task.Edge, 0)
	for _, sd := range def.Steps {
		for _, dep := range sd.DependsOn {
			edges = append(edges, task.NewEdge(t.ID, byName[dep].ID, byName[sd.Name].ID))
		}
	}
	// reject cycles before anything is written
	if _, err := graph.New(steps, edges); err != nil {
		return nil, fmt.Errorf("invalid definition %q: %w", def.Name, err)
	}

	if err := o.repo.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("creating task for %q: %w", def.Name, err)
	}
	if err := o.repo.CreateSteps(ctx, steps, edges); err != nil {
		return nil, fmt.Errorf("creating steps for task %s: %w", t.ID, err)
	}
	if _, err := o.ledger.Transition(ctx, core.EntityTask, t.ID, core.StatusPending); err != nil {
		return nil, err
	}
	for _, step := range steps {
		if _, err := o.ledger.TransitionWithTask(ctx, core.EntityStep, step.ID, t.ID, core.StatusPending); err != nil {
			return nil, err
		}
	}

	if o.enqueuer != nil {
		if err := o.enqueuer.Enqueue(ctx, t.ID, time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("enqueueing task %s: %w", t.ID, err)
		}
	}
	log.Info("task submitted", "task_id", t.ID, "steps", len(steps))
	return t, nil
}
