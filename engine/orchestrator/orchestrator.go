package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stepflow-io/stepflow/engine/advisor"
	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stepflow-io/stepflow/engine/events"
	"github.com/stepflow-io/stepflow/engine/executor"
	"github.com/stepflow-io/stepflow/engine/graph"
	"github.com/stepflow-io/stepflow/engine/ledger"
	"github.com/stepflow-io/stepflow/engine/readiness"
	"github.com/stepflow-io/stepflow/engine/retry"
	"github.com/stepflow-io/stepflow/engine/task"
	"github.com/stepflow-io/stepflow/pkg/logger"
)

var (
	// ErrTaskAlreadyComplete means Process was invoked for a finished task.
	ErrTaskAlreadyComplete = errors.New("task is already complete")
	// ErrTaskNotPending means the start guard rejected the task's state.
	ErrTaskNotPending = errors.New("task is not pending")
)

// DefaultMaxPassIterations bounds same-pass re-looping so a pathological DAG
// cannot keep one invocation alive forever; past the bound the task is parked
// pending and continued through the external queue.
const DefaultMaxPassIterations = 25

// DefaultInPassRetryHorizon is how far ahead the earliest retry may be for
// the invocation to wait it out in-process instead of parking. Anything
// beyond the horizon goes back through the queue.
const DefaultInPassRetryHorizon = time.Second

// Enqueuer is the external asynchronous re-enqueue primitive. The engine
// passes only the task identifier and the earliest useful wake-up time; it
// assumes nothing about queue technology beyond eventual redelivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskID core.ID, notBefore time.Time) error
}

// Config tunes one orchestrator instance.
type Config struct {
	MaxPassIterations  int           `koanf:"max_pass_iterations" validate:"omitempty,min=1"`
	DefaultRetryLimit  int           `koanf:"default_retry_limit" validate:"omitempty,min=1"`
	InPassRetryHorizon time.Duration `koanf:"in_pass_retry_horizon"`
}

func DefaultConfig() Config {
	return Config{
		MaxPassIterations:  DefaultMaxPassIterations,
		DefaultRetryLimit:  3,
		InPassRetryHorizon: DefaultInPassRetryHorizon,
	}
}

// Orchestrator drives one task's processing cycle: discover ready steps,
// dispatch them under the advisor's concurrency bound, collect outcomes and
// finalize or park the task. Multiple instances may run concurrently for
// different tasks; the repository's claim semantics keep them from doubling
// up on a step.
type Orchestrator struct {
	repo     task.Repository
	registry *executor.Registry
	advisor  *advisor.Advisor
	policy   retry.Policy
	ledger   *ledger.Ledger
	ready    *readiness.Engine
	bus      *events.Bus
	enqueuer Enqueuer
	cfg      Config
}

// Options carries the orchestrator's collaborators. Repo, Registry and
// Advisor are required; Bus and Enqueuer are optional.
type Options struct {
	Repo     task.Repository
	Registry *executor.Registry
	Advisor  *advisor.Advisor
	Policy   retry.Policy
	Bus      *events.Bus
	Enqueuer Enqueuer
	Config   Config
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Repo == nil {
		return nil, fmt.Errorf("orchestrator: repository is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("orchestrator: executor registry is required")
	}
	if opts.Advisor == nil {
		return nil, fmt.Errorf("orchestrator: concurrency advisor is required")
	}
	cfg := opts.Config
	if cfg.MaxPassIterations <= 0 {
		cfg.MaxPassIterations = DefaultMaxPassIterations
	}
	if cfg.DefaultRetryLimit <= 0 {
		cfg.DefaultRetryLimit = 3
	}
	if cfg.InPassRetryHorizon <= 0 {
		cfg.InPassRetryHorizon = DefaultInPassRetryHorizon
	}
	policy := opts.Policy
	if policy == (retry.Policy{}) {
		policy = retry.DefaultPolicy()
	}
	return &Orchestrator{
		repo:     opts.Repo,
		registry: opts.Registry,
		advisor:  opts.Advisor,
		policy:   policy,
		ledger:   ledger.New(opts.Repo, opts.Bus),
		ready:    readiness.NewEngine(policy),
		bus:      opts.Bus,
		enqueuer: opts.Enqueuer,
		cfg:      cfg,
	}, nil
}

// Process runs one orchestration invocation for the task. It returns nil when
// the invocation ran to a decision (finalized or parked); guard violations,
// graph errors and repository failures propagate as hard errors.
func (o *Orchestrator) Process(ctx context.Context, taskID core.ID) error {
	log := logger.FromContext(ctx).With("task_id", taskID)
	t, err := o.repo.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if t.Status == core.StatusComplete {
		return fmt.Errorf("%w: %s", ErrTaskAlreadyComplete, taskID)
	}
	if t.Status != core.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrTaskNotPending, taskID, t.Status)
	}
	if _, err := o.ledger.Transition(ctx, core.EntityTask, taskID, core.StatusInProgress); err != nil {
		return err
	}
	if err := o.applyBypasses(ctx, taskID, t.BypassSteps); err != nil {
		return err
	}

	snap, err := o.repo.LoadSnapshot(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading snapshot for %s: %w", taskID, err)
	}
	g, err := graph.New(snap.Steps, snap.Edges)
	if err != nil {
		return fmt.Errorf("building graph for %s: %w", taskID, err)
	}
	if err := o.validateHandlers(snap); err != nil {
		return err
	}

	// prior is the step census at entry; processed collects what this
	// invocation actually dispatched, across all inner passes.
	prior := snap.Steps
	processed := make(map[core.ID]bool)

	for iteration := 0; iteration < o.cfg.MaxPassIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		current, err := o.repo.GetTask(ctx, taskID)
		if err != nil {
			return fmt.Errorf("reloading task %s: %w", taskID, err)
		}
		if current.Status != core.StatusInProgress {
			// cancelled (or otherwise moved) out from under us: stop
			// discovering, do not re-enqueue
			log.Info("task left in_progress during processing, stopping", "status", current.Status)
			return nil
		}
		snap, err = o.repo.LoadSnapshot(ctx, taskID)
		if err != nil {
			return fmt.Errorf("loading snapshot for %s: %w", taskID, err)
		}
		ready := readiness.Ready(snap, o.ready.Evaluate(snap, g, time.Now().UTC()))
		if len(ready) == 0 {
			resume, err := o.finalize(ctx, taskID, prior, processed)
			if err != nil || !resume {
				return err
			}
			// a short backoff was waited out in-process; keep discovering
			continue
		}
		o.publishReady(taskID, ready)
		if err := o.dispatch(ctx, snap, ready, processed); err != nil {
			return err
		}
	}

	// iteration bound exceeded: park and let the queue continue the walk
	log.Warn("max pass iterations reached, parking task for re-enqueue",
		"max_iterations", o.cfg.MaxPassIterations)
	return o.park(ctx, taskID, time.Now().UTC())
}

// dispatch executes the ready set bounded by the advisor's recommendation.
// Step failures are isolated: a failing sibling never cancels the batch.
func (o *Orchestrator) dispatch(
	ctx context.Context,
	snap *task.Snapshot,
	ready []*task.Step,
	processed map[core.ID]bool,
) error {
	limit := o.advisor.Recommended(ctx)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(limit)
	var mu sync.Mutex
	for _, step := range ready {
		group.Go(func() error {
			ran, err := o.executeStep(groupCtx, snap, step)
			if err != nil {
				return err
			}
			if ran {
				mu.Lock()
				processed[step.ID] = true
				mu.Unlock()
			}
			return nil
		})
	}
	return group.Wait()
}

// executeStep claims, runs and records one step. The boolean reports whether
// this invocation actually executed the step (a lost claim returns false).
// Only infrastructure and guard failures return an error; business-logic
// failures are captured into the step state.
func (o *Orchestrator) executeStep(ctx context.Context, snap *task.Snapshot, step *task.Step) (bool, error) {
	log := logger.FromContext(ctx).With("task_id", step.TaskID, "step_id", step.ID, "step", step.Name)
	claimed, err := o.repo.ClaimStep(ctx, step.ID)
	if err != nil {
		return false, fmt.Errorf("claiming step %s: %w", step.ID, err)
	}
	if !claimed {
		log.Debug("step already claimed by a concurrent invocation, skipping")
		return false, nil
	}
	defer func() {
		if releaseErr := o.repo.ReleaseStep(context.WithoutCancel(ctx), step.ID); releaseErr != nil {
			log.Error("failed to release step claim", "error", releaseErr)
		}
	}()

	current, err := o.repo.GetStep(ctx, step.ID)
	if err != nil {
		return false, fmt.Errorf("reloading step %s: %w", step.ID, err)
	}
	// the claim only checks in_process; a concurrent invocation may have run
	// the step to completion before we won it
	if current.Processed || (current.Status != core.StatusPending && current.Status != core.StatusError) {
		log.Debug("step no longer executable after claim, skipping", "status", current.Status)
		return false, nil
	}
	// an errored step retries through pending first; both hops are guarded
	if current.Status == core.StatusError {
		if _, err := o.ledger.TransitionWithTask(ctx, core.EntityStep, current.ID, current.TaskID, core.StatusPending); err != nil {
			return false, err
		}
	}
	if _, err := o.ledger.TransitionWithTask(ctx, core.EntityStep, current.ID, current.TaskID, core.StatusInProgress); err != nil {
		return false, err
	}

	now := time.Now().UTC()
	current.Attempts++
	current.LastAttemptedAt = &now
	if err := o.repo.RecordStepResult(ctx, current); err != nil {
		return false, fmt.Errorf("recording attempt for step %s: %w", current.ID, err)
	}

	exec, ok := o.registry.Get(current.Name)
	if !ok {
		// validateHandlers runs before dispatch; reaching this is a bug
		return false, fmt.Errorf("no executor registered for step %q", current.Name)
	}
	output, execErr := safeExecute(ctx, exec, executor.ExecContext{
		Task:     snap.Task,
		Siblings: snap.Siblings(current.ID),
		Step:     current,
	})
	if execErr != nil {
		return true, o.recordFailure(ctx, log, current, execErr)
	}
	return true, o.recordSuccess(ctx, current, output)
}

func (o *Orchestrator) recordSuccess(ctx context.Context, step *task.Step, output core.Output) error {
	now := time.Now().UTC()
	step.Processed = true
	step.ProcessedAt = &now
	step.Results = output
	step.Error = nil
	if err := o.repo.RecordStepResult(ctx, step); err != nil {
		return fmt.Errorf("recording success for step %s: %w", step.ID, err)
	}
	_, err := o.ledger.TransitionWithTask(ctx, core.EntityStep, step.ID, step.TaskID, core.StatusComplete)
	return err
}

func (o *Orchestrator) recordFailure(ctx context.Context, log logger.Logger, step *task.Step, execErr error) error {
	code := "retryable"
	if executor.IsPermanent(execErr) {
		// a permanent failure turns the step non-retryable so the policy
		// terminates it after this attempt
		step.Retryable = false
		code = "permanent"
	}
	if hint, ok := executor.RetryAfterHint(execErr); ok {
		seconds := int(hint / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		step.BackoffRequestSeconds = &seconds
	}
	step.Processed = false
	step.Error = core.NewError(execErr, code, map[string]any{"step": step.Name, "attempt": step.Attempts})
	log.Warn("step execution failed", "attempt", step.Attempts, "classification", code, "error", execErr)
	if err := o.repo.RecordStepResult(ctx, step); err != nil {
		return fmt.Errorf("recording failure for step %s: %w", step.ID, err)
	}
	_, err := o.ledger.TransitionWithTask(ctx, core.EntityStep, step.ID, step.TaskID, core.StatusError)
	return err
}

// safeExecute isolates executor panics into unclassified failures.
func safeExecute(ctx context.Context, exec executor.StepExecutor, ec executor.ExecContext) (output core.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("step executor panicked: %v", r)
		}
	}()
	return exec.Execute(ctx, ec)
}

// applyBypasses marks steps named on the task's bypass list as completed
// with a bypass marker, so their children see a satisfied dependency.
func (o *Orchestrator) applyBypasses(ctx context.Context, taskID core.ID, bypass []string) error {
	if len(bypass) == 0 {
		return nil
	}
	names := make(map[string]bool, len(bypass))
	for _, name := range bypass {
		names[name] = true
	}
	steps, err := o.repo.ListSteps(ctx, taskID)
	if err != nil {
		return fmt.Errorf("listing steps for bypass on %s: %w", taskID, err)
	}
	now := time.Now().UTC()
	for _, step := range steps {
		if !names[step.Name] || step.Status.IsCompletion() {
			continue
		}
		if _, err := o.ledger.TransitionWithTask(ctx, core.EntityStep, step.ID, taskID, core.StatusInProgress); err != nil {
			return err
		}
		step.Processed = true
		step.ProcessedAt = &now
		step.Results = core.Output{"bypassed": true}
		if err := o.repo.RecordStepResult(ctx, step); err != nil {
			return fmt.Errorf("recording bypass for step %s: %w", step.ID, err)
		}
		if _, err := o.ledger.TransitionWithTask(ctx, core.EntityStep, step.ID, taskID, core.StatusComplete); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) validateHandlers(snap *task.Snapshot) error {
	names := make([]string, 0, len(snap.Steps))
	for _, step := range snap.Steps {
		names = append(names, step.Name)
	}
	return o.registry.Validate(names)
}

func (o *Orchestrator) publishReady(taskID core.ID, ready []*task.Step) {
	if o.bus == nil {
		return
	}
	for _, step := range ready {
		o.bus.Publish(events.Event{
			Type:       events.TypeStepReady,
			EntityType: core.EntityStep,
			EntityID:   step.ID,
			TaskID:     taskID,
		})
	}
}

// park returns the task to pending and requests external re-enqueue.
func (o *Orchestrator) park(ctx context.Context, taskID core.ID, notBefore time.Time) error {
	if _, err := o.ledger.Transition(ctx, core.EntityTask, taskID, core.StatusPending); err != nil {
		return err
	}
	if o.enqueuer == nil {
		logger.FromContext(ctx).Warn("no enqueuer configured, parked task will not be redelivered", "task_id", taskID)
		return nil
	}
	if err := o.enqueuer.Enqueue(ctx, taskID, notBefore); err != nil {
		return fmt.Errorf("re-enqueueing task %s: %w", taskID, err)
	}
	return nil
}
