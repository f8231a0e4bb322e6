package task

import (
	"context"
	"errors"

	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stepflow-io/stepflow/engine/ledger"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrStepNotFound = errors.New("step not found")
)

// Repository is the persistence contract consumed by the engine. It layers
// task/step/edge storage on top of the transition ledger store; both live
// behind the same interface because transition appends must keep the entity
// status column in sync atomically.
type Repository interface {
	ledger.Store

	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, taskID core.ID) (*Task, error)
	// GetTaskByIdentity looks a task up by its deduplication fingerprint.
	// Returns ErrTaskNotFound when no task carries the hash.
	GetTaskByIdentity(ctx context.Context, identityHash string) (*Task, error)
	UpdateTaskResults(ctx context.Context, taskID core.ID, results core.Output) error

	CreateSteps(ctx context.Context, steps []*Step, edges []*Edge) error
	GetStep(ctx context.Context, stepID core.ID) (*Step, error)
	ListSteps(ctx context.Context, taskID core.ID) ([]*Step, error)
	ListEdges(ctx context.Context, taskID core.ID) ([]*Edge, error)

	// LoadSnapshot reads the task, its steps, edges and per-step failure
	// timestamps in one consistent read.
	LoadSnapshot(ctx context.Context, taskID core.ID) (*Snapshot, error)

	// ClaimStep atomically flips in_process from false to true. It returns
	// false when the step is already claimed by a concurrent invocation.
	ClaimStep(ctx context.Context, stepID core.ID) (bool, error)
	// ReleaseStep clears the in_process flag.
	ReleaseStep(ctx context.Context, stepID core.ID) error

	// RecordStepResult persists the step's execution bookkeeping: attempts,
	// last_attempted_at, backoff hint, processed flags, results, error and
	// retryable. Status changes go through AppendTransition, not here.
	RecordStepResult(ctx context.Context, step *Step) error
}
