package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stepflow-io/stepflow/engine/task"
)

// ExecContext is what a step executor receives: the owning task, the step's
// siblings and the step itself, all read-only snapshots.
type ExecContext struct {
	Task     *task.Task
	Siblings []*task.Step
	Step     *task.Step
}

// StepExecutor performs one step's opaque business logic. A nil error with
// the returned output means success; failures should be classified with
// Permanent or Retryable, otherwise they are treated as retryable with
// default backoff.
type StepExecutor interface {
	Execute(ctx context.Context, ec ExecContext) (core.Output, error)
}

// Func adapts a plain function to StepExecutor.
type Func func(ctx context.Context, ec ExecContext) (core.Output, error)

func (f Func) Execute(ctx context.Context, ec ExecContext) (core.Output, error) {
	return f(ctx, ec)
}

// PermanentError marks a failure that must never be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a never-retry failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// RetryableError marks a failure that may be retried per policy. RetryAfter,
// when positive, is an explicit server-provided backoff hint and takes
// precedence over the default backoff formula.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("retryable (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a retry-per-policy failure.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// RetryableAfter wraps err with an explicit backoff hint.
func RetryableAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err, RetryAfter: after}
}

// IsPermanent reports whether err is classified as never-retry.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RetryAfterHint extracts the explicit backoff hint from a classified
// retryable failure, or false when none is present.
func RetryAfterHint(err error) (time.Duration, bool) {
	var re *RetryableError
	if errors.As(err, &re) && re.RetryAfter > 0 {
		return re.RetryAfter, true
	}
	return 0, false
}
