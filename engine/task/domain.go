package task

import (
	"time"

	"github.com/stepflow-io/stepflow/engine/core"
)

// Task is one workflow instance. It is created pending and only ever mutated
// through guarded transitions and result/context updates; the engine never
// deletes tasks.
type Task struct {
	ID           core.ID         `json:"id"            db:"id"`
	Name         string          `json:"name"          db:"name"`
	Context      core.Input      `json:"context"       db:"context"`
	Status       core.StatusType `json:"status"        db:"status"`
	IdentityHash string          `json:"identity_hash" db:"identity_hash"`
	RequestedAt  time.Time       `json:"requested_at"  db:"requested_at"`
	BypassSteps  []string        `json:"bypass_steps"  db:"bypass_steps"`
	Results      core.Output     `json:"results"       db:"results"`
	CreatedAt    time.Time       `json:"created_at"    db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"    db:"updated_at"`
}

// NewTask builds a pending task with its identity hash computed from the
// named-task reference and request context.
func NewTask(name string, requestContext core.Input) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:           core.MustNewID(),
		Name:         name,
		Context:      requestContext,
		Status:       core.StatusPending,
		IdentityHash: core.IdentityHash(name, requestContext),
		RequestedAt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Step is one DAG node belonging to exactly one task.
//
// Invariants: Attempts only increases; Processed becomes true only on terminal
// success or a decision to stop retrying.
type Step struct {
	ID                    core.ID         `json:"id"                      db:"id"`
	TaskID                core.ID         `json:"task_id"                 db:"task_id"`
	Name                  string          `json:"name"                    db:"name"`
	Status                core.StatusType `json:"status"                  db:"status"`
	Retryable             bool            `json:"retryable"               db:"retryable"`
	RetryLimit            int             `json:"retry_limit"             db:"retry_limit"`
	Attempts              int             `json:"attempts"                db:"attempts"`
	LastAttemptedAt       *time.Time      `json:"last_attempted_at"       db:"last_attempted_at"`
	BackoffRequestSeconds *int            `json:"backoff_request_seconds" db:"backoff_request_seconds"`
	Processed             bool            `json:"processed"               db:"processed"`
	ProcessedAt           *time.Time      `json:"processed_at"            db:"processed_at"`
	InProcess             bool            `json:"in_process"              db:"in_process"`
	Results               core.Output     `json:"results"                 db:"results"`
	Error                 *core.Error     `json:"error"                   db:"error"`
	CreatedAt             time.Time       `json:"created_at"              db:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"              db:"updated_at"`
}

// NewStep builds a pending step for the given task.
func NewStep(taskID core.ID, name string, retryable bool, retryLimit int) *Step {
	now := time.Now().UTC()
	return &Step{
		ID:         core.MustNewID(),
		TaskID:     taskID,
		Name:       name,
		Status:     core.StatusPending,
		Retryable:  retryable,
		RetryLimit: retryLimit,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Edge is a directed parent -> child dependency between two steps of the same
// task. The edge set of a task must form a DAG.
type Edge struct {
	ID       core.ID `json:"id"        db:"id"`
	TaskID   core.ID `json:"task_id"   db:"task_id"`
	ParentID core.ID `json:"parent_id" db:"parent_id"`
	ChildID  core.ID `json:"child_id"  db:"child_id"`
}

// NewEdge builds a dependency edge between two steps of a task.
func NewEdge(taskID, parentID, childID core.ID) *Edge {
	return &Edge{
		ID:       core.MustNewID(),
		TaskID:   taskID,
		ParentID: parentID,
		ChildID:  childID,
	}
}
