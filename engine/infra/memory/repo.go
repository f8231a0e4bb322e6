package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stepflow-io/stepflow/engine/ledger"
	"github.com/stepflow-io/stepflow/engine/task"
)

// Repo is a mutex-guarded, in-memory implementation of task.Repository. It
// honors the same atomicity contract as the postgres driver: the most-recent
// flip and the in_process claim are single critical sections.
type Repo struct {
	mu          sync.Mutex
	tasks       map[core.ID]*task.Task
	tasksByHash map[string]core.ID
	steps       map[core.ID]*task.Step
	edges       map[core.ID][]*task.Edge
	transitions map[string][]*ledger.Transition
}

func NewRepo() *Repo {
	return &Repo{
		tasks:       make(map[core.ID]*task.Task),
		tasksByHash: make(map[string]core.ID),
		steps:       make(map[core.ID]*task.Step),
		edges:       make(map[core.ID][]*task.Edge),
		transitions: make(map[string][]*ledger.Transition),
	}
}

func transitionKey(entityType core.EntityType, entityID core.ID) string {
	return string(entityType) + "/" + string(entityID)
}

func copyTask(t *task.Task) *task.Task {
	c := *t
	c.BypassSteps = append([]string(nil), t.BypassSteps...)
	if cloned, err := t.Context.Clone(); err == nil {
		c.Context = cloned
	}
	if cloned, err := t.Results.Clone(); err == nil {
		c.Results = cloned
	}
	return &c
}

func copyStep(s *task.Step) *task.Step {
	c := *s
	if s.LastAttemptedAt != nil {
		at := *s.LastAttemptedAt
		c.LastAttemptedAt = &at
	}
	if s.ProcessedAt != nil {
		at := *s.ProcessedAt
		c.ProcessedAt = &at
	}
	if s.BackoffRequestSeconds != nil {
		v := *s.BackoffRequestSeconds
		c.BackoffRequestSeconds = &v
	}
	if cloned, err := s.Results.Clone(); err == nil {
		c.Results = cloned
	}
	c.Error = s.Error.Clone()
	return &c
}

func (r *Repo) CreateTask(_ context.Context, t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	r.tasks[t.ID] = copyTask(t)
	if t.IdentityHash != "" {
		r.tasksByHash[t.IdentityHash] = t.ID
	}
	return nil
}

func (r *Repo) GetTask(_ context.Context, taskID core.ID) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, task.ErrTaskNotFound
	}
	return copyTask(t), nil
}

func (r *Repo) GetTaskByIdentity(_ context.Context, identityHash string) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.tasksByHash[identityHash]
	if !ok {
		return nil, task.ErrTaskNotFound
	}
	return copyTask(r.tasks[id]), nil
}

func (r *Repo) UpdateTaskResults(_ context.Context, taskID core.ID, results core.Output) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return task.ErrTaskNotFound
	}
	t.Results = results
	if cloned, err := results.Clone(); err == nil {
		t.Results = cloned
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Repo) CreateSteps(_ context.Context, steps []*task.Step, edges []*task.Edge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range steps {
		if _, exists := r.steps[s.ID]; exists {
			return fmt.Errorf("step %s already exists", s.ID)
		}
	}
	for _, s := range steps {
		r.steps[s.ID] = copyStep(s)
	}
	for _, e := range edges {
		edge := *e
		r.edges[e.TaskID] = append(r.edges[e.TaskID], &edge)
	}
	return nil
}

func (r *Repo) GetStep(_ context.Context, stepID core.ID) (*task.Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.steps[stepID]
	if !ok {
		return nil, task.ErrStepNotFound
	}
	return copyStep(s), nil
}

func (r *Repo) ListSteps(_ context.Context, taskID core.ID) ([]*task.Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listStepsLocked(taskID), nil
}

func (r *Repo) listStepsLocked(taskID core.ID) []*task.Step {
	steps := make([]*task.Step, 0)
	for _, s := range r.steps {
		if s.TaskID == taskID {
			steps = append(steps, copyStep(s))
		}
	}
	// map iteration order is random; keep creation order for determinism
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && steps[j].CreatedAt.Before(steps[j-1].CreatedAt); j-- {
			steps[j], steps[j-1] = steps[j-1], steps[j]
		}
	}
	return steps
}

func (r *Repo) ListEdges(_ context.Context, taskID core.ID) ([]*task.Edge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	edges := make([]*task.Edge, 0, len(r.edges[taskID]))
	for _, e := range r.edges[taskID] {
		edge := *e
		edges = append(edges, &edge)
	}
	return edges, nil
}

func (r *Repo) LoadSnapshot(_ context.Context, taskID core.ID) (*task.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, task.ErrTaskNotFound
	}
	snap := &task.Snapshot{
		Task:         copyTask(t),
		Steps:        r.listStepsLocked(taskID),
		LastFailures: make(map[core.ID]time.Time),
	}
	for _, e := range r.edges[taskID] {
		edge := *e
		snap.Edges = append(snap.Edges, &edge)
	}
	for _, s := range snap.Steps {
		for _, tr := range r.transitions[transitionKey(core.EntityStep, s.ID)] {
			if tr.ToState == core.StatusError {
				if at, seen := snap.LastFailures[s.ID]; !seen || tr.CreatedAt.After(at) {
					snap.LastFailures[s.ID] = tr.CreatedAt
				}
			}
		}
	}
	return snap, nil
}

func (r *Repo) ClaimStep(_ context.Context, stepID core.ID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.steps[stepID]
	if !ok {
		return false, task.ErrStepNotFound
	}
	if s.InProcess {
		return false, nil
	}
	s.InProcess = true
	s.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *Repo) ReleaseStep(_ context.Context, stepID core.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.steps[stepID]
	if !ok {
		return task.ErrStepNotFound
	}
	s.InProcess = false
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Repo) RecordStepResult(_ context.Context, step *task.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.steps[step.ID]
	if !ok {
		return task.ErrStepNotFound
	}
	if step.Attempts < s.Attempts {
		return fmt.Errorf("step %s attempts may only increase", step.ID)
	}
	s.Attempts = step.Attempts
	s.Retryable = step.Retryable
	s.LastAttemptedAt = step.LastAttemptedAt
	s.BackoffRequestSeconds = step.BackoffRequestSeconds
	s.Processed = step.Processed
	s.ProcessedAt = step.ProcessedAt
	s.Results = step.Results
	if cloned, err := step.Results.Clone(); err == nil {
		s.Results = cloned
	}
	s.Error = step.Error.Clone()
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Repo) AppendTransition(_ context.Context, t *ledger.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := transitionKey(t.EntityType, t.EntityID)
	history := r.transitions[k]
	current := ledger.StatusNone
	if len(history) > 0 {
		current = history[len(history)-1].ToState
	}
	if t.FromState != current {
		return fmt.Errorf("%w: %s %s is %s, append expected %s",
			ledger.ErrStaleTransition, t.EntityType, t.EntityID, current, t.FromState)
	}
	for _, prev := range history {
		prev.MostRecent = false
	}
	entry := *t
	entry.SequenceKey = int64(len(history) + 1)
	entry.MostRecent = true
	r.transitions[k] = append(history, &entry)
	t.SequenceKey = entry.SequenceKey

	// keep the entity's status column in sync with its ledger
	switch t.EntityType {
	case core.EntityTask:
		if tk, ok := r.tasks[t.EntityID]; ok {
			tk.Status = t.ToState
			tk.UpdatedAt = entry.CreatedAt
		}
	case core.EntityStep:
		if s, ok := r.steps[t.EntityID]; ok {
			s.Status = t.ToState
			s.UpdatedAt = entry.CreatedAt
		}
	}
	return nil
}

func (r *Repo) CurrentTransition(_ context.Context, entityType core.EntityType, entityID core.ID) (*ledger.Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	history := r.transitions[transitionKey(entityType, entityID)]
	if len(history) == 0 {
		return nil, nil
	}
	entry := *history[len(history)-1]
	return &entry, nil
}

func (r *Repo) ListTransitions(_ context.Context, entityType core.EntityType, entityID core.ID) ([]*ledger.Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	history := r.transitions[transitionKey(entityType, entityID)]
	out := make([]*ledger.Transition, 0, len(history))
	for _, tr := range history {
		entry := *tr
		out = append(out, &entry)
	}
	return out, nil
}
