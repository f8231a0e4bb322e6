package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stepflow-io/stepflow/engine/ledger"
	"github.com/stepflow-io/stepflow/engine/task"
	"github.com/stepflow-io/stepflow/pkg/logger"
)

const taskColumnsSQL = "id, name, context, status, identity_hash, requested_at, " +
	"bypass_steps, results, created_at, updated_at"

const stepColumnsSQL = "id, task_id, name, status, retryable, retry_limit, attempts, " +
	"last_attempted_at, backoff_request_seconds, processed, processed_at, in_process, " +
	"results, error, created_at, updated_at"

const transitionColumnsSQL = "id, entity_type, entity_id, from_state, to_state, " +
	"sequence_key, most_recent, created_at"

// DB is the minimal database interface Repo depends on (pgxpool or pgxmock).
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repo implements task.Repository backed by a pgx-compatible pool.
type Repo struct {
	db DB
}

func NewRepo(db DB) *Repo {
	return &Repo{db: db}
}

var _ task.Repository = (*Repo)(nil)

// taskDB mirrors the tasks table; JSONB columns land as raw bytes and are
// decoded in toDomain.
type taskDB struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	Context      []byte    `db:"context"`
	Status       string    `db:"status"`
	IdentityHash string    `db:"identity_hash"`
	RequestedAt  time.Time `db:"requested_at"`
	BypassSteps  []byte    `db:"bypass_steps"`
	Results      []byte    `db:"results"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (t *taskDB) toDomain() (*task.Task, error) {
	out := &task.Task{
		ID:           core.ID(t.ID),
		Name:         t.Name,
		Status:       core.StatusType(t.Status),
		IdentityHash: t.IdentityHash,
		RequestedAt:  t.RequestedAt,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if err := fromJSONB(t.Context, &out.Context); err != nil {
		return nil, fmt.Errorf("decoding task context: %w", err)
	}
	if err := fromJSONB(t.BypassSteps, &out.BypassSteps); err != nil {
		return nil, fmt.Errorf("decoding bypass steps: %w", err)
	}
	if err := fromJSONB(t.Results, &out.Results); err != nil {
		return nil, fmt.Errorf("decoding task results: %w", err)
	}
	return out, nil
}

type stepDB struct {
	ID                    string     `db:"id"`
	TaskID                string     `db:"task_id"`
	Name                  string     `db:"name"`
	Status                string     `db:"status"`
	Retryable             bool       `db:"retryable"`
	RetryLimit            int        `db:"retry_limit"`
	Attempts              int        `db:"attempts"`
	LastAttemptedAt       *time.Time `db:"last_attempted_at"`
	BackoffRequestSeconds *int       `db:"backoff_request_seconds"`
	Processed             bool       `db:"processed"`
	ProcessedAt           *time.Time `db:"processed_at"`
	InProcess             bool       `db:"in_process"`
	Results               []byte     `db:"results"`
	Error                 []byte     `db:"error"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
}

func (s *stepDB) toDomain() (*task.Step, error) {
	out := &task.Step{
		ID:                    core.ID(s.ID),
		TaskID:                core.ID(s.TaskID),
		Name:                  s.Name,
		Status:                core.StatusType(s.Status),
		Retryable:             s.Retryable,
		RetryLimit:            s.RetryLimit,
		Attempts:              s.Attempts,
		LastAttemptedAt:       s.LastAttemptedAt,
		BackoffRequestSeconds: s.BackoffRequestSeconds,
		Processed:             s.Processed,
		ProcessedAt:           s.ProcessedAt,
		InProcess:             s.InProcess,
		CreatedAt:             s.CreatedAt,
		UpdatedAt:             s.UpdatedAt,
	}
	if err := fromJSONB(s.Results, &out.Results); err != nil {
		return nil, fmt.Errorf("decoding step results: %w", err)
	}
	if err := fromJSONB(s.Error, &out.Error); err != nil {
		return nil, fmt.Errorf("decoding step error: %w", err)
	}
	return out, nil
}

func toJSONB(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func fromJSONB(b []byte, dst any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

func (r *Repo) CreateTask(ctx context.Context, t *task.Task) error {
	contextJSON, err := toJSONB(t.Context)
	if err != nil {
		return fmt.Errorf("marshaling task context: %w", err)
	}
	bypassJSON, err := toJSONB(t.BypassSteps)
	if err != nil {
		return fmt.Errorf("marshaling bypass steps: %w", err)
	}
	resultsJSON, err := toJSONB(t.Results)
	if err != nil {
		return fmt.Errorf("marshaling task results: %w", err)
	}
	query := `
        INSERT INTO tasks (
            id, name, context, status, identity_hash, requested_at,
            bypass_steps, results, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    `
	_, err = r.db.Exec(ctx, query,
		t.ID, t.Name, contextJSON, t.Status, t.IdentityHash, t.RequestedAt,
		bypassJSON, resultsJSON, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

func (r *Repo) GetTask(ctx context.Context, taskID core.ID) (*task.Task, error) {
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE id = $1", taskColumnsSQL)
	var row taskDB
	if err := pgxscan.Get(ctx, r.db, &row, query, taskID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	return row.toDomain()
}

func (r *Repo) GetTaskByIdentity(ctx context.Context, identityHash string) (*task.Task, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM tasks WHERE identity_hash = $1 ORDER BY created_at DESC LIMIT 1",
		taskColumnsSQL,
	)
	var row taskDB
	if err := pgxscan.Get(ctx, r.db, &row, query, identityHash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scanning task by identity: %w", err)
	}
	return row.toDomain()
}

func (r *Repo) UpdateTaskResults(ctx context.Context, taskID core.ID, results core.Output) error {
	resultsJSON, err := toJSONB(results)
	if err != nil {
		return fmt.Errorf("marshaling task results: %w", err)
	}
	tag, err := r.db.Exec(ctx,
		"UPDATE tasks SET results = $2, updated_at = now() WHERE id = $1",
		taskID, resultsJSON,
	)
	if err != nil {
		return fmt.Errorf("updating task results: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

func (r *Repo) CreateSteps(ctx context.Context, steps []*task.Step, edges []*task.Edge) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		for _, s := range steps {
			if err := insertStep(ctx, tx, s); err != nil {
				return err
			}
		}
		for _, e := range edges {
			if _, err := tx.Exec(ctx,
				"INSERT INTO edges (id, task_id, parent_id, child_id) VALUES ($1, $2, $3, $4)",
				e.ID, e.TaskID, e.ParentID, e.ChildID,
			); err != nil {
				return fmt.Errorf("inserting edge: %w", err)
			}
		}
		return nil
	})
}

func insertStep(ctx context.Context, tx pgx.Tx, s *task.Step) error {
	resultsJSON, err := toJSONB(s.Results)
	if err != nil {
		return fmt.Errorf("marshaling step results: %w", err)
	}
	errJSON, err := toJSONB(s.Error)
	if err != nil {
		return fmt.Errorf("marshaling step error: %w", err)
	}
	query := `
        INSERT INTO steps (
            id, task_id, name, status, retryable, retry_limit, attempts,
            last_attempted_at, backoff_request_seconds, processed, processed_at,
            in_process, results, error, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
    `
	_, err = tx.Exec(ctx, query,
		s.ID, s.TaskID, s.Name, s.Status, s.Retryable, s.RetryLimit, s.Attempts,
		s.LastAttemptedAt, s.BackoffRequestSeconds, s.Processed, s.ProcessedAt,
		s.InProcess, resultsJSON, errJSON, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting step: %w", err)
	}
	return nil
}

func (r *Repo) GetStep(ctx context.Context, stepID core.ID) (*task.Step, error) {
	query := fmt.Sprintf("SELECT %s FROM steps WHERE id = $1", stepColumnsSQL)
	var row stepDB
	if err := pgxscan.Get(ctx, r.db, &row, query, stepID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrStepNotFound
		}
		return nil, fmt.Errorf("scanning step: %w", err)
	}
	return row.toDomain()
}

func (r *Repo) ListSteps(ctx context.Context, taskID core.ID) ([]*task.Step, error) {
	return r.listStepsWith(ctx, r.db, taskID)
}

func (r *Repo) listStepsWith(ctx context.Context, runner pgxscan.Querier, taskID core.ID) ([]*task.Step, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM steps WHERE task_id = $1 ORDER BY created_at, id",
		stepColumnsSQL,
	)
	var rows []*stepDB
	if err := pgxscan.Select(ctx, runner, &rows, query, taskID); err != nil {
		return nil, fmt.Errorf("scanning steps: %w", err)
	}
	steps := make([]*task.Step, 0, len(rows))
	for _, row := range rows {
		s, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func (r *Repo) ListEdges(ctx context.Context, taskID core.ID) ([]*task.Edge, error) {
	var edges []*task.Edge
	query := "SELECT id, task_id, parent_id, child_id FROM edges WHERE task_id = $1 ORDER BY id"
	if err := pgxscan.Select(ctx, r.db, &edges, query, taskID); err != nil {
		return nil, fmt.Errorf("scanning edges: %w", err)
	}
	return edges, nil
}

func (r *Repo) LoadSnapshot(ctx context.Context, taskID core.ID) (*task.Snapshot, error) {
	t, err := r.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	steps, err := r.ListSteps(ctx, taskID)
	if err != nil {
		return nil, err
	}
	edges, err := r.ListEdges(ctx, taskID)
	if err != nil {
		return nil, err
	}
	failures, err := r.lastFailures(ctx, steps)
	if err != nil {
		return nil, err
	}
	return &task.Snapshot{Task: t, Steps: steps, Edges: edges, LastFailures: failures}, nil
}

// lastFailures resolves the most recent error transition per step.
func (r *Repo) lastFailures(ctx context.Context, steps []*task.Step) (map[core.ID]time.Time, error) {
	if len(steps) == 0 {
		return map[core.ID]time.Time{}, nil
	}
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID.String()
	}
	query := `
        SELECT entity_id, MAX(created_at) AS failed_at
        FROM transitions
        WHERE entity_type = $1 AND to_state = $2 AND entity_id = ANY($3)
        GROUP BY entity_id
    `
	rows, err := r.db.Query(ctx, query, core.EntityStep, core.StatusError, ids)
	if err != nil {
		return nil, fmt.Errorf("querying step failures: %w", err)
	}
	defer rows.Close()
	failures := make(map[core.ID]time.Time)
	for rows.Next() {
		var entityID string
		var failedAt time.Time
		if err := rows.Scan(&entityID, &failedAt); err != nil {
			return nil, fmt.Errorf("scanning step failure: %w", err)
		}
		failures[core.ID(entityID)] = failedAt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating step failures: %w", err)
	}
	return failures, nil
}

func (r *Repo) ClaimStep(ctx context.Context, stepID core.ID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		"UPDATE steps SET in_process = TRUE, updated_at = now() WHERE id = $1 AND in_process = FALSE",
		stepID,
	)
	if err != nil {
		return false, fmt.Errorf("claiming step: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	exists, err := r.stepExists(ctx, stepID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, task.ErrStepNotFound
	}
	return false, nil
}

func (r *Repo) ReleaseStep(ctx context.Context, stepID core.ID) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE steps SET in_process = FALSE, updated_at = now() WHERE id = $1",
		stepID,
	)
	if err != nil {
		return fmt.Errorf("releasing step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return task.ErrStepNotFound
	}
	return nil
}

func (r *Repo) stepExists(ctx context.Context, stepID core.ID) (bool, error) {
	var exists bool
	row := r.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM steps WHERE id = $1)", stepID)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("checking step existence: %w", err)
	}
	return exists, nil
}

func (r *Repo) RecordStepResult(ctx context.Context, step *task.Step) error {
	resultsJSON, err := toJSONB(step.Results)
	if err != nil {
		return fmt.Errorf("marshaling step results: %w", err)
	}
	errJSON, err := toJSONB(step.Error)
	if err != nil {
		return fmt.Errorf("marshaling step error: %w", err)
	}
	// attempts is monotonic; the predicate rejects stale writes
	query := `
        UPDATE steps SET
            retryable = $2,
            attempts = $3,
            last_attempted_at = $4,
            backoff_request_seconds = $5,
            processed = $6,
            processed_at = $7,
            results = $8,
            error = $9,
            updated_at = now()
        WHERE id = $1 AND attempts <= $3
    `
	tag, err := r.db.Exec(ctx, query,
		step.ID, step.Retryable, step.Attempts, step.LastAttemptedAt,
		step.BackoffRequestSeconds, step.Processed, step.ProcessedAt,
		resultsJSON, errJSON,
	)
	if err != nil {
		return fmt.Errorf("recording step result: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	exists, err := r.stepExists(ctx, step.ID)
	if err != nil {
		return err
	}
	if !exists {
		return task.ErrStepNotFound
	}
	return fmt.Errorf("step %s: attempts cannot decrease", step.ID)
}

// AppendTransition serializes per-entity appends with an advisory lock,
// verifies the entry's from-state against the current ledger head, flips the
// prior most-recent entry off, assigns the next sequence key and keeps the
// owning entity's status column in sync, all in one transaction.
func (r *Repo) AppendTransition(ctx context.Context, t *ledger.Transition) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))",
			string(t.EntityType), t.EntityID.String(),
		); err != nil {
			return fmt.Errorf("acquiring entity lock: %w", err)
		}
		// re-check under the lock: a racing append may have moved the entity
		// since the caller's guard check
		current := ledger.StatusNone
		row := tx.QueryRow(ctx,
			"SELECT to_state FROM transitions WHERE entity_type = $1 AND entity_id = $2 AND most_recent",
			t.EntityType, t.EntityID,
		)
		if err := row.Scan(&current); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("reading current transition: %w", err)
		}
		if t.FromState != current {
			return fmt.Errorf("%w: %s %s is %s, append expected %s",
				ledger.ErrStaleTransition, t.EntityType, t.EntityID, current, t.FromState)
		}
		if _, err := tx.Exec(ctx,
			"UPDATE transitions SET most_recent = FALSE WHERE entity_type = $1 AND entity_id = $2 AND most_recent",
			t.EntityType, t.EntityID,
		); err != nil {
			return fmt.Errorf("demoting prior transition: %w", err)
		}
		var seq int64
		row = tx.QueryRow(ctx,
			"SELECT COALESCE(MAX(sequence_key), 0) + 1 FROM transitions WHERE entity_type = $1 AND entity_id = $2",
			t.EntityType, t.EntityID,
		)
		if err := row.Scan(&seq); err != nil {
			return fmt.Errorf("assigning sequence key: %w", err)
		}
		t.SequenceKey = seq
		t.MostRecent = true
		if _, err := tx.Exec(ctx, `
            INSERT INTO transitions (
                id, entity_type, entity_id, from_state, to_state,
                sequence_key, most_recent, created_at
            ) VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
        `,
			t.ID, t.EntityType, t.EntityID, t.FromState, t.ToState,
			t.SequenceKey, t.CreatedAt,
		); err != nil {
			return fmt.Errorf("inserting transition: %w", err)
		}
		entityTable := "tasks"
		if t.EntityType == core.EntityStep {
			entityTable = "steps"
		}
		if _, err := tx.Exec(ctx,
			fmt.Sprintf("UPDATE %s SET status = $2, updated_at = now() WHERE id = $1", entityTable),
			t.EntityID, t.ToState,
		); err != nil {
			return fmt.Errorf("syncing %s status: %w", entityTable, err)
		}
		return nil
	})
}

func (r *Repo) CurrentTransition(
	ctx context.Context,
	entityType core.EntityType,
	entityID core.ID,
) (*ledger.Transition, error) {
	sb := squirrel.Select("id", "entity_type", "entity_id", "from_state", "to_state",
		"sequence_key", "most_recent", "created_at").
		From("transitions").
		Where(squirrel.Eq{"entity_type": entityType, "entity_id": entityID, "most_recent": true}).
		PlaceholderFormat(squirrel.Dollar)
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var t ledger.Transition
	if err := pgxscan.Get(ctx, r.db, &t, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning current transition: %w", err)
	}
	return &t, nil
}

func (r *Repo) ListTransitions(
	ctx context.Context,
	entityType core.EntityType,
	entityID core.ID,
) ([]*ledger.Transition, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM transitions WHERE entity_type = $1 AND entity_id = $2 ORDER BY sequence_key",
		transitionColumnsSQL,
	)
	var out []*ledger.Transition
	if err := pgxscan.Select(ctx, r.db, &out, query, entityType, entityID); err != nil {
		return nil, fmt.Errorf("scanning transitions: %w", err)
	}
	return out, nil
}

// withTx runs fn inside a transaction with rollback on error or panic.
func (r *Repo) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	log := logger.FromContext(ctx)
	var fnErr error
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error("Failed to rollback transaction", "error", rbErr)
			}
			panic(p)
		}
		if fnErr != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error("Failed to rollback transaction", "error", rbErr)
			}
		}
	}()
	if fnErr = fn(tx); fnErr != nil {
		return fnErr
	}
	if fnErr = tx.Commit(ctx); fnErr != nil {
		return fmt.Errorf("committing transaction: %w", fnErr)
	}
	return nil
}
