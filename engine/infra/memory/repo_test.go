package memory_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stepflow-io/stepflow/engine/infra/memory"
	"github.com/stepflow-io/stepflow/engine/ledger"
	"github.com/stepflow-io/stepflow/engine/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTask(t *testing.T, repo *memory.Repo) (*task.Task, *task.Step) {
	t.Helper()
	tk := task.NewTask("sync-users", core.Input{"org": "acme"})
	require.NoError(t, repo.CreateTask(t.Context(), tk))
	st := task.NewStep(tk.ID, "fetch", true, 3)
	require.NoError(t, repo.CreateSteps(t.Context(), []*task.Step{st}, nil))
	return tk, st
}

func TestRepo_Tasks(t *testing.T) {
	t.Run("Should create and load tasks by ID and identity hash", func(t *testing.T) {
		repo := memory.NewRepo()
		tk, _ := seedTask(t, repo)
		got, err := repo.GetTask(t.Context(), tk.ID)
		require.NoError(t, err)
		assert.Equal(t, tk.ID, got.ID)
		byHash, err := repo.GetTaskByIdentity(t.Context(), tk.IdentityHash)
		require.NoError(t, err)
		assert.Equal(t, tk.ID, byHash.ID)
	})
	t.Run("Should return ErrTaskNotFound for unknown lookups", func(t *testing.T) {
		repo := memory.NewRepo()
		_, err := repo.GetTask(t.Context(), core.MustNewID())
		require.ErrorIs(t, err, task.ErrTaskNotFound)
		_, err = repo.GetTaskByIdentity(t.Context(), "missing")
		require.ErrorIs(t, err, task.ErrTaskNotFound)
	})
	t.Run("Should reject duplicate task creation", func(t *testing.T) {
		repo := memory.NewRepo()
		tk, _ := seedTask(t, repo)
		require.Error(t, repo.CreateTask(t.Context(), tk))
	})
	t.Run("Should hand out copies, not shared pointers", func(t *testing.T) {
		repo := memory.NewRepo()
		tk, _ := seedTask(t, repo)
		got, err := repo.GetTask(t.Context(), tk.ID)
		require.NoError(t, err)
		got.Status = core.StatusError
		again, err := repo.GetTask(t.Context(), tk.ID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusPending, again.Status)
	})
	t.Run("Should deep-copy payload maps on reads", func(t *testing.T) {
		repo := memory.NewRepo()
		tk, st := seedTask(t, repo)
		st.Results = core.Output{"rows": []any{"a"}}
		st.Error = core.NewError(errors.New("boom"), "retryable", map[string]any{"attempt": 1})
		require.NoError(t, repo.RecordStepResult(t.Context(), st))

		got, err := repo.GetStep(t.Context(), st.ID)
		require.NoError(t, err)
		got.Results["rows"] = "tampered"
		got.Error.Details["attempt"] = 99

		again, err := repo.GetStep(t.Context(), st.ID)
		require.NoError(t, err)
		assert.Equal(t, []any{"a"}, again.Results["rows"])
		assert.Equal(t, 1, again.Error.Details["attempt"])

		task1, err := repo.GetTask(t.Context(), tk.ID)
		require.NoError(t, err)
		task1.Context["org"] = "tampered"
		task2, err := repo.GetTask(t.Context(), tk.ID)
		require.NoError(t, err)
		assert.Equal(t, "acme", task2.Context["org"])
	})
}

func TestRepo_ClaimStep(t *testing.T) {
	t.Run("Should claim a step exactly once", func(t *testing.T) {
		repo := memory.NewRepo()
		_, st := seedTask(t, repo)
		claimed, err := repo.ClaimStep(t.Context(), st.ID)
		require.NoError(t, err)
		assert.True(t, claimed)
		claimed, err = repo.ClaimStep(t.Context(), st.ID)
		require.NoError(t, err)
		assert.False(t, claimed, "second claim must lose")
		require.NoError(t, repo.ReleaseStep(t.Context(), st.ID))
		claimed, err = repo.ClaimStep(t.Context(), st.ID)
		require.NoError(t, err)
		assert.True(t, claimed, "claim succeeds again after release")
	})
	t.Run("Should grant at most one winner under concurrent claims", func(t *testing.T) {
		repo := memory.NewRepo()
		_, st := seedTask(t, repo)
		const claimers = 16
		var wg sync.WaitGroup
		wins := make(chan bool, claimers)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				claimed, err := repo.ClaimStep(t.Context(), st.ID)
				if err == nil && claimed {
					wins <- true
				}
			}()
		}
		wg.Wait()
		close(wins)
		assert.Equal(t, 1, len(wins))
	})
}

func TestRepo_Transitions(t *testing.T) {
	t.Run("Should keep exactly one most-recent entry and sync status", func(t *testing.T) {
		repo := memory.NewRepo()
		_, st := seedTask(t, repo)
		lg := ledger.New(repo, nil)
		ctx := t.Context()
		_, err := lg.Transition(ctx, core.EntityStep, st.ID, core.StatusPending)
		require.NoError(t, err)
		_, err = lg.Transition(ctx, core.EntityStep, st.ID, core.StatusInProgress)
		require.NoError(t, err)
		_, err = lg.Transition(ctx, core.EntityStep, st.ID, core.StatusError)
		require.NoError(t, err)

		history, err := repo.ListTransitions(ctx, core.EntityStep, st.ID)
		require.NoError(t, err)
		require.Len(t, history, 3)
		recent := 0
		for _, tr := range history {
			if tr.MostRecent {
				recent++
			}
		}
		assert.Equal(t, 1, recent)

		got, err := repo.GetStep(ctx, st.ID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusError, got.Status)
	})
	t.Run("Should reject an append whose from-state lost a race", func(t *testing.T) {
		repo := memory.NewRepo()
		_, st := seedTask(t, repo)
		lg := ledger.New(repo, nil)
		ctx := t.Context()
		_, err := lg.Transition(ctx, core.EntityStep, st.ID, core.StatusPending)
		require.NoError(t, err)

		// a second writer that also observed the empty history must not land
		stale := &ledger.Transition{
			ID:         core.MustNewID(),
			EntityType: core.EntityStep,
			EntityID:   st.ID,
			FromState:  ledger.StatusNone,
			ToState:    core.StatusPending,
			CreatedAt:  time.Now().UTC(),
		}
		err = repo.AppendTransition(ctx, stale)
		require.ErrorIs(t, err, ledger.ErrStaleTransition)
		history, err := repo.ListTransitions(ctx, core.EntityStep, st.ID)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})
	t.Run("Should let exactly one concurrent writer win a transition", func(t *testing.T) {
		repo := memory.NewRepo()
		_, st := seedTask(t, repo)
		lg := ledger.New(repo, nil)
		ctx := t.Context()
		_, err := lg.Transition(ctx, core.EntityStep, st.ID, core.StatusPending)
		require.NoError(t, err)

		const writers = 16
		var wg sync.WaitGroup
		wins := make(chan bool, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := lg.Transition(ctx, core.EntityStep, st.ID, core.StatusInProgress); err == nil {
					wins <- true
				}
			}()
		}
		wg.Wait()
		close(wins)
		assert.Equal(t, 1, len(wins))

		history, err := repo.ListTransitions(ctx, core.EntityStep, st.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, core.StatusInProgress, history[1].ToState)
	})
	t.Run("Should expose failure timestamps through the snapshot", func(t *testing.T) {
		repo := memory.NewRepo()
		tk, st := seedTask(t, repo)
		lg := ledger.New(repo, nil)
		ctx := t.Context()
		_, err := lg.Transition(ctx, core.EntityStep, st.ID, core.StatusError)
		require.NoError(t, err)

		snap, err := repo.LoadSnapshot(ctx, tk.ID)
		require.NoError(t, err)
		require.NotNil(t, snap.LastFailureAt(st.ID))
		assert.WithinDuration(t, time.Now().UTC(), *snap.LastFailureAt(st.ID), 5*time.Second)
	})
}

func TestRepo_RecordStepResult(t *testing.T) {
	t.Run("Should persist execution bookkeeping", func(t *testing.T) {
		repo := memory.NewRepo()
		_, st := seedTask(t, repo)
		now := time.Now().UTC()
		st.Attempts = 1
		st.LastAttemptedAt = &now
		st.Processed = true
		st.ProcessedAt = &now
		st.Results = core.Output{"count": 42}
		require.NoError(t, repo.RecordStepResult(t.Context(), st))

		got, err := repo.GetStep(t.Context(), st.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Attempts)
		assert.True(t, got.Processed)
		assert.Equal(t, core.Output{"count": 42}, got.Results)
	})
	t.Run("Should reject an attempts decrease", func(t *testing.T) {
		repo := memory.NewRepo()
		_, st := seedTask(t, repo)
		st.Attempts = 2
		require.NoError(t, repo.RecordStepResult(t.Context(), st))
		st.Attempts = 1
		require.Error(t, repo.RecordStepResult(t.Context(), st))
	})
}
