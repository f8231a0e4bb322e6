package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stepflow-io/stepflow/engine/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal in-memory Store for exercising the ledger.
type fakeStore struct {
	mu          sync.Mutex
	transitions map[string][]*ledger.Transition
}

func newFakeStore() *fakeStore {
	return &fakeStore{transitions: make(map[string][]*ledger.Transition)}
}

func key(entityType core.EntityType, entityID core.ID) string {
	return string(entityType) + "/" + string(entityID)
}

func (s *fakeStore) AppendTransition(_ context.Context, t *ledger.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(t.EntityType, t.EntityID)
	history := s.transitions[k]
	for _, prev := range history {
		prev.MostRecent = false
	}
	t.SequenceKey = int64(len(history) + 1)
	t.MostRecent = true
	s.transitions[k] = append(history, t)
	return nil
}

func (s *fakeStore) CurrentTransition(_ context.Context, entityType core.EntityType, entityID core.ID) (*ledger.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.transitions[key(entityType, entityID)]
	if len(history) == 0 {
		return nil, nil
	}
	return history[len(history)-1], nil
}

func (s *fakeStore) ListTransitions(_ context.Context, entityType core.EntityType, entityID core.ID) ([]*ledger.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ledger.Transition(nil), s.transitions[key(entityType, entityID)]...), nil
}

func TestGuard(t *testing.T) {
	t.Run("Should allow every documented task transition pair", func(t *testing.T) {
		allowed := [][2]core.StatusType{
			{ledger.StatusNone, core.StatusPending},
			{ledger.StatusNone, core.StatusInProgress},
			{ledger.StatusNone, core.StatusComplete},
			{ledger.StatusNone, core.StatusError},
			{ledger.StatusNone, core.StatusCancelled},
			{ledger.StatusNone, core.StatusResolvedManually},
			{core.StatusPending, core.StatusInProgress},
			{core.StatusPending, core.StatusCancelled},
			{core.StatusPending, core.StatusError},
			{core.StatusInProgress, core.StatusPending},
			{core.StatusInProgress, core.StatusComplete},
			{core.StatusInProgress, core.StatusError},
			{core.StatusInProgress, core.StatusCancelled},
			{core.StatusError, core.StatusPending},
			{core.StatusError, core.StatusResolvedManually},
			{core.StatusComplete, core.StatusCancelled},
			{core.StatusResolvedManually, core.StatusCancelled},
		}
		for _, pair := range allowed {
			assert.True(t, ledger.Allowed(core.EntityTask, pair[0], pair[1]),
				"expected %s -> %s to be allowed", pair[0], pair[1])
		}
	})
	t.Run("Should reject every pair outside the task table", func(t *testing.T) {
		states := append([]core.StatusType{ledger.StatusNone}, core.Statuses()...)
		allowedCount := 0
		for _, from := range states {
			for _, to := range core.Statuses() {
				if ledger.Allowed(core.EntityTask, from, to) {
					allowedCount++
					continue
				}
				err := ledger.Guard(core.EntityTask, "t1", from, to)
				require.Error(t, err)
				var gv *ledger.GuardViolationError
				require.ErrorAs(t, err, &gv)
				assert.Equal(t, from, gv.FromState)
				assert.Equal(t, to, gv.ToState)
			}
		}
		assert.Equal(t, 17, allowedCount, "task guard table size changed")
	})
	t.Run("Should reject complete to pending for steps", func(t *testing.T) {
		assert.False(t, ledger.Allowed(core.EntityStep, core.StatusComplete, core.StatusPending))
	})
}

func TestLedger_Transition(t *testing.T) {
	t.Run("Should walk a valid lifecycle and keep one most-recent entry", func(t *testing.T) {
		store := newFakeStore()
		l := ledger.New(store, nil)
		id := core.MustNewID()
		ctx := t.Context()

		for _, to := range []core.StatusType{
			core.StatusPending,
			core.StatusInProgress,
			core.StatusError,
			core.StatusPending,
			core.StatusInProgress,
			core.StatusComplete,
		} {
			_, err := l.Transition(ctx, core.EntityStep, id, to)
			require.NoError(t, err)
		}

		history, err := l.History(ctx, core.EntityStep, id)
		require.NoError(t, err)
		require.Len(t, history, 6)
		recent := 0
		for _, tr := range history {
			if tr.MostRecent {
				recent++
				assert.Equal(t, core.StatusComplete, tr.ToState)
			}
		}
		assert.Equal(t, 1, recent, "exactly one transition must be most recent")

		state, err := l.CurrentState(ctx, core.EntityStep, id)
		require.NoError(t, err)
		assert.Equal(t, core.StatusComplete, state)
	})
	t.Run("Should return StatusNone for an entity with no history", func(t *testing.T) {
		l := ledger.New(newFakeStore(), nil)
		state, err := l.CurrentState(t.Context(), core.EntityTask, core.MustNewID())
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusNone, state)
	})
	t.Run("Should reject a guarded pair and write nothing", func(t *testing.T) {
		store := newFakeStore()
		l := ledger.New(store, nil)
		id := core.MustNewID()
		ctx := t.Context()
		_, err := l.Transition(ctx, core.EntityTask, id, core.StatusComplete)
		require.NoError(t, err)
		_, err = l.Transition(ctx, core.EntityTask, id, core.StatusPending)
		var gv *ledger.GuardViolationError
		require.ErrorAs(t, err, &gv)
		history, err := l.History(ctx, core.EntityTask, id)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})
	t.Run("Should reject an unknown target status", func(t *testing.T) {
		l := ledger.New(newFakeStore(), nil)
		_, err := l.Transition(t.Context(), core.EntityTask, core.MustNewID(), "paused")
		require.Error(t, err)
	})
	t.Run("Should record from-state on each appended entry", func(t *testing.T) {
		store := newFakeStore()
		l := ledger.New(store, nil)
		id := core.MustNewID()
		ctx := t.Context()
		first, err := l.Transition(ctx, core.EntityTask, id, core.StatusPending)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusNone, first.FromState)
		second, err := l.Transition(ctx, core.EntityTask, id, core.StatusInProgress)
		require.NoError(t, err)
		assert.Equal(t, core.StatusPending, second.FromState)
		assert.Greater(t, second.SequenceKey, first.SequenceKey)
	})
}
