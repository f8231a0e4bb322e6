package core_test

import (
	"testing"

	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stretchr/testify/assert"
)

func TestStatusType_IsCompletion(t *testing.T) {
	t.Run("Should treat complete, resolved_manually and cancelled as completion", func(t *testing.T) {
		assert.True(t, core.StatusComplete.IsCompletion())
		assert.True(t, core.StatusResolvedManually.IsCompletion())
		assert.True(t, core.StatusCancelled.IsCompletion())
	})
	t.Run("Should not treat pending, in_progress or error as completion", func(t *testing.T) {
		assert.False(t, core.StatusPending.IsCompletion())
		assert.False(t, core.StatusInProgress.IsCompletion())
		assert.False(t, core.StatusError.IsCompletion())
	})
}

func TestStatusType_IsWorkable(t *testing.T) {
	t.Run("Should treat only pending and in_progress as workable", func(t *testing.T) {
		assert.True(t, core.StatusPending.IsWorkable())
		assert.True(t, core.StatusInProgress.IsWorkable())
		assert.False(t, core.StatusError.IsWorkable())
		assert.False(t, core.StatusComplete.IsWorkable())
		assert.False(t, core.StatusCancelled.IsWorkable())
		assert.False(t, core.StatusResolvedManually.IsWorkable())
	})
}

func TestStatusType_SatisfiesDependency(t *testing.T) {
	t.Run("Should only satisfy children for complete and resolved_manually parents", func(t *testing.T) {
		assert.True(t, core.StatusComplete.SatisfiesDependency())
		assert.True(t, core.StatusResolvedManually.SatisfiesDependency())
		assert.False(t, core.StatusCancelled.SatisfiesDependency())
		assert.False(t, core.StatusPending.SatisfiesDependency())
		assert.False(t, core.StatusError.SatisfiesDependency())
	})
}

func TestIsValidStatus(t *testing.T) {
	t.Run("Should accept every declared status and reject unknown values", func(t *testing.T) {
		for _, s := range core.Statuses() {
			assert.True(t, core.IsValidStatus(s))
		}
		assert.False(t, core.IsValidStatus("paused"))
	})
}
