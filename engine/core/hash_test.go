package core_test

import (
	"testing"

	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stretchr/testify/assert"
)

func TestIdentityHash(t *testing.T) {
	t.Run("Should be stable across map key ordering", func(t *testing.T) {
		a := core.IdentityHash("sync-users", core.Input{"org": "acme", "dry_run": true})
		b := core.IdentityHash("sync-users", core.Input{"dry_run": true, "org": "acme"})
		assert.Equal(t, a, b)
	})
	t.Run("Should differ when name differs", func(t *testing.T) {
		a := core.IdentityHash("sync-users", core.Input{"org": "acme"})
		b := core.IdentityHash("sync-teams", core.Input{"org": "acme"})
		assert.NotEqual(t, a, b)
	})
	t.Run("Should differ when context differs", func(t *testing.T) {
		a := core.IdentityHash("sync-users", core.Input{"org": "acme"})
		b := core.IdentityHash("sync-users", core.Input{"org": "globex"})
		assert.NotEqual(t, a, b)
	})
	t.Run("Should handle nested payloads deterministically", func(t *testing.T) {
		a := core.IdentityHash("n", core.Input{"cfg": map[string]any{"x": 1, "y": []any{"a", "b"}}})
		b := core.IdentityHash("n", core.Input{"cfg": map[string]any{"y": []any{"a", "b"}, "x": 1}})
		assert.Equal(t, a, b)
	})
	t.Run("Should handle nil context", func(t *testing.T) {
		assert.NotEmpty(t, core.IdentityHash("n", nil))
	})
}
