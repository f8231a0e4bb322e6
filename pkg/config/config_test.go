package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("Should load defaults without environment overrides", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "info", cfg.Logger.Level)
		assert.Equal(t, 25, cfg.Orchestrator.MaxPassIterations)
		assert.Equal(t, 3, cfg.Orchestrator.DefaultRetryLimit)
		assert.Equal(t, time.Second, cfg.Orchestrator.InPassRetryHorizon)
		assert.Equal(t, 12, cfg.Advisor.MaxConcurrentStepsLimit)
		assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	})
	t.Run("Should apply prefixed environment overrides", func(t *testing.T) {
		t.Setenv("STEPFLOW_ORCHESTRATOR_MAX_PASS_ITERATIONS", "7")
		t.Setenv("STEPFLOW_DATABASE_HOST", "db.internal")
		t.Setenv("STEPFLOW_LOGGER_LEVEL", "debug")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Orchestrator.MaxPassIterations)
		assert.Equal(t, "db.internal", cfg.Database.Host)
		assert.Equal(t, "debug", cfg.Logger.Level)
	})
	t.Run("Should reject values that fail validation", func(t *testing.T) {
		t.Setenv("STEPFLOW_LOGGER_LEVEL", "loud")
		_, err := Load()
		assert.ErrorContains(t, err, "validating config")
	})
}

func TestTransformEnvKey(t *testing.T) {
	t.Run("Should split the section from the field path", func(t *testing.T) {
		assert.Equal(t, "orchestrator.max_pass_iterations", transformEnvKey("ORCHESTRATOR_MAX_PASS_ITERATIONS"))
		assert.Equal(t, "logger.level", transformEnvKey("LOGGER_LEVEL"))
		assert.Equal(t, "retry.base_delay", transformEnvKey("RETRY_BASE_DELAY"))
		assert.Equal(t, "database", transformEnvKey("DATABASE"))
	})
}

func TestFromContext(t *testing.T) {
	t.Run("Should round-trip through the context", func(t *testing.T) {
		cfg := Default()
		cfg.Orchestrator.MaxPassIterations = 5
		ctx := ContextWithConfig(context.Background(), cfg)
		assert.Equal(t, 5, FromContext(ctx).Orchestrator.MaxPassIterations)
	})
	t.Run("Should fall back to defaults on a bare context", func(t *testing.T) {
		cfg := FromContext(context.Background())
		assert.Equal(t, 25, cfg.Orchestrator.MaxPassIterations)
	})
}
