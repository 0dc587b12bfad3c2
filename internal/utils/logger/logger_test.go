package logger

import (
	"bytes"
	"context"
	"testing"

	"fieldsync/internal/app/server/config"

	"golang.org/x/exp/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		env            string
		expectedLevel  slog.Level
		expectedPretty bool
	}{
		{
			name:           "local environment",
			env:            config.EnvLocal,
			expectedLevel:  slog.LevelDebug,
			expectedPretty: true,
		},
		{
			name:           "dev environment",
			env:            config.EnvDev,
			expectedLevel:  slog.LevelDebug,
			expectedPretty: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.env)
			require.NotNil(t, logger)
			ctx := context.Background()
			assert.Equal(t, tt.expectedLevel <= 0, logger.Enabled(ctx, slog.LevelDebug))
			assert.Equal(t, tt.expectedLevel <= slog.LevelInfo, logger.Enabled(ctx, slog.LevelInfo))
		})
	}
}

func TestSetupPrettySlog(t *testing.T) {
	logger := setupPrettySlog()
	require.NotNil(t, logger)

	ctx := context.Background()
	assert.True(t, logger.Enabled(ctx, slog.LevelDebug))
}

func TestNewLoggerLevels(t *testing.T) {
	ctx := context.Background()

	// Prod - только INFO и выше
	prodLogger := New(config.EnvProd)
	assert.False(t, prodLogger.Enabled(ctx, slog.LevelDebug))
	assert.True(t, prodLogger.Enabled(ctx, slog.LevelInfo))

	// Dev - DEBUG и выше
	devLogger := New(config.EnvDev)
	assert.True(t, devLogger.Enabled(ctx, slog.LevelDebug))
	assert.True(t, devLogger.Enabled(ctx, slog.LevelInfo))

	// Неизвестное окружение ведет себя как prod
	otherLogger := New("staging")
	assert.False(t, otherLogger.Enabled(ctx, slog.LevelDebug))

	// Local - DEBUG (pretty)
	localLogger := New(config.EnvLocal)
	assert.True(t, localLogger.Enabled(ctx, slog.LevelDebug))
}

func TestWithLevel(t *testing.T) {
	ctx := context.Background()

	warn := WithLevel(config.EnvProd, "warn")
	assert.False(t, warn.Enabled(ctx, slog.LevelInfo))
	assert.True(t, warn.Enabled(ctx, slog.LevelWarn))

	// Некорректный уровень игнорируется
	fallback := WithLevel(config.EnvDev, "loud")
	assert.True(t, fallback.Enabled(ctx, slog.LevelDebug))
}

func TestPrettyHandler_Handle(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	log.With(slog.String("component", "sync")).Info("batch completed", slog.Int("operations", 3))

	out := buf.String()
	assert.Contains(t, out, "batch completed")
	assert.Contains(t, out, `"component": "sync"`)
	assert.Contains(t, out, `"operations": 3`)
}
