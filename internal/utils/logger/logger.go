package logger

import (
	"os"

	"fieldsync/internal/app/server/config"

	"golang.org/x/exp/slog"
)

// New создает логгер для окружения: local: цветной вывод; dev: JSON с debug; prod: JSON с info
func New(env string) *slog.Logger {
	switch env {
	case config.EnvLocal:
		return setupPrettySlog()
	case config.EnvDev:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case config.EnvProd:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
}

// WithLevel создает логгер окружения с явным уровнем из LOG_LEVEL
func WithLevel(env, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil || level == "" {
		return New(env)
	}
	if env == config.EnvLocal {
		return slog.New(newPrettyHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func setupPrettySlog() *slog.Logger {
	return slog.New(newPrettyHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
