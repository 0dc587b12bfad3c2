package logger

import (
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"golang.org/x/exp/slog"
)

const RequestIDHeader = "X-Request-ID"

// Logger middleware для журналирования запросов синхронизации
type Logger struct {
	log *slog.Logger
	now func() time.Time
}

func New(log *slog.Logger) *Logger {
	return &Logger{
		log: log.With(slog.String("component", "http_logger")),
		now: time.Now,
	}
}

// Middleware пишет метод, путь, статус и длительность. 4xx логируются как warn, 5xx как error
func (l *Logger) Middleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		start := l.now()

		requestID := ctx.Header(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx.SetHeader(RequestIDHeader, requestID)

		next(ctx)

		status := ctx.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		l.log.LogAttrs(ctx.Context(), level, "HTTP request",
			slog.String("request_id", requestID),
			slog.String("method", ctx.Method()),
			slog.String("path", ctx.URL().Path),
			slog.Int("status", status),
			slog.Duration("duration", l.now().Sub(start)),
			slog.String("remote_addr", ctx.RemoteAddr()),
			slog.String("device_id", ctx.Header("X-Device-ID")),
		)
	}
}
