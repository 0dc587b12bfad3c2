package client

import (
	"context"
	"math/rand/v2"
	"time"

	"fieldsync/internal/domain/delta"

	"golang.org/x/exp/slog"
)

type attemptKey struct{}

func withAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// attemptFrom номер текущей повторной попытки, 0 для первой
func attemptFrom(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

// Retrier повторяет пакетную операцию с экспоненциальной задержкой и джиттером
type Retrier struct {
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	log          *slog.Logger
	sleep        func(ctx context.Context, d time.Duration) error
	jitter       func(limit time.Duration) time.Duration
}

func NewRetrier(policy delta.Policy, log *slog.Logger) *Retrier {
	return &Retrier{
		maxRetries:   policy.MaxRetries,
		initialDelay: policy.RetryDelay,
		maxDelay:     policy.MaxRetryDelay,
		multiplier:   policy.BackoffMultiplier,
		log:          log.With(slog.String("component", "retrier")),
		sleep:        sleepContext,
		jitter:       randomJitter,
	}
}

// Retry выполняет fn до maxRetries раз. После исчерпания попыток возвращается последняя ошибка
func Retry[T any](ctx context.Context, r *Retrier, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(r.maxRetries, 1)
	delay := r.initialDelay

	var (
		result T
		err    error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		result, err = fn(withAttempt(ctx, attempt))
		if err == nil {
			return result, nil
		}
		if attempt == attempts-1 {
			break
		}

		delay = r.next(delay)
		r.log.Warn("операция синхронизации не удалась, повтор",
			slog.String("operation", name),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		if serr := r.sleep(ctx, delay); serr != nil {
			return result, serr
		}
	}

	return result, err
}

// next задержка: min(delay*multiplier + jitter, maxDelay), где jitter не больше 10% от delay
func (r *Retrier) next(delay time.Duration) time.Duration {
	d := time.Duration(float64(delay)*r.multiplier) + r.jitter(delay/10)
	if r.maxDelay > 0 && d > r.maxDelay {
		d = r.maxDelay
	}
	return d
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit + 1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
