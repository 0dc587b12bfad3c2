package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"
)

// Handler выполняет работу элемента. false или ошибка означают неудачную попытку
type Handler func(ctx context.Context, item Item) (bool, error)

// Config параметры очереди
type Config struct {
	RetryDelay  time.Duration
	MaxAttempts int
}

// DefaultConfig параметры очереди по умолчанию
func DefaultConfig() Config {
	return Config{
		RetryDelay:  time.Second,
		MaxAttempts: 5,
	}
}

// Manager приоритетная очередь с повторными попытками и экспоненциальной задержкой
type Manager struct {
	repo Repository
	log  *slog.Logger
	cfg  Config
	now  func() time.Time

	processing atomic.Bool
}

// NewManager создает менеджер очереди
func NewManager(repo Repository, log *slog.Logger, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Manager{
		repo: repo,
		log:  log.With(slog.String("component", "queue")),
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// EnqueueOption настройка нового элемента
type EnqueueOption func(*Item)

// WithPriority задает приоритет, по умолчанию 1
func WithPriority(p int) EnqueueOption {
	return func(i *Item) { i.Priority = p }
}

// WithMaxAttempts задает предельное число попыток для элемента
func WithMaxAttempts(n int) EnqueueOption {
	return func(i *Item) {
		if n > 0 {
			i.MaxAttempts = n
		}
	}
}

// Enqueue добавляет элемент в статусе pending с attempts=0 и scheduledAt=now
func (m *Manager) Enqueue(ctx context.Context, typ, entityID, action string, data json.RawMessage, opts ...EnqueueOption) (string, error) {
	if typ == "" {
		return "", ErrEmptyType
	}
	now := m.now()
	item := Item{
		ID:          uuid.NewString(),
		Type:        typ,
		EntityID:    entityID,
		Action:      action,
		Data:        data,
		Priority:    1,
		MaxAttempts: m.cfg.MaxAttempts,
		CreatedAt:   now,
		ScheduledAt: now,
		Status:      StatusPending,
	}
	for _, opt := range opts {
		opt(&item)
	}

	if err := m.repo.InsertItem(ctx, item); err != nil {
		return "", fmt.Errorf("failed to enqueue item: %w", err)
	}

	m.log.Debug("item enqueued",
		slog.String("id", item.ID),
		slog.String("type", typ),
		slog.String("action", action),
		slog.Int("priority", item.Priority),
	)
	return item.ID, nil
}

// DueItems возвращает элементы, готовые к выполнению. limit <= 0 без ограничения
func (m *Manager) DueItems(ctx context.Context, limit int) ([]Item, error) {
	if limit < 0 {
		limit = 0
	}
	items, err := m.repo.DueItems(ctx, m.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get due items: %w", err)
	}
	return items, nil
}

// ProcessBatch последовательно выполняет готовые элементы. Повторный вызов во время прохода
// завершается ErrAlreadyProcessing
func (m *Manager) ProcessBatch(ctx context.Context, handler Handler, opts ProcessOptions) (*ProcessResult, error) {
	if !m.processing.CompareAndSwap(false, true) {
		return nil, ErrAlreadyProcessing
	}
	defer m.processing.Store(false)

	items, err := m.DueItems(ctx, opts.Limit)
	if err != nil {
		return nil, err
	}

	result := &ProcessResult{}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		now := m.now()
		item.Status = StatusProcessing
		item.LastAttemptAt = &now
		if err := m.repo.UpdateItem(ctx, item); err != nil {
			return result, fmt.Errorf("failed to mark item %s processing: %w", item.ID, err)
		}
		result.Processed++

		ok, herr := handler(ctx, item)
		// результат попытки сохраняется и после отмены ctx
		wctx := context.WithoutCancel(ctx)
		if herr == nil && ok {
			item.Status = StatusCompleted
			item.ErrorMessage = ""
			if err := m.repo.UpdateItem(wctx, item); err != nil {
				return result, fmt.Errorf("failed to complete item %s: %w", item.ID, err)
			}
			result.Completed++
			continue
		}

		if cerr := ctx.Err(); cerr != nil {
			// прерванная попытка не расходует лимит
			item.Status = StatusPending
			if err := m.repo.UpdateItem(wctx, item); err != nil {
				return result, fmt.Errorf("failed to release item %s: %w", item.ID, err)
			}
			m.log.Info("queue item released after cancellation", slog.String("id", item.ID))
			return result, cerr
		}

		msg := "handler reported failure"
		if herr != nil {
			msg = herr.Error()
		}
		m.log.Warn("queue item failed",
			slog.String("id", item.ID),
			slog.String("type", item.Type),
			slog.Int("attempt", item.Attempts+1),
			slog.String("error", msg),
		)

		canRetry, err := m.incrementAttempts(wctx, item, msg)
		if err != nil {
			return result, err
		}
		if canRetry {
			result.Retried++
		} else {
			result.Failed++
		}
	}

	return result, nil
}

// Recover возвращает в pending элементы, оставшиеся в processing после аварийной остановки
func (m *Manager) Recover(ctx context.Context) (int64, error) {
	n, err := m.repo.ReleaseProcessingItems(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to release processing items: %w", err)
	}
	if n > 0 {
		m.log.Warn("stale processing items requeued", slog.Int64("count", n))
	}
	return n, nil
}

// IncrementAttempts учитывает неудачную попытку. Возвращает false, если элемент окончательно failed
func (m *Manager) IncrementAttempts(ctx context.Context, id string, errMsg string) (bool, error) {
	item, err := m.repo.GetItem(ctx, id)
	if err != nil {
		return false, err
	}
	return m.incrementAttempts(ctx, *item, errMsg)
}

func (m *Manager) incrementAttempts(ctx context.Context, item Item, errMsg string) (bool, error) {
	item.ErrorMessage = errMsg

	if item.Attempts+1 >= item.MaxAttempts {
		item.Attempts++
		item.Status = StatusFailed
		if err := m.repo.UpdateItem(ctx, item); err != nil {
			return false, fmt.Errorf("failed to mark item %s failed: %w", item.ID, err)
		}
		return false, nil
	}

	item.ScheduledAt = m.now().Add(Backoff(m.cfg.RetryDelay, item.Attempts))
	item.Attempts++
	item.Status = StatusPending
	if err := m.repo.UpdateItem(ctx, item); err != nil {
		return false, fmt.Errorf("failed to reschedule item %s: %w", item.ID, err)
	}
	return true, nil
}

// MaxBackoff верхняя граница задержки между попытками
const MaxBackoff = 24 * time.Hour

// Backoff задержка retryDelay * 2^attempts без случайной составляющей, не больше MaxBackoff
func Backoff(retryDelay time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		attempts = 30
	}
	if retryDelay <= 0 {
		return 0
	}
	if retryDelay >= MaxBackoff || retryDelay > time.Duration(math.MaxInt64>>uint(attempts)) {
		return MaxBackoff
	}
	if d := retryDelay * time.Duration(1<<uint(attempts)); d < MaxBackoff {
		return d
	}
	return MaxBackoff
}

// Cancel отменяет элемент, ожидающий выполнения
func (m *Manager) Cancel(ctx context.Context, id string) error {
	item, err := m.repo.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != StatusPending {
		return fmt.Errorf("%w: item %s is %s", ErrNotCancellable, id, item.Status)
	}
	item.Status = StatusCancelled
	return m.repo.UpdateItem(ctx, *item)
}

// Get возвращает элемент по идентификатору
func (m *Manager) Get(ctx context.Context, id string) (*Item, error) {
	return m.repo.GetItem(ctx, id)
}

// CleanupCompleted удаляет выполненные элементы
func (m *Manager) CleanupCompleted(ctx context.Context) (int64, error) {
	n, err := m.repo.DeleteCompletedItems(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup completed items: %w", err)
	}
	return n, nil
}

// CleanupFailed удаляет failed элементы старше olderThanDays дней, более свежие остаются для разбора
func (m *Manager) CleanupFailed(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, errors.New("retention must not be negative")
	}
	before := m.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	n, err := m.repo.DeleteFailedItemsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup failed items: %w", err)
	}
	return n, nil
}

// Stats количество элементов по статусам
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	return m.repo.CountItemsByStatus(ctx)
}

// IsProcessing сообщает, идет ли сейчас проход обработки
func (m *Manager) IsProcessing() bool {
	return m.processing.Load()
}
