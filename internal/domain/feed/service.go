package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fieldsync/internal/domain/delta"

	"golang.org/x/exp/slog"
)

const (
	defaultPullSize = 50
	maxPullSize     = 500
)

// Servicer интерфейс серверной ленты изменений
type Servicer interface {
	// Push принимает пакет операций устройства и возвращает результат по каждой операции
	Push(ctx context.Context, deviceID string, req delta.PushRequest) (*delta.PushResponse, error)

	// Pull возвращает операции других устройств после токена продолжения
	Pull(ctx context.Context, deviceID string, req delta.PullRequest) (*delta.PullResponse, error)
}

// Service реализация ленты изменений
type Service struct {
	repo     Repository
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time

	// проверка конфликта и добавление выполняются атомарно
	mu sync.Mutex
}

// NewService создает сервис ленты изменений. notifier может быть nil
func NewService(repo Repository, notifier Notifier, log *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		notifier: notifier,
		log:      log.With(slog.String("component", "feed_service")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Push применяет операции к ленте по порядку
func (s *Service) Push(ctx context.Context, deviceID string, req delta.PushRequest) (*delta.PushResponse, error) {
	if deviceID == "" {
		return nil, ErrMissingDevice
	}
	token, err := ParseToken(req.LastSyncToken)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &delta.PushResponse{Results: make([]delta.OperationResult, 0, len(req.Operations))}
	appended := 0

	for _, op := range req.Operations {
		result, added, err := s.pushOne(ctx, deviceID, token, op)
		if err != nil {
			return nil, err
		}
		if added {
			appended++
		}
		resp.Results = append(resp.Results, result)
	}

	s.log.Info("push processed",
		slog.String("batch_id", req.BatchID),
		slog.String("device_id", deviceID),
		slog.Int("operations", len(req.Operations)),
		slog.Int("appended", appended),
	)

	if appended > 0 && s.notifier != nil {
		s.notifier.Notify(delta.Notification{Type: delta.NotificationChanges, Timestamp: s.now().Unix()})
	}

	return resp, nil
}

func (s *Service) pushOne(ctx context.Context, deviceID string, token int64, op delta.Operation) (delta.OperationResult, bool, error) {
	result := delta.OperationResult{OperationID: op.ID}

	if err := validateOperation(op); err != nil {
		result.Error = err.Error()
		return result, false, nil
	}

	existing, err := s.repo.FindOperation(ctx, op.ID)
	switch {
	case err == nil:
		result.Success = true
		result.ServerVersion = existing.Operation.ServerVersion
		return result, false, nil
	case !errors.Is(err, ErrEntryNotFound):
		return result, false, fmt.Errorf("failed to find operation %s: %w", op.ID, err)
	}

	latest, err := s.repo.LatestForEntity(ctx, op.EntityType, op.EntityID)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return result, false, fmt.Errorf("failed to load latest operation for %s/%s: %w", op.EntityType, op.EntityID, err)
	}
	if err != nil {
		latest = nil
	}

	if latest != nil && latest.DeviceID != deviceID && latest.Seq > token {
		remote := latest.Operation.Clone()
		result.Conflict = true
		result.ConflictingOperation = &remote
		s.log.Debug("push conflict",
			slog.String("operation_id", op.ID),
			slog.String("conflicting_id", remote.ID),
		)
		return result, false, nil
	}

	version := op.RowVersion
	if version < 1 {
		version = 1
	}
	if latest != nil && latest.Operation.RowVersion+1 > version {
		version = latest.Operation.RowVersion + 1
	}

	stored := op.Clone()
	stored.RowVersion = version
	stored.ServerVersion = version
	stored.SyncStatus = delta.StatusSynced
	stored.BatchID = ""
	if stored.DeviceID == "" {
		stored.DeviceID = deviceID
	}

	entry := &Entry{Operation: stored, DeviceID: deviceID, ReceivedAt: s.now()}
	if _, err := s.repo.Append(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateOperation) {
			result.Success = true
			result.ServerVersion = version
			return result, false, nil
		}
		return result, false, fmt.Errorf("failed to append operation %s: %w", op.ID, err)
	}

	result.Success = true
	result.ServerVersion = version
	return result, true, nil
}

// Pull возвращает не более BatchSize записей после токена, пропуская операции самого устройства.
// Следующий токен указывает на последнюю просмотренную запись
func (s *Service) Pull(ctx context.Context, deviceID string, req delta.PullRequest) (*delta.PullResponse, error) {
	if deviceID == "" {
		return nil, ErrMissingDevice
	}
	after, err := ParseToken(req.LastSyncToken)
	if err != nil {
		return nil, err
	}

	limit := req.BatchSize
	if limit <= 0 {
		limit = defaultPullSize
	}
	if limit > maxPullSize {
		limit = maxPullSize
	}

	entries, err := s.repo.ListSince(ctx, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list feed: %w", err)
	}

	resp := &delta.PullResponse{Operations: make([]delta.Operation, 0, len(entries))}
	next := after
	for _, e := range entries {
		if e.Seq > next {
			next = e.Seq
		}
		if e.DeviceID == deviceID {
			continue
		}
		resp.Operations = append(resp.Operations, e.Operation)
	}
	resp.NextSyncToken = FormatToken(next)

	s.log.Debug("pull processed",
		slog.String("batch_id", req.BatchID),
		slog.String("device_id", deviceID),
		slog.Int("scanned", len(entries)),
		slog.Int("operations", len(resp.Operations)),
		slog.String("next_token", resp.NextSyncToken),
	)

	return resp, nil
}

func validateOperation(op delta.Operation) error {
	if op.ID == "" {
		return errors.New("operation id is required")
	}
	if op.EntityID == "" {
		return errors.New("entity id is required")
	}
	if !op.EntityType.Valid() {
		return fmt.Errorf("%w: %q", delta.ErrUnknownEntityType, op.EntityType)
	}
	if !op.OperationType.Valid() {
		return fmt.Errorf("%w: %q", delta.ErrUnknownOperationType, op.OperationType)
	}
	return nil
}
