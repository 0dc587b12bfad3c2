package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"fieldsync/internal/domain/delta"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"
)

// Servicer интерфейс журнала операций
type Servicer interface {
	// Record единственный путь записи в журнал: назначает версию и сохраняет операцию в статусе pending
	Record(ctx context.Context, in RecordInput) (string, error)

	// PendingOperations возвращает до limit неотправленных операций, самые старые первыми
	PendingOperations(ctx context.Context, limit int) ([]delta.Operation, error)

	// LatestPending возвращает последнюю неотправленную операцию по сущности или nil
	LatestPending(ctx context.Context, entityType delta.EntityType, entityID string) (*delta.Operation, error)

	History(ctx context.Context, entityType delta.EntityType, entityID string) ([]delta.Operation, error)
	PendingCount(ctx context.Context) (int, error)
	AssignBatch(ctx context.Context, operationIDs []string, batchID string) error
	MarkSynced(ctx context.Context, operationID string, serverVersion int64) error
	MarkConflicted(ctx context.Context, operationID string) error
}

// RecordInput описание локального изменения
type RecordInput struct {
	EntityType    delta.EntityType
	EntityID      string
	OperationType delta.OperationType
	FieldName     string
	OldValue      json.RawMessage
	NewValue      json.RawMessage
	UserID        string
}

// Service журнал операций поверх Repository
type Service struct {
	repo Repository
	log  *slog.Logger
	now  func() time.Time

	// чтение текущей версии и запись новой выполняются под одной блокировкой
	mu sync.Mutex
}

// NewService создает журнал операций
func NewService(repo Repository, log *slog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With(slog.String("component", "oplog")),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Record сохраняет локальное изменение и возвращает идентификатор операции
func (s *Service) Record(ctx context.Context, in RecordInput) (string, error) {
	if !in.EntityType.Valid() {
		return "", fmt.Errorf("%w: %q", delta.ErrUnknownEntityType, in.EntityType)
	}
	if in.EntityID == "" {
		return "", ErrEmptyEntityID
	}
	if !in.OperationType.Valid() {
		return "", fmt.Errorf("%w: %q", delta.ErrUnknownOperationType, in.OperationType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.repo.GetEntity(ctx, in.EntityType, in.EntityID)
	exists := err == nil
	if err != nil && !errors.Is(err, delta.ErrNotFound) {
		return "", fmt.Errorf("failed to load entity: %w", err)
	}
	if !exists {
		current = &delta.Entity{Type: in.EntityType, ID: in.EntityID}
	}
	live := exists && !current.Deleted

	next := *current
	op := delta.Operation{
		ID:            uuid.NewString(),
		EntityType:    in.EntityType,
		EntityID:      in.EntityID,
		OperationType: in.OperationType,
		FieldName:     in.FieldName,
		OldValue:      in.OldValue,
		NewValue:      in.NewValue,
		UserID:        in.UserID,
		SyncStatus:    delta.StatusPending,
	}

	switch in.OperationType {
	case delta.OpCreate:
		if live {
			return "", fmt.Errorf("%w: %s/%s", ErrEntityExists, in.EntityType, in.EntityID)
		}
		data, err := delta.MergeFields(nil, nil)
		if len(in.NewValue) > 0 {
			data, err = normalizeObject(in.NewValue)
		}
		if err != nil {
			return "", err
		}
		next.Data = data
		next.Deleted = false
		op.FieldName = ""
	case delta.OpUpdate:
		if !live {
			return "", fmt.Errorf("%w: %s/%s", ErrEntityNotFound, in.EntityType, in.EntityID)
		}
		if in.FieldName != "" {
			if op.OldValue == nil {
				op.OldValue = fieldValue(current.Data, in.FieldName)
			}
			data, err := delta.SetField(current.Data, in.FieldName, in.NewValue)
			if err != nil {
				return "", err
			}
			next.Data = data
		} else {
			if len(in.NewValue) == 0 {
				return "", ErrUpdateWithoutData
			}
			data, err := normalizeObject(in.NewValue)
			if err != nil {
				return "", err
			}
			if op.OldValue == nil {
				op.OldValue = current.Data
			}
			next.Data = data
		}
	case delta.OpDelete:
		if !live {
			return "", fmt.Errorf("%w: %s/%s", ErrEntityNotFound, in.EntityType, in.EntityID)
		}
		if op.OldValue == nil {
			op.OldValue = current.Data
		}
		op.FieldName = ""
		op.NewValue = nil
		next.Data = nil
		next.Deleted = true
	}

	now := s.now()
	version := NextVersion(current.RowVersion, exists)
	op.RowVersion = version
	op.Timestamp = now

	next.RowVersion = version
	next.ETag = NewETag(in.EntityID, version, now)
	next.SyncStatus = delta.StatusPending
	next.UpdatedAt = now

	if err := s.repo.AppendOperation(ctx, op, next); err != nil {
		return "", fmt.Errorf("failed to append operation: %w", err)
	}

	s.log.Debug("operation recorded",
		slog.String("id", op.ID),
		slog.String("entity", string(in.EntityType)+"/"+in.EntityID),
		slog.String("type", string(in.OperationType)),
		slog.Int64("version", version),
	)

	return op.ID, nil
}

// PendingOperations возвращает неотправленные операции по возрастанию времени
func (s *Service) PendingOperations(ctx context.Context, limit int) ([]delta.Operation, error) {
	if limit <= 0 {
		return []delta.Operation{}, nil
	}
	ops, err := s.repo.PendingOperations(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending operations: %w", err)
	}
	return ops, nil
}

// LatestPending возвращает последнюю неотправленную операцию по сущности
func (s *Service) LatestPending(ctx context.Context, entityType delta.EntityType, entityID string) (*delta.Operation, error) {
	op, err := s.repo.LatestPendingOperation(ctx, entityType, entityID)
	if errors.Is(err, delta.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest pending operation: %w", err)
	}
	return op, nil
}

// History возвращает все операции по сущности в порядке версий
func (s *Service) History(ctx context.Context, entityType delta.EntityType, entityID string) ([]delta.Operation, error) {
	return s.repo.OperationsForEntity(ctx, entityType, entityID)
}

func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.repo.CountPending(ctx)
}

func (s *Service) AssignBatch(ctx context.Context, operationIDs []string, batchID string) error {
	if len(operationIDs) == 0 {
		return nil
	}
	return s.repo.AssignBatch(ctx, operationIDs, batchID)
}

// MarkSynced отмечает операцию как принятую сервером
func (s *Service) MarkSynced(ctx context.Context, operationID string, serverVersion int64) error {
	return s.repo.MarkOperationSynced(ctx, operationID, serverVersion, s.now())
}

// MarkConflicted отмечает операцию как вытесненную при разрешении конфликта.
// Сущность без других неотправленных операций становится synced
func (s *Service) MarkConflicted(ctx context.Context, operationID string) error {
	return s.repo.MarkOperationConflicted(ctx, operationID, s.now())
}

func normalizeObject(v json.RawMessage) (json.RawMessage, error) {
	fields, err := delta.Fields(v)
	if err != nil {
		return nil, err
	}
	return delta.MergeFields(nil, fields)
}

func fieldValue(data json.RawMessage, name string) json.RawMessage {
	fields, err := delta.Fields(data)
	if err != nil {
		return nil
	}
	return fields[name]
}
