package oplog

import (
	"context"
	"time"

	"fieldsync/internal/domain/delta"
)

// Repository хранилище журнала операций и метаданных сущностей
type Repository interface {
	// GetEntity возвращает сущность вместе с надгробиями удаленных; delta.ErrNotFound если ее нет
	GetEntity(ctx context.Context, entityType delta.EntityType, entityID string) (*delta.Entity, error)

	// AppendOperation атомарно добавляет операцию и сохраняет новое состояние сущности
	AppendOperation(ctx context.Context, op delta.Operation, entity delta.Entity) error

	PendingOperations(ctx context.Context, limit int) ([]delta.Operation, error)
	LatestPendingOperation(ctx context.Context, entityType delta.EntityType, entityID string) (*delta.Operation, error)
	OperationsForEntity(ctx context.Context, entityType delta.EntityType, entityID string) ([]delta.Operation, error)
	CountPending(ctx context.Context) (int, error)

	AssignBatch(ctx context.Context, operationIDs []string, batchID string) error
	MarkOperationSynced(ctx context.Context, operationID string, serverVersion int64, at time.Time) error
	MarkOperationConflicted(ctx context.Context, operationID string, at time.Time) error
}
