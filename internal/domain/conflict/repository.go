package conflict

import (
	"context"
	"encoding/json"
	"time"

	"fieldsync/internal/domain/delta"
	"fieldsync/internal/domain/oplog"
)

// Repository хранилище конфликтов, включая ожидающие ручного решения
type Repository interface {
	SaveConflict(ctx context.Context, c delta.Conflict) error
	GetConflict(ctx context.Context, id string) (*delta.Conflict, error)
	ListConflicts(ctx context.Context, unresolvedOnly bool) ([]delta.Conflict, error)
	ResolveConflict(ctx context.Context, id string, value json.RawMessage, at time.Time, by string) error
}

// LocalStore локальные данные сущностей
type LocalStore interface {
	GetEntity(ctx context.Context, entityType delta.EntityType, entityID string) (*delta.Entity, error)
	ApplyRemote(ctx context.Context, op delta.Operation) error
}

// OperationLog часть журнала операций, нужная при разрешении
type OperationLog interface {
	Record(ctx context.Context, in oplog.RecordInput) (string, error)
	MarkConflicted(ctx context.Context, operationID string) error
}
