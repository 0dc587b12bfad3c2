package client

import (
	"context"

	"fieldsync/internal/domain/conflict"
	"fieldsync/internal/domain/delta"
	"fieldsync/internal/domain/oplog"
	"fieldsync/internal/domain/queue"
)

const syncTokenKey = "sync_token"

// EntityStore строки сущностей локального хранилища
type EntityStore interface {
	GetEntity(ctx context.Context, entityType delta.EntityType, entityID string) (*delta.Entity, error)
	PutEntity(ctx context.Context, e delta.Entity) error
	ListEntities(ctx context.Context, entityType delta.EntityType) ([]delta.Entity, error)
}

// BatchStore журнал пакетов синхронизации
type BatchStore interface {
	SaveBatch(ctx context.Context, b delta.Batch) error
	GetBatch(ctx context.Context, id string) (*delta.Batch, error)
	ListBatches(ctx context.Context, limit int) ([]delta.Batch, error)
}

// TokenStore хранит токен продолжения. Пустая строка означает, что pull еще не выполнялся
type TokenStore interface {
	SyncToken(ctx context.Context) (string, error)
	SetSyncToken(ctx context.Context, token string) error
}

// Storage локальное хранилище клиента
type Storage interface {
	oplog.Repository
	conflict.Repository
	queue.Repository
	EntityStore
	BatchStore
	TokenStore
	Close() error
}
