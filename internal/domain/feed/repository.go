package feed

import (
	"context"

	"fieldsync/internal/domain/delta"
)

// Repository хранилище ленты изменений
type Repository interface {
	// FindOperation возвращает запись по идентификатору операции или ErrEntryNotFound
	FindOperation(ctx context.Context, operationID string) (*Entry, error)

	// LatestForEntity возвращает последнюю запись по сущности или ErrEntryNotFound
	LatestForEntity(ctx context.Context, entityType delta.EntityType, entityID string) (*Entry, error)

	// Append сохраняет запись и возвращает присвоенный порядковый номер.
	// Повторная операция с тем же идентификатором дает ErrDuplicateOperation
	Append(ctx context.Context, entry *Entry) (int64, error)

	// ListSince возвращает записи с номером больше afterSeq в порядке возрастания
	ListSince(ctx context.Context, afterSeq int64, limit int) ([]Entry, error)
}

// Notifier получает уведомление после добавления новых операций
type Notifier interface {
	Notify(n delta.Notification)
}
