package queue

import (
	"context"
	"time"
)

// Repository хранилище очереди
type Repository interface {
	InsertItem(ctx context.Context, item Item) error
	GetItem(ctx context.Context, id string) (*Item, error)
	UpdateItem(ctx context.Context, item Item) error

	// DueItems возвращает pending элементы с scheduledAt <= now: сначала больший приоритет, затем более старые
	DueItems(ctx context.Context, now time.Time, limit int) ([]Item, error)

	DeleteCompletedItems(ctx context.Context) (int64, error)
	DeleteFailedItemsBefore(ctx context.Context, before time.Time) (int64, error)
	CountItemsByStatus(ctx context.Context) (Stats, error)

	// ReleaseProcessingItems переводит все processing элементы в pending
	ReleaseProcessingItems(ctx context.Context) (int64, error)
}
