package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/domain/delta"
	"fieldsync/internal/domain/oplog"

	"golang.org/x/exp/slog"
)

// Applier единственная точка, через которую синхронизация меняет строки сущностей
type Applier struct {
	store EntityStore
	log   *slog.Logger
	now   func() time.Time
}

func NewApplier(store EntityStore, log *slog.Logger) *Applier {
	return &Applier{
		store: store,
		log:   log.With(slog.String("component", "applier")),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (a *Applier) GetEntity(ctx context.Context, entityType delta.EntityType, entityID string) (*delta.Entity, error) {
	return a.store.GetEntity(ctx, entityType, entityID)
}

// ApplyRemote применяет удаленную операцию к локальной сущности
func (a *Applier) ApplyRemote(ctx context.Context, op delta.Operation) error {
	current, err := a.load(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return err
	}

	next := delta.Entity{Type: op.EntityType, ID: op.EntityID}
	if current != nil {
		next = *current
	}

	switch op.OperationType {
	case delta.OpCreate:
		if len(op.NewValue) == 0 {
			a.log.Debug("создание без значения пропущено", slog.String("operation_id", op.ID))
			return nil
		}
		fields, err := delta.Fields(op.NewValue)
		if err != nil {
			return err
		}
		data, err := delta.MergeFields(nil, fields)
		if err != nil {
			return err
		}
		next.Data = data
		next.Deleted = false

	case delta.OpUpdate:
		base := next.Data
		if next.Deleted {
			base = nil
		}
		var data json.RawMessage
		switch {
		case op.FieldName != "":
			data, err = delta.SetField(base, op.FieldName, op.NewValue)
		case len(op.NewValue) == 0:
			return delta.ErrMissingValue
		default:
			var fields map[string]json.RawMessage
			if fields, err = delta.Fields(op.NewValue); err == nil {
				data, err = delta.MergeFields(nil, fields)
			}
		}
		if err != nil {
			return err
		}
		next.Data = data
		next.Deleted = false

	case delta.OpDelete:
		next.Data = nil
		next.Deleted = true

	default:
		return fmt.Errorf("%w: %q", delta.ErrUnknownOperationType, op.OperationType)
	}

	return a.save(ctx, current, next, op.RowVersion)
}

// MergeFields накладывает объединенное значение на сущность (результат слияния конфликта)
func (a *Applier) MergeFields(ctx context.Context, entityType delta.EntityType, entityID string, value json.RawMessage, version int64) error {
	fields, err := delta.Fields(value)
	if err != nil {
		return err
	}

	current, err := a.load(ctx, entityType, entityID)
	if err != nil {
		return err
	}

	next := delta.Entity{Type: entityType, ID: entityID}
	var base json.RawMessage
	if current != nil {
		next = *current
		if !current.Deleted {
			base = current.Data
		}
	}

	data, err := delta.MergeFields(base, fields)
	if err != nil {
		return err
	}
	next.Data = data
	next.Deleted = false

	return a.save(ctx, current, next, version)
}

func (a *Applier) load(ctx context.Context, entityType delta.EntityType, entityID string) (*delta.Entity, error) {
	current, err := a.store.GetEntity(ctx, entityType, entityID)
	if errors.Is(err, delta.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return current, nil
}

func (a *Applier) save(ctx context.Context, current *delta.Entity, next delta.Entity, remoteVersion int64) error {
	now := a.now()

	version := remoteVersion
	status := delta.StatusSynced
	if current != nil {
		version = max(version, current.RowVersion)
		// локальные изменения, еще не отправленные на сервер, остаются ожидающими
		if current.SyncStatus == delta.StatusPending {
			status = delta.StatusPending
		}
	}
	if version < 1 {
		version = 1
	}

	next.RowVersion = version
	next.ETag = oplog.NewETag(next.ID, version, now)
	next.SyncStatus = status
	next.LastSyncAt = &now
	next.UpdatedAt = now

	if err := a.store.PutEntity(ctx, next); err != nil {
		return fmt.Errorf("apply to %s/%s: %w", next.Type, next.ID, err)
	}
	return nil
}
