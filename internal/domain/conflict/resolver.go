package conflict

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

const systemActor = "system"

// Outcome результат разрешения конфликта
type Outcome struct {
	Conflict delta.Conflict

	// RemoteApplied удаленная операция уже применена к локальному хранилищу
	RemoteApplied bool

	// MergePending вызывающая сторона должна применить поля ResolvedValue к сущности
	MergePending bool
}

// Resolver реализует четыре стратегии разрешения конфликтов
type Resolver struct {
	repo     Repository
	store    LocalStore
	oplog    OperationLog
	log      *slog.Logger
	now      func() time.Time
	enableOT bool
}

// NewResolver создает Resolver. Если enableOT выключен, operational_transform ведет себя как last_write_wins
func NewResolver(repo Repository, store LocalStore, ops OperationLog, log *slog.Logger, enableOT bool) *Resolver {
	return &Resolver{
		repo:     repo,
		store:    store,
		oplog:    ops,
		log:      log.With(slog.String("component", "conflict_resolver")),
		now:      func() time.Time { return time.Now().UTC() },
		enableOT: enableOT,
	}
}

// Resolve разрешает пару операций выбранной стратегией и сохраняет конфликт
func (r *Resolver) Resolve(ctx context.Context, local, remote delta.Operation, strategy delta.Strategy) (*Outcome, error) {
	out := &Outcome{Conflict: delta.NewConflict(local, remote, strategy, r.now())}

	var err error
	switch strategy {
	case delta.LastWriteWins:
		err = r.lastWriteWins(ctx, out)
	case delta.OperationalTransform:
		err = r.operationalTransform(ctx, out)
	case delta.FieldLevelMerge:
		err = r.fieldLevelMerge(ctx, out)
	case delta.ManualResolution:
		// решение примет человек через CompleteManual
	default:
		return nil, fmt.Errorf("%w: %q", delta.ErrUnknownStrategy, strategy)
	}
	if err != nil {
		return nil, err
	}

	if strategy != delta.ManualResolution {
		at := r.now()
		out.Conflict.ResolvedAt = &at
		out.Conflict.ResolvedBy = systemActor
	}

	if err := r.repo.SaveConflict(ctx, out.Conflict); err != nil {
		return nil, fmt.Errorf("failed to save conflict: %w", err)
	}

	r.log.Info("conflict resolved",
		slog.String("id", out.Conflict.ID),
		slog.String("entity", string(remote.EntityType)+"/"+remote.EntityID),
		slog.String("strategy", string(strategy)),
		slog.Bool("remote_applied", out.RemoteApplied),
		slog.Bool("pending_review", !out.Conflict.IsResolved()),
	)

	return out, nil
}

// RemoteWins сравнивает операции по времени. При равном времени побеждает большая версия,
// затем лексикографически больший идентификатор, поэтому результат не зависит от сторон
func RemoteWins(local, remote delta.Operation) bool {
	if !remote.Timestamp.Equal(local.Timestamp) {
		return remote.Timestamp.After(local.Timestamp)
	}
	if remote.RowVersion != local.RowVersion {
		return remote.RowVersion > local.RowVersion
	}
	return remote.ID > local.ID
}

func (r *Resolver) lastWriteWins(ctx context.Context, out *Outcome) error {
	local, remote := out.Conflict.LocalOperation, out.Conflict.RemoteOperation

	if !RemoteWins(local, remote) {
		// локальная операция остается pending и уйдет на сервер при следующем push
		out.Conflict.ResolvedValue = valueOf(local)
		return nil
	}

	if err := r.store.ApplyRemote(ctx, remote); err != nil {
		return fmt.Errorf("failed to apply remote operation %s: %w", remote.ID, err)
	}
	if err := r.oplog.MarkConflicted(ctx, local.ID); err != nil {
		return fmt.Errorf("failed to mark operation %s conflicted: %w", local.ID, err)
	}
	out.RemoteApplied = true
	out.Conflict.ResolvedValue = valueOf(remote)
	return nil
}

func (r *Resolver) operationalTransform(ctx context.Context, out *Outcome) error {
	local, remote := out.Conflict.LocalOperation, out.Conflict.RemoteOperation

	if !r.enableOT || !local.IsFieldUpdate() || !remote.IsFieldUpdate() || local.FieldName == remote.FieldName {
		return r.lastWriteWins(ctx, out)
	}

	merged, err := delta.MergeFields(nil, map[string]json.RawMessage{
		local.FieldName:  local.NewValue,
		remote.FieldName: remote.NewValue,
	})
	if err != nil {
		return fmt.Errorf("failed to merge fields: %w", err)
	}
	out.Conflict.ResolvedValue = merged
	out.MergePending = true
	return nil
}

func (r *Resolver) fieldLevelMerge(ctx context.Context, out *Outcome) error {
	local, remote := out.Conflict.LocalOperation, out.Conflict.RemoteOperation

	snapshot, err := r.store.GetEntity(ctx, remote.EntityType, remote.EntityID)
	if err != nil && !errors.Is(err, delta.ErrNotFound) {
		return fmt.Errorf("failed to load entity snapshot: %w", err)
	}
	if err != nil || snapshot.Deleted {
		out.Conflict.ResolvedValue = remote.Clone().NewValue
		return nil
	}

	localFields, err := delta.Assignments(local)
	if err != nil {
		return fmt.Errorf("local operation %s: %w", local.ID, err)
	}
	remoteFields, err := delta.Assignments(remote)
	if err != nil {
		return fmt.Errorf("remote operation %s: %w", remote.ID, err)
	}

	merged, err := delta.MergeFields(snapshot.Data, localFields)
	if err != nil {
		return err
	}
	merged, err = delta.MergeFields(merged, remoteFields)
	if err != nil {
		return err
	}

	out.Conflict.ResolvedValue = merged
	out.MergePending = true
	return nil
}

// CompleteManual принимает решение человека по конфликту, ожидающему проверки.
// Значение записывается в журнал новой локальной операцией.
func (r *Resolver) CompleteManual(ctx context.Context, id string, value json.RawMessage, by string) (*delta.Conflict, error) {
	c, err := r.repo.GetConflict(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	if c.IsResolved() {
		return nil, ErrConflictResolved
	}
	if !json.Valid(value) {
		return nil, ErrInvalidValue
	}
	if by == "" {
		by = "user"
	}

	in := oplog.RecordInput{
		EntityType:    c.EntityType,
		EntityID:      c.EntityID,
		OperationType: delta.OpUpdate,
		FieldName:     c.FieldName,
		NewValue:      value,
		UserID:        by,
	}

	entity, err := r.store.GetEntity(ctx, c.EntityType, c.EntityID)
	if err != nil && !errors.Is(err, delta.ErrNotFound) {
		return nil, fmt.Errorf("failed to load entity: %w", err)
	}
	if err != nil || entity.Deleted {
		in.OperationType = delta.OpCreate
		if c.FieldName != "" {
			obj, err := delta.SetField(nil, c.FieldName, value)
			if err != nil {
				return nil, err
			}
			in.NewValue = obj
		}
		in.FieldName = ""
	}
	if in.FieldName == "" {
		if _, err := delta.Fields(in.NewValue); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
	}

	// локальная операция вытесняется только после записи решения
	if _, err := r.oplog.Record(ctx, in); err != nil {
		return nil, fmt.Errorf("failed to record resolution: %w", err)
	}
	if err := r.oplog.MarkConflicted(ctx, c.LocalOperation.ID); err != nil {
		return nil, fmt.Errorf("failed to mark operation conflicted: %w", err)
	}

	at := r.now()
	if err := r.repo.ResolveConflict(ctx, id, value, at, by); err != nil {
		return nil, fmt.Errorf("failed to resolve conflict: %w", err)
	}

	c.ResolvedValue = value
	c.ResolvedAt = &at
	c.ResolvedBy = by

	r.log.Info("manual conflict resolution applied", slog.String("id", id), slog.String("by", by))

	return c, nil
}

// PendingReview возвращает конфликты, ожидающие ручного решения
func (r *Resolver) PendingReview(ctx context.Context) ([]delta.Conflict, error) {
	return r.repo.ListConflicts(ctx, true)
}

// History возвращает все сохраненные конфликты
func (r *Resolver) History(ctx context.Context) ([]delta.Conflict, error) {
	return r.repo.ListConflicts(ctx, false)
}

func valueOf(op delta.Operation) json.RawMessage {
	if len(op.NewValue) == 0 {
		return json.RawMessage("null")
	}
	return op.Clone().NewValue
}
