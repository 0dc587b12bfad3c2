package client

import (
	"context"
	"fmt"
	"time"

	"fieldsync/internal/domain/conflict"
	"fieldsync/internal/domain/delta"
	"fieldsync/internal/domain/oplog"

	"golang.org/x/exp/slog"
)

// RemoteService контракт удаленного сервиса синхронизации
type RemoteService interface {
	PushBatch(ctx context.Context, req delta.PushRequest) (*delta.PushResponse, error)
	PullBatch(ctx context.Context, req delta.PullRequest) (*delta.PullResponse, error)
}

// ConflictResolver разрешает пару конфликтующих операций
type ConflictResolver interface {
	Resolve(ctx context.Context, local, remote delta.Operation, strategy delta.Strategy) (*conflict.Outcome, error)
}

type EngineDeps struct {
	Operations oplog.Servicer
	Resolver   ConflictResolver
	Applier    *Applier
	Remote     RemoteService
	Batches    BatchStore
	Tokens     TokenStore
	Policy     delta.Policy
	Log        *slog.Logger
}

// Engine выполняет пакетный обмен операциями с сервером
type Engine struct {
	ops      oplog.Servicer
	resolver ConflictResolver
	applier  *Applier
	remote   RemoteService
	batches  BatchStore
	tokens   TokenStore
	policy   delta.Policy
	log      *slog.Logger
	now      func() time.Time
}

func NewEngine(deps EngineDeps) *Engine {
	return &Engine{
		ops:      deps.Operations,
		resolver: deps.Resolver,
		applier:  deps.Applier,
		remote:   deps.Remote,
		batches:  deps.Batches,
		tokens:   deps.Tokens,
		policy:   deps.Policy,
		log:      deps.Log.With(slog.String("component", "sync_engine")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Push отправляет ожидающие операции одним пакетом
func (e *Engine) Push(ctx context.Context) (*delta.SyncResult, error) {
	batch, err := e.openBatch(ctx, delta.BatchPush)
	if err != nil {
		return nil, err
	}
	result := delta.NewSyncResult(batch.ID)

	pending, err := e.ops.PendingOperations(ctx, e.policy.BatchSize)
	if err != nil {
		return nil, e.failBatch(ctx, batch, fmt.Errorf("load pending operations: %w", err))
	}

	token, err := e.tokens.SyncToken(ctx)
	if err != nil {
		return nil, e.failBatch(ctx, batch, err)
	}

	if len(pending) == 0 {
		if err := e.finishBatch(ctx, batch, 0, 0, token); err != nil {
			return nil, err
		}
		result.Success = true
		return result, nil
	}

	if err := batch.Start(len(pending), token); err != nil {
		return nil, err
	}
	if err := e.batches.SaveBatch(ctx, *batch); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(pending))
	for _, op := range pending {
		ids = append(ids, op.ID)
	}
	if err := e.ops.AssignBatch(ctx, ids, batch.ID); err != nil {
		return nil, e.failBatch(ctx, batch, err)
	}

	resp, err := e.remote.PushBatch(ctx, delta.PushRequest{
		BatchID:       batch.ID,
		Operations:    pending,
		LastSyncToken: token,
	})
	if err != nil {
		return nil, e.failBatch(ctx, batch, fmt.Errorf("push batch: %w", err))
	}

	outcomes := make(map[string]delta.OperationResult, len(resp.Results))
	for _, r := range resp.Results {
		outcomes[r.OperationID] = r
	}

	for _, op := range pending {
		r, ok := outcomes[op.ID]
		switch {
		case !ok:
			result.Errors = append(result.Errors, fmt.Sprintf("operation %s: no result in server response", op.ID))

		case r.Success:
			if err := e.ops.MarkSynced(ctx, op.ID, r.ServerVersion); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("operation %s: %v", op.ID, err))
				continue
			}
			result.SyncedOperations++

		case r.Conflict:
			if r.ConflictingOperation == nil {
				result.Errors = append(result.Errors, fmt.Sprintf("operation %s: conflict without server operation", op.ID))
				continue
			}
			c, err := e.resolve(ctx, op, *r.ConflictingOperation)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("operation %s: %v", op.ID, err))
				continue
			}
			result.Conflicts = append(result.Conflicts, *c)

		default:
			msg := r.Error
			if msg == "" {
				msg = "rejected by server"
			}
			result.Errors = append(result.Errors, fmt.Sprintf("operation %s: %s", op.ID, msg))
		}
	}

	if err := e.finishBatch(ctx, batch, result.SyncedOperations, len(pending)-result.SyncedOperations, token); err != nil {
		return nil, err
	}

	e.log.Info("пакет отправлен",
		slog.String("batch_id", batch.ID),
		slog.Int("synced", result.SyncedOperations),
		slog.Int("conflicts", len(result.Conflicts)),
		slog.Int("errors", len(result.Errors)))

	result.Success = true
	return result, nil
}

// Pull загружает удаленные изменения после сохраненного токена продолжения
func (e *Engine) Pull(ctx context.Context) (*delta.SyncResult, error) {
	batch, err := e.openBatch(ctx, delta.BatchPull)
	if err != nil {
		return nil, err
	}
	result := delta.NewSyncResult(batch.ID)

	token, err := e.tokens.SyncToken(ctx)
	if err != nil {
		return nil, e.failBatch(ctx, batch, err)
	}

	if err := batch.Start(0, token); err != nil {
		return nil, err
	}
	if err := e.batches.SaveBatch(ctx, *batch); err != nil {
		return nil, err
	}

	resp, err := e.remote.PullBatch(ctx, delta.PullRequest{
		BatchID:       batch.ID,
		LastSyncToken: token,
		BatchSize:     e.policy.BatchSize,
	})
	if err != nil {
		return nil, e.failBatch(ctx, batch, fmt.Errorf("pull batch: %w", err))
	}
	batch.TotalOperations = len(resp.Operations)

	for _, remote := range resp.Operations {
		c, applied, err := e.pullOne(ctx, remote)
		switch {
		case err != nil:
			result.Errors = append(result.Errors, fmt.Sprintf("operation %s: %v", remote.ID, err))
		case c != nil:
			result.Conflicts = append(result.Conflicts, *c)
		case applied:
			result.SyncedOperations++
		}
	}

	next := token
	if resp.NextSyncToken != "" && resp.NextSyncToken != token {
		if err := e.tokens.SetSyncToken(ctx, resp.NextSyncToken); err != nil {
			return nil, e.failBatch(ctx, batch, fmt.Errorf("persist sync token: %w", err))
		}
		next = resp.NextSyncToken
	}

	if err := e.finishBatch(ctx, batch, len(resp.Operations)-len(result.Errors), len(result.Errors), next); err != nil {
		return nil, err
	}

	e.log.Info("изменения получены",
		slog.String("batch_id", batch.ID),
		slog.Int("applied", result.SyncedOperations),
		slog.Int("conflicts", len(result.Conflicts)),
		slog.Int("errors", len(result.Errors)))

	result.Success = true
	return result, nil
}

// pullOne сравнивает удаленную операцию с последней ожидающей локальной
func (e *Engine) pullOne(ctx context.Context, remote delta.Operation) (*delta.Conflict, bool, error) {
	local, err := e.ops.LatestPending(ctx, remote.EntityType, remote.EntityID)
	if err != nil {
		return nil, false, err
	}

	if local != nil && local.Timestamp.After(remote.Timestamp) {
		c, err := e.resolve(ctx, *local, remote)
		if err != nil {
			return nil, false, err
		}
		return c, false, nil
	}

	if err := e.applier.ApplyRemote(ctx, remote); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

func (e *Engine) resolve(ctx context.Context, local, remote delta.Operation) (*delta.Conflict, error) {
	out, err := e.resolver.Resolve(ctx, local, remote, e.policy.ConflictResolution)
	if err != nil {
		return nil, err
	}

	if out.MergePending {
		c := out.Conflict
		if err := e.applier.MergeFields(ctx, c.EntityType, c.EntityID, c.ResolvedValue, remote.RowVersion); err != nil {
			return nil, fmt.Errorf("apply merged value: %w", err)
		}
	}

	e.log.Debug("конфликт разрешен",
		slog.String("conflict_id", out.Conflict.ID),
		slog.String("entity", string(local.EntityType)+"/"+local.EntityID),
		slog.String("strategy", string(out.Conflict.ResolutionStrategy)),
		slog.Bool("remote_applied", out.RemoteApplied))

	return &out.Conflict, nil
}

func (e *Engine) openBatch(ctx context.Context, t delta.BatchType) (*delta.Batch, error) {
	batch := delta.NewBatch(t, e.now())
	batch.RetryCount = attemptFrom(ctx)
	if err := e.batches.SaveBatch(ctx, *batch); err != nil {
		return nil, fmt.Errorf("create %s batch: %w", t, err)
	}
	return batch, nil
}

func (e *Engine) finishBatch(ctx context.Context, batch *delta.Batch, successful, failed int, nextToken string) error {
	if batch.Status == delta.BatchPending {
		if err := batch.Start(successful+failed, nextToken); err != nil {
			return err
		}
	}
	if err := batch.Complete(successful, failed, nextToken, e.now()); err != nil {
		return err
	}
	return e.batches.SaveBatch(ctx, *batch)
}

// failBatch переводит пакет в failed и возвращает исходную ошибку
func (e *Engine) failBatch(ctx context.Context, batch *delta.Batch, cause error) error {
	if err := batch.Fail(cause, e.now()); err != nil {
		return cause
	}
	if err := e.batches.SaveBatch(ctx, *batch); err != nil {
		e.log.Error("не удалось сохранить статус пакета",
			slog.String("batch_id", batch.ID),
			slog.String("error", err.Error()))
	}
	e.log.Warn("пакет завершился ошибкой",
		slog.String("batch_id", batch.ID),
		slog.String("type", string(batch.Type)),
		slog.String("error", cause.Error()))
	return cause
}
