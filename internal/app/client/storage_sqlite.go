package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldsync/internal/domain/conflict"
	"fieldsync/internal/domain/delta"
	"fieldsync/internal/domain/queue"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия базы данных: %w", err)
	}
	db.SetMaxOpenConns(1)

	storage := &SQLiteStorage{db: db}

	if err := storage.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка инициализации таблиц: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entities (
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			data TEXT,
			row_version INTEGER NOT NULL DEFAULT 0,
			etag TEXT NOT NULL DEFAULT '',
			sync_status TEXT NOT NULL DEFAULT 'pending',
			deleted INTEGER NOT NULL DEFAULT 0,
			last_sync_at INTEGER,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		);

		CREATE TABLE IF NOT EXISTS operations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			operation_type TEXT NOT NULL,
			field_name TEXT NOT NULL DEFAULT '',
			old_value TEXT,
			new_value TEXT,
			row_version INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL DEFAULT '',
			sync_status TEXT NOT NULL,
			batch_id TEXT NOT NULL DEFAULT '',
			server_version INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(sync_status, timestamp);
		CREATE INDEX IF NOT EXISTS idx_operations_entity ON operations(entity_type, entity_id);

		CREATE TABLE IF NOT EXISTS sync_batches (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			total_operations INTEGER NOT NULL DEFAULT 0,
			successful_operations INTEGER NOT NULL DEFAULT 0,
			failed_operations INTEGER NOT NULL DEFAULT 0,
			last_sync_token TEXT NOT NULL DEFAULT '',
			next_sync_token TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			completed_at INTEGER
		);

		CREATE TABLE IF NOT EXISTS conflicts (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			field_name TEXT NOT NULL DEFAULT '',
			local_operation TEXT NOT NULL,
			remote_operation TEXT NOT NULL,
			resolution_strategy TEXT NOT NULL,
			resolved_value TEXT,
			resolved_at INTEGER,
			resolved_by TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conflicts_resolved ON conflicts(resolved_at);

		CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			entity_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			data TEXT,
			priority INTEGER NOT NULL DEFAULT 1,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			scheduled_at INTEGER NOT NULL,
			last_attempt_at INTEGER,
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_queue_due ON queue_items(status, scheduled_at);

		CREATE TABLE IF NOT EXISTS sync_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)

	return err
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Время хранится в наносекундах Unix, чтобы сортировка в SQL совпадала с time.Time

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullRaw(v json.RawMessage) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(v), Valid: true}
}

func rawOf(n sql.NullString) json.RawMessage {
	if !n.Valid {
		return nil
	}
	return json.RawMessage(n.String)
}

type scanner interface {
	Scan(dest ...any) error
}

// Сущности

const entityColumns = `entity_type, entity_id, data, row_version, etag, sync_status, deleted, last_sync_at, updated_at`

func scanEntity(row scanner) (*delta.Entity, error) {
	var (
		e          delta.Entity
		data       sql.NullString
		lastSyncAt sql.NullInt64
		updatedAt  int64
	)
	if err := row.Scan(&e.Type, &e.ID, &data, &e.RowVersion, &e.ETag, &e.SyncStatus, &e.Deleted, &lastSyncAt, &updatedAt); err != nil {
		return nil, err
	}
	e.Data = rawOf(data)
	e.LastSyncAt = timePtr(lastSyncAt)
	e.UpdatedAt = fromNanos(updatedAt)
	return &e, nil
}

func (s *SQLiteStorage) GetEntity(ctx context.Context, entityType delta.EntityType, entityID string) (*delta.Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE entity_type = ? AND entity_id = ?`, entityType, entityID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, delta.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения сущности: %w", err)
	}
	return e, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putEntity(ctx context.Context, db execer, e delta.Entity) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			data = excluded.data,
			row_version = excluded.row_version,
			etag = excluded.etag,
			sync_status = excluded.sync_status,
			deleted = excluded.deleted,
			last_sync_at = excluded.last_sync_at,
			updated_at = excluded.updated_at
	`, e.Type, e.ID, nullRaw(e.Data), e.RowVersion, e.ETag, e.SyncStatus, e.Deleted, nullTime(e.LastSyncAt), toNanos(e.UpdatedAt))
	return err
}

func (s *SQLiteStorage) PutEntity(ctx context.Context, e delta.Entity) error {
	if err := putEntity(ctx, s.db, e); err != nil {
		return fmt.Errorf("ошибка сохранения сущности: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ListEntities(ctx context.Context, entityType delta.EntityType) ([]delta.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE entity_type = ? AND deleted = 0 ORDER BY entity_id`, entityType)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения сущностей: %w", err)
	}
	defer rows.Close()

	out := []delta.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения сущности: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Журнал операций

const operationColumns = `id, entity_type, entity_id, operation_type, field_name, old_value, new_value, row_version, timestamp, user_id, device_id, sync_status, batch_id, server_version`

func scanOperation(row scanner) (*delta.Operation, error) {
	var (
		op       delta.Operation
		oldValue sql.NullString
		newValue sql.NullString
		ts       int64
	)
	err := row.Scan(&op.ID, &op.EntityType, &op.EntityID, &op.OperationType, &op.FieldName,
		&oldValue, &newValue, &op.RowVersion, &ts, &op.UserID, &op.DeviceID,
		&op.SyncStatus, &op.BatchID, &op.ServerVersion)
	if err != nil {
		return nil, err
	}
	op.OldValue = rawOf(oldValue)
	op.NewValue = rawOf(newValue)
	op.Timestamp = fromNanos(ts)
	return &op, nil
}

func (s *SQLiteStorage) queryOperations(ctx context.Context, query string, args ...any) ([]delta.Operation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения операций: %w", err)
	}
	defer rows.Close()

	out := []delta.Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения операции: %w", err)
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) AppendOperation(ctx context.Context, op delta.Operation, entity delta.Entity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.EntityType, op.EntityID, op.OperationType, op.FieldName,
		nullRaw(op.OldValue), nullRaw(op.NewValue), op.RowVersion, toNanos(op.Timestamp),
		op.UserID, op.DeviceID, op.SyncStatus, op.BatchID, op.ServerVersion)
	if err != nil {
		return fmt.Errorf("ошибка записи операции: %w", err)
	}

	if err := putEntity(ctx, tx, entity); err != nil {
		return fmt.Errorf("ошибка обновления сущности: %w", err)
	}

	return tx.Commit()
}

// notHeld исключает операции, по которым открыт конфликт, ожидающий ручного решения
const notHeld = `id NOT IN (
	SELECT json_extract(local_operation, '$.id') FROM conflicts
	WHERE resolved_at IS NULL AND json_extract(local_operation, '$.id') IS NOT NULL
)`

func (s *SQLiteStorage) PendingOperations(ctx context.Context, limit int) ([]delta.Operation, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryOperations(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE sync_status = ? AND `+notHeld+`
		ORDER BY timestamp ASC, seq ASC
		LIMIT ?
	`, delta.StatusPending, limit)
}

func (s *SQLiteStorage) LatestPendingOperation(ctx context.Context, entityType delta.EntityType, entityID string) (*delta.Operation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE entity_type = ? AND entity_id = ? AND sync_status = ? AND `+notHeld+`
		ORDER BY timestamp DESC, seq DESC
		LIMIT 1
	`, entityType, entityID, delta.StatusPending)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, delta.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения операции: %w", err)
	}
	return op, nil
}

func (s *SQLiteStorage) OperationsForEntity(ctx context.Context, entityType delta.EntityType, entityID string) ([]delta.Operation, error) {
	return s.queryOperations(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY seq ASC
	`, entityType, entityID)
}

func (s *SQLiteStorage) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations WHERE sync_status = ? AND `+notHeld, delta.StatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчета операций: %w", err)
	}
	return n, nil
}

func (s *SQLiteStorage) AssignBatch(ctx context.Context, operationIDs []string, batchID string) error {
	if len(operationIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(operationIDs)+1)
	args = append(args, batchID)
	for _, id := range operationIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(operationIDs)), ",")
	_, err := s.db.ExecContext(ctx, `UPDATE operations SET batch_id = ? WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("ошибка привязки операций к пакету: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) MarkOperationSynced(ctx context.Context, operationID string, serverVersion int64, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE operations
		SET sync_status = ?, server_version = CASE WHEN ? > 0 THEN ? ELSE server_version END
		WHERE id = ?
	`, delta.StatusSynced, serverVersion, serverVersion, operationID)
	if err != nil {
		return fmt.Errorf("ошибка обновления операции: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return delta.ErrNotFound
	}

	if err := settleEntity(ctx, tx, operationID, at); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStorage) MarkOperationConflicted(ctx context.Context, operationID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE operations SET sync_status = ? WHERE id = ?`, delta.StatusConflicted, operationID)
	if err != nil {
		return fmt.Errorf("ошибка обновления операции: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return delta.ErrNotFound
	}

	if err := settleEntity(ctx, tx, operationID, at); err != nil {
		return err
	}

	return tx.Commit()
}

// settleEntity переводит сущность операции в synced, если по ней не осталось pending операций
func settleEntity(ctx context.Context, tx *sql.Tx, operationID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE entities SET sync_status = ?, last_sync_at = ?
		WHERE (entity_type, entity_id) = (SELECT entity_type, entity_id FROM operations WHERE id = ?)
		  AND NOT EXISTS (
			SELECT 1 FROM operations o
			WHERE o.entity_type = entities.entity_type AND o.entity_id = entities.entity_id AND o.sync_status = ?
		  )
	`, delta.StatusSynced, toNanos(at), operationID, delta.StatusPending)
	if err != nil {
		return fmt.Errorf("ошибка обновления сущности: %w", err)
	}
	return nil
}

// Пакеты синхронизации

const batchColumns = `id, type, status, total_operations, successful_operations, failed_operations, last_sync_token, next_sync_token, retry_count, error_message, created_at, completed_at`

func scanBatch(row scanner) (*delta.Batch, error) {
	var (
		b           delta.Batch
		createdAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&b.ID, &b.Type, &b.Status, &b.TotalOperations, &b.SuccessfulOperations, &b.FailedOperations,
		&b.LastSyncToken, &b.NextSyncToken, &b.RetryCount, &b.ErrorMessage, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = fromNanos(createdAt)
	b.CompletedAt = timePtr(completedAt)
	return &b, nil
}

func (s *SQLiteStorage) SaveBatch(ctx context.Context, b delta.Batch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			total_operations = excluded.total_operations,
			successful_operations = excluded.successful_operations,
			failed_operations = excluded.failed_operations,
			last_sync_token = excluded.last_sync_token,
			next_sync_token = excluded.next_sync_token,
			retry_count = excluded.retry_count,
			error_message = excluded.error_message,
			completed_at = excluded.completed_at
	`, b.ID, b.Type, b.Status, b.TotalOperations, b.SuccessfulOperations, b.FailedOperations,
		b.LastSyncToken, b.NextSyncToken, b.RetryCount, b.ErrorMessage, toNanos(b.CreatedAt), nullTime(b.CompletedAt))
	if err != nil {
		return fmt.Errorf("ошибка сохранения пакета: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetBatch(ctx context.Context, id string) (*delta.Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM sync_batches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, delta.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пакета: %w", err)
	}
	return b, nil
}

func (s *SQLiteStorage) ListBatches(ctx context.Context, limit int) ([]delta.Batch, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM sync_batches ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пакетов: %w", err)
	}
	defer rows.Close()

	out := []delta.Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения пакета: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// Конфликты

const conflictColumns = `id, entity_type, entity_id, field_name, local_operation, remote_operation, resolution_strategy, resolved_value, resolved_at, resolved_by, created_at`

func scanConflict(row scanner) (*delta.Conflict, error) {
	var (
		c             delta.Conflict
		local, remote string
		resolvedValue sql.NullString
		resolvedAt    sql.NullInt64
		createdAt     int64
	)
	err := row.Scan(&c.ID, &c.EntityType, &c.EntityID, &c.FieldName, &local, &remote,
		&c.ResolutionStrategy, &resolvedValue, &resolvedAt, &c.ResolvedBy, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(local), &c.LocalOperation); err != nil {
		return nil, fmt.Errorf("ошибка парсинга локальной операции: %w", err)
	}
	if err := json.Unmarshal([]byte(remote), &c.RemoteOperation); err != nil {
		return nil, fmt.Errorf("ошибка парсинга удаленной операции: %w", err)
	}
	c.ResolvedValue = rawOf(resolvedValue)
	c.ResolvedAt = timePtr(resolvedAt)
	c.CreatedAt = fromNanos(createdAt)
	return &c, nil
}

func (s *SQLiteStorage) SaveConflict(ctx context.Context, c delta.Conflict) error {
	local, err := json.Marshal(c.LocalOperation)
	if err != nil {
		return fmt.Errorf("ошибка сериализации локальной операции: %w", err)
	}
	remote, err := json.Marshal(c.RemoteOperation)
	if err != nil {
		return fmt.Errorf("ошибка сериализации удаленной операции: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.EntityType, c.EntityID, c.FieldName, string(local), string(remote),
		c.ResolutionStrategy, nullRaw(c.ResolvedValue), nullTime(c.ResolvedAt), c.ResolvedBy, toNanos(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("ошибка сохранения конфликта: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetConflict(ctx context.Context, id string) (*delta.Conflict, error) {
	c, err := scanConflict(s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, delta.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения конфликта: %w", err)
	}
	return c, nil
}

func (s *SQLiteStorage) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]delta.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	if unresolvedOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения конфликтов: %w", err)
	}
	defer rows.Close()

	out := []delta.Conflict{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) ResolveConflict(ctx context.Context, id string, value json.RawMessage, at time.Time, by string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts SET resolved_value = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ? AND resolved_at IS NULL
	`, nullRaw(value), toNanos(at), by, id)
	if err != nil {
		return fmt.Errorf("ошибка разрешения конфликта: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetConflict(ctx, id); err != nil {
		return err
	}
	return conflict.ErrConflictResolved
}

// Очередь

const itemColumns = `id, type, entity_id, action, data, priority, attempts, max_attempts, created_at, scheduled_at, last_attempt_at, status, error_message`

func scanItem(row scanner) (*queue.Item, error) {
	var (
		item          queue.Item
		data          sql.NullString
		createdAt     int64
		scheduledAt   int64
		lastAttemptAt sql.NullInt64
	)
	err := row.Scan(&item.ID, &item.Type, &item.EntityID, &item.Action, &data, &item.Priority,
		&item.Attempts, &item.MaxAttempts, &createdAt, &scheduledAt, &lastAttemptAt, &item.Status, &item.ErrorMessage)
	if err != nil {
		return nil, err
	}
	item.Data = rawOf(data)
	item.CreatedAt = fromNanos(createdAt)
	item.ScheduledAt = fromNanos(scheduledAt)
	item.LastAttemptAt = timePtr(lastAttemptAt)
	return &item, nil
}

func (s *SQLiteStorage) InsertItem(ctx context.Context, item queue.Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.Type, item.EntityID, item.Action, nullRaw(item.Data), item.Priority,
		item.Attempts, item.MaxAttempts, toNanos(item.CreatedAt), toNanos(item.ScheduledAt),
		nullTime(item.LastAttemptAt), item.Status, item.ErrorMessage)
	if err != nil {
		return fmt.Errorf("ошибка добавления в очередь: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetItem(ctx context.Context, id string) (*queue.Item, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения элемента очереди: %w", err)
	}
	return item, nil
}

func (s *SQLiteStorage) UpdateItem(ctx context.Context, item queue.Item) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET priority = ?, attempts = ?, max_attempts = ?, scheduled_at = ?, last_attempt_at = ?, status = ?, error_message = ?
		WHERE id = ?
	`, item.Priority, item.Attempts, item.MaxAttempts, toNanos(item.ScheduledAt),
		nullTime(item.LastAttemptAt), item.Status, item.ErrorMessage, item.ID)
	if err != nil {
		return fmt.Errorf("ошибка обновления элемента очереди: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return queue.ErrItemNotFound
	}
	return nil
}

func (s *SQLiteStorage) DueItems(ctx context.Context, now time.Time, limit int) ([]queue.Item, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?
	`, queue.StatusPending, toNanos(now), limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения очереди: %w", err)
	}
	defer rows.Close()

	out := []queue.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения элемента очереди: %w", err)
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) DeleteCompletedItems(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE status = ?`, queue.StatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("ошибка очистки очереди: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStorage) DeleteFailedItemsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_items
		WHERE status = ? AND COALESCE(last_attempt_at, created_at) < ?
	`, queue.StatusFailed, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("ошибка очистки очереди: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStorage) ReleaseProcessingItems(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE queue_items SET status = ? WHERE status = ?`,
		queue.StatusPending, queue.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("ошибка возврата элементов очереди: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStorage) CountItemsByStatus(ctx context.Context) (queue.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("ошибка статистики очереди: %w", err)
	}
	defer rows.Close()

	stats := queue.Stats{}
	for rows.Next() {
		var (
			status queue.Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

// Токен продолжения

func (s *SQLiteStorage) SyncToken(ctx context.Context) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, syncTokenKey).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ошибка чтения токена синхронизации: %w", err)
	}
	return token, nil
}

func (s *SQLiteStorage) SetSyncToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, syncTokenKey, token)
	if err != nil {
		return fmt.Errorf("ошибка сохранения токена синхронизации: %w", err)
	}
	return nil
}
