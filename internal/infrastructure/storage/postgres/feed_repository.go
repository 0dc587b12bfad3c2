package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fieldsync/internal/domain/delta"
	"fieldsync/internal/domain/feed"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/exp/slog"
)

const uniqueViolation = "23505"

// FeedRepository хранит ленту изменений в таблице sync_operations
type FeedRepository struct {
	db  *Storage
	log *slog.Logger
}

func NewFeedRepository(db *Storage, log *slog.Logger) *FeedRepository {
	return &FeedRepository{
		db:  db,
		log: log.With(slog.String("component", "feed_repository")),
	}
}

func (r *FeedRepository) FindOperation(ctx context.Context, operationID string) (*feed.Entry, error) {
	row := r.db.Pool().QueryRow(ctx,
		`SELECT seq, device_id, payload, received_at
		 FROM sync_operations
		 WHERE operation_id = $1`,
		operationID)
	return scanEntry(row)
}

func (r *FeedRepository) LatestForEntity(ctx context.Context, entityType delta.EntityType, entityID string) (*feed.Entry, error) {
	row := r.db.Pool().QueryRow(ctx,
		`SELECT seq, device_id, payload, received_at
		 FROM sync_operations
		 WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY seq DESC
		 LIMIT 1`,
		string(entityType), entityID)
	return scanEntry(row)
}

func (r *FeedRepository) Append(ctx context.Context, entry *feed.Entry) (int64, error) {
	payload, err := json.Marshal(entry.Operation)
	if err != nil {
		return 0, fmt.Errorf("marshal operation: %w", err)
	}

	var seq int64
	err = r.db.Pool().QueryRow(ctx,
		`INSERT INTO sync_operations (operation_id, entity_type, entity_id, device_id, payload, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING seq`,
		entry.Operation.ID,
		string(entry.Operation.EntityType),
		entry.Operation.EntityID,
		entry.DeviceID,
		payload,
		entry.ReceivedAt,
	).Scan(&seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, feed.ErrDuplicateOperation
		}
		return 0, fmt.Errorf("insert operation: %w", err)
	}

	entry.Seq = seq
	return seq, nil
}

func (r *FeedRepository) ListSince(ctx context.Context, afterSeq int64, limit int) ([]feed.Entry, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT seq, device_id, payload, received_at
		 FROM sync_operations
		 WHERE seq > $1
		 ORDER BY seq
		 LIMIT $2`,
		afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query feed: %w", err)
	}
	defer rows.Close()

	var entries []feed.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feed: %w", err)
	}

	r.log.Debug("feed listed", slog.Int64("after", afterSeq), slog.Int("count", len(entries)))
	return entries, nil
}

func scanEntry(row pgx.Row) (*feed.Entry, error) {
	var (
		e       feed.Entry
		payload []byte
	)
	if err := row.Scan(&e.Seq, &e.DeviceID, &payload, &e.ReceivedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, feed.ErrEntryNotFound
		}
		return nil, fmt.Errorf("scan feed entry: %w", err)
	}
	if err := json.Unmarshal(payload, &e.Operation); err != nil {
		return nil, fmt.Errorf("decode operation %d: %w", e.Seq, err)
	}
	return &e, nil
}
