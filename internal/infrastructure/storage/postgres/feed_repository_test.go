package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"fieldsync/internal/app/server/config"
	"fieldsync/internal/domain/delta"
	"fieldsync/internal/domain/feed"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

// Интеграционный тест: нужен PostgreSQL в FIELDSYNC_TEST_DATABASE_URI
func newTestRepository(t *testing.T) *FeedRepository {
	t.Helper()
	uri := os.Getenv("FIELDSYNC_TEST_DATABASE_URI")
	if uri == "" {
		t.Skip("FIELDSYNC_TEST_DATABASE_URI is not set")
	}

	ctx := context.Background()
	db, err := New(ctx, &config.Config{DB: config.DB{DatabaseURI: uri, Migrations: "../../../../migrations"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewFeedRepository(db, slog.Default())
}

func TestFeedRepository(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	entityID := uuid.NewString()
	op := delta.Operation{
		ID:            uuid.NewString(),
		EntityType:    delta.EntityGate,
		EntityID:      entityID,
		OperationType: delta.OpCreate,
		NewValue:      json.RawMessage(`{"name":"North gate"}`),
		RowVersion:    1,
		ServerVersion: 1,
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
		SyncStatus:    delta.StatusSynced,
	}

	seq, err := repo.Append(ctx, &feed.Entry{Operation: op, DeviceID: "tablet-a", ReceivedAt: time.Now().UTC()})
	require.NoError(t, err)
	assert.Positive(t, seq)

	_, err = repo.Append(ctx, &feed.Entry{Operation: op, DeviceID: "tablet-a", ReceivedAt: time.Now().UTC()})
	assert.ErrorIs(t, err, feed.ErrDuplicateOperation)

	found, err := repo.FindOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, seq, found.Seq)
	assert.Equal(t, "tablet-a", found.DeviceID)
	assert.JSONEq(t, `{"name":"North gate"}`, string(found.Operation.NewValue))

	latest, err := repo.LatestForEntity(ctx, delta.EntityGate, entityID)
	require.NoError(t, err)
	assert.Equal(t, op.ID, latest.Operation.ID)

	_, err = repo.LatestForEntity(ctx, delta.EntityGate, uuid.NewString())
	assert.ErrorIs(t, err, feed.ErrEntryNotFound)

	entries, err := repo.ListSince(ctx, seq-1, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, seq, entries[0].Seq)
}
