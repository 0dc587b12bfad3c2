package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fieldsync/internal/app/client"
	clientcfg "fieldsync/internal/app/client/config"
	"fieldsync/internal/domain/access"
	"fieldsync/internal/domain/delta"
	"fieldsync/internal/domain/feed"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

const testKey = "field-secret"

type memoryFeed struct {
	mu      sync.Mutex
	entries []feed.Entry
}

func (r *memoryFeed) FindOperation(_ context.Context, id string) (*feed.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Operation.ID == id {
			return &e, nil
		}
	}
	return nil, feed.ErrEntryNotFound
}

func (r *memoryFeed) LatestForEntity(_ context.Context, t delta.EntityType, id string) (*feed.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if e := r.entries[i]; e.Operation.EntityType == t && e.Operation.EntityID == id {
			return &e, nil
		}
	}
	return nil, feed.ErrEntryNotFound
}

func (r *memoryFeed) Append(_ context.Context, e *feed.Entry) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.Seq = int64(len(r.entries) + 1)
	r.entries = append(r.entries, *e)
	return e.Seq, nil
}

func (r *memoryFeed) ListSince(_ context.Context, after int64, limit int) ([]feed.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []feed.Entry
	for _, e := range r.entries {
		if e.Seq > after && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *feed.Hub) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testKey), bcrypt.MinCost)
	require.NoError(t, err)

	log := slog.Default()
	hub := feed.NewHub(log)
	srv := httptest.NewServer(New(Deps{
		Feed:   &memoryFeed{},
		Access: access.NewService(string(hash), log),
		Hub:    hub,
		Log:    log,
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv, hub
}

func newDeviceClient(t *testing.T, srv *httptest.Server, deviceID string) interface {
	SetToken(string)
	HealthCheck(context.Context) error
	PushBatch(context.Context, delta.PushRequest) (*delta.PushResponse, error)
	PullBatch(context.Context, delta.PullRequest) (*delta.PullResponse, error)
} {
	t.Helper()
	c, err := client.NewHTTPClient(&clientcfg.Config{
		ServerAddress: strings.TrimPrefix(srv.URL, "http://"),
		DeviceID:      deviceID,
	}, slog.Default())
	require.NoError(t, err)
	c.SetToken(testKey)
	return c
}

func inspectionOp(id, entityID string, notes string) delta.Operation {
	return delta.Operation{
		ID:            id,
		EntityType:    delta.EntityInspection,
		EntityID:      entityID,
		OperationType: delta.OpUpdate,
		FieldName:     "notes",
		NewValue:      json.RawMessage(fmt.Sprintf("%q", notes)),
		RowVersion:    1,
		Timestamp:     time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
		SyncStatus:    delta.StatusPending,
	}
}

func TestAPI_PushPullBetweenDevices(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	tabletA := newDeviceClient(t, srv, "tablet-a")
	tabletB := newDeviceClient(t, srv, "tablet-b")

	require.NoError(t, tabletA.HealthCheck(ctx))

	// большой пакет уходит сжатым snappy
	ops := make([]delta.Operation, 0, 20)
	for i := 0; i < 20; i++ {
		ops = append(ops, inspectionOp(fmt.Sprintf("op-%02d", i), fmt.Sprintf("insp-%02d", i), strings.Repeat("checked ", 10)))
	}
	pushed, err := tabletA.PushBatch(ctx, delta.PushRequest{BatchID: "batch-a", Operations: ops})
	require.NoError(t, err)
	require.Len(t, pushed.Results, 20)
	for _, r := range pushed.Results {
		assert.True(t, r.Success, r.OperationID)
	}

	pulled, err := tabletB.PullBatch(ctx, delta.PullRequest{BatchID: "batch-b", BatchSize: 50})
	require.NoError(t, err)
	assert.Len(t, pulled.Operations, 20)
	assert.Equal(t, "20", pulled.NextSyncToken)

	own, err := tabletA.PullBatch(ctx, delta.PullRequest{BatchID: "batch-a2", BatchSize: 50})
	require.NoError(t, err)
	assert.Empty(t, own.Operations)
	assert.Equal(t, "20", own.NextSyncToken)

	conflicting, err := tabletB.PushBatch(ctx, delta.PushRequest{
		BatchID:    "batch-b2",
		Operations: []delta.Operation{inspectionOp("op-b", "insp-00", "replaced")},
	})
	require.NoError(t, err)
	require.Len(t, conflicting.Results, 1)
	assert.True(t, conflicting.Results[0].Conflict)
	require.NotNil(t, conflicting.Results[0].ConflictingOperation)
	assert.Equal(t, "op-00", conflicting.Results[0].ConflictingOperation.ID)
}

func TestAPI_RejectsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t)

	c := newDeviceClient(t, srv, "tablet-a")
	c.SetToken("wrong")
	_, err := c.PullBatch(context.Background(), delta.PullRequest{BatchID: "b", BatchSize: 1})
	require.Error(t, err)

	resp, err := http.Get(srv.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_NotifiesSubscribersAfterPush(t *testing.T) {
	srv, hub := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		calls int
	)
	notifier := client.NewNotifier(srv.URL, testKey, "tablet-b", func(context.Context) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, slog.Default())
	go notifier.Run(ctx)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	tabletA := newDeviceClient(t, srv, "tablet-a")
	_, err := tabletA.PushBatch(ctx, delta.PushRequest{
		BatchID:    "batch-a",
		Operations: []delta.Operation{inspectionOp("op-1", "insp-1", "gate opened")},
	})
	require.NoError(t, err)

	// одно срабатывание при подключении и одно на уведомление
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, 2*time.Second, 10*time.Millisecond)
}
