package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fieldsync/internal/domain/conflict"
	"fieldsync/internal/domain/delta"
	"fieldsync/internal/domain/oplog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

type MockRemote struct {
	mock.Mock
}

func (m *MockRemote) PushBatch(ctx context.Context, req delta.PushRequest) (*delta.PushResponse, error) {
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(func(context.Context, delta.PushRequest) *delta.PushResponse); ok {
		return fn(ctx, req), args.Error(1)
	}
	resp, _ := args.Get(0).(*delta.PushResponse)
	return resp, args.Error(1)
}

func (m *MockRemote) PullBatch(ctx context.Context, req delta.PullRequest) (*delta.PullResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*delta.PullResponse)
	return resp, args.Error(1)
}

type engineFixture struct {
	engine *Engine
	store  *MemoryStorage
	ops    *oplog.Service
	remote *MockRemote
}

func newEngineFixture(policy delta.Policy) *engineFixture {
	store := NewMemoryStorage()
	ops := oplog.NewService(store, slog.Default())
	applier := NewApplier(store, slog.Default())
	resolver := conflict.NewResolver(store, applier, ops, slog.Default(), policy.EnableOperationalTransform)
	remote := &MockRemote{}

	engine := NewEngine(EngineDeps{
		Operations: ops,
		Resolver:   resolver,
		Applier:    applier,
		Remote:     remote,
		Batches:    store,
		Tokens:     store,
		Policy:     policy,
		Log:        slog.Default(),
	})

	return &engineFixture{engine: engine, store: store, ops: ops, remote: remote}
}

func (f *engineFixture) record(t *testing.T, in oplog.RecordInput) delta.Operation {
	t.Helper()
	id, err := f.ops.Record(context.Background(), in)
	require.NoError(t, err)

	history, err := f.ops.History(context.Background(), in.EntityType, in.EntityID)
	require.NoError(t, err)
	for _, op := range history {
		if op.ID == id {
			return op
		}
	}
	t.Fatalf("operation %s not found", id)
	return delta.Operation{}
}

func (f *engineFixture) createGate(t *testing.T, id, name string) delta.Operation {
	return f.record(t, oplog.RecordInput{
		EntityType:    delta.EntityGate,
		EntityID:      id,
		OperationType: delta.OpCreate,
		NewValue:      json.RawMessage(`{"name":"` + name + `"}`),
	})
}

func (f *engineFixture) batch(t *testing.T, id string) delta.Batch {
	t.Helper()
	b, err := f.store.GetBatch(context.Background(), id)
	require.NoError(t, err)
	return *b
}

func TestEngine_PushEmpty(t *testing.T) {
	f := newEngineFixture(delta.DefaultPolicy())

	result, err := f.engine.Push(context.Background())

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.SyncedOperations)
	assert.Empty(t, result.Conflicts)
	assert.Empty(t, result.Errors)
	assert.Equal(t, delta.BatchCompleted, f.batch(t, result.BatchID).Status)
	f.remote.AssertNotCalled(t, "PushBatch", mock.Anything, mock.Anything)
}

func TestEngine_PushMarksSynced(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(delta.DefaultPolicy())
	require.NoError(t, f.store.SetSyncToken(ctx, "7"))

	op := f.createGate(t, "gate-1", "A")

	f.remote.On("PushBatch", mock.Anything, mock.MatchedBy(func(req delta.PushRequest) bool {
		return len(req.Operations) == 1 && req.Operations[0].ID == op.ID && req.LastSyncToken == "7"
	})).Return(&delta.PushResponse{Results: []delta.OperationResult{
		{OperationID: op.ID, Success: true, ServerVersion: 42},
	}}, nil)

	result, err := f.engine.Push(ctx)

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.SyncedOperations)

	history, err := f.ops.History(ctx, delta.EntityGate, "gate-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, delta.StatusSynced, history[0].SyncStatus)
	assert.Equal(t, int64(42), history[0].ServerVersion)
	assert.Equal(t, result.BatchID, history[0].BatchID)

	entity, err := f.store.GetEntity(ctx, delta.EntityGate, "gate-1")
	require.NoError(t, err)
	assert.Equal(t, delta.StatusSynced, entity.SyncStatus)
	assert.NotNil(t, entity.LastSyncAt)

	b := f.batch(t, result.BatchID)
	assert.Equal(t, delta.BatchCompleted, b.Status)
	assert.Equal(t, 1, b.TotalOperations)
	assert.Equal(t, 1, b.SuccessfulOperations)
	assert.Equal(t, 0, b.FailedOperations)
	f.remote.AssertExpectations(t)
}

func TestEngine_PushConflictLastWriteWins(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(delta.DefaultPolicy())

	f.createGate(t, "gate-1", "A")
	local := f.record(t, oplog.RecordInput{
		EntityType:    delta.EntityGate,
		EntityID:      "gate-1",
		OperationType: delta.OpUpdate,
		FieldName:     "name",
		NewValue:      json.RawMessage(`"Local"`),
	})

	server := delta.Operation{
		ID:            "srv-1",
		EntityType:    delta.EntityGate,
		EntityID:      "gate-1",
		OperationType: delta.OpUpdate,
		FieldName:     "name",
		NewValue:      json.RawMessage(`"Remote"`),
		RowVersion:    5,
		Timestamp:     local.Timestamp.Add(100 * time.Millisecond),
		DeviceID:      "other",
	}

	f.remote.On("PushBatch", mock.Anything, mock.Anything).Return(func(_ context.Context, req delta.PushRequest) *delta.PushResponse {
		var results []delta.OperationResult
		for _, op := range req.Operations {
			if op.ID == local.ID {
				results = append(results, delta.OperationResult{OperationID: op.ID, Conflict: true, ConflictingOperation: &server})
				continue
			}
			results = append(results, delta.OperationResult{OperationID: op.ID, Success: true, ServerVersion: 1})
		}
		return &delta.PushResponse{Results: results}
	}, nil)

	result, err := f.engine.Push(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedOperations)
	require.Len(t, result.Conflicts, 1)
	assert.JSONEq(t, `"Remote"`, string(result.Conflicts[0].ResolvedValue))

	entity, err := f.store.GetEntity(ctx, delta.EntityGate, "gate-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Remote"}`, string(entity.Data))
	assert.Equal(t, int64(5), entity.RowVersion)

	pending, err := f.ops.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestEngine_PushConflictRemoteWinSettlesEntity(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(delta.DefaultPolicy())

	created := f.createGate(t, "gate-1", "A")
	require.NoError(t, f.ops.MarkSynced(ctx, created.ID, 1))

	local := f.record(t, oplog.RecordInput{
		EntityType:    delta.EntityGate,
		EntityID:      "gate-1",
		OperationType: delta.OpUpdate,
		FieldName:     "name",
		NewValue:      json.RawMessage(`"Local"`),
	})
	entity, err := f.store.GetEntity(ctx, delta.EntityGate, "gate-1")
	require.NoError(t, err)
	require.Equal(t, delta.StatusPending, entity.SyncStatus)

	server := delta.Operation{
		ID:            "srv-1",
		EntityType:    delta.EntityGate,
		EntityID:      "gate-1",
		OperationType: delta.OpUpdate,
		FieldName:     "name",
		NewValue:      json.RawMessage(`"Remote"`),
		RowVersion:    3,
		Timestamp:     local.Timestamp.Add(time.Second),
		DeviceID:      "other",
	}
	f.remote.On("PushBatch", mock.Anything, mock.Anything).Return(&delta.PushResponse{Results: []delta.OperationResult{
		{OperationID: local.ID, Conflict: true, ConflictingOperation: &server},
	}}, nil)

	result, err := f.engine.Push(ctx)

	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)

	pending, err := f.ops.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	entity, err = f.store.GetEntity(ctx, delta.EntityGate, "gate-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Remote"}`, string(entity.Data))
	assert.Equal(t, delta.StatusSynced, entity.SyncStatus)
	assert.NotNil(t, entity.LastSyncAt)
}

func TestEngine_PushReportsUnmatchedOperations(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(delta.DefaultPolicy())

	first := f.createGate(t, "gate-1", "A")
	second := f.createGate(t, "gate-2", "B")

	f.remote.On("PushBatch", mock.Anything, mock.Anything).Return(&delta.PushResponse{Results: []delta.OperationResult{
		{OperationID: first.ID, Error: "validation failed"},
	}}, nil)

	result, err := f.engine.Push(ctx)

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.SyncedOperations)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], first.ID)
	assert.Contains(t, result.Errors[0], "validation failed")
	assert.Contains(t, result.Errors[1], second.ID)

	b := f.batch(t, result.BatchID)
	assert.Equal(t, 2, b.FailedOperations)
}

func TestEngine_PushTransportFailure(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(delta.DefaultPolicy())
	f.createGate(t, "gate-1", "A")

	f.remote.On("PushBatch", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	result, err := f.engine.Push(ctx)

	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "connection refused")

	batches, err := f.store.ListBatches(ctx, 0)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, delta.BatchFailed, batches[0].Status)
	assert.Contains(t, batches[0].ErrorMessage, "connection refused")

	pending, err := f.ops.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestEngine_PullAppliesRemoteAndPersistsToken(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(delta.DefaultPolicy())
	require.NoError(t, f.store.SetSyncToken(ctx, "3"))

	now := time.Now().UTC()
	f.remote.On("PullBatch", mock.Anything, mock.MatchedBy(func(req delta.PullRequest) bool {
		return req.LastSyncToken == "3" && req.BatchSize == 50
	})).Return(&delta.PullResponse{
		Operations: []delta.Operation{
			{ID: "r1", EntityType: delta.EntityGate, EntityID: "gate-9", OperationType: delta.OpCreate,
				NewValue: json.RawMessage(`{"name":"North"}`), RowVersion: 1, Timestamp: now},
			{ID: "r2", EntityType: delta.EntityGate, EntityID: "gate-9", OperationType: delta.OpUpdate,
				FieldName: "status", NewValue: json.RawMessage(`"open"`), RowVersion: 2, Timestamp: now.Add(time.Second)},
		},
		NextSyncToken: "5",
	}, nil)

	result, err := f.engine.Pull(ctx)

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.SyncedOperations)
	assert.Empty(t, result.Conflicts)
	assert.Empty(t, result.Errors)

	entity, err := f.store.GetEntity(ctx, delta.EntityGate, "gate-9")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"North","status":"open"}`, string(entity.Data))
	assert.Equal(t, int64(2), entity.RowVersion)
	assert.Equal(t, delta.StatusSynced, entity.SyncStatus)

	token, err := f.store.SyncToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5", token)

	b := f.batch(t, result.BatchID)
	assert.Equal(t, delta.BatchCompleted, b.Status)
	assert.Equal(t, "3", b.LastSyncToken)
	assert.Equal(t, "5", b.NextSyncToken)
}

func TestEngine_PullThreeConflicts(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(delta.DefaultPolicy())

	var remote []delta.Operation
	for _, id := range []string{"gate-1", "gate-2", "gate-3"} {
		op := f.createGate(t, id, "Local")
		remote = append(remote, delta.Operation{
			ID:            "remote-" + id,
			EntityType:    delta.EntityGate,
			EntityID:      id,
			OperationType: delta.OpUpdate,
			FieldName:     "name",
			NewValue:      json.RawMessage(`"Remote"`),
			RowVersion:    1,
			Timestamp:     op.Timestamp.Add(-time.Minute),
		})
	}

	f.remote.On("PullBatch", mock.Anything, mock.Anything).Return(&delta.PullResponse{
		Operations:    remote,
		NextSyncToken: "10",
	}, nil)

	result, err := f.engine.Pull(ctx)

	require.NoError(t, err)
	assert.Len(t, result.Conflicts, 3)
	assert.Equal(t, 0, result.SyncedOperations)
	assert.Empty(t, result.Errors)

	for _, id := range []string{"gate-1", "gate-2", "gate-3"} {
		entity, err := f.store.GetEntity(ctx, delta.EntityGate, id)
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"Local"}`, string(entity.Data))
	}

	pending, err := f.ops.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)
}

func TestEngine_PullPartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(delta.DefaultPolicy())

	now := time.Now().UTC()
	f.remote.On("PullBatch", mock.Anything, mock.Anything).Return(&delta.PullResponse{
		Operations: []delta.Operation{
			{ID: "bad", EntityType: delta.EntityInspection, EntityID: "insp-1", OperationType: delta.OpUpdate, Timestamp: now},
			{ID: "good", EntityType: delta.EntityInspection, EntityID: "insp-2", OperationType: delta.OpCreate,
				NewValue: json.RawMessage(`{"score":3}`), RowVersion: 1, Timestamp: now},
		},
		NextSyncToken: "2",
	}, nil)

	result, err := f.engine.Pull(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedOperations)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "bad")

	token, err := f.store.SyncToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", token)

	b := f.batch(t, result.BatchID)
	assert.Equal(t, 1, b.SuccessfulOperations)
	assert.Equal(t, 1, b.FailedOperations)
}

func TestEngine_PullTransportFailureKeepsToken(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(delta.DefaultPolicy())
	require.NoError(t, f.store.SetSyncToken(ctx, "4"))

	f.remote.On("PullBatch", mock.Anything, mock.Anything).Return(nil, errors.New("timeout"))

	_, err := f.engine.Pull(ctx)
	require.Error(t, err)

	token, err := f.store.SyncToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "4", token)

	batches, err := f.store.ListBatches(ctx, 0)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, delta.BatchFailed, batches[0].Status)
}

func TestEngine_PullOperationalTransformMerges(t *testing.T) {
	ctx := context.Background()
	policy := delta.DefaultPolicy()
	policy.ConflictResolution = delta.OperationalTransform
	f := newEngineFixture(policy)

	f.createGate(t, "gate-1", "A")
	local := f.record(t, oplog.RecordInput{
		EntityType:    delta.EntityGate,
		EntityID:      "gate-1",
		OperationType: delta.OpUpdate,
		FieldName:     "name",
		NewValue:      json.RawMessage(`"Local"`),
	})

	f.remote.On("PullBatch", mock.Anything, mock.Anything).Return(&delta.PullResponse{
		Operations: []delta.Operation{{
			ID:            "r1",
			EntityType:    delta.EntityGate,
			EntityID:      "gate-1",
			OperationType: delta.OpUpdate,
			FieldName:     "status",
			NewValue:      json.RawMessage(`"closed"`),
			RowVersion:    4,
			Timestamp:     local.Timestamp.Add(-time.Second),
		}},
		NextSyncToken: "1",
	}, nil)

	result, err := f.engine.Pull(ctx)

	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	assert.JSONEq(t, `{"name":"Local","status":"closed"}`, string(result.Conflicts[0].ResolvedValue))

	entity, err := f.store.GetEntity(ctx, delta.EntityGate, "gate-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Local","status":"closed"}`, string(entity.Data))
	assert.Equal(t, int64(4), entity.RowVersion)
	assert.Equal(t, delta.StatusPending, entity.SyncStatus)
}
