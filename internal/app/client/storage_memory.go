package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"fieldsync/internal/domain/conflict"
	"fieldsync/internal/domain/delta"
	"fieldsync/internal/domain/queue"
)

// MemoryStorage хранилище в памяти, используется если SQLite недоступен
type MemoryStorage struct {
	mu        sync.RWMutex
	entities  map[string]delta.Entity
	ops       []storedOperation
	opIndex   map[string]int
	batches   map[string]delta.Batch
	conflicts map[string]delta.Conflict
	items     map[string]queue.Item
	meta      map[string]string
	seq       int64
}

type storedOperation struct {
	seq int64
	op  delta.Operation
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		entities:  make(map[string]delta.Entity),
		opIndex:   make(map[string]int),
		batches:   make(map[string]delta.Batch),
		conflicts: make(map[string]delta.Conflict),
		items:     make(map[string]queue.Item),
		meta:      make(map[string]string),
	}
}

func entityKey(entityType delta.EntityType, entityID string) string {
	return string(entityType) + "/" + entityID
}

func cloneEntity(e delta.Entity) delta.Entity {
	if e.Data != nil {
		e.Data = append(json.RawMessage(nil), e.Data...)
	}
	if e.LastSyncAt != nil {
		t := *e.LastSyncAt
		e.LastSyncAt = &t
	}
	return e
}

func (s *MemoryStorage) GetEntity(_ context.Context, entityType delta.EntityType, entityID string) (*delta.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityKey(entityType, entityID)]
	if !ok {
		return nil, delta.ErrNotFound
	}
	e = cloneEntity(e)
	return &e, nil
}

func (s *MemoryStorage) PutEntity(_ context.Context, e delta.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entityKey(e.Type, e.ID)] = cloneEntity(e)
	return nil
}

func (s *MemoryStorage) ListEntities(_ context.Context, entityType delta.EntityType) ([]delta.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []delta.Entity{}
	for _, e := range s.entities {
		if e.Type == entityType && !e.Deleted {
			out = append(out, cloneEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStorage) AppendOperation(_ context.Context, op delta.Operation, entity delta.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.opIndex[op.ID]; ok {
		return fmt.Errorf("operation %s already exists", op.ID)
	}
	s.seq++
	s.opIndex[op.ID] = len(s.ops)
	s.ops = append(s.ops, storedOperation{seq: s.seq, op: op.Clone()})
	s.entities[entityKey(entity.Type, entity.ID)] = cloneEntity(entity)
	return nil
}

// pendingLocked неотправленные операции без открытого ручного конфликта
func (s *MemoryStorage) pendingLocked() []storedOperation {
	held := make(map[string]bool)
	for _, c := range s.conflicts {
		if c.ResolvedAt == nil {
			held[c.LocalOperation.ID] = true
		}
	}

	var out []storedOperation
	for _, so := range s.ops {
		if so.op.SyncStatus == delta.StatusPending && !held[so.op.ID] {
			out = append(out, so)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].op.Timestamp.Equal(out[j].op.Timestamp) {
			return out[i].op.Timestamp.Before(out[j].op.Timestamp)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (s *MemoryStorage) PendingOperations(_ context.Context, limit int) ([]delta.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending := s.pendingLocked()
	out := []delta.Operation{}
	for _, so := range pending {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, so.op.Clone())
	}
	return out, nil
}

func (s *MemoryStorage) LatestPendingOperation(_ context.Context, entityType delta.EntityType, entityID string) (*delta.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending := s.pendingLocked()
	for i := len(pending) - 1; i >= 0; i-- {
		op := pending[i].op
		if op.EntityType == entityType && op.EntityID == entityID {
			c := op.Clone()
			return &c, nil
		}
	}
	return nil, delta.ErrNotFound
}

func (s *MemoryStorage) OperationsForEntity(_ context.Context, entityType delta.EntityType, entityID string) ([]delta.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []delta.Operation{}
	for _, so := range s.ops {
		if so.op.EntityType == entityType && so.op.EntityID == entityID {
			out = append(out, so.op.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStorage) CountPending(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pendingLocked()), nil
}

func (s *MemoryStorage) AssignBatch(_ context.Context, operationIDs []string, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range operationIDs {
		if i, ok := s.opIndex[id]; ok {
			s.ops[i].op.BatchID = batchID
		}
	}
	return nil
}

func (s *MemoryStorage) MarkOperationSynced(_ context.Context, operationID string, serverVersion int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.opIndex[operationID]
	if !ok {
		return delta.ErrNotFound
	}
	op := &s.ops[i].op
	op.SyncStatus = delta.StatusSynced
	if serverVersion > 0 {
		op.ServerVersion = serverVersion
	}
	s.settleEntityLocked(op.EntityType, op.EntityID, at)
	return nil
}

func (s *MemoryStorage) MarkOperationConflicted(_ context.Context, operationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.opIndex[operationID]
	if !ok {
		return delta.ErrNotFound
	}
	op := &s.ops[i].op
	op.SyncStatus = delta.StatusConflicted
	s.settleEntityLocked(op.EntityType, op.EntityID, at)
	return nil
}

// settleEntityLocked переводит сущность в synced, если по ней не осталось pending операций
func (s *MemoryStorage) settleEntityLocked(entityType delta.EntityType, entityID string, at time.Time) {
	for _, so := range s.ops {
		if so.op.EntityType == entityType && so.op.EntityID == entityID && so.op.SyncStatus == delta.StatusPending {
			return
		}
	}
	key := entityKey(entityType, entityID)
	if e, ok := s.entities[key]; ok {
		e.SyncStatus = delta.StatusSynced
		e.LastSyncAt = &at
		s.entities[key] = e
	}
}

func (s *MemoryStorage) SaveBatch(_ context.Context, b delta.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[b.ID] = b
	return nil
}

func (s *MemoryStorage) GetBatch(_ context.Context, id string) (*delta.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, delta.ErrNotFound
	}
	return &b, nil
}

func (s *MemoryStorage) ListBatches(_ context.Context, limit int) ([]delta.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]delta.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStorage) SaveConflict(_ context.Context, c delta.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.LocalOperation = c.LocalOperation.Clone()
	c.RemoteOperation = c.RemoteOperation.Clone()
	s.conflicts[c.ID] = c
	return nil
}

func (s *MemoryStorage) GetConflict(_ context.Context, id string) (*delta.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, delta.ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStorage) ListConflicts(_ context.Context, unresolvedOnly bool) ([]delta.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []delta.Conflict{}
	for _, c := range s.conflicts {
		if unresolvedOnly && c.IsResolved() {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStorage) ResolveConflict(_ context.Context, id string, value json.RawMessage, at time.Time, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[id]
	if !ok {
		return delta.ErrNotFound
	}
	if c.IsResolved() {
		return conflict.ErrConflictResolved
	}
	c.ResolvedValue = append(json.RawMessage(nil), value...)
	c.ResolvedAt = &at
	c.ResolvedBy = by
	s.conflicts[id] = c
	return nil
}

func (s *MemoryStorage) InsertItem(_ context.Context, item queue.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; ok {
		return fmt.Errorf("queue item %s already exists", item.ID)
	}
	s.items[item.ID] = item
	return nil
}

func (s *MemoryStorage) GetItem(_ context.Context, id string) (*queue.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, queue.ErrItemNotFound
	}
	return &item, nil
}

func (s *MemoryStorage) UpdateItem(_ context.Context, item queue.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return queue.ErrItemNotFound
	}
	s.items[item.ID] = item
	return nil
}

func (s *MemoryStorage) DueItems(_ context.Context, now time.Time, limit int) ([]queue.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []queue.Item{}
	for _, item := range s.items {
		if item.Status == queue.StatusPending && !item.ScheduledAt.After(now) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStorage) DeleteCompletedItems(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, item := range s.items {
		if item.Status == queue.StatusCompleted {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStorage) DeleteFailedItemsBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, item := range s.items {
		if item.Status != queue.StatusFailed {
			continue
		}
		at := item.CreatedAt
		if item.LastAttemptAt != nil {
			at = *item.LastAttemptAt
		}
		if at.Before(before) {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStorage) ReleaseProcessingItems(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, item := range s.items {
		if item.Status == queue.StatusProcessing {
			item.Status = queue.StatusPending
			s.items[id] = item
			n++
		}
	}
	return n, nil
}

func (s *MemoryStorage) CountItemsByStatus(_ context.Context) (queue.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := queue.Stats{}
	for _, item := range s.items {
		stats[item.Status]++
	}
	return stats, nil
}

func (s *MemoryStorage) SyncToken(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta[syncTokenKey], nil
}

func (s *MemoryStorage) SetSyncToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[syncTokenKey] = token
	return nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
