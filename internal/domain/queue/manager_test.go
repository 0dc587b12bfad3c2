package queue

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

type fakeRepository struct {
	mu    sync.Mutex
	items map[string]Item
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{items: map[string]Item{}}
}

func (f *fakeRepository) InsertItem(_ context.Context, item Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[item.ID] = item
	return nil
}

func (f *fakeRepository) GetItem(_ context.Context, id string) (*Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return &item, nil
}

func (f *fakeRepository) UpdateItem(_ context.Context, item Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[item.ID] = item
	return nil
}

func (f *fakeRepository) DueItems(_ context.Context, now time.Time, limit int) ([]Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Item
	for _, item := range f.items {
		if item.Status == StatusPending && !item.ScheduledAt.After(now) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepository) DeleteCompletedItems(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, item := range f.items {
		if item.Status == StatusCompleted {
			delete(f.items, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeRepository) DeleteFailedItemsBefore(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, item := range f.items {
		at := item.CreatedAt
		if item.LastAttemptAt != nil {
			at = *item.LastAttemptAt
		}
		if item.Status == StatusFailed && at.Before(before) {
			delete(f.items, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeRepository) CountItemsByStatus(_ context.Context) (Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := Stats{}
	for _, item := range f.items {
		stats[item.Status]++
	}
	return stats, nil
}

func (f *fakeRepository) ReleaseProcessingItems(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, item := range f.items {
		if item.Status == StatusProcessing {
			item.Status = StatusPending
			f.items[id] = item
			n++
		}
	}
	return n, nil
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(cfg Config) (*Manager, *fakeRepository, *clock) {
	repo := newFakeRepository()
	c := &clock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	m := NewManager(repo, slog.Default(), cfg)
	m.now = c.now
	return m, repo, c
}

func TestManager_Enqueue(t *testing.T) {
	m, repo, c := newTestManager(Config{RetryDelay: time.Second, MaxAttempts: 3})
	ctx := context.Background()

	id, err := m.Enqueue(ctx, "photo", "p-1", "upload", []byte(`{"path":"a.jpg"}`))
	require.NoError(t, err)

	item, err := repo.GetItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)
	assert.Equal(t, 1, item.Priority)
	assert.Equal(t, 3, item.MaxAttempts)
	assert.Equal(t, c.t, item.ScheduledAt)

	_, err = m.Enqueue(ctx, "", "p-1", "upload", nil)
	assert.ErrorIs(t, err, ErrEmptyType)
}

func TestManager_DueItems_Order(t *testing.T) {
	m, _, c := newTestManager(DefaultConfig())
	ctx := context.Background()

	low, _ := m.Enqueue(ctx, "sync", "", "run", nil, WithPriority(1))
	c.advance(time.Second)
	highOld, _ := m.Enqueue(ctx, "photo", "p-1", "upload", nil, WithPriority(5))
	c.advance(time.Second)
	highNew, _ := m.Enqueue(ctx, "photo", "p-2", "upload", nil, WithPriority(5))

	items, err := m.DueItems(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{highOld, highNew, low}, []string{items[0].ID, items[1].ID, items[2].ID})

	items, err = m.DueItems(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestManager_ProcessBatch_Success(t *testing.T) {
	m, repo, _ := newTestManager(DefaultConfig())
	ctx := context.Background()

	id, _ := m.Enqueue(ctx, "photo", "p-1", "upload", nil)

	var seen Status
	res, err := m.ProcessBatch(ctx, func(ctx context.Context, item Item) (bool, error) {
		current, _ := repo.GetItem(ctx, item.ID)
		seen = current.Status
		return true, nil
	}, ProcessOptions{})
	require.NoError(t, err)

	assert.Equal(t, StatusProcessing, seen)
	assert.Equal(t, &ProcessResult{Processed: 1, Completed: 1}, res)
	item, _ := repo.GetItem(ctx, id)
	assert.Equal(t, StatusCompleted, item.Status)
	assert.NotNil(t, item.LastAttemptAt)
}

func TestManager_BackoffUntilFailed(t *testing.T) {
	m, repo, c := newTestManager(Config{RetryDelay: time.Second, MaxAttempts: 4})
	ctx := context.Background()

	id, _ := m.Enqueue(ctx, "photo", "p-1", "upload", nil)
	failing := func(context.Context, Item) (bool, error) { return false, errors.New("s3 unavailable") }

	var schedule []time.Time
	for attempt := 0; attempt < 3; attempt++ {
		res, err := m.ProcessBatch(ctx, failing, ProcessOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Retried)

		item, _ := repo.GetItem(ctx, id)
		assert.Equal(t, StatusPending, item.Status)
		assert.Equal(t, attempt+1, item.Attempts)
		assert.Equal(t, "s3 unavailable", item.ErrorMessage)
		assert.Equal(t, c.t.Add(Backoff(time.Second, attempt)), item.ScheduledAt)
		schedule = append(schedule, item.ScheduledAt)

		res, err = m.ProcessBatch(ctx, failing, ProcessOptions{})
		require.NoError(t, err)
		assert.Equal(t, 0, res.Processed, "item must not run before its scheduled time")

		c.t = item.ScheduledAt
	}

	for i := 1; i < len(schedule); i++ {
		assert.True(t, schedule[i].After(schedule[i-1]))
	}

	res, err := m.ProcessBatch(ctx, failing, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	item, _ := repo.GetItem(ctx, id)
	assert.Equal(t, StatusFailed, item.Status)
	assert.Equal(t, 4, item.Attempts)

	c.advance(24 * time.Hour)
	items, err := m.DueItems(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestManager_IncrementAttempts(t *testing.T) {
	m, _, _ := newTestManager(Config{RetryDelay: 10 * time.Millisecond, MaxAttempts: 2})
	ctx := context.Background()

	id, _ := m.Enqueue(ctx, "sync", "", "run", nil)

	canRetry, err := m.IncrementAttempts(ctx, id, "timeout")
	require.NoError(t, err)
	assert.True(t, canRetry)

	canRetry, err = m.IncrementAttempts(ctx, id, "timeout")
	require.NoError(t, err)
	assert.False(t, canRetry)

	_, err = m.IncrementAttempts(ctx, "missing", "timeout")
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestManager_ProcessBatch_SingleFlight(t *testing.T) {
	m, _, _ := newTestManager(DefaultConfig())
	ctx := context.Background()
	_, _ = m.Enqueue(ctx, "sync", "", "run", nil)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := m.ProcessBatch(ctx, func(context.Context, Item) (bool, error) {
			close(started)
			<-release
			return true, nil
		}, ProcessOptions{})
		done <- err
	}()

	<-started
	assert.True(t, m.IsProcessing())
	_, err := m.ProcessBatch(ctx, func(context.Context, Item) (bool, error) { return true, nil }, ProcessOptions{})
	assert.ErrorIs(t, err, ErrAlreadyProcessing)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, m.IsProcessing())
}

func TestManager_ProcessBatch_ReleasesGuardOnError(t *testing.T) {
	m, _, _ := newTestManager(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	_, _ = m.Enqueue(ctx, "sync", "", "run", nil)
	cancel()

	_, err := m.ProcessBatch(ctx, func(context.Context, Item) (bool, error) { return true, nil }, ProcessOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, m.IsProcessing())
}

func TestManager_ProcessBatch_CancelledHandlerReleasesItem(t *testing.T) {
	m, repo, _ := newTestManager(Config{RetryDelay: time.Minute, MaxAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, _ := m.Enqueue(ctx, "photo", "p-1", "upload", nil)
	res, err := m.ProcessBatch(ctx, func(ctx context.Context, _ Item) (bool, error) {
		cancel()
		return false, ctx.Err()
	}, ProcessOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Processed)

	item, _ := repo.GetItem(context.Background(), id)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)

	items, err := m.DueItems(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestManager_Recover(t *testing.T) {
	m, repo, _ := newTestManager(DefaultConfig())
	ctx := context.Background()

	id, _ := m.Enqueue(ctx, "photo", "p-1", "upload", nil)
	item, _ := repo.GetItem(ctx, id)
	item.Status = StatusProcessing
	require.NoError(t, repo.UpdateItem(ctx, *item))

	n, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	item, _ = repo.GetItem(ctx, id)
	assert.Equal(t, StatusPending, item.Status)

	n, err = m.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_Cancel(t *testing.T) {
	m, repo, _ := newTestManager(DefaultConfig())
	ctx := context.Background()

	id, _ := m.Enqueue(ctx, "photo", "p-1", "upload", nil)
	require.NoError(t, m.Cancel(ctx, id))

	item, _ := repo.GetItem(ctx, id)
	assert.Equal(t, StatusCancelled, item.Status)
	assert.ErrorIs(t, m.Cancel(ctx, id), ErrNotCancellable)

	items, _ := m.DueItems(ctx, 0)
	assert.Empty(t, items)
}

func TestManager_Cleanup(t *testing.T) {
	m, repo, c := newTestManager(Config{RetryDelay: time.Second, MaxAttempts: 1})
	ctx := context.Background()

	done, _ := m.Enqueue(ctx, "photo", "p-1", "upload", nil)
	oldFailed, _ := m.Enqueue(ctx, "photo", "p-2", "upload", nil)
	_, err := m.ProcessBatch(ctx, func(_ context.Context, item Item) (bool, error) {
		return item.ID == done, nil
	}, ProcessOptions{})
	require.NoError(t, err)

	c.advance(10 * 24 * time.Hour)
	recentFailed, _ := m.Enqueue(ctx, "photo", "p-3", "upload", nil)
	_, err = m.ProcessBatch(ctx, func(context.Context, Item) (bool, error) { return false, nil }, ProcessOptions{})
	require.NoError(t, err)

	n, err := m.CleanupCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = m.CleanupFailed(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.GetItem(ctx, oldFailed)
	assert.ErrorIs(t, err, ErrItemNotFound)
	item, err := repo.GetItem(ctx, recentFailed)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, item.Status)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[StatusFailed])
	assert.Equal(t, 1, stats.Total())
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(time.Second, 0))
	assert.Equal(t, 2*time.Second, Backoff(time.Second, 1))
	assert.Equal(t, 8*time.Second, Backoff(time.Second, 3))
	assert.Equal(t, time.Second, Backoff(time.Second, -1))
	assert.Equal(t, MaxBackoff, Backoff(time.Second, 30))
	assert.Equal(t, MaxBackoff, Backoff(time.Hour, 100))
	assert.Equal(t, MaxBackoff, Backoff(time.Duration(math.MaxInt64/2), 30))

	prev := time.Duration(0)
	for attempts := 0; attempts <= 40; attempts++ {
		d := Backoff(time.Minute, attempts)
		assert.Positive(t, d)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestDispatcher(t *testing.T) {
	d := NewDispatcher(slog.Default())
	d.Register("photo", func(context.Context, Item) (bool, error) { return true, nil })

	ok, err := d.Handle(context.Background(), Item{Type: "photo"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Handle(context.Background(), Item{Type: "video"})
	assert.ErrorIs(t, err, ErrNoHandler)
	assert.False(t, ok)
}
