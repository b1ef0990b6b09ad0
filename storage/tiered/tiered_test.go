package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subledger/storage/memory"
)

// flakyCache is a DedupCache whose calls can be made to fail
type flakyCache struct {
	mu   sync.Mutex
	ids  map[string]bool
	err  error
	sets int
}

func newFlakyCache() *flakyCache { return &flakyCache{ids: make(map[string]bool)} }

func (f *flakyCache) Seen(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.ids[id], nil
}

func (f *flakyCache) Remember(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.err != nil {
		return f.err
	}
	f.ids[id] = true
	return nil
}

func (f *flakyCache) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[id]
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		c, err := New(Config{Hot: memory.NewDedupCache(0, 0), Cold: newFlakyCache()})
		require.NoError(t, err)
		assert.NoError(t, c.Close())
	})

	t.Run("nil hot cache", func(t *testing.T) {
		_, err := New(Config{Cold: newFlakyCache()})
		assert.ErrorContains(t, err, "hot and cold caches are required")
	})

	t.Run("nil cold cache", func(t *testing.T) {
		_, err := New(Config{Hot: newFlakyCache()})
		assert.ErrorContains(t, err, "hot and cold caches are required")
	})

	t.Run("default sync buffer size", func(t *testing.T) {
		c, err := New(Config{Hot: newFlakyCache(), Cold: newFlakyCache(), AsyncRemember: true})
		require.NoError(t, err)
		defer c.Close()
		assert.Equal(t, 1000, cap(c.syncQueue))
	})
}

func TestCache_ReadThrough(t *testing.T) {
	ctx := context.Background()
	hot := memory.NewDedupCache(0, 0)
	cold := newFlakyCache()
	cold.ids["evt_1"] = true

	c, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)

	seen, err := c.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	hotSeen, _ := hot.Seen(ctx, "evt_1")
	assert.True(t, hotSeen, "cold hit populates hot")

	seen, err = c.Seen(ctx, "evt_2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestCache_HotFailureFallsThrough(t *testing.T) {
	ctx := context.Background()
	hot := newFlakyCache()
	hot.err = errors.New("hot down")
	cold := newFlakyCache()
	cold.ids["evt_1"] = true

	c, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	seen, err := c.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	cold.err = errors.New("cold down")
	_, err = c.Seen(ctx, "evt_1")
	assert.Error(t, err)
}

func TestCache_RememberSync(t *testing.T) {
	ctx := context.Background()
	hot, cold := newFlakyCache(), newFlakyCache()
	c, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)

	require.NoError(t, c.Remember(ctx, "evt_1"))
	assert.True(t, hot.has("evt_1"))
	assert.True(t, cold.has("evt_1"))

	cold.err = errors.New("cold down")
	assert.Error(t, c.Remember(ctx, "evt_2"))
	assert.True(t, hot.has("evt_2"))
}

func TestCache_RememberAsync(t *testing.T) {
	ctx := context.Background()
	hot, cold := newFlakyCache(), newFlakyCache()
	var mu sync.Mutex
	var asyncErrs []error

	c, err := New(Config{
		Hot: hot, Cold: cold, AsyncRemember: true,
		AsyncErrorHandler: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			asyncErrs = append(asyncErrs, err)
		},
	})
	require.NoError(t, err)

	require.NoError(t, c.Remember(ctx, "evt_1"))
	assert.True(t, hot.has("evt_1"))
	require.NoError(t, c.Close())
	assert.True(t, cold.has("evt_1"), "close drains queued writes")

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, asyncErrs)
}

func TestCache_AsyncErrorsAreReported(t *testing.T) {
	cold := newFlakyCache()
	cold.err = errors.New("cold down")
	errs := make(chan error, 1)

	c, err := New(Config{
		Hot: newFlakyCache(), Cold: cold, AsyncRemember: true,
		AsyncErrorHandler: func(err error) { errs <- err },
	})
	require.NoError(t, err)
	require.NoError(t, c.Remember(context.Background(), "evt_1"))
	require.NoError(t, c.Close())

	select {
	case got := <-errs:
		assert.ErrorContains(t, got, "tiered sync failed")
	default:
		t.Fatal("expected an async error")
	}
}
