package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holorelay/holorelay/internal/scene"
)

func testRecord(id string) *scene.Record {
	return &scene.Record{
		SceneID:    id,
		TenantID:   "tenant-a",
		Scene:      json.RawMessage(`{"scene":"alpha"}`),
		CreatedAt:  time.Now().UTC(),
		ProducedBy: "worker-1",
	}
}

func TestMemoryGetMiss(t *testing.T) {
	m := NewMemory()
	rec, err := m.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)

	ok, err := m.Has(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, testRecord("s1")))

	rec, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "tenant-a", rec.TenantID)

	ok, err := m.Has(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryPutIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first := testRecord("s1")
	require.NoError(t, m.Put(ctx, first))

	// A second put with the same key is a no-op; the stored value is not
	// replaced.
	second := testRecord("s1")
	second.ProducedBy = "worker-2"
	require.NoError(t, m.Put(ctx, second))

	rec, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", rec.ProducedBy)
	assert.Equal(t, 1, m.Len())
}

func TestMemoryPutRequiresID(t *testing.T) {
	m := NewMemory()
	assert.Error(t, m.Put(context.Background(), &scene.Record{}))
	assert.Error(t, m.Put(context.Background(), nil))
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Put(ctx, testRecord("s1")))
	require.NoError(t, m.Delete(ctx, "s1"))

	ok, err := m.Has(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing key is not an error.
	require.NoError(t, m.Delete(ctx, "s1"))
}

func TestMemoryAllStableOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, m.Put(ctx, testRecord(id)))
	}

	var seen []string
	require.NoError(t, m.All(ctx, func(rec *scene.Record) error {
		seen = append(seen, rec.SceneID)
		return nil
	}))
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestMemoryAllStopsOnError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Put(ctx, testRecord(fmt.Sprintf("s%d", i))))
	}

	count := 0
	errStop := fmt.Errorf("stop")
	err := m.All(ctx, func(*scene.Record) error {
		count++
		if count == 2 {
			return errStop
		}
		return nil
	})
	assert.ErrorIs(t, err, errStop)
	assert.Equal(t, 2, count)
}

func TestMemoryConcurrentPuts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = m.Put(ctx, testRecord(fmt.Sprintf("s%d-%d", i, j)))
				// Duplicate writes of a shared key must stay no-ops.
				_ = m.Put(ctx, testRecord("shared"))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16*50+1, m.Len())
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Put(ctx, testRecord("s1")))

	rec, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	rec.TenantID = "mutated"

	again, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", again.TenantID)
}
