package artifact

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentforge/core"
)

var _ core.ArtifactStore = (*InMemoryStore)(nil)

func TestInMemoryStore_SaveGetIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	data := []byte("hello")
	require.NoError(t, store.Save(ctx, "t1", "a1", data))

	data[0] = 'H'

	out, err := store.Get(ctx, "t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	out[0] = 'x'

	out2, err := store.Get(ctx, "t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out2))
}

func TestInMemoryStore_ScopesAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	require.NoError(t, store.Save(ctx, "tenant-a", "runs/1/output.json", []byte("a")))

	_, err := store.Get(ctx, "tenant-b", "runs/1/output.json")
	assert.ErrorIs(t, err, ErrNotFound)

	ids, err := store.List(ctx, "tenant-b")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestInMemoryStore_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	require.NoError(t, store.Save(ctx, "t1", "b", []byte("2")))
	require.NoError(t, store.Save(ctx, "t1", "a", []byte("1")))

	ids, err := store.List(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, store.Delete(ctx, "t1", "a"))

	_, err = store.Get(ctx, "t1", "a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "t1", "a"), ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "missing", "a"), ErrNotFound)

	ids, err = store.List(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestInMemoryStore_InvalidKeys(t *testing.T) {
	store := NewInMemoryStore()

	for _, id := range []string{"", "/abs", "runs/../../etc"} {
		assert.ErrorIs(t, store.Save(context.Background(), "t1", id, nil), ErrInvalidKey, id)
	}
}

func TestInMemoryStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := NewInMemoryStore()

	assert.ErrorIs(t, store.Save(ctx, "t1", "a", nil), context.Canceled)

	_, err := store.List(ctx, "t1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInMemoryStore_Concurrency(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	var wg sync.WaitGroup

	for i := range 100 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, store.Save(ctx, "t1", fmt.Sprintf("a%d", i%10), []byte("data")))

			_, _ = store.List(ctx, "t1")
		}()
	}

	wg.Wait()

	ids, err := store.List(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, ids, 10)
}
