package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/dcf/pkg/dcferr"
)

// runBackendContract exercises the behaviour every Backend must share.
func runBackendContract(t *testing.T, newBackend func(t *testing.T) Backend) {
	ctx := context.Background()

	t.Run("set then get", func(t *testing.T) {
		b := newBackend(t)
		key, err := b.GenerateKey(ctx)
		require.NoError(t, err)

		require.NoError(t, b.SetItem(ctx, key, []byte("hello")))
		got, err := b.GetItem(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), got)

		require.NoError(t, b.SetItem(ctx, key, []byte("replaced")))
		got, err = b.GetItem(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("replaced"), got)
	})

	t.Run("append creates and concatenates", func(t *testing.T) {
		b := newBackend(t)
		key, err := b.GenerateKey(ctx)
		require.NoError(t, err)

		require.NoError(t, b.AppendItem(ctx, key, []byte("a")))
		require.NoError(t, b.AppendItem(ctx, key, []byte("b")))
		require.NoError(t, b.AppendItem(ctx, key, []byte("c")))

		got, err := b.GetItem(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), got)
	})

	t.Run("missing key is not found", func(t *testing.T) {
		b := newBackend(t)
		key, err := b.GenerateKey(ctx)
		require.NoError(t, err)

		_, err = b.GetItem(ctx, key)
		assert.True(t, errors.Is(err, dcferr.ErrNotFound))

		_, err = b.GetAndDeleteItem(ctx, key)
		assert.True(t, errors.Is(err, dcferr.ErrNotFound))
	})

	t.Run("get and delete removes", func(t *testing.T) {
		b := newBackend(t)
		key, err := b.GenerateKey(ctx)
		require.NoError(t, err)
		require.NoError(t, b.SetItem(ctx, key, []byte("once")))

		got, err := b.GetAndDeleteItem(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("once"), got)

		_, err = b.GetItem(ctx, key)
		assert.True(t, errors.Is(err, dcferr.ErrNotFound))
	})

	t.Run("concurrent get and delete yields one winner", func(t *testing.T) {
		b := newBackend(t)
		key, err := b.GenerateKey(ctx)
		require.NoError(t, err)
		require.NoError(t, b.SetItem(ctx, key, []byte("prize")))

		const n = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners, notFound := 0, 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := b.GetAndDeleteItem(ctx, key)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					winners++
				} else if errors.Is(err, dcferr.ErrNotFound) {
					notFound++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
		assert.Equal(t, n-1, notFound)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		b := newBackend(t)
		key, err := b.GenerateKey(ctx)
		require.NoError(t, err)

		require.NoError(t, b.DeleteItem(ctx, key))
		require.NoError(t, b.SetItem(ctx, key, []byte("x")))
		require.NoError(t, b.DeleteItem(ctx, key))
		require.NoError(t, b.DeleteItem(ctx, key))

		_, err = b.GetItem(ctx, key)
		assert.True(t, errors.Is(err, dcferr.ErrNotFound))
	})

	t.Run("generated keys are distinct", func(t *testing.T) {
		b := newBackend(t)
		seen := make(map[string]bool)
		for i := 0; i < 200; i++ {
			key, err := b.GenerateKey(ctx)
			require.NoError(t, err)
			require.False(t, seen[key], "duplicate key %s", key)
			seen[key] = true
		}
	})

	t.Run("cleanup keeps live blobs", func(t *testing.T) {
		b := newBackend(t)
		key, err := b.GenerateKey(ctx)
		require.NoError(t, err)
		require.NoError(t, b.SetItem(ctx, key, []byte("live")))

		require.NoError(t, CleanUp(ctx, b))

		got, err := b.GetItem(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("live"), got)
	})

	t.Run("invalid key rejected on write", func(t *testing.T) {
		b := newBackend(t)
		for _, key := range []string{"", "../escape", ".hidden"} {
			err := b.SetItem(ctx, key, []byte("x"))
			assert.True(t, errors.Is(err, dcferr.ErrBadRequest), fmt.Sprintf("key %q", key))
		}
	})
}
