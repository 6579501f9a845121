package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackendContract(t *testing.T) {
	runBackendContract(t, func(t *testing.T) Backend {
		return NewMemoryBackend()
	})
}

func TestMemoryBackendReturnsCopies(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	buf := []byte("abc")
	require.NoError(t, b.SetItem(ctx, "k", buf))
	buf[0] = 'z'

	got, err := b.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)

	got[1] = 'z'
	again, err := b.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestMemoryBackendClose(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	require.NoError(t, b.SetItem(ctx, "k", []byte("v")))
	require.NoError(t, b.Close())
	assert.Equal(t, 0, b.Len())
}
