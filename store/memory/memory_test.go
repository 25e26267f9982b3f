package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SetGetDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	buf := []byte("v1")
	require.NoError(t, s.Set(ctx, "k", buf))
	buf[0] = 'X' // caller reuses its buffer

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"), "deleting a missing key is not an error")
	assert.Equal(t, 0, s.Len())
}

func TestStore_Scan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Set(ctx, "a/1", []byte("1")))
	require.NoError(t, s.Set(ctx, "a/2", []byte("2")))
	require.NoError(t, s.Set(ctx, "b/1", []byte("3")))

	seen := map[string]string{}
	require.NoError(t, s.Scan(ctx, "a/", func(k string, v []byte) error {
		seen[k] = string(v)
		return nil
	}))
	assert.Equal(t, map[string]string{"a/1": "1", "a/2": "2"}, seen)
}

func TestStore_CanceledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, New().Set(ctx, "k", nil), context.Canceled)
}
