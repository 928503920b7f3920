package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetGet(t *testing.T) {
	store := NewMemoryStore()

	require.NoError(t, store.Set(context.Background(), "k", "v", time.Minute))
	value, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
}

func TestMemoryStoreMissingKey(t *testing.T) {
	store := NewMemoryStore()

	value, err := store.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Empty(t, value)
}

func TestMemoryStoreExpiry(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore().WithClock(func() time.Time { return now })

	require.NoError(t, store.Set(context.Background(), "k", "v", time.Minute))

	now = now.Add(2 * time.Minute)
	value, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Empty(t, value)
}
