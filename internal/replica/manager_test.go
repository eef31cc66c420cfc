package replica

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/notesync/internal/store"
)

func TestManager_CachesReplicas(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), WithClock(newClock()))
	defer m.Close(ctx)

	a, err := m.Open(ctx, "body:x")
	require.NoError(t, err)
	b, err := m.Open(ctx, "body:x")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = m.Open(ctx, "body:y")
	require.NoError(t, err)
	assert.Equal(t, []string{"body:x", "body:y"}, m.Names())

	_, ok := m.Get("body:z")
	assert.False(t, ok)
}

func TestManager_FlushAllAndRelease(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	m := NewManager(backend, WithClock(newClock()))

	r, err := m.Open(ctx, "body:x")
	require.NoError(t, err)
	r.Body().SetBody("text")
	require.NoError(t, m.FlushAll(ctx))

	updates, err := backend.GetAllUpdates(ctx, "body:x")
	require.NoError(t, err)
	assert.Len(t, updates, 1)

	require.NoError(t, m.Release(ctx, "body:x"))
	_, ok := m.Get("body:x")
	assert.False(t, ok)
	require.NoError(t, m.Release(ctx, "body:x"))

	again, err := m.Open(ctx, "body:x")
	require.NoError(t, err)
	assert.Equal(t, "text", again.Body().GetBody())
	require.NoError(t, m.Close(ctx))
}
