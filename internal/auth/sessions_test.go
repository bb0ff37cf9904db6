package auth

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrinkleyS24/intrackt-syncd/internal/cache"
	"github.com/BrinkleyS24/intrackt-syncd/internal/events"
)

func newTestSessions(t *testing.T) (*Sessions, *cache.Store, *events.Bus) {
	t.Helper()
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	bus := events.NewBus()
	return NewSessions(store, bus), store, bus
}

func TestSessionsRoundTrip(t *testing.T) {
	sessions, store, _ := newTestSessions(t)
	ctx := context.Background()

	_, ok := sessions.Current()
	assert.False(t, ok)

	ident := cache.Identity{UserID: "u1", Email: "u1@example.com", PlanTier: cache.PlanFree}
	require.NoError(t, sessions.SetCurrent(ctx, ident))

	current, ok := sessions.Current()
	require.True(t, ok)
	assert.Equal(t, ident, current)

	// The live session is mirrored into the durable cache.
	cached, ok, err := store.LoadIdentity(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ident, cached)

	require.NoError(t, sessions.SignOut(ctx))
	_, ok = sessions.Current()
	assert.False(t, ok)
	_, ok, err = store.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForcedSignOutBroadcastsOnce(t *testing.T) {
	sessions, store, bus := newTestSessions(t)
	ctx := context.Background()

	require.NoError(t, sessions.SetCurrent(ctx, cache.Identity{UserID: "u1", Email: "u1@example.com"}))

	sessions.ForceSignOut(ctx, "expired")
	sessions.ForceSignOut(ctx, "expired")

	logouts := bus.ByType(events.TypeForcedLogout)
	require.Len(t, logouts, 1)
	assert.Equal(t, "u1", logouts[0].UserID)
	assert.Equal(t, "expired", logouts[0].Message)

	_, ok := sessions.Current()
	assert.False(t, ok)
	_, ok, err := store.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
