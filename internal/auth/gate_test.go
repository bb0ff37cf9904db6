package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestGateBlocksUntilResolved(t *testing.T) {
	gate := NewGate()
	assert.False(t, gate.Resolved())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := gate.AwaitReady(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGateResolvesExactlyOnce(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionCleaner"),
	)

	gate := NewGate()

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- gate.AwaitReady(context.Background())
		}()
	}

	gate.Resolve()
	for i := 0; i < 2; i++ {
		require.NoError(t, <-done)
	}

	// Idempotent: resolving again must not panic, and waiting again
	// returns immediately.
	gate.Resolve()
	assert.True(t, gate.Resolved())
	require.NoError(t, gate.AwaitReady(context.Background()))
}
