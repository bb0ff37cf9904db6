package auth

import (
	"context"
	"sync"
)

// Gate is the one-shot readiness signal for the identity subsystem. It
// resolves exactly once, the first time an initial state (signed in or
// signed out) is known, and every outbound API call waits on it so no
// request races the credential bootstrap.
type Gate struct {
	once  sync.Once
	ready chan struct{}
}

// NewGate creates an unresolved gate.
func NewGate() *Gate {
	return &Gate{ready: make(chan struct{})}
}

// Resolve marks the initial identity state as known. Safe to call more than
// once; only the first call has any effect.
func (g *Gate) Resolve() {
	g.once.Do(func() {
		close(g.ready)
	})
}

// AwaitReady blocks until the gate resolves or ctx is cancelled. Once the
// gate has resolved it returns immediately forever after.
func (g *Gate) AwaitReady(ctx context.Context) error {
	select {
	case <-g.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolved reports whether the gate has resolved, without blocking.
func (g *Gate) Resolved() bool {
	select {
	case <-g.ready:
		return true
	default:
		return false
	}
}
