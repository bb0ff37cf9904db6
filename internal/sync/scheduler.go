package sync

import (
	"context"
	"log"
	"time"

	"github.com/BrinkleyS24/intrackt-syncd/internal/cache"
)

// DefaultInterval is how often the scheduler fires when no interval is
// configured.
const DefaultInterval = 15 * time.Minute

// Scheduler drives the engine on a fixed period, independent of any UI
// being open. It survives every failure; a broken sync is broadcast by the
// engine and logged here, never rethrown.
type Scheduler struct {
	engine   *Engine
	store    *cache.Store
	interval time.Duration
}

// NewScheduler creates the periodic sync trigger.
func NewScheduler(engine *Engine, store *cache.Store, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{engine: engine, store: store, interval: interval}
}

// Run blocks, firing a background sync every interval until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("scheduler: stopping")
			return
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

// fire runs one scheduled sync if a signed-in identity is available from
// the durable cache; otherwise it is a no-op.
func (s *Scheduler) fire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduled sync: recovered: %v", r)
		}
	}()

	ident, ok, err := s.store.LoadIdentity(ctx)
	if err != nil {
		log.Printf("scheduled sync: load identity: %v", err)
		return
	}
	if !ok || ident.IsAnonymous {
		return
	}

	if _, err := s.engine.Sync(ctx, false); err != nil {
		log.Printf("scheduled sync for %s: %v", ident.UserID, err)
	}
}
