package auth

import (
	"context"
	"log"
	"sync"

	"github.com/BrinkleyS24/intrackt-syncd/internal/cache"
	"github.com/BrinkleyS24/intrackt-syncd/internal/events"
)

// Sessions tracks the live session and mirrors it into the durable cache,
// so handlers can resolve identity even before the live session is
// populated. Exactly one session is active per process.
type Sessions struct {
	mu      sync.RWMutex
	current *cache.Identity

	store *cache.Store
	bus   events.Broadcaster
}

// NewSessions creates the session tracker backed by the durable cache.
func NewSessions(store *cache.Store, bus events.Broadcaster) *Sessions {
	return &Sessions{store: store, bus: bus}
}

// SetCurrent installs the live session and persists it as the last-known
// identity.
func (s *Sessions) SetCurrent(ctx context.Context, ident cache.Identity) error {
	s.mu.Lock()
	copied := ident
	s.current = &copied
	s.mu.Unlock()

	return s.store.SaveIdentity(ctx, ident)
}

// Current returns a copy of the live session, if one exists.
func (s *Sessions) Current() (cache.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return cache.Identity{}, false
	}
	return *s.current, true
}

// SignOut clears the live session and the persisted identity. Used for
// user-initiated logout; no forced-logout event is broadcast.
func (s *Sessions) SignOut(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	return s.store.ClearIdentity(ctx)
}

// ForceSignOut destroys the session after an unrecoverable credential
// failure and broadcasts a forced-logout event. The broadcast fires at most
// once per signed-in session: a second fatal error with nothing left to
// clear is a no-op.
func (s *Sessions) ForceSignOut(ctx context.Context, reason string) {
	s.mu.Lock()
	had := s.current != nil
	var userID string
	if had {
		userID = s.current.UserID
	}
	s.current = nil
	s.mu.Unlock()

	if !had {
		return
	}

	if err := s.store.ClearIdentity(ctx); err != nil {
		log.Printf("forced sign-out: clear identity: %v", err)
	}

	ev := events.New(events.TypeForcedLogout, userID)
	ev.Message = reason
	if err := s.bus.Publish(ctx, ev); err != nil {
		log.Printf("forced sign-out: broadcast: %v", err)
	}
}
