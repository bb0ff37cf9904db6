package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/BrinkleyS24/intrackt-syncd/internal/cache"
)

// Type identifies one member of the broadcast event union.
type Type string

const (
	TypeSyncCompleted Type = "sync.completed"
	TypeSyncFailed    Type = "sync.failed"
	TypeForcedLogout  Type = "auth.forced_logout"
	TypeNotify        Type = "notify"
)

// Event is the typed fan-out notification carried to every listening UI
// surface. Which payload fields are set depends on Type.
type Event struct {
	ID     string `json:"event_id"`
	Type   Type   `json:"type"`
	UserID string `json:"user_id"`
	Ts     int64  `json:"ts"`

	Categories     map[cache.Category][]cache.Email `json:"categories,omitempty"`
	NewCounts      map[cache.Category]int           `json:"new_counts,omitempty"`
	Quota          *cache.Quota                     `json:"quota,omitempty"`
	QuotaExhausted bool                             `json:"quota_exhausted,omitempty"`
	Message        string                           `json:"message,omitempty"`
	Error          string                           `json:"error,omitempty"`
}

// New creates an event with a fresh id and timestamp.
func New(t Type, userID string) Event {
	return Event{
		ID:     uuid.NewString(),
		Type:   t,
		UserID: userID,
		Ts:     time.Now().Unix(),
	}
}

// Broadcaster is the fire-and-forget, many-listener notification channel.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event) error
}
