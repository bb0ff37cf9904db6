package cache

import "time"

// Category is a classification bucket an email can live in. Irrelevant is the
// sink bucket reclassifications can move a message into.
type Category string

const (
	CategoryApplied     Category = "applied"
	CategoryInterviewed Category = "interviewed"
	CategoryOffers      Category = "offers"
	CategoryRejected    Category = "rejected"
	CategoryIrrelevant  Category = "irrelevant"
)

// Categories lists every bucket the store tracks.
var Categories = []Category{
	CategoryApplied,
	CategoryInterviewed,
	CategoryOffers,
	CategoryRejected,
	CategoryIrrelevant,
}

// Valid reports whether c is a known bucket.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Email is one cached message. ID is stable and unique across all buckets.
type Email struct {
	ID       string    `json:"id"`
	ThreadID string    `json:"threadId"`
	Subject  string    `json:"subject"`
	From     string    `json:"from"`
	Date     time.Time `json:"date"`
	IsRead   bool      `json:"isRead"`
	Snippet  string    `json:"snippet"`
}

// Quota is the backend-tracked usage ceiling. Overwritten wholesale on every
// successful fetch, never merged.
type Quota struct {
	Limit           int     `json:"limit"`
	Usage           int     `json:"usage"`
	UsagePercentage float64 `json:"usagePercentage"`
}

// Exhausted reports whether the quota has been fully consumed.
func (q Quota) Exhausted() bool {
	return q.UsagePercentage >= 100
}

// Identity is the durable record of who is signed in. It outlives the
// in-memory session so handlers stay correct across process restarts.
type Identity struct {
	UserID      string `json:"userId"`
	Email       string `json:"email"`
	IsAnonymous bool   `json:"isAnonymous"`
	PlanTier    string `json:"planTier"`
}

const (
	PlanFree    = "free"
	PlanPremium = "premium"
)
