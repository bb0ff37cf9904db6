package sync

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/BrinkleyS24/intrackt-syncd/internal/api"
	"github.com/BrinkleyS24/intrackt-syncd/internal/cache"
	"github.com/BrinkleyS24/intrackt-syncd/internal/events"
)

const (
	endpointSync     = "/emails/sync"
	endpointFetchNew = "/emails/fetch-new"
)

type syncRequest struct {
	UserEmail      string `json:"userEmail"`
	UserID         string `json:"userId"`
	FullRefresh    bool   `json:"fullRefresh,omitempty"`
	FetchOnlyQuota bool   `json:"fetchOnlyQuota,omitempty"`
}

type syncResponse struct {
	Success           bool                             `json:"success"`
	Error             string                           `json:"error,omitempty"`
	CategorizedEmails map[cache.Category][]cache.Email `json:"categorizedEmails"`
	Quota             *cache.Quota                     `json:"quota"`
}

// Result is what a successful sync hands back to direct callers; the same
// data goes out on the broadcast channel.
type Result struct {
	Categories map[cache.Category][]cache.Email
	NewCounts  map[cache.Category]int
	Quota      *cache.Quota
}

// Engine orchestrates remote syncs: it calls the backend through the API
// client, reconciles the result into the cache store, and broadcasts the
// outcome. The backend response is authoritative; a failed call leaves the
// store byte-for-byte as it was.
type Engine struct {
	api   *api.Client
	store *cache.Store
	bus   events.Broadcaster
}

// NewEngine creates the sync engine.
func NewEngine(apiClient *api.Client, store *cache.Store, bus events.Broadcaster) *Engine {
	return &Engine{api: apiClient, store: store, bus: bus}
}

// Sync performs a replace-mode sync: each category the backend returns
// replaces the cached list wholesale. fullRefresh asks the backend to
// recompute categorization from the origin mailbox instead of serving its
// stored state.
func (e *Engine) Sync(ctx context.Context, fullRefresh bool) (*Result, error) {
	ident, err := e.identity(ctx)
	if err != nil {
		return nil, err
	}

	var resp syncResponse
	reqErr := e.api.Post(ctx, endpointSync, syncRequest{
		UserEmail:   ident.Email,
		UserID:      ident.UserID,
		FullRefresh: fullRefresh,
	}, &resp)
	if reqErr != nil {
		e.broadcastFailure(ctx, ident.UserID, reqErr.Error(), nil)
		return nil, reqErr
	}
	if !resp.Success {
		e.broadcastFailure(ctx, ident.UserID, resp.Error, resp.Quota)
		return nil, fmt.Errorf("sync rejected: %s", resp.Error)
	}

	if err := e.store.ReplaceAll(ctx, resp.CategorizedEmails, resp.Quota); err != nil {
		e.broadcastFailure(ctx, ident.UserID, err.Error(), nil)
		return nil, fmt.Errorf("persist sync result: %w", err)
	}

	result := &Result{Categories: resp.CategorizedEmails, Quota: resp.Quota}
	e.broadcastCompleted(ctx, ident.UserID, result)
	return result, nil
}

// FetchNew performs a merge-mode sync: incoming items whose id is not
// already cached anywhere are appended to their category, each list is
// re-sorted by date descending, and the advisory new-item counters grow by
// the count actually added, not the count received.
func (e *Engine) FetchNew(ctx context.Context) (*Result, error) {
	ident, err := e.identity(ctx)
	if err != nil {
		return nil, err
	}

	var resp syncResponse
	reqErr := e.api.Post(ctx, endpointFetchNew, syncRequest{
		UserEmail: ident.Email,
		UserID:    ident.UserID,
	}, &resp)
	if reqErr != nil {
		e.broadcastFailure(ctx, ident.UserID, reqErr.Error(), nil)
		return nil, reqErr
	}
	if !resp.Success {
		e.broadcastFailure(ctx, ident.UserID, resp.Error, resp.Quota)
		return nil, fmt.Errorf("fetch-new rejected: %s", resp.Error)
	}

	existing, err := e.store.Categories(ctx)
	if err != nil {
		e.broadcastFailure(ctx, ident.UserID, err.Error(), nil)
		return nil, fmt.Errorf("read cached categories: %w", err)
	}

	merged, added := merge(existing, resp.CategorizedEmails)

	if err := e.store.ReplaceAll(ctx, merged, resp.Quota); err != nil {
		e.broadcastFailure(ctx, ident.UserID, err.Error(), nil)
		return nil, fmt.Errorf("persist merge result: %w", err)
	}
	if err := e.store.BumpNewCounts(ctx, added); err != nil {
		log.Printf("bump new counts: %v", err)
	}

	result := &Result{Categories: merged, NewCounts: added, Quota: resp.Quota}
	e.broadcastCompleted(ctx, ident.UserID, result)
	return result, nil
}

// FetchQuota refreshes only the quota snapshot. The snapshot is overwritten
// wholesale, never merged.
func (e *Engine) FetchQuota(ctx context.Context) (*cache.Quota, error) {
	ident, err := e.identity(ctx)
	if err != nil {
		return nil, err
	}

	var resp syncResponse
	reqErr := e.api.Post(ctx, endpointSync, syncRequest{
		UserEmail:      ident.Email,
		UserID:         ident.UserID,
		FetchOnlyQuota: true,
	}, &resp)
	if reqErr != nil {
		return nil, reqErr
	}
	if !resp.Success {
		return nil, fmt.Errorf("quota fetch rejected: %s", resp.Error)
	}
	if resp.Quota == nil {
		return nil, fmt.Errorf("quota fetch returned no quota")
	}

	if err := e.store.SaveQuota(ctx, *resp.Quota); err != nil {
		return nil, fmt.Errorf("persist quota: %w", err)
	}
	return resp.Quota, nil
}

// identity resolves who to sync from the durable cache, not the live
// session, so the engine works for callers that run before the session
// object is populated.
func (e *Engine) identity(ctx context.Context) (cache.Identity, error) {
	ident, ok, err := e.store.LoadIdentity(ctx)
	if err != nil {
		return cache.Identity{}, fmt.Errorf("load identity: %w", err)
	}
	if !ok {
		return cache.Identity{}, fmt.Errorf("no identity available")
	}
	return ident, nil
}

func (e *Engine) broadcastCompleted(ctx context.Context, userID string, result *Result) {
	ev := events.New(events.TypeSyncCompleted, userID)
	ev.Categories = result.Categories
	ev.NewCounts = result.NewCounts
	ev.Quota = result.Quota
	if err := e.bus.Publish(ctx, ev); err != nil {
		log.Printf("broadcast sync completed: %v", err)
	}
}

// broadcastFailure publishes a sync failure. Even on a logically failed
// response the quota payload is inspected so listeners can tell quota
// exhaustion from a generic failure.
func (e *Engine) broadcastFailure(ctx context.Context, userID, message string, quota *cache.Quota) {
	ev := events.New(events.TypeSyncFailed, userID)
	ev.Error = message
	if quota != nil {
		ev.Quota = quota
		ev.QuotaExhausted = quota.Exhausted()
	}
	if err := e.bus.Publish(ctx, ev); err != nil {
		log.Printf("broadcast sync failed: %v", err)
	}
}

// merge appends incoming items not already cached in any category, then
// re-sorts each touched category by date descending. Untouched categories
// are carried over as-is so the store replace stays complete.
func merge(existing, incoming map[cache.Category][]cache.Email) (map[cache.Category][]cache.Email, map[cache.Category]int) {
	seen := make(map[string]bool)
	for _, list := range existing {
		for _, e := range list {
			seen[e.ID] = true
		}
	}

	merged := make(map[cache.Category][]cache.Email, len(existing))
	for category, list := range existing {
		merged[category] = append([]cache.Email(nil), list...)
	}

	added := make(map[cache.Category]int)
	for category, list := range incoming {
		out := merged[category]
		for _, e := range list {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
			added[category]++
		}
		sortByDateDesc(out)
		merged[category] = out
	}
	return merged, added
}

func sortByDateDesc(list []cache.Email) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].Date.Equal(list[j].Date) {
			return list[i].Date.After(list[j].Date)
		}
		return list[i].ID > list[j].ID
	})
}
