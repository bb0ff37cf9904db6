package undo

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BrinkleyS24/intrackt-syncd/internal/cache"
	"github.com/BrinkleyS24/intrackt-syncd/internal/events"
	syncengine "github.com/BrinkleyS24/intrackt-syncd/internal/sync"
)

const (
	// DefaultWindow is how long the user has to cancel a reclassification
	// before it commits remotely.
	DefaultWindow = 5 * time.Second
	// ServerMoveWindow is the longer window for corrections that archive
	// the message server-side (moves into the irrelevant sink).
	ServerMoveWindow = 10 * time.Second

	endpointReport = "/emails/report-misclassification"
	endpointUndo   = "/emails/undo-misclassification"
)

// Poster is the slice of the API client the workflow needs.
type Poster interface {
	Post(ctx context.Context, endpoint string, body, out interface{}) error
}

// Syncer triggers a reconciling sync after a committed mutation.
type Syncer interface {
	Sync(ctx context.Context, fullRefresh bool) (*syncengine.Result, error)
}

// Pending describes one armed reclassification. At most one exists per
// email; a newer request supersedes an older one.
type Pending struct {
	ID        string         `json:"id"`
	EmailID   string         `json:"emailId"`
	ThreadID  string         `json:"threadId"`
	Original  cache.Category `json:"originalCategory"`
	Corrected cache.Category `json:"correctedCategory"`
	CreatedAt time.Time      `json:"createdAt"`
	CommitAt  time.Time      `json:"commitAt"`
}

type entry struct {
	Pending
	timer *time.Timer
}

type reportRequest struct {
	UserID            string `json:"userId"`
	UserEmail         string `json:"userEmail"`
	EmailID           string `json:"emailId"`
	ThreadID          string `json:"threadId"`
	OriginalCategory  string `json:"originalCategory"`
	CorrectedCategory string `json:"correctedCategory"`
}

type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Workflow implements the deferred-commit undo window: the local cache
// move happens immediately, the remote mutation only after the window
// elapses uncancelled. Cancellation stops the commit from starting; it
// never aborts a commit already in flight.
type Workflow struct {
	api    Poster
	store  *cache.Store
	engine Syncer
	bus    events.Broadcaster

	window           time.Duration
	serverMoveWindow time.Duration

	// replaceable so tests drive commits instead of sleeping
	afterFunc func(time.Duration, func()) *time.Timer
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*entry
}

// NewWorkflow creates the workflow with the given undo windows.
func NewWorkflow(api Poster, store *cache.Store, engine Syncer, bus events.Broadcaster, window, serverMoveWindow time.Duration) *Workflow {
	if window <= 0 {
		window = DefaultWindow
	}
	if serverMoveWindow <= 0 {
		serverMoveWindow = ServerMoveWindow
	}
	return &Workflow{
		api:              api,
		store:            store,
		engine:           engine,
		bus:              bus,
		window:           window,
		serverMoveWindow: serverMoveWindow,
		afterFunc:        time.AfterFunc,
		now:              time.Now,
		pending:          make(map[string]*entry),
	}
}

// Report starts a reclassification: the email moves locally right away and
// a cancellable timer is armed for the remote commit. A second report for
// the same email first cancels and reverts the prior one (last-request-
// wins). Moves out of the irrelevant sink commit immediately with no
// window; the origin mailbox already archived those messages, so there is
// nothing local left to restore on cancel.
func (w *Workflow) Report(ctx context.Context, emailID string, corrected cache.Category) (*Pending, error) {
	if !corrected.Valid() {
		return nil, fmt.Errorf("unknown category %q", corrected)
	}

	w.mu.Lock()
	if prev, ok := w.pending[emailID]; ok {
		prev.timer.Stop()
		delete(w.pending, emailID)
		if _, _, err := w.store.MoveEmail(ctx, emailID, prev.Original); err != nil {
			w.mu.Unlock()
			return nil, fmt.Errorf("revert superseded reclassification: %w", err)
		}
	}

	email, original, err := w.store.MoveEmail(ctx, emailID, corrected)
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	if original == corrected {
		w.mu.Unlock()
		return nil, fmt.Errorf("email %s is already in %s", emailID, corrected)
	}

	now := w.now()
	p := Pending{
		ID:        uuid.NewString(),
		EmailID:   emailID,
		ThreadID:  email.ThreadID,
		Original:  original,
		Corrected: corrected,
		CreatedAt: now,
		CommitAt:  now,
	}

	if original == cache.CategoryIrrelevant {
		w.mu.Unlock()
		w.send(ctx, p)
		return &p, nil
	}

	window := w.window
	if corrected == cache.CategoryIrrelevant {
		window = w.serverMoveWindow
	}
	p.CommitAt = now.Add(window)

	en := &entry{Pending: p}
	en.timer = w.afterFunc(window, func() {
		w.commit(p.ID, emailID)
	})
	w.pending[emailID] = en
	w.mu.Unlock()

	return &p, nil
}

// Cancel stops a still-pending reclassification and reverts the optimistic
// move. No remote mutation happens, not even after the original deadline.
func (w *Workflow) Cancel(ctx context.Context, emailID string) error {
	w.mu.Lock()
	en, ok := w.pending[emailID]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("no pending reclassification for %s", emailID)
	}
	en.timer.Stop()
	delete(w.pending, emailID)
	w.mu.Unlock()

	if _, _, err := w.store.MoveEmail(ctx, emailID, en.Original); err != nil {
		return fmt.Errorf("revert reclassification: %w", err)
	}
	return nil
}

// UndoCommitted reverses a reclassification whose remote mutation already
// committed: it issues the compensating mutation and triggers a fresh sync
// so the authoritative state flows back into the cache.
func (w *Workflow) UndoCommitted(ctx context.Context, emailID, threadID string, original, corrected cache.Category) error {
	ident, ok, err := w.store.LoadIdentity(ctx)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if !ok {
		return fmt.Errorf("no identity available")
	}

	var resp envelope
	reqErr := w.api.Post(ctx, endpointUndo, reportRequest{
		UserID:            ident.UserID,
		UserEmail:         ident.Email,
		EmailID:           emailID,
		ThreadID:          threadID,
		OriginalCategory:  string(original),
		CorrectedCategory: string(corrected),
	}, &resp)
	if reqErr != nil {
		return reqErr
	}
	if !resp.Success {
		return fmt.Errorf("undo rejected: %s", resp.Error)
	}

	if _, err := w.engine.Sync(ctx, false); err != nil {
		log.Printf("post-undo sync: %v", err)
	}
	w.notify(ctx, ident.UserID, fmt.Sprintf("Moved the email back to %s.", original))
	return nil
}

// PendingFor returns the armed reclassification for an email, if any.
func (w *Workflow) PendingFor(emailID string) (Pending, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	en, ok := w.pending[emailID]
	if !ok {
		return Pending{}, false
	}
	return en.Pending, true
}

// Stop disarms every pending timer without committing. Used at shutdown.
func (w *Workflow) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for emailID, en := range w.pending {
		en.timer.Stop()
		delete(w.pending, emailID)
	}
}

// commit runs when a timer fires. The pending id guards against a
// supersede race: a timer surviving past Stop must not commit the entry
// that replaced its own.
func (w *Workflow) commit(pendingID, emailID string) {
	w.mu.Lock()
	en, ok := w.pending[emailID]
	if !ok || en.ID != pendingID {
		w.mu.Unlock()
		return
	}
	delete(w.pending, emailID)
	w.mu.Unlock()

	w.send(context.Background(), en.Pending)
}

// send posts the remote mutation and, on success, triggers exactly one
// reconciling sync. On failure the optimistic local move stays; the user
// is notified and the periodic sync reconverges the cache.
func (w *Workflow) send(ctx context.Context, p Pending) {
	ident, ok, err := w.store.LoadIdentity(ctx)
	if err != nil || !ok {
		log.Printf("commit reclassification %s: no identity (%v)", p.EmailID, err)
		w.notify(ctx, "", "We couldn't save your correction. It will be retried on the next sync.")
		return
	}

	var resp envelope
	reqErr := w.api.Post(ctx, endpointReport, reportRequest{
		UserID:            ident.UserID,
		UserEmail:         ident.Email,
		EmailID:           p.EmailID,
		ThreadID:          p.ThreadID,
		OriginalCategory:  string(p.Original),
		CorrectedCategory: string(p.Corrected),
	}, &resp)
	if reqErr != nil || !resp.Success {
		if reqErr != nil {
			log.Printf("commit reclassification %s: %v", p.EmailID, reqErr)
		} else {
			log.Printf("commit reclassification %s: rejected: %s", p.EmailID, resp.Error)
		}
		w.notify(ctx, ident.UserID, "We couldn't save your correction. It will sort itself out on the next sync.")
		return
	}

	if _, err := w.engine.Sync(ctx, false); err != nil {
		log.Printf("post-commit sync: %v", err)
	}
	w.notify(ctx, ident.UserID, fmt.Sprintf("Email moved to %s.", p.Corrected))
}

func (w *Workflow) notify(ctx context.Context, userID, message string) {
	ev := events.New(events.TypeNotify, userID)
	ev.Message = message
	if err := w.bus.Publish(ctx, ev); err != nil {
		log.Printf("broadcast notify: %v", err)
	}
}
