package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BrinkleyS24/intrackt-syncd/internal/cache"
	"github.com/BrinkleyS24/intrackt-syncd/internal/events"
)

type loginPayload struct {
	UserID      string `json:"userId"`
	Email       string `json:"email"`
	IsAnonymous bool   `json:"isAnonymous"`
	PlanTier    string `json:"planTier"`
}

type planPayload struct {
	Plan string `json:"plan"`
}

type replyPayload struct {
	EmailID  string `json:"emailId"`
	ThreadID string `json:"threadId"`
	To       string `json:"to"`
	Body     string `json:"body"`
}

type archivePayload struct {
	EmailID  string `json:"emailId"`
	ThreadID string `json:"threadId"`
}

type reportPayload struct {
	EmailID           string         `json:"emailId"`
	CorrectedCategory cache.Category `json:"correctedCategory"`
}

type cancelPayload struct {
	EmailID string `json:"emailId"`
}

type undoPayload struct {
	EmailID           string         `json:"emailId"`
	ThreadID          string         `json:"threadId"`
	OriginalCategory  cache.Category `json:"originalCategory"`
	CorrectedCategory cache.Category `json:"correctedCategory"`
}

type markReadPayload struct {
	EmailID string `json:"emailId"`
}

type markCategoryPayload struct {
	Category cache.Category `json:"category"`
}

func decode(payload json.RawMessage, out interface{}) error {
	if len(payload) == 0 {
		return fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func (r *Router) handleLogin(ctx context.Context, _ *cache.Identity, payload json.RawMessage) (interface{}, error) {
	var p loginPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if !p.IsAnonymous && (p.UserID == "" || p.Email == "") {
		return nil, fmt.Errorf("login requires userId and email")
	}
	if p.PlanTier == "" {
		p.PlanTier = cache.PlanFree
	}

	ident := cache.Identity{
		UserID:      p.UserID,
		Email:       p.Email,
		IsAnonymous: p.IsAnonymous,
		PlanTier:    p.PlanTier,
	}
	if err := r.sessions.SetCurrent(ctx, ident); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	r.gate.Resolve()

	// Initial full refresh runs in the background; the login answer
	// doesn't wait on the backend recomputing the whole mailbox.
	if !ident.IsAnonymous {
		go func() {
			syncCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if _, err := r.engine.Sync(syncCtx, true); err != nil {
				log.Printf("post-login sync: %v", err)
			}
		}()
	}

	return ident, nil
}

func (r *Router) handleLogout(ctx context.Context, ident *cache.Identity, _ json.RawMessage) (interface{}, error) {
	if err := r.sessions.SignOut(ctx); err != nil {
		return nil, fmt.Errorf("sign out: %w", err)
	}
	return gin.H{"loggedOut": true}, nil
}

func (r *Router) handleFetchPlan(ctx context.Context, ident *cache.Identity, _ json.RawMessage) (interface{}, error) {
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
		Plan    string `json:"plan"`
	}
	if err := r.api.Post(ctx, "/plan/fetch", gin.H{"userId": ident.UserID, "userEmail": ident.Email}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("plan fetch rejected: %s", resp.Error)
	}
	if err := r.store.SavePlan(ctx, resp.Plan); err != nil {
		log.Printf("cache plan: %v", err)
	}
	return gin.H{"plan": resp.Plan}, nil
}

func (r *Router) handleUpdatePlan(ctx context.Context, ident *cache.Identity, payload json.RawMessage) (interface{}, error) {
	var p planPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.Plan != cache.PlanFree && p.Plan != cache.PlanPremium {
		return nil, fmt.Errorf("unknown plan %q", p.Plan)
	}

	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	if err := r.api.Post(ctx, "/plan/update", gin.H{"userId": ident.UserID, "plan": p.Plan}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("plan update rejected: %s", resp.Error)
	}
	if err := r.store.SavePlan(ctx, p.Plan); err != nil {
		log.Printf("cache plan: %v", err)
	}
	r.notify(ctx, ident.UserID, fmt.Sprintf("Plan updated to %s.", p.Plan))
	return gin.H{"plan": p.Plan}, nil
}

func (r *Router) handleFetchNew(ctx context.Context, _ *cache.Identity, _ json.RawMessage) (interface{}, error) {
	result, err := r.engine.FetchNew(ctx)
	if err != nil {
		return nil, err
	}
	return gin.H{
		"categorizedEmails": result.Categories,
		"newCounts":         result.NewCounts,
		"quota":             result.Quota,
	}, nil
}

func (r *Router) handleFetchQuota(ctx context.Context, _ *cache.Identity, _ json.RawMessage) (interface{}, error) {
	quota, err := r.engine.FetchQuota(ctx)
	if err != nil {
		return nil, err
	}
	return gin.H{"quota": quota}, nil
}

func (r *Router) handleFetchFollowUps(ctx context.Context, ident *cache.Identity, _ json.RawMessage) (interface{}, error) {
	var resp struct {
		Success   bool            `json:"success"`
		Error     string          `json:"error,omitempty"`
		FollowUps map[string]bool `json:"followUps"`
	}
	if err := r.api.Post(ctx, "/emails/followups", gin.H{"userId": ident.UserID, "userEmail": ident.Email}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("follow-up fetch rejected: %s", resp.Error)
	}
	if err := r.store.SaveFollowUps(ctx, resp.FollowUps); err != nil {
		log.Printf("cache follow-ups: %v", err)
	}
	return gin.H{"followUps": resp.FollowUps}, nil
}

func (r *Router) handleSendReply(ctx context.Context, ident *cache.Identity, payload json.RawMessage) (interface{}, error) {
	var p replyPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.EmailID == "" || p.ThreadID == "" || p.Body == "" {
		return nil, fmt.Errorf("send-reply requires emailId, threadId and body")
	}

	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	if err := r.api.Post(ctx, "/emails/reply", gin.H{
		"userId":   ident.UserID,
		"emailId":  p.EmailID,
		"threadId": p.ThreadID,
		"to":       p.To,
		"body":     p.Body,
	}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("reply rejected: %s", resp.Error)
	}

	r.refresh(ctx)
	r.notify(ctx, ident.UserID, "Reply sent.")
	return gin.H{"sent": true}, nil
}

func (r *Router) handleArchive(ctx context.Context, ident *cache.Identity, payload json.RawMessage) (interface{}, error) {
	var p archivePayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.EmailID == "" {
		return nil, fmt.Errorf("archive requires emailId")
	}

	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	if err := r.api.Post(ctx, "/emails/archive", gin.H{
		"userId":   ident.UserID,
		"emailId":  p.EmailID,
		"threadId": p.ThreadID,
	}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("archive rejected: %s", resp.Error)
	}

	r.refresh(ctx)
	r.notify(ctx, ident.UserID, "Email archived.")
	return gin.H{"archived": true}, nil
}

func (r *Router) handleReportMisclassification(ctx context.Context, _ *cache.Identity, payload json.RawMessage) (interface{}, error) {
	var p reportPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.EmailID == "" || p.CorrectedCategory == "" {
		return nil, fmt.Errorf("report-misclassification requires emailId and correctedCategory")
	}

	pending, err := r.workflow.Report(ctx, p.EmailID, p.CorrectedCategory)
	if err != nil {
		return nil, err
	}
	return gin.H{"pending": pending}, nil
}

func (r *Router) handleCancelMisclassification(ctx context.Context, _ *cache.Identity, payload json.RawMessage) (interface{}, error) {
	var p cancelPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.EmailID == "" {
		return nil, fmt.Errorf("cancel-misclassification requires emailId")
	}
	if err := r.workflow.Cancel(ctx, p.EmailID); err != nil {
		return nil, err
	}
	return gin.H{"cancelled": true}, nil
}

func (r *Router) handleUndoMisclassification(ctx context.Context, _ *cache.Identity, payload json.RawMessage) (interface{}, error) {
	var p undoPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.EmailID == "" || p.OriginalCategory == "" || p.CorrectedCategory == "" {
		return nil, fmt.Errorf("undo-misclassification requires emailId, originalCategory and correctedCategory")
	}
	if err := r.workflow.UndoCommitted(ctx, p.EmailID, p.ThreadID, p.OriginalCategory, p.CorrectedCategory); err != nil {
		return nil, err
	}
	return gin.H{"undone": true}, nil
}

func (r *Router) handleMarkReadSingle(ctx context.Context, _ *cache.Identity, payload json.RawMessage) (interface{}, error) {
	var p markReadPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.EmailID == "" {
		return nil, fmt.Errorf("mark-read-single requires emailId")
	}
	if err := r.store.SetRead(ctx, p.EmailID, true); err != nil {
		return nil, err
	}
	return gin.H{"read": true}, nil
}

func (r *Router) handleMarkReadCategory(ctx context.Context, _ *cache.Identity, payload json.RawMessage) (interface{}, error) {
	var p markCategoryPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if !p.Category.Valid() {
		return nil, fmt.Errorf("unknown category %q", p.Category)
	}
	if err := r.store.SetCategoryRead(ctx, p.Category); err != nil {
		return nil, err
	}
	return gin.H{"read": true}, nil
}

// refresh triggers a reconciling sync after a side-effecting operation.
// Its outcome travels on the broadcast channel; the structured response
// does not wait to carry it.
func (r *Router) refresh(ctx context.Context) {
	if _, err := r.engine.Sync(ctx, false); err != nil {
		log.Printf("post-mutation sync: %v", err)
	}
}

func (r *Router) notify(ctx context.Context, userID, message string) {
	ev := events.New(events.TypeNotify, userID)
	ev.Message = message
	if err := r.bus.Publish(ctx, ev); err != nil {
		log.Printf("broadcast notify: %v", err)
	}
}
