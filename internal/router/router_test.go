package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrinkleyS24/intrackt-syncd/internal/api"
	"github.com/BrinkleyS24/intrackt-syncd/internal/auth"
	"github.com/BrinkleyS24/intrackt-syncd/internal/cache"
	"github.com/BrinkleyS24/intrackt-syncd/internal/events"
	syncengine "github.com/BrinkleyS24/intrackt-syncd/internal/sync"
	"github.com/BrinkleyS24/intrackt-syncd/internal/undo"
)

type staticMinter struct{}

func (staticMinter) Mint(ctx context.Context) (string, error) { return "tok", nil }

// routerHarness wires the real stack end to end against a scripted backend,
// so tests exercise the same dispatch path the extension UI hits.
type routerHarness struct {
	g       *gin.Engine
	store   *cache.Store
	bus     *events.Bus
	gate    *auth.Gate
	backend *httptest.Server

	mu   sync.Mutex
	hits map[string]int
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &routerHarness{
		store: store,
		bus:   events.NewBus(),
		gate:  auth.NewGate(),
		hits:  make(map[string]int),
	}

	h.backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.hits[r.URL.Path]++
		h.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/emails/sync", "/emails/fetch-new":
			w.Write([]byte(`{"success":true,"categorizedEmails":{},"quota":{"limit":50,"usage":3,"usagePercentage":6}}`))
		case "/plan/fetch":
			w.Write([]byte(`{"success":true,"plan":"premium"}`))
		case "/emails/followups":
			w.Write([]byte(`{"success":true,"followUps":{"thread-9":true}}`))
		default:
			w.Write([]byte(`{"success":true}`))
		}
	}))
	t.Cleanup(h.backend.Close)

	sessions := auth.NewSessions(store, h.bus)
	client := api.NewClient(h.backend.URL, time.Second, h.gate, sessions, staticMinter{})
	engine := syncengine.NewEngine(client, store, h.bus)
	// Hour-long windows so no timer fires during a test run.
	workflow := undo.NewWorkflow(client, store, engine, h.bus, time.Hour, time.Hour)
	t.Cleanup(workflow.Stop)

	h.g = gin.New()
	New(store, sessions, h.gate, client, engine, workflow, h.bus).Register(h.g)
	return h
}

func (h *routerHarness) backendHits(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[path]
}

func (h *routerHarness) post(t *testing.T, opType string, payload interface{}) (int, Response) {
	t.Helper()
	body := map[string]interface{}{"type": opType}
	if payload != nil {
		body["payload"] = payload
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/message", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.g.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func (h *routerHarness) signIn(t *testing.T) {
	t.Helper()
	require.NoError(t, h.store.SaveIdentity(context.Background(), cache.Identity{
		UserID: "u1", Email: "u1@example.com", PlanTier: cache.PlanFree,
	}))
	h.gate.Resolve()
}

func (h *routerHarness) seedEmail(t *testing.T, id string, category cache.Category) {
	t.Helper()
	date, _ := time.Parse(time.RFC3339, "2024-01-02T00:00:00Z")
	require.NoError(t, h.store.ReplaceAll(context.Background(), map[cache.Category][]cache.Email{
		category: {{ID: id, ThreadID: "t-" + id, Subject: "s", Date: date}},
	}, nil))
}

func TestMalformedRequestIsBadRequest(t *testing.T) {
	h := newRouterHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/message", bytes.NewReader([]byte(`{"type":`)))
	rec := httptest.NewRecorder()
	h.g.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownOperationTypeIsExplicit(t *testing.T) {
	h := newRouterHarness(t)
	h.signIn(t)

	code, resp := h.post(t, "frobnicate", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unhandled operation type: frobnicate")
}

func TestNonLoginOpsRequireIdentity(t *testing.T) {
	h := newRouterHarness(t)

	_, resp := h.post(t, OpFetchQuota, nil)
	assert.False(t, resp.Success)
	assert.Equal(t, "authentication required", resp.Error)
	assert.Zero(t, h.backendHits("/emails/sync"))
}

func TestLoginPersistsIdentityAndResolvesGate(t *testing.T) {
	h := newRouterHarness(t)

	_, resp := h.post(t, OpLogin, gin.H{"userId": "u1", "email": "u1@example.com"})
	require.True(t, resp.Success, resp.Error)
	assert.True(t, h.gate.Resolved())

	ident, ok, err := h.store.LoadIdentity(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "u1", ident.UserID)
	assert.Equal(t, cache.PlanFree, ident.PlanTier)

	// The initial full refresh runs in the background.
	require.Eventually(t, func() bool {
		return h.backendHits("/emails/sync") >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAnonymousLoginSkipsInitialSync(t *testing.T) {
	h := newRouterHarness(t)

	_, resp := h.post(t, OpLogin, gin.H{"isAnonymous": true})
	require.True(t, resp.Success, resp.Error)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.backendHits("/emails/sync"))
}

func TestLoginRejectsIncompleteCredentials(t *testing.T) {
	h := newRouterHarness(t)

	_, resp := h.post(t, OpLogin, gin.H{"userId": "u1"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "userId and email")
}

func TestLogoutClearsDurableIdentity(t *testing.T) {
	h := newRouterHarness(t)
	h.signIn(t)

	_, resp := h.post(t, OpLogout, nil)
	require.True(t, resp.Success, resp.Error)

	_, ok, err := h.store.LoadIdentity(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetchQuotaReturnsAndCachesSnapshot(t *testing.T) {
	h := newRouterHarness(t)
	h.signIn(t)

	_, resp := h.post(t, OpFetchQuota, nil)
	require.True(t, resp.Success, resp.Error)

	quota, ok, err := h.store.Quota(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, quota.Usage)
}

func TestUpdatePlanPersistsAndNotifies(t *testing.T) {
	h := newRouterHarness(t)
	h.signIn(t)

	_, resp := h.post(t, OpUpdatePlan, gin.H{"plan": cache.PlanPremium})
	require.True(t, resp.Success, resp.Error)

	plan, ok, err := h.store.Plan(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cache.PlanPremium, plan)
	assert.NotEmpty(t, h.bus.ByType(events.TypeNotify))

	_, resp = h.post(t, OpUpdatePlan, gin.H{"plan": "gold"})
	assert.False(t, resp.Success)
}

func TestFetchPlanCachesBackendAnswer(t *testing.T) {
	h := newRouterHarness(t)
	h.signIn(t)

	_, resp := h.post(t, OpFetchPlan, nil)
	require.True(t, resp.Success, resp.Error)

	plan, ok, err := h.store.Plan(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cache.PlanPremium, plan)
}

func TestFetchFollowUpsCachesResult(t *testing.T) {
	h := newRouterHarness(t)
	h.signIn(t)

	_, resp := h.post(t, OpFetchFollowUps, nil)
	require.True(t, resp.Success, resp.Error)

	followUps, err := h.store.FollowUps(context.Background())
	require.NoError(t, err)
	assert.True(t, followUps["thread-9"])
}

func TestSendReplyValidatesBeforeNetwork(t *testing.T) {
	h := newRouterHarness(t)
	h.signIn(t)

	_, resp := h.post(t, OpSendReply, gin.H{"emailId": "e1", "threadId": "t1"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "requires emailId, threadId and body")
	assert.Zero(t, h.backendHits("/emails/reply"))
}

func TestSendReplyTriggersReconcilingSync(t *testing.T) {
	h := newRouterHarness(t)
	h.signIn(t)

	_, resp := h.post(t, OpSendReply, gin.H{"emailId": "e1", "threadId": "t1", "body": "thanks"})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, 1, h.backendHits("/emails/reply"))
	assert.Equal(t, 1, h.backendHits("/emails/sync"))
	assert.NotEmpty(t, h.bus.ByType(events.TypeNotify))
}

func TestArchiveRequiresEmailID(t *testing.T) {
	h := newRouterHarness(t)
	h.signIn(t)

	_, resp := h.post(t, OpArchive, gin.H{"threadId": "t1"})
	assert.False(t, resp.Success)
	assert.Zero(t, h.backendHits("/emails/archive"))

	_, resp = h.post(t, OpArchive, gin.H{"emailId": "e1", "threadId": "t1"})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, 1, h.backendHits("/emails/archive"))
}

func TestReportThenCancelNeverReachesBackend(t *testing.T) {
	h := newRouterHarness(t)
	h.signIn(t)
	h.seedEmail(t, "e1", cache.CategoryApplied)
	ctx := context.Background()

	_, resp := h.post(t, OpReportMisclassification, gin.H{
		"emailId": "e1", "correctedCategory": cache.CategoryInterviewed,
	})
	require.True(t, resp.Success, resp.Error)

	_, category, err := h.store.FindEmail(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, cache.CategoryInterviewed, category)

	_, resp = h.post(t, OpCancelMisclassification, gin.H{"emailId": "e1"})
	require.True(t, resp.Success, resp.Error)

	_, category, err = h.store.FindEmail(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, cache.CategoryApplied, category)
	assert.Zero(t, h.backendHits("/emails/report-misclassification"))

	// Cancelling twice is an error, not a silent no-op.
	_, resp = h.post(t, OpCancelMisclassification, gin.H{"emailId": "e1"})
	assert.False(t, resp.Success)
}

func TestUndoMisclassificationPostsCompensation(t *testing.T) {
	h := newRouterHarness(t)
	h.signIn(t)

	_, resp := h.post(t, OpUndoMisclassification, gin.H{
		"emailId":           "e1",
		"threadId":          "t1",
		"originalCategory":  cache.CategoryApplied,
		"correctedCategory": cache.CategoryIrrelevant,
	})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, 1, h.backendHits("/emails/undo-misclassification"))
}

func TestMarkReadSingle(t *testing.T) {
	h := newRouterHarness(t)
	h.signIn(t)
	h.seedEmail(t, "e1", cache.CategoryApplied)

	_, resp := h.post(t, OpMarkReadSingle, gin.H{"emailId": "e1"})
	require.True(t, resp.Success, resp.Error)

	email, _, err := h.store.FindEmail(context.Background(), "e1")
	require.NoError(t, err)
	assert.True(t, email.IsRead)

	_, resp = h.post(t, OpMarkReadSingle, gin.H{"emailId": "missing"})
	assert.False(t, resp.Success)
}

func TestMarkReadCategoryResetsNewCount(t *testing.T) {
	h := newRouterHarness(t)
	h.signIn(t)
	h.seedEmail(t, "e1", cache.CategoryApplied)
	ctx := context.Background()
	require.NoError(t, h.store.BumpNewCounts(ctx, map[cache.Category]int{cache.CategoryApplied: 2}))

	_, resp := h.post(t, OpMarkReadCategory, gin.H{"category": cache.CategoryApplied})
	require.True(t, resp.Success, resp.Error)

	counts, err := h.store.NewCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[cache.CategoryApplied])

	_, resp = h.post(t, OpMarkReadCategory, gin.H{"category": "bogus"})
	assert.False(t, resp.Success)
}
