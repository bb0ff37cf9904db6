package router

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/BrinkleyS24/intrackt-syncd/internal/api"
	"github.com/BrinkleyS24/intrackt-syncd/internal/auth"
	"github.com/BrinkleyS24/intrackt-syncd/internal/cache"
	"github.com/BrinkleyS24/intrackt-syncd/internal/events"
	syncengine "github.com/BrinkleyS24/intrackt-syncd/internal/sync"
	"github.com/BrinkleyS24/intrackt-syncd/internal/undo"
)

// Operation types accepted on the message channel. Anything else yields a
// typed unhandled-operation error, never a silent no-op.
const (
	OpLogin                    = "login"
	OpLogout                   = "logout"
	OpFetchPlan                = "fetch-plan"
	OpUpdatePlan               = "update-plan"
	OpFetchNew                 = "fetch-new"
	OpFetchQuota               = "fetch-quota"
	OpFetchFollowUps           = "fetch-followups"
	OpSendReply                = "send-reply"
	OpArchive                  = "archive"
	OpReportMisclassification  = "report-misclassification"
	OpCancelMisclassification  = "cancel-misclassification"
	OpUndoMisclassification    = "undo-misclassification"
	OpMarkReadSingle           = "mark-read-single"
	OpMarkReadCategory         = "mark-read-category"
)

// Request is the single inbound message shape.
type Request struct {
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// Response is the structured answer every request gets, exactly once.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type handlerFunc func(ctx context.Context, ident *cache.Identity, payload json.RawMessage) (interface{}, error)

// Router is the single entry point for every UI context: it resolves the
// caller's identity from the durable cache, dispatches to the typed
// handler, and always resolves the response.
type Router struct {
	store    *cache.Store
	sessions *auth.Sessions
	gate     *auth.Gate
	api      *api.Client
	engine   *syncengine.Engine
	workflow *undo.Workflow
	bus      events.Broadcaster

	handlers map[string]handlerFunc
}

// New wires the dispatch table.
func New(store *cache.Store, sessions *auth.Sessions, gate *auth.Gate, apiClient *api.Client, engine *syncengine.Engine, workflow *undo.Workflow, bus events.Broadcaster) *Router {
	r := &Router{
		store:    store,
		sessions: sessions,
		gate:     gate,
		api:      apiClient,
		engine:   engine,
		workflow: workflow,
		bus:      bus,
	}
	r.handlers = map[string]handlerFunc{
		OpLogin:                   r.handleLogin,
		OpLogout:                  r.handleLogout,
		OpFetchPlan:               r.handleFetchPlan,
		OpUpdatePlan:              r.handleUpdatePlan,
		OpFetchNew:                r.handleFetchNew,
		OpFetchQuota:              r.handleFetchQuota,
		OpFetchFollowUps:          r.handleFetchFollowUps,
		OpSendReply:               r.handleSendReply,
		OpArchive:                 r.handleArchive,
		OpReportMisclassification: r.handleReportMisclassification,
		OpCancelMisclassification: r.handleCancelMisclassification,
		OpUndoMisclassification:   r.handleUndoMisclassification,
		OpMarkReadSingle:          r.handleMarkReadSingle,
		OpMarkReadCategory:        r.handleMarkReadCategory,
	}
	return r
}

// Register mounts the message channel on the gin engine.
func (r *Router) Register(g *gin.Engine) {
	g.POST("/message", r.handleMessage)
}

func (r *Router) handleMessage(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: err.Error()})
		return
	}

	handler, ok := r.handlers[req.Type]
	if !ok {
		c.JSON(http.StatusOK, Response{Success: false, Error: "unhandled operation type: " + req.Type})
		return
	}

	ctx := c.Request.Context()

	// Identity comes from the durable cache, not the live session, so
	// handlers stay correct even when invoked before the session object
	// is populated.
	var ident *cache.Identity
	if cached, found, err := r.store.LoadIdentity(ctx); err != nil {
		c.JSON(http.StatusOK, Response{Success: false, Error: "resolve identity: " + err.Error()})
		return
	} else if found {
		ident = &cached
	}

	if ident == nil && req.Type != OpLogin {
		c.JSON(http.StatusOK, Response{Success: false, Error: "authentication required"})
		return
	}

	data, err := handler(ctx, ident, req.Payload)
	if err != nil {
		c.JSON(http.StatusOK, Response{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}
