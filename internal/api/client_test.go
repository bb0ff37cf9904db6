package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrinkleyS24/intrackt-syncd/internal/auth"
	"github.com/BrinkleyS24/intrackt-syncd/internal/cache"
	"github.com/BrinkleyS24/intrackt-syncd/internal/events"
)

type fakeMinter struct {
	token string
	err   error
	calls int
}

func (m *fakeMinter) Mint(ctx context.Context) (string, error) {
	m.calls++
	return m.token, m.err
}

type harness struct {
	client   *Client
	sessions *auth.Sessions
	gate     *auth.Gate
	bus      *events.Bus
	minter   *fakeMinter
	lastAuth *string
}

func newHarness(t *testing.T, handler http.HandlerFunc) *harness {
	t.Helper()

	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		bus:      events.NewBus(),
		gate:     auth.NewGate(),
		minter:   &fakeMinter{token: "minted-token"},
		lastAuth: new(string),
	}
	h.sessions = auth.NewSessions(store, h.bus)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*h.lastAuth = r.Header.Get("Authorization")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	h.gate.Resolve()
	h.client = NewClient(srv.URL, time.Second, h.gate, h.sessions, h.minter)
	return h
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"success":true}`))
}

func signIn(t *testing.T, h *harness) {
	t.Helper()
	require.NoError(t, h.sessions.SetCurrent(context.Background(), cache.Identity{
		UserID: "u1", Email: "u1@example.com", PlanTier: cache.PlanFree,
	}))
}

func TestPostAttachesFreshCredential(t *testing.T) {
	h := newHarness(t, okHandler)
	signIn(t, h)

	var out struct {
		Success bool `json:"success"`
	}
	require.NoError(t, h.client.Post(context.Background(), "/emails/sync", nil, &out))
	assert.True(t, out.Success)
	assert.Equal(t, "Bearer minted-token", *h.lastAuth)
	assert.Equal(t, 1, h.minter.calls)

	// Each request mints again; nothing short-lived is reused.
	require.NoError(t, h.client.Post(context.Background(), "/emails/sync", nil, &out))
	assert.Equal(t, 2, h.minter.calls)
}

func TestPostAnonymousSendsNoCredential(t *testing.T) {
	h := newHarness(t, okHandler)
	require.NoError(t, h.sessions.SetCurrent(context.Background(), cache.Identity{IsAnonymous: true}))

	require.NoError(t, h.client.Post(context.Background(), "/emails/sync", nil, nil))
	assert.Empty(t, *h.lastAuth)
	assert.Zero(t, h.minter.calls)
}

func TestPostFatalMintForcesSignOut(t *testing.T) {
	h := newHarness(t, okHandler)
	signIn(t, h)
	h.minter.err = auth.ErrCredentialInvalid

	err := h.client.Post(context.Background(), "/emails/sync", nil, nil)
	require.Error(t, err)
	assert.True(t, IsAuthFatal(err))

	// The session is destroyed and the forced logout is broadcast once.
	_, ok := h.sessions.Current()
	assert.False(t, ok)
	require.Len(t, h.bus.ByType(events.TypeForcedLogout), 1)

	// Terminal: with the session gone, a later request never silently
	// reuses a stale credential.
	h.minter.err = nil
	require.NoError(t, h.client.Post(context.Background(), "/emails/sync", nil, nil))
	assert.Empty(t, *h.lastAuth)
}

func TestPostTransientMintProceedsWithoutCredential(t *testing.T) {
	h := newHarness(t, okHandler)
	signIn(t, h)
	h.minter.err = errors.New("identity provider hiccup")

	require.NoError(t, h.client.Post(context.Background(), "/emails/sync", nil, nil))
	assert.Empty(t, *h.lastAuth)

	// The session survives a transient failure.
	_, ok := h.sessions.Current()
	assert.True(t, ok)
	assert.Empty(t, h.bus.ByType(events.TypeForcedLogout))
}

func TestPostBackendErrorCarriesStatusAndMessage(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"upstream mailbox unavailable"}`))
	})
	signIn(t, h)

	err := h.client.Post(context.Background(), "/emails/sync", nil, nil)
	require.Error(t, err)
	apiErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindBackend, apiErr.Kind)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "upstream mailbox unavailable", apiErr.Message)
}

func TestPostMalformedJSONIsNetworkError(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":`))
	})
	signIn(t, h)

	var out struct{}
	err := h.client.Post(context.Background(), "/emails/sync", nil, &out)
	require.Error(t, err)
	apiErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindNetwork, apiErr.Kind)
}

func TestPostWaitsOnUnresolvedGate(t *testing.T) {
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	gate := auth.NewGate() // never resolved
	client := NewClient("http://127.0.0.1:0", time.Second, gate, auth.NewSessions(store, bus), &fakeMinter{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = client.Post(ctx, "/emails/sync", nil, nil)
	require.Error(t, err)
	apiErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindNetwork, apiErr.Kind)
}
