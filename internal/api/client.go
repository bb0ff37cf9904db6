package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/BrinkleyS24/intrackt-syncd/internal/auth"
)

// Client brokers every outbound backend call: it waits for the identity
// bootstrap, attaches a freshly minted credential when a signed-in session
// exists, and classifies failures. It never retries; mutating endpoints
// must not be hit twice behind the caller's back.
type Client struct {
	baseURL    string
	httpClient *http.Client
	gate       *auth.Gate
	sessions   *auth.Sessions
	minter     auth.Minter
}

// NewClient creates the backend client.
func NewClient(baseURL string, timeout time.Duration, gate *auth.Gate, sessions *auth.Sessions, minter auth.Minter) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		gate:       gate,
		sessions:   sessions,
		minter:     minter,
	}
}

// Post sends a JSON body to the backend and decodes the JSON response into
// out. All backend endpoints are POST.
func (c *Client) Post(ctx context.Context, endpoint string, body, out interface{}) error {
	if err := c.gate.AwaitReady(ctx); err != nil {
		return &Error{Kind: KindNetwork, Message: "identity bootstrap interrupted", Err: err}
	}

	bearer, err := c.mintBearer(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return &Error{Kind: KindNetwork, Message: "encode request body", Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return &Error{Kind: KindNetwork, Message: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindNetwork, Message: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Kind: KindBackend, Status: resp.StatusCode, Message: backendMessage(raw)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &Error{Kind: KindNetwork, Message: "decode response", Err: err}
		}
	}
	return nil
}

// mintBearer mints a fresh credential for signed-in sessions. A fatal
// minting failure destroys the session and fails the request; a transient
// one lets the request proceed without a credential.
func (c *Client) mintBearer(ctx context.Context) (string, error) {
	sess, ok := c.sessions.Current()
	if !ok || sess.IsAnonymous {
		return "", nil
	}

	token, err := c.minter.Mint(ctx)
	if err != nil {
		if auth.IsFatal(err) {
			c.sessions.ForceSignOut(ctx, "Your session has expired. Please sign in again.")
			return "", &Error{Kind: KindAuth, Message: err.Error(), Err: err}
		}
		log.Printf("mint credential (continuing without): %v", err)
		return "", nil
	}
	return token, nil
}

func backendMessage(raw []byte) string {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if envelope.Error != "" {
			return envelope.Error
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	if len(raw) > 0 {
		return string(raw)
	}
	return "empty response body"
}
