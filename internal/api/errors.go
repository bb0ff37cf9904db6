package api

import (
	"errors"
	"fmt"
)

// Kind classifies a request failure.
type Kind int

const (
	// KindAuth marks the terminal credential failure; the session has
	// already been destroyed when this surfaces.
	KindAuth Kind = iota
	// KindBackend is a non-success HTTP response with a structured message.
	KindBackend
	// KindNetwork covers transport failures and malformed response bodies.
	KindNetwork
)

// Error is the typed failure every request returns. No retry happens below
// this layer; the caller decides.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindAuth:
		return fmt.Sprintf("authentication failed: %s", e.Message)
	case KindBackend:
		return fmt.Sprintf("backend error (status %d): %s", e.Status, e.Message)
	default:
		if e.Err != nil {
			return fmt.Sprintf("network error: %v", e.Err)
		}
		return fmt.Sprintf("network error: %s", e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts a typed *Error from err, if there is one.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsAuthFatal reports whether err is the terminal credential failure.
func IsAuthFatal(err error) bool {
	apiErr, ok := AsError(err)
	return ok && apiErr.Kind == KindAuth
}
