package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"
)

// ErrCredentialInvalid marks the one unrecoverable minting failure: the
// refresh grant is expired or revoked, or the identity provider handed back
// a credential that is already dead. Callers must force a sign-out.
var ErrCredentialInvalid = errors.New("credential expired or invalid")

// IsFatal reports whether a minting error must terminate the session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCredentialInvalid)
}

// Minter mints a fresh, short-lived bearer credential. Implementations must
// not serve a cached access token; every call is a forced refresh.
type Minter interface {
	Mint(ctx context.Context) (string, error)
}

// OAuthMinter mints credentials against the identity provider's token
// endpoint using the stored refresh grant.
type OAuthMinter struct {
	conf         *oauth2.Config
	refreshToken string
}

// NewOAuthMinter creates a minter for the given token endpoint and refresh
// grant.
func NewOAuthMinter(tokenURL, clientID, clientSecret, refreshToken string) *OAuthMinter {
	return &OAuthMinter{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
		refreshToken: refreshToken,
	}
}

// Mint exchanges the refresh grant for a fresh access token. Building the
// token source from a bare refresh token means the provider is always hit;
// nothing short-lived is ever cached here.
func (m *OAuthMinter) Mint(ctx context.Context) (string, error) {
	ts := m.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: m.refreshToken})
	tok, err := ts.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			return "", fmt.Errorf("refresh grant rejected: %w", ErrCredentialInvalid)
		}
		return "", fmt.Errorf("mint credential: %w", err)
	}

	// Some providers issue JWT access tokens; when they do, an
	// already-expired token is as terminal as a rejected grant.
	if parsed, perr := jwt.Parse([]byte(tok.AccessToken), jwt.WithVerify(false), jwt.WithValidate(false)); perr == nil {
		if exp := parsed.Expiration(); !exp.IsZero() && exp.Before(time.Now()) {
			return "", fmt.Errorf("minted token already expired at %s: %w", exp.Format(time.RFC3339), ErrCredentialInvalid)
		}
	}

	return tok.AccessToken, nil
}
