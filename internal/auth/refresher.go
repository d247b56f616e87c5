// Package auth implements the Token Refresher (§4.B) and the Project
// Resolver (§4.F): exchanging and refreshing OAuth credentials against the
// upstream's token endpoint, and discovering or onboarding a managed cloud
// project id per account.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/opencode-ai/antigravity-broker/internal/config"
)

// oauthConfig is the shared golang.org/x/oauth2 client configuration for
// the upstream's hard-coded public CLI client (§4.B, §6).
var oauthConfig = &oauth2.Config{
	ClientID:     config.OAuth.ClientID,
	ClientSecret: config.OAuth.ClientSecret,
	Endpoint: oauth2.Endpoint{
		AuthURL:  config.OAuth.AuthURL,
		TokenURL: config.OAuth.TokenURL,
	},
	RedirectURL: config.OAuth.RedirectURI,
	Scopes:      config.OAuth.Scopes,
}

// RefreshResult is a freshly minted access token and its absolute expiry.
type RefreshResult struct {
	AccessToken string
	ExpiresAt   int64 // unix ms
}

// ErrInvalidGrant is returned when the upstream rejects a refresh token as
// permanently dead (§4.B) — the caller must remove the account from the pool.
var ErrInvalidGrant = errors.New("refresh token rejected: invalid_grant")

// RefreshAccessToken exchanges refreshToken for a new access token. A
// response carrying error=invalid_grant maps to ErrInvalidGrant so the
// Account Manager can distinguish a dead credential from a transient
// failure; every other error is returned as-is and is retryable by the
// caller (the refresher itself never retries, §4.B).
func RefreshAccessToken(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	token := &oauth2.Token{RefreshToken: refreshToken}
	src := oauthConfig.TokenSource(ctx, token)

	fresh, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			if isInvalidGrant(retrieveErr) {
				return nil, ErrInvalidGrant
			}
		}
		return nil, err
	}

	return &RefreshResult{
		AccessToken: fresh.AccessToken,
		ExpiresAt:   fresh.Expiry.UnixMilli(),
	}, nil
}

func isInvalidGrant(e *oauth2.RetrieveError) bool {
	if e.ErrorCode == "invalid_grant" {
		return true
	}
	return strings.Contains(string(e.Body), "invalid_grant")
}

// IsExpired reports whether an access token expiring at expiresAt should be
// treated as expired, honoring the clock-skew buffer (§3 invariant).
func IsExpired(expiresAt int64) bool {
	return expiresAt <= time.Now().UnixMilli()+config.ClockSkewBufferMs
}
