// This file implements the interactive half of the Token Refresher (§4.B):
// the PKCE authorization-code flow the account CLI runs once per account,
// as opposed to refresher.go's silent token-refresh path the Dispatcher
// runs on every request.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/opencode-ai/antigravity-broker/internal/config"
	"github.com/opencode-ai/antigravity-broker/internal/utils"
)

// AuthorizationURLResult carries the URL to send the user to plus the PKCE
// verifier and CSRF state the callback must be checked against.
type AuthorizationURLResult struct {
	URL      string
	Verifier string
	State    string
}

// GetAuthorizationURL builds a Google OAuth consent-screen URL with a fresh
// PKCE verifier/challenge pair and CSRF state (§4.B, §6).
func GetAuthorizationURL() *AuthorizationURLResult {
	verifier := oauth2.GenerateVerifier()
	state := oauth2.GenerateVerifier() // same shape (random, URL-safe) as a CSRF token

	authURL := oauthConfig.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	)

	return &AuthorizationURLResult{URL: authURL, Verifier: verifier, State: state}
}

// CodeExtractResult is the authorization code (and optional state) pulled
// out of whatever the user pasted back in no-browser mode.
type CodeExtractResult struct {
	Code  string
	State string
}

// ExtractCodeFromInput accepts either a full callback URL or a bare
// authorization code, for hosts without a browser to redirect through.
func ExtractCodeFromInput(input string) (*CodeExtractResult, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, fmt.Errorf("no input provided")
	}

	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid URL: %w", err)
		}
		if errParam := parsed.Query().Get("error"); errParam != "" {
			return nil, fmt.Errorf("OAuth error: %s", errParam)
		}
		code := parsed.Query().Get("code")
		if code == "" {
			return nil, fmt.Errorf("no authorization code found in URL")
		}
		return &CodeExtractResult{Code: code, State: parsed.Query().Get("state")}, nil
	}

	if len(trimmed) < 10 {
		return nil, fmt.Errorf("input is too short to be a valid authorization code")
	}
	return &CodeExtractResult{Code: trimmed}, nil
}

// CallbackServer is a short-lived loopback HTTP server that waits for the
// browser redirect Google sends after consent, tries the primary callback
// port first and falls back to the alternates if it's taken (§4.B).
type CallbackServer struct {
	expectedState string

	mu       sync.Mutex
	server   *http.Server
	aborted  bool
	codeChan chan string
	errChan  chan error
}

// NewCallbackServer builds a callback server that only accepts a redirect
// carrying expectedState.
func NewCallbackServer(expectedState string) *CallbackServer {
	return &CallbackServer{
		expectedState: expectedState,
		codeChan:      make(chan string, 1),
		errChan:       make(chan error, 1),
	}
}

// Start binds the callback server (trying the primary port, then each
// fallback in order) and blocks until a code arrives, an error response
// arrives, or ctx is done.
func (cs *CallbackServer) Start(ctx context.Context) (string, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", cs.handleCallback)
	cs.server = &http.Server{Handler: mux, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}

	ports := append([]int{config.OAuth.CallbackPort}, config.OAuth.CallbackFallbackPorts...)
	var lastErr error
	for _, port := range ports {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			lastErr = err
			utils.Warn("[OAuth] callback port %d unavailable: %v", port, err)
			continue
		}
		if port != config.OAuth.CallbackPort {
			utils.Warn("[OAuth] using fallback callback port %d", port)
		}

		go func() {
			if err := cs.server.Serve(listener); err != nil && err != http.ErrServerClosed {
				cs.errChan <- err
			}
		}()

		select {
		case code := <-cs.codeChan:
			cs.server.Shutdown(context.Background())
			return code, nil
		case err := <-cs.errChan:
			cs.server.Shutdown(context.Background())
			return "", err
		case <-ctx.Done():
			cs.server.Shutdown(context.Background())
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("failed to bind an OAuth callback port: %w", lastErr)
}

// Abort shuts the server down without a code having arrived (the caller
// gave up or is switching to no-browser mode).
func (cs *CallbackServer) Abort() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.aborted || cs.server == nil {
		return
	}
	cs.aborted = true
	cs.server.Shutdown(context.Background())
}

func (cs *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if errParam := query.Get("error"); errParam != "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, oauthResultPage(false, "Error: "+errParam))
		cs.errChan <- fmt.Errorf("OAuth error: %s", errParam)
		return
	}
	if state := query.Get("state"); state != cs.expectedState {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, oauthResultPage(false, "State mismatch — possible CSRF attempt."))
		cs.errChan <- fmt.Errorf("state mismatch")
		return
	}
	code := query.Get("code")
	if code == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, oauthResultPage(false, "No authorization code received."))
		cs.errChan <- fmt.Errorf("no authorization code")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, oauthResultPage(true, "You can close this window and return to the terminal."))
	cs.codeChan <- code
}

func oauthResultPage(ok bool, detail string) string {
	title, heading := "Authentication Failed", "Authentication Failed"
	if ok {
		title, heading = "Authentication Successful", "Authentication Successful"
	}
	return fmt.Sprintf(`<html><head><meta charset="UTF-8"><title>%s</title></head>
<body style="font-family: system-ui; padding: 40px; text-align: center;">
<h1>%s</h1><p>%s</p>
<script>setTimeout(() => window.close(), 2000);</script>
</body></html>`, title, heading, detail)
}

// AccountData is everything CompleteOAuthFlow learns about the account
// that just finished the consent flow.
type AccountData struct {
	Email        string
	RefreshToken string
	AccessToken  string
	ExpiresAt    int64
}

// CompleteOAuthFlow exchanges the authorization code for tokens via
// oauthConfig (the same PKCE-aware client config refresher.go uses), then
// looks up the account's email with the fresh access token.
func CompleteOAuthFlow(ctx context.Context, code, verifier string) (*AccountData, error) {
	token, err := oauthConfig.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token in response (consent screen may need prompt=consent re-run)")
	}

	email, err := getUserEmail(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to look up account email: %w", err)
	}

	return &AccountData{
		Email:        email,
		RefreshToken: token.RefreshToken,
		AccessToken:  token.AccessToken,
		ExpiresAt:    token.Expiry.UnixMilli(),
	}, nil
}

func getUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.OAuth.UserInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo request failed with status %d: %s", resp.StatusCode, body)
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("failed to parse userinfo response: %w", err)
	}
	return info.Email, nil
}
