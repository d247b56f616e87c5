package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opencode-ai/antigravity-broker/internal/account"
	"github.com/opencode-ai/antigravity-broker/internal/auth"
	"github.com/opencode-ai/antigravity-broker/internal/model"
	"github.com/opencode-ai/antigravity-broker/internal/signature"
)

func newTestManager(t *testing.T) *account.Manager {
	t.Helper()
	store := account.NewCredentialStoreAt(t.TempDir() + "/accounts.json")
	return account.NewManager(store, nil)
}

func newTestCache(t *testing.T) *signature.Cache {
	t.Helper()
	return signature.New(signature.Options{Path: t.TempDir() + "/sigcache.json"})
}

func newTestDispatcher(t *testing.T, upstream string) *Dispatcher {
	t.Helper()
	d := New(newTestManager(t), auth.NewProjectResolver(), newTestCache(t), false)
	if upstream != "" {
		d.Endpoints = []string{upstream}
	}
	return d
}

func anthropicBody() []byte {
	return []byte(`{"messages":[{"role":"user","content":"hello"}]}`)
}

func addReadyAccount(t *testing.T, d *Dispatcher, refreshToken, email string) *account.Account {
	t.Helper()
	acc, added := d.Accounts.Add(refreshToken, email, "proj-user")
	if !added {
		t.Fatalf("account %s was already present", email)
	}
	d.Accounts.UpdateTokens(acc, "access-token", time.Now().Add(time.Hour).UnixMilli())
	d.Accounts.UpdateManagedProjectID(acc, "proj-managed")
	return acc
}

// TestDispatchNoAccountsReturnsRetryAfter checks §4.L step 2's bounded-wait
// behavior: with an empty pool there is nothing to wait on, so the
// Dispatcher must fail fast with 429 rather than loop or hang.
func TestDispatchNoAccountsReturnsRetryAfter(t *testing.T) {
	d := newTestDispatcher(t, "")

	status, _, body, stream, _, err := d.dispatch(context.Background(), dispatchRequest{
		rawURL:   "/v1beta/models/claude-sonnet-4-5:generateContent",
		body:     anthropicBody(),
		family:   model.FamilyClaude,
		resolved: model.Resolve("claude-sonnet-4-5"),
	})

	if err != nil {
		t.Fatalf("dispatch returned error: %v", err)
	}
	if status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", status)
	}
	if stream != nil {
		t.Fatalf("expected no stream on a no-accounts response")
	}
	if len(body) == 0 {
		t.Fatalf("expected a non-empty error body")
	}
}

// TestDispatchSuccessNonStreaming drives a full happy path through a fake
// upstream and checks that a 200 with real content is unwrapped.
func TestDispatchSuccessNonStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"hi there"}]}}]}}`))
	}))
	defer upstream.Close()

	d := newTestDispatcher(t, upstream.URL)
	addReadyAccount(t, d, "refresh-1", "user@example.com")

	status, _, body, stream, _, err := d.dispatch(context.Background(), dispatchRequest{
		rawURL:            "/v1beta/models/claude-sonnet-4-5:generateContent",
		body:              anthropicBody(),
		family:            model.FamilyClaude,
		resolved:          model.Resolve("claude-sonnet-4-5"),
		pluginSessionUUID: "session-1",
	})
	if err != nil {
		t.Fatalf("dispatch returned error: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if stream != nil {
		t.Fatalf("expected a buffered response for non-streaming action")
	}
	if !strings.Contains(string(body), "hi there") {
		t.Fatalf("expected rewritten body to contain upstream content, got %s", body)
	}
}

// TestDispatchEmptyContentRetriesThenFails checks that a 200 with no usable
// content is treated as retryable (§4.L step 7) and, once every endpoint has
// been tried, surfaces the empty-response error rather than returning a
// fabricated success.
func TestDispatchEmptyContentRetriesThenFails(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"response":{"candidates":[]}}`))
	}))
	defer upstream.Close()

	d := newTestDispatcher(t, upstream.URL)
	addReadyAccount(t, d, "refresh-2", "empty@example.com")

	_, _, _, _, _, err := d.dispatch(context.Background(), dispatchRequest{
		rawURL:   "/v1beta/models/claude-sonnet-4-5:generateContent",
		body:     anthropicBody(),
		family:   model.FamilyClaude,
		resolved: model.Resolve("claude-sonnet-4-5"),
	})
	if err == nil {
		t.Fatalf("expected an error once all accounts/endpoints are exhausted on empty content")
	}
	if calls == 0 {
		t.Fatalf("expected the fake upstream to be called at least once")
	}
}

// TestDispatchRateLimitMarksAccountAndFails checks that a 429 from upstream
// marks the account rate-limited rather than being forwarded verbatim, and
// that with only one account in the pool the call ultimately fails closed.
func TestDispatchRateLimitMarksAccountAndFails(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer upstream.Close()

	d := newTestDispatcher(t, upstream.URL)
	acc := addReadyAccount(t, d, "refresh-3", "limited@example.com")

	_, _, _, _, _, err := d.dispatch(context.Background(), dispatchRequest{
		rawURL:   "/v1beta/models/claude-sonnet-4-5:generateContent",
		body:     anthropicBody(),
		family:   model.FamilyClaude,
		resolved: model.Resolve("claude-sonnet-4-5"),
	})
	if err == nil {
		t.Fatalf("expected dispatch to fail once the only account is rate-limited")
	}

	style, ok := d.Accounts.GetAvailableHeaderStyle(acc, model.FamilyClaude)
	if ok {
		t.Fatalf("expected the account's Claude header style to be marked unavailable, got style=%v", style)
	}
}
