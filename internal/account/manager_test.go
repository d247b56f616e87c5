package account

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/opencode-ai/antigravity-broker/internal/config"
	"github.com/opencode-ai/antigravity-broker/internal/model"
)

func newTestManagerFor(t *testing.T) *Manager {
	t.Helper()
	store := NewCredentialStoreAt(filepath.Join(t.TempDir(), "accounts.json"))
	return NewManager(store, nil)
}

// TestStickySelectionNoRotationOnSuccess drives §8 scenario 1: two
// accounts, five successful requests for the same family must all resolve
// to the first-selected account; sticky selection never rotates on
// success alone.
func TestStickySelectionNoRotationOnSuccess(t *testing.T) {
	m := newTestManagerFor(t)
	acc0, _ := m.Add("rt-0", "a@example.com", "")
	m.Add("rt-1", "b@example.com", "")

	for i := 0; i < 5; i++ {
		got := m.GetCurrentOrNext(model.FamilyClaude)
		if got == nil {
			t.Fatalf("request %d: GetCurrentOrNext returned nil", i)
		}
		if got.Index != acc0.Index {
			t.Fatalf("request %d: hit account %d, want account %d (sticky)", i, got.Index, acc0.Index)
		}
	}
}

// TestRotationOnRateLimit drives §8 scenario 2: marking the sticky account
// rate-limited rotates subsequent requests to the next available account,
// and the reset time is recorded for exactly the quota key the family maps
// to.
func TestRotationOnRateLimit(t *testing.T) {
	m := newTestManagerFor(t)
	acc0, _ := m.Add("rt-0", "a@example.com", "")
	acc1, _ := m.Add("rt-1", "b@example.com", "")

	first := m.GetCurrentOrNext(model.FamilyClaude)
	if first.Index != acc0.Index {
		t.Fatalf("first request hit account %d, want %d", first.Index, acc0.Index)
	}

	m.MarkRateLimited(acc0, 30_000, model.FamilyClaude, config.HeaderStyleAntigravity)

	if reset, ok := acc0.RateLimitResetTimes[model.QuotaClaude]; !ok || reset <= time.Now().UnixMilli() {
		t.Fatalf("acc0.RateLimitResetTimes[claude] not set to a future time: %v", acc0.RateLimitResetTimes)
	}

	for i := 0; i < 2; i++ {
		got := m.GetCurrentOrNext(model.FamilyClaude)
		if got == nil {
			t.Fatalf("request %d after rate-limit: got nil, want account %d", i, acc1.Index)
		}
		if got.Index != acc1.Index {
			t.Fatalf("request %d after rate-limit: hit account %d, want %d", i, got.Index, acc1.Index)
		}
	}
}

// TestRateLimitExpiryIsLazilyPruned checks the §3 invariant: a reset time
// in the past is treated as absent, pruned the next time the account is
// consulted.
func TestRateLimitExpiryIsLazilyPruned(t *testing.T) {
	m := newTestManagerFor(t)
	acc0, _ := m.Add("rt-0", "a@example.com", "")

	m.MarkRateLimited(acc0, -1000, model.FamilyClaude, config.HeaderStyleAntigravity)

	got := m.GetCurrentOrNext(model.FamilyClaude)
	if got == nil || got.Index != acc0.Index {
		t.Fatalf("expected the only account to be available once its reset time is in the past, got %v", got)
	}
	if _, ok := acc0.RateLimitResetTimes[model.QuotaClaude]; ok {
		t.Fatal("expired reset time was not pruned from the account")
	}
}

// TestHeaderStyleFallbackGemini drives §8 scenario 3: with the antigravity
// quota key limited, GetAvailableHeaderStyle falls back to gemini-cli for
// the Gemini family, and the account is still considered available for
// Gemini overall.
func TestHeaderStyleFallbackGemini(t *testing.T) {
	m := newTestManagerFor(t)
	acc, _ := m.Add("rt-0", "a@example.com", "")

	style, ok := m.GetAvailableHeaderStyle(acc, model.FamilyGemini)
	if !ok || style != config.HeaderStyleAntigravity {
		t.Fatalf("fresh account: GetAvailableHeaderStyle = (%v,%v), want (antigravity,true)", style, ok)
	}

	m.MarkRateLimited(acc, 60_000, model.FamilyGemini, config.HeaderStyleAntigravity)

	style, ok = m.GetAvailableHeaderStyle(acc, model.FamilyGemini)
	if !ok || style != config.HeaderStyleGeminiCLI {
		t.Fatalf("after antigravity limited: GetAvailableHeaderStyle = (%v,%v), want (gemini-cli,true)", style, ok)
	}

	// The account is still "available" for the family overall since one
	// quota key (gemini-cli) is free -- §3's "iff ALL keys are limited".
	got := m.GetCurrentOrNext(model.FamilyGemini)
	if got == nil || got.Index != acc.Index {
		t.Fatal("account should still be selectable for gemini with only one of two quota keys limited")
	}

	m.MarkRateLimited(acc, 60_000, model.FamilyGemini, config.HeaderStyleGeminiCLI)
	if _, ok := m.GetAvailableHeaderStyle(acc, model.FamilyGemini); ok {
		t.Fatal("GetAvailableHeaderStyle should report unavailable once both gemini quota keys are limited")
	}
	if got := m.GetCurrentOrNext(model.FamilyGemini); got != nil {
		t.Fatal("account should not be selectable once both gemini quota keys are limited")
	}
}

// TestGetMinWaitTimeForFamily checks the zero-if-any-free rule and the
// minimum-remaining-wait rule for §4.D.
func TestGetMinWaitTimeForFamily(t *testing.T) {
	m := newTestManagerFor(t)
	acc0, _ := m.Add("rt-0", "a@example.com", "")
	acc1, _ := m.Add("rt-1", "b@example.com", "")

	if wait := m.GetMinWaitTimeForFamily(model.FamilyClaude); wait != 0 {
		t.Fatalf("fresh pool: GetMinWaitTimeForFamily = %v, want 0", wait)
	}

	m.MarkRateLimited(acc0, 10_000, model.FamilyClaude, config.HeaderStyleAntigravity)
	m.MarkRateLimited(acc1, 60_000, model.FamilyClaude, config.HeaderStyleAntigravity)

	wait := m.GetMinWaitTimeForFamily(model.FamilyClaude)
	if wait <= 0 || wait > 10*time.Second {
		t.Fatalf("GetMinWaitTimeForFamily = %v, want roughly the shorter of the two resets (~10s)", wait)
	}
}

// TestGetMinWaitTimeForFamilyGeminiPartial checks the open question from §9:
// an account with one gemini quota key free contributes 0 wait, since it is
// already selectable.
func TestGetMinWaitTimeForFamilyGeminiPartial(t *testing.T) {
	m := newTestManagerFor(t)
	acc, _ := m.Add("rt-0", "a@example.com", "")
	m.MarkRateLimited(acc, 60_000, model.FamilyGemini, config.HeaderStyleAntigravity)

	if wait := m.GetMinWaitTimeForFamily(model.FamilyGemini); wait != 0 {
		t.Fatalf("account with one free gemini key: GetMinWaitTimeForFamily = %v, want 0", wait)
	}
}

// TestRemoveReindexesAndClampsCursor checks §4.D removal contract: removing
// an account re-indexes survivors and resets any family-active-index that
// pointed at the removed or now out-of-bounds position.
func TestRemoveReindexesAndClampsCursor(t *testing.T) {
	m := newTestManagerFor(t)
	acc0, _ := m.Add("rt-0", "a@example.com", "")
	acc1, _ := m.Add("rt-1", "b@example.com", "")
	acc2, _ := m.Add("rt-2", "c@example.com", "")

	// Select acc1 as the active claude account.
	m.MarkRateLimited(acc0, 60_000, model.FamilyClaude, config.HeaderStyleAntigravity)
	got := m.GetCurrentOrNext(model.FamilyClaude)
	if got == nil || got.Index != acc1.Index {
		t.Fatalf("setup: expected acc1 selected, got %v", got)
	}

	m.Remove(acc1)

	accounts := m.Accounts()
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts after removal, got %d", len(accounts))
	}
	for i, a := range accounts {
		if a.Index != i {
			t.Errorf("account at position %d has stale Index %d", i, a.Index)
		}
	}
	if acc2.Index != 1 {
		t.Fatalf("acc2 should have been re-indexed to 1, got %d", acc2.Index)
	}

	if idx := m.file.ActiveIndexByFamily[model.FamilyClaude]; idx != -1 {
		t.Fatalf("ActiveIndexByFamily[claude] should reset to -1 after its account is removed, got %d", idx)
	}
}

// TestAddRejectsDuplicateRefreshToken checks the §3 invariant that no two
// accounts share a refresh token.
func TestAddRejectsDuplicateRefreshToken(t *testing.T) {
	m := newTestManagerFor(t)
	_, added := m.Add("rt-dup", "a@example.com", "")
	if !added {
		t.Fatal("first Add with a fresh refresh token should succeed")
	}
	_, added = m.Add("rt-dup", "b@example.com", "")
	if added {
		t.Fatal("Add with a duplicate refresh token should be rejected")
	}
	if len(m.Accounts()) != 1 {
		t.Fatalf("duplicate Add should not grow the pool, got %d accounts", len(m.Accounts()))
	}
}

// TestPersistReloadRoundTrip checks §8: persisting then reloading the
// AccountsFile preserves the set {refreshToken, projectId, managedProjectId,
// rateLimitResetTimes}.
func TestPersistReloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	store := NewCredentialStoreAt(path)
	m := NewManager(store, nil)

	acc, _ := m.Add("rt-0", "a@example.com", "user-proj")
	m.UpdateManagedProjectID(acc, "managed-proj")
	m.MarkRateLimited(acc, 60_000, model.FamilyClaude, config.HeaderStyleAntigravity)

	reloadedStore := NewCredentialStoreAt(path)
	reloaded := NewManager(reloadedStore, nil)
	accounts := reloaded.Accounts()
	if len(accounts) != 1 {
		t.Fatalf("expected 1 account after reload, got %d", len(accounts))
	}
	got := accounts[0]
	if got.RefreshToken != "rt-0" || got.UserProjectID != "user-proj" || got.ManagedProjectID != "managed-proj" {
		t.Fatalf("reloaded account lost fields: %+v", got)
	}
	if _, ok := got.RateLimitResetTimes[model.QuotaClaude]; !ok {
		t.Fatal("future claude reset time should survive a reload")
	}
}

// TestMigrateV2DropsExpiredResetTimes checks §4.A: migrating a v2 accounts
// file to v3 drops any rateLimitResetTimes entry already in the past rather
// than carrying it forward.
func TestMigrateV2DropsExpiredResetTimes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	past := time.Now().Add(-time.Hour).UnixMilli()
	future := time.Now().Add(time.Hour).UnixMilli()
	raw := []byte(`{
		"version": 2,
		"activeIndex": 0,
		"activeIndexByFamily": {"claude": 0, "gemini": 0},
		"accounts": [{
			"index": 0,
			"refreshToken": "rt-0",
			"addedAt": 1,
			"rateLimitResetTimes": {"claude": ` + strconv.FormatInt(past, 10) + `, "gemini": ` + strconv.FormatInt(future, 10) + `}
		}]
	}`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("failed to seed v2 accounts file: %v", err)
	}

	m := NewManager(NewCredentialStoreAt(path), nil)
	accounts := m.Accounts()
	if len(accounts) != 1 {
		t.Fatalf("expected 1 account migrated, got %d", len(accounts))
	}
	got := accounts[0]
	if _, ok := got.RateLimitResetTimes[model.QuotaClaude]; ok {
		t.Fatal("expired v2 claude reset time should have been dropped on migration")
	}
	if _, ok := got.RateLimitResetTimes[model.QuotaGeminiAntigravity]; !ok {
		t.Fatal("future v2 gemini reset time should map to gemini-antigravity and survive migration")
	}
}
