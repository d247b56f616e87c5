package account

import (
	"strconv"
	"sync"
	"time"

	"github.com/opencode-ai/antigravity-broker/internal/config"
	"github.com/opencode-ai/antigravity-broker/internal/model"
	"github.com/opencode-ai/antigravity-broker/internal/utils"
)

// ToastFunc is called when the active account for a family changes, subject
// to debouncing (§4.D). The host's UI layer supplies this.
type ToastFunc func(message string)

// Manager is the in-memory account pool: sticky selection per model
// family, per-family rate-limit tracking, and persistence on mutation
// (§4.D). It only ever runs sticky selection — there is no strategy
// switch.
type Manager struct {
	mu sync.Mutex

	store *CredentialStore
	file  *AccountsFile

	cursor int

	onToast     ToastFunc
	lastToastAt map[int]int64
	debounceMs  int64
}

// NewManager loads the accounts file through store and returns a ready pool.
func NewManager(store *CredentialStore, onToast ToastFunc) *Manager {
	return &Manager{
		store:       store,
		file:        store.Load(),
		onToast:     onToast,
		lastToastAt: make(map[int]int64),
		debounceMs:  config.ToastDebounceMs,
	}
}

// Add appends a new account discovered by the out-of-band OAuth flow,
// rejecting a refresh token already present in the pool (§3 invariant: no
// two accounts share a refresh token).
func (m *Manager) Add(refreshToken, email, userProjectID string) (*Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.file.Accounts {
		if a.RefreshToken == refreshToken {
			return a, false
		}
	}

	acc := &Account{
		Index:            len(m.file.Accounts),
		Email:            email,
		RefreshToken:     refreshToken,
		UserProjectID:    userProjectID,
		AddedAt:          utils.NowMs(),
		LastSwitchReason: SwitchInitial,
	}
	m.file.Accounts = append(m.file.Accounts, acc)
	m.persistLocked()
	return acc, true
}

// Accounts returns a snapshot of the pool. Callers must not mutate the
// returned accounts; use the Manager's mutation methods instead.
func (m *Manager) Accounts() []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Account, len(m.file.Accounts))
	copy(out, m.file.Accounts)
	return out
}

// quotaKeysFree reports whether acc is NOT rate-limited for family, pruning
// any reset time that has already passed as a side effect (§3 invariant).
// An account is rate-limited for a family iff ALL of that family's quota
// keys currently have a reset time in the future, so it is available again
// as soon as ANY one key is free — Gemini's two physically distinct pools
// are independent, and a limit on one doesn't block traffic that would have
// gone to the other (§9 open question, reconciled against
// GetAvailableHeaderStyle, which already picks whichever style is free).
func (m *Manager) quotaKeysFree(acc *Account, family model.Family) bool {
	now := utils.NowMs()
	anyFree := false
	for _, qk := range model.QuotaKeysForFamily(family) {
		reset, ok := acc.RateLimitResetTimes[qk]
		if !ok {
			anyFree = true
			continue
		}
		if reset <= now {
			delete(acc.RateLimitResetTimes, qk)
			anyFree = true
		}
	}
	return anyFree
}

// GetCurrentOrNext returns the sticky account for family, falling through to
// rotation only if the current selection is rate-limited (§4.D).
func (m *Manager) GetCurrentOrNext(family model.Family) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.file.ActiveIndexByFamily[family]
	if idx >= 0 && idx < len(m.file.Accounts) {
		acc := m.file.Accounts[idx]
		if m.quotaKeysFree(acc, family) {
			acc.LastUsed = utils.NowMs()
			return acc
		}
	}
	return m.getNextLocked(family)
}

// GetNext rotates to the next non-rate-limited account for family (§4.D).
func (m *Manager) GetNext(family model.Family) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getNextLocked(family)
}

func (m *Manager) getNextLocked(family model.Family) *Account {
	var filtered []*Account
	for _, acc := range m.file.Accounts {
		if m.quotaKeysFree(acc, family) {
			filtered = append(filtered, acc)
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	acc := filtered[m.cursor%len(filtered)]
	m.cursor++

	for i, a := range m.file.Accounts {
		if a == acc {
			m.file.ActiveIndexByFamily[family] = i
			break
		}
	}
	acc.LastUsed = utils.NowMs()
	acc.LastSwitchReason = SwitchRotation
	m.maybeToast(acc, family)
	m.persistLocked()
	return acc
}

func (m *Manager) maybeToast(acc *Account, family model.Family) {
	if m.onToast == nil {
		return
	}
	now := utils.NowMs()
	if last, ok := m.lastToastAt[acc.Index]; ok && now-last < m.debounceMs {
		return
	}
	m.lastToastAt[acc.Index] = now
	label := acc.Email
	if label == "" {
		label = "account " + strconv.Itoa(acc.Index)
	}
	m.onToast("Switched to " + label + " for " + string(family))
}

// MarkRateLimited records that acc is rate-limited for family under
// headerStyle until now+retryAfterMs (§4.D).
func (m *Manager) MarkRateLimited(acc *Account, retryAfterMs int64, family model.Family, style config.HeaderStyle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acc.RateLimitResetTimes == nil {
		acc.RateLimitResetTimes = make(map[model.QuotaKey]int64)
	}
	qk := quotaKey(family, style)
	acc.RateLimitResetTimes[qk] = utils.NowMs() + retryAfterMs
	acc.LastSwitchReason = SwitchRateLimit
	m.persistLocked()
}

// quotaKey maps (family, headerStyle) to the physical quota bucket it draws
// from (§4.D).
func quotaKey(family model.Family, style config.HeaderStyle) model.QuotaKey {
	if family == model.FamilyClaude {
		return model.QuotaClaude
	}
	if style == config.HeaderStyleGeminiCLI {
		return model.QuotaGeminiCLI
	}
	return model.QuotaGeminiAntigravity
}

// GetAvailableHeaderStyle picks antigravity first, falling back to
// gemini-cli only for the Gemini family when antigravity is exhausted
// (§4.D). Claude only ever has the antigravity style.
func (m *Manager) GetAvailableHeaderStyle(acc *Account, family model.Family) (config.HeaderStyle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := utils.NowMs()
	freeFor := func(qk model.QuotaKey) bool {
		reset, ok := acc.RateLimitResetTimes[qk]
		return !ok || reset <= now
	}

	if family == model.FamilyClaude {
		if freeFor(model.QuotaClaude) {
			return config.HeaderStyleAntigravity, true
		}
		return "", false
	}
	if freeFor(model.QuotaGeminiAntigravity) {
		return config.HeaderStyleAntigravity, true
	}
	if freeFor(model.QuotaGeminiCLI) {
		return config.HeaderStyleGeminiCLI, true
	}
	return "", false
}

// GetMinWaitTimeForFamily returns 0 if any account is already free for
// family, else the minimum remaining wait across the pool (§4.D).
func (m *Manager) GetMinWaitTimeForFamily(family model.Family) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := utils.NowMs()
	var minWait int64 = -1

	for _, acc := range m.file.Accounts {
		keys := model.QuotaKeysForFamily(family)
		var accWait int64
		for _, qk := range keys {
			reset, ok := acc.RateLimitResetTimes[qk]
			if !ok || reset <= now {
				accWait = 0
				break
			}
			remaining := reset - now
			if accWait == 0 || remaining < accWait {
				accWait = remaining
			}
		}
		if accWait == 0 {
			return 0
		}
		if minWait < 0 || accWait < minWait {
			minWait = accWait
		}
	}
	if minWait < 0 {
		return 0
	}
	return time.Duration(minWait) * time.Millisecond
}

// UpdateTokens writes a refreshed access token back into acc and persists.
func (m *Manager) UpdateTokens(acc *Account, accessToken string, expiresAt int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc.AccessToken = accessToken
	acc.ExpiresAt = expiresAt
	m.persistLocked()
}

// UpdateManagedProjectID records the project id the Project Resolver
// discovered for acc's refresh token and persists.
func (m *Manager) UpdateManagedProjectID(acc *Account, projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc.ManagedProjectID = projectID
	m.persistLocked()
}

// Remove drops acc from the pool (terminal invalid_grant, §4.B), re-indexes
// survivors, clamps the cursor, and resets any family-active-index that
// pointed at the removed or now out-of-bounds position (§4.D).
func (m *Manager) Remove(acc *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removedIdx := -1
	for i, a := range m.file.Accounts {
		if a == acc {
			removedIdx = i
			break
		}
	}
	if removedIdx < 0 {
		return
	}

	m.file.Accounts = append(m.file.Accounts[:removedIdx], m.file.Accounts[removedIdx+1:]...)
	for i, a := range m.file.Accounts {
		a.Index = i
	}

	n := len(m.file.Accounts)
	if n == 0 {
		m.cursor = 0
	} else {
		m.cursor %= n
	}

	if m.file.ActiveIndex == removedIdx || m.file.ActiveIndex >= n {
		m.file.ActiveIndex = -1
	}
	for family, idx := range m.file.ActiveIndexByFamily {
		if idx == removedIdx || idx >= n {
			m.file.ActiveIndexByFamily[family] = -1
		}
	}

	m.persistLocked()
}

func (m *Manager) persistLocked() {
	if err := m.store.Save(m.file); err != nil {
		utils.Error("[AccountManager] failed to persist accounts file: %v", err)
	}
}
