// Package account implements the Credential Store (§4.A) and the Account
// Manager's sticky, per-family-quota selection pool (§4.D), plus the
// Proactive Refresh Queue (§4.E) that keeps the pool's tokens warm.
package account

import "github.com/opencode-ai/antigravity-broker/internal/model"

// SwitchReason records why an account became the active one for a family.
type SwitchReason string

const (
	SwitchRateLimit SwitchReason = "rate-limit"
	SwitchInitial   SwitchReason = "initial"
	SwitchRotation  SwitchReason = "rotation"
)

// Account is one upstream user credential (§3 Account).
type Account struct {
	Index        int    `json:"index"`
	Email        string `json:"email,omitempty"`
	RefreshToken string `json:"refreshToken"`

	UserProjectID    string `json:"userProjectId,omitempty"`
	ManagedProjectID string `json:"managedProjectId,omitempty"`

	AccessToken string `json:"accessToken,omitempty"`
	ExpiresAt   int64  `json:"expiresAt,omitempty"` // unix ms

	AddedAt  int64 `json:"addedAt"`
	LastUsed int64 `json:"lastUsed,omitempty"`

	// RateLimitResetTimes maps a QuotaKey to the unix-ms time it frees up.
	// A key absent or in the past is treated as free.
	RateLimitResetTimes map[model.QuotaKey]int64 `json:"rateLimitResetTimes,omitempty"`

	LastSwitchReason SwitchReason `json:"lastSwitchReason,omitempty"`
}

// ProjectID returns the project id to send upstream: the upstream-managed
// one if the Project Resolver has discovered it, else the user-supplied one.
func (a *Account) ProjectID() string {
	if a.ManagedProjectID != "" {
		return a.ManagedProjectID
	}
	return a.UserProjectID
}

// AccountsFile is the v3 on-disk shape (§3 AccountsFile, §4.A migration).
type AccountsFile struct {
	Version             int                  `json:"version"`
	Accounts            []*Account           `json:"accounts"`
	ActiveIndex         int                  `json:"activeIndex"`
	ActiveIndexByFamily map[model.Family]int `json:"activeIndexByFamily"`
}

func newAccountsFile() *AccountsFile {
	return &AccountsFile{
		Version:     3,
		Accounts:    []*Account{},
		ActiveIndex: -1,
		ActiveIndexByFamily: map[model.Family]int{
			model.FamilyClaude: -1,
			model.FamilyGemini: -1,
		},
	}
}
