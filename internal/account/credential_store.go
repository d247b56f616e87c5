package account

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/opencode-ai/antigravity-broker/internal/config"
	"github.com/opencode-ai/antigravity-broker/internal/model"
	"github.com/opencode-ai/antigravity-broker/internal/utils"
)

// CredentialStore persists the AccountsFile at the platform config
// directory (§4.A). Load performs forward migration from v1/v2 to v3.
type CredentialStore struct {
	path string
}

// NewCredentialStore opens the store at the default accounts file path.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{path: config.AccountsFilePath()}
}

// NewCredentialStoreAt opens the store at an explicit path, for tests.
func NewCredentialStoreAt(path string) *CredentialStore {
	return &CredentialStore{path: path}
}

// legacyV1 is the scalar-rate-limit shape of the very first accounts file.
type legacyV1Account struct {
	Index               int     `json:"index"`
	Email               string  `json:"email,omitempty"`
	RefreshToken        string  `json:"refreshToken"`
	UserProjectID       string  `json:"userProjectId,omitempty"`
	ManagedProjectID    string  `json:"managedProjectId,omitempty"`
	AccessToken         string  `json:"accessToken,omitempty"`
	ExpiresAt           int64   `json:"expiresAt,omitempty"`
	AddedAt             int64   `json:"addedAt"`
	LastUsed            int64   `json:"lastUsed,omitempty"`
	RateLimitResetTime  int64   `json:"rateLimitResetTime,omitempty"`
	LastSwitchReason    string  `json:"lastSwitchReason,omitempty"`
}

type legacyV1File struct {
	Version     int                `json:"version"`
	Accounts    []legacyV1Account  `json:"accounts"`
	ActiveIndex int                `json:"activeIndex"`
}

// legacyV2Account replaces the scalar reset time with a per-key map whose
// gemini key hasn't yet been split into antigravity/cli pools.
type legacyV2Account struct {
	legacyV1Account
	RateLimitResetTimes map[string]int64 `json:"rateLimitResetTimes,omitempty"`
}

type legacyV2File struct {
	Version             int                          `json:"version"`
	Accounts            []legacyV2Account             `json:"accounts"`
	ActiveIndex         int                            `json:"activeIndex"`
	ActiveIndexByFamily map[string]int                 `json:"activeIndexByFamily"`
}

// versionProbe reads just the version field to pick a decode path.
type versionProbe struct {
	Version int `json:"version"`
}

// Load reads and migrates the accounts file. A missing file or a file that
// fails to parse is treated as an empty pool rather than an error (§4.A) —
// the caller gets a fresh AccountsFile either way.
func (s *CredentialStore) Load() *AccountsFile {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return newAccountsFile()
	}

	var probe versionProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		utils.Warn("[CredentialStore] accounts file unreadable, treating as empty: %v", err)
		return newAccountsFile()
	}

	switch probe.Version {
	case 0, 1:
		var v1 legacyV1File
		if err := json.Unmarshal(data, &v1); err != nil {
			utils.Warn("[CredentialStore] v1 accounts file unreadable, treating as empty: %v", err)
			return newAccountsFile()
		}
		return migrateV1(v1)
	case 2:
		var v2 legacyV2File
		if err := json.Unmarshal(data, &v2); err != nil {
			utils.Warn("[CredentialStore] v2 accounts file unreadable, treating as empty: %v", err)
			return newAccountsFile()
		}
		return migrateV2(v2)
	default:
		var v3 AccountsFile
		if err := json.Unmarshal(data, &v3); err != nil {
			utils.Warn("[CredentialStore] accounts file unreadable, treating as empty: %v", err)
			return newAccountsFile()
		}
		if v3.ActiveIndexByFamily == nil {
			v3.ActiveIndexByFamily = map[model.Family]int{model.FamilyClaude: -1, model.FamilyGemini: -1}
		}
		return &v3
	}
}

// migrateV1 fans the scalar reset time out to both families (§4.A).
func migrateV1(v1 legacyV1File) *AccountsFile {
	out := newAccountsFile()
	out.ActiveIndex = v1.ActiveIndex
	for _, a := range v1.Accounts {
		acc := &Account{
			Index:            a.Index,
			Email:            a.Email,
			RefreshToken:     a.RefreshToken,
			UserProjectID:    a.UserProjectID,
			ManagedProjectID: a.ManagedProjectID,
			AccessToken:      a.AccessToken,
			ExpiresAt:        a.ExpiresAt,
			AddedAt:          a.AddedAt,
			LastUsed:         a.LastUsed,
			LastSwitchReason: SwitchReason(a.LastSwitchReason),
		}
		if a.RateLimitResetTime > 0 {
			acc.RateLimitResetTimes = map[model.QuotaKey]int64{
				model.QuotaClaude:            a.RateLimitResetTime,
				model.QuotaGeminiAntigravity: a.RateLimitResetTime,
				model.QuotaGeminiCLI:         a.RateLimitResetTime,
			}
		}
		out.Accounts = append(out.Accounts, acc)
	}
	return out
}

// migrateV2 maps the undifferentiated "gemini" key to gemini-antigravity,
// dropping already-expired reset times in the process (§4.A).
func migrateV2(v2 legacyV2File) *AccountsFile {
	out := newAccountsFile()
	out.ActiveIndex = v2.ActiveIndex
	for family, idx := range v2.ActiveIndexByFamily {
		out.ActiveIndexByFamily[model.Family(family)] = idx
	}

	for _, a := range v2.Accounts {
		acc := &Account{
			Index:            a.Index,
			Email:            a.Email,
			RefreshToken:     a.RefreshToken,
			UserProjectID:    a.UserProjectID,
			ManagedProjectID: a.ManagedProjectID,
			AccessToken:      a.AccessToken,
			ExpiresAt:        a.ExpiresAt,
			AddedAt:          a.AddedAt,
			LastUsed:         a.LastUsed,
			LastSwitchReason: SwitchReason(a.LastSwitchReason),
		}
		reset := map[model.QuotaKey]int64{}
		now := utils.NowMs()
		for key, ms := range a.RateLimitResetTimes {
			if ms <= now {
				continue
			}
			if key == "gemini" {
				reset[model.QuotaGeminiAntigravity] = ms
				continue
			}
			reset[model.QuotaKey(key)] = ms
		}
		if len(reset) > 0 {
			acc.RateLimitResetTimes = reset
		}
		out.Accounts = append(out.Accounts, acc)
	}
	return out
}

// Save writes the full accounts file atomically: UTF-8, two-space indent,
// temp-file-then-rename so a crash mid-write never corrupts the prior file.
func (s *CredentialStore) Save(af *AccountsFile) error {
	data, err := json.MarshalIndent(af, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".antigravity-accounts-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.path)
}
