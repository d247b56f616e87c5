package recovery

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/opencode-ai/antigravity-broker/internal/config"
	"github.com/opencode-ai/antigravity-broker/internal/utils"
)

// PartsStore is the on-disk fallback for a failed message's parts (§4.K),
// written before every repair attempt and read back when the host's own
// FetchMessageParts returns nothing (e.g. the host itself crashed). Writes
// are atomic, temp-then-rename, the same idiom the Signature Cache uses for
// its own disk mirror.
type PartsStore struct {
	dir string
}

// NewPartsStore opens the fallback store rooted at dir. An empty dir falls
// back to the default recovery-parts directory.
func NewPartsStore(dir string) *PartsStore {
	if dir == "" {
		dir = config.RecoveryPartsDir()
	}
	return &PartsStore{dir: dir}
}

func (s *PartsStore) path(sessionID, messageID string) string {
	return filepath.Join(s.dir, sessionID+"__"+messageID+".json")
}

// Save persists parts for (sessionID, messageID), overwriting any prior
// snapshot. Failures are logged, not returned — a failed fallback write must
// never abort the repair it is backing up.
func (s *PartsStore) Save(sessionID, messageID string, parts []map[string]interface{}) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		utils.Error("[RecoveryHook] failed to create parts store dir: %v", err)
		return
	}

	data, err := json.Marshal(parts)
	if err != nil {
		utils.Error("[RecoveryHook] failed to marshal message parts: %v", err)
		return
	}

	tmp, err := os.CreateTemp(s.dir, ".parts-*.tmp")
	if err != nil {
		utils.Error("[RecoveryHook] failed to create temp parts file: %v", err)
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		utils.Error("[RecoveryHook] failed to write temp parts file: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return
	}
	if err := os.Rename(tmpPath, s.path(sessionID, messageID)); err != nil {
		utils.Error("[RecoveryHook] failed to rename temp parts file into place: %v", err)
	}
}

// Load reads back a previously saved snapshot, returning nil if none exists
// or it is unreadable.
func (s *PartsStore) Load(sessionID, messageID string) []map[string]interface{} {
	data, err := os.ReadFile(s.path(sessionID, messageID))
	if err != nil {
		return nil
	}
	var parts []map[string]interface{}
	if err := json.Unmarshal(data, &parts); err != nil {
		utils.Warn("[RecoveryHook] stored parts for %s/%s unreadable: %v", sessionID, messageID, err)
		return nil
	}
	return parts
}

// Delete removes a session/message's stored snapshot after a successful
// repair and resume, so the fallback store doesn't grow unbounded.
func (s *PartsStore) Delete(sessionID, messageID string) {
	_ = os.Remove(s.path(sessionID, messageID))
}
