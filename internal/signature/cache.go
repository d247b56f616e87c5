// Package signature implements the Signature Cache (§4.C): a dual-TTL
// memory+disk map from (sessionKey, verbatim thinking text) to the opaque
// signature the upstream requires be re-attached to that thinking block on
// later turns.
//
// Per the design note on shared state (§9), a Cache is an explicit
// dependency threaded through the constructor of whatever needs it (the
// Request Transformer, the Response Transformer) rather than a package
// global reached through a sync.Once singleton.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opencode-ai/antigravity-broker/internal/config"
	"github.com/opencode-ai/antigravity-broker/internal/utils"
)

// Entry is one cached signature (§3 SignatureCacheEntry).
type Entry struct {
	Signature    string   `json:"signature"`
	TimestampMs  int64    `json:"timestamp"`
	ThinkingText string   `json:"thinkingText,omitempty"`
	ToolIDs      []string `json:"toolIds,omitempty"`
}

// Cache is the in-memory map plus its on-disk mirror. Safe for concurrent
// use.
type lastThinking struct {
	signature string
	text      string
}

type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	dirty   bool

	// last tracks, per sessionKey, the most recently signed thinking block
	// seen — used to prepend a synthetic signed thinking block ahead of a
	// tool call that arrives with none (§4.I), and cleared by the
	// crash-and-restart repair (§4.I). Deliberately not persisted to disk:
	// it is a pointer to "most recent", not a historical record.
	last map[string]lastThinking

	path               string
	memoryTTL          time.Duration
	diskTTL            time.Duration
	writeInterval      time.Duration
	minSignatureLength int

	stopCh chan struct{}
}

// Options configure the cache's TTLs and flush cadence (§6
// signature_cache block). Zero values fall back to the built-in defaults.
type Options struct {
	Path               string
	MemoryTTL          time.Duration
	DiskTTL            time.Duration
	WriteInterval      time.Duration
	MinSignatureLength int
}

// New loads any existing on-disk cache at opts.Path and returns a ready
// Cache. A missing or corrupt file starts from an empty cache (same
// treat-as-empty policy as the Credential Store, §4.A).
func New(opts Options) *Cache {
	if opts.Path == "" {
		opts.Path = config.SignatureCacheFilePath()
	}
	if opts.MemoryTTL == 0 {
		opts.MemoryTTL = time.Hour
	}
	if opts.DiskTTL == 0 {
		opts.DiskTTL = 48 * time.Hour
	}
	if opts.WriteInterval == 0 {
		opts.WriteInterval = 60 * time.Second
	}
	if opts.MinSignatureLength == 0 {
		opts.MinSignatureLength = config.MinSignatureLength
	}

	c := &Cache{
		entries:            make(map[string]*Entry),
		last:               make(map[string]lastThinking),
		path:               opts.Path,
		memoryTTL:          opts.MemoryTTL,
		diskTTL:            opts.DiskTTL,
		writeInterval:      opts.WriteInterval,
		minSignatureLength: opts.MinSignatureLength,
	}
	c.loadFromDisk()
	return c
}

func (c *Cache) loadFromDisk() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var onDisk map[string]*Entry
	if err := json.Unmarshal(data, &onDisk); err != nil {
		utils.Warn("[SignatureCache] on-disk cache unreadable, starting empty: %v", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range onDisk {
		c.entries[k] = v
	}
}

// SessionKey builds the key spec.md §4.C defines:
// PLUGIN_SESSION_UUID:lowercased(model):projectKey:conversationKey.
func SessionKey(pluginSessionUUID, model, projectKey, conversationKey string) string {
	return pluginSessionUUID + ":" + strings.ToLower(model) + ":" + projectKey + ":" + conversationKey
}

// ConversationKey derives the conversationKey component of a session key:
// the first present of an explicit id, else a 16-hex SHA-256 prefix of
// systemText|firstUserText, else the literal "default" (§4.C).
func ConversationKey(explicitID, systemText, firstUserText string) string {
	if explicitID != "" {
		return explicitID
	}
	if systemText == "" && firstUserText == "" {
		return "default"
	}
	sum := sha256.Sum256([]byte(systemText + "|" + firstUserText))
	return hex.EncodeToString(sum[:])[:16]
}

// entryKey combines the sessionKey with the verbatim thinking text into the
// cache's actual map key (§3: keyed by (sessionId:modelId)-scoped text).
func entryKey(sessionKey, text string) string {
	sum := sha256.Sum256([]byte(text))
	return sessionKey + "#" + hex.EncodeToString(sum[:])
}

// Get returns the signature cached for (sessionKey, text), if any and not
// expired in memory.
func (c *Cache) Get(sessionKey, text string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := entryKey(sessionKey, text)
	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.memoryTTL > 0 && utils.NowMs()-entry.TimestampMs > c.memoryTTL.Milliseconds() {
		delete(c.entries, key)
		return "", false
	}
	return entry.Signature, true
}

// Put caches signature for (sessionKey, text). Signatures shorter than the
// configured minimum are never cached — an empirical floor below which the
// upstream is known to reject the signature as invalid (§4.C).
func (c *Cache) Put(sessionKey, text, signature string, toolIDs []string) {
	if len(signature) < c.minSignatureLength {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[entryKey(sessionKey, text)] = &Entry{
		Signature:    signature,
		TimestampMs:  utils.NowMs(),
		ThinkingText: text,
		ToolIDs:      toolIDs,
	}
	c.dirty = true
	c.last[sessionKey] = lastThinking{signature: signature, text: text}
}

// LastThinking returns the most recently cached signed thinking block for
// sessionKey, if any (§4.I signature backfill, §4.J streaming harvest).
func (c *Cache) LastThinking(sessionKey string) (signature, text string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lt, found := c.last[sessionKey]
	if !found {
		return "", "", false
	}
	return lt.signature, lt.text, true
}

// ForgetLastThinking clears the remembered last-thinking pointer for
// sessionKey (§4.I crash-and-restart recovery).
func (c *Cache) ForgetLastThinking(sessionKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, sessionKey)
}

// Stats is a snapshot of the cache's in-memory size, for the admin UI.
type Stats struct {
	Entries int
	Path    string
}

// Stats returns a point-in-time snapshot of the cache's entry count.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), Path: c.path}
}

// Start launches the background flush and cleanup timers (§4.C): flush
// every writeInterval if dirty, cleanup every 30 minutes.
func (c *Cache) Start() {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	stop := c.stopCh
	c.mu.Unlock()

	go c.flushLoop(stop)
	go c.cleanupLoop(stop)
}

// Stop halts the background timers and performs a final flush.
func (c *Cache) Stop() {
	c.mu.Lock()
	stop := c.stopCh
	c.stopCh = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	c.Flush()
}

func (c *Cache) flushLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.writeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Flush()
		}
	}
}

func (c *Cache) cleanupLoop(stop chan struct{}) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.evictExpiredMemory()
		}
	}
}

func (c *Cache) evictExpiredMemory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := utils.NowMs()
	for k, e := range c.entries {
		if now-e.TimestampMs > c.memoryTTL.Milliseconds() {
			delete(c.entries, k)
		}
	}
}

// Flush merges on-disk entries younger than diskTTL with the in-memory map
// (memory wins on key collision) and writes the result atomically
// (temp-then-rename, §4.C). A no-op if nothing is dirty.
func (c *Cache) Flush() {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return
	}
	snapshot := make(map[string]*Entry, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	c.dirty = false
	c.mu.Unlock()

	merged := c.mergeWithDisk(snapshot)

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		utils.Error("[SignatureCache] failed to marshal cache: %v", err)
		return
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		utils.Error("[SignatureCache] failed to create cache dir: %v", err)
		return
	}
	tmp, err := os.CreateTemp(dir, ".antigravity-signature-cache-*.tmp")
	if err != nil {
		utils.Error("[SignatureCache] failed to create temp file: %v", err)
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		utils.Error("[SignatureCache] failed to write temp file: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		utils.Error("[SignatureCache] failed to rename temp file into place: %v", err)
	}
}

func (c *Cache) mergeWithDisk(memory map[string]*Entry) map[string]*Entry {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return memory
	}
	var onDisk map[string]*Entry
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return memory
	}

	now := utils.NowMs()
	merged := make(map[string]*Entry, len(onDisk)+len(memory))
	for k, v := range onDisk {
		if now-v.TimestampMs <= c.diskTTL.Milliseconds() {
			merged[k] = v
		}
	}
	for k, v := range memory {
		merged[k] = v
	}
	return merged
}
