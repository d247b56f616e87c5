package signature

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "antigravity-signature-cache.json")
	}
	return New(opts)
}

// TestPutGetRoundTrip checks §8's "store/retrieve round-trip within memory
// TTL is identity" property.
func TestPutGetRoundTrip(t *testing.T) {
	c := newTestCache(t, Options{})
	sessionKey := SessionKey("plugin-uuid", "Claude-Sonnet-4-5", "proj", "conv")
	text := "let me think about this step by step"
	sig := "sig-" + longSig()

	c.Put(sessionKey, text, sig, nil)

	got, ok := c.Get(sessionKey, text)
	if !ok {
		t.Fatal("Get returned ok=false immediately after Put")
	}
	if got != sig {
		t.Fatalf("Get returned %q, want %q", got, sig)
	}
}

// TestPutBelowMinLengthNeverCached checks the 50-char empirical floor from
// §4.C: a signature shorter than the configured minimum is silently
// dropped, not stored.
func TestPutBelowMinLengthNeverCached(t *testing.T) {
	c := newTestCache(t, Options{MinSignatureLength: 50})
	sessionKey := SessionKey("plugin-uuid", "claude-sonnet-4-5", "proj", "conv")

	c.Put(sessionKey, "short thought", "too-short-sig", nil)

	if _, ok := c.Get(sessionKey, "short thought"); ok {
		t.Fatal("Get returned ok=true for a signature below the minimum length")
	}
	if _, _, ok := c.LastThinking(sessionKey); ok {
		t.Fatal("LastThinking returned ok=true after only a sub-minimum Put")
	}
}

// TestGetExpiresAfterMemoryTTL checks that an entry older than the memory
// TTL is no longer returned by Get, even though it's still on disk.
func TestGetExpiresAfterMemoryTTL(t *testing.T) {
	c := newTestCache(t, Options{MemoryTTL: 10 * time.Millisecond})
	sessionKey := SessionKey("plugin-uuid", "claude-sonnet-4-5", "proj", "conv")
	text := "a reasonably long thought to sign"
	sig := longSig()

	c.Put(sessionKey, text, sig, nil)
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get(sessionKey, text); ok {
		t.Fatal("Get returned ok=true for an entry past its memory TTL")
	}
}

// TestFlushReloadSurvivesRestart checks §8: "after memory TTL but before
// disk TTL, retrieval after a flush still returns the signature" — i.e. a
// fresh Cache pointed at the same path after a Flush can still read what
// the first Cache wrote.
func TestFlushReloadSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "antigravity-signature-cache.json")
	first := newTestCache(t, Options{Path: path, DiskTTL: time.Hour})

	sessionKey := SessionKey("plugin-uuid", "claude-sonnet-4-5", "proj", "conv")
	text := "a thought that must survive a restart"
	sig := longSig()
	first.Put(sessionKey, text, sig, nil)
	first.Flush()

	second := newTestCache(t, Options{Path: path, DiskTTL: time.Hour})
	got, ok := second.Get(sessionKey, text)
	if !ok {
		t.Fatal("second Cache could not read the flushed entry")
	}
	if got != sig {
		t.Fatalf("second Cache returned %q, want %q", got, sig)
	}
}

// TestFlushMergesMemoryWinsOnCollision checks the merge-on-flush rule from
// §4.C: entries already on disk survive a flush from a fresh process, and
// an in-memory write to the same key wins over the stale disk value.
func TestFlushMergesMemoryWinsOnCollision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "antigravity-signature-cache.json")
	sessionKey := SessionKey("plugin-uuid", "claude-sonnet-4-5", "proj", "conv")
	textA := "first thought, unrelated key"
	textB := "second thought, collides on disk"

	first := newTestCache(t, Options{Path: path, DiskTTL: time.Hour})
	first.Put(sessionKey, textA, longSig(), nil)
	first.Put(sessionKey, textB, "old-"+longSig(), nil)
	first.Flush()

	second := newTestCache(t, Options{Path: path, DiskTTL: time.Hour})
	second.Put(sessionKey, textB, "new-"+longSig(), nil)
	second.Flush()

	third := newTestCache(t, Options{Path: path, DiskTTL: time.Hour})
	if got, ok := third.Get(sessionKey, textA); !ok || got != longSig() {
		t.Fatalf("stale disk entry for textA lost across flushes: got %q, ok=%v", got, ok)
	}
	got, ok := third.Get(sessionKey, textB)
	if !ok {
		t.Fatal("merged entry for textB missing")
	}
	if got != "new-"+longSig() {
		t.Fatalf("Get(textB) = %q, want the newer in-memory write to win", got)
	}
}

// TestLastThinkingAndForget checks the "most recent signed thinking"
// pointer §4.I's synthetic-thinking backfill and the crash-and-restart
// repair rely on.
func TestLastThinkingAndForget(t *testing.T) {
	c := newTestCache(t, Options{})
	sessionKey := SessionKey("plugin-uuid", "claude-sonnet-4-5", "proj", "conv")

	if _, _, ok := c.LastThinking(sessionKey); ok {
		t.Fatal("LastThinking returned ok=true before any Put")
	}

	c.Put(sessionKey, "first", longSig(), nil)
	c.Put(sessionKey, "second", "second-"+longSig(), nil)

	sig, text, ok := c.LastThinking(sessionKey)
	if !ok || text != "second" || sig != "second-"+longSig() {
		t.Fatalf("LastThinking = (%q,%q,%v), want the most recent Put", sig, text, ok)
	}

	c.ForgetLastThinking(sessionKey)
	if _, _, ok := c.LastThinking(sessionKey); ok {
		t.Fatal("LastThinking returned ok=true after ForgetLastThinking")
	}
}

// TestConversationKeyPrecedence checks §4.C's fallback order: explicit id,
// else a stable hash of system+first-user text, else "default".
func TestConversationKeyPrecedence(t *testing.T) {
	if got := ConversationKey("thread-123", "sys", "hi"); got != "thread-123" {
		t.Fatalf("ConversationKey with explicit id = %q, want thread-123", got)
	}
	if got := ConversationKey("", "", ""); got != "default" {
		t.Fatalf("ConversationKey with nothing present = %q, want default", got)
	}
	a := ConversationKey("", "sys prompt", "hello there")
	b := ConversationKey("", "sys prompt", "hello there")
	if a != b {
		t.Fatalf("ConversationKey not deterministic: %q != %q", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("ConversationKey hash length = %d, want 16", len(a))
	}
	c := ConversationKey("", "sys prompt", "something else")
	if a == c {
		t.Fatal("ConversationKey collided for different first-user text")
	}
}

func longSig() string {
	return "0123456789012345678901234567890123456789012345678901234567890123456789"
}
