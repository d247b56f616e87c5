package format

import (
	"testing"

	"github.com/opencode-ai/antigravity-broker/internal/signature"
)

func fc(id, name string) map[string]interface{} {
	m := map[string]interface{}{"name": name}
	if id != "" {
		m["id"] = id
	}
	return map[string]interface{}{"functionCall": m}
}

func fr(id, name string) map[string]interface{} {
	m := map[string]interface{}{"name": name}
	if id != "" {
		m["id"] = id
	}
	return map[string]interface{}{"functionResponse": m}
}

func partID(p map[string]interface{}, key string) string {
	inner, _ := p[key].(map[string]interface{})
	id, _ := inner["id"].(string)
	return id
}

// TestPairToolIDsFIFOOrphanRecovery drives §8 scenario 5: two calls to the
// same function name, one response arriving with no id. The response must
// be matched to the first call by FIFO order, and the second call gets a
// synthesized placeholder response.
func TestPairToolIDsFIFOOrphanRecovery(t *testing.T) {
	contents := []Content{
		{Role: "model", Parts: []map[string]interface{}{fc("a", "read_file")}},
		{Role: "model", Parts: []map[string]interface{}{fc("b", "read_file")}},
		{Role: "user", Parts: []map[string]interface{}{fr("", "read_file")}},
	}

	out := PairToolIDs(contents)

	if got := partID(out[2].Parts[0], "functionResponse"); got != "a" {
		t.Fatalf("first response matched id %q, want a (FIFO)", got)
	}

	// The placeholder for call "b" is appended to its own content entry.
	lastOfCallB := out[1].Parts[len(out[1].Parts)-1]
	fr, ok := lastOfCallB["functionResponse"].(map[string]interface{})
	if !ok {
		t.Fatalf("no synthesized placeholder response appended for orphan call b; content[1].Parts=%v", out[1].Parts)
	}
	if fr["id"] != "b" {
		t.Fatalf("placeholder response id = %v, want b", fr["id"])
	}
	if fr["name"] != "read_file" {
		t.Fatalf("placeholder response name = %v, want read_file", fr["name"])
	}

	// Invariant from §8: every functionResponse has a non-empty id, and
	// every functionCall is eventually followed by a matching response.
	calls := map[string]bool{}
	responses := map[string]bool{}
	for _, c := range out {
		for _, p := range c.Parts {
			if callMap, ok := p["functionCall"].(map[string]interface{}); ok {
				id, _ := callMap["id"].(string)
				if id == "" {
					t.Fatal("functionCall left with empty id after pairing")
				}
				calls[id] = true
			}
			if respMap, ok := p["functionResponse"].(map[string]interface{}); ok {
				id, _ := respMap["id"].(string)
				if id == "" {
					t.Fatal("functionResponse left with empty id after pairing")
				}
				responses[id] = true
			}
		}
	}
	for id := range calls {
		if !responses[id] {
			t.Errorf("call %q has no matching response after pairing", id)
		}
	}
}

// TestPairToolIDsAlreadyPaired checks the no-op case: a conversation that
// already pairs cleanly by id is left untouched.
func TestPairToolIDsAlreadyPaired(t *testing.T) {
	contents := []Content{
		{Role: "model", Parts: []map[string]interface{}{fc("call-1", "list_dir")}},
		{Role: "user", Parts: []map[string]interface{}{fr("call-1", "list_dir")}},
	}
	out := PairToolIDs(contents)
	if got := partID(out[1].Parts[0], "functionResponse"); got != "call-1" {
		t.Fatalf("id changed on an already-paired conversation: got %q", got)
	}
	if len(out[0].Parts) != 1 || len(out[1].Parts) != 1 {
		t.Fatal("already-paired conversation grew extra parts")
	}
}

func thinkingPart(text, sig string) map[string]interface{} {
	p := map[string]interface{}{"thought": true, "text": text}
	if sig != "" {
		p["thoughtSignature"] = sig
	}
	return p
}

// TestBackfillSignaturesDropsUnsigned checks §8's invariant: with
// keep_thinking on, every thinking block in the output either carries a
// >=50-char signature or has been removed entirely.
func TestBackfillSignaturesDropsUnsigned(t *testing.T) {
	cache := signature.New(signature.Options{Path: t.TempDir() + "/cache.json"})
	sessionKey := "session-1"

	contents := []Content{
		{Role: "model", Parts: []map[string]interface{}{
			thinkingPart("no signature available for this one", ""),
			{"text": "hello"},
		}},
	}

	out := BackfillSignatures(cache, sessionKey, contents)

	for _, c := range out {
		for _, p := range c.Parts {
			if isThoughtPart(p) && !partHasValidSignature(p) {
				t.Fatalf("unsigned thinking block survived backfill: %v", p)
			}
		}
	}
	if len(out[0].Parts) != 1 {
		t.Fatalf("expected the unsigned thinking block to be dropped, got %d parts", len(out[0].Parts))
	}
}

// TestBackfillSignaturesAttachesCached checks that a thinking block whose
// verbatim text the cache has already seen gets its signature reattached
// rather than dropped.
func TestBackfillSignaturesAttachesCached(t *testing.T) {
	cache := signature.New(signature.Options{Path: t.TempDir() + "/cache.json"})
	sessionKey := "session-1"
	text := "cached thought text"
	sig := "012345678901234567890123456789012345678901234567890123456789"
	cache.Put(sessionKey, text, sig, nil)

	contents := []Content{
		{Role: "model", Parts: []map[string]interface{}{thinkingPart(text, "")}},
	}

	out := BackfillSignatures(cache, sessionKey, contents)

	if len(out[0].Parts) != 1 {
		t.Fatalf("expected the backfilled block to survive, got %d parts", len(out[0].Parts))
	}
	if got := partSignature(out[0].Parts[0]); got != sig {
		t.Fatalf("backfilled signature = %q, want %q", got, sig)
	}
}

// TestBackfillSignaturesPrependsSyntheticBeforeToolCall checks that a tool
// call with no preceding signed thinking gets a synthetic signed thinking
// block prepended from the cache's last-thinking pointer.
func TestBackfillSignaturesPrependsSyntheticBeforeToolCall(t *testing.T) {
	cache := signature.New(signature.Options{Path: t.TempDir() + "/cache.json"})
	sessionKey := "session-1"
	sig := "012345678901234567890123456789012345678901234567890123456789"
	cache.Put(sessionKey, "earlier thought", sig, nil)

	contents := []Content{
		{Role: "model", Parts: []map[string]interface{}{fc("call-1", "read_file")}},
	}

	out := BackfillSignatures(cache, sessionKey, contents)

	if len(out[0].Parts) != 2 {
		t.Fatalf("expected a synthetic thinking block prepended, got %d parts", len(out[0].Parts))
	}
	if !isThoughtPart(out[0].Parts[0]) || !partHasValidSignature(out[0].Parts[0]) {
		t.Fatalf("prepended part is not a signed thinking block: %v", out[0].Parts[0])
	}
}

// TestRecoverCrashedConversation drives §8 scenario 6: a conversation ending
// in a tool response whose turn has no signed thinking must be rewritten
// into a closed turn plus a fresh synthetic continuation turn, with zero
// thinking blocks remaining.
func TestRecoverCrashedConversation(t *testing.T) {
	cache := signature.New(signature.Options{Path: t.TempDir() + "/cache.json"})
	sessionKey := "session-1"

	contents := []Content{
		{Role: "user", Parts: []map[string]interface{}{{"text": "please read the file"}}},
		{Role: "model", Parts: []map[string]interface{}{fc("call-1", "read_file")}},
		{Role: "user", Parts: []map[string]interface{}{fr("call-1", "read_file")}},
	}

	out := RecoverCrashedConversation(cache, sessionKey, contents, false)

	if len(out) != len(contents)+2 {
		t.Fatalf("expected 2 synthetic turns appended, got %d contents (was %d)", len(out), len(contents))
	}
	for _, c := range out {
		for _, p := range c.Parts {
			if isThoughtPart(p) {
				t.Fatalf("thinking block survived crash-and-restart recovery: %v", p)
			}
		}
	}
	if out[len(out)-2].Role != "model" || out[len(out)-1].Role != "user" {
		t.Fatalf("expected closing model turn then opening user turn, got roles %q, %q",
			out[len(out)-2].Role, out[len(out)-1].Role)
	}
}

// TestRecoverCrashedConversationNoOpWhenThinkingPresent checks that a
// tool-loop turn which already has signed thinking is left untouched unless
// forceRecovery is set.
func TestRecoverCrashedConversationNoOpWhenThinkingPresent(t *testing.T) {
	cache := signature.New(signature.Options{Path: t.TempDir() + "/cache.json"})
	sessionKey := "session-1"
	sig := "012345678901234567890123456789012345678901234567890123456789"

	contents := []Content{
		{Role: "user", Parts: []map[string]interface{}{{"text": "please read the file"}}},
		{Role: "model", Parts: []map[string]interface{}{thinkingPart("planning", sig), fc("call-1", "read_file")}},
		{Role: "user", Parts: []map[string]interface{}{fr("call-1", "read_file")}},
	}

	out := RecoverCrashedConversation(cache, sessionKey, contents, false)
	if len(out) != len(contents) {
		t.Fatalf("expected no-op when the turn already has signed thinking, got %d contents (was %d)", len(out), len(contents))
	}
}

// TestRecoverCrashedConversationForced checks that forceRecovery triggers
// the repair even when signed thinking is present (the
// thinking_block_order retry path from §4.I).
func TestRecoverCrashedConversationForced(t *testing.T) {
	cache := signature.New(signature.Options{Path: t.TempDir() + "/cache.json"})
	sessionKey := "session-1"
	sig := "012345678901234567890123456789012345678901234567890123456789"
	cache.Put(sessionKey, "planning", sig, nil)

	contents := []Content{
		{Role: "user", Parts: []map[string]interface{}{{"text": "please read the file"}}},
		{Role: "model", Parts: []map[string]interface{}{thinkingPart("planning", sig), fc("call-1", "read_file")}},
		{Role: "user", Parts: []map[string]interface{}{fr("call-1", "read_file")}},
	}

	out := RecoverCrashedConversation(cache, sessionKey, contents, true)
	if len(out) != len(contents)+2 {
		t.Fatalf("forced recovery did not apply: got %d contents, want %d", len(out), len(contents)+2)
	}
	if _, _, ok := cache.LastThinking(sessionKey); ok {
		t.Fatal("LastThinking should be cleared by crash-and-restart recovery")
	}
}

func TestRecoverCrashedConversationNoOpOutsideToolLoop(t *testing.T) {
	cache := signature.New(signature.Options{Path: t.TempDir() + "/cache.json"})
	contents := []Content{
		{Role: "user", Parts: []map[string]interface{}{{"text": "hello"}}},
		{Role: "model", Parts: []map[string]interface{}{{"text": "hi there"}}},
	}
	out := RecoverCrashedConversation(cache, "session-1", contents, false)
	if len(out) != len(contents) {
		t.Fatalf("expected no-op when not in a tool loop, got %d contents", len(out))
	}
}
