package format

import (
	"github.com/opencode-ai/antigravity-broker/internal/config"
	"github.com/opencode-ai/antigravity-broker/internal/signature"
	"github.com/opencode-ai/antigravity-broker/internal/utils"
)

// Content is one wire-level content entry — either a Gemini `contents[]`
// turn or an Anthropic `messages[]` turn, depending on which caller built
// it. Parts is kept as raw maps rather than typed structs because the
// Conversation Repairer's job is exactly to patch the handful of fields
// (id, thoughtSignature, functionCall/functionResponse pairing) that make
// sense across both shapes without caring about the rest (§9).
type Content struct {
	Role  string
	Parts []map[string]interface{}
}

func isThoughtPart(p map[string]interface{}) bool {
	if thought, _ := p["thought"].(bool); thought {
		return true
	}
	t, _ := p["type"].(string)
	return t == "thinking" || t == "redacted_thinking"
}

func partSignature(p map[string]interface{}) string {
	if sig, ok := p["thoughtSignature"].(string); ok {
		return sig
	}
	if sig, ok := p["signature"].(string); ok {
		return sig
	}
	return ""
}

func partHasValidSignature(p map[string]interface{}) bool {
	return len(partSignature(p)) >= config.MinSignatureLength
}

func partText(p map[string]interface{}) string {
	if t, ok := p["text"].(string); ok {
		return t
	}
	if t, ok := p["thinking"].(string); ok {
		return t
	}
	return ""
}

// BackfillSignatures implements §4.I's signature backfill: attach a cached
// signature to any unsigned thinking part whose verbatim text the cache has
// seen before, prepend a synthetic signed thinking block ahead of a tool
// call that has none, and finally drop whatever is still unsigned — the
// upstream rejects an unsigned thinking block outright.
func BackfillSignatures(cache *signature.Cache, sessionKey string, contents []Content) []Content {
	result := make([]Content, 0, len(contents))

	for _, c := range contents {
		parts := make([]map[string]interface{}, 0, len(c.Parts))
		hasSignedThinking := false
		hasToolCall := false

		for _, p := range c.Parts {
			if isThoughtPart(p) {
				if !partHasValidSignature(p) {
					if sig, ok := cache.Get(sessionKey, partText(p)); ok {
						p = copySchemaMap(p)
						if _, isThought := p["thought"]; isThought {
							p["thoughtSignature"] = sig
						} else {
							p["signature"] = sig
						}
					}
				}
				if partHasValidSignature(p) {
					hasSignedThinking = true
				} else {
					utils.Debug("[ConversationRepairer] dropping unsigned thinking block")
					continue
				}
			}
			if _, ok := p["functionCall"]; ok {
				hasToolCall = true
			}
			parts = append(parts, p)
		}

		if hasToolCall && !hasSignedThinking {
			if last, text, ok := cache.LastThinking(sessionKey); ok {
				synthetic := map[string]interface{}{"thought": true, "text": text, "thoughtSignature": last}
				parts = append([]map[string]interface{}{synthetic}, parts...)
			}
		}

		result = append(result, Content{Role: c.Role, Parts: parts})
	}

	return result
}

// PairToolIDs implements §4.I's tool-id pairing for the Gemini-wire shape:
// two deterministic passes assigning/matching synthetic ids by function
// name, then four orphan-recovery passes (exact id, name, any-remaining,
// placeholder synthesis) so the conversation always parses.
func PairToolIDs(contents []Content) []Content {
	type call struct {
		contentIdx, partIdx int
		id, name            string
	}
	type response struct {
		contentIdx, partIdx int
		id, name            string
	}

	var calls []call
	var responses []response
	nameQueues := make(map[string][]string)
	counter := 0

	// Pass 1: assign synthetic ids to calls missing one.
	for ci, c := range contents {
		for pi, p := range c.Parts {
			fc, ok := p["functionCall"].(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := fc["name"].(string)
			id, _ := fc["id"].(string)
			if id == "" {
				counter++
				id = syntheticCallID(counter)
				fc["id"] = id
			}
			nameQueues[name] = append(nameQueues[name], id)
			calls = append(calls, call{contentIdx: ci, partIdx: pi, id: id, name: name})
		}
	}

	// Pass 2: for every response missing an id, pop the matching name queue.
	for ci, c := range contents {
		for pi, p := range c.Parts {
			fr, ok := p["functionResponse"].(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := fr["name"].(string)
			id, _ := fr["id"].(string)
			if id == "" {
				if q := nameQueues[name]; len(q) > 0 {
					id = q[0]
					nameQueues[name] = q[1:]
					fr["id"] = id
				}
			}
			responses = append(responses, response{contentIdx: ci, partIdx: pi, id: id, name: name})
		}
	}

	matchedCalls := make(map[int]bool)
	matchedResponses := make(map[int]bool)

	// Pass A: exact id match.
	for ri, r := range responses {
		if r.id == "" || matchedResponses[ri] {
			continue
		}
		for ci, c := range calls {
			if matchedCalls[ci] || c.id != r.id {
				continue
			}
			matchedCalls[ci] = true
			matchedResponses[ri] = true
			break
		}
	}

	// Pass B: match by function name for ids that drifted.
	for ri, r := range responses {
		if matchedResponses[ri] {
			continue
		}
		for ci, c := range calls {
			if matchedCalls[ci] || c.name != r.name || r.name == "" {
				continue
			}
			matchedCalls[ci] = true
			matchedResponses[ri] = true
			contents[r.contentIdx].Parts[r.partIdx]["functionResponse"].(map[string]interface{})["id"] = c.id
			break
		}
	}

	// Pass C: assign any remaining orphan response to any remaining unmatched call.
	for ri, r := range responses {
		if matchedResponses[ri] {
			continue
		}
		for ci, c := range calls {
			if matchedCalls[ci] {
				continue
			}
			matchedCalls[ci] = true
			matchedResponses[ri] = true
			contents[r.contentIdx].Parts[r.partIdx]["functionResponse"].(map[string]interface{})["id"] = c.id
			break
		}
	}

	// Pass D: every still-unmatched call gets a placeholder response appended
	// right after its own content entry, so the conversation always parses.
	for ci, c := range calls {
		if matchedCalls[ci] {
			continue
		}
		placeholder := map[string]interface{}{
			"functionResponse": map[string]interface{}{
				"name":     c.name,
				"id":       c.id,
				"response": map[string]interface{}{"result": "Operation cancelled or missing"},
			},
		}
		contents[c.contentIdx].Parts = append(contents[c.contentIdx].Parts, placeholder)
	}

	return contents
}

func syntheticCallID(n int) string {
	const digits = "0123456789"
	suffix := []byte{digits[n%10]}
	for n /= 10; n > 0; n /= 10 {
		suffix = append([]byte{digits[n%10]}, suffix...)
	}
	return "tool-call-" + string(suffix)
}

// repairConversationState is the crash-and-restart analysis of §4.I.
type repairConversationState struct {
	inToolLoop      bool
	turnStartIdx    int
	turnHasThinking bool
}

func analyzeConversation(contents []Content) repairConversationState {
	state := repairConversationState{turnStartIdx: -1}
	if len(contents) == 0 {
		return state
	}

	last := contents[len(contents)-1]
	for _, p := range last.Parts {
		if _, ok := p["functionResponse"]; ok {
			state.inToolLoop = true
			break
		}
		if t, _ := p["type"].(string); t == "tool_result" {
			state.inToolLoop = true
			break
		}
	}

	lastPlainUserIdx := -1
	for i, c := range contents {
		if c.Role != "user" {
			continue
		}
		plain := true
		for _, p := range c.Parts {
			if _, ok := p["functionResponse"]; ok {
				plain = false
				break
			}
			if t, _ := p["type"].(string); t == "tool_result" {
				plain = false
				break
			}
		}
		if plain {
			lastPlainUserIdx = i
		}
	}

	for i := lastPlainUserIdx + 1; i < len(contents); i++ {
		if contents[i].Role == "model" || contents[i].Role == "assistant" {
			state.turnStartIdx = i
			break
		}
	}

	if state.turnStartIdx >= 0 {
		for _, p := range contents[state.turnStartIdx].Parts {
			if isThoughtPart(p) && partHasValidSignature(p) {
				state.turnHasThinking = true
				break
			}
		}
	}

	return state
}

// RecoverCrashedConversation implements §4.I's deliberately destructive
// "let it crash and restart" repair: invoked only when inToolLoop and the
// current turn has no signed thinking (or the caller forces it because a
// prior send came back with a thinking_block_order error). It strips every
// thinking block, closes the current turn with a synthetic assistant
// message, and opens a fresh one with a synthetic user continuation.
func RecoverCrashedConversation(cache *signature.Cache, sessionKey string, contents []Content, forceRecovery bool) []Content {
	state := analyzeConversation(contents)
	if !state.inToolLoop || (state.turnHasThinking && !forceRecovery) {
		return contents
	}

	stripped := make([]Content, 0, len(contents))
	for _, c := range contents {
		parts := make([]map[string]interface{}, 0, len(c.Parts))
		for _, p := range c.Parts {
			if isThoughtPart(p) {
				continue
			}
			parts = append(parts, p)
		}
		stripped = append(stripped, Content{Role: c.Role, Parts: parts})
	}

	stripped = append(stripped, Content{
		Role:  "model",
		Parts: []map[string]interface{}{{"text": "[Tool execution completed.]"}},
	})
	stripped = append(stripped, Content{
		Role:  "user",
		Parts: []map[string]interface{}{{"text": "[Continue with the task.]"}},
	})

	cache.ForgetLastThinking(sessionKey)
	utils.Debug("[ConversationRepairer] crash-and-restart recovery applied for session %s", sessionKey)
	return stripped
}

// PairClaudeToolBlocks runs the analogous tool_use/tool_result pairing for
// the Claude-messages-format body (§4.I). A well-formed conversation
// already pairs one-to-one by id, so this only needs to recover orphans;
// nuclear drops what still doesn't pair rather than sending the upstream a
// conversation it will reject.
func PairClaudeToolBlocks(contents []Content) []Content {
	useIDs := make(map[string]bool)
	resultIDs := make(map[string]bool)

	for _, c := range contents {
		for _, p := range c.Parts {
			if t, _ := p["type"].(string); t == "tool_use" {
				if id, ok := p["id"].(string); ok {
					useIDs[id] = true
				}
			}
			if t, _ := p["type"].(string); t == "tool_result" {
				if id, ok := p["tool_use_id"].(string); ok {
					resultIDs[id] = true
				}
			}
		}
	}

	orphanResult := false
	orphanUse := false
	for id := range resultIDs {
		if !useIDs[id] {
			orphanResult = true
		}
	}
	for id := range useIDs {
		if !resultIDs[id] {
			orphanUse = true
		}
	}
	if !orphanResult && !orphanUse {
		return contents
	}

	// Nuclear pass: drop any tool_use/tool_result block that doesn't pair.
	utils.Warn("[ConversationRepairer] nuclear pass dropping orphan tool blocks")
	result := make([]Content, 0, len(contents))
	for _, c := range contents {
		parts := make([]map[string]interface{}, 0, len(c.Parts))
		for _, p := range c.Parts {
			t, _ := p["type"].(string)
			if t == "tool_use" {
				id, _ := p["id"].(string)
				if !resultIDs[id] {
					continue
				}
			}
			if t == "tool_result" {
				id, _ := p["tool_use_id"].(string)
				if !useIDs[id] {
					continue
				}
			}
			parts = append(parts, p)
		}
		if len(parts) == 0 {
			continue
		}
		result = append(result, Content{Role: c.Role, Parts: parts})
	}
	return result
}
