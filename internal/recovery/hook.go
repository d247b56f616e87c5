// Package recovery implements the Recovery Hook (§4.K): a subscriber to the
// host's session-error events that detects conversation corruption from the
// error text alone, repairs the stored message parts, and optionally
// re-prompts to resume the session.
package recovery

import (
	"strings"

	"github.com/opencode-ai/antigravity-broker/internal/errors"
	"github.com/opencode-ai/antigravity-broker/internal/format"
	"github.com/opencode-ai/antigravity-broker/internal/signature"
	"github.com/opencode-ai/antigravity-broker/internal/utils"
)

// Pattern is one of the three recoverable session-error classes (§4.K).
type Pattern string

const (
	PatternOrphanToolUse    Pattern = "orphan_tool_use"
	PatternThinkingOrdering Pattern = "thinking_ordering"
	PatternThinkingDisabled Pattern = "thinking_disabled"
)

var thinkingOrderingWords = []string{"first block", "must start with", "preceeding", "expected", "found"}

// Classify matches a host-surfaced session-error message against the three
// recoverable patterns (§4.K). ok is false for any error the hook does not
// know how to repair.
func Classify(message string) (pattern Pattern, ok bool) {
	lower := strings.ToLower(message)

	if strings.Contains(lower, "tool_use") && strings.Contains(lower, "tool_result") {
		return PatternOrphanToolUse, true
	}

	if strings.Contains(lower, "thinking") {
		for _, w := range thinkingOrderingWords {
			if strings.Contains(lower, w) {
				return PatternThinkingOrdering, true
			}
		}
		if strings.Contains(lower, "thinking is disabled") && strings.Contains(lower, "cannot contain") {
			return PatternThinkingDisabled, true
		}
	}

	return "", false
}

// HostClient is the narrow surface the Recovery Hook needs from the host
// integration: abort an in-flight session, read back a message's parts for
// repair, and re-prompt a continuation (§4.K).
type HostClient interface {
	AbortSession(sessionID string) error
	FetchMessageParts(sessionID, messageID string) ([]map[string]interface{}, error)
	ResumeSession(sessionID, agentID, modelID, prompt string) error
}

// SessionErrorEvent is what the host surfaces when a session fails (§4.K).
type SessionErrorEvent struct {
	SessionID  string
	MessageID  string
	AgentID    string
	ModelID    string
	Message    string
}

// Hook wires the host client, the on-disk message-parts fallback store, and
// the Signature Cache (needed for the thinking-ordering repair path, which
// reuses Component I's crash-and-restart logic) together.
type Hook struct {
	Host       HostClient
	Store      *PartsStore
	Cache      *signature.Cache
	AutoResume bool
	ResumeText string
}

// Handle implements §4.K end to end: classify, abort, fetch-or-fallback,
// repair, optionally resume.
func (h *Hook) Handle(event SessionErrorEvent) error {
	pattern, ok := Classify(event.Message)
	if !ok {
		return nil
	}

	utils.Warn("[RecoveryHook] session %s matched pattern %s: %s", event.SessionID, pattern, event.Message)

	if err := h.Host.AbortSession(event.SessionID); err != nil {
		utils.Warn("[RecoveryHook] failed to abort session %s: %v", event.SessionID, err)
	}

	parts, err := h.Host.FetchMessageParts(event.SessionID, event.MessageID)
	if err != nil || len(parts) == 0 {
		parts = h.Store.Load(event.SessionID, event.MessageID)
	} else {
		h.Store.Save(event.SessionID, event.MessageID, parts)
	}
	if len(parts) == 0 {
		return errors.NewConversationCorruption("no message parts available to repair", string(pattern))
	}

	repaired := h.repair(pattern, event.SessionID, parts)
	h.Store.Save(event.SessionID, event.MessageID, repaired)

	if h.AutoResume {
		prompt := h.ResumeText
		if prompt == "" {
			prompt = "continue"
		}
		if err := h.Host.ResumeSession(event.SessionID, event.AgentID, event.ModelID, prompt); err != nil {
			utils.Warn("[RecoveryHook] auto-resume failed for session %s: %v", event.SessionID, err)
			return err
		}
		h.Store.Delete(event.SessionID, event.MessageID)
	}

	return nil
}

// repair applies the pattern-appropriate fix to a single message's parts
// (§4.K): inject a synthetic tool_result for every orphan tool_use, prepend
// thinking, or strip thinking — reusing Component I's repair primitives
// rather than re-implementing conversation surgery here.
func (h *Hook) repair(pattern Pattern, sessionKey string, parts []map[string]interface{}) []map[string]interface{} {
	content := []format.Content{{Role: "model", Parts: parts}}

	switch pattern {
	case PatternOrphanToolUse:
		content = format.PairToolIDs(content)
	case PatternThinkingOrdering:
		content = format.RecoverCrashedConversation(h.Cache, sessionKey, content, true)
	case PatternThinkingDisabled:
		stripped := make([]map[string]interface{}, 0, len(parts))
		for _, p := range parts {
			if t, _ := p["type"].(string); t == "thinking" || t == "redacted_thinking" {
				continue
			}
			if _, ok := p["thought"]; ok {
				continue
			}
			stripped = append(stripped, p)
		}
		return stripped
	}

	if len(content) == 0 {
		return parts
	}
	return content[0].Parts
}
