// Package model implements the Model Resolver (§4.G): parsing a requested
// model alias into an actual upstream model id plus thinking configuration,
// and the small ModelFamily/QuotaKey vocabulary the rest of the pipeline
// switches on.
package model

import (
	"strings"
)

// Family is the coarse model family quota and header-style selection keys
// off (§3 ModelFamily).
type Family string

const (
	FamilyClaude  Family = "claude"
	FamilyGemini  Family = "gemini"
	FamilyUnknown Family = "unknown"
)

// FamilyOf derives a Family from a model name substring (§3).
func FamilyOf(modelName string) Family {
	lower := strings.ToLower(modelName)
	switch {
	case strings.Contains(lower, "claude"):
		return FamilyClaude
	case strings.Contains(lower, "gemini"):
		return FamilyGemini
	default:
		return FamilyUnknown
	}
}

// QuotaKey is the physical rate-limit bucket a family maps to (§3, GLOSSARY).
// Claude has one; Gemini has two, one per header style.
type QuotaKey string

const (
	QuotaClaude            QuotaKey = "claude"
	QuotaGeminiAntigravity QuotaKey = "gemini-antigravity"
	QuotaGeminiCLI         QuotaKey = "gemini-cli"
)

// QuotaKeysForFamily returns every QuotaKey a family can be rate-limited
// under. An account is rate-limited for a family iff all of these are
// currently in the future (§3, §4.D).
func QuotaKeysForFamily(f Family) []QuotaKey {
	if f == FamilyClaude {
		return []QuotaKey{QuotaClaude}
	}
	return []QuotaKey{QuotaGeminiAntigravity, QuotaGeminiCLI}
}

// IsThinkingModel reports whether a resolved model name supports thinking
// output: true iff the name contains "thinking", "gemini-3", or "opus" (§4.G).
func IsThinkingModel(modelName string) bool {
	lower := strings.ToLower(modelName)
	return strings.Contains(lower, "thinking") ||
		strings.Contains(lower, "gemini-3") ||
		strings.Contains(lower, "opus")
}
