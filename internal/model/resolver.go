package model

import (
	"sort"
	"strings"
)

// ThinkingLevel is Gemini 3's qualitative thinking tier.
type ThinkingLevel string

const (
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// Resolved is the derived-only output of Resolve (§3 ResolvedModel).
type Resolved struct {
	ActualModel     string
	ThinkingBudget  int
	ThinkingLevel   ThinkingLevel
	IsThinkingModel bool
}

// alias is one entry of the explicit alias table (§4.G).
type alias struct {
	actualModel    string
	thinkingLevel  ThinkingLevel
	thinkingBudget int
}

// aliasTable maps a full requested-model string straight to its resolved
// shape, bypassing the generic tier-suffix parser below. Entries come from
// the upstream's published Gemini 3 / Claude-thinking model catalog.
var aliasTable = map[string]alias{
	"gemini-3-pro-high":     {actualModel: "gemini-3-pro", thinkingLevel: ThinkingHigh},
	"gemini-3-pro-medium":   {actualModel: "gemini-3-pro", thinkingLevel: ThinkingMedium},
	"gemini-3-pro-low":      {actualModel: "gemini-3-pro", thinkingLevel: ThinkingLow},
	"gemini-3-flash-high":   {actualModel: "gemini-3-flash", thinkingLevel: ThinkingHigh},
	"gemini-3-flash-medium": {actualModel: "gemini-3-flash", thinkingLevel: ThinkingMedium},
	"gemini-3-flash-low":    {actualModel: "gemini-3-flash", thinkingLevel: ThinkingLow},

	"claude-sonnet-4-5-thinking-high":   {actualModel: "claude-sonnet-4-5-thinking", thinkingBudget: 32768},
	"claude-sonnet-4-5-thinking-medium": {actualModel: "claude-sonnet-4-5-thinking", thinkingBudget: 16384},
	"claude-sonnet-4-5-thinking-low":    {actualModel: "claude-sonnet-4-5-thinking", thinkingBudget: 8192},
	"claude-opus-4-6-thinking-high":     {actualModel: "claude-opus-4-6-thinking", thinkingBudget: 32768},
	"claude-opus-4-6-thinking-medium":   {actualModel: "claude-opus-4-6-thinking", thinkingBudget: 16384},
	"claude-opus-4-6-thinking-low":      {actualModel: "claude-opus-4-6-thinking", thinkingBudget: 8192},
}

// budgetTable gives the {low,medium,high} token budgets a tier-suffix
// resolves to when the model isn't in the explicit alias table (§4.G).
var budgetTable = map[string][3]int{
	"claude":           {8192, 16384, 32768},
	"gemini-2.5-pro":   {8192, 16384, 32768},
	"gemini-2.5-flash": {6144, 12288, 24576},
	"default":          {4096, 8192, 16384},
}

func budgetFor(actualModel string, level ThinkingLevel) int {
	lower := strings.ToLower(actualModel)
	var tiers [3]int
	switch {
	case strings.Contains(lower, "claude"):
		tiers = budgetTable["claude"]
	case strings.Contains(lower, "gemini-2.5-pro"):
		tiers = budgetTable["gemini-2.5-pro"]
	case strings.Contains(lower, "gemini-2.5-flash"):
		tiers = budgetTable["gemini-2.5-flash"]
	default:
		tiers = budgetTable["default"]
	}
	switch level {
	case ThinkingHigh:
		return tiers[2]
	case ThinkingMedium:
		return tiers[1]
	default:
		return tiers[0]
	}
}

var tierSuffixes = []string{"-high", "-medium", "-low"}

// Resolve parses a requested model string, optionally tier-suffixed, into
// its actual upstream model id and thinking configuration (§4.G).
func Resolve(requested string) Resolved {
	if a, ok := aliasTable[requested]; ok {
		return Resolved{
			ActualModel:     a.actualModel,
			ThinkingBudget:  a.thinkingBudget,
			ThinkingLevel:   a.thinkingLevel,
			IsThinkingModel: IsThinkingModel(a.actualModel),
		}
	}

	actual := requested
	var level ThinkingLevel
	for _, suffix := range tierSuffixes {
		if strings.HasSuffix(actual, suffix) {
			actual = strings.TrimSuffix(actual, suffix)
			level = ThinkingLevel(strings.TrimPrefix(suffix, "-"))
			break
		}
	}

	resolved := Resolved{ActualModel: actual, IsThinkingModel: IsThinkingModel(actual)}
	if level == "" {
		return resolved
	}

	if strings.Contains(strings.ToLower(actual), "gemini-3") {
		resolved.ThinkingLevel = level
	} else {
		resolved.ThinkingBudget = budgetFor(actual, level)
	}
	resolved.IsThinkingModel = true
	return resolved
}

// Idempotent: Resolve(Resolve(name).ActualModel).ActualModel == Resolve(name).ActualModel,
// since a resolved ActualModel never carries a tier suffix or an alias-table
// entry of its own — verified in resolver_test.go.

// KnownModels lists every alias this resolver recognizes by construction,
// for the /v1/models listing endpoint. Order is stable across calls.
func KnownModels() []string {
	names := make([]string, 0, len(aliasTable))
	for name := range aliasTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
