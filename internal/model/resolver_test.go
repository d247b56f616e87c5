package model

import "testing"

// TestResolveAliasTable checks the explicit alias entries from §4.G bypass
// the generic tier-suffix parser and carry their own thinking shape.
func TestResolveAliasTable(t *testing.T) {
	got := Resolve("gemini-3-pro-high")
	want := Resolved{ActualModel: "gemini-3-pro", ThinkingLevel: ThinkingHigh, IsThinkingModel: true}
	if got != want {
		t.Fatalf("Resolve(gemini-3-pro-high) = %+v, want %+v", got, want)
	}

	got = Resolve("claude-sonnet-4-5-thinking-medium")
	want = Resolved{ActualModel: "claude-sonnet-4-5-thinking", ThinkingBudget: 16384, IsThinkingModel: true}
	if got != want {
		t.Fatalf("Resolve(claude-sonnet-4-5-thinking-medium) = %+v, want %+v", got, want)
	}
}

// TestResolveTierSuffixFallback checks the generic -{low,medium,high}
// stripping path for models absent from the alias table (§4.G budget
// table).
func TestResolveTierSuffixFallback(t *testing.T) {
	cases := []struct {
		requested  string
		actual     string
		wantBudget int
	}{
		{"claude-haiku-4-5-high", "claude-haiku-4-5", 32768},
		{"claude-haiku-4-5-low", "claude-haiku-4-5", 8192},
		{"gemini-2.5-flash-medium", "gemini-2.5-flash", 12288},
		{"some-unknown-model-low", "some-unknown-model", 4096},
	}
	for _, c := range cases {
		got := Resolve(c.requested)
		if got.ActualModel != c.actual {
			t.Errorf("Resolve(%q).ActualModel = %q, want %q", c.requested, got.ActualModel, c.actual)
		}
		if got.ThinkingBudget != c.wantBudget {
			t.Errorf("Resolve(%q).ThinkingBudget = %d, want %d", c.requested, got.ThinkingBudget, c.wantBudget)
		}
		if !got.IsThinkingModel {
			t.Errorf("Resolve(%q).IsThinkingModel = false, want true", c.requested)
		}
	}
}

// TestResolveNoSuffixNoThinking checks a bare model name with no tier
// suffix and no thinking/gemini-3/opus substring resolves to itself with no
// thinking config at all.
func TestResolveNoSuffixNoThinking(t *testing.T) {
	got := Resolve("claude-sonnet-4-5")
	want := Resolved{ActualModel: "claude-sonnet-4-5"}
	if got != want {
		t.Fatalf("Resolve(claude-sonnet-4-5) = %+v, want %+v", got, want)
	}
}

// TestResolveIdempotent checks §8's round-trip property: re-resolving an
// already-resolved ActualModel is a no-op, since a resolved ActualModel
// never carries a tier suffix or its own alias-table entry.
func TestResolveIdempotent(t *testing.T) {
	names := []string{
		"gemini-3-pro-high",
		"claude-sonnet-4-5-thinking-low",
		"claude-haiku-4-5-medium",
		"gemini-2.5-flash-low",
		"claude-opus-4-6",
		"gemini-3-flash",
	}
	for _, name := range names {
		first := Resolve(name).ActualModel
		second := Resolve(first).ActualModel
		if first != second {
			t.Errorf("Resolve(%q) not idempotent: %q -> %q -> %q", name, name, first, second)
		}
	}
}

// TestIsThinkingModelSubstrings checks the three substrings §4.G defines as
// always-thinking, independent of any tier suffix.
func TestIsThinkingModelSubstrings(t *testing.T) {
	for _, name := range []string{"claude-opus-4-6", "gemini-3-pro", "claude-sonnet-4-5-thinking"} {
		if !Resolve(name).IsThinkingModel {
			t.Errorf("Resolve(%q).IsThinkingModel = false, want true", name)
		}
	}
	if Resolve("claude-sonnet-4-5").IsThinkingModel {
		t.Error("Resolve(claude-sonnet-4-5).IsThinkingModel = true, want false")
	}
}
