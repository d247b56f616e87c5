package recovery

import "testing"

func TestPartsStoreSaveLoadDelete(t *testing.T) {
	store := NewPartsStore(t.TempDir())
	parts := []map[string]interface{}{
		{"type": "text", "text": "hello"},
		{"functionCall": map[string]interface{}{"name": "read_file", "id": "call_1"}},
	}

	if got := store.Load("s1", "m1"); got != nil {
		t.Fatalf("expected nil for unsaved snapshot, got %v", got)
	}

	store.Save("s1", "m1", parts)

	got := store.Load("s1", "m1")
	if len(got) != len(parts) {
		t.Fatalf("Load returned %d parts, want %d", len(got), len(parts))
	}

	store.Delete("s1", "m1")
	if got := store.Load("s1", "m1"); got != nil {
		t.Fatalf("expected nil after delete, got %v", got)
	}
}
