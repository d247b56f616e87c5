package recovery

import (
	"os"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		message string
		want    Pattern
		wantOk  bool
	}{
		{
			name:    "orphan tool use",
			message: `Messages.2.content.5: unexpected 'tool_use' id 'toolu_1' found without matching 'tool_result'`,
			want:    PatternOrphanToolUse,
			wantOk:  true,
		},
		{
			name:    "thinking ordering must start with",
			message: "thinking block ordering error: first block must start with thinking",
			want:    PatternThinkingOrdering,
			wantOk:  true,
		},
		{
			name:    "thinking ordering expected found",
			message: "thinking_block_order: expected thinking, found text",
			want:    PatternThinkingOrdering,
			wantOk:  true,
		},
		{
			name:    "thinking disabled",
			message: "thinking is disabled for this model and messages cannot contain thinking blocks",
			want:    PatternThinkingDisabled,
			wantOk:  true,
		},
		{
			name:    "unrelated error",
			message: "invalid api key",
			want:    "",
			wantOk:  false,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := Classify(c.message)
			if ok != c.wantOk || got != c.want {
				t.Fatalf("Classify(%q) = (%q, %v), want (%q, %v)", c.message, got, ok, c.want, c.wantOk)
			}
		})
	}
}

type fakeHost struct {
	aborted     string
	parts       []map[string]interface{}
	fetchErr    error
	resumed     bool
	resumePrmpt string
}

func (f *fakeHost) AbortSession(sessionID string) error {
	f.aborted = sessionID
	return nil
}

func (f *fakeHost) FetchMessageParts(sessionID, messageID string) ([]map[string]interface{}, error) {
	return f.parts, f.fetchErr
}

func (f *fakeHost) ResumeSession(sessionID, agentID, modelID, prompt string) error {
	f.resumed = true
	f.resumePrmpt = prompt
	return nil
}

func TestHookHandleOrphanToolUse(t *testing.T) {
	dir := t.TempDir()
	host := &fakeHost{
		parts: []map[string]interface{}{
			{"functionCall": map[string]interface{}{"name": "read_file"}},
		},
	}
	h := &Hook{Host: host, Store: NewPartsStore(dir), AutoResume: true, ResumeText: "continue"}

	err := h.Handle(SessionErrorEvent{
		SessionID: "sess-1",
		MessageID: "msg-1",
		Message:   "unexpected tool_use without matching tool_result",
	})
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if host.aborted != "sess-1" {
		t.Fatalf("expected AbortSession to be called with sess-1, got %q", host.aborted)
	}
	if !host.resumed || host.resumePrmpt != "continue" {
		t.Fatalf("expected auto-resume with prompt 'continue', got resumed=%v prompt=%q", host.resumed, host.resumePrmpt)
	}
	if _, err := os.Stat(NewPartsStore(dir).path("sess-1", "msg-1")); !os.IsNotExist(err) {
		t.Fatalf("expected parts snapshot to be deleted after successful resume")
	}
}

func TestHookHandleFallsBackToDiskStore(t *testing.T) {
	dir := t.TempDir()
	store := NewPartsStore(dir)
	saved := []map[string]interface{}{{"text": "hello"}}
	store.Save("sess-2", "msg-2", saved)

	host := &fakeHost{parts: nil}
	h := &Hook{Host: host, Store: store}

	if err := h.Handle(SessionErrorEvent{
		SessionID: "sess-2",
		MessageID: "msg-2",
		Message:   "invalid api key",
	}); err != nil {
		t.Fatalf("Handle returned error for unrecognized pattern: %v", err)
	}
}

func TestHookHandleNoPartsAvailable(t *testing.T) {
	dir := t.TempDir()
	host := &fakeHost{parts: nil}
	h := &Hook{Host: host, Store: NewPartsStore(dir)}

	err := h.Handle(SessionErrorEvent{
		SessionID: "sess-3",
		MessageID: "msg-3",
		Message:   "thinking is disabled for this model and messages cannot contain thinking blocks",
	})
	if err == nil {
		t.Fatal("expected an error when no message parts are available to repair")
	}
}
