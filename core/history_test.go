package voicechat

import "testing"

func TestConversationLogRecordsTurnsInOrder(t *testing.T) {
	log := NewConversationLog()

	log.Append(RoleUser, "hi")
	log.Append(RoleAssistant, "Hi there!")
	log.Append(RoleUser, "how are you?")

	history := log.History()
	if len(history) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(history))
	}
	want := []Turn{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "Hi there!"},
		{Role: RoleUser, Content: "how are you?"},
	}
	for i := range want {
		if history[i] != want[i] {
			t.Errorf("expected turn %d to be %+v, got %+v", i, want[i], history[i])
		}
	}
}

func TestConversationLogHistoryIsASnapshot(t *testing.T) {
	log := NewConversationLog()
	log.Append(RoleUser, "first")

	history := log.History()
	log.Append(RoleAssistant, "second")
	history[0].Content = "mutated"

	if got := log.Len(); got != 2 {
		t.Fatalf("expected 2 turns after append, got %d", got)
	}
	if fresh := log.History(); fresh[0].Content != "first" {
		t.Fatalf("expected the log to be isolated from snapshot mutation, got %q", fresh[0].Content)
	}
}

func TestConversationLogClear(t *testing.T) {
	log := NewConversationLog()
	log.Append(RoleUser, "hi")
	log.Append(RoleAssistant, "hello")

	log.Clear()

	if got := log.Len(); got != 0 {
		t.Fatalf("expected empty log after clear, got %d turns", got)
	}

	// Clearing an empty log is a no-op.
	log.Clear()
	if got := len(log.History()); got != 0 {
		t.Fatalf("expected empty history after double clear, got %d", got)
	}
}
