package presence

import (
	"testing"

	"cipherchat/internal/chat"
)

func TestSetOnlineExcludesLocalUser(t *testing.T) {
	tr := NewTracker()
	tr.SetOnline([]chat.ID{"A", "B", "me"}, "me")

	if tr.Len() != 2 || !tr.IsOnline("A") || !tr.IsOnline("B") {
		t.Fatalf("online = %v, want [A B]", tr.Online())
	}
	if tr.IsOnline("me") {
		t.Error("local user tracked as online")
	}
}

func TestSetOnlineIsFullSnapshot(t *testing.T) {
	tr := NewTracker()
	tr.SetOnline([]chat.ID{"A", "B", "me"}, "me")
	tr.SetOnline([]chat.ID{"A"}, "me")

	if got := tr.Online(); len(got) != 1 || got[0] != "A" {
		t.Fatalf("online = %v, want [A]", got)
	}
	if tr.IsOnline("B") {
		t.Error("B should be implicitly offline")
	}
}

func TestSetOnlineDedupesAndKeepsOrder(t *testing.T) {
	tr := NewTracker()
	tr.SetOnline([]chat.ID{"C", "A", "C", "", "B"}, "me")

	got := tr.Online()
	want := []chat.ID{"C", "A", "B"}
	if len(got) != len(want) {
		t.Fatalf("online = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("online = %v, want %v", got, want)
		}
	}
}

func TestEmptyRosterClearsEveryone(t *testing.T) {
	tr := NewTracker()
	tr.SetOnline([]chat.ID{"A"}, "me")
	tr.SetOnline(nil, "me")
	if tr.Len() != 0 || tr.IsOnline("A") {
		t.Fatalf("online = %v, want empty", tr.Online())
	}
}
