package chat

import (
	"encoding/json"
	"testing"
)

func TestIDDecodesNumbersAndStrings(t *testing.T) {
	var msg InboundMessage
	raw := `{"chat_id": 12, "sender_id": "u-7", "content": "c", "iv": "i", "tag": "t",
		"aes_key_encrypted": {"3": "k"}}`
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.ChatID != "12" {
		t.Errorf("ChatID = %q, want 12", msg.ChatID)
	}
	if msg.SenderID != "u-7" {
		t.Errorf("SenderID = %q, want u-7", msg.SenderID)
	}
	if msg.WrappedKeys["3"] != "k" {
		t.Errorf("wrapped key for 3 = %q", msg.WrappedKeys["3"])
	}
}

func TestIDRejectsObjects(t *testing.T) {
	var id ID
	if err := json.Unmarshal([]byte(`{"x":1}`), &id); err == nil {
		t.Fatal("expected error for object id")
	}
}

func TestIDMarshalKeepsNumbersNumeric(t *testing.T) {
	b, err := json.Marshal([]ID{"5", "abc"})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `[5,"abc"]` {
		t.Errorf("got %s", b)
	}
}

func TestDisplayName(t *testing.T) {
	if got := (UserInfo{Username: "bob", FullName: "Bob B"}).DisplayName(); got != "Bob B" {
		t.Errorf("got %q", got)
	}
	if got := (UserInfo{Username: "bob"}).DisplayName(); got != "bob" {
		t.Errorf("got %q", got)
	}
	if got := PlaceholderName("9"); got != "User 9" {
		t.Errorf("got %q", got)
	}
}
