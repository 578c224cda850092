// Package chat holds the wire and domain models shared by the client core
// and the relay server.
package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ---------------------------------------------
// Identifiers
// ---------------------------------------------

// ID is an opaque user or chat identifier. The server emits integers, but the
// client never does arithmetic on them, so they are carried as strings.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the identifier is unset.
func (id ID) IsZero() bool { return id == "" }

// Int returns the numeric form of the identifier, if it has one.
func (id ID) Int() (int, bool) {
	n, err := strconv.Atoi(string(id))
	return n, err == nil
}

// IntID converts a database key into an ID.
func IntID(n int) ID { return ID(strconv.Itoa(n)) }

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("chat: id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON emits numeric identifiers as JSON numbers so the relay can
// decode them into its integer keys.
func (id ID) MarshalJSON() ([]byte, error) {
	if _, ok := id.Int(); ok {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// ---------------------------------------------
// Chat list
// ---------------------------------------------

// Summary is one row of the chat list.
type Summary struct {
	ChatID      ID     `json:"chat_id"`
	Name        string `json:"name"`
	UnreadCount int    `json:"unread_count"`
}

// Unread reports whether the chat should be shown in the unread state.
func (s Summary) Unread() bool { return s.UnreadCount > 0 }

// ---------------------------------------------
// Users
// ---------------------------------------------

type UserInfo struct {
	ID        ID     `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"full_name"`
	PublicKey string `json:"public_key,omitempty"` // PEM
}

// DisplayName prefers the full name and falls back to the username.
func (u UserInfo) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

// PlaceholderName is shown for users whose info could not be fetched.
func PlaceholderName(id ID) string { return "User " + id.String() }

// ---------------------------------------------
// Encrypted messages
// ---------------------------------------------

// Envelope is an encrypted body plus a per-recipient table of wrapped keys.
// All binary fields are standard base64.
type Envelope struct {
	Content     string            `json:"content"`
	IV          string            `json:"iv"`
	Tag         string            `json:"tag"`
	WrappedKeys map[string]string `json:"aes_key_encrypted"` // recipient id -> wrapped AES key
}

// InboundMessage is the payload of a receive_message event.
type InboundMessage struct {
	ChatID   ID `json:"chat_id"`
	SenderID ID `json:"sender_id"`
	Envelope
}
