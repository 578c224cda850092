package relay

import (
	"errors"
	"slices"
	"time"

	"cipherchat/internal/chat"
)

// ErrNotFound is returned when a chat does not exist or the caller is not a
// member of it.
var ErrNotFound = errors.New("relay: chat not found")

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

type Chat struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	IsGroup   bool      `json:"is_group"`
	CreatedAt time.Time `json:"created_at"`
}

// StoredMessage is an envelope as the relay keeps it. The relay never sees
// plaintext.
type StoredMessage struct {
	ID        int           `json:"id"`
	ChatID    int           `json:"chat_id"`
	SenderID  int           `json:"sender_id"`
	Envelope  chat.Envelope `json:"envelope"`
	CreatedAt time.Time     `json:"created_at"`
}

// CreateChatRequest is what the client POSTs to /api/chats. The caller is
// always added as a member.
type CreateChatRequest struct {
	Name    string    `json:"name"`
	IsGroup bool      `json:"is_group"`
	Members []chat.ID `json:"members"`
}

// ---------------------------------------------
// ⚡ Internal Hub Models
// ---------------------------------------------

// BroadcastMessage is what travels between relay instances. A nil TargetIDs
// means every connected user.
type BroadcastMessage struct {
	TargetIDs []int  `json:"targets,omitempty"`
	Payload   []byte `json:"payload"` // an encoded frame
}

func (m BroadcastMessage) targets(userID int) bool {
	return m.TargetIDs == nil || slices.Contains(m.TargetIDs, userID)
}
