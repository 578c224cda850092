// Package presence tracks which users are online, from full roster snapshots.
package presence

import "cipherchat/internal/chat"

// Tracker holds the latest roster minus the local user. Every update is a
// full replace: anyone missing from the latest roster is offline.
// Not safe for concurrent use.
type Tracker struct {
	online map[chat.ID]bool
	order  []chat.ID
}

func NewTracker() *Tracker {
	return &Tracker{online: map[chat.ID]bool{}}
}

// SetOnline replaces the tracked set with ids, skipping exclude.
func (t *Tracker) SetOnline(ids []chat.ID, exclude chat.ID) {
	online := make(map[chat.ID]bool, len(ids))
	order := make([]chat.ID, 0, len(ids))
	for _, id := range ids {
		if id == exclude || id.IsZero() || online[id] {
			continue
		}
		online[id] = true
		order = append(order, id)
	}
	t.online = online
	t.order = order
}

func (t *Tracker) IsOnline(id chat.ID) bool { return t.online[id] }

// Online returns the tracked users in roster order.
func (t *Tracker) Online() []chat.ID {
	out := make([]chat.ID, len(t.order))
	copy(out, t.order)
	return out
}

func (t *Tracker) Len() int { return len(t.order) }
