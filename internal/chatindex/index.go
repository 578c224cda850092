// Package chatindex keeps the ordered, deduplicated chat list.
//
// The index is not safe for concurrent use; it is owned by the coordinator
// loop and only ever touched from there.
package chatindex

import (
	"slices"

	"cipherchat/internal/chat"
)

// Index is the chat list as the user sees it. Lookups are linear scans; the
// list is bounded by one user's chat count.
type Index struct {
	items []chat.Summary
}

func New() *Index { return &Index{} }

// ReplaceAll swaps in the result of a full fetch. Entries are ordered by
// unread count, highest first; ties keep fetch order. If the fetch repeats a
// chat, its first occurrence wins.
func (x *Index) ReplaceAll(chats []chat.Summary) {
	items := make([]chat.Summary, 0, len(chats))
	seen := make(map[chat.ID]struct{}, len(chats))
	for _, c := range chats {
		if _, dup := seen[c.ChatID]; dup {
			continue
		}
		seen[c.ChatID] = struct{}{}
		items = append(items, normalize(c))
	}
	slices.SortStableFunc(items, func(a, b chat.Summary) int {
		return b.UnreadCount - a.UnreadCount
	})
	x.items = items
}

// Upsert replaces the entry for s.ChatID, if any, and puts s at the top.
// Live updates are "recent activity first", independent of unread counts.
func (x *Index) Upsert(s chat.Summary) {
	if i := x.indexOf(s.ChatID); i >= 0 {
		x.items = slices.Delete(x.items, i, i+1)
	}
	x.items = slices.Insert(x.items, 0, normalize(s))
}

// MarkRead zeroes the unread counter of a chat. It reports whether the chat
// was found.
func (x *Index) MarkRead(id chat.ID) bool {
	i := x.indexOf(id)
	if i < 0 {
		return false
	}
	x.items[i].UnreadCount = 0
	return true
}

func (x *Index) Lookup(id chat.ID) (chat.Summary, bool) {
	i := x.indexOf(id)
	if i < 0 {
		return chat.Summary{}, false
	}
	return x.items[i], true
}

// Snapshot returns a copy of the list in display order.
func (x *Index) Snapshot() []chat.Summary {
	return slices.Clone(x.items)
}

func (x *Index) Len() int { return len(x.items) }

func (x *Index) indexOf(id chat.ID) int {
	return slices.IndexFunc(x.items, func(s chat.Summary) bool { return s.ChatID == id })
}

func normalize(s chat.Summary) chat.Summary {
	if s.UnreadCount < 0 {
		s.UnreadCount = 0
	}
	return s
}
