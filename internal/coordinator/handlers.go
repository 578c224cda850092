package coordinator

import (
	"context"

	"cipherchat/internal/api"
	"cipherchat/internal/chat"
	"cipherchat/internal/realtime"
)

// defaultChatName is used when a chat summary arrives without a name.
const defaultChatName = "Chat"

func (c *Coordinator) handleEvent(ev realtime.Event) {
	switch ev.Kind {
	case realtime.EventConnect:
		c.connected = true
		c.view.SetConnected(true)
	case realtime.EventDisconnect:
		c.connected = false
		c.view.SetConnected(false)
	case realtime.EventPresenceRoster:
		if c.creds.Token == "" {
			return
		}
		c.handleRoster(ev.Roster)
	case realtime.EventMessage:
		if c.creds.Token == "" || ev.Message == nil {
			return
		}
		c.handleMessage(ev.Message)
	}
}

func (c *Coordinator) handleRoster(ids []chat.ID) {
	c.presence.SetOnline(ids, c.creds.UserID)
	for _, id := range c.presence.Online() {
		if _, known := c.names[id]; known || c.pendingNames[id] {
			continue
		}
		c.pendingNames[id] = true
		c.resolveName(id)
	}
	c.publishOnline()
}

// handleMessage renders a message for the open chat, or bumps the chat in
// the list otherwise.
func (c *Coordinator) handleMessage(msg *chat.InboundMessage) {
	if c.chatOpen && msg.ChatID == c.current {
		res := c.decryptor.Decrypt(msg, c.creds.UserID, c.creds.PrivateKey)
		if !res.OK() {
			c.logger.Debug("message not readable", "chat_id", msg.ChatID, "status", res.Status, "detail", res.Detail)
		}
		c.view.AppendMessage(msg.ChatID, msg.SenderID, res.Text(), msg.SenderID == c.creds.UserID)
		c.markReadAsync(msg.ChatID)
		return
	}

	// A live bump always shows a single unread; only a full fetch carries the
	// server's accumulated count.
	if s, ok := c.index.Lookup(msg.ChatID); ok {
		c.upsert(chat.Summary{ChatID: s.ChatID, Name: s.Name, UnreadCount: 1})
		return
	}
	c.fetchChat(msg.ChatID)
}

func (c *Coordinator) upsert(s chat.Summary) {
	if s.Name == "" {
		s.Name = defaultChatName
	}
	c.index.Upsert(s)
	c.publishChats()
}

func (c *Coordinator) publishChats() {
	snap := c.index.Snapshot()
	c.view.ShowChats(snap)
	c.persist(snap)
}

func (c *Coordinator) onlineUsers() []OnlineUser {
	ids := c.presence.Online()
	users := make([]OnlineUser, 0, len(ids))
	for _, id := range ids {
		name, ok := c.names[id]
		if !ok {
			name = chat.PlaceholderName(id)
		}
		users = append(users, OnlineUser{ID: id, Name: name})
	}
	return users
}

func (c *Coordinator) publishOnline() {
	c.view.ShowOnline(c.onlineUsers())
}

// persist queues the latest snapshot for the cache writer, replacing any
// snapshot it has not picked up yet.
func (c *Coordinator) persist(chats []chat.Summary) {
	if c.cache == nil || c.creds.UserID.IsZero() {
		return
	}
	select {
	case <-c.saves:
	default:
	}
	c.saves <- saveRequest{owner: c.creds.UserID, chats: chats}
}

// ---------------------------------------------
// Background REST calls
// ---------------------------------------------

func (c *Coordinator) refreshChats() {
	if c.creds.Token == "" {
		return
	}
	token := c.creds.Token
	c.background("fetch-chats", func(ctx context.Context) func() {
		status, chats, err := c.api.FetchChats(ctx, token)
		if !c.succeeded("fetch chats", status, err) {
			return nil
		}
		return func() {
			c.fetched = true
			c.index.ReplaceAll(chats)
			c.publishChats()
		}
	})
}

func (c *Coordinator) fetchChat(chatID chat.ID) {
	token := c.creds.Token
	c.background("fetch-chat", func(ctx context.Context) func() {
		status, s, err := c.api.FetchChatDetail(ctx, token, chatID)
		if !c.succeeded("fetch chat", status, err) {
			return nil
		}
		if s.ChatID.IsZero() {
			s.ChatID = chatID
		}
		s.UnreadCount = 1
		return func() { c.upsert(s) }
	})
}

// markReadAsync is a best-effort read receipt; its outcome is only logged.
func (c *Coordinator) markReadAsync(chatID chat.ID) {
	token := c.creds.Token
	c.background("mark-read", func(ctx context.Context) func() {
		status, err := c.api.MarkChatRead(ctx, token, chatID)
		c.succeeded("mark read", status, err)
		return nil
	})
}

func (c *Coordinator) resolveName(userID chat.ID) {
	token := c.creds.Token
	c.background("user-info", func(ctx context.Context) func() {
		status, u, err := c.api.FetchUserInfo(ctx, token, userID)
		name := u.DisplayName()
		if !c.succeeded("fetch user", status, err) || name == "" {
			// Leave the placeholder up and retry on the next roster.
			return func() { delete(c.pendingNames, userID) }
		}
		return func() {
			delete(c.pendingNames, userID)
			c.names[userID] = name
			c.publishOnline()
		}
	})
}

func (c *Coordinator) resolveProfile() {
	token, self := c.creds.Token, c.creds.UserID
	if self.IsZero() {
		return
	}
	c.background("profile", func(ctx context.Context) func() {
		status, u, err := c.api.FetchUserInfo(ctx, token, self)
		name := chat.PlaceholderName(self)
		if c.succeeded("fetch profile", status, err) {
			name = u.FullName
			if name == "" {
				name = self.String()
			}
		}
		return func() { c.view.SetProfileName(name) }
	})
}

// loadCachedChats shows the cached list unless live data got there first.
func (c *Coordinator) loadCachedChats() {
	if c.cache == nil || c.creds.UserID.IsZero() {
		return
	}
	owner := c.creds.UserID
	c.background("load-cache", func(ctx context.Context) func() {
		chats, err := c.cache.LoadChats(ctx, owner)
		if err != nil {
			c.logger.Warn("loading cached chats failed", "error", err)
			return nil
		}
		if len(chats) == 0 {
			return nil
		}
		return func() {
			if c.fetched || c.index.Len() > 0 {
				return
			}
			c.index.ReplaceAll(chats)
			c.view.ShowChats(c.index.Snapshot())
		}
	})
}

// succeeded logs a failed REST call and reports whether it worked.
func (c *Coordinator) succeeded(op string, status int, err error) bool {
	if err != nil {
		c.logger.Debug(op+" failed", "error", err)
		return false
	}
	if !api.IsSuccess(status) {
		c.logger.Debug(op+" failed", "status", status)
		return false
	}
	return true
}
