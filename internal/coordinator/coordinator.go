// Package coordinator reconciles the live event stream and the REST API into
// the chat list, the online list and the open conversation.
//
// All state lives on one goroutine, Run. Session events, UI commands and the
// results of background REST calls are all marshaled onto that loop, so
// nothing here needs a lock.
package coordinator

import (
	"context"
	"crypto"
	"errors"
	"log/slog"
	"sync"
	"time"

	"cipherchat/internal/chat"
	"cipherchat/internal/chatindex"
	"cipherchat/internal/envelope"
	"cipherchat/internal/presence"
	"cipherchat/internal/realtime"
)

// ErrStopped is returned by calls made after Run has exited.
var ErrStopped = errors.New("coordinator: stopped")

// API is the subset of the REST client the coordinator drives.
type API interface {
	FetchChats(ctx context.Context, token string) (int, []chat.Summary, error)
	FetchChatDetail(ctx context.Context, token string, chatID chat.ID) (int, chat.Summary, error)
	FetchUserInfo(ctx context.Context, token string, userID chat.ID) (int, chat.UserInfo, error)
	MarkChatRead(ctx context.Context, token string, chatID chat.ID) (int, error)
	CreateChat(ctx context.Context, token, name string, isGroup bool, members []chat.ID) (int, chat.Summary, error)
	Logout(ctx context.Context, token string) (int, error)
}

// Session is the realtime connection as seen by the coordinator.
type Session interface {
	Connect(token string)
	Disconnect()
	Events() <-chan realtime.Event
}

// View receives everything the user should see. Calls are made from the
// coordinator loop, one at a time.
type View interface {
	SetConnected(connected bool)
	ShowChats(chats []chat.Summary)
	ShowOnline(users []OnlineUser)
	AppendMessage(chatID, senderID chat.ID, text string, own bool)
	OpenChat(chatID chat.ID)
	SetProfileName(name string)
	LoggedOut()
}

// ChatCache stores the last known chat list per user.
type ChatCache interface {
	LoadChats(ctx context.Context, owner chat.ID) ([]chat.Summary, error)
	SaveChats(ctx context.Context, owner chat.ID, chats []chat.Summary) error
}

type OnlineUser struct {
	ID   chat.ID
	Name string
}

// Credentials come from login and the local key store.
type Credentials struct {
	Token      string
	UserID     chat.ID
	PrivateKey crypto.Decrypter
}

type Options struct {
	RequestTimeout time.Duration
	Cache          ChatCache // optional
	Logger         *slog.Logger
}

type Coordinator struct {
	session        Session
	api            API
	view           View
	cache          ChatCache
	decryptor      *envelope.Decryptor
	logger         *slog.Logger
	requestTimeout time.Duration

	cmds  chan func()
	saves chan saveRequest
	done  chan struct{}

	ctx context.Context
	wg  sync.WaitGroup

	// Loop-owned state.
	gen          uint64 // bumped on login and logout; stale task results are dropped
	creds        Credentials
	index        *chatindex.Index
	presence     *presence.Tracker
	names        map[chat.ID]string
	pendingNames map[chat.ID]bool
	current      chat.ID
	chatOpen     bool
	connected    bool
	fetched      bool
}

type saveRequest struct {
	owner chat.ID
	chats []chat.Summary
}

func New(session Session, api API, view View, opts Options) *Coordinator {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		session:        session,
		api:            api,
		view:           view,
		cache:          opts.Cache,
		decryptor:      envelope.NewDecryptor(),
		logger:         opts.Logger.With("component", "coordinator"),
		requestTimeout: opts.RequestTimeout,
		cmds:           make(chan func(), 64),
		saves:          make(chan saveRequest, 1),
		done:           make(chan struct{}),
		index:          chatindex.New(),
		presence:       presence.NewTracker(),
		names:          map[chat.ID]string{},
		pendingNames:   map[chat.ID]bool{},
	}
}

// Run is the coordinator loop. It must be called exactly once and returns
// when ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx = ctx
	defer close(c.done)

	if c.cache != nil {
		go c.saveLoop(ctx)
	}

	events := c.session.Events()
	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return ctx.Err()
		case ev := <-events:
			c.handleEvent(ev)
		case fn := <-c.cmds:
			fn()
		}
	}
}

// ---------------------------------------------
// Commands
// ---------------------------------------------

// Start installs the credentials of a fresh login, then connects the
// session, loads the chat list and resolves the profile label.
func (c *Coordinator) Start(ctx context.Context, creds Credentials) error {
	err := c.call(ctx, func() {
		c.gen++
		c.creds = creds
		c.loadCachedChats()
		c.refreshChats()
		c.resolveProfile()
	})
	if err != nil {
		return err
	}
	c.session.Connect(creds.Token)
	return nil
}

// Reconnect asks a stale session to dial again.
func (c *Coordinator) Reconnect(ctx context.Context) error {
	token, err := query(ctx, c, func() string { return c.creds.Token })
	if err != nil {
		return err
	}
	if token != "" {
		c.session.Connect(token)
	}
	return nil
}

func (c *Coordinator) RefreshChats() {
	c.post(c.refreshChats)
}

// OpenChat makes chatID the open conversation and acknowledges it as read.
func (c *Coordinator) OpenChat(chatID chat.ID) {
	c.post(func() {
		c.current = chatID
		c.chatOpen = true
		if c.index.MarkRead(chatID) {
			c.publishChats()
		}
		if c.creds.Token != "" && !chatID.IsZero() {
			c.markReadAsync(chatID)
		}
		c.view.OpenChat(chatID)
	})
}

// CloseChat returns to the no-conversation state; later messages for the
// previously open chat count as unread.
func (c *Coordinator) CloseChat() {
	c.post(func() { c.chatOpen = false })
}

// StartChatWith creates a private chat with userID and opens it.
func (c *Coordinator) StartChatWith(userID chat.ID) {
	c.post(func() {
		if userID.IsZero() || userID == c.creds.UserID || c.creds.Token == "" {
			return
		}
		token := c.creds.Token
		c.background("create-chat", func(ctx context.Context) func() {
			status, s, err := c.api.CreateChat(ctx, token, "Chat "+userID.String(), false, []chat.ID{userID})
			if !c.succeeded("create chat", status, err) {
				return nil
			}
			return func() {
				c.current = s.ChatID
				c.chatOpen = true
				c.view.OpenChat(s.ChatID)
				s.UnreadCount = 0
				c.upsert(s)
			}
		})
	})
}

// Logout disconnects, drops all per-user state and tells the server. It
// succeeds locally whatever the network says.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.session.Disconnect()
	token, err := query(ctx, c, func() string {
		token := c.creds.Token
		c.reset()
		c.view.LoggedOut()
		return token
	})
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	status, err := c.api.Logout(reqCtx, token)
	c.succeeded("logout", status, err)
	return nil
}

// ---------------------------------------------
// Queries
// ---------------------------------------------

func (c *Coordinator) Chats(ctx context.Context) ([]chat.Summary, error) {
	return query(ctx, c, c.index.Snapshot)
}

func (c *Coordinator) Online(ctx context.Context) ([]OnlineUser, error) {
	return query(ctx, c, c.onlineUsers)
}

func (c *Coordinator) Connected(ctx context.Context) (bool, error) {
	return query(ctx, c, func() bool { return c.connected })
}

// OpenChatID returns the open conversation, if any.
func (c *Coordinator) OpenChatID(ctx context.Context) (chat.ID, bool, error) {
	type open struct {
		id chat.ID
		ok bool
	}
	o, err := query(ctx, c, func() open { return open{c.current, c.chatOpen} })
	return o.id, o.ok, err
}

// ---------------------------------------------
// Loop plumbing
// ---------------------------------------------

// post queues fn for the loop without waiting for it to run.
func (c *Coordinator) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.done:
	}
}

// call runs fn on the loop and waits for it to finish.
func (c *Coordinator) call(ctx context.Context, fn func()) error {
	_, err := query(ctx, c, func() struct{} { fn(); return struct{}{} })
	return err
}

func query[T any](ctx context.Context, c *Coordinator, fn func() T) (T, error) {
	var zero T
	res := make(chan T, 1)
	select {
	case c.cmds <- func() { res <- fn() }:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.done:
		return zero, ErrStopped
	}
	select {
	case v := <-res:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.done:
		return zero, ErrStopped
	}
}

func (c *Coordinator) reset() {
	c.gen++
	c.creds = Credentials{}
	c.current = ""
	c.chatOpen = false
	c.fetched = false
	c.index.ReplaceAll(nil)
	c.presence.SetOnline(nil, "")
	c.names = map[chat.ID]string{}
	c.pendingNames = map[chat.ID]bool{}
	c.drainEvents()
}

// drainEvents handles whatever the previous connection left buffered while
// no credentials are installed, so none of it reaches the next login.
func (c *Coordinator) drainEvents() {
	events := c.session.Events()
	for {
		select {
		case ev := <-events:
			c.handleEvent(ev)
		default:
			return
		}
	}
}

func (c *Coordinator) saveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.saves:
			saveCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
			if err := c.cache.SaveChats(saveCtx, req.owner, req.chats); err != nil {
				c.logger.Warn("caching chat list failed", "error", err)
			}
			cancel()
		}
	}
}
