package coordinator

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"cipherchat/internal/chat"
	"cipherchat/internal/envelope"
	"cipherchat/internal/realtime"
)

// ---------------------------------------------
// Fakes
// ---------------------------------------------

type fakeSession struct {
	events chan realtime.Event

	mu          sync.Mutex
	tokens      []string
	disconnects int
	leftover    []realtime.Event // queued on Disconnect, as if still buffered
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan realtime.Event, 16)}
}

func (s *fakeSession) Connect(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	for _, ev := range s.leftover {
		s.events <- ev
	}
	s.leftover = nil
}

func (s *fakeSession) Events() <-chan realtime.Event { return s.events }

type fakeAPI struct {
	mu sync.Mutex

	chats      []chat.Summary
	chatsCode  int
	chatsGate  chan struct{} // when set, FetchChats waits for it
	details    map[chat.ID]chat.Summary
	users      map[chat.ID]chat.UserInfo
	created    chat.Summary
	markReads  []chat.ID
	createArgs [][]chat.ID
	logouts    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		chatsCode: http.StatusOK,
		details:   map[chat.ID]chat.Summary{},
		users:     map[chat.ID]chat.UserInfo{},
	}
}

func (a *fakeAPI) FetchChats(ctx context.Context, token string) (int, []chat.Summary, error) {
	a.mu.Lock()
	gate := a.chatsGate
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chatsCode, slices.Clone(a.chats), nil
}

func (a *fakeAPI) FetchChatDetail(ctx context.Context, token string, chatID chat.ID) (int, chat.Summary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.details[chatID]
	if !ok {
		return http.StatusNotFound, chat.Summary{}, nil
	}
	return http.StatusOK, s, nil
}

func (a *fakeAPI) FetchUserInfo(ctx context.Context, token string, userID chat.ID) (int, chat.UserInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.users[userID]
	if !ok {
		return http.StatusNotFound, chat.UserInfo{}, nil
	}
	return http.StatusOK, u, nil
}

func (a *fakeAPI) MarkChatRead(ctx context.Context, token string, chatID chat.ID) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markReads = append(a.markReads, chatID)
	return http.StatusOK, nil
}

func (a *fakeAPI) CreateChat(ctx context.Context, token, name string, isGroup bool, members []chat.ID) (int, chat.Summary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.createArgs = append(a.createArgs, members)
	return http.StatusCreated, a.created, nil
}

func (a *fakeAPI) Logout(ctx context.Context, token string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logouts++
	return http.StatusInternalServerError, nil
}

func (a *fakeAPI) markReadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.markReads)
}

type appended struct {
	chatID, senderID chat.ID
	text             string
	own              bool
}

type viewState struct {
	connected bool
	chats     []chat.Summary
	online    []OnlineUser
	messages  []appended
	opened    []chat.ID
	profile   string
	loggedOut int
}

type fakeView struct {
	mu sync.Mutex
	s  viewState
}

func (v *fakeView) SetConnected(connected bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.s.connected = connected
}

func (v *fakeView) ShowChats(chats []chat.Summary) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.s.chats = chats
}

func (v *fakeView) ShowOnline(users []OnlineUser) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.s.online = users
}

func (v *fakeView) AppendMessage(chatID, senderID chat.ID, text string, own bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.s.messages = append(v.s.messages, appended{chatID, senderID, text, own})
}

func (v *fakeView) OpenChat(chatID chat.ID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.s.opened = append(v.s.opened, chatID)
}

func (v *fakeView) SetProfileName(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.s.profile = name
}

func (v *fakeView) LoggedOut() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.s.loggedOut++
}

func (v *fakeView) snapshot() viewState {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.s
	st.chats = slices.Clone(v.s.chats)
	st.online = slices.Clone(v.s.online)
	st.messages = slices.Clone(v.s.messages)
	st.opened = slices.Clone(v.s.opened)
	return st
}

type memCache struct {
	mu    sync.Mutex
	lists map[chat.ID][]chat.Summary
}

func (m *memCache) LoadChats(ctx context.Context, owner chat.ID) ([]chat.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.lists[owner]), nil
}

func (m *memCache) SaveChats(ctx context.Context, owner chat.ID, chats []chat.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[owner] = slices.Clone(chats)
	return nil
}

func (m *memCache) get(owner chat.ID) []chat.Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.lists[owner])
}

// ---------------------------------------------
// Harness
// ---------------------------------------------

var (
	keyOnce sync.Once
	selfKey *rsa.PrivateKey
	peerKey *rsa.PrivateKey
)

func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		if selfKey, err = envelope.GenerateKey(); err != nil {
			panic(err)
		}
		if peerKey, err = envelope.GenerateKey(); err != nil {
			panic(err)
		}
	})
	return selfKey, peerKey
}

type harness struct {
	c       *Coordinator
	session *fakeSession
	api     *fakeAPI
	view    *fakeView
	self    *rsa.PrivateKey
	peer    *rsa.PrivateKey
}

const selfID chat.ID = "1"

func newHarness(t *testing.T, cache ChatCache) *harness {
	t.Helper()
	self, peer := testKeys(t)
	h := &harness{
		session: newFakeSession(),
		api:     newFakeAPI(),
		view:    &fakeView{},
		self:    self,
		peer:    peer,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.c = New(h.session, h.api, h.view, Options{
		RequestTimeout: 2 * time.Second,
		Cache:          cache,
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	err := h.c.Start(context.Background(), Credentials{Token: "tok", UserID: selfID, PrivateKey: h.self})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) sealed(t *testing.T, chatID, sender chat.ID, text string, recipients map[chat.ID]*rsa.PublicKey) *chat.InboundMessage {
	t.Helper()
	env, err := envelope.Seal([]byte(text), recipients)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return &chat.InboundMessage{ChatID: chatID, SenderID: sender, Envelope: env}
}

// openAndSync opens chatID and waits for the loop to apply it, so events
// sent afterwards see the chat as open.
func (h *harness) openAndSync(t *testing.T, chatID chat.ID) {
	t.Helper()
	h.c.OpenChat(chatID)
	id, open, err := h.c.OpenChatID(context.Background())
	if err != nil || !open || id != chatID {
		t.Fatalf("OpenChatID = %q %v %v", id, open, err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func chatIDs(chats []chat.Summary) []chat.ID {
	ids := make([]chat.ID, len(chats))
	for i, s := range chats {
		ids[i] = s.ChatID
	}
	return ids
}

// ---------------------------------------------
// Tests
// ---------------------------------------------

func TestStartConnectsAndLoadsChats(t *testing.T) {
	h := newHarness(t, nil)
	h.api.chats = []chat.Summary{
		{ChatID: "10", Name: "quiet", UnreadCount: 0},
		{ChatID: "11", Name: "busy", UnreadCount: 5},
		{ChatID: "12", Name: "some", UnreadCount: 2},
	}
	h.api.users[selfID] = chat.UserInfo{ID: selfID, FullName: "Ada Lovelace"}
	h.start(t)

	eventually(t, "chat list", func() bool { return len(h.view.snapshot().chats) == 3 })
	got := chatIDs(h.view.snapshot().chats)
	if want := []chat.ID{"11", "12", "10"}; !slices.Equal(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	eventually(t, "profile", func() bool { return h.view.snapshot().profile == "Ada Lovelace" })

	h.session.mu.Lock()
	tokens := slices.Clone(h.session.tokens)
	h.session.mu.Unlock()
	if !slices.Equal(tokens, []string{"tok"}) {
		t.Fatalf("session connected with %v", tokens)
	}
}

func TestProfileFallsBackToPlaceholder(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	eventually(t, "profile", func() bool { return h.view.snapshot().profile == "User 1" })
}

func TestRefreshFailureKeepsList(t *testing.T) {
	h := newHarness(t, nil)
	h.api.chats = []chat.Summary{{ChatID: "10", Name: "a"}}
	h.start(t)
	eventually(t, "chat list", func() bool { return len(h.view.snapshot().chats) == 1 })

	h.api.mu.Lock()
	h.api.chatsCode = http.StatusInternalServerError
	h.api.mu.Unlock()
	h.c.RefreshChats()
	time.Sleep(50 * time.Millisecond)

	chats, err := h.c.Chats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 {
		t.Fatalf("failed refresh changed list to %+v", chats)
	}
}

func TestMessageForOpenChatIsAppendedAndMarkedRead(t *testing.T) {
	h := newHarness(t, nil)
	h.api.chats = []chat.Summary{{ChatID: "7", Name: "seven", UnreadCount: 3}}
	h.start(t)
	eventually(t, "chat list", func() bool { return len(h.view.snapshot().chats) == 1 })

	h.c.OpenChat("7")
	eventually(t, "open mark-read", func() bool { return h.api.markReadCount() == 1 })
	chats, _ := h.c.Chats(context.Background())
	if chats[0].UnreadCount != 0 {
		t.Fatalf("opened chat still unread: %+v", chats[0])
	}

	msg := h.sealed(t, "7", "2", "hello", map[chat.ID]*rsa.PublicKey{
		selfID: &h.self.PublicKey,
		"2":    &h.peer.PublicKey,
	})
	h.session.events <- realtime.Event{Kind: realtime.EventMessage, Message: msg}

	eventually(t, "appended message", func() bool { return len(h.view.snapshot().messages) == 1 })
	got := h.view.snapshot().messages[0]
	if got.text != "hello" || got.own || got.senderID != "2" {
		t.Fatalf("appended %+v", got)
	}
	eventually(t, "second mark-read", func() bool { return h.api.markReadCount() == 2 })

	chats, _ = h.c.Chats(context.Background())
	if chats[0].UnreadCount != 0 {
		t.Fatalf("open chat counted as unread: %+v", chats[0])
	}
}

func TestOwnMessageIsFlagged(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.openAndSync(t, "7")

	msg := h.sealed(t, "7", selfID, "mine", map[chat.ID]*rsa.PublicKey{selfID: &h.self.PublicKey})
	h.session.events <- realtime.Event{Kind: realtime.EventMessage, Message: msg}

	eventually(t, "appended message", func() bool { return len(h.view.snapshot().messages) == 1 })
	if m := h.view.snapshot().messages[0]; !m.own || m.text != "mine" {
		t.Fatalf("appended %+v", m)
	}
}

func TestMessageWithoutKeyShowsPlaceholder(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.openAndSync(t, "7")

	msg := h.sealed(t, "7", "2", "secret", map[chat.ID]*rsa.PublicKey{"2": &h.peer.PublicKey})
	h.session.events <- realtime.Event{Kind: realtime.EventMessage, Message: msg}

	eventually(t, "appended message", func() bool { return len(h.view.snapshot().messages) == 1 })
	if m := h.view.snapshot().messages[0]; m.text != "[No decryption key]" {
		t.Fatalf("text = %q", m.text)
	}
}

func TestMessageForListedChatMovesItToTop(t *testing.T) {
	h := newHarness(t, nil)
	h.api.chats = []chat.Summary{
		{ChatID: "A", Name: "a", UnreadCount: 4},
		{ChatID: "B", Name: "b", UnreadCount: 3},
		{ChatID: "D", Name: "d", UnreadCount: 2},
	}
	h.start(t)
	eventually(t, "chat list", func() bool { return len(h.view.snapshot().chats) == 3 })

	msg := h.sealed(t, "D", "2", "ping", map[chat.ID]*rsa.PublicKey{selfID: &h.self.PublicKey})
	h.session.events <- realtime.Event{Kind: realtime.EventMessage, Message: msg}

	eventually(t, "D at top", func() bool {
		chats := h.view.snapshot().chats
		return len(chats) == 3 && chats[0].ChatID == "D"
	})
	chats := h.view.snapshot().chats
	if chats[0].UnreadCount != 1 || chats[0].Name != "d" {
		t.Fatalf("bumped chat = %+v", chats[0])
	}
	if got := chatIDs(chats); !slices.Equal(got, []chat.ID{"D", "A", "B"}) {
		t.Fatalf("order = %v", got)
	}
	if n := len(h.view.snapshot().messages); n != 0 {
		t.Fatalf("message for closed chat was rendered")
	}
}

func TestMessageAfterCloseCountsAsUnread(t *testing.T) {
	h := newHarness(t, nil)
	h.api.chats = []chat.Summary{{ChatID: "7", Name: "seven"}, {ChatID: "8", Name: "eight"}}
	h.start(t)
	eventually(t, "chat list", func() bool { return len(h.view.snapshot().chats) == 2 })

	h.openAndSync(t, "7")
	h.c.CloseChat()
	if _, open, _ := h.c.OpenChatID(context.Background()); open {
		t.Fatal("chat still open after CloseChat")
	}
	msg := h.sealed(t, "7", "2", "later", map[chat.ID]*rsa.PublicKey{selfID: &h.self.PublicKey})
	h.session.events <- realtime.Event{Kind: realtime.EventMessage, Message: msg}

	eventually(t, "unread bump", func() bool {
		chats := h.view.snapshot().chats
		return len(chats) == 2 && chats[0].ChatID == "7" && chats[0].UnreadCount == 1
	})
}

func TestMessageForUnknownChatIsFetched(t *testing.T) {
	h := newHarness(t, nil)
	h.api.chats = []chat.Summary{{ChatID: "A", Name: "a"}}
	h.api.details["N"] = chat.Summary{ChatID: "N", Name: "new", UnreadCount: 9}
	h.start(t)
	eventually(t, "chat list", func() bool { return len(h.view.snapshot().chats) == 1 })

	msg := h.sealed(t, "N", "2", "hi", map[chat.ID]*rsa.PublicKey{selfID: &h.self.PublicKey})
	h.session.events <- realtime.Event{Kind: realtime.EventMessage, Message: msg}

	eventually(t, "fetched chat", func() bool {
		chats := h.view.snapshot().chats
		return len(chats) == 2 && chats[0].ChatID == "N"
	})
	if s := h.view.snapshot().chats[0]; s.UnreadCount != 1 || s.Name != "new" {
		t.Fatalf("fetched chat = %+v", s)
	}
}

func TestUnknownChatFetchFailureLeavesListAlone(t *testing.T) {
	h := newHarness(t, nil)
	h.api.chats = []chat.Summary{{ChatID: "A", Name: "a"}}
	h.start(t)
	eventually(t, "chat list", func() bool { return len(h.view.snapshot().chats) == 1 })

	msg := h.sealed(t, "gone", "2", "hi", map[chat.ID]*rsa.PublicKey{selfID: &h.self.PublicKey})
	h.session.events <- realtime.Event{Kind: realtime.EventMessage, Message: msg}

	time.Sleep(50 * time.Millisecond)
	chats, err := h.c.Chats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := chatIDs(chats); !slices.Equal(got, []chat.ID{"A"}) {
		t.Fatalf("chats = %v", got)
	}
}

func TestRosterExcludesSelfAndResolvesNames(t *testing.T) {
	h := newHarness(t, nil)
	h.api.users["2"] = chat.UserInfo{ID: "2", FullName: "Grace Hopper"}
	h.start(t)

	h.session.events <- realtime.Event{Kind: realtime.EventPresenceRoster, Roster: []chat.ID{selfID, "2", "3"}}

	eventually(t, "resolved name", func() bool {
		online := h.view.snapshot().online
		return len(online) == 2 && online[0].Name == "Grace Hopper"
	})
	online, err := h.c.Online(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []OnlineUser{{ID: "2", Name: "Grace Hopper"}, {ID: "3", Name: "User 3"}}
	if !slices.Equal(online, want) {
		t.Fatalf("online = %+v, want %+v", online, want)
	}
}

func TestEventsIgnoredWhenLoggedOut(t *testing.T) {
	h := newHarness(t, nil)

	h.session.events <- realtime.Event{Kind: realtime.EventPresenceRoster, Roster: []chat.ID{"2"}}
	h.session.events <- realtime.Event{Kind: realtime.EventMessage, Message: &chat.InboundMessage{ChatID: "7"}}
	h.session.events <- realtime.Event{Kind: realtime.EventConnect}

	eventually(t, "connect", func() bool { return h.view.snapshot().connected })
	online, _ := h.c.Online(context.Background())
	chats, _ := h.c.Chats(context.Background())
	if len(online) != 0 || len(chats) != 0 {
		t.Fatalf("logged-out events changed state: online=%v chats=%v", online, chats)
	}
}

func TestConnectionEventsUpdateStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.session.events <- realtime.Event{Kind: realtime.EventConnect}
	eventually(t, "connected", func() bool {
		ok, _ := h.c.Connected(context.Background())
		return ok && h.view.snapshot().connected
	})
	h.session.events <- realtime.Event{Kind: realtime.EventDisconnect}
	eventually(t, "disconnected", func() bool {
		ok, _ := h.c.Connected(context.Background())
		return !ok && !h.view.snapshot().connected
	})
}

func TestStartChatWithOpensNewChat(t *testing.T) {
	h := newHarness(t, nil)
	h.api.created = chat.Summary{ChatID: "44", Name: "Chat 2", UnreadCount: 6}
	h.start(t)

	h.c.StartChatWith("2")
	eventually(t, "new chat listed", func() bool {
		chats := h.view.snapshot().chats
		return len(chats) == 1 && chats[0].ChatID == "44"
	})
	if s := h.view.snapshot().chats[0]; s.UnreadCount != 0 {
		t.Fatalf("new chat unread = %d", s.UnreadCount)
	}
	id, open, err := h.c.OpenChatID(context.Background())
	if err != nil || !open || id != "44" {
		t.Fatalf("OpenChatID = %q %v %v", id, open, err)
	}
	h.api.mu.Lock()
	defer h.api.mu.Unlock()
	if len(h.api.createArgs) != 1 || !slices.Equal(h.api.createArgs[0], []chat.ID{"2"}) {
		t.Fatalf("create args = %v", h.api.createArgs)
	}
}

func TestStartChatWithSelfIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.c.StartChatWith(selfID)
	if _, err := h.c.Chats(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	h.api.mu.Lock()
	defer h.api.mu.Unlock()
	if len(h.api.createArgs) != 0 {
		t.Fatalf("created chat with self: %v", h.api.createArgs)
	}
}

func TestLogoutResetsState(t *testing.T) {
	h := newHarness(t, nil)
	h.api.chats = []chat.Summary{{ChatID: "A", Name: "a"}}
	h.start(t)
	eventually(t, "chat list", func() bool { return len(h.view.snapshot().chats) == 1 })
	h.session.events <- realtime.Event{Kind: realtime.EventPresenceRoster, Roster: []chat.ID{"2"}}
	h.c.OpenChat("A")

	if err := h.c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	chats, _ := h.c.Chats(context.Background())
	online, _ := h.c.Online(context.Background())
	_, open, _ := h.c.OpenChatID(context.Background())
	if len(chats) != 0 || len(online) != 0 || open {
		t.Fatalf("state survived logout: chats=%v online=%v open=%v", chats, online, open)
	}
	if v := h.view.snapshot(); v.loggedOut != 1 {
		t.Fatalf("LoggedOut called %d times", v.loggedOut)
	}
	h.session.mu.Lock()
	disconnects := h.session.disconnects
	h.session.mu.Unlock()
	if disconnects != 1 {
		t.Fatalf("disconnects = %d", disconnects)
	}
	h.api.mu.Lock()
	defer h.api.mu.Unlock()
	if h.api.logouts != 1 {
		t.Fatalf("logout requests = %d", h.api.logouts)
	}
}

func TestLogoutDiscardsBufferedEvents(t *testing.T) {
	h := newHarness(t, nil)
	for i := range 10 {
		id := chat.ID(fmt.Sprintf("old-%d", i))
		h.api.details[id] = chat.Summary{ChatID: id, Name: "stale"}
		msg := h.sealed(t, id, "2", "late", map[chat.ID]*rsa.PublicKey{selfID: &h.self.PublicKey})
		h.session.leftover = append(h.session.leftover, realtime.Event{Kind: realtime.EventMessage, Message: msg})
	}
	h.start(t)

	if err := h.c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	err := h.c.Start(context.Background(), Credentials{Token: "tok2", UserID: selfID, PrivateKey: h.self})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	chats, err := h.c.Chats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range chats {
		if s.Name == "stale" {
			t.Fatalf("event from the previous login was handled: %v", chats)
		}
	}
	if v := h.view.snapshot(); len(v.messages) != 0 {
		t.Fatalf("messages appended after logout: %v", v.messages)
	}
}

func TestResultsFromBeforeLogoutAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	gate := make(chan struct{})
	h.api.chats = []chat.Summary{{ChatID: "A", Name: "a"}}
	h.api.chatsGate = gate
	h.start(t)

	if err := h.c.Logout(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(gate)
	time.Sleep(50 * time.Millisecond)

	chats, err := h.c.Chats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 0 {
		t.Fatalf("stale fetch repopulated list: %v", chats)
	}
}

func TestCachedChatsShownThenPersisted(t *testing.T) {
	cache := &memCache{lists: map[chat.ID][]chat.Summary{
		selfID: {{ChatID: "old", Name: "cached", UnreadCount: 1}},
	}}
	h := newHarness(t, cache)
	gate := make(chan struct{})
	h.api.chats = []chat.Summary{{ChatID: "new", Name: "fresh", UnreadCount: 0}}
	h.api.chatsGate = gate
	h.start(t)

	eventually(t, "cached list", func() bool {
		chats := h.view.snapshot().chats
		return len(chats) == 1 && chats[0].ChatID == "old"
	})

	close(gate)
	eventually(t, "fresh list", func() bool {
		chats := h.view.snapshot().chats
		return len(chats) == 1 && chats[0].ChatID == "new"
	})
	eventually(t, "persisted list", func() bool {
		saved := cache.get(selfID)
		return len(saved) == 1 && saved[0].ChatID == "new"
	})
}
