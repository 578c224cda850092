package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"cipherchat/internal/chat"
	myMiddleware "cipherchat/internal/middleware"
	"cipherchat/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Clients authenticate with a bearer token, not cookies.
	},
}

// Store is the persistence the handlers need. *Repository implements it.
type Store interface {
	ListChats(ctx context.Context, userID int) ([]chat.Summary, error)
	GetChat(ctx context.Context, chatID, userID int) (chat.Summary, error)
	CreateChat(ctx context.Context, creator int, name string, isGroup bool, members []int) (chat.Summary, error)
	MarkRead(ctx context.Context, chatID, userID int) error
	MemberKeys(ctx context.Context, chatID, userID int) (map[string]string, error)
	SaveMessage(ctx context.Context, chatID, senderID int, env chat.Envelope) ([]int, error)
	RecentMessages(ctx context.Context, chatID, userID int) ([]chat.InboundMessage, error)
}

type Handler struct {
	hub    *Hub
	store  Store
	logger *slog.Logger
}

func NewHandler(hub *Hub, store Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{hub: hub, store: store, logger: logger.With("component", "relay")}
}

// Mount registers the chat routes. r must already be behind the auth
// middleware.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/ws", h.ServeWs)
	r.Route("/api/chats", func(r chi.Router) {
		r.Get("/", h.ListChats)
		r.Post("/", h.CreateChat)
		r.Get("/{id}", h.GetChat)
		r.Post("/{id}/read", h.MarkRead)
		r.Get("/{id}/keys", h.ChatKeys)
		r.Get("/{id}/messages", h.History)
		r.Post("/{id}/messages", h.SendMessage)
	})
}

// ServeWs upgrades an authenticated request and attaches it to the hub.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn, userID)
	if !client.Hub.Attach(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// GET /api/chats
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())
	chats, err := h.store.ListChats(r.Context(), userID)
	if err != nil {
		h.fail(w, "list chats", err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

// GET /api/chats/{id}
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())
	chatID, ok := chatParam(w, r)
	if !ok {
		return
	}
	s, err := h.store.GetChat(r.Context(), chatID, userID)
	if err != nil {
		h.fail(w, "get chat", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// POST /api/chats
func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())

	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Members) == 0 {
		http.Error(w, "At least one member is required", http.StatusBadRequest)
		return
	}
	members := make([]int, 0, len(req.Members))
	for _, m := range req.Members {
		id, ok := m.Int()
		if !ok {
			http.Error(w, "Invalid member id", http.StatusBadRequest)
			return
		}
		members = append(members, id)
	}
	if req.Name == "" {
		req.Name = "Chat"
	}

	s, err := h.store.CreateChat(r.Context(), userID, req.Name, req.IsGroup, members)
	if err != nil {
		h.fail(w, "create chat", err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// POST /api/chats/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())
	chatID, ok := chatParam(w, r)
	if !ok {
		return
	}
	if err := h.store.MarkRead(r.Context(), chatID, userID); err != nil {
		h.fail(w, "mark read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /api/chats/{id}/keys
func (h *Handler) ChatKeys(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())
	chatID, ok := chatParam(w, r)
	if !ok {
		return
	}
	keys, err := h.store.MemberKeys(r.Context(), chatID, userID)
	if err != nil {
		h.fail(w, "chat keys", err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// GET /api/chats/{id}/messages
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())
	chatID, ok := chatParam(w, r)
	if !ok {
		return
	}
	msgs, err := h.store.RecentMessages(r.Context(), chatID, userID)
	if err != nil {
		h.fail(w, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// POST /api/chats/{id}/messages stores the envelope and pushes it to every
// member as a receive_message event. The relay cannot read it.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())
	chatID, ok := chatParam(w, r)
	if !ok {
		return
	}

	var env chat.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if env.Content == "" || env.IV == "" || len(env.WrappedKeys) == 0 {
		http.Error(w, "Incomplete envelope", http.StatusBadRequest)
		return
	}

	members, err := h.store.SaveMessage(r.Context(), chatID, userID, env)
	if err != nil {
		h.fail(w, "send message", err)
		return
	}

	msg := chat.InboundMessage{ChatID: chat.IntID(chatID), SenderID: chat.IntID(userID), Envelope: env}
	if err := h.hub.Send(r.Context(), members, realtime.EventNameReceiveMessage, msg); err != nil {
		// Stored; members will see it on their next fetch.
		h.logger.Error("push failed", "chat_id", chatID, "error", err)
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "sent"})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}
	h.logger.Error(op+" failed", "error", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func chatParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid chat id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
