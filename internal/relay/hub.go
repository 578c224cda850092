// Package relay is the reference server: it authenticates clients, stores
// encrypted envelopes and pushes live events over WebSockets.
package relay

import (
	"context"
	"log/slog"
	"time"

	"cipherchat/internal/chat"
	"cipherchat/internal/realtime"
)

// presenceTimeout bounds each presence update and roster broadcast.
const presenceTimeout = 5 * time.Second

type Hub struct {
	clients    map[int]map[*Client]struct{} // user id -> live connections on this instance
	inbound    chan BroadcastMessage        // From Broker -> Clients
	Register   chan *Client                 // New connection
	Unregister chan *Client                 // Connection gone
	broker     Broker
	presence   Presence
	rosters    chan []chat.ID // latest roster waiting to be published
	done       chan struct{}  // closed when Run returns
	logger     *slog.Logger
}

func NewHub(broker Broker, presence Presence, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[int]map[*Client]struct{}),
		inbound:    make(chan BroadcastMessage, 64),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		broker:     broker,
		presence:   presence,
		rosters:    make(chan []chat.ID, 1),
		done:       make(chan struct{}),
		logger:     logger.With("component", "hub"),
	}
}

// Run owns the client table. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	go h.publishRosters(ctx)

	for {
		select {
		case <-ctx.Done():
			for _, conns := range h.clients {
				for c := range conns {
					close(c.Send)
				}
			}
			h.clients = map[int]map[*Client]struct{}{}
			return

		case c := <-h.Register:
			conns := h.clients[c.UserID]
			if conns == nil {
				conns = make(map[*Client]struct{})
				h.clients[c.UserID] = conns
			}
			conns[c] = struct{}{}
			h.logger.Debug("client registered", "user_id", c.UserID, "conn_id", c.ID)
			h.updatePresence(ctx, c.UserID, h.presence.Join)

		case c := <-h.Unregister:
			conns := h.clients[c.UserID]
			if _, ok := conns[c]; !ok {
				continue
			}
			delete(conns, c)
			close(c.Send)
			if len(conns) == 0 {
				delete(h.clients, c.UserID)
			}
			h.logger.Debug("client unregistered", "user_id", c.UserID, "conn_id", c.ID)
			h.updatePresence(ctx, c.UserID, h.presence.Leave)

		case msg := <-h.inbound:
			h.deliverLocal(ctx, msg)
		}
	}
}

// Attach hands a new connection to the hub. It reports false once the hub
// has stopped.
func (h *Hub) Attach(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Detach removes a connection; after the hub has stopped it returns at once.
func (h *Hub) Detach(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

// SubscribeToBroker subscribes and then forwards messages from every
// instance, this one included, into the hub loop until ctx is done.
func (h *Hub) SubscribeToBroker(ctx context.Context) error {
	ch, err := h.broker.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		for msg := range ch {
			select {
			case h.inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Send publishes one event to the given users wherever they are connected.
// A nil targets slice means everyone.
func (h *Hub) Send(ctx context.Context, targets []int, event string, data any) error {
	frame, err := realtime.NewFrame(event, data)
	if err != nil {
		return err
	}
	return h.broker.Publish(ctx, BroadcastMessage{TargetIDs: targets, Payload: frame})
}

func (h *Hub) updatePresence(ctx context.Context, userID int, op func(context.Context, int) ([]int, error)) {
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()

	online, err := op(ctx, userID)
	if err != nil {
		h.logger.Error("presence update failed", "user_id", userID, "error", err)
		return
	}
	roster := make([]chat.ID, len(online))
	for i, id := range online {
		roster[i] = chat.IntID(id)
	}

	// The loop also drains our own broker subscription, so it must never
	// wait on Publish. Only the newest roster matters.
	select {
	case <-h.rosters:
	default:
	}
	h.rosters <- roster
}

// publishRosters broadcasts rosters queued by the hub loop.
func (h *Hub) publishRosters(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case roster := <-h.rosters:
			sendCtx, cancel := context.WithTimeout(ctx, presenceTimeout)
			if err := h.Send(sendCtx, nil, realtime.EventNameOnlineUsers, roster); err != nil {
				h.logger.Error("roster broadcast failed", "error", err)
			}
			cancel()
		}
	}
}

func (h *Hub) deliverLocal(ctx context.Context, msg BroadcastMessage) {
	var dropped []int
	for userID, conns := range h.clients {
		if !msg.targets(userID) {
			continue
		}
		for c := range conns {
			select {
			case c.Send <- msg.Payload:
			default:
				// Slow consumer; drop the connection rather than stall the hub.
				close(c.Send)
				delete(conns, c)
				dropped = append(dropped, userID)
			}
		}
		if len(conns) == 0 {
			delete(h.clients, userID)
		}
	}
	for _, userID := range dropped {
		h.updatePresence(ctx, userID, h.presence.Leave)
	}
}
