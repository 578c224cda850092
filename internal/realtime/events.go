package realtime

import (
	"encoding/json"
	"fmt"

	"cipherchat/internal/chat"
)

// Wire event names.
const (
	EventNameOnlineUsers    = "online_users"
	EventNameReceiveMessage = "receive_message"
)

type EventKind int

const (
	EventConnect EventKind = iota + 1
	EventDisconnect
	EventPresenceRoster
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventPresenceRoster:
		return EventNameOnlineUsers
	case EventMessage:
		return EventNameReceiveMessage
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one inbound occurrence, delivered in arrival order.
type Event struct {
	Kind    EventKind
	Roster  []chat.ID            // EventPresenceRoster
	Message *chat.InboundMessage // EventMessage
}

// Frame is the JSON object carried by every text message on the socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes data under the given event name.
func NewFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

type decodeFunc func(json.RawMessage) (Event, error)

// dispatchTable maps wire event names to decoders. It is built once per
// Session, so reconnects never register handlers twice.
func dispatchTable() map[string]decodeFunc {
	return map[string]decodeFunc{
		EventNameOnlineUsers:    decodeRoster,
		EventNameReceiveMessage: decodeMessage,
	}
}

func decodeRoster(data json.RawMessage) (Event, error) {
	var ids []chat.ID
	if err := json.Unmarshal(data, &ids); err != nil {
		return Event{}, fmt.Errorf("decoding roster: %w", err)
	}
	return Event{Kind: EventPresenceRoster, Roster: ids}, nil
}

// decodeMessage only rejects payloads that are not JSON objects. Missing
// envelope fields are left for the decryptor to report per message.
func decodeMessage(data json.RawMessage) (Event, error) {
	var msg chat.InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, fmt.Errorf("decoding message: %w", err)
	}
	return Event{Kind: EventMessage, Message: &msg}, nil
}
