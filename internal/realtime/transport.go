package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second // Time allowed to write a control frame.
	pongWait       = 60 * time.Second // Silence allowed before the peer is considered gone.
	maxMessageSize = 1 << 20          // Envelopes carry one wrapped key per member.

	// jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2
)

var newline = []byte{'\n'}

// readPump pumps frames from the connection into the event channel. It runs
// on its own goroutine, one per connection.
func (s *Session) readPump(conn *websocket.Conn, stop chan struct{}) {
	defer s.dropped(conn, stop)

	conn.SetReadLimit(maxMessageSize)
	s.extendDeadline(conn)
	conn.SetPingHandler(func(appData string) error {
		s.extendDeadline(conn)
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Debug("pong failed", "error", err)
		}
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("read failed", "error", err)
			}
			return
		}
		s.extendDeadline(conn)

		// The server may batch several frames into one message.
		for _, raw := range bytes.Split(message, newline) {
			if !s.dispatch(raw, stop) {
				return
			}
		}
	}
}

func (s *Session) extendDeadline(conn *websocket.Conn) {
	if s.cfg.PongWait > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	}
}

// dispatch decodes one frame through the dispatch table. Frames that cannot
// be decoded are dropped with a log line. It returns false once the session
// has been disconnected.
func (s *Session) dispatch(raw []byte, stop <-chan struct{}) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return true
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.logger.Warn("dropping malformed frame", "error", err)
		return true
	}
	decode, ok := s.handlers[f.Event]
	if !ok {
		s.logger.Debug("ignoring unknown event", "event", f.Event)
		return true
	}
	ev, err := decode(f.Data)
	if err != nil {
		s.logger.Warn("dropping event", "event", f.Event, "error", err)
		return true
	}
	return s.emit(ev, stop)
}

// dropped runs when the reader exits. If the connection was not taken down
// by Disconnect, it reports the drop and hands over to the reconnect loop.
func (s *Session) dropped(conn *websocket.Conn, stop chan struct{}) {
	conn.Close()

	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = Disconnected
	s.mu.Unlock()

	s.logger.Warn("connection lost")
	if !s.emit(Event{Kind: EventDisconnect}, stop) {
		return
	}
	if s.cfg.AutoReconnect {
		s.reconnectLoop(stop)
	}
}

// reconnectLoop re-dials with capped exponential backoff until it succeeds,
// somebody else connects, or the session is disconnected.
func (s *Session) reconnectLoop(stop <-chan struct{}) {
	backoff := s.cfg.ReconnectMin
	for {
		jitter := time.Duration(rand.Int64N(int64(backoff)/jitterDivisor + 1))
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		err := s.dial(s.cfg.ReconnectTimeout)
		switch {
		case err == nil, errors.Is(err, ErrClosed):
			return
		case errors.Is(err, ErrConnecting):
			continue
		}
		s.logger.Warn("reconnect failed", "error", err, "backoff", backoff)
		backoff = min(backoff*2, s.cfg.ReconnectMax)
	}
}
