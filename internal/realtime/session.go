// Package realtime owns the persistent event connection to the chat server.
//
// A Session is created at login and torn down at logout. Its reader
// goroutine never touches application state: every inbound event is pushed
// onto the Events channel, in arrival order, for the consumer's own loop.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrConnecting is returned when a dial is already in flight.
	ErrConnecting = errors.New("realtime: connection attempt already in progress")
	// ErrClosed is returned when the session was disconnected mid-dial.
	ErrClosed = errors.New("realtime: session disconnected")
)

// Config controls dialing and the transport's reconnection policy.
type Config struct {
	URL string

	ConnectTimeout   time.Duration // first, background attempt
	ReconnectTimeout time.Duration // explicit re-Connect and automatic retries

	// AutoReconnect makes the transport re-dial after an unexpected drop,
	// backing off from ReconnectMin to ReconnectMax.
	AutoReconnect bool
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration

	// PongWait is how long the connection may stay silent before it is
	// considered dead. Zero disables the read deadline.
	PongWait time.Duration

	EventBuffer int
}

func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		ConnectTimeout:   10 * time.Second,
		ReconnectTimeout: 5 * time.Second,
		AutoReconnect:    true,
		ReconnectMin:     time.Second,
		ReconnectMax:     30 * time.Second,
		PongWait:         pongWait,
		EventBuffer:      256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.URL)
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = d.ReconnectTimeout
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = d.ReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = max(d.ReconnectMax, c.ReconnectMin)
	}
	if c.PongWait < 0 {
		c.PongWait = 0
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// Session is the single owner of the connection handle and its state.
type Session struct {
	cfg      Config
	dialer   *websocket.Dialer
	logger   *slog.Logger
	handlers map[string]decodeFunc
	events   chan Event

	mu          sync.Mutex
	state       State
	initialized bool
	token       string
	conn        *websocket.Conn
	stop        chan struct{} // closed by Disconnect; nil while not initialized
}

func New(cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Session{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		logger:   logger.With("component", "realtime"),
		handlers: dispatchTable(),
		events:   make(chan Event, cfg.EventBuffer),
	}
}

// Events delivers inbound events in arrival order. The channel is never
// closed; consumers stop reading when their own context ends.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialized reports whether Connect has been called since the last
// Disconnect.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Connect starts the connection. The first call returns immediately and
// dials in the background; later calls on a session that is not connected
// re-dial synchronously with the shorter reconnect timeout. Failures are
// logged, never returned.
func (s *Session) Connect(token string) {
	s.mu.Lock()
	s.token = token
	if !s.initialized {
		s.initialized = true
		s.stop = make(chan struct{})
		s.mu.Unlock()

		go func() {
			if err := s.dial(s.cfg.ConnectTimeout); err != nil {
				s.logger.Warn("connect failed", "url", s.cfg.URL, "error", err)
			}
		}()
		return
	}
	state := s.state
	s.mu.Unlock()

	if state == Connected {
		return
	}
	if err := s.dial(s.cfg.ReconnectTimeout); err != nil {
		s.logger.Warn("reconnect failed", "url", s.cfg.URL, "error", err)
	}
}

// Disconnect closes the connection and stops any reconnection. Teardown
// errors are logged; logout always succeeds locally.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn, stop := s.conn, s.stop
	s.conn = nil
	s.stop = nil
	s.state = Disconnected
	s.initialized = false
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn == nil {
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		s.logger.Debug("close handshake failed", "error", err)
	}
	if err := conn.Close(); err != nil {
		s.logger.Debug("closing connection failed", "error", err)
	}
	s.logger.Info("disconnected")

	select {
	case s.events <- Event{Kind: EventDisconnect}:
	default:
	}
}

// dial performs one bounded connection attempt.
func (s *Session) dial(timeout time.Duration) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrClosed
	}
	switch s.state {
	case Connected:
		s.mu.Unlock()
		return nil
	case Connecting:
		s.mu.Unlock()
		return ErrConnecting
	}
	s.state = Connecting
	token, stop := s.token, s.stop
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, header)

	s.mu.Lock()
	if s.stop != stop {
		// Disconnect ran while we were dialing; the attempt is void.
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		s.state = Disconnected
		s.mu.Unlock()
		return fmt.Errorf("dialing %s: %w", s.cfg.URL, err)
	}
	s.conn = conn
	s.state = Connected
	s.mu.Unlock()

	s.logger.Info("connected", "url", s.cfg.URL)
	s.emit(Event{Kind: EventConnect}, stop)
	go s.readPump(conn, stop)
	return nil
}

// emit hands an event to the consumer, giving up once the session is
// disconnected.
func (s *Session) emit(ev Event, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-stop:
		return false
	}
}
