package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lunchmate/lunchmate/internal/realtime"
)

// Wildcard subscribes a listener to every envelope regardless of type
const Wildcard realtime.EventType = "*"

var (
	// ErrClosed means the session was shut down and will not reconnect
	ErrClosed = errors.New("session closed")
	// ErrNotConnected means there is no live transport to send on
	ErrNotConnected = errors.New("not connected")
)

// ListenerFunc receives dispatched envelopes
type ListenerFunc func(env realtime.Envelope)

// Config tunes a client session
type Config struct {
	URL                  string
	Token                string
	HeartbeatInterval    time.Duration
	ReconnectWait        time.Duration
	MaxReconnectAttempts int
	DedupCapacity        int
}

// DefaultConfig returns client defaults for the given server URL and token
func DefaultConfig(url, token string) Config {
	return Config{
		URL:                  url,
		Token:                token,
		HeartbeatInterval:    25 * time.Second,
		ReconnectWait:        3 * time.Second,
		MaxReconnectAttempts: 20,
		DedupCapacity:        512,
	}
}

type attempt struct {
	done chan struct{}
	err  error
}

// Session is the engine's client-side counterpart: one transport at a
// time, heartbeats, reconnection with a capped fixed backoff, inbound
// de-duplication by messageId, and a per-type listener registry.
type Session struct {
	cfg    Config
	dialer *websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	connecting *attempt
	closed     bool

	writeMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   map[realtime.EventType]map[uintptr]ListenerFunc

	seen *seenSet
}

// NewSession creates a session; it does not connect until Connect
func NewSession(cfg Config) *Session {
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = 512
	}
	return &Session{
		cfg:       cfg,
		dialer:    websocket.DefaultDialer,
		listeners: make(map[realtime.EventType]map[uintptr]ListenerFunc),
		seen:      newSeenSet(cfg.DedupCapacity),
	}
}

// Connect establishes the transport. A call made while another attempt
// is in flight joins that attempt instead of opening a second
// connection; a call on an already-connected session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	if s.connecting != nil {
		att := s.connecting
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-att.done:
			return att.err
		}
	}
	att := &attempt{done: make(chan struct{})}
	s.connecting = att
	s.mu.Unlock()

	err := s.dial(ctx)

	s.mu.Lock()
	s.connecting = nil
	s.mu.Unlock()

	att.err = err
	close(att.done)
	return err
}

func (s *Session) dial(ctx context.Context) error {
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)
	if s.cfg.HeartbeatInterval > 0 {
		go s.heartbeat(conn)
	}

	log.Info().Str("url", s.cfg.URL).Msg("session connected")
	return nil
}

// On registers a listener for an envelope type. Registering the same
// callback twice for the same type is a no-op. Use Wildcard to receive
// every envelope.
func (s *Session) On(eventType realtime.EventType, fn ListenerFunc) {
	key := reflect.ValueOf(fn).Pointer()

	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	if s.listeners[eventType] == nil {
		s.listeners[eventType] = make(map[uintptr]ListenerFunc)
	}
	s.listeners[eventType][key] = fn
}

// Off removes a previously registered listener
func (s *Session) Off(eventType realtime.EventType, fn ListenerFunc) {
	key := reflect.ValueOf(fn).Pointer()

	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	delete(s.listeners[eventType], key)
}

// Send delivers an envelope to the server
func (s *Session) Send(env realtime.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Close performs a normal closure; it suppresses any reconnection
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()
	return conn.Close()
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}

		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Msg("session dropping malformed envelope")
			continue
		}
		s.dispatch(env)
	}
}

// dispatch runs listeners for an envelope unless its messageId was
// already seen, so replays across reconnects dispatch exactly once
func (s *Session) dispatch(env realtime.Envelope) {
	if env.MessageID != "" && !s.seen.add(env.MessageID) {
		log.Debug().
			Str("message_id", env.MessageID).
			Str("event_type", string(env.Type)).
			Msg("duplicate envelope suppressed")
		return
	}

	s.listenersMu.RLock()
	fns := make([]ListenerFunc, 0, len(s.listeners[env.Type])+len(s.listeners[Wildcard]))
	for _, fn := range s.listeners[env.Type] {
		fns = append(fns, fn)
	}
	for _, fn := range s.listeners[Wildcard] {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(env)
	}
}

func (s *Session) heartbeat(conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		current := s.conn == conn
		s.mu.Unlock()
		if !current {
			return
		}

		env := realtime.MustEnvelope(realtime.EventTypePing, realtime.PingPayload{Time: time.Now().UTC()})
		if err := s.Send(env); err != nil {
			// A missed heartbeat is not fatal; the read loop decides
			// when the transport is actually gone
			log.Debug().Err(err).Msg("heartbeat send failed")
			return
		}
	}
}

func (s *Session) handleDisconnect(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	closed := s.closed
	s.mu.Unlock()
	conn.Close()

	if closed || websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		return
	}

	log.Warn().Err(cause).Msg("session transport lost, scheduling reconnect")
	go s.reconnect()
}

// reconnect retries with a fixed backoff up to the configured cap
func (s *Session) reconnect() {
	for tries := 1; tries <= s.cfg.MaxReconnectAttempts; tries++ {
		time.Sleep(s.cfg.ReconnectWait)

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		err := s.Connect(context.Background())
		if err == nil {
			log.Info().Int("tries", tries).Msg("session reconnected")
			return
		}
		log.Warn().
			Err(err).
			Int("tries", tries).
			Int("max", s.cfg.MaxReconnectAttempts).
			Msg("reconnect attempt failed")
	}
	log.Error().
		Int("max", s.cfg.MaxReconnectAttempts).
		Msg("giving up on reconnection")
}

// seenSet is a bounded recently-seen id set; the oldest id is evicted
// once capacity is exceeded
type seenSet struct {
	mu    sync.Mutex
	cap   int
	order []string
	ids   map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		cap: capacity,
		ids: make(map[string]struct{}, capacity),
	}
}

// add records an id, reporting false if it was already present
func (s *seenSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	return true
}
