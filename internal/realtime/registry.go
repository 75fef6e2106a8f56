package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// PresenceNotifier is told when a user gains their first live connection
// and when they lose their last one. Exactly one call per transition,
// even with several tabs open.
type PresenceNotifier interface {
	OnConnect(ctx context.Context, userID uuid.UUID)
	OnDisconnect(ctx context.Context, userID uuid.UUID)
}

// MessageRouter handles envelopes read off a live connection
type MessageRouter interface {
	HandleMessage(ctx context.Context, conn *Connection, env Envelope)
}

// ConnectionManager owns every live WebSocket connection and the
// group/user/admin indexes over them
type ConnectionManager struct {
	// Connection pools and indexes
	connections      map[*Connection]bool
	groupConnections map[uuid.UUID]map[*Connection]bool
	userConnections  map[uuid.UUID]map[*Connection]bool
	adminConnections map[*Connection]bool
	mu               sync.RWMutex

	// Upgrader for WebSocket connections
	upgrader websocket.Upgrader

	// Connection configuration
	config ConnectionConfig

	// Event broadcasting
	broadcastCh chan BroadcastMessage

	presence PresenceNotifier
	router   MessageRouter
}

// Connection represents a WebSocket connection to a client. Identity is
// copied from the authenticated token at connect time and is not
// refreshed until the client reconnects.
type Connection struct {
	ID       string
	UserID   uuid.UUID
	Username string
	IsAdmin  bool
	GroupID  *uuid.UUID
	Conn     *websocket.Conn
	Send     chan []byte
	Manager  *ConnectionManager

	// Connection metadata
	ConnectedAt time.Time
	LastPing    time.Time

	closeOnce sync.Once
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastScope selects which index a broadcast fans out over
type BroadcastScope int

const (
	ScopeGroup BroadcastScope = iota
	ScopeUser
	ScopeAdmins
	ScopeAll
)

// BroadcastMessage represents a message to fan out to connections
type BroadcastMessage struct {
	Scope    BroadcastScope
	GroupID  uuid.UUID
	UserID   uuid.UUID
	Envelope Envelope
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		connections:      make(map[*Connection]bool),
		groupConnections: make(map[uuid.UUID]map[*Connection]bool),
		userConnections:  make(map[uuid.UUID]map[*Connection]bool),
		adminConnections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000), // Buffer for high throughput
	}
}

// SetRouter installs the inbound message router. Must be called before
// any connection is accepted.
func (cm *ConnectionManager) SetRouter(router MessageRouter) {
	cm.router = router
}

// SetPresence installs the presence notifier. Must be called before any
// connection is accepted.
func (cm *ConnectionManager) SetPresence(presence PresenceNotifier) {
	cm.presence = presence
}

// Start begins processing broadcast messages
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// Accept upgrades an HTTP request and registers the connection under
// the given identity. The caller has already authenticated the token.
func (cm *ConnectionManager) Accept(w http.ResponseWriter, r *http.Request, userID uuid.UUID, username string, isAdmin bool, groupID *uuid.UUID) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		Username:    username,
		IsAdmin:     isAdmin,
		GroupID:     groupID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID.String()).
		Str("username", username).
		Bool("is_admin", isAdmin).
		Msg("WebSocket connection established")

	return connection, nil
}

// AcceptUnauthenticated upgrades a request only so that an error
// envelope can be delivered before closing. The connection is never
// registered and never joins a room.
func (cm *ConnectionManager) AcceptUnauthenticated(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return cm.upgrader.Upgrade(w, r, nil)
}

// registerConnection adds a connection to every index it belongs in
func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	cm.connections[conn] = true

	if conn.GroupID != nil {
		if cm.groupConnections[*conn.GroupID] == nil {
			cm.groupConnections[*conn.GroupID] = make(map[*Connection]bool)
		}
		cm.groupConnections[*conn.GroupID][conn] = true
	}

	if cm.userConnections[conn.UserID] == nil {
		cm.userConnections[conn.UserID] = make(map[*Connection]bool)
	}
	cm.userConnections[conn.UserID][conn] = true
	firstForUser := len(cm.userConnections[conn.UserID]) == 1

	if conn.IsAdmin {
		cm.adminConnections[conn] = true
	}
	cm.mu.Unlock()

	log.Debug().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID.String()).
		Bool("first_for_user", firstForUser).
		Msg("connection registered")

	if firstForUser && cm.presence != nil {
		cm.presence.OnConnect(context.Background(), conn.UserID)
	}
}

// unregisterConnection removes a connection from every index
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	removed := false
	lastForUser := false

	cm.mu.Lock()
	if cm.connections[conn] {
		removed = true
		delete(cm.connections, conn)
		conn.closeOnce.Do(func() { close(conn.Send) })

		if conn.GroupID != nil {
			if pool, ok := cm.groupConnections[*conn.GroupID]; ok {
				delete(pool, conn)
				if len(pool) == 0 {
					delete(cm.groupConnections, *conn.GroupID)
				}
			}
		}

		if pool, ok := cm.userConnections[conn.UserID]; ok {
			delete(pool, conn)
			if len(pool) == 0 {
				delete(cm.userConnections, conn.UserID)
				lastForUser = true
			}
		}

		delete(cm.adminConnections, conn)
	}
	cm.mu.Unlock()

	if !removed {
		return
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID.String()).
		Bool("last_for_user", lastForUser).
		Msg("connection unregistered")

	if lastForUser && cm.presence != nil {
		cm.presence.OnDisconnect(context.Background(), conn.UserID)
	}
}

// LookupByUser returns the connection ids currently held by a user
func (cm *ConnectionManager) LookupByUser(userID uuid.UUID) []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	ids := make([]string, 0, len(cm.userConnections[userID]))
	for conn := range cm.userConnections[userID] {
		ids = append(ids, conn.ID)
	}
	return ids
}

// MembersOfGroup returns the connection ids registered to a group
func (cm *ConnectionManager) MembersOfGroup(groupID uuid.UUID) []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	ids := make([]string, 0, len(cm.groupConnections[groupID]))
	for conn := range cm.groupConnections[groupID] {
		ids = append(ids, conn.ID)
	}
	return ids
}

// CloseUser force-disconnects every connection a user holds
func (cm *ConnectionManager) CloseUser(userID uuid.UUID) {
	cm.mu.RLock()
	var targets []*Connection
	for conn := range cm.userConnections[userID] {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}
}

// Enqueue queues a message for fanout without blocking the caller
func (cm *ConnectionManager) Enqueue(message BroadcastMessage) {
	select {
	case cm.broadcastCh <- message:
	default:
		log.Warn().
			Str("event_type", string(message.Envelope.Type)).
			Msg("broadcast channel full, dropping message")
	}
}

// handleBroadcast delivers one message to every connection in scope
func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	// Snapshot targets so the lock is not held during sends
	var targets []*Connection
	switch message.Scope {
	case ScopeGroup:
		for conn := range cm.groupConnections[message.GroupID] {
			targets = append(targets, conn)
		}
	case ScopeUser:
		for conn := range cm.userConnections[message.UserID] {
			targets = append(targets, conn)
		}
	case ScopeAdmins:
		for conn := range cm.adminConnections {
			targets = append(targets, conn)
		}
	case ScopeAll:
		for conn := range cm.connections {
			targets = append(targets, conn)
		}
	}
	cm.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	// Marshal the envelope once
	data, err := json.Marshal(message.Envelope)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal envelope for broadcast")
		return
	}

	for _, conn := range targets {
		select {
		case conn.Send <- data:
		default:
			// Slow consumer: drop this message for this connection
			// rather than stall the whole fanout
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID.String()).
				Str("event_type", string(message.Envelope.Type)).
				Msg("connection send buffer full, dropping message")
		}
	}

	log.Debug().
		Str("event_type", string(message.Envelope.Type)).
		Int("connections", len(targets)).
		Msg("envelope broadcasted")
}

// Stats returns counts of active connections per index
func (cm *ConnectionManager) Stats() map[string]any {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	groupCounts := make(map[string]int)
	for groupID, pool := range cm.groupConnections {
		groupCounts[groupID.String()] = len(pool)
	}

	return map[string]any{
		"total_connections": len(cm.connections),
		"online_users":      len(cm.userConnections),
		"admin_connections": len(cm.adminConnections),
		"group_connections": groupCounts,
	}
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	var targets []*Connection
	for conn := range cm.connections {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump handles reading messages from the WebSocket connection. The
// connection outlives the HTTP request that upgraded it, so routed
// messages get a fresh context rather than the request's.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn().
				Str("connection_id", c.ID).
				Msg("dropping malformed envelope")
			c.SendEnvelope(MustEnvelope(EventTypeError, ErrorPayload{Message: "malformed envelope"}))
			continue
		}

		if c.Manager.router != nil {
			c.Manager.router.HandleMessage(context.Background(), c, env)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// SendEnvelope queues an envelope for this connection only. Best
// effort: a full buffer drops the message.
func (c *Connection) SendEnvelope(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal envelope")
		return
	}
	select {
	case c.Send <- data:
	default:
		log.Warn().
			Str("connection_id", c.ID).
			Str("event_type", string(env.Type)).
			Msg("connection send buffer full, dropping message")
	}
}
