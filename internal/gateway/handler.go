package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lunchmate/lunchmate/internal/auth"
	"github.com/lunchmate/lunchmate/internal/models"
	"github.com/lunchmate/lunchmate/internal/realtime"
	"github.com/lunchmate/lunchmate/internal/selection"
	"github.com/lunchmate/lunchmate/internal/vote"
)

// VoteApp defines what the handler needs from the vote aggregator
type VoteApp interface {
	CastVote(ctx context.Context, groupID, userID uuid.UUID, username string, choice bool) (*models.Group, error)
}

// SelectionApp defines what the handler needs from the selection engine
type SelectionApp interface {
	SelectRandom(ctx context.Context, groupID uuid.UUID, trigger selection.Trigger) (*models.Restaurant, error)
}

// Handler owns the WebSocket endpoint: it authenticates connection
// attempts, hands live connections to the manager, and routes inbound
// envelopes to the vote and selection apps.
type Handler struct {
	verifier   auth.TokenVerifier
	manager    *realtime.ConnectionManager
	votes      VoteApp
	selections SelectionApp
	fanout     realtime.Fanout
}

// NewHandler creates a new WebSocket handler and installs it as the
// manager's inbound router
func NewHandler(verifier auth.TokenVerifier, manager *realtime.ConnectionManager, votes VoteApp, selections SelectionApp, fanout realtime.Fanout) *Handler {
	h := &Handler{
		verifier:   verifier,
		manager:    manager,
		votes:      votes,
		selections: selections,
		fanout:     fanout,
	}
	manager.SetRouter(h)
	return h
}

// HandleConnection handles WebSocket upgrade requests. A missing or
// invalid credential closes the transport with an error envelope before
// any room is joined.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	claims, err := h.verifier.Verify(token)
	if err != nil {
		h.rejectConnection(w, r, err)
		return
	}

	if _, err := h.manager.Accept(w, r, claims.UserID, claims.Username, claims.IsAdmin, claims.GroupID); err != nil {
		log.Error().
			Err(err).
			Str("user_id", claims.UserID.String()).
			Msg("failed to accept WebSocket connection")
	}
}

// bearerToken pulls the credential from the Authorization header or,
// for browser WebSocket clients that cannot set headers, the token
// query parameter
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// rejectConnection upgrades just far enough to deliver the error
// envelope, then closes the transport
func (h *Handler) rejectConnection(w http.ResponseWriter, r *http.Request, cause error) {
	reason := auth.ErrInvalidToken.Error()
	if errors.Is(cause, auth.ErrMissingToken) {
		reason = auth.ErrMissingToken.Error()
	}

	conn, err := h.manager.AcceptUnauthenticated(w, r)
	if err != nil {
		return
	}
	defer conn.Close()

	env := realtime.MustEnvelope(realtime.EventTypeError, realtime.ErrorPayload{Message: reason})
	data, err := json.Marshal(env)
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second),
	)

	log.Warn().
		Str("remote", r.RemoteAddr).
		Str("reason", reason).
		Msg("rejected WebSocket connection")
}

// HandleMessage routes one inbound envelope. Domain errors go back to
// the requesting connection only; they never touch other connections.
func (h *Handler) HandleMessage(ctx context.Context, conn *realtime.Connection, env realtime.Envelope) {
	switch env.Type {
	case realtime.EventTypePing:
		conn.SendEnvelope(realtime.MustEnvelope(realtime.EventTypePong, realtime.PingPayload{Time: time.Now().UTC()}))

	case realtime.EventTypeVote:
		h.handleVote(ctx, conn, env)

	case realtime.EventTypeNewRandom:
		h.handleNewRandom(ctx, conn, env)

	case realtime.EventTypeChatMessage:
		h.handleChat(conn, env)

	default:
		log.Warn().
			Str("connection_id", conn.ID).
			Str("event_type", string(env.Type)).
			Msg("unknown inbound event type - ignoring")
		h.sendError(conn, "unknown event type")
	}
}

func (h *Handler) handleVote(ctx context.Context, conn *realtime.Connection, env realtime.Envelope) {
	var payload realtime.VotePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		h.sendError(conn, "malformed vote payload")
		return
	}
	if conn.GroupID == nil {
		h.sendError(conn, "not a member of any group")
		return
	}

	if _, err := h.votes.CastVote(ctx, *conn.GroupID, conn.UserID, conn.Username, payload.Vote); err != nil {
		if errors.Is(err, vote.ErrNoActiveSelection) {
			h.sendError(conn, "no active selection to vote on")
			return
		}
		log.Error().
			Err(err).
			Str("connection_id", conn.ID).
			Str("group_id", conn.GroupID.String()).
			Msg("vote failed")
		h.sendError(conn, "vote failed")
	}
}

func (h *Handler) handleNewRandom(ctx context.Context, conn *realtime.Connection, env realtime.Envelope) {
	var payload realtime.NewRandomPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		h.sendError(conn, "malformed new_random payload")
		return
	}

	groupID, err := uuid.Parse(payload.GroupID)
	if err != nil || conn.GroupID == nil || *conn.GroupID != groupID {
		h.sendError(conn, "not a member of that group")
		return
	}

	if _, err := h.selections.SelectRandom(ctx, groupID, selection.TriggerManual); err != nil {
		if errors.Is(err, selection.ErrNoRestaurantsForGroup) {
			h.sendError(conn, "group has no restaurants to pick from")
			return
		}
		log.Error().
			Err(err).
			Str("connection_id", conn.ID).
			Str("group_id", groupID.String()).
			Msg("random selection failed")
		h.sendError(conn, "selection failed")
	}
}

// handleChat relays a chat message to its group or target user. The
// sender's messageId is preserved so the sender can reconcile the echo.
func (h *Handler) handleChat(conn *realtime.Connection, env realtime.Envelope) {
	var payload realtime.ChatMessagePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		h.sendError(conn, "malformed chat payload")
		return
	}

	payload.SenderID = conn.UserID.String()
	payload.SenderName = conn.Username
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}

	out, err := realtime.NewEnvelope(realtime.EventTypeChatMessage, payload)
	if err != nil {
		h.sendError(conn, "chat relay failed")
		return
	}
	if payload.MessageID != "" {
		out.MessageID = payload.MessageID
	}

	if payload.IsGroupChat {
		if conn.GroupID == nil {
			h.sendError(conn, "not a member of any group")
			return
		}
		// Group fanout includes the sender: local echo is expected
		h.fanout.ToGroup(*conn.GroupID, out)
		return
	}

	targetID, err := uuid.Parse(payload.TargetID)
	if err != nil {
		h.sendError(conn, "invalid chat target")
		return
	}
	h.fanout.ToUser(targetID, out)
	if targetID != conn.UserID {
		h.fanout.ToUser(conn.UserID, out)
	}
}

func (h *Handler) sendError(conn *realtime.Connection, message string) {
	conn.SendEnvelope(realtime.MustEnvelope(realtime.EventTypeError, realtime.ErrorPayload{Message: message}))
}

// HandleConnectionStats returns statistics about active connections
func (h *Handler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.manager.Stats())
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
