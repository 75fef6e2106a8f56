package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire unit for the realtime protocol
type Envelope struct {
	Type      EventType       `json:"type"`                // Event type
	Data      json.RawMessage `json:"data"`                // Event-specific payload
	Timestamp time.Time       `json:"timestamp"`           // Creation time
	MessageID string          `json:"messageId,omitempty"` // De-dup key
}

// EventType represents the type of realtime event
type EventType string

const (
	EventTypePing                EventType = "ping"
	EventTypePong                EventType = "pong"
	EventTypeVote                EventType = "vote"
	EventTypeNewRandom           EventType = "new_random"
	EventTypeChatMessage         EventType = "chat_message"
	EventTypeRestaurantSelection EventType = "restaurant_selection"
	EventTypeVoteUpdate          EventType = "vote_update"
	EventTypeNotification        EventType = "notification"
	EventTypeLunchTimePopup      EventType = "lunch_time_popup"
	EventTypePresenceUpdate      EventType = "user_presence_update"
	EventTypeError               EventType = "error"
)

// PingPayload is carried by ping and pong envelopes
type PingPayload struct {
	Time time.Time `json:"time"`
}

// VotePayload is a client's yes/no vote on the current selection
type VotePayload struct {
	Vote bool `json:"vote"`
}

// NewRandomPayload asks for a fresh random selection for a group
type NewRandomPayload struct {
	GroupID string `json:"groupId"`
}

// ChatMessagePayload is a group or direct chat message
type ChatMessagePayload struct {
	Message     string    `json:"message"`
	TargetID    string    `json:"targetId,omitempty"`
	IsGroupChat bool      `json:"isGroupChat"`
	Timestamp   time.Time `json:"timestamp"`
	MessageID   string    `json:"messageId,omitempty"`
	SenderID    string    `json:"senderId,omitempty"`
	SenderName  string    `json:"senderName,omitempty"`
}

// RestaurantInfo is the restaurant slice carried on the wire
type RestaurantInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

// RestaurantSelectionPayload announces the current selection state
type RestaurantSelectionPayload struct {
	Restaurant       RestaurantInfo `json:"restaurant"`
	Confirmed        bool           `json:"confirmed"`
	IsScheduledEvent bool           `json:"isScheduledEvent"`
	Timestamp        time.Time      `json:"timestamp"`
}

// VoteUpdatePayload announces one counted vote and the resulting totals
type VoteUpdatePayload struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	Vote        bool   `json:"vote"`
	YesVotes    int    `json:"yesVotes"`
	NoVotes     int    `json:"noVotes"`
	IsConfirmed bool   `json:"isConfirmed"`
}

// NotificationPayload is a human-readable notice
type NotificationPayload struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	IsGlobal  bool      `json:"isGlobal,omitempty"`
}

// LunchTimePopupPayload is the scheduled lunch-time announcement
type LunchTimePopupPayload struct {
	GroupID    string    `json:"groupId"`
	GroupName  string    `json:"groupName"`
	Restaurant string    `json:"restaurant"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// PresenceUpdatePayload reports a user's login transition to admins
type PresenceUpdatePayload struct {
	UserID     string    `json:"userId"`
	Username   string    `json:"username"`
	IsLoggedIn bool      `json:"isLoggedIn"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorPayload names why a request or connection attempt failed
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewEnvelope wraps a payload in an envelope with a fresh message id
func NewEnvelope(eventType EventType, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		MessageID: uuid.New().String(),
	}, nil
}

// MustEnvelope is NewEnvelope for payloads that cannot fail to marshal
func MustEnvelope(eventType EventType, payload any) Envelope {
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// ParseEventPayload decodes an envelope's data into the payload struct
// for its type, giving exhaustiveness over the event table
func ParseEventPayload(env *Envelope) (any, error) {
	switch env.Type {
	case EventTypePing, EventTypePong:
		var payload PingPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeVote:
		var payload VotePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeNewRandom:
		var payload NewRandomPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeChatMessage:
		var payload ChatMessagePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeRestaurantSelection:
		var payload RestaurantSelectionPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeVoteUpdate:
		var payload VoteUpdatePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeNotification:
		var payload NotificationPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeLunchTimePopup:
		var payload LunchTimePopupPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypePresenceUpdate:
		var payload PresenceUpdatePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeError:
		var payload ErrorPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}
