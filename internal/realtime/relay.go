package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	relaySubjectPrefix  = "lunch.fanout"
	relayMaxReconnects  = -1 // retry forever
	relayReconnectWait  = 2 * time.Second
	relaySubjectGroup   = relaySubjectPrefix + ".group"
	relaySubjectUser    = relaySubjectPrefix + ".user"
	relaySubjectAdmins  = relaySubjectPrefix + ".admins"
	relaySubjectAll     = relaySubjectPrefix + ".all"
	relaySubjectPattern = relaySubjectPrefix + ".>"
)

// relayMessage is the cross-instance wire form of a fanout call
type relayMessage struct {
	Origin   string    `json:"origin"`
	GroupID  uuid.UUID `json:"group_id,omitempty"`
	UserID   uuid.UUID `json:"user_id,omitempty"`
	Envelope Envelope  `json:"envelope"`
}

// NATSRelay spans fanout across instances. Every fanout call publishes
// the envelope on a NATS subject; every instance subscribes and
// delivers to its own local connections. Core NATS only: at-most-once,
// matching the protocol's delivery contract.
type NATSRelay struct {
	nc     *nats.Conn
	local  *LocalFanout
	origin string
	subs   []*nats.Subscription
}

// NewNATSRelay connects to NATS and subscribes the local fanout to the
// relay subjects
func NewNATSRelay(natsURL string, local *LocalFanout) (*NATSRelay, error) {
	opts := []nats.Option{
		nats.MaxReconnects(relayMaxReconnects),
		nats.ReconnectWait(relayReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	r := &NATSRelay{
		nc:     nc,
		local:  local,
		origin: uuid.New().String()[:8], // short ID for loop suppression and logging
	}

	sub, err := nc.Subscribe(relaySubjectPattern, r.handleRelayMessage)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe to relay subjects: %w", err)
	}
	r.subs = append(r.subs, sub)

	log.Info().Str("instance", r.origin).Msg("NATS fanout relay started")
	return r, nil
}

func (r *NATSRelay) ToGroup(groupID uuid.UUID, env Envelope) {
	r.local.ToGroup(groupID, env)
	r.publish(relaySubjectGroup, relayMessage{Origin: r.origin, GroupID: groupID, Envelope: env})
}

func (r *NATSRelay) ToUser(userID uuid.UUID, env Envelope) {
	r.local.ToUser(userID, env)
	r.publish(relaySubjectUser, relayMessage{Origin: r.origin, UserID: userID, Envelope: env})
}

func (r *NATSRelay) ToAdmins(env Envelope) {
	r.local.ToAdmins(env)
	r.publish(relaySubjectAdmins, relayMessage{Origin: r.origin, Envelope: env})
}

func (r *NATSRelay) ToAll(env Envelope) {
	r.local.ToAll(env)
	r.publish(relaySubjectAll, relayMessage{Origin: r.origin, Envelope: env})
}

func (r *NATSRelay) publish(subject string, msg relayMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("failed to marshal relay message")
		return
	}
	if err := r.nc.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("failed to publish relay message")
	}
}

// handleRelayMessage delivers envelopes published by other instances to
// this instance's local connections
func (r *NATSRelay) handleRelayMessage(msg *nats.Msg) {
	var rm relayMessage
	if err := json.Unmarshal(msg.Data, &rm); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to unmarshal relay message")
		return
	}

	// Local delivery already happened on the publishing instance
	if rm.Origin == r.origin {
		return
	}

	switch msg.Subject {
	case relaySubjectGroup:
		r.local.ToGroup(rm.GroupID, rm.Envelope)
	case relaySubjectUser:
		r.local.ToUser(rm.UserID, rm.Envelope)
	case relaySubjectAdmins:
		r.local.ToAdmins(rm.Envelope)
	case relaySubjectAll:
		r.local.ToAll(rm.Envelope)
	default:
		log.Warn().Str("subject", msg.Subject).Msg("unknown relay subject - ignoring")
	}
}

// Close drains the subscriptions and closes the NATS connection
func (r *NATSRelay) Close() error {
	for _, sub := range r.subs {
		if err := sub.Drain(); err != nil {
			log.Error().Err(err).Msg("failed to drain relay subscription")
		}
	}
	r.nc.Close()
	return nil
}
