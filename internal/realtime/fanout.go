package realtime

import (
	"github.com/google/uuid"
)

// Fanout delivers envelopes to sets of live connections. Delivery is
// best-effort, at-most-once per connection, no retry. Group delivery
// includes the sender; clients reconcile echoes by messageId.
type Fanout interface {
	ToGroup(groupID uuid.UUID, env Envelope)
	ToUser(userID uuid.UUID, env Envelope)
	ToAdmins(env Envelope)
	ToAll(env Envelope)
}

// LocalFanout delivers to connections registered with this instance's
// connection manager
type LocalFanout struct {
	manager *ConnectionManager
}

// NewLocalFanout creates a fanout over the given manager
func NewLocalFanout(manager *ConnectionManager) *LocalFanout {
	return &LocalFanout{manager: manager}
}

func (f *LocalFanout) ToGroup(groupID uuid.UUID, env Envelope) {
	f.manager.Enqueue(BroadcastMessage{Scope: ScopeGroup, GroupID: groupID, Envelope: env})
}

func (f *LocalFanout) ToUser(userID uuid.UUID, env Envelope) {
	f.manager.Enqueue(BroadcastMessage{Scope: ScopeUser, UserID: userID, Envelope: env})
}

func (f *LocalFanout) ToAdmins(env Envelope) {
	f.manager.Enqueue(BroadcastMessage{Scope: ScopeAdmins, Envelope: env})
}

func (f *LocalFanout) ToAll(env Envelope) {
	f.manager.Enqueue(BroadcastMessage{Scope: ScopeAll, Envelope: env})
}
