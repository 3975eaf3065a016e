package bus

import "time"

// Event kinds published across the daemon. Subscribers filter by
// namespace prefix, e.g. "store." receives every store mutation.
const (
	KindChatsChanged     = "store.chats_changed"
	KindMessagesChanged  = "store.messages_changed"
	KindConvOpened       = "conv.opened"
	KindConvClosed       = "conv.closed"
	KindConvUpdated      = "conv.updated"
	KindRemoteConnected  = "remote.connected"
	KindRemoteDropped    = "remote.disconnected"
	KindSendAck          = "message.send_ack"
	KindSendFailed       = "message.send_failed"
	KindStatusChanged    = "session.status_changed"
	KindPresenceChanged  = "presence.changed"
)

// Event is a domain event delivered over the in-process bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
