package bus

import "time"

// Event kinds published by the chat core. Subscribers filter by namespace
// prefix, e.g. "session." receives every session lifecycle event.
const (
	KindSessionJoined  = "session.joined"
	KindSessionLeft    = "session.left"
	KindMessageStored  = "message.stored"
	KindMessagesPurged = "message.purged"
	KindCallTimedOut   = "call.timed_out"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// SessionChange is the payload for session.joined and session.left events,
// published only after the registry mutation has committed.
type SessionChange struct {
	ConnID   string
	Username string
}

// MessageStored is the payload for message.stored events.
type MessageStored struct {
	ID       int64
	Username string
}

// PurgeResult is the payload for message.purged events.
type PurgeResult struct {
	Removed int64
}
