package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds used across the client. Subscribers filter by namespace
// prefix, so "message." matches every message event.
const (
	KindMessageUpserted = "message.upserted"
	KindMessageRemoved  = "message.removed"
	KindTypingChanged   = "typing.changed"
	KindUnreadChanged   = "unread.changed"
	KindCallStatus      = "call.status_changed"
	KindCallIncoming    = "call.incoming"
	KindCallMissed      = "call.missed"
	KindRosterChanged   = "roster.changed"
)
