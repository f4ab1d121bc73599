package bus

import "time"

// Event kinds published on the client bus. Inbound push frames are published
// as PushPrefix + the protocol event name.
const (
	PushPrefix = "push."

	MessageUpserted   = "message.upserted"
	MessageFailed     = "message.failed"
	ThreadRead        = "thread.read"
	ConnStatusChanged = "conn.status_changed"
)

// Event is a notification published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
