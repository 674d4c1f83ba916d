package bus

import "time"

// Event represents a domain event published on the bus. Account is empty for
// process-wide events.
type Event struct {
	Kind      string
	Account   string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the gateway core.
const (
	KindStatusChanged      = "session.status_changed"
	KindQR                 = "session.qr"
	KindLoggedOut          = "session.logged_out"
	KindReconnectScheduled = "session.reconnect_scheduled"
	KindReconnectBlocked   = "session.reconnect_blocked"
	KindMessageNew         = "message.new"
	KindMessageStatus      = "message.status"
	KindMessageEdited      = "message.edited"
	KindMessageReaction    = "message.reaction"
	KindMessageQueued      = "message.queued"
	KindSendAck            = "message.send_ack"
	KindSendFailed         = "message.send_failed"
	KindGroupParticipants  = "group.participants"
	KindGroupUpdated       = "group.updated"
	KindHistoryBatch       = "sync.history_batch"
	KindHealthDegraded     = "health.degraded"
	KindMemoryPressure     = "health.memory_pressure"
)
