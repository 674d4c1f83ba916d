package conn

import "time"

// Event is the sealed sum of everything a Client can emit. Consumers switch
// on the concrete type.
type Event interface {
	event()
}

// BatchKind separates live traffic from replays.
type BatchKind int

const (
	// BatchLive is real-time traffic; listeners want it with minimal latency.
	BatchLive BatchKind = iota
	// BatchBacklog is offline traffic replayed on reconnect.
	BatchBacklog
	// BatchHistory is the long-running historical sync.
	BatchHistory
)

func (k BatchKind) String() string {
	switch k {
	case BatchLive:
		return "live"
	case BatchBacklog:
		return "backlog"
	case BatchHistory:
		return "history"
	default:
		return "unknown"
	}
}

// InboundMessage is one decoded protocol message.
type InboundMessage struct {
	ID             string
	ConversationID string
	SenderID       string
	// SenderAltID is the other identifier kind (LID vs PN) for the sender,
	// when the protocol provided one.
	SenderAltID string
	PushName    string
	FromMe      bool
	IsGroup     bool
	Broadcast   bool
	Timestamp   time.Time
	Content     Content
	Raw         []byte
}

// Malformed reports whether the message lacks the fields needed to persist it.
func (m *InboundMessage) Malformed() bool {
	return m == nil || m.ID == "" || m.ConversationID == ""
}

type MessagesBatch struct {
	Kind     BatchKind
	Messages []InboundMessage
}

type StatusUpdate struct {
	ConversationID string
	ExternalID     string
	Status         MessageStatus
	Timestamp      time.Time
}

type StatusBatch struct {
	Updates []StatusUpdate
}

type Edit struct {
	ConversationID string
	ExternalID     string
	Content        Content
	Timestamp      time.Time
}

type EditBatch struct {
	Edits []Edit
}

// Reaction with an empty Emoji removes the reactor's previous reaction.
type Reaction struct {
	ConversationID string
	ExternalID     string
	ReactorID      string
	Emoji          string
	Timestamp      time.Time
}

type ReactionBatch struct {
	Reactions []Reaction
}

type ParticipantAction string

const (
	ParticipantAdd     ParticipantAction = "add"
	ParticipantRemove  ParticipantAction = "remove"
	ParticipantPromote ParticipantAction = "promote"
	ParticipantDemote  ParticipantAction = "demote"
)

type GroupParticipants struct {
	ConversationID string
	Action         ParticipantAction
	Participants   []string
}

// GroupUpdate carries only the fields that changed.
type GroupUpdate struct {
	ConversationID string
	Subject        *string
	Description    *string
}

// LIDMapping tells the core two identifiers belong to the same contact.
type LIDMapping struct {
	LID string
	PN  string
}

// CredentialsUpdate asks the core to persist new credentials.
type CredentialsUpdate struct {
	Credentials Credentials
}

// QRCode means out-of-band pairing is required.
type QRCode struct {
	Code    string
	Timeout time.Duration
}

// PairSuccess means the remote side completed pairing.
type PairSuccess struct {
	ID string
}

// QRTimeout means pairing was not completed in time.
type QRTimeout struct{}

type Connected struct{}

// SyncComplete marks the end of the initial synchronization handshake.
type SyncComplete struct{}

// KeepAliveTimeout is a liveness hint: the socket looks open but pings fail.
type KeepAliveTimeout struct {
	Failures int
}

type Disconnected struct {
	Reason CloseReason
	Err    error
}

func (MessagesBatch) event()     {}
func (StatusBatch) event()       {}
func (EditBatch) event()         {}
func (ReactionBatch) event()     {}
func (GroupParticipants) event() {}
func (GroupUpdate) event()       {}
func (LIDMapping) event()        {}
func (CredentialsUpdate) event() {}
func (QRCode) event()            {}
func (PairSuccess) event()       {}
func (QRTimeout) event()         {}
func (Connected) event()         {}
func (SyncComplete) event()      {}
func (KeepAliveTimeout) event()  {}
func (Disconnected) event()      {}
