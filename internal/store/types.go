package store

// Account is one tenant connection identity.
type Account struct {
	ID        string
	Phone     string
	Incognito bool
	CreatedAt int64
}

// Contact is the canonical record for one remote person. AltJID holds the
// other identifier kind once it has been learned.
type Contact struct {
	ID        int64
	AccountID string
	JID       string
	AltJID    string
	Name      string
	PushName  string
}

// DisplayName returns the best human label for the contact.
func (c *Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.PushName
}

// Conversation is a direct or group chat. Direct conversations are keyed by
// their contact's canonical JID.
type Conversation struct {
	ID                 int64
	AccountID          string
	JID                string
	ContactID          int64
	IsGroup            bool
	Name               string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is one persisted message. ExternalID is the protocol-assigned id.
type Message struct {
	ID              int64
	AccountID       string
	ConversationID  int64
	ExternalID      string
	SenderJID       string
	SenderContactID int64
	SenderName      string
	ContentType     string
	Content         string
	MediaURL        string
	MimeType        string
	QuotedID        string
	FromMe          bool
	Status          string
	Edited          bool
	Timestamp       int64
}

// Reaction is one reactor's current emoji on a message.
type Reaction struct {
	AccountID  string
	ExternalID string
	ReactorJID string
	Emoji      string
	Timestamp  int64
}

// OutboxEntry represents an outgoing message journaled by the send queue.
type OutboxEntry struct {
	ID           int64
	AccountID    string
	ClientMsgID  string
	Recipient    string
	ContentType  string
	Body         string
	MediaURL     string
	Priority     int
	IsBulk       bool
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
	CreatedAt    int64
}

// Outbox statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)
