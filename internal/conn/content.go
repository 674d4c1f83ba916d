package conn

// ContentType tags the normalized kind of a message payload.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentVideo    ContentType = "video"
	ContentAudio    ContentType = "audio"
	ContentDocument ContentType = "document"
	ContentSticker  ContentType = "sticker"
	ContentContact  ContentType = "contact"
	ContentLocation ContentType = "location"
	ContentUnknown  ContentType = "unknown"
)

// Content is the normalized {contentType, text, mediaRef} record every
// payload variant decodes to.
type Content struct {
	Type     ContentType
	Text     string
	MediaURL string
	MimeType string
	QuotedID string
}

// IsEmpty reports whether the content carries nothing worth persisting.
func (c Content) IsEmpty() bool {
	return c.Text == "" && c.MediaURL == "" && (c.Type == "" || c.Type == ContentUnknown)
}

// Preview returns a short single-line summary used for conversation lists.
func (c Content) Preview(maxLen int) string {
	s := c.Text
	if s == "" && c.Type != ContentText {
		s = "[" + string(c.Type) + "]"
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusPlayed    MessageStatus = "played"
	StatusFailed    MessageStatus = "failed"
	StatusReceived  MessageStatus = "received"
)

// Rank orders statuses so updates only ever move forward.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent, StatusReceived:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	case StatusPlayed:
		return 5
	default:
		return 0
	}
}
