// Package conn is the boundary between the gateway core and the external
// protocol client. The core only ever sees these types; internal/wa adapts
// whatsmeow to them and tests substitute fakes.
package conn

import (
	"context"
	"time"
)

// Client is one live connection for one account.
type Client interface {
	// Connect dials the remote service and returns the event stream. The
	// channel is closed once the connection is gone for good.
	Connect(ctx context.Context) (<-chan Event, error)
	Send(ctx context.Context, recipient string, content Content) (SendResult, error)
	FetchMetadata(ctx context.Context, conversationID string) (*GroupMetadata, error)
	MarkRead(ctx context.Context, conversationID, senderID string, ids []string) error
	// IsReady reports whether the connection is authenticated and usable.
	IsReady() bool
	Disconnect()
	Logout(ctx context.Context) error
}

// Factory builds clients from persisted credentials. Empty credentials mean
// the account has never been paired.
type Factory interface {
	New(ctx context.Context, account string, creds Credentials, hooks Hooks) (Client, error)
}

// Credentials is the opaque blob plus keyed protocol records for one account.
type Credentials struct {
	Blob []byte
	Keys []KeyRecord
}

// Empty reports whether nothing has been persisted yet.
func (c Credentials) Empty() bool { return len(c.Blob) == 0 }

// KeyRecord is one protocol key addressed by (type, id).
type KeyRecord struct {
	Type  string
	ID    string
	Value []byte
}

// StoredPayload is a previously seen message answered back to the client.
// Raw holds the protocol encoding when still cached; otherwise only Content
// is set and the client has to synthesize a payload from it.
type StoredPayload struct {
	Raw     []byte
	Content Content
}

// Hooks are the callbacks the core supplies to every client.
type Hooks struct {
	// GetMessage answers "give me message X again" requests.
	GetMessage func(ctx context.Context, conversationID, externalID string) (*StoredPayload, bool)
	// GetMetadata answers "give me cached metadata for conversation Y".
	GetMetadata func(conversationID string) (*GroupMetadata, bool)
}

// SendResult is what the remote service assigned to an outbound message.
type SendResult struct {
	ExternalID string
	Timestamp  time.Time
	Raw        []byte
}
