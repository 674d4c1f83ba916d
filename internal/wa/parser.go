package wa

import (
	"go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/contactevin2u/chatunclev2-sub001/internal/conn"
)

// decoder extracts content from one payload variant. ok is false when the
// message is not of that variant.
type decoder func(msg *waE2E.Message) (c conn.Content, ok bool)

// decoders are tried in order; the first match wins.
var decoders = []decoder{
	decodeConversation,
	decodeExtendedText,
	decodeImage,
	decodeVideo,
	decodeAudio,
	decodeDocument,
	decodeSticker,
	decodeContact,
	decodeLocation,
}

// Decode normalizes a protocol payload. Wrappers such as ephemeral and
// view-once messages are unwrapped first. Unknown payloads decode to
// ContentUnknown with no text, which the processor filters as empty.
func Decode(msg *waE2E.Message) conn.Content {
	msg = unwrap(msg)
	if msg == nil {
		return conn.Content{Type: conn.ContentUnknown}
	}
	for _, d := range decoders {
		if c, ok := d(msg); ok {
			return c
		}
	}
	return conn.Content{Type: conn.ContentUnknown}
}

func unwrap(msg *waE2E.Message) *waE2E.Message {
	for range 4 {
		if msg == nil {
			return nil
		}
		switch {
		case msg.GetEphemeralMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.GetViewOnceMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetDocumentWithCaptionMessage() != nil:
			msg = msg.GetDocumentWithCaptionMessage().GetMessage()
		default:
			return msg
		}
	}
	return msg
}

func quoted(ci *waE2E.ContextInfo) string {
	return ci.GetStanzaID()
}

func decodeConversation(msg *waE2E.Message) (conn.Content, bool) {
	if msg.GetConversation() == "" {
		return conn.Content{}, false
	}
	return conn.Content{Type: conn.ContentText, Text: msg.GetConversation()}, true
}

func decodeExtendedText(msg *waE2E.Message) (conn.Content, bool) {
	ext := msg.GetExtendedTextMessage()
	if ext == nil {
		return conn.Content{}, false
	}
	return conn.Content{
		Type:     conn.ContentText,
		Text:     ext.GetText(),
		QuotedID: quoted(ext.GetContextInfo()),
	}, true
}

func decodeImage(msg *waE2E.Message) (conn.Content, bool) {
	m := msg.GetImageMessage()
	if m == nil {
		return conn.Content{}, false
	}
	return conn.Content{
		Type:     conn.ContentImage,
		Text:     m.GetCaption(),
		MediaURL: m.GetURL(),
		MimeType: m.GetMimetype(),
		QuotedID: quoted(m.GetContextInfo()),
	}, true
}

func decodeVideo(msg *waE2E.Message) (conn.Content, bool) {
	m := msg.GetVideoMessage()
	if m == nil {
		return conn.Content{}, false
	}
	return conn.Content{
		Type:     conn.ContentVideo,
		Text:     m.GetCaption(),
		MediaURL: m.GetURL(),
		MimeType: m.GetMimetype(),
		QuotedID: quoted(m.GetContextInfo()),
	}, true
}

func decodeAudio(msg *waE2E.Message) (conn.Content, bool) {
	m := msg.GetAudioMessage()
	if m == nil {
		return conn.Content{}, false
	}
	return conn.Content{
		Type:     conn.ContentAudio,
		MediaURL: m.GetURL(),
		MimeType: m.GetMimetype(),
		QuotedID: quoted(m.GetContextInfo()),
	}, true
}

func decodeDocument(msg *waE2E.Message) (conn.Content, bool) {
	m := msg.GetDocumentMessage()
	if m == nil {
		return conn.Content{}, false
	}
	text := m.GetCaption()
	if text == "" {
		text = m.GetFileName()
	}
	return conn.Content{
		Type:     conn.ContentDocument,
		Text:     text,
		MediaURL: m.GetURL(),
		MimeType: m.GetMimetype(),
		QuotedID: quoted(m.GetContextInfo()),
	}, true
}

func decodeSticker(msg *waE2E.Message) (conn.Content, bool) {
	m := msg.GetStickerMessage()
	if m == nil {
		return conn.Content{}, false
	}
	return conn.Content{
		Type:     conn.ContentSticker,
		MediaURL: m.GetURL(),
		MimeType: m.GetMimetype(),
	}, true
}

func decodeContact(msg *waE2E.Message) (conn.Content, bool) {
	m := msg.GetContactMessage()
	if m == nil {
		return conn.Content{}, false
	}
	return conn.Content{Type: conn.ContentContact, Text: m.GetDisplayName()}, true
}

func decodeLocation(msg *waE2E.Message) (conn.Content, bool) {
	m := msg.GetLocationMessage()
	if m == nil {
		return conn.Content{}, false
	}
	text := m.GetName()
	if text == "" {
		text = m.GetAddress()
	}
	return conn.Content{Type: conn.ContentLocation, Text: text}, true
}

// Encode builds the outbound payload for content. Only text can be sent;
// media upload is outside this gateway.
func Encode(c conn.Content) (*waE2E.Message, bool) {
	if c.Type != conn.ContentText && c.Type != "" {
		return nil, false
	}
	if c.QuotedID == "" {
		return &waE2E.Message{Conversation: &c.Text}, true
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        &c.Text,
			ContextInfo: &waE2E.ContextInfo{StanzaID: &c.QuotedID},
		},
	}, true
}
