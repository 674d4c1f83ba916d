package wa

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/contactevin2u/chatunclev2-sub001/internal/conn"
)

// translator turns whatsmeow events into conn events. Messages that arrive
// before the offline sync completes are tagged as backlog.
type translator struct {
	b        *batcher
	logger   *zap.Logger
	synced   atomic.Bool
	onSynced func()
}

// handle is registered as the whatsmeow event handler.
func (t *translator) handle(raw any) {
	switch evt := raw.(type) {
	case *events.Message:
		t.message(evt)
	case *events.Receipt:
		t.receipt(evt)
	case *events.HistorySync:
		t.history(evt)
	case *events.GroupInfo:
		t.groupInfo(evt)
	case *events.Connected:
		t.b.emit(conn.Connected{})
	case *events.OfflineSyncCompleted:
		t.synced.Store(true)
		t.b.emit(conn.SyncComplete{})
		if t.onSynced != nil {
			go t.onSynced()
		}
	case *events.PairSuccess:
		id := evt.ID.String()
		t.b.emit(conn.PairSuccess{ID: id})
		t.b.emit(conn.CredentialsUpdate{Credentials: conn.Credentials{Blob: []byte(id)}})
	case *events.KeepAliveTimeout:
		t.b.emit(conn.KeepAliveTimeout{Failures: evt.ErrorCount})
	case *events.Disconnected:
		t.closed(conn.CloseConnectionLost, nil)
	case *events.LoggedOut:
		t.closed(conn.CloseLoggedOut, fmt.Errorf("logged out: %s", evt.Reason.String()))
	case *events.StreamReplaced:
		t.closed(conn.CloseReplaced, nil)
	case *events.TemporaryBan:
		t.closed(conn.CloseBanned, fmt.Errorf("temporary ban: %v", evt))
	case *events.ConnectFailure:
		if evt.Reason.IsLoggedOut() {
			t.closed(conn.CloseLoggedOut, fmt.Errorf("connect failure: %v", evt.Reason))
			return
		}
		t.closed(conn.CloseGeneric, fmt.Errorf("connect failure: %v", evt.Reason))
	case *events.StreamError:
		t.closed(conn.CloseRestartRequired, fmt.Errorf("stream error %s", evt.Code))
	case *events.ClientOutdated:
		t.closed(conn.CloseGeneric, errors.New("client outdated"))
	}
}

func (t *translator) closed(reason conn.CloseReason, err error) {
	t.logger.Info("connection closed", zap.String("reason", string(reason)), zap.Error(err))
	t.b.emit(conn.Disconnected{Reason: reason, Err: err})
}

func (t *translator) message(evt *events.Message) {
	msg := evt.Message
	if em := msg.GetEditedMessage(); em != nil {
		msg = em.GetMessage()
	}
	info := evt.Info
	chat := info.Chat.ToNonAD().String()

	if r := msg.GetReactionMessage(); r != nil {
		t.b.addReaction(conn.Reaction{
			ConversationID: chat,
			ExternalID:     r.GetKey().GetID(),
			ReactorID:      info.Sender.ToNonAD().String(),
			Emoji:          r.GetText(),
			Timestamp:      info.Timestamp,
		})
		return
	}
	if pm := msg.GetProtocolMessage(); pm != nil {
		if pm.GetType() == waE2E.ProtocolMessage_MESSAGE_EDIT {
			t.b.addEdit(conn.Edit{
				ConversationID: chat,
				ExternalID:     pm.GetKey().GetID(),
				Content:        Decode(pm.GetEditedMessage()),
				Timestamp:      info.Timestamp,
			})
		}
		return
	}

	kind := conn.BatchLive
	if !t.synced.Load() {
		kind = conn.BatchBacklog
	}
	t.b.addMessage(kind, parseMessage(info, msg))
}

func (t *translator) receipt(evt *events.Receipt) {
	var st conn.MessageStatus
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		st = conn.StatusDelivered
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		st = conn.StatusRead
	case types.ReceiptTypePlayed:
		st = conn.StatusPlayed
	default:
		return
	}
	chat := evt.Chat.ToNonAD().String()
	updates := make([]conn.StatusUpdate, 0, len(evt.MessageIDs))
	for _, id := range evt.MessageIDs {
		updates = append(updates, conn.StatusUpdate{
			ConversationID: chat,
			ExternalID:     id,
			Status:         st,
			Timestamp:      evt.Timestamp,
		})
	}
	t.b.addStatus(updates...)
}

func (t *translator) history(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	var msgs []conn.InboundMessage
	for _, c := range data.GetConversations() {
		chat, err := types.ParseJID(c.GetID())
		if err != nil {
			continue
		}
		for _, hm := range c.GetMessages() {
			wm := hm.GetMessage()
			if wm == nil || wm.GetMessage() == nil {
				continue
			}
			key := wm.GetKey()
			sender := chat
			if p := key.GetParticipant(); p != "" {
				if jid, err := types.ParseJID(p); err == nil {
					sender = jid
				}
			} else if p := wm.GetParticipant(); p != "" {
				if jid, err := types.ParseJID(p); err == nil {
					sender = jid
				}
			}
			info := types.MessageInfo{
				MessageSource: types.MessageSource{
					Chat:     chat,
					Sender:   sender,
					IsFromMe: key.GetFromMe(),
					IsGroup:  chat.Server == types.GroupServer,
				},
				ID:        key.GetID(),
				PushName:  wm.GetPushName(),
				Timestamp: time.Unix(int64(wm.GetMessageTimestamp()), 0),
			}
			msgs = append(msgs, parseMessage(info, wm.GetMessage()))
		}
	}

	if len(msgs) > 0 {
		t.b.emit(conn.MessagesBatch{Kind: conn.BatchHistory, Messages: msgs})
	}
}

func (t *translator) groupInfo(evt *events.GroupInfo) {
	jid := evt.JID.String()
	if evt.Name != nil || evt.Topic != nil {
		u := conn.GroupUpdate{ConversationID: jid}
		if evt.Name != nil {
			name := evt.Name.Name
			u.Subject = &name
		}
		if evt.Topic != nil {
			topic := evt.Topic.Topic
			u.Description = &topic
		}
		t.b.emit(u)
	}
	for _, change := range []struct {
		action conn.ParticipantAction
		jids   []types.JID
	}{
		{conn.ParticipantAdd, evt.Join},
		{conn.ParticipantRemove, evt.Leave},
		{conn.ParticipantPromote, evt.Promote},
		{conn.ParticipantDemote, evt.Demote},
	} {
		if len(change.jids) == 0 {
			continue
		}
		list := make([]string, len(change.jids))
		for i, j := range change.jids {
			list[i] = j.ToNonAD().String()
		}
		t.b.emit(conn.GroupParticipants{ConversationID: jid, Action: change.action, Participants: list})
	}
}

// parseMessage normalizes one protocol message. The raw payload is kept so
// retry requests can be answered byte-for-byte.
func parseMessage(info types.MessageInfo, msg *waE2E.Message) conn.InboundMessage {
	raw, _ := proto.Marshal(msg)
	m := conn.InboundMessage{
		ID:             info.ID,
		ConversationID: info.Chat.ToNonAD().String(),
		SenderID:       info.Sender.ToNonAD().String(),
		PushName:       info.PushName,
		FromMe:         info.IsFromMe,
		IsGroup:        info.IsGroup,
		Broadcast:      info.Chat.Server == types.BroadcastServer,
		Timestamp:      info.Timestamp,
		Content:        Decode(msg),
		Raw:            raw,
	}
	if !info.SenderAlt.IsEmpty() {
		m.SenderAltID = info.SenderAlt.ToNonAD().String()
	}
	return m
}
