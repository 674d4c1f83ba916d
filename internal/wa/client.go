package wa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/contactevin2u/chatunclev2-sub001/internal/config"
	"github.com/contactevin2u/chatunclev2-sub001/internal/conn"
)

// Client wraps one whatsmeow connection behind conn.Client.
type Client struct {
	account string
	wm      *whatsmeow.Client
	hooks   conn.Hooks
	cfg     config.Processor
	logger  *zap.Logger
	// qrTimeout bounds the whole pairing attempt. Zero leaves it to whatsmeow.
	qrTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	tr      *translator
}

func newClient(account string, wm *whatsmeow.Client, hooks conn.Hooks, cfg config.Processor, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		account: account,
		wm:      wm,
		hooks:   hooks,
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	wm.GetMessageForRetry = c.messageForRetry
	return c
}

// Connect opens the socket and returns the event stream. Unpaired devices get
// a QR channel; its codes arrive on the same stream.
func (c *Client) Connect(ctx context.Context) (<-chan conn.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil, errors.New("client already connected")
	}
	c.started = true

	b := newBatcher(c.cfg.FlushInterval, c.cfg.MaxBatch, eventBuffer)
	c.tr = &translator{b: b, logger: c.logger, onSynced: c.learnLIDs}
	c.wm.AddEventHandler(c.tr.handle)

	if c.wm.Store.ID == nil {
		qrCtx, stop := context.WithCancel(c.ctx)
		qr, err := c.wm.GetQRChannel(qrCtx)
		if err != nil {
			stop()
			b.close(nil)
			return nil, fmt.Errorf("get QR channel: %w", err)
		}
		go c.forwardQR(qr, c.qrTimeout, stop)
	}

	c.logger.Info("connecting to WhatsApp")
	if err := c.wm.Connect(); err != nil {
		b.close(nil)
		return nil, fmt.Errorf("connect: %w", err)
	}
	return b.out, nil
}

// forwardQR relays pairing codes until the phone scans one, the channel
// gives up or timeout elapses. stop releases the QR channel.
func (c *Client) forwardQR(ch <-chan whatsmeow.QRChannelItem, timeout time.Duration, stop context.CancelFunc) {
	defer stop()
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		select {
		case <-expired:
			c.logger.Info("pairing window elapsed", zap.Duration("timeout", timeout))
			c.tr.b.emit(conn.QRTimeout{})
			return
		case item, ok := <-ch:
			if !ok {
				return
			}
			switch item.Event {
			case "code":
				c.tr.b.emit(conn.QRCode{Code: item.Code, Timeout: item.Timeout})
			case "success":
				// PairSuccess arrives through the event handler.
				return
			case "timeout":
				c.tr.b.emit(conn.QRTimeout{})
				return
			default:
				err := item.Error
				if err == nil {
					err = fmt.Errorf("pairing failed: %s", item.Event)
				}
				c.tr.b.emit(conn.Disconnected{Reason: conn.CloseGeneric, Err: err})
				return
			}
		}
	}
}

// Send delivers content to recipient. Raw carries the marshaled payload so
// the gateway can answer retry requests later.
func (c *Client) Send(ctx context.Context, recipient string, content conn.Content) (conn.SendResult, error) {
	to, err := types.ParseJID(recipient)
	if err != nil {
		return conn.SendResult{}, fmt.Errorf("parse JID: %w", err)
	}
	msg, ok := Encode(content)
	if !ok {
		return conn.SendResult{}, fmt.Errorf("unsupported content type %q", content.Type)
	}
	resp, err := c.wm.SendMessage(ctx, to, msg)
	if err != nil {
		return conn.SendResult{}, fmt.Errorf("send message: %w", err)
	}
	raw, _ := proto.Marshal(msg)
	return conn.SendResult{ExternalID: resp.ID, Timestamp: resp.Timestamp, Raw: raw}, nil
}

// FetchMetadata answers from the gateway cache when it can.
func (c *Client) FetchMetadata(ctx context.Context, conversationID string) (*conn.GroupMetadata, error) {
	if c.hooks.GetMetadata != nil {
		if meta, ok := c.hooks.GetMetadata(conversationID); ok {
			return meta, nil
		}
	}
	jid, err := types.ParseJID(conversationID)
	if err != nil {
		return nil, fmt.Errorf("parse JID: %w", err)
	}
	info, err := c.wm.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("get group info: %w", err)
	}
	return groupMetadata(info), nil
}

func groupMetadata(info *types.GroupInfo) *conn.GroupMetadata {
	meta := &conn.GroupMetadata{
		JID:          info.JID.String(),
		Subject:      info.Name,
		Description:  info.Topic,
		Owner:        info.OwnerJID.String(),
		CreatedAt:    info.GroupCreated,
		Participants: make([]conn.Participant, 0, len(info.Participants)),
	}
	for _, p := range info.Participants {
		role := conn.RoleMember
		switch {
		case p.IsSuperAdmin:
			role = conn.RoleSuperAdmin
		case p.IsAdmin:
			role = conn.RoleAdmin
		}
		meta.Participants = append(meta.Participants, conn.Participant{JID: p.JID.ToNonAD().String(), Role: role})
	}
	return meta
}

// MarkRead sends read receipts for ids. sender is required in groups.
func (c *Client) MarkRead(ctx context.Context, conversationID, sender string, ids []string) error {
	chat, err := types.ParseJID(conversationID)
	if err != nil {
		return fmt.Errorf("parse JID: %w", err)
	}
	var from types.JID
	if sender != "" {
		if from, err = types.ParseJID(sender); err != nil {
			return fmt.Errorf("parse sender JID: %w", err)
		}
	}
	msgIDs := make([]types.MessageID, len(ids))
	copy(msgIDs, ids)
	return c.wm.MarkRead(ctx, msgIDs, time.Now(), chat, from)
}

func (c *Client) IsReady() bool {
	return c.wm.IsConnected() && c.wm.IsLoggedIn()
}

// Disconnect closes the socket and the event stream.
func (c *Client) Disconnect() {
	c.logger.Info("disconnecting from WhatsApp")
	c.cancel()
	c.wm.Disconnect()
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr != nil {
		tr.b.close(nil)
	}
}

// Logout unlinks the device on the server.
func (c *Client) Logout(ctx context.Context) error {
	return c.wm.Logout(ctx)
}

func (c *Client) messageForRetry(_, to types.JID, id types.MessageID) *waE2E.Message {
	if c.hooks.GetMessage == nil {
		return nil
	}
	p, ok := c.hooks.GetMessage(c.ctx, to.ToNonAD().String(), id)
	if !ok {
		return nil
	}
	msg := retryPayload(p)
	if msg == nil {
		c.logger.Warn("no payload for retry", zap.String("id", id))
	}
	return msg
}

// retryPayload prefers the original bytes and falls back to rebuilding the
// message from its normalized content.
func retryPayload(p *conn.StoredPayload) *waE2E.Message {
	if len(p.Raw) > 0 {
		var msg waE2E.Message
		if err := proto.Unmarshal(p.Raw, &msg); err == nil {
			return &msg
		}
	}
	if p.Content.Text == "" {
		return nil
	}
	msg, ok := Encode(conn.Content{Type: conn.ContentText, Text: p.Content.Text, QuotedID: p.Content.QuotedID})
	if !ok {
		return nil
	}
	return msg
}

// learnLIDs reports every LID mapping the device store knows once the
// offline sync is done. There is no bulk API, so it walks the contacts.
func (c *Client) learnLIDs() {
	st := c.wm.Store
	if st == nil || st.Contacts == nil || st.LIDs == nil {
		return
	}
	contacts, err := st.Contacts.GetAllContacts(c.ctx)
	if err != nil {
		c.logger.Warn("failed to get contacts from device store", zap.Error(err))
		return
	}
	for jid := range contacts {
		pn := jid.ToNonAD()
		if pn.Server != types.DefaultUserServer {
			continue
		}
		lid, err := st.LIDs.GetLIDForPN(c.ctx, pn)
		if err != nil || lid.IsEmpty() {
			continue
		}
		c.tr.b.emit(conn.LIDMapping{LID: lid.String(), PN: pn.String()})
	}
}
