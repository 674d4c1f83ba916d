// Package sync turns batched protocol events into persisted state and bus
// notifications. Every inbound message passes the same pipeline: register in
// the message cache, cheap filters, one bulk existence check, mark as seen,
// then bounded fan-out with per-conversation ordering.
package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/contactevin2u/chatunclev2-sub001/internal/bus"
	"github.com/contactevin2u/chatunclev2-sub001/internal/config"
	"github.com/contactevin2u/chatunclev2-sub001/internal/conn"
	"github.com/contactevin2u/chatunclev2-sub001/internal/dedup"
	"github.com/contactevin2u/chatunclev2-sub001/internal/errs"
	"github.com/contactevin2u/chatunclev2-sub001/internal/groupcache"
	"github.com/contactevin2u/chatunclev2-sub001/internal/identity"
	"github.com/contactevin2u/chatunclev2-sub001/internal/logging"
	"github.com/contactevin2u/chatunclev2-sub001/internal/msgcache"
	"github.com/contactevin2u/chatunclev2-sub001/internal/store"
)

const previewLen = 100

// Store is the persistence the engine writes through.
type Store interface {
	CheckpointStore
	UpsertConversation(ctx context.Context, c *store.Conversation) (int64, error)
	InsertMessage(ctx context.Context, m *store.Message) (bool, error)
	UpdateMessageStatus(ctx context.Context, account, externalID, status string, rank int) (bool, error)
	EditMessage(ctx context.Context, account, externalID, contentType, content string) (bool, error)
	UpsertReaction(ctx context.Context, r *store.Reaction) error
	MarkConversationRead(ctx context.Context, account, jid string) error
}

// Deps are the collaborators an Engine needs.
type Deps struct {
	Store    Store
	Dedup    *dedup.Deduplicator
	Messages *msgcache.Cache
	Groups   *groupcache.Cache
	Identity *identity.Resolver
	Bus      bus.Publisher
	Logger   *zap.Logger
}

// Engine handles idempotent ingestion of protocol events into the store.
type Engine struct {
	cfg        config.Processor
	db         Store
	dedup      *dedup.Deduplicator
	messages   *msgcache.Cache
	groups     *groupcache.Cache
	ids        *identity.Resolver
	reconciler *Reconciler
	bus        bus.Publisher
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a new engine.
func NewEngine(cfg config.Processor, d Deps) *Engine {
	b := d.Bus
	if b == nil {
		b = bus.Nop{}
	}
	return &Engine{
		cfg:        cfg,
		db:         d.Store,
		dedup:      d.Dedup,
		messages:   d.Messages,
		groups:     d.Groups,
		ids:        d.Identity,
		reconciler: NewReconciler(d.Store),
		bus:        b,
		logger:     logging.OrNop(d.Logger).Named("sync"),
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Bus payloads.
type (
	MessageNew struct {
		ConversationID  int64
		ConversationJID string
		ExternalID      string
		SenderJID       string
		SenderContactID int64
		PushName        string
		FromMe          bool
		IsGroup         bool
		Content         conn.Content
		Timestamp       time.Time
		Batch           conn.BatchKind
	}
	StatusChanged struct {
		ExternalID string
		Status     conn.MessageStatus
	}
	MessageEdited struct {
		ExternalID string
		Content    conn.Content
	}
	ReactionChanged struct {
		ExternalID string
		ReactorJID string
		Emoji      string
	}
	HistoryBatch struct {
		Received int
		Stored   int
		Cursor   int64
	}
	GroupParticipantsChanged struct {
		ConversationID string
		Action         conn.ParticipantAction
		Participants   []string
		Cached         bool
	}
	GroupUpdated struct {
		ConversationID string
		Subject        *string
		Description    *string
	}
)

// Stored identifies one message persisted by HandleMessages.
type Stored struct {
	ConversationID string
	SenderID       string
	ExternalID     string
	FromMe         bool
}

// Stats summarizes one batch.
type Stats struct {
	Received   int
	Filtered   int
	Duplicates int
	Stored     int
	Failed     int
	// Persisted lists stored messages in arrival order per conversation.
	Persisted []Stored
}

type lane struct {
	conversation string
	msgs         []*conn.InboundMessage
}

// HandleMessages ingests one batch for account. Per-item failures are logged,
// un-marked for redelivery and counted; they never abort siblings. The
// returned error is non-nil only when the batch could not be filtered at all.
func (e *Engine) HandleMessages(ctx context.Context, account string, batch conn.MessagesBatch) (Stats, error) {
	st := Stats{Received: len(batch.Messages)}

	for i := range batch.Messages {
		m := &batch.Messages[i]
		if !m.Malformed() {
			e.messages.Store(account, m.ConversationID, m.ID, m.Raw, m.Content)
		}
	}

	var candidates []*conn.InboundMessage
	ids := make([]string, 0, len(batch.Messages))
	for i := range batch.Messages {
		m := &batch.Messages[i]
		if m.Malformed() || m.Broadcast || conn.IsBroadcastJID(m.ConversationID) || m.Content.IsEmpty() {
			st.Filtered++
			continue
		}
		candidates = append(candidates, m)
		ids = append(ids, m.ID)
	}
	if len(candidates) == 0 {
		return st, nil
	}

	fresh, err := e.dedup.FilterNew(ctx, account, ids)
	if err != nil {
		return st, err
	}
	freshSet := make(map[string]struct{}, len(fresh))
	for _, id := range fresh {
		freshSet[id] = struct{}{}
	}

	var direct, group []*lane
	lanes := make(map[string]*lane)
	for _, m := range candidates {
		if _, ok := freshSet[m.ID]; !ok {
			st.Duplicates++
			continue
		}
		// Mark before processing so a concurrent delivery of the same id
		// cannot also proceed.
		if !e.dedup.TryMark(account, m.ID) {
			st.Duplicates++
			continue
		}
		l, ok := lanes[m.ConversationID]
		if !ok {
			l = &lane{conversation: m.ConversationID}
			lanes[m.ConversationID] = l
			if m.IsGroup || conn.IsGroupJID(m.ConversationID) {
				group = append(group, l)
			} else {
				direct = append(direct, l)
			}
		}
		l.msgs = append(l.msgs, m)
	}

	var mu gosync.Mutex
	var newest int64
	record := func(m *conn.InboundMessage, stored bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			st.Failed++
		case stored:
			st.Stored++
			st.Persisted = append(st.Persisted, Stored{
				ConversationID: m.ConversationID,
				SenderID:       m.SenderID,
				ExternalID:     m.ID,
				FromMe:         m.FromMe,
			})
			if ts := m.Timestamp.UnixMilli(); ts > newest {
				newest = ts
			}
		default:
			st.Duplicates++
		}
	}

	size := e.cfg.SubBatchSize
	if batch.Kind == conn.BatchHistory {
		size = e.cfg.HistorySubBatchSize
	}
	subBatches := split(append(direct, group...), size)
	for i, sub := range subBatches {
		if i > 0 && batch.Kind == conn.BatchBacklog && e.cfg.BacklogPause > 0 {
			if err := e.sleep(ctx, e.cfg.BacklogPause); err != nil {
				e.unmarkRemaining(account, subBatches[i:])
				return st, err
			}
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Concurrency)
		for _, l := range sub {
			g.Go(func() error {
				for _, m := range l.msgs {
					stored, err := e.ingest(gctx, account, batch.Kind, m)
					if err != nil {
						e.dedup.Unmark(account, m.ID)
						e.logger.Error("failed to ingest message",
							zap.String("account", account),
							zap.String("external_id", m.ID),
							zap.Error(err),
						)
					}
					record(m, stored, err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if batch.Kind == conn.BatchHistory {
		e.finishHistory(ctx, account, st, newest)
	}
	return st, nil
}

func (e *Engine) unmarkRemaining(account string, subs [][]*lane) {
	for _, sub := range subs {
		for _, l := range sub {
			for _, m := range l.msgs {
				e.dedup.Unmark(account, m.ID)
			}
		}
	}
}

func (e *Engine) finishHistory(ctx context.Context, account string, st Stats, newest int64) {
	if newest > 0 {
		if err := e.reconciler.AdvanceHistory(ctx, account, newest); err != nil {
			e.logger.Warn("failed to advance history cursor", zap.String("account", account), zap.Error(err))
		}
	}
	cursor, _ := e.reconciler.HistoryCursor(ctx, account)
	e.logger.Info("history batch ingested",
		zap.String("account", account),
		zap.Int("received", st.Received),
		zap.Int("stored", st.Stored),
	)
	e.bus.Publish(bus.Event{
		Kind:    bus.KindHistoryBatch,
		Account: account,
		Payload: HistoryBatch{Received: st.Received, Stored: st.Stored, Cursor: cursor},
	})
}

// split packs lanes into sub-batches of roughly size messages. A lane is
// never split, so one conversation always runs inside one goroutine.
func split(lanes []*lane, size int) [][]*lane {
	if size <= 0 {
		size = 1
	}
	var out [][]*lane
	var cur []*lane
	n := 0
	for _, l := range lanes {
		if n > 0 && n+len(l.msgs) > size {
			out = append(out, cur)
			cur, n = nil, 0
		}
		cur = append(cur, l)
		n += len(l.msgs)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// ingest persists one message and notifies listeners. It reports false
// without error when the row already existed.
func (e *Engine) ingest(ctx context.Context, account string, kind conn.BatchKind, m *conn.InboundMessage) (bool, error) {
	isGroup := m.IsGroup || conn.IsGroupJID(m.ConversationID)
	convJID := m.ConversationID
	var contactID, senderContactID int64
	senderJID := m.SenderID

	if !isGroup {
		// The remote party of a direct chat is the conversation id; for our
		// own messages the push name is ours, not theirs.
		s := identity.Sender{ID: m.ConversationID}
		if !m.FromMe {
			s.PushName = m.PushName
			if m.SenderAltID != "" && (m.SenderID == "" || m.SenderID == m.ConversationID) {
				s.AltID = m.SenderAltID
			}
		}
		c, _, err := e.ids.Resolve(ctx, account, s)
		if err != nil {
			return false, errs.Dependency("resolve contact", m.ID, err)
		}
		convJID = c.JID
		contactID = c.ID
		if !m.FromMe {
			senderContactID = c.ID
			senderJID = c.JID
		}
	} else if !m.FromMe && m.SenderID != "" {
		c, _, err := e.ids.Resolve(ctx, account, identity.Sender{ID: m.SenderID, AltID: m.SenderAltID, PushName: m.PushName})
		if err != nil {
			return false, errs.Dependency("resolve sender", m.ID, err)
		}
		senderContactID = c.ID
		senderJID = c.JID
	}

	ts := m.Timestamp.UnixMilli()
	unread := 0
	if !m.FromMe && kind != conn.BatchHistory {
		unread = 1
	}
	convID, err := e.db.UpsertConversation(ctx, &store.Conversation{
		AccountID:          account,
		JID:                convJID,
		ContactID:          contactID,
		IsGroup:            isGroup,
		UnreadCount:        unread,
		LastMessageAt:      ts,
		LastMessagePreview: m.Content.Preview(previewLen),
	})
	if err != nil {
		return false, errs.Dependency("upsert conversation", m.ID, err)
	}

	status := conn.StatusReceived
	if m.FromMe {
		status = conn.StatusSent
	}
	inserted, err := e.db.InsertMessage(ctx, &store.Message{
		AccountID:       account,
		ConversationID:  convID,
		ExternalID:      m.ID,
		SenderJID:       senderJID,
		SenderContactID: senderContactID,
		SenderName:      m.PushName,
		ContentType:     string(m.Content.Type),
		Content:         m.Content.Text,
		MediaURL:        m.Content.MediaURL,
		MimeType:        m.Content.MimeType,
		QuotedID:        m.Content.QuotedID,
		FromMe:          m.FromMe,
		Status:          string(status),
		Timestamp:       ts,
	})
	if err != nil {
		return false, errs.Dependency("insert message", m.ID, err)
	}
	if !inserted || kind == conn.BatchHistory {
		return inserted, nil
	}

	e.bus.Publish(bus.Event{
		Kind:    bus.KindMessageNew,
		Account: account,
		Payload: MessageNew{
			ConversationID:  convID,
			ConversationJID: convJID,
			ExternalID:      m.ID,
			SenderJID:       senderJID,
			SenderContactID: senderContactID,
			PushName:        m.PushName,
			FromMe:          m.FromMe,
			IsGroup:         isGroup,
			Content:         m.Content,
			Timestamp:       m.Timestamp,
			Batch:           kind,
		},
	})
	return true, nil
}

// RecordSent persists a message this account sent and registers it in the
// message cache so retry requests for it can be answered. The id is marked
// seen so the protocol echo of our own send is filtered.
func (e *Engine) RecordSent(ctx context.Context, account, recipient string, content conn.Content, res conn.SendResult) error {
	if res.ExternalID == "" {
		return nil
	}
	e.messages.Store(account, recipient, res.ExternalID, res.Raw, content)
	if !e.dedup.TryMark(account, res.ExternalID) {
		return nil
	}
	ts := res.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := e.ingest(ctx, account, conn.BatchLive, &conn.InboundMessage{
		ID:             res.ExternalID,
		ConversationID: recipient,
		FromMe:         true,
		IsGroup:        conn.IsGroupJID(recipient),
		Timestamp:      ts,
		Content:        content,
	})
	if err != nil {
		e.dedup.Unmark(account, res.ExternalID)
		return err
	}
	// Replying means the conversation has been read.
	if err := e.db.MarkConversationRead(ctx, account, recipient); err != nil {
		e.logger.Warn("failed to clear unread count", zap.String("account", account), zap.Error(err))
	}
	return nil
}

// HandleStatusUpdates applies delivery statuses. Several updates for one id
// within the batch collapse to the highest ranked; the store only ever moves
// a status forward.
func (e *Engine) HandleStatusUpdates(ctx context.Context, account string, batch conn.StatusBatch) (int, error) {
	best := make(map[string]conn.StatusUpdate, len(batch.Updates))
	var order []string
	for _, u := range batch.Updates {
		if u.ExternalID == "" || u.Status.Rank() == 0 {
			continue
		}
		prev, ok := best[u.ExternalID]
		if !ok {
			order = append(order, u.ExternalID)
		}
		if !ok || u.Status.Rank() > prev.Status.Rank() {
			best[u.ExternalID] = u
		}
	}

	var failed []error
	applied := 0
	for _, id := range order {
		u := best[id]
		changed, err := e.db.UpdateMessageStatus(ctx, account, id, string(u.Status), u.Status.Rank())
		if err != nil {
			failed = append(failed, errs.Dependency("update status", id, err))
			e.logger.Error("failed to update status", zap.String("account", account), zap.String("external_id", id), zap.Error(err))
			continue
		}
		if !changed {
			continue
		}
		applied++
		e.bus.Publish(bus.Event{
			Kind:    bus.KindMessageStatus,
			Account: account,
			Payload: StatusChanged{ExternalID: id, Status: u.Status},
		})
	}
	return applied, errors.Join(failed...)
}

// HandleEdits replaces message content. Edits for messages never stored are
// ignored.
func (e *Engine) HandleEdits(ctx context.Context, account string, batch conn.EditBatch) (int, error) {
	var failed []error
	applied := 0
	for _, ed := range batch.Edits {
		if ed.ExternalID == "" {
			continue
		}
		changed, err := e.db.EditMessage(ctx, account, ed.ExternalID, string(ed.Content.Type), ed.Content.Text)
		if err != nil {
			failed = append(failed, errs.Dependency("edit message", ed.ExternalID, err))
			e.logger.Error("failed to edit message", zap.String("account", account), zap.String("external_id", ed.ExternalID), zap.Error(err))
			continue
		}
		if !changed {
			continue
		}
		applied++
		e.messages.Store(account, ed.ConversationID, ed.ExternalID, nil, ed.Content)
		e.bus.Publish(bus.Event{
			Kind:    bus.KindMessageEdited,
			Account: account,
			Payload: MessageEdited{ExternalID: ed.ExternalID, Content: ed.Content},
		})
	}
	return applied, errors.Join(failed...)
}

// HandleReactions stores reactions keyed by (message, reactor). An empty
// emoji removes the reactor's reaction.
func (e *Engine) HandleReactions(ctx context.Context, account string, batch conn.ReactionBatch) (int, error) {
	var failed []error
	applied := 0
	for _, r := range batch.Reactions {
		if r.ExternalID == "" || r.ReactorID == "" {
			continue
		}
		if err := e.db.UpsertReaction(ctx, &store.Reaction{
			AccountID:  account,
			ExternalID: r.ExternalID,
			ReactorJID: r.ReactorID,
			Emoji:      r.Emoji,
			Timestamp:  r.Timestamp.UnixMilli(),
		}); err != nil {
			failed = append(failed, errs.Dependency("upsert reaction", r.ExternalID, err))
			e.logger.Error("failed to store reaction", zap.String("account", account), zap.String("external_id", r.ExternalID), zap.Error(err))
			continue
		}
		applied++
		e.bus.Publish(bus.Event{
			Kind:    bus.KindMessageReaction,
			Account: account,
			Payload: ReactionChanged{ExternalID: r.ExternalID, ReactorJID: r.ReactorID, Emoji: r.Emoji},
		})
	}
	return applied, errors.Join(failed...)
}

// HandleGroupParticipants patches the cached participant list in place.
func (e *Engine) HandleGroupParticipants(account string, ev conn.GroupParticipants) {
	cached := e.groups.ApplyParticipants(account, ev.ConversationID, ev.Action, ev.Participants)
	e.bus.Publish(bus.Event{
		Kind:    bus.KindGroupParticipants,
		Account: account,
		Payload: GroupParticipantsChanged{
			ConversationID: ev.ConversationID,
			Action:         ev.Action,
			Participants:   ev.Participants,
			Cached:         cached,
		},
	})
}

// HandleGroupUpdate merges changed fields into cached metadata and renames
// the stored conversation when the subject changed.
func (e *Engine) HandleGroupUpdate(ctx context.Context, account string, ev conn.GroupUpdate) error {
	e.groups.Update(account, ev.ConversationID, groupcache.Partial{Subject: ev.Subject, Description: ev.Description})
	var err error
	if ev.Subject != nil && *ev.Subject != "" {
		if _, uerr := e.db.UpsertConversation(ctx, &store.Conversation{
			AccountID: account,
			JID:       ev.ConversationID,
			IsGroup:   true,
			Name:      *ev.Subject,
		}); uerr != nil {
			err = errs.Dependency("rename group", ev.ConversationID, uerr)
		}
	}
	e.bus.Publish(bus.Event{
		Kind:    bus.KindGroupUpdated,
		Account: account,
		Payload: GroupUpdated{ConversationID: ev.ConversationID, Subject: ev.Subject, Description: ev.Description},
	})
	return err
}

// HandleLIDMapping records a protocol-announced identifier pair and merges
// the matching contacts.
func (e *Engine) HandleLIDMapping(ctx context.Context, account string, ev conn.LIDMapping) error {
	if _, err := e.ids.Learn(ctx, account, ev.LID, ev.PN); err != nil {
		return errs.Dependency("learn lid mapping", ev.LID, err)
	}
	return nil
}

// HistoryCursor exposes the stored history checkpoint.
func (e *Engine) HistoryCursor(ctx context.Context, account string) (int64, error) {
	return e.reconciler.HistoryCursor(ctx, account)
}
