package session

import (
	"context"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/contactevin2u/chatunclev2-sub001/internal/bus"
	"github.com/contactevin2u/chatunclev2-sub001/internal/conn"
	"github.com/contactevin2u/chatunclev2-sub001/internal/status"
	intsync "github.com/contactevin2u/chatunclev2-sub001/internal/sync"
)

const qrSize = 256

// pump consumes one connection's event stream until the stream closes or
// the session is cancelled.
func (m *Manager) pump(s *Session, events <-chan conn.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			m.drain(s, events)
			return
		case ev, ok := <-events:
			if !ok {
				if !s.closing.Load() && m.current(s) {
					m.handleClose(s, conn.Disconnected{Reason: conn.CloseConnectionLost})
				}
				return
			}
			m.handle(s, ev)
		}
	}
}

// drain saves credential updates still buffered after teardown began.
func (m *Manager) drain(s *Session, events <-chan conn.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if cu, ok := ev.(conn.CredentialsUpdate); ok {
				m.saveCredentials(s, cu)
			}
		default:
			return
		}
	}
}

func (m *Manager) handle(s *Session, ev conn.Event) {
	if s.closing.Load() || !m.current(s) {
		if cu, ok := ev.(conn.CredentialsUpdate); ok {
			m.saveCredentials(s, cu)
		}
		return
	}

	switch ev := ev.(type) {
	case conn.MessagesBatch:
		m.health.RecordInbound(s.account)
		if ev.Kind == conn.BatchHistory {
			s.history.push(ev)
			return
		}
		st, err := m.engine.HandleMessages(s.ctx, s.account, ev)
		if err != nil {
			s.logger.Error("message batch failed", zap.Stringer("kind", ev.Kind), zap.Error(err))
		}
		if ev.Kind == conn.BatchLive {
			m.markRead(s, st.Persisted)
		}
	case conn.StatusBatch:
		m.health.RecordInbound(s.account)
		if _, err := m.engine.HandleStatusUpdates(s.ctx, s.account, ev); err != nil {
			s.logger.Warn("status updates partially failed", zap.Error(err))
		}
	case conn.EditBatch:
		m.health.RecordInbound(s.account)
		if _, err := m.engine.HandleEdits(s.ctx, s.account, ev); err != nil {
			s.logger.Warn("edits partially failed", zap.Error(err))
		}
	case conn.ReactionBatch:
		m.health.RecordInbound(s.account)
		if _, err := m.engine.HandleReactions(s.ctx, s.account, ev); err != nil {
			s.logger.Warn("reactions partially failed", zap.Error(err))
		}
	case conn.GroupParticipants:
		m.health.RecordInbound(s.account)
		m.engine.HandleGroupParticipants(s.account, ev)
	case conn.GroupUpdate:
		m.health.RecordInbound(s.account)
		if err := m.engine.HandleGroupUpdate(s.ctx, s.account, ev); err != nil {
			s.logger.Warn("group update failed", zap.Error(err))
		}
	case conn.LIDMapping:
		if err := m.engine.HandleLIDMapping(s.ctx, s.account, ev); err != nil {
			s.logger.Warn("lid mapping failed", zap.String("lid", ev.LID), zap.Error(err))
		}
	case conn.CredentialsUpdate:
		m.saveCredentials(s, ev)
	case conn.QRCode:
		m.publishQR(s, ev)
	case conn.PairSuccess:
		if s.machine.Current() == status.QRPending {
			_ = s.machine.Transition(status.Connecting)
		}
		if err := m.store.SetPhone(context.Background(), s.account, ev.ID); err != nil {
			s.logger.Warn("failed to store paired id", zap.Error(err))
		}
		s.logger.Info("pairing succeeded", zap.String("device", ev.ID))
	case conn.QRTimeout:
		m.handleClose(s, conn.Disconnected{Reason: conn.CloseQRTimeout})
	case conn.Connected:
		m.handleConnected(s)
	case conn.SyncComplete:
		m.ready(s, "initial sync complete")
	case conn.KeepAliveTimeout:
		m.health.Record(s.account, false)
		s.logger.Debug("keepalive timeout", zap.Int("failures", ev.Failures))
	case conn.Disconnected:
		m.handleClose(s, ev)
	}
}

func (m *Manager) handleConnected(s *Session) {
	if s.machine.Current() == status.QRPending {
		_ = s.machine.Transition(status.Connecting)
	}
	if s.machine.Current() != status.Connected {
		if err := s.machine.Transition(status.Connected); err != nil {
			s.logger.Warn("unexpected connected event", zap.Error(err))
			return
		}
	}
	m.reconnect.RecordSuccess(s.account)
	m.health.Track(s.account, s.client)
	s.logger.Info("session connected")

	// Not every connection reports the end of its offline sync.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(m.cfg.ReadyFallback)
		defer t.Stop()
		select {
		case <-t.C:
			if !s.closing.Load() && m.current(s) {
				m.ready(s, "ready fallback elapsed")
			}
		case <-s.ready:
		case <-s.ctx.Done():
		}
	}()
}

func (m *Manager) ready(s *Session, why string) {
	if s.machine.Current() != status.Connected {
		return
	}
	if s.markReady() {
		s.logger.Info("session ready", zap.String("trigger", why))
	}
}

// handleClose reacts to the end of a connection: terminal closes purge
// credentials, transient ones schedule a reconnect.
func (m *Manager) handleClose(s *Session, ev conn.Disconnected) {
	if m.detach(s.account, s) == nil {
		return
	}
	s.closing.Store(true)
	s.cancel()
	s.client.Disconnect()
	m.health.Untrack(s.account)

	fields := []zap.Field{zap.String("reason", string(ev.Reason))}
	if ev.Err != nil {
		fields = append(fields, zap.Error(ev.Err))
	}
	if m.guarded(s.account) {
		s.logger.Debug("close ignored inside deletion guard", fields...)
		s.machine.Settle()
		return
	}

	if ev.Reason.Terminal() {
		s.logger.Warn("session terminated remotely, purging credentials", fields...)
		m.reconnect.Cancel(s.account)
		m.queues.Remove(s.account)
		m.messages.Clear(s.account)
		m.groups.Clear(s.account)
		if err := m.store.PurgeCredentials(context.Background(), s.account); err != nil {
			s.logger.Error("failed to purge credentials", zap.Error(err))
		}
		s.machine.Settle()
		m.bus.Publish(bus.Event{
			Kind:    bus.KindLoggedOut,
			Account: s.account,
			Payload: LoggedOut{Reason: ev.Reason},
		})
		return
	}

	s.logger.Info("connection closed", fields...)
	s.machine.Settle()
	if !ev.Reason.ShouldReconnect() {
		return
	}
	if _, err := m.reconnect.Schedule(s.account, string(ev.Reason)); err != nil {
		s.logger.Warn("reconnect not scheduled", zap.Error(err))
	}
}

func (m *Manager) saveCredentials(s *Session, ev conn.CredentialsUpdate) {
	if err := m.store.SaveCredentials(context.Background(), s.account, ev.Credentials); err != nil {
		s.logger.Error("failed to save credentials", zap.Error(err))
	}
}

func (m *Manager) publishQR(s *Session, ev conn.QRCode) {
	if s.machine.Current() == status.Connecting {
		_ = s.machine.Transition(status.QRPending)
	}
	png, err := qrcode.Encode(ev.Code, qrcode.Medium, qrSize)
	if err != nil {
		s.logger.Warn("failed to render qr code", zap.Error(err))
	}
	m.bus.Publish(bus.Event{
		Kind:    bus.KindQR,
		Account: s.account,
		Payload: QR{Code: ev.Code, PNG: png, Timeout: ev.Timeout},
	})
}

// historyTask ingests history batches off the event pump so live traffic is
// never stuck behind a backfill.
func (m *Manager) historyTask(s *Session) {
	defer s.wg.Done()
	for {
		for {
			b, ok := s.history.pop()
			if !ok {
				break
			}
			if s.ctx.Err() != nil {
				return
			}
			st, err := m.engine.HandleMessages(s.ctx, s.account, b)
			if err != nil {
				s.logger.Warn("history batch failed", zap.Error(err))
				continue
			}
			s.logger.Debug("history batch done",
				zap.Int("received", st.Received),
				zap.Int("stored", st.Stored),
				zap.Int("queued", s.history.len()),
			)
		}
		select {
		case <-s.ctx.Done():
			return
		case <-s.history.wake:
		}
	}
}

// markRead sends read receipts for freshly stored inbound messages unless
// the account is incognito.
func (m *Manager) markRead(s *Session, persisted []intsync.Stored) {
	if !m.cfg.AutoMarkRead || s.incognito.Load() || len(persisted) == 0 {
		return
	}
	type key struct{ conversation, sender string }
	var order []key
	ids := make(map[key][]string)
	for _, p := range persisted {
		if p.FromMe {
			continue
		}
		k := key{p.ConversationID, p.SenderID}
		if _, ok := ids[k]; !ok {
			order = append(order, k)
		}
		ids[k] = append(ids[k], p.ExternalID)
	}
	for _, k := range order {
		if err := s.client.MarkRead(s.ctx, k.conversation, k.sender, ids[k]); err != nil {
			s.logger.Debug("mark read failed", zap.String("conversation", k.conversation), zap.Error(err))
		}
	}
}
