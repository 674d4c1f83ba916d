// Package identity reconciles the two identifier kinds (LID and phone
// number) a remote contact can appear under. It only ever merges contacts;
// once two records are folded together they are never split again.
package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/contactevin2u/chatunclev2-sub001/internal/conn"
	"github.com/contactevin2u/chatunclev2-sub001/internal/logging"
	"github.com/contactevin2u/chatunclev2-sub001/internal/store"
)

// MinNameLength is the shortest display name the same-name heuristic trusts.
const MinNameLength = 4

// Store is the contact and mapping persistence the resolver needs.
type Store interface {
	FindContact(ctx context.Context, account, jid string) (*store.Contact, error)
	GetContactByID(ctx context.Context, id int64) (*store.Contact, error)
	InsertContact(ctx context.Context, c *store.Contact) (*store.Contact, error)
	UpdatePushName(ctx context.Context, id int64, pushName string) error
	SetAltJID(ctx context.Context, id int64, alt string) error
	ContactsByName(ctx context.Context, account, name string, lidKind bool) ([]store.Contact, error)
	MergeContacts(ctx context.Context, survivorID, duplicateID int64) error
	SaveLIDMapping(ctx context.Context, account string, m store.LIDMapping) error
	PNForLID(ctx context.Context, account, lid string) (string, error)
	LIDForPN(ctx context.Context, account, pn string) (string, error)
}

// Sender identifies the author of an inbound event.
type Sender struct {
	ID       string
	AltID    string
	PushName string
}

// Method records how a sender was resolved.
type Method string

const (
	MethodKnown    Method = "known"
	MethodProtocol Method = "protocol"
	MethodStored   Method = "stored"
	MethodName     Method = "name"
	MethodCreated  Method = "created"
)

// Resolver serializes resolution per account so concurrent events from the
// same person cannot race each other into duplicate records.
type Resolver struct {
	store  Store
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Resolver.
func New(st Store, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:  st,
		logger: logging.OrNop(logger).Named("identity"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (r *Resolver) lock(account string) func() {
	r.mu.Lock()
	l, ok := r.locks[account]
	if !ok {
		l = &sync.Mutex{}
		r.locks[account] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Resolve returns the canonical contact for s, trying in order the
// protocol-provided alternate, a stored mapping and the same-name heuristic
// before creating a new contact.
func (r *Resolver) Resolve(ctx context.Context, account string, s Sender) (*store.Contact, Method, error) {
	if s.ID == "" {
		return nil, "", fmt.Errorf("resolve sender: empty id")
	}
	defer r.lock(account)()

	if s.AltID != "" && isLID(s.ID) != isLID(s.AltID) {
		c, err := r.learn(ctx, account, s.ID, s.AltID)
		if err != nil {
			return nil, "", err
		}
		return r.withPushName(ctx, c, s.PushName), MethodProtocol, nil
	}

	c, err := r.store.FindContact(ctx, account, s.ID)
	if err != nil {
		return nil, "", err
	}
	if c != nil {
		return r.withPushName(ctx, c, s.PushName), MethodKnown, nil
	}

	other, err := r.storedAlt(ctx, account, s.ID)
	if err != nil {
		return nil, "", err
	}
	if other != "" {
		c, err := r.learn(ctx, account, s.ID, other)
		if err != nil {
			return nil, "", err
		}
		return r.withPushName(ctx, c, s.PushName), MethodStored, nil
	}

	if match, err := r.byName(ctx, account, s); err != nil {
		return nil, "", err
	} else if match != nil {
		c, err := r.learn(ctx, account, s.ID, match.JID)
		if err != nil {
			return nil, "", err
		}
		r.logger.Info("contact matched by display name",
			zap.String("account", account),
			zap.String("jid", s.ID),
			zap.String("matched", match.JID),
		)
		return r.withPushName(ctx, c, s.PushName), MethodName, nil
	}

	c, err = r.store.InsertContact(ctx, &store.Contact{AccountID: account, JID: s.ID, PushName: s.PushName})
	if err != nil {
		return nil, "", err
	}
	return c, MethodCreated, nil
}

// Learn records that a and b (one LID, one phone number) are the same person
// and merges their contact records if both exist. The phone-number record
// survives.
func (r *Resolver) Learn(ctx context.Context, account, a, b string) (*store.Contact, error) {
	if a == "" || b == "" || isLID(a) == isLID(b) {
		return nil, fmt.Errorf("learn mapping %q/%q: need one lid and one phone jid", a, b)
	}
	defer r.lock(account)()
	return r.learn(ctx, account, a, b)
}

func (r *Resolver) learn(ctx context.Context, account, a, b string) (*store.Contact, error) {
	lid, pn := a, b
	if !isLID(lid) {
		lid, pn = b, a
	}
	if err := r.store.SaveLIDMapping(ctx, account, store.LIDMapping{LID: lid, PN: pn}); err != nil {
		return nil, err
	}

	pc, err := r.store.FindContact(ctx, account, pn)
	if err != nil {
		return nil, err
	}
	lc, err := r.store.FindContact(ctx, account, lid)
	if err != nil {
		return nil, err
	}

	switch {
	case pc == nil && lc == nil:
		return r.store.InsertContact(ctx, &store.Contact{AccountID: account, JID: pn, AltJID: lid})
	case pc == nil:
		if err := r.store.SetAltJID(ctx, lc.ID, pn); err != nil {
			return nil, fmt.Errorf("set alt jid: %w", err)
		}
		return r.store.GetContactByID(ctx, lc.ID)
	case lc == nil:
		if err := r.store.SetAltJID(ctx, pc.ID, lid); err != nil {
			return nil, fmt.Errorf("set alt jid: %w", err)
		}
		return r.store.GetContactByID(ctx, pc.ID)
	case pc.ID == lc.ID:
		return pc, nil
	}

	// Prefer the record whose primary jid is the phone number.
	survivor, dup := pc, lc
	if isLID(pc.JID) && !isLID(lc.JID) {
		survivor, dup = lc, pc
	}
	if err := r.store.MergeContacts(ctx, survivor.ID, dup.ID); err != nil {
		return nil, fmt.Errorf("merge contacts: %w", err)
	}
	r.logger.Info("merged duplicate contacts",
		zap.String("account", account),
		zap.Int64("survivor", survivor.ID),
		zap.Int64("duplicate", dup.ID),
		zap.String("lid", lid),
		zap.String("pn", pn),
	)
	return r.store.GetContactByID(ctx, survivor.ID)
}

func (r *Resolver) storedAlt(ctx context.Context, account, jid string) (string, error) {
	if isLID(jid) {
		return r.store.PNForLID(ctx, account, jid)
	}
	return r.store.LIDForPN(ctx, account, jid)
}

// byName looks for exactly one contact of the other identifier kind with the
// same display name and no alternate learned yet.
func (r *Resolver) byName(ctx context.Context, account string, s Sender) (*store.Contact, error) {
	name := strings.TrimSpace(s.PushName)
	if utf8.RuneCountInString(name) < MinNameLength {
		return nil, nil
	}
	candidates, err := r.store.ContactsByName(ctx, account, name, !isLID(s.ID))
	if err != nil {
		return nil, err
	}
	if len(candidates) != 1 {
		return nil, nil
	}
	return &candidates[0], nil
}

func (r *Resolver) withPushName(ctx context.Context, c *store.Contact, pushName string) *store.Contact {
	if c == nil || pushName == "" || c.PushName == pushName {
		return c
	}
	if err := r.store.UpdatePushName(ctx, c.ID, pushName); err != nil {
		r.logger.Warn("failed to update push name", zap.Int64("contact", c.ID), zap.Error(err))
		return c
	}
	c.PushName = pushName
	return c
}

func isLID(jid string) bool { return conn.IsLIDJID(jid) }
