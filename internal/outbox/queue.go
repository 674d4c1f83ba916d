package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contactevin2u/chatunclev2-sub001/internal/bus"
	"github.com/contactevin2u/chatunclev2-sub001/internal/conn"
	"github.com/contactevin2u/chatunclev2-sub001/internal/errs"
	"github.com/contactevin2u/chatunclev2-sub001/internal/logging"
	"github.com/contactevin2u/chatunclev2-sub001/internal/store"
)

// Sender performs one protocol send.
type Sender interface {
	Send(ctx context.Context, recipient string, content conn.Content) (conn.SendResult, error)
}

// Journal is the durable outbox record of every accepted send.
type Journal interface {
	QueueOutbox(ctx context.Context, e *store.OutboxEntry) error
	MarkOutboxSending(ctx context.Context, clientMsgID string) error
	MarkOutboxSent(ctx context.Context, clientMsgID, serverMsgID string) error
	MarkOutboxFailed(ctx context.Context, clientMsgID, errMsg string) error
}

// Item is one queued send.
type Item struct {
	ClientMsgID string
	Account     string
	Recipient   string
	Content     conn.Content
	Priority    int
	Bulk        bool
	EnqueuedAt  time.Time
}

// Result is the outcome of a send.
type Result struct {
	Item Item
	Sent conn.SendResult
	Err  error
}

// Ticket lets the caller observe the outcome of an enqueued item.
type Ticket struct {
	ClientMsgID string
	done        chan Result
}

// Done is closed after the single Result has been delivered.
func (t *Ticket) Done() <-chan Result { return t.done }

// Wait blocks until the item is sent or failed, or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-t.done:
		return r, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Bus payloads.
type (
	Queued struct {
		ClientMsgID string
		Recipient   string
		Depth       int
	}
	SendAck struct {
		ClientMsgID string
		ServerMsgID string
		Recipient   string
	}
	SendFailed struct {
		ClientMsgID string
		Recipient   string
		Error       string
	}
)

type pending struct {
	item   Item
	ticket *Ticket
}

// Queue serializes one account's sends through a single worker.
type Queue struct {
	account  string
	capacity int
	limiter  *Limiter
	sender   Sender
	journal  Journal
	bus      bus.Publisher
	logger   *zap.Logger
	onResult func(Result)

	mu     sync.Mutex
	items  []*pending
	closed bool
	wake   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// QueueOptions configures a Queue.
type QueueOptions struct {
	Capacity int
	Limiter  *Limiter
	Sender   Sender
	Journal  Journal
	Bus      bus.Publisher
	Logger   *zap.Logger
	// OnResult runs on the worker after every successful or failed send.
	OnResult func(Result)
}

// NewQueue creates a queue and starts its worker.
func NewQueue(account string, opts QueueOptions) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	b := opts.Bus
	if b == nil {
		b = bus.Nop{}
	}
	q := &Queue{
		account:  account,
		capacity: opts.Capacity,
		limiter:  opts.Limiter,
		sender:   opts.Sender,
		journal:  opts.Journal,
		bus:      b,
		logger:   logging.OrNop(opts.Logger).With(zap.String("account", account)),
		onResult: opts.OnResult,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue accepts a send or rejects it immediately with QueueFullError,
// RateLimitedError or ErrShuttingDown. Higher priority items are placed
// ahead of lower priority ones; equal priorities stay FIFO.
func (q *Queue) Enqueue(ctx context.Context, item Item) (*Ticket, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errs.ErrShuttingDown
	}
	if depth := len(q.items); depth >= q.capacity {
		q.mu.Unlock()
		return nil, &errs.QueueFullError{Account: q.account, Depth: depth, Limit: q.capacity}
	}
	q.mu.Unlock()

	if err := q.limiter.Admit(ctx, item.Recipient); err != nil {
		return nil, err
	}

	item.Account = q.account
	if item.ClientMsgID == "" {
		item.ClientMsgID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	if q.journal != nil {
		if err := q.journal.QueueOutbox(ctx, &store.OutboxEntry{
			AccountID:   q.account,
			ClientMsgID: item.ClientMsgID,
			Recipient:   item.Recipient,
			ContentType: string(item.Content.Type),
			Body:        item.Content.Text,
			MediaURL:    item.Content.MediaURL,
			Priority:    item.Priority,
			IsBulk:      item.Bulk,
		}); err != nil {
			q.limiter.Release(item.Recipient)
			return nil, errs.Dependency("queue outbox", item.ClientMsgID, err)
		}
	}

	t := &Ticket{ClientMsgID: item.ClientMsgID, done: make(chan Result, 1)}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.limiter.Release(item.Recipient)
		q.markFailed(item, errs.ErrShuttingDown)
		return nil, errs.ErrShuttingDown
	}
	if depth := len(q.items); depth >= q.capacity {
		q.mu.Unlock()
		q.limiter.Release(item.Recipient)
		q.markFailed(item, errors.New("queue full"))
		return nil, &errs.QueueFullError{Account: q.account, Depth: depth, Limit: q.capacity}
	}
	at := len(q.items)
	for i, p := range q.items {
		if item.Priority > p.item.Priority {
			at = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[at+1:], q.items[at:])
	q.items[at] = &pending{item: item, ticket: t}
	depth := len(q.items)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.bus.Publish(bus.Event{
		Kind:    bus.KindMessageQueued,
		Account: q.account,
		Payload: Queued{ClientMsgID: item.ClientMsgID, Recipient: item.Recipient, Depth: depth},
	})
	return t, nil
}

// Len returns the number of items waiting, excluding the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items, interrupts any pacing wait, waits for the
// worker to exit and fails whatever is still queued.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	<-q.done

	q.mu.Lock()
	left := q.items
	q.items = nil
	q.mu.Unlock()
	for _, p := range left {
		q.limiter.Release(p.item.Recipient)
		q.finish(p, conn.SendResult{}, errs.ErrShuttingDown)
	}
	if len(left) > 0 {
		q.logger.Info("send queue closed with pending items", zap.Int("failed", len(left)))
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		p := q.next()
		if p == nil {
			return
		}
		q.process(p)
	}
}

// next blocks for the next item, or returns nil once the queue is closed.
func (q *Queue) next() *pending {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		if len(q.items) > 0 {
			p := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return p
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.ctx.Done():
			return nil
		}
	}
}

func (q *Queue) process(p *pending) {
	item := p.item
	if err := q.limiter.Wait(q.ctx, item.Recipient, item.Bulk); err != nil {
		q.limiter.Release(item.Recipient)
		q.finish(p, conn.SendResult{}, errs.ErrShuttingDown)
		return
	}
	if q.journal != nil {
		if err := q.journal.MarkOutboxSending(q.ctx, item.ClientMsgID); err != nil {
			q.logger.Warn("failed to mark sending", zap.String("client_msg_id", item.ClientMsgID), zap.Error(err))
		}
	}

	res, err := q.sender.Send(q.ctx, item.Recipient, item.Content)
	if err != nil {
		q.limiter.Release(item.Recipient)
		q.finish(p, res, err)
		return
	}
	if err := q.limiter.Record(q.ctx, item.Recipient); err != nil {
		q.logger.Warn("failed to record recipient", zap.String("recipient", item.Recipient), zap.Error(err))
	}
	q.finish(p, res, nil)
}

func (q *Queue) finish(p *pending, res conn.SendResult, err error) {
	item := p.item
	ctx := context.Background()
	if err != nil {
		q.logger.Error("send failed",
			zap.String("client_msg_id", item.ClientMsgID),
			zap.String("recipient", item.Recipient),
			zap.Error(err),
		)
		q.markFailed(item, err)
		q.bus.Publish(bus.Event{
			Kind:    bus.KindSendFailed,
			Account: q.account,
			Payload: SendFailed{ClientMsgID: item.ClientMsgID, Recipient: item.Recipient, Error: err.Error()},
		})
	} else {
		if q.journal != nil {
			if jerr := q.journal.MarkOutboxSent(ctx, item.ClientMsgID, res.ExternalID); jerr != nil {
				q.logger.Warn("failed to mark sent", zap.String("client_msg_id", item.ClientMsgID), zap.Error(jerr))
			}
		}
		q.logger.Info("message sent",
			zap.String("client_msg_id", item.ClientMsgID),
			zap.String("server_msg_id", res.ExternalID),
		)
		q.bus.Publish(bus.Event{
			Kind:    bus.KindSendAck,
			Account: q.account,
			Payload: SendAck{ClientMsgID: item.ClientMsgID, ServerMsgID: res.ExternalID, Recipient: item.Recipient},
		})
	}

	r := Result{Item: item, Sent: res, Err: err}
	if q.onResult != nil {
		q.onResult(r)
	}
	p.ticket.done <- r
	close(p.ticket.done)
}

func (q *Queue) markFailed(item Item, cause error) {
	if q.journal == nil {
		return
	}
	if err := q.journal.MarkOutboxFailed(context.Background(), item.ClientMsgID, cause.Error()); err != nil {
		q.logger.Warn("failed to mark failed", zap.String("client_msg_id", item.ClientMsgID), zap.Error(err))
	}
}
