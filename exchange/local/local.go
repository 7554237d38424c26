// Package local provides an in-process exchange backend. Mailboxes live
// in memory and messages move over channels, making it the natural
// backend for single-binary deployments and for tests of the transport
// contract.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/academy-project/academy/exchange"
	"github.com/academy-project/academy/identity"
	"github.com/academy-project/academy/message"
)

const defaultBufferSize = 100

// Exchange holds the shared mailbox state. It implements
// exchange.Factory, so it can be handed directly to clients and
// runtimes. All operations against any one identifier are serialized by
// the exchange mutex.
type Exchange struct {
	mu        sync.Mutex
	mailboxes map[identity.EntityID]*mailbox
	buffer    int
	log       zerolog.Logger
}

// Option configures an Exchange.
type Option func(*Exchange)

// WithBufferSize sets the per-mailbox queue capacity.
func WithBufferSize(n int) Option {
	return func(e *Exchange) {
		if n > 0 {
			e.buffer = n
		}
	}
}

// WithLogger sets the exchange logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Exchange) { e.log = log }
}

// NewExchange creates an empty in-process exchange.
func NewExchange(opts ...Option) *Exchange {
	e := &Exchange{
		mailboxes: make(map[identity.EntityID]*mailbox),
		buffer:    defaultBufferSize,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type mailbox struct {
	msgs  chan message.Message
	term  chan struct{}
	once  sync.Once
	bound bool
}

func (m *mailbox) terminated() bool {
	select {
	case <-m.term:
		return true
	default:
		return false
	}
}

// Bind opens a transport connection for id, creating the mailbox if it
// does not exist. Binding fails if the mailbox is terminated or already
// bound to another live connection.
func (e *Exchange) Bind(ctx context.Context, id identity.EntityID) (exchange.Transport, error) {
	key := id.Key()
	e.mu.Lock()
	defer e.mu.Unlock()
	mb, ok := e.mailboxes[key]
	if !ok {
		mb = &mailbox{
			msgs: make(chan message.Message, e.buffer),
			term: make(chan struct{}),
		}
		e.mailboxes[key] = mb
		e.log.Debug().Stringer("id", id).Msg("created mailbox")
	}
	if mb.terminated() {
		return nil, exchange.TerminatedError{ID: id}
	}
	if mb.bound {
		return nil, exchange.ErrAlreadyBound(id)
	}
	mb.bound = true
	return &transport{exchange: e, id: id, mailbox: mb}, nil
}

func (e *Exchange) lookup(id identity.EntityID) (*mailbox, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mb, ok := e.mailboxes[id.Key()]
	return mb, ok
}

// send delivers a message to its destination mailbox, blocking while the
// destination queue is full so per-source ordering is preserved.
func (e *Exchange) send(ctx context.Context, msg message.Message) error {
	mb, ok := e.lookup(msg.Dest)
	if !ok {
		return exchange.NotFoundError(msg.Dest)
	}
	if mb.terminated() {
		return exchange.TerminatedError{ID: msg.Dest}
	}
	select {
	case mb.msgs <- msg:
		// A concurrent terminate may have finished its drain between the
		// liveness check and the enqueue, leaving this message stranded
		// with no receiver and no bounce. Re-check and drain so the
		// sender's pending call can never hang on it.
		if mb.terminated() {
			e.drain(msg.Dest, mb)
			return exchange.TerminatedError{ID: msg.Dest}
		}
		return nil
	case <-mb.term:
		return exchange.TerminatedError{ID: msg.Dest}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminate transitions a mailbox to terminated, releases blocked
// receivers, and bounces still-queued requests back to their senders as
// terminated responses so pending callers resolve.
func (e *Exchange) terminate(id identity.EntityID) {
	mb, ok := e.lookup(id)
	if !ok {
		return
	}
	mb.once.Do(func() {
		close(mb.term)
		e.log.Debug().Stringer("id", id).Msg("terminated mailbox")
		e.drain(id, mb)
	})
}

// drain empties a terminated mailbox, bouncing each queued request back
// to its sender. Concurrent drains are safe: every message is received
// by exactly one of them.
func (e *Exchange) drain(id identity.EntityID, mb *mailbox) {
	for {
		select {
		case queued := <-mb.msgs:
			e.bounce(id, queued)
		default:
			return
		}
	}
}

// bounce answers a request stranded in a terminated mailbox with a
// terminated error response. Non-request kinds are dropped.
func (e *Exchange) bounce(id identity.EntityID, queued message.Message) {
	if !queued.Kind.IsRequest() || queued.Kind == message.KindShutdown {
		return
	}
	reply := queued.ErrorResponse(message.CodeTerminated, exchange.TerminatedError{ID: id})
	src, ok := e.lookup(queued.Src)
	if !ok || src.terminated() {
		return
	}
	select {
	case src.msgs <- reply:
	default:
		e.log.Warn().Stringer("src", queued.Src).Msg("dropping terminated bounce: source mailbox full")
	}
}

func (e *Exchange) status(id identity.EntityID) exchange.MailboxStatus {
	mb, ok := e.lookup(id)
	switch {
	case !ok:
		return exchange.MailboxMissing
	case mb.terminated():
		return exchange.MailboxTerminated
	default:
		return exchange.MailboxActive
	}
}

// transport is one bound connection to the exchange.
type transport struct {
	exchange *Exchange
	id       identity.EntityID
	mailbox  *mailbox

	mu     sync.Mutex
	closed bool
}

var _ exchange.Transport = (*transport)(nil)

func (t *transport) MailboxID() identity.EntityID { return t.id }

func (t *transport) Send(ctx context.Context, msg message.Message) error {
	return t.exchange.send(ctx, msg)
}

func (t *transport) Recv(ctx context.Context, timeout time.Duration) (message.Message, error) {
	// Drained-before-terminated: a message already queued wins over a
	// concurrent termination, but once the queue is empty termination is
	// reported exactly once per blocked receiver.
	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}
	select {
	case msg := <-t.mailbox.msgs:
		return msg, nil
	default:
	}
	select {
	case msg := <-t.mailbox.msgs:
		return msg, nil
	case <-t.mailbox.term:
		return message.Message{}, exchange.TerminatedError{ID: t.id}
	case <-timer:
		return message.Message{}, exchange.ErrTimeout
	case <-ctx.Done():
		return message.Message{}, ctx.Err()
	}
}

func (t *transport) Status(ctx context.Context, id identity.EntityID) (exchange.MailboxStatus, error) {
	return t.exchange.status(id), nil
}

func (t *transport) Terminate(ctx context.Context, id identity.EntityID) error {
	t.exchange.terminate(id)
	return nil
}

func (t *transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.exchange.mu.Lock()
	t.mailbox.bound = false
	t.exchange.mu.Unlock()
	return nil
}
