// Package exchange provides the messaging layer of a multi-agent system:
// the transport contract implemented by exchange backends, the clients
// that bind one entity to one transport connection, and the handles used
// to invoke actions on remote agents.
package exchange

import (
	"context"
	"time"

	"github.com/academy-project/academy/identity"
	"github.com/academy-project/academy/message"
)

// MailboxStatus reports the liveness of a mailbox in an exchange.
type MailboxStatus int

const (
	// MailboxMissing means the identifier was never registered.
	MailboxMissing MailboxStatus = iota
	// MailboxActive means the mailbox exists and accepts messages.
	MailboxActive
	// MailboxTerminated means the mailbox was closed and rejects sends.
	MailboxTerminated
)

func (s MailboxStatus) String() string {
	switch s {
	case MailboxActive:
		return "active"
	case MailboxTerminated:
		return "terminated"
	default:
		return "missing"
	}
}

// Transport is a protocol-level connection to an exchange backend, bound
// to exactly one mailbox. Implementations must serialize concurrent
// register, send, and terminate operations against any one identifier.
//
// A transport must not be shared: two connections receiving from the same
// mailbox produce undefined delivery.
type Transport interface {
	// MailboxID returns the identifier this connection is bound to.
	MailboxID() identity.EntityID

	// Send routes a message by its destination. It fails with
	// ErrMailboxNotFound if the destination was never registered and with
	// a TerminatedError if the destination mailbox is closed. Messages
	// from one source to one destination are delivered in send order.
	Send(ctx context.Context, msg message.Message) error

	// Recv blocks until the next message arrives in the bound mailbox,
	// the mailbox terminates (TerminatedError), the timeout elapses
	// (ErrTimeout), or the context is cancelled. A timeout of zero means
	// wait indefinitely.
	Recv(ctx context.Context, timeout time.Duration) (message.Message, error)

	// Status reports the liveness of any mailbox on the exchange.
	Status(ctx context.Context, id identity.EntityID) (MailboxStatus, error)

	// Terminate closes a mailbox. Further sends to it fail, blocked
	// receivers are released with a TerminatedError, and messages still
	// queued are bounced: queued requests are answered with terminated
	// error responses so pending callers resolve. Terminating a missing
	// or already terminated mailbox is a no-op.
	Terminate(ctx context.Context, id identity.EntityID) error

	// Close releases the connection. It never alters mailbox state:
	// a closed client's mailbox keeps accepting messages.
	Close() error
}

// Factory produces transport connections for a backend. Binding an
// identifier registers its mailbox if absent; binding an identifier whose
// mailbox was terminated fails with a TerminatedError.
type Factory interface {
	Bind(ctx context.Context, id identity.EntityID) (Transport, error)
}
