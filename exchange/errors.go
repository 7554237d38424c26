package exchange

import (
	"errors"
	"fmt"

	"github.com/academy-project/academy/identity"
)

var (
	// ErrMailboxNotFound is returned when a destination identifier was
	// never registered with the exchange. Permanent; not retried.
	ErrMailboxNotFound = errors.New("mailbox not found")

	// ErrMailboxTerminated is the sentinel matched by TerminatedError
	// values via errors.Is.
	ErrMailboxTerminated = errors.New("mailbox terminated")

	// ErrNoActiveExchange is returned when an action is invoked through
	// a handle with no bound client and no client in the ambient context.
	// This is a programming error on the calling side.
	ErrNoActiveExchange = errors.New("no active exchange client")

	// ErrTimeout is returned when a per-call timeout or a receive timeout
	// elapses. Local to the one call; the mailbox is unaffected.
	ErrTimeout = errors.New("timeout")

	// ErrClientClosed is returned when using an exchange client after
	// Close.
	ErrClientClosed = errors.New("exchange client closed")

	// ErrMailboxBound is returned when binding an identifier that is
	// already bound to a different live connection.
	ErrMailboxBound = errors.New("mailbox already bound to a live connection")
)

// ErrAlreadyBound wraps ErrMailboxBound with the offending identifier.
func ErrAlreadyBound(id identity.EntityID) error {
	return fmt.Errorf("%w: %s", ErrMailboxBound, id)
}

// TerminatedError reports that an entity's mailbox was terminated. The
// role of the identifier tells which side closed: an agent target yields
// an agent-terminated failure, a user target a user-terminated one.
//
// TerminatedError matches ErrMailboxTerminated with errors.Is.
type TerminatedError struct {
	ID identity.EntityID
}

func (e TerminatedError) Error() string {
	if e.ID.Role == identity.RoleAgent {
		return fmt.Sprintf("agent terminated: mailbox for %s is closed", e.ID)
	}
	return fmt.Sprintf("user terminated: mailbox for %s is closed", e.ID)
}

// Is makes errors.Is(err, ErrMailboxTerminated) succeed for any
// TerminatedError.
func (e TerminatedError) Is(target error) bool {
	return target == ErrMailboxTerminated
}

// IsAgentTerminated reports whether err is a termination error for an
// agent mailbox.
func IsAgentTerminated(err error) bool {
	var te TerminatedError
	return errors.As(err, &te) && te.ID.Role == identity.RoleAgent
}

// IsUserTerminated reports whether err is a termination error for a user
// mailbox.
func IsUserTerminated(err error) bool {
	var te TerminatedError
	return errors.As(err, &te) && te.ID.Role == identity.RoleUser
}

// RemoteError reports that a remotely invoked action raised. It carries
// the remote failure's description and is surfaced to the caller as the
// invocation's result.
type RemoteError struct {
	Action string
	Desc   string
}

func (e RemoteError) Error() string {
	return fmt.Sprintf("remote action %q failed: %s", e.Action, e.Desc)
}

// NotFoundError wraps ErrMailboxNotFound with the offending identifier.
func NotFoundError(id identity.EntityID) error {
	return fmt.Errorf("%w: %s", ErrMailboxNotFound, id)
}
