package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/academy-project/academy/identity"
	"github.com/academy-project/academy/internal/observability"
	"github.com/academy-project/academy/message"
)

// callResult resolves one pending call: a serialized payload on success
// or a typed error.
type callResult struct {
	payload []byte
	err     error
}

// Client is the 1:1 binding between one identity and one live transport
// connection. It owns the pending-call table used to correlate action
// responses back to waiting callers.
//
// Client is the shared core of AgentClient and UserClient; it is not
// constructed directly.
type Client struct {
	transport Transport
	id        identity.EntityID
	log       zerolog.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]chan callResult
	closed  bool
}

func newClient(transport Transport, log zerolog.Logger) *Client {
	id := transport.MailboxID()
	return &Client{
		transport: transport,
		id:        id,
		log:       log.With().Stringer("client_id", id).Logger(),
		pending:   make(map[uuid.UUID]chan callResult),
	}
}

// ID returns the identifier this client is registered as.
func (c *Client) ID() identity.EntityID { return c.id }

// Send routes a message through the bound transport.
func (c *Client) Send(ctx context.Context, msg message.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}
	if err := c.transport.Send(ctx, msg); err != nil {
		return err
	}
	observability.MessagesSent.WithLabelValues(string(msg.Kind)).Inc()
	c.log.Debug().Stringer("dest", msg.Dest).Str("kind", string(msg.Kind)).Msg("sent message")
	return nil
}

// Status reports the liveness of any mailbox on the exchange.
func (c *Client) Status(ctx context.Context, id identity.EntityID) (MailboxStatus, error) {
	return c.transport.Status(ctx, id)
}

// Terminate closes a mailbox on the exchange. This is the explicit
// administrative act tied to agent completion; closing a client never
// terminates implicitly.
func (c *Client) Terminate(ctx context.Context, id identity.EntityID) error {
	return c.transport.Terminate(ctx, id)
}

// register installs a pending call for tag and returns the channel its
// result will arrive on.
func (c *Client) register(tag uuid.UUID) (<-chan callResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	ch := make(chan callResult, 1)
	c.pending[tag] = ch
	observability.PendingCalls.Inc()
	return ch, nil
}

// unregister removes a pending call that will no longer be waited on,
// such as after a timeout.
func (c *Client) unregister(tag uuid.UUID) {
	c.mu.Lock()
	if _, ok := c.pending[tag]; ok {
		delete(c.pending, tag)
		observability.PendingCalls.Dec()
	}
	c.mu.Unlock()
}

// DeliverResponse resolves the pending call correlated with the response
// message. Responses with no pending call are logged and dropped; this
// happens when a caller timed out before the response arrived.
func (c *Client) DeliverResponse(msg message.Message) {
	if !msg.Kind.IsResponse() {
		c.log.Warn().Str("kind", string(msg.Kind)).Msg("DeliverResponse called with non-response message")
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[msg.Tag]
	if ok {
		delete(c.pending, msg.Tag)
		observability.PendingCalls.Dec()
	}
	c.mu.Unlock()
	if !ok {
		c.log.Warn().
			Stringer("src", msg.Src).
			Stringer("tag", msg.Tag).
			Msg("dropping response with no pending call")
		return
	}
	ch <- responseResult(msg)
}

// responseResult converts a response message into the result observed by
// the waiting caller.
func responseResult(msg message.Message) callResult {
	if msg.Error == "" {
		return callResult{payload: msg.Payload}
	}
	switch msg.Code {
	case message.CodeTerminated:
		return callResult{err: TerminatedError{ID: msg.Src}}
	default:
		return callResult{err: RemoteError{Action: msg.Action, Desc: msg.Error}}
	}
}

// failAllPending resolves every outstanding call with err. Used when the
// client shuts down so no caller hangs.
func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uuid.UUID]chan callResult)
	c.mu.Unlock()
	for _, ch := range pending {
		observability.PendingCalls.Dec()
		ch <- callResult{err: err}
	}
}

// close releases the transport connection. Safe to call twice.
func (c *Client) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.failAllPending(ErrClientClosed)
	err := c.transport.Close()
	c.log.Info().Msg("closed exchange client")
	return err
}

func (c *Client) String() string {
	return fmt.Sprintf("ExchangeClient<%s>", c.id)
}

// AgentClient is the agent-side exchange client. It additionally exposes
// the blocking receive used by a runtime's dispatch loop; the runtime, not
// the client, decides how each inbound message is handled.
type AgentClient struct {
	*Client
}

// NewAgentClient binds id to a new transport connection from the factory
// and registers the agent's mailbox. The id must carry the agent role.
func NewAgentClient(ctx context.Context, factory Factory, id identity.EntityID, log zerolog.Logger) (*AgentClient, error) {
	if id.Role != identity.RoleAgent {
		return nil, fmt.Errorf("exchange: agent client requires an agent identity, got %s", id)
	}
	transport, err := factory.Bind(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("exchange: bind agent client: %w", err)
	}
	c := &AgentClient{Client: newClient(transport, log)}
	c.log.Info().Msg("registered agent exchange client")
	return c, nil
}

// Recv blocks until the next message addressed to the agent arrives. A
// timeout of zero waits indefinitely. Returns a TerminatedError once the
// agent's own mailbox has been terminated.
func (c *AgentClient) Recv(ctx context.Context, timeout time.Duration) (message.Message, error) {
	msg, err := c.transport.Recv(ctx, timeout)
	if err != nil {
		return message.Message{}, err
	}
	observability.MessagesReceived.WithLabelValues(string(msg.Kind)).Inc()
	c.log.Debug().Stringer("src", msg.Src).Str("kind", string(msg.Kind)).Msg("received message")
	return msg, nil
}

// Close releases the transport. The agent's mailbox is not terminated, so
// in-flight responses can still be drained by a later client; termination
// is the runtime's explicit final act.
func (c *AgentClient) Close() error {
	return c.close()
}

// UserClient is the user-side exchange client. It runs its own listener
// goroutine that resolves responses to pending calls, so a user only ever
// sends requests and awaits results.
type UserClient struct {
	*Client
	cancel context.CancelFunc
	done   chan struct{}
}

// NewUserClient registers a fresh user identity with the exchange and
// starts the response listener.
func NewUserClient(ctx context.Context, factory Factory, name string, log zerolog.Logger) (*UserClient, error) {
	id := identity.NewUserID(name)
	transport, err := factory.Bind(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("exchange: bind user client: %w", err)
	}
	listenCtx, cancel := context.WithCancel(context.Background())
	c := &UserClient{
		Client: newClient(transport, log),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.listen(listenCtx)
	c.log.Info().Msg("registered user exchange client")
	return c, nil
}

func (c *UserClient) listen(ctx context.Context) {
	defer close(c.done)
	for {
		msg, err := c.transport.Recv(ctx, 0)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrMailboxTerminated) {
				return
			}
			c.log.Error().Err(err).Msg("user listener receive failed")
			return
		}
		observability.MessagesReceived.WithLabelValues(string(msg.Kind)).Inc()
		switch {
		case msg.Kind.IsResponse():
			c.DeliverResponse(msg)
		case msg.Kind == message.KindShutdown:
			// Users have no runtime to shut down.
			c.log.Warn().Stringer("src", msg.Src).Msg("ignoring shutdown request sent to user")
		case msg.Kind.IsRequest():
			// Users cannot fulfill requests; answer so the caller resolves.
			reply := msg.ErrorResponse(message.CodeActionError,
				fmt.Errorf("%s cannot fulfill requests", c.id))
			if err := c.transport.Send(ctx, reply); err != nil {
				c.log.Warn().Err(err).Stringer("src", msg.Src).Msg("failed to reject request sent to user")
			}
		}
	}
}

// Close terminates the user's mailbox, stops the listener, and releases
// the transport. Unlike agents, a user has no drain phase: its mailbox
// dies with its client. Closing twice is a no-op.
func (c *UserClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	ctx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	if err := c.transport.Terminate(ctx, c.id); err != nil {
		c.log.Warn().Err(err).Msg("failed to terminate user mailbox")
	}
	c.cancel()
	<-c.done
	return c.close()
}
