package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/academy-project/academy/identity"
	"github.com/academy-project/academy/message"
)

// Handle is a transferable proxy to a remote agent's action surface.
//
// A handle stores only the target identifier plus, optionally, a captured
// default client. When no client is bound, the active client is resolved
// from the ambient call context at invocation time, so a handle that
// crosses a process boundary reconnects through whatever client is live
// on the receiving side. Serializing a handle keeps only the
// identifier; a deserialized handle is always unbound.
type Handle struct {
	agentID identity.EntityID
	client  *Client
}

// NewHandle creates an unbound handle to the agent named by id.
func NewHandle(id identity.EntityID) *Handle {
	return &Handle{agentID: id}
}

// Bind returns a copy of the handle with a captured default client. Bound
// handles ignore the ambient context; this is for advanced use where no
// scope is established, such as administrative tooling.
func (h *Handle) Bind(c *Client) *Handle {
	return &Handle{agentID: h.agentID, client: c}
}

// AgentID returns the identifier of the target agent.
func (h *Handle) AgentID() identity.EntityID { return h.agentID }

func (h *Handle) String() string {
	return fmt.Sprintf("Handle<%s>", h.agentID)
}

// resolve picks the client used for an invocation: the captured default
// if bound, otherwise the ambient context binding.
func (h *Handle) resolve(ctx context.Context) (*Client, error) {
	if h.client != nil {
		return h.client, nil
	}
	if c, ok := FromContext(ctx); ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: handle to %s is unbound and no client is in scope", ErrNoActiveExchange, h.agentID)
}

// Call invokes a named action on the target agent and blocks until the
// response arrives, the target terminates, or ctx expires. Callers wanting
// a per-call timeout set a context deadline; a deadline expiry surfaces as
// ErrTimeout and removes the pending call. Concurrent calls through the
// same client are independent and correlate by tag, so responses arriving
// out of request order still resolve correctly.
func (h *Handle) Call(ctx context.Context, action string, payload []byte) ([]byte, error) {
	call, err := h.CallAsync(ctx, action, payload)
	if err != nil {
		return nil, err
	}
	return call.Result(ctx)
}

// CallAsync is the fire-and-don't-wait variant of Call: it sends the
// request and returns immediately with a Call that resolves when the
// response arrives. The send itself still fails fast on a missing or
// terminated destination.
func (h *Handle) CallAsync(ctx context.Context, action string, payload []byte) (*Call, error) {
	client, err := h.resolve(ctx)
	if err != nil {
		return nil, err
	}
	req := message.NewActionRequest(client.ID(), h.agentID, action, payload)
	ch, err := client.register(req.Tag)
	if err != nil {
		return nil, err
	}
	if err := client.Send(ctx, req); err != nil {
		client.unregister(req.Tag)
		return nil, err
	}
	return &Call{action: action, client: client, tag: req.Tag, ch: ch}, nil
}

// Ping sends a ping and reports the round-trip time. Agents process
// messages in order, so the latency includes queue time behind earlier
// messages.
func (h *Handle) Ping(ctx context.Context) (time.Duration, error) {
	client, err := h.resolve(ctx)
	if err != nil {
		return 0, err
	}
	req := message.NewPingRequest(client.ID(), h.agentID)
	ch, err := client.register(req.Tag)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if err := client.Send(ctx, req); err != nil {
		client.unregister(req.Tag)
		return 0, err
	}
	call := &Call{action: "ping", client: client, tag: req.Tag, ch: ch}
	if _, err := call.Result(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Shutdown instructs the target agent to shut down. It only sends the
// request and does not wait for the agent to stop. The terminate argument,
// when non-nil, overrides the runtime's mailbox termination policy.
func (h *Handle) Shutdown(ctx context.Context, terminate *bool) error {
	client, err := h.resolve(ctx)
	if err != nil {
		return err
	}
	return client.Send(ctx, message.NewShutdownRequest(client.ID(), h.agentID, terminate))
}

// handleJSON is the serialized form of a Handle: the identifier only.
type handleJSON struct {
	AgentID identity.EntityID `json:"agent_id"`
}

// MarshalJSON implements json.Marshaler. Only the target identifier is
// serialized; live connections never cross process boundaries.
func (h *Handle) MarshalJSON() ([]byte, error) {
	return json.Marshal(handleJSON{AgentID: h.agentID})
}

// UnmarshalJSON implements json.Unmarshaler. The result is unbound.
func (h *Handle) UnmarshalJSON(data []byte) error {
	var obj handleJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	h.agentID = obj.AgentID
	h.client = nil
	return nil
}

// Call is a pending remote invocation created by Handle.CallAsync. Join
// it with Result; a Call resolves exactly once.
type Call struct {
	action   string
	client   *Client
	tag      uuid.UUID
	ch       <-chan callResult
	resolved bool
	res      callResult
}

// Result blocks until the response arrives or ctx expires. On a context
// deadline the pending call is removed and ErrTimeout returned, so a late
// response is dropped rather than leaked. Calling Result again after it
// resolved returns the same outcome.
func (c *Call) Result(ctx context.Context) ([]byte, error) {
	if c.resolved {
		return c.res.payload, c.res.err
	}
	select {
	case res := <-c.ch:
		c.res, c.resolved = res, true
		return res.payload, res.err
	case <-ctx.Done():
		c.client.unregister(c.tag)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.res, c.resolved = callResult{err: fmt.Errorf("%w: action %q did not respond before the deadline", ErrTimeout, c.action)}, true
		} else {
			c.res, c.resolved = callResult{err: ctx.Err()}, true
		}
		return nil, c.res.err
	}
}
