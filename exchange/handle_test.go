package exchange_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/academy-project/academy/exchange"
	"github.com/academy-project/academy/exchange/local"
	"github.com/academy-project/academy/identity"
	"github.com/academy-project/academy/message"
)

// echoResponder binds an agent mailbox and answers action requests with a
// caller-supplied function, standing in for a full runtime.
type echoResponder struct {
	id     identity.EntityID
	client *exchange.AgentClient
	cancel context.CancelFunc
	done   chan struct{}
}

func startResponder(t *testing.T, factory exchange.Factory, name string,
	answer func(req message.Message) message.Message) *echoResponder {
	t.Helper()
	id := identity.NewAgentID(name)
	client, err := exchange.NewAgentClient(context.Background(), factory, id, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAgentClient failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &echoResponder{id: id, client: client, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for {
			req, err := client.Recv(ctx, 0)
			if err != nil {
				return
			}
			if !req.Kind.IsRequest() {
				continue
			}
			if req.Kind == message.KindPingRequest {
				_ = client.Send(ctx, req.Response(nil))
				continue
			}
			_ = client.Send(ctx, answer(req))
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-r.done
		_ = client.Close()
	})
	return r
}

func echo(req message.Message) message.Message {
	return req.Response(req.Payload)
}

func newUser(t *testing.T, factory exchange.Factory) *exchange.UserClient {
	t.Helper()
	client, err := exchange.NewUserClient(context.Background(), factory, "tester", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewUserClient failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestHandle_Call(t *testing.T) {
	ex := local.NewExchange()
	r := startResponder(t, ex, "echo", echo)
	user := newUser(t, ex)

	h := exchange.NewHandle(r.id).Bind(user.Client)
	got, err := h.Call(context.Background(), "echo", []byte(`"hello"`))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if string(got) != `"hello"` {
		t.Errorf("result = %q", got)
	}
}

func TestHandle_ConcurrentCallsCorrelate(t *testing.T) {
	ex := local.NewExchange()
	r := startResponder(t, ex, "echo", echo)
	user := newUser(t, ex)
	h := exchange.NewHandle(r.id).Bind(user.Client)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("%d", i))
			got, err := h.Call(context.Background(), "echo", payload)
			if err != nil {
				errs <- err
				return
			}
			if string(got) != string(payload) {
				errs <- fmt.Errorf("call %d got %q", i, got)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestHandle_OutOfOrderResponses(t *testing.T) {
	ex := local.NewExchange()
	// Drive the agent side by hand so responses can be sent in reverse
	// order of the requests.
	agentID := identity.NewAgentID("manual")
	agent, err := exchange.NewAgentClient(context.Background(), ex, agentID, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAgentClient failed: %v", err)
	}
	defer agent.Close()

	user := newUser(t, ex)
	h := exchange.NewHandle(agentID).Bind(user.Client)

	ctx := context.Background()
	first, err := h.CallAsync(ctx, "first", []byte(`1`))
	if err != nil {
		t.Fatalf("CallAsync failed: %v", err)
	}
	second, err := h.CallAsync(ctx, "second", []byte(`2`))
	if err != nil {
		t.Fatalf("CallAsync failed: %v", err)
	}

	req1, err := agent.Recv(ctx, time.Second)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	req2, err := agent.Recv(ctx, time.Second)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}

	// Answer in reverse order.
	if err := agent.Send(ctx, req2.Response(req2.Payload)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := agent.Send(ctx, req1.Response(req1.Payload)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got1, err := first.Result(ctx)
	if err != nil {
		t.Fatalf("first Result failed: %v", err)
	}
	got2, err := second.Result(ctx)
	if err != nil {
		t.Fatalf("second Result failed: %v", err)
	}
	if string(got1) != `1` || string(got2) != `2` {
		t.Errorf("responses miscorrelated: first=%q second=%q", got1, got2)
	}
}

func TestHandle_RemoteError(t *testing.T) {
	ex := local.NewExchange()
	r := startResponder(t, ex, "failing", func(req message.Message) message.Message {
		return req.ErrorResponse(message.CodeActionError, errors.New("bad input"))
	})
	user := newUser(t, ex)
	h := exchange.NewHandle(r.id).Bind(user.Client)

	_, err := h.Call(context.Background(), "work", nil)
	var re exchange.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if re.Desc != "bad input" {
		t.Errorf("description = %q", re.Desc)
	}
}

func TestHandle_CallTimeout(t *testing.T) {
	ex := local.NewExchange()
	// Register the target but never answer.
	silentID := identity.NewAgentID("silent")
	silent, err := exchange.NewAgentClient(context.Background(), ex, silentID, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAgentClient failed: %v", err)
	}
	defer silent.Close()

	user := newUser(t, ex)
	h := exchange.NewHandle(silentID).Bind(user.Client)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = h.Call(ctx, "work", nil)
	if !errors.Is(err, exchange.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestHandle_TerminatedTarget(t *testing.T) {
	ex := local.NewExchange()
	doomedID := identity.NewAgentID("doomed")
	doomed, err := exchange.NewAgentClient(context.Background(), ex, doomedID, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAgentClient failed: %v", err)
	}
	user := newUser(t, ex)
	if err := user.Terminate(context.Background(), doomedID); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	_ = doomed.Close()

	h := exchange.NewHandle(doomedID).Bind(user.Client)
	_, err = h.Call(context.Background(), "work", nil)
	if !exchange.IsAgentTerminated(err) {
		t.Errorf("expected agent-terminated error, got %v", err)
	}
}

func TestHandle_PendingCallResolvesOnTermination(t *testing.T) {
	ex := local.NewExchange()
	doomedID := identity.NewAgentID("doomed")
	doomed, err := exchange.NewAgentClient(context.Background(), ex, doomedID, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAgentClient failed: %v", err)
	}
	defer doomed.Close()

	user := newUser(t, ex)
	h := exchange.NewHandle(doomedID).Bind(user.Client)

	ctx := context.Background()
	call, err := h.CallAsync(ctx, "work", nil)
	if err != nil {
		t.Fatalf("CallAsync failed: %v", err)
	}

	// Terminate while the request is queued unserved: the bounce resolves
	// the pending call rather than leaving it hanging.
	if err := user.Terminate(ctx, doomedID); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = call.Result(waitCtx)
	if !exchange.IsAgentTerminated(err) {
		t.Errorf("expected agent-terminated error, got %v", err)
	}
}

func TestHandle_NoActiveExchange(t *testing.T) {
	h := exchange.NewHandle(identity.NewAgentID("anyone"))
	_, err := h.Call(context.Background(), "work", nil)
	if !errors.Is(err, exchange.ErrNoActiveExchange) {
		t.Errorf("expected ErrNoActiveExchange, got %v", err)
	}
}

func TestHandle_AmbientContext(t *testing.T) {
	ex := local.NewExchange()
	r := startResponder(t, ex, "echo", echo)
	user := newUser(t, ex)

	h := exchange.NewHandle(r.id)
	ctx := exchange.NewContext(context.Background(), user.Client)
	got, err := h.Call(ctx, "echo", []byte(`42`))
	if err != nil {
		t.Fatalf("Call through ambient client failed: %v", err)
	}
	if string(got) != `42` {
		t.Errorf("result = %q", got)
	}
}

func TestHandle_Ping(t *testing.T) {
	ex := local.NewExchange()
	r := startResponder(t, ex, "alive", echo)
	user := newUser(t, ex)
	h := exchange.NewHandle(r.id).Bind(user.Client)

	rtt, err := h.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if rtt <= 0 {
		t.Errorf("rtt = %v", rtt)
	}
}

func TestHandle_JSONRoundTripIsUnbound(t *testing.T) {
	ex := local.NewExchange()
	user := newUser(t, ex)
	orig := exchange.NewHandle(identity.NewAgentID("target")).Bind(user.Client)

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded exchange.Handle
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !decoded.AgentID().Equal(orig.AgentID()) {
		t.Errorf("identifier changed in round trip")
	}
	// The deserialized handle has no captured client.
	_, err = decoded.Call(context.Background(), "work", nil)
	if !errors.Is(err, exchange.ErrNoActiveExchange) {
		t.Errorf("expected unbound handle, got %v", err)
	}
}

func TestUserClient_RejectsRequests(t *testing.T) {
	ex := local.NewExchange()
	caller := newUser(t, ex)
	target := newUser(t, ex)

	// An action request addressed to a user identity is answered with a
	// rejection so the caller resolves instead of hanging.
	h := exchange.NewHandle(target.ID()).Bind(caller.Client)
	call, err := h.CallAsync(context.Background(), "work", nil)
	if err != nil {
		t.Fatalf("CallAsync failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = call.Result(ctx)
	var re exchange.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError rejection, got %v", err)
	}
}

func TestAgentClient_RequiresAgentRole(t *testing.T) {
	ex := local.NewExchange()
	_, err := exchange.NewAgentClient(context.Background(), ex, identity.NewUserID("nope"), zerolog.Nop())
	if err == nil {
		t.Error("expected role check error")
	}
}

func TestClient_UseAfterClose(t *testing.T) {
	ex := local.NewExchange()
	id := identity.NewAgentID("shortlived")
	client, err := exchange.NewAgentClient(context.Background(), ex, id, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAgentClient failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	err = client.Send(context.Background(), message.NewPingRequest(id, id))
	if !errors.Is(err, exchange.ErrClientClosed) {
		t.Errorf("expected ErrClientClosed, got %v", err)
	}
}
