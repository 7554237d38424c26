package runtime_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/academy-project/academy/agent"
	"github.com/academy-project/academy/exchange"
	"github.com/academy-project/academy/exchange/local"
	"github.com/academy-project/academy/identity"
	"github.com/academy-project/academy/runtime"
)

// mathAgent is a test agent with actions, a controllable loop, and
// startup/shutdown hooks.
type mathAgent struct {
	loopErr    chan error
	startupErr error

	started  atomic.Bool
	stopped  atomic.Bool
	loopRuns atomic.Int32
}

type addRequest struct {
	A int `json:"a"`
	B int `json:"b"`
}

func newMathAgent() *mathAgent {
	return &mathAgent{loopErr: make(chan error, 1)}
}

func (m *mathAgent) Actions() map[string]agent.ActionFunc {
	return map[string]agent.ActionFunc{
		"add": agent.Typed(func(ctx context.Context, req addRequest) (int, error) {
			return req.A + req.B, nil
		}),
		"fail": func(ctx context.Context, payload []byte) ([]byte, error) {
			return nil, errors.New("bad input")
		},
		"panic": func(ctx context.Context, payload []byte) ([]byte, error) {
			panic("boom")
		},
		"slow": func(ctx context.Context, payload []byte) ([]byte, error) {
			select {
			case <-time.After(50 * time.Millisecond):
				return []byte(`"done"`), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func (m *mathAgent) Loops() map[string]agent.LoopFunc {
	return map[string]agent.LoopFunc{
		"watch": func(ctx context.Context) error {
			m.loopRuns.Add(1)
			select {
			case err := <-m.loopErr:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

func (m *mathAgent) OnStartup(ctx context.Context) error {
	m.started.Store(true)
	return m.startupErr
}

func (m *mathAgent) OnShutdown(ctx context.Context) error {
	m.stopped.Store(true)
	return nil
}

// startRuntime runs rt on its own goroutine and waits for it to reach
// the running state.
func startRuntime(t *testing.T, rt *runtime.Runtime) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		return rt.State() == runtime.StateRunning
	}, 2*time.Second, 5*time.Millisecond, "runtime never reached running")
	return done
}

func newUser(t *testing.T, factory exchange.Factory) *exchange.UserClient {
	t.Helper()
	client, err := exchange.NewUserClient(context.Background(), factory, "tester", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRuntime_ServesActions(t *testing.T) {
	ex := local.NewExchange()
	a := newMathAgent()
	rt, err := runtime.New(identity.NewAgentID("math"), a, ex)
	require.NoError(t, err)
	done := startRuntime(t, rt)

	user := newUser(t, ex)
	h := rt.Handle().Bind(user.Client)

	got, err := h.Call(context.Background(), "add", []byte(`{"a":2,"b":3}`))
	require.NoError(t, err)
	assert.Equal(t, "5", string(got))
	assert.True(t, a.started.Load(), "startup hook did not run")

	rt.Shutdown()
	require.NoError(t, <-done)
	assert.True(t, a.stopped.Load(), "shutdown hook did not run")
	assert.Equal(t, runtime.StateTerminated, rt.State())
}

func TestRuntime_ActionErrorDoesNotStopAgent(t *testing.T) {
	ex := local.NewExchange()
	rt, err := runtime.New(identity.NewAgentID("math"), newMathAgent(), ex)
	require.NoError(t, err)
	done := startRuntime(t, rt)

	user := newUser(t, ex)
	h := rt.Handle().Bind(user.Client)
	ctx := context.Background()

	_, err = h.Call(ctx, "fail", nil)
	var re exchange.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Desc, "bad input")

	// The agent keeps serving after a handler error.
	got, err := h.Call(ctx, "add", []byte(`{"a":1,"b":1}`))
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))

	rt.Shutdown()
	require.NoError(t, <-done)
}

func TestRuntime_UnknownAction(t *testing.T) {
	ex := local.NewExchange()
	rt, err := runtime.New(identity.NewAgentID("math"), newMathAgent(), ex)
	require.NoError(t, err)
	done := startRuntime(t, rt)

	user := newUser(t, ex)
	h := rt.Handle().Bind(user.Client)

	_, err = h.Call(context.Background(), "no-such-action", nil)
	var re exchange.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Desc, "no action named")

	rt.Shutdown()
	require.NoError(t, <-done)
}

func TestRuntime_ActionPanicBecomesError(t *testing.T) {
	ex := local.NewExchange()
	rt, err := runtime.New(identity.NewAgentID("math"), newMathAgent(), ex)
	require.NoError(t, err)
	done := startRuntime(t, rt)

	user := newUser(t, ex)
	h := rt.Handle().Bind(user.Client)
	ctx := context.Background()

	_, err = h.Call(ctx, "panic", nil)
	var re exchange.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Desc, "panicked")

	// Dispatch survived the panic.
	got, err := h.Call(ctx, "add", []byte(`{"a":3,"b":4}`))
	require.NoError(t, err)
	assert.Equal(t, "7", string(got))

	rt.Shutdown()
	require.NoError(t, <-done)
}

func TestRuntime_LoopFailureShutsDown(t *testing.T) {
	ex := local.NewExchange()
	a := newMathAgent()
	rt, err := runtime.New(identity.NewAgentID("math"), a, ex)
	require.NoError(t, err)
	done := startRuntime(t, rt)

	a.loopErr <- errors.New("watch blew up")

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "watch blew up")
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not shut down after loop failure")
	}
	assert.Equal(t, runtime.StateTerminated, rt.State())

	// TerminateOnError closed the mailbox for good.
	user := newUser(t, ex)
	h := rt.Handle().Bind(user.Client)
	_, err = h.Call(context.Background(), "add", []byte(`{}`))
	assert.True(t, exchange.IsAgentTerminated(err), "expected terminated mailbox, got %v", err)
}

func TestRuntime_ShutdownViaHandle(t *testing.T) {
	ex := local.NewExchange()
	rt, err := runtime.New(identity.NewAgentID("math"), newMathAgent(), ex)
	require.NoError(t, err)
	done := startRuntime(t, rt)

	user := newUser(t, ex)
	h := rt.Handle().Bind(user.Client)
	require.NoError(t, h.Shutdown(context.Background(), nil))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not honor shutdown request")
	}
}

func TestRuntime_ShutdownTerminateOverride(t *testing.T) {
	ex := local.NewExchange()
	rt, err := runtime.New(identity.NewAgentID("math"), newMathAgent(), ex)
	require.NoError(t, err)
	done := startRuntime(t, rt)

	user := newUser(t, ex)
	h := rt.Handle().Bind(user.Client)

	// Override the default terminate-on-success policy: keep the mailbox.
	keep := false
	require.NoError(t, h.Shutdown(context.Background(), &keep))
	require.NoError(t, <-done)

	st, err := user.Status(context.Background(), rt.AgentID())
	require.NoError(t, err)
	assert.Equal(t, exchange.MailboxActive, st, "override should have kept the mailbox open")
}

func TestRuntime_TerminateOnSuccessDisabled(t *testing.T) {
	ex := local.NewExchange()
	rt, err := runtime.New(identity.NewAgentID("math"), newMathAgent(), ex,
		runtime.WithTerminateOnSuccess(false))
	require.NoError(t, err)
	done := startRuntime(t, rt)

	rt.Shutdown()
	require.NoError(t, <-done)

	user := newUser(t, ex)
	st, err := user.Status(context.Background(), rt.AgentID())
	require.NoError(t, err)
	assert.Equal(t, exchange.MailboxActive, st)
}

func TestRuntime_ShutdownIdempotent(t *testing.T) {
	ex := local.NewExchange()
	rt, err := runtime.New(identity.NewAgentID("math"), newMathAgent(), ex)
	require.NoError(t, err)
	done := startRuntime(t, rt)

	rt.Shutdown()
	rt.Shutdown()
	rt.Shutdown()
	require.NoError(t, <-done)
	assert.Equal(t, runtime.StateTerminated, rt.State())
}

func TestRuntime_RunsAtMostOnce(t *testing.T) {
	ex := local.NewExchange()
	rt, err := runtime.New(identity.NewAgentID("math"), newMathAgent(), ex)
	require.NoError(t, err)
	done := startRuntime(t, rt)

	assert.ErrorIs(t, rt.Run(context.Background()), runtime.ErrAlreadyRan)

	rt.Shutdown()
	require.NoError(t, <-done)
	assert.ErrorIs(t, rt.Run(context.Background()), runtime.ErrAlreadyRan)
}

func TestRuntime_StartupFailure(t *testing.T) {
	ex := local.NewExchange()
	a := newMathAgent()
	a.startupErr = errors.New("no database")
	rt, err := runtime.New(identity.NewAgentID("math"), a, ex)
	require.NoError(t, err)

	err = rt.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database")
	assert.Equal(t, runtime.StateTerminated, rt.State())
	assert.False(t, a.loopRuns.Load() > 0, "loops must not run after startup failure")
}

func TestRuntime_RequiresAgentRole(t *testing.T) {
	ex := local.NewExchange()
	_, err := runtime.New(identity.NewUserID("nope"), newMathAgent(), ex)
	require.Error(t, err)
}

func TestRuntime_ContextCancelDrains(t *testing.T) {
	ex := local.NewExchange()
	a := newMathAgent()
	rt, err := runtime.New(identity.NewAgentID("math"), a, ex)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	require.Eventually(t, func() bool {
		return rt.State() == runtime.StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not drain on context cancellation")
	}
	assert.True(t, a.stopped.Load(), "shutdown hook did not run")
}

func TestRuntime_InFlightActionFinishesDuringDrain(t *testing.T) {
	ex := local.NewExchange()
	rt, err := runtime.New(identity.NewAgentID("math"), newMathAgent(), ex,
		runtime.WithTerminateOnSuccess(true))
	require.NoError(t, err)
	done := startRuntime(t, rt)

	user := newUser(t, ex)
	h := rt.Handle().Bind(user.Client)

	call, err := h.CallAsync(context.Background(), "slow", nil)
	require.NoError(t, err)

	// Give dispatch a moment to pick the request up, then drain.
	time.Sleep(10 * time.Millisecond)
	rt.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := call.Result(ctx)
	require.NoError(t, err, "in-flight action should answer before the mailbox closes")
	assert.Equal(t, `"done"`, string(got))
	require.NoError(t, <-done)
}

func TestRuntime_PingAndHandleFromAgent(t *testing.T) {
	ex := local.NewExchange()

	// second answers; first calls second from inside an action, using the
	// ambient client its runtime installed.
	second := newMathAgent()
	secondRT, err := runtime.New(identity.NewAgentID("second"), second, ex)
	require.NoError(t, err)
	secondDone := startRuntime(t, secondRT)
	secondHandle := secondRT.Handle()

	first := &relayAgent{target: secondHandle}
	firstRT, err := runtime.New(identity.NewAgentID("first"), first, ex)
	require.NoError(t, err)
	firstDone := startRuntime(t, firstRT)

	user := newUser(t, ex)
	h := firstRT.Handle().Bind(user.Client)
	got, err := h.Call(context.Background(), "relay", []byte(`{"a":20,"b":22}`))
	require.NoError(t, err)
	assert.Equal(t, "42", string(got))

	rtt, err := h.Ping(context.Background())
	require.NoError(t, err)
	assert.Positive(t, rtt)

	firstRT.Shutdown()
	secondRT.Shutdown()
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)
}

// relayAgent forwards an add request to another agent through an unbound
// handle resolved from the ambient context.
type relayAgent struct {
	target *exchange.Handle
}

func (r *relayAgent) Actions() map[string]agent.ActionFunc {
	return map[string]agent.ActionFunc{
		"relay": func(ctx context.Context, payload []byte) ([]byte, error) {
			return r.target.Call(ctx, "add", payload)
		},
	}
}
