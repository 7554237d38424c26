// Package runtime hosts a single agent instance: it owns the dispatch
// loop that consumes the agent's mailbox, the background loops the agent
// declares, and the lifecycle state machine tying them together.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/academy-project/academy/agent"
	"github.com/academy-project/academy/exchange"
	"github.com/academy-project/academy/identity"
	"github.com/academy-project/academy/internal/observability"
	"github.com/academy-project/academy/message"
)

// State is the lifecycle state of a runtime. Transitions only move
// forward; a terminated runtime cannot be restarted.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrAlreadyRan is returned when Run is called on a runtime that has
	// already been started. A new runtime must be created to restart
	// equivalent behavior.
	ErrAlreadyRan = errors.New("runtime already ran")
)

// Config tunes runtime behavior.
type Config struct {
	// TerminateOnSuccess closes the agent's mailbox permanently when the
	// runtime shuts down without error.
	TerminateOnSuccess bool
	// TerminateOnError closes the agent's mailbox permanently when the
	// runtime shuts down due to a failure.
	TerminateOnError bool
	// SendTimeout bounds outbound response sends during dispatch and
	// draining.
	SendTimeout time.Duration
	// Logger is the runtime logger.
	Logger zerolog.Logger
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() Config {
	return Config{
		TerminateOnSuccess: true,
		TerminateOnError:   true,
		SendTimeout:        5 * time.Second,
		Logger:             zerolog.Nop(),
	}
}

// Option configures a Runtime.
type Option func(*Config)

// WithLogger sets the runtime logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Config) { c.Logger = log }
}

// WithTerminateOnSuccess controls mailbox termination after a clean
// shutdown.
func WithTerminateOnSuccess(v bool) Option {
	return func(c *Config) { c.TerminateOnSuccess = v }
}

// WithTerminateOnError controls mailbox termination after a failed
// shutdown.
func WithTerminateOnError(v bool) Option {
	return func(c *Config) { c.TerminateOnError = v }
}

// shutdownReason records why the runtime is draining.
type shutdownReason struct {
	expected          bool
	terminateOverride *bool
}

// Runtime executes one agent. The agent object is owned exclusively by
// its runtime for its entire lifetime: all mutation happens from the
// dispatch and loop goroutines the runtime schedules.
type Runtime struct {
	agentID identity.EntityID
	agent   agent.Agent
	actions map[string]agent.ActionFunc
	loops   map[string]agent.LoopFunc
	factory exchange.Factory
	cfg     Config
	log     zerolog.Logger

	state      atomic.Int32
	shutdownCh chan struct{}
	shutdownMu sync.Mutex
	reason     shutdownReason
	signalled  bool

	client   *exchange.AgentClient
	actionWG sync.WaitGroup

	loopErrMu sync.Mutex
	loopErrs  []error
}

// New creates a runtime hosting agent a on the exchange produced by
// factory.
// The action and loop tables are captured here, once; the id must carry
// the agent role.
func New(id identity.EntityID, a agent.Agent, factory exchange.Factory, opts ...Option) (*Runtime, error) {
	if id.Role != identity.RoleAgent {
		return nil, fmt.Errorf("runtime: identity %s does not have the agent role", id)
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	actions := a.Actions()
	loops := map[string]agent.LoopFunc{}
	if looper, ok := a.(agent.Looper); ok {
		loops = looper.Loops()
	}
	return &Runtime{
		agentID:    id,
		agent:      a,
		actions:    actions,
		loops:      loops,
		factory:    factory,
		cfg:        cfg,
		log:        cfg.Logger.With().Stringer("agent_id", id).Logger(),
		shutdownCh: make(chan struct{}),
	}, nil
}

// AgentID returns the hosted agent's identifier.
func (r *Runtime) AgentID() identity.EntityID { return r.agentID }

// Handle returns an unbound handle to the hosted agent.
func (r *Runtime) Handle() *exchange.Handle {
	return exchange.NewHandle(r.agentID)
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	return State(r.state.Load())
}

// Done is closed when shutdown has been signalled. Note this precedes
// termination: use Run's return to observe full teardown.
func (r *Runtime) Done() <-chan struct{} { return r.shutdownCh }

// Shutdown signals the runtime to begin draining. Safe to call from any
// goroutine; repeated signals are idempotent and keep the first reason.
func (r *Runtime) Shutdown() {
	r.signalShutdown(shutdownReason{expected: true})
}

func (r *Runtime) signalShutdown(reason shutdownReason) {
	r.shutdownMu.Lock()
	defer r.shutdownMu.Unlock()
	if r.signalled {
		return
	}
	r.signalled = true
	r.reason = reason
	close(r.shutdownCh)
}

// Run executes the full lifecycle: register with the exchange, run the
// startup hook, serve messages and loops until shutdown is signalled,
// then drain and terminate. It returns once the runtime reaches the
// terminated state, with any startup or loop errors. A runtime runs at
// most once.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return ErrAlreadyRan
	}
	r.log.Debug().Msg("starting agent runtime")

	client, err := exchange.NewAgentClient(ctx, r.factory, r.agentID, r.cfg.Logger)
	if err != nil {
		r.state.Store(int32(StateTerminated))
		return fmt.Errorf("runtime: register agent: %w", err)
	}
	r.client = client

	// Every action handler and loop sees this client as the ambient
	// exchange, so unbound handles resolve to the agent's own identity.
	runCtx := exchange.NewContext(ctx, client.Client)

	if starter, ok := r.agent.(agent.Starter); ok {
		if err := starter.OnStartup(runCtx); err != nil {
			// Startup failure aborts straight to terminated; the mailbox
			// closes so callers do not queue against a dead agent.
			r.state.Store(int32(StateTerminated))
			r.terminateMailbox()
			_ = client.Close()
			return fmt.Errorf("runtime: agent startup: %w", err)
		}
	}

	r.state.Store(int32(StateRunning))
	r.log.Info().Msg("agent running")

	loopCtx, cancelLoops := context.WithCancel(runCtx)
	defer cancelLoops()
	var loopGroup errgroup.Group
	for name, loop := range r.loops {
		name, loop := name, loop
		loopGroup.Go(func() error {
			r.runLoop(loopCtx, name, loop)
			return nil
		})
	}

	dispatchCtx, cancelDispatch := context.WithCancel(runCtx)
	defer cancelDispatch()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		r.dispatch(dispatchCtx, runCtx)
	}()

	select {
	case <-r.shutdownCh:
	case <-ctx.Done():
		// External cancellation drains like an expected shutdown.
		r.signalShutdown(shutdownReason{expected: true})
	}

	// Draining: no new loop iterations, no new dispatches; in-flight
	// actions finish and answer before the mailbox closes.
	r.state.Store(int32(StateDraining))
	r.log.Info().Bool("expected", r.reason.expected).Msg("agent draining")

	cancelLoops()
	_ = loopGroup.Wait()

	cancelDispatch()
	<-dispatchDone

	r.actionWG.Wait()

	if stopper, ok := r.agent.(agent.Stopper); ok {
		hookCtx, cancel := context.WithTimeout(exchange.NewContext(context.Background(), client.Client), r.cfg.SendTimeout)
		if err := stopper.OnShutdown(hookCtx); err != nil {
			r.log.Error().Err(err).Msg("agent shutdown hook failed")
		}
		cancel()
	}

	if r.shouldTerminateMailbox() {
		r.terminateMailbox()
	}
	closeErr := client.Close()

	r.state.Store(int32(StateTerminated))
	r.log.Info().Msg("agent terminated")

	r.loopErrMu.Lock()
	defer r.loopErrMu.Unlock()
	return errors.Join(append(r.loopErrs, closeErr)...)
}

func (r *Runtime) shouldTerminateMailbox() bool {
	r.shutdownMu.Lock()
	defer r.shutdownMu.Unlock()
	if r.reason.terminateOverride != nil {
		return *r.reason.terminateOverride
	}
	if r.reason.expected {
		return r.cfg.TerminateOnSuccess
	}
	return r.cfg.TerminateOnError
}

func (r *Runtime) terminateMailbox() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SendTimeout)
	defer cancel()
	if err := r.client.Terminate(ctx, r.agentID); err != nil {
		r.log.Error().Err(err).Msg("failed to terminate agent mailbox")
	}
}

// runLoop executes one background loop until it returns. A loop failure
// is fatal to the whole runtime and triggers draining.
func (r *Runtime) runLoop(ctx context.Context, name string, loop agent.LoopFunc) {
	log := r.log.With().Str("loop", name).Logger()
	log.Debug().Msg("background loop started")
	err := loop(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		log.Debug().Msg("background loop stopped")
		return
	}
	log.Error().Err(err).Msg("background loop failed; shutting down agent")
	observability.LoopFailures.WithLabelValues(name).Inc()
	r.loopErrMu.Lock()
	r.loopErrs = append(r.loopErrs, fmt.Errorf("loop %q: %w", name, err))
	r.loopErrMu.Unlock()
	r.signalShutdown(shutdownReason{expected: false})
}

// dispatch consumes the agent's mailbox until cancelled or the mailbox
// terminates. Action requests execute concurrently; control messages are
// handled inline.
func (r *Runtime) dispatch(ctx context.Context, runCtx context.Context) {
	for {
		msg, err := r.client.Recv(ctx, 0)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				return
			case errors.Is(err, exchange.ErrMailboxTerminated):
				// Terminated out from under us by an administrative call.
				r.log.Warn().Msg("agent mailbox terminated externally")
				r.signalShutdown(shutdownReason{expected: true})
				return
			default:
				r.log.Error().Err(err).Msg("receive failed; shutting down agent")
				r.signalShutdown(shutdownReason{expected: false})
				return
			}
		}
		switch {
		case msg.Kind == message.KindActionRequest:
			r.actionWG.Add(1)
			go r.executeAction(runCtx, msg)
		case msg.Kind == message.KindPingRequest:
			r.sendResponse(msg.Response(nil))
		case msg.Kind == message.KindShutdown:
			r.log.Info().Stringer("src", msg.Src).Msg("shutdown requested")
			r.signalShutdown(shutdownReason{expected: true, terminateOverride: msg.Terminate})
		case msg.Kind.IsResponse():
			// A response to one of this agent's own outbound calls.
			r.client.DeliverResponse(msg)
		default:
			r.log.Warn().Str("kind", string(msg.Kind)).Msg("ignoring message of unknown kind")
		}
	}
}

// executeAction runs a single action handler and answers the request.
// Handler failures, including panics, become error responses; they never
// crash the dispatch loop.
func (r *Runtime) executeAction(ctx context.Context, req message.Message) {
	defer r.actionWG.Done()

	spanCtx, endSpan := observability.StartActionSpan(ctx, r.agentID.String(), req.Action)
	start := time.Now()

	result, err := r.invoke(spanCtx, req)
	endSpan(err)
	observability.ActionDuration.WithLabelValues(req.Action).Observe(time.Since(start).Seconds())

	if err != nil {
		code := message.CodeActionError
		if errors.Is(err, context.Canceled) {
			code = message.CodeCancelled
		}
		observability.ActionsTotal.WithLabelValues(req.Action, "error").Inc()
		r.sendResponse(req.ErrorResponse(code, err))
		return
	}
	observability.ActionsTotal.WithLabelValues(req.Action, "ok").Inc()
	r.sendResponse(req.Response(result))
}

func (r *Runtime) invoke(ctx context.Context, req message.Message) (result []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("action %q panicked: %v", req.Action, p)
		}
	}()
	fn, ok := r.actions[req.Action]
	if !ok {
		return nil, fmt.Errorf("agent %s has no action named %q", r.agentID, req.Action)
	}
	return fn(ctx, req.Payload)
}

// sendResponse answers a request, shielded from dispatch cancellation so
// the requester is never left hanging on a response that was computed.
func (r *Runtime) sendResponse(resp message.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SendTimeout)
	defer cancel()
	if err := r.client.Send(ctx, resp); err != nil {
		if errors.Is(err, exchange.ErrMailboxTerminated) || errors.Is(err, exchange.ErrMailboxNotFound) {
			r.log.Warn().Stringer("dest", resp.Dest).Msg("dropping response: destination gone")
			return
		}
		r.log.Error().Err(err).Stringer("dest", resp.Dest).Msg("failed to send response")
	}
}
