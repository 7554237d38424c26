// Package manager launches agent runtimes onto executors and hands back
// handles for invoking them. It is the high-level entry point for
// applications: create a manager against an exchange, launch agents, call
// them through handles, shut everything down.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/academy-project/academy/agent"
	"github.com/academy-project/academy/exchange"
	"github.com/academy-project/academy/identity"
	"github.com/academy-project/academy/runtime"
)

// Manager owns a user exchange client and a set of launched runtimes.
type Manager struct {
	factory  exchange.Factory
	executor Executor
	ownsExec bool
	client   *exchange.UserClient
	log      zerolog.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc

	mu       sync.Mutex
	launched map[identity.EntityID]*launchedAgent
	closed   bool
}

type launchedAgent struct {
	rt  *runtime.Runtime
	fut Future
}

// Options configure a Manager.
type Options struct {
	// Executor places agent runtimes onto workers. Defaults to an
	// unbounded GoExecutor owned (and shut down) by the manager.
	Executor Executor
	// Name is the display name of the manager's user identity.
	Name string
	// Logger is the manager logger.
	Logger zerolog.Logger
}

// New creates a manager bound to the exchange produced by factory and
// registers its user mailbox.
func New(ctx context.Context, factory exchange.Factory, opts Options) (*Manager, error) {
	log := opts.Logger
	name := opts.Name
	if name == "" {
		name = "manager"
	}
	client, err := exchange.NewUserClient(ctx, factory, name, log)
	if err != nil {
		return nil, fmt.Errorf("manager: create user client: %w", err)
	}
	executor := opts.Executor
	ownsExec := false
	if executor == nil {
		executor = NewGoExecutor(0)
		ownsExec = true
	}
	runCtx, cancelRun := context.WithCancel(context.Background())
	return &Manager{
		factory:   factory,
		executor:  executor,
		ownsExec:  ownsExec,
		client:    client,
		log:       log,
		runCtx:    runCtx,
		cancelRun: cancelRun,
		launched:  make(map[identity.EntityID]*launchedAgent),
	}, nil
}

// Client returns the manager's user exchange client.
func (m *Manager) Client() *exchange.UserClient { return m.client }

// Context returns ctx with the manager's client installed as the ambient
// exchange, so unbound handles resolve through the manager.
func (m *Manager) Context(ctx context.Context) context.Context {
	return exchange.NewContext(ctx, m.client.Client)
}

// Launch creates a runtime for a, places it on the executor, and returns
// a handle bound to the manager's client. The handle is usable as soon as
// Launch returns; messages sent before the runtime finishes starting wait
// in the agent's mailbox.
func (m *Manager) Launch(ctx context.Context, name string, a agent.Agent, opts ...runtime.Option) (*exchange.Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("manager: closed")
	}
	m.mu.Unlock()

	id := identity.NewAgentID(name)
	opts = append([]runtime.Option{runtime.WithLogger(m.log)}, opts...)
	rt, err := runtime.New(id, a, m.factory, opts...)
	if err != nil {
		return nil, err
	}

	// Register the mailbox before returning so handles never race the
	// runtime's own registration.
	transport, err := m.factory.Bind(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("manager: pre-register agent mailbox: %w", err)
	}
	if err := transport.Close(); err != nil {
		return nil, fmt.Errorf("manager: release registration connection: %w", err)
	}

	fut, err := m.executor.Submit(m.runCtx, rt.Run)
	if err != nil {
		return nil, fmt.Errorf("manager: submit runtime: %w", err)
	}
	m.mu.Lock()
	m.launched[id.Key()] = &launchedAgent{rt: rt, fut: fut}
	m.mu.Unlock()
	m.log.Info().Stringer("agent_id", id).Msg("launched agent")

	return rt.Handle().Bind(m.client.Client), nil
}

// Wait blocks until the named agent's runtime has fully terminated and
// returns its error.
func (m *Manager) Wait(ctx context.Context, id identity.EntityID) error {
	m.mu.Lock()
	la, ok := m.launched[id.Key()]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manager: agent %s was not launched here", id)
	}
	return la.fut.Wait(ctx)
}

// Shutdown asks every launched agent to shut down, waits for their
// runtimes to terminate, and closes the manager's exchange client.
// Errors are joined; shutdown continues past individual failures.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	launched := make([]*launchedAgent, 0, len(m.launched))
	for _, la := range m.launched {
		launched = append(launched, la)
	}
	m.mu.Unlock()

	var errs []error
	for _, la := range launched {
		la.rt.Shutdown()
	}
	for _, la := range launched {
		if err := la.fut.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", la.rt.AgentID(), err))
		}
	}

	if m.ownsExec {
		if ge, ok := m.executor.(*GoExecutor); ok {
			if err := ge.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	m.cancelRun()
	if err := m.client.Close(); err != nil {
		errs = append(errs, err)
	}
	m.log.Info().Msg("manager shut down")
	return errors.Join(errs...)
}
