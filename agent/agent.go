// Package agent defines the contract between user-supplied agents and
// the runtime that hosts them.
//
// An agent declares a fixed set of named actions, invocable remotely
// through handles, and optionally background loops, startup and shutdown
// hooks. The action table is consulted once at runtime construction, so
// an unknown action name is a startup-time error rather than a dispatch
// surprise.
package agent

import "context"

// ActionFunc handles one remotely invoked action. The payload and result
// are opaque serialized bytes: argument encoding is delegated to a
// pluggable codec, keeping the messaging core independent of user types.
// The context carries the ambient exchange client, so handlers may invoke
// other agents through handles.
//
// Returning an error does not affect the hosting runtime; the error is
// serialized back to the caller as the invocation's result.
type ActionFunc func(ctx context.Context, payload []byte) ([]byte, error)

// LoopFunc is an autonomous background loop. It runs concurrently with
// action dispatch and must return promptly once ctx is cancelled, which
// happens when the runtime shuts down. A loop returning a non-nil error
// is a fatal agent failure that drains the whole runtime.
type LoopFunc func(ctx context.Context) error

// Agent is the minimal contract of a hosted agent: a static table from
// action name to handler. The map must not change after the runtime is
// constructed.
type Agent interface {
	Actions() map[string]ActionFunc
}

// Looper is implemented by agents that declare background loops.
type Looper interface {
	Loops() map[string]LoopFunc
}

// Starter is implemented by agents with a startup hook. The hook runs
// before any message is dispatched; if it fails, the runtime aborts
// startup and terminates with the error.
type Starter interface {
	OnStartup(ctx context.Context) error
}

// Stopper is implemented by agents with a shutdown hook. The hook runs
// during draining, after background loops have stopped and in-flight
// actions finished.
type Stopper interface {
	OnShutdown(ctx context.Context) error
}
