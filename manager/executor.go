package manager

import (
	"context"
	"errors"
	"sync"
)

// Future is the eventual outcome of work placed on an Executor.
type Future interface {
	// Done is closed when the work has finished.
	Done() <-chan struct{}
	// Err returns the work's error. Only valid after Done is closed.
	Err() error
	// Wait blocks until the work finishes or ctx expires.
	Wait(ctx context.Context) error
}

// Executor places a callable onto a worker without the caller knowing
// whether that worker is a goroutine, a process, or a remote resource.
// The runtime and manager consume this boundary; they never depend on a
// concrete implementation.
type Executor interface {
	Submit(ctx context.Context, task func(ctx context.Context) error) (Future, error)
}

// ErrExecutorClosed is returned by Submit after Shutdown.
var ErrExecutorClosed = errors.New("executor closed")

type future struct {
	done chan struct{}
	err  error
}

func (f *future) Done() <-chan struct{} { return f.done }

func (f *future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

func (f *future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GoExecutor runs submitted tasks on goroutines, optionally bounded by a
// concurrency limit. It is the in-process analogue of a thread pool.
type GoExecutor struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewGoExecutor creates an executor running at most limit tasks at once;
// limit <= 0 means unbounded.
func NewGoExecutor(limit int) *GoExecutor {
	e := &GoExecutor{}
	if limit > 0 {
		e.sem = make(chan struct{}, limit)
	}
	return e
}

// Submit schedules task on a new goroutine. The task receives ctx and
// should honor its cancellation.
func (e *GoExecutor) Submit(ctx context.Context, task func(ctx context.Context) error) (Future, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrExecutorClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	fut := &future{done: make(chan struct{})}
	go func() {
		defer e.wg.Done()
		defer close(fut.done)
		if e.sem != nil {
			select {
			case e.sem <- struct{}{}:
				defer func() { <-e.sem }()
			case <-ctx.Done():
				fut.err = ctx.Err()
				return
			}
		}
		fut.err = task(ctx)
	}()
	return fut, nil
}

// Shutdown stops accepting work and waits for running tasks to finish or
// ctx to expire.
func (e *GoExecutor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
