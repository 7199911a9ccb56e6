// Package lifecycle aggregates in-flight background work and drives
// ordered process shutdown: stop adapters and loops, abort the shared
// signal, drain with a timeout, then close resources.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/homieagent/homie/pkg/logger"
)

const component = "lifecycle"

// Lifecycle owns the process-wide abort signal and tracks every
// background task launched through Go, so shutdown can wait for them
// within a bounded timeout.
type Lifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	stoppers []func()
	closers  []func() error
}

// New derives the lifecycle's abort context from parent.
func New(parent context.Context) *Lifecycle {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	return &Lifecycle{ctx: gctx, cancel: cancel, group: g}
}

// Context is the signal every suspension point (accumulator sleeps,
// backend calls, tool executions) should select against.
func (l *Lifecycle) Context() context.Context {
	return l.ctx
}

// Go launches a tracked background task. A single failing task is
// logged, not propagated — background work (memory extraction,
// consolidation) must never take the process down.
func (l *Lifecycle) Go(name string, fn func(ctx context.Context) error) {
	l.group.Go(func() error {
		if err := fn(l.ctx); err != nil {
			logger.WarnCF(component, "background task failed", map[string]interface{}{"task": name, "error": err.Error()})
		}
		return nil
	})
}

// RegisterStopper records a hook run, in reverse registration order,
// before the abort signal fires during Shutdown. Adapters and loops
// register their Stop here.
func (l *Lifecycle) RegisterStopper(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stoppers = append(l.stoppers, fn)
}

// RegisterCloser records a resource (typically a DB handle) to close,
// in reverse registration order, after background work has drained.
func (l *Lifecycle) RegisterCloser(fn func() error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closers = append(l.closers, fn)
}

// Shutdown runs stoppers LIFO, cancels the abort signal, waits for
// tracked background work up to timeout, then runs closers LIFO.
func (l *Lifecycle) Shutdown(timeout time.Duration) error {
	l.mu.Lock()
	stoppers := append([]func(){}, l.stoppers...)
	closers := append([]func() error{}, l.closers...)
	l.mu.Unlock()

	for i := len(stoppers) - 1; i >= 0; i-- {
		stoppers[i]()
	}

	l.cancel()

	done := make(chan error, 1)
	go func() { done <- l.group.Wait() }()

	var drainErr error
	select {
	case err := <-done:
		drainErr = err
	case <-time.After(timeout):
		drainErr = fmt.Errorf("shutdown: timed out after %s waiting for background tasks", timeout)
	}

	var closeErrs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}

	if drainErr != nil {
		return drainErr
	}
	if len(closeErrs) > 0 {
		return fmt.Errorf("shutdown: %d closer(s) failed: %v", len(closeErrs), closeErrs)
	}
	return nil
}

// Drain waits for every tracked background task to finish, with no
// timeout. Used by TurnEngine.Drain.
func (l *Lifecycle) Drain() error {
	return l.group.Wait()
}
