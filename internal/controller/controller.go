// Package controller tracks the failure mode and cancellation signal of a
// run and decides its terminal state.
package controller

import (
	"context"
	"errors"
	"sync"

	"github.com/me/gowdl/pkg/model"
)

// ErrAborted is returned by Admit after an unrecoverable failure has stopped
// admission of new work.
var ErrAborted = errors.New("run aborted after failure")

// Controller is shared by every evaluation unit of one run.
//
// In fast mode an abort cancels Context, so running backend jobs are
// canceled. In slow mode an abort only closes admission and running jobs
// finish on their own. A Cancel always cancels Context.
type Controller struct {
	mode   model.FailureMode
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	canceled  bool
	failed    error
	draining  bool
	cancelled chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
}

// New derives a controller from parent. Cancellation of parent counts as an
// external interrupt.
func New(parent context.Context, mode model.FailureMode) *Controller {
	if mode == "" {
		mode = model.FailFast
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		mode:      mode,
		parent:    parent,
		ctx:       ctx,
		cancel:    cancel,
		cancelled: make(chan struct{}),
		stop:      make(chan struct{}),
	}
	go func() {
		select {
		case <-parent.Done():
			c.Cancel()
		case <-c.stop:
		}
	}()
	return c
}

// Mode returns the failure mode.
func (c *Controller) Mode() model.FailureMode {
	return c.mode
}

// Context is canceled on interrupt, and on failure in fast mode.
func (c *Controller) Context() context.Context {
	return c.ctx
}

// Done is closed once cancellation has been requested.
func (c *Controller) Done() <-chan struct{} {
	return c.cancelled
}

// Admit returns an error when no new work may start: a Canceled error after
// an interrupt, ErrAborted after a failure.
func (c *Controller) Admit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.canceled {
		return model.NewCanceledError(nil)
	}
	if c.draining {
		return model.NewError(model.ErrCanceled, ErrAborted, "not starting new work")
	}
	return nil
}

// Cancel records an external interrupt. It is safe to call more than once.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return
	}
	c.canceled = true
	c.draining = true
	close(c.cancelled)
	c.mu.Unlock()
	c.cancel()
}

// Fail records an unrecoverable error. The first failure is kept. Fast mode
// cancels Context.
func (c *Controller) Fail(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	if c.failed == nil && !model.IsCanceled(err) {
		c.failed = err
	}
	c.draining = true
	fast := c.mode == model.FailFast
	c.mu.Unlock()
	if fast {
		c.cancel()
	}
}

// Draining reports whether new work is refused.
func (c *Controller) Draining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

// Canceled reports whether an interrupt was requested.
func (c *Controller) Canceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

// Terminal decides the final state of the run from the error its evaluation
// returned. A requested cancellation always yields Canceled, even when a
// task failure was reported concurrently.
func (c *Controller) Terminal(err error) (model.RunState, error) {
	if c.parent.Err() != nil {
		c.Cancel()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.canceled {
		return model.RunStateCanceled, model.NewCanceledError(nil)
	}
	if c.failed != nil {
		return model.RunStateFailed, c.failed
	}
	if err != nil {
		return model.RunStateFailed, err
	}
	return model.RunStateCompleted, nil
}

// Close releases the controller's context and stops watching the parent.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
	c.cancel()
}
