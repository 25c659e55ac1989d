// Package processor drives a mail backend through repeated refresh and
// evaluation cycles.
package processor

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailproc/internal/mail"
	"github.com/brandon/mailproc/internal/metrics"
)

// ErrReload is returned by Run when the rule file changed and the caller
// should recompile its rules before running again.
var ErrReload = errors.New("rule file changed")

// Backend is a message store the engine can poll.
type Backend interface {
	// Refresh brings the set of live messages up to date.
	Refresh(ctx context.Context) error

	// Messages yields the messages found by the last Refresh.
	Messages() iter.Seq[mail.Message]

	// Suspend is called before sleeping between cycles.
	Suspend(ctx context.Context) error

	// Resume is called at the start of a cycle following Suspend.
	Resume(ctx context.Context) error

	// Close persists state and releases the backend.
	Close() error
}

// EvaluateFunc decides what happens to one message.
type EvaluateFunc func(ctx context.Context, msg mail.Message) error

// Options configures an Engine.
type Options struct {
	// Interval between the end of one cycle and the start of the next.
	Interval time.Duration

	// Once stops after a single cycle.
	Once bool

	// Watcher, if set, is checked at the start of every cycle.
	Watcher *RCWatcher
}

// Engine runs the refresh and evaluation cycle over a Backend.
type Engine struct {
	backend Backend
	opts    Options
	logger  *logrus.Logger

	suspended bool
	closed    bool
}

// New creates an engine for backend.
func New(backend Backend, opts Options, logger *logrus.Logger) *Engine {
	return &Engine{
		backend: backend,
		opts:    opts,
		logger:  logger,
	}
}

// Run processes messages until ctx is canceled, a single pass completed in
// once mode, the rule file changed or a fatal error occurred.
//
// Cancellation is not an error: the backend is closed and Run returns nil.
// ErrReload leaves the backend open so Run can be called again with new
// rules. Any other error is fatal; the backend is closed on a best effort
// basis before it is returned.
func (e *Engine) Run(ctx context.Context, evaluate EvaluateFunc) error {
	if e.closed {
		return errors.New("engine already closed")
	}

	for {
		if ctx.Err() != nil {
			return e.shutdown(nil)
		}
		if e.opts.Watcher != nil && e.opts.Watcher.Changed() {
			e.logger.WithField("rcfile", e.opts.Watcher.Path()).Info("Rule file changed, reloading")
			return ErrReload
		}

		start := time.Now()
		err := e.cycle(ctx, evaluate)
		switch {
		case err == nil:
			metrics.Cycles.WithLabelValues("ok").Observe(time.Since(start).Seconds())
		case ctx.Err() != nil:
			metrics.Cycles.WithLabelValues("canceled").Observe(time.Since(start).Seconds())
			e.logger.Info("Interrupted, shutting down")
			return e.shutdown(nil)
		default:
			metrics.Cycles.WithLabelValues("error").Observe(time.Since(start).Seconds())
			return e.shutdown(err)
		}

		if e.opts.Once {
			return e.shutdown(nil)
		}

		if err := e.backend.Suspend(ctx); err != nil {
			return e.shutdown(err)
		}
		e.suspended = true

		e.logger.WithField("interval", e.opts.Interval).Debug("Sleeping")
		timer := time.NewTimer(e.opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info("Interrupted, shutting down")
			return e.shutdown(nil)
		case <-timer.C:
		}
	}
}

// cycle runs one refresh followed by evaluation of every message.
func (e *Engine) cycle(ctx context.Context, evaluate EvaluateFunc) error {
	log := e.logger.WithField("run", uuid.NewString())

	if e.suspended {
		if err := e.backend.Resume(ctx); err != nil {
			return err
		}
		e.suspended = false
	}

	log.Debug("Refreshing")
	if err := e.backend.Refresh(ctx); err != nil {
		return err
	}

	count := 0
	for msg := range e.backend.Messages() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := evaluate(ctx, msg); err != nil {
			return err
		}
		count++
	}
	log.WithField("messages", count).Debug("Cycle complete")
	return nil
}

// Close closes the backend unless Run already did.
func (e *Engine) Close() error {
	return e.shutdown(nil)
}

// shutdown closes the backend and returns cause, or the close error when
// there is no cause.
func (e *Engine) shutdown(cause error) error {
	if e.closed {
		return cause
	}
	e.closed = true

	err := e.backend.Close()
	if err != nil {
		if cause != nil {
			e.logger.WithError(err).Error("Failed to close backend")
			return cause
		}
		return err
	}
	return cause
}
