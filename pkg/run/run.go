// Package run spawns the daemons' background workers and collects
// their errors: every worker is a Runnable stopped through its
// context, and a Runner aggregates whatever they return.
package run

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/golang/glog"
)

// Runnable is a background worker stopped by canceling its context.
type Runnable interface {
	Run(context.Context) error
}

// Func is the func form of Runnable.
type Func func(context.Context) error

// Run implements Runnable.
func (f Func) Run(ctx context.Context) error { return f(ctx) }

// Named is anything with a name.
type Named interface {
	Name() string
}

type namedRunnable struct {
	Runnable
	name string
}

func (r *namedRunnable) Name() string { return r.name }

// Name wraps a Runnable with a name for logging.
func Name(name string, runnable Runnable) Runnable {
	return &namedRunnable{name: name, Runnable: runnable}
}

// Runner runs multiple Runnables and collects their errors.
type Runner struct {
	Context context.Context
	Workers []Runnable

	errCh  chan error
	exitCh chan struct{}
}

// NewRunner creates a runner on a background context.
func NewRunner() *Runner {
	return NewRunnerWith(context.Background())
}

// NewRunnerWith creates a runner on the given context.
func NewRunnerWith(ctx context.Context) *Runner {
	return &Runner{
		Context: ctx,
		errCh:   make(chan error, 1),
		exitCh:  make(chan struct{}),
	}
}

// HandleSignals stops the runner on interrupt or SIGTERM; a second
// signal forces exit.
func (r *Runner) HandleSignals() *Runner {
	ctx, cancel := context.WithCancel(r.Context)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	r.Context = ctx
	go func() {
		<-sigCh
		glog.Info("stop requested")
		cancel()
		<-sigCh
		glog.Error("stop requested again, force exit")
		close(r.exitCh)
	}()
	return r
}

// Go spawns workers on the runner's context.
func (r *Runner) Go(workers ...Runnable) *Runner {
	return r.GoWith(r.Context, workers...)
}

// GoWith spawns workers on a specific context.
func (r *Runner) GoWith(ctx context.Context, workers ...Runnable) *Runner {
	for _, w := range workers {
		var name string
		if named, ok := w.(Named); ok {
			name = named.Name()
		} else {
			name = strconv.Itoa(len(r.Workers))
		}
		r.Workers = append(r.Workers, w)
		go func(w Runnable, name string) {
			glog.V(4).Infof("worker[%s] started", name)
			r.errCh <- w.Run(ctx)
			glog.V(4).Infof("worker[%s] stopped", name)
		}(w, name)
	}
	return r
}

// Wait blocks until every worker stops, aggregating their errors.
// Context cancellation is a clean stop, not an error.
func (r *Runner) Wait() error {
	var errs AggregatedError
	for range r.Workers {
		select {
		case <-r.exitCh:
			return errors.New("forced exit")
		case err := <-r.errCh:
			if err != context.Canceled {
				errs.Add(err)
			}
		}
	}
	return errs.Aggregate()
}

// WithContextCancel runs a func that does not accept a context;
// onCancel is invoked only when the context is canceled, to unblock fn.
func WithContextCancel(ctx context.Context, onCancel func(), fn func() error) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- fn()
	}()
	select {
	case <-ctx.Done():
		if onCancel != nil {
			onCancel()
		}
		<-errCh
		return context.Canceled
	case err := <-errCh:
		return err
	}
}

// WithContextCloser ensures closer.Close is called whether fn exits on
// its own or the context is canceled.
func WithContextCloser(ctx context.Context, closer io.Closer, fn func() error) error {
	var closed bool
	err := WithContextCancel(ctx, func() {
		closer.Close()
		closed = true
	}, fn)
	if !closed {
		closer.Close()
	}
	return err
}
