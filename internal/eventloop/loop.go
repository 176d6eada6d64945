// Package eventloop implements the single control loop every clipbird component
// runs on. Closures posted to a Loop run one at a time, in order, on one goroutine.
// Blocking work is handed to a bounded worker pool with Submit and its result is
// posted back to the loop.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrStopped is returned by Do once the loop has been stopped
var ErrStopped = errors.New("eventloop: stopped")

// DefaultWorkers bounds concurrent Submit work when Options.Workers is zero
const DefaultWorkers = 8

// Options configures a Loop
type Options struct {
	Workers int
	Logger  *slog.Logger
}

// Loop is an unbounded FIFO of closures drained by a single goroutine
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	sem     *semaphore.Weighted
	workers sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates a loop. Call Start or Run to begin dispatching.
func New(opts Options) *Loop {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		logger: opts.Logger.With("component", "eventloop"),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		sem:    semaphore.NewWeighted(int64(opts.Workers)),
		done:   make(chan struct{}),
	}
}

// Context is cancelled when the loop stops
func (l *Loop) Context() context.Context {
	return l.ctx
}

// Post queues fn to run on the loop. It never blocks. It reports false when the
// loop is stopped and fn was discarded.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to finish. It must not be called from
// the loop goroutine.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// The closure may have been discarded by Stop
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the loop on a new goroutine
func (l *Loop) Start() {
	l.startOnce.Do(func() { go l.run() })
}

// Run dispatches queued closures on the calling goroutine until Stop is called
func (l *Loop) Run() {
	started := false
	l.startOnce.Do(func() { started = true })
	if started {
		l.run()
	}
}

func (l *Loop) run() {
	defer close(l.done)

	l.logger.Debug("Event loop started")
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		if stopped {
			l.logger.Debug("Event loop stopped")
			return
		}

		for i, fn := range batch {
			fn()
			batch[i] = nil
			if l.isStopped() {
				break
			}
		}

		if len(batch) == 0 {
			<-l.wake
		}
	}
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Stop discards queued closures and prevents new ones from running. Worker
// completions and timer callbacks that have not run yet never run. Stop may be
// called from the loop itself; use Wait to block until everything has drained.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		l.cancel()

		select {
		case l.wake <- struct{}{}:
		default:
		}
	})
}

// Wait blocks until Run has returned and all submitted work has finished
func (l *Loop) Wait() {
	l.startOnce.Do(func() { close(l.done) })
	<-l.done
	l.workers.Wait()
}

// Done is closed when Run returns
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Submit runs work on the worker pool and posts done with its result to the loop.
// When ctx (or the loop) is cancelled before done runs, the completion is dropped.
func Submit[T any](l *Loop, ctx context.Context, work func(context.Context) (T, error), done func(T, error)) {
	l.workers.Add(1)
	go func() {
		defer l.workers.Done()

		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(l.ctx, cancel)
		defer stop()

		if err := l.sem.Acquire(wctx, 1); err != nil {
			return
		}
		v, err := work(wctx)
		l.sem.Release(1)

		if wctx.Err() != nil {
			return
		}
		l.Post(func() {
			if ctx.Err() != nil {
				return
			}
			done(v, err)
		})
	}()
}
