// Package scheduler debounces refresh requests and runs them one at a time
// on a lane. It supports pausing, and callbacks that fire after the next
// refresh that actually completes.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "clsync/internal/errors"
	"clsync/internal/lane"

	"go.uber.org/zap"
)

// Delegate performs one refresh. It returns false when the refresh was
// cancelled and has to be retried.
type Delegate func(ctx context.Context) bool

// Mode controls how InvokeAfterUpdate waits for its callback.
type Mode struct {
	// Silent callbacks are logged at debug level only.
	Silent bool
	// Synchronous callers block until the callback has run.
	Synchronous bool
	// Cancellable callbacks are dropped when their context ends first.
	Cancellable bool
}

type Options struct {
	// Delay is the debounce window.
	Delay time.Duration
	// RetryDelay applies after a cancelled run or while not Ready.
	RetryDelay time.Duration
	// HasWork is the cheap check used by fast-track scheduling.
	HasWork func() bool
	// Ready reports whether a refresh may start now. A run that is not
	// ready is postponed by RetryDelay.
	Ready func() bool
}

// Queue is the update request queue.
type Queue struct {
	mu   sync.Mutex
	idle *sync.Cond

	lane     *lane.Lane
	delegate Delegate
	opts     Options
	logger   *zap.Logger

	submitted       bool
	running         bool
	paused          bool
	stopped         bool
	pendingOnResume bool

	generation uint64
	timer      *time.Timer
	cancel     context.CancelFunc
	waiting    []*waiter
}

type waiter struct {
	name string
	fn   func()
	mode Mode
	ctx  context.Context
	once sync.Once
	done chan struct{}
}

// fire runs the callback at most once. A cancellable callback whose context
// has ended is skipped.
func (w *waiter) fire() {
	w.once.Do(func() {
		defer close(w.done)
		if w.mode.Cancellable && w.ctx.Err() != nil {
			return
		}
		w.fn()
	})
}

func (w *waiter) drop() {
	w.once.Do(func() { close(w.done) })
}

func New(l *lane.Lane, delegate Delegate, opts Options, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Delay <= 0 {
		opts.Delay = 300 * time.Millisecond
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	q := &Queue{
		lane:     l,
		delegate: delegate,
		opts:     opts,
		logger:   logger,
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Schedule requests a refresh after the debounce delay. Calls inside the
// window coalesce into one run. With fastTrack, a pending run is cancelled
// when there is nothing to do, and otherwise started without delay.
func (q *Queue) Schedule(fastTrack bool) {
	var hasWork bool
	if fastTrack && q.opts.HasWork != nil {
		hasWork = q.opts.HasWork()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !fastTrack || q.opts.HasWork == nil {
		q.scheduleLocked(q.opts.Delay)
		return
	}
	if !hasWork && len(q.waiting) == 0 {
		if q.submitted {
			q.logger.Debug("nothing dirty, cancelling pending refresh")
			q.cancelPendingLocked()
		}
		return
	}
	q.cancelPendingLocked()
	q.scheduleLocked(0)
}

func (q *Queue) scheduleLocked(delay time.Duration) {
	if q.stopped {
		return
	}
	if q.paused {
		q.pendingOnResume = true
		return
	}
	if q.submitted {
		return
	}
	q.submitted = true
	q.generation++
	gen := q.generation
	if delay <= 0 {
		q.lane.Submit(q.run)
		return
	}
	q.timer = time.AfterFunc(delay, func() { q.fire(gen) })
}

func (q *Queue) fire(gen uint64) {
	q.mu.Lock()
	stale := gen != q.generation || !q.submitted
	q.mu.Unlock()
	if stale {
		return
	}
	q.lane.Submit(q.run)
}

func (q *Queue) cancelPendingLocked() {
	q.submitted = false
	q.generation++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Queue) run() {
	q.mu.Lock()
	if !q.submitted {
		q.mu.Unlock()
		return
	}
	q.submitted = false
	q.timer = nil
	if q.stopped {
		q.mu.Unlock()
		return
	}
	if q.paused {
		q.pendingOnResume = true
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	if q.opts.Ready != nil && !q.opts.Ready() {
		q.logger.Debug("not ready, postponing refresh")
		q.mu.Lock()
		q.scheduleLocked(q.opts.RetryDelay)
		q.mu.Unlock()
		return
	}

	q.mu.Lock()
	if q.stopped || q.paused {
		q.pendingOnResume = q.paused
		q.mu.Unlock()
		return
	}
	q.running = true
	completed := q.waiting
	q.waiting = nil
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.mu.Unlock()

	success := q.invoke(ctx)
	cancel()

	q.mu.Lock()
	q.running = false
	q.cancel = nil
	if !success && !q.stopped {
		q.waiting = append(completed, q.waiting...)
		completed = nil
		q.scheduleLocked(q.opts.RetryDelay)
	}
	q.idle.Broadcast()
	q.mu.Unlock()

	q.fireAll(completed)
}

func (q *Queue) fireAll(ws []*waiter) {
	for _, w := range ws {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("update callback panicked", zap.String("callback", w.name), zap.Any("panic", r))
				}
			}()
			w.fire()
		}()
	}
}

func (q *Queue) invoke(ctx context.Context) (success bool) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("refresh panicked", zap.Any("panic", r))
			success = true
		}
	}()
	return q.delegate(ctx)
}

// Pause stops new runs from starting and blocks until any in-flight run has
// finished. It must not be called from the lane.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	for q.running {
		q.idle.Wait()
	}
}

// Go resumes the queue and schedules a run if one was requested while paused.
func (q *Queue) Go() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.paused {
		return
	}
	q.paused = false
	if q.pendingOnResume || len(q.waiting) > 0 {
		q.pendingOnResume = false
		q.scheduleLocked(q.opts.Delay)
	}
}

// ForceGo resumes the queue and starts a run without the debounce delay.
func (q *Queue) ForceGo() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.pendingOnResume = false
	q.cancelPendingLocked()
	q.scheduleLocked(0)
}

// CancelRunning cancels the context of the in-flight run, if any.
func (q *Queue) CancelRunning() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
}

// InvokeAfterUpdate registers fn to run after the next completed refresh.
// A refresh already running does not count. Once the queue is stopped, fn
// runs immediately.
func (q *Queue) InvokeAfterUpdate(ctx context.Context, name string, fn func(), mode Mode) error {
	w := &waiter{name: name, fn: fn, mode: mode, ctx: ctx, done: make(chan struct{})}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		w.fire()
		return nil
	}
	q.waiting = append(q.waiting, w)
	q.scheduleLocked(q.opts.Delay)
	q.mu.Unlock()

	if mode.Silent {
		q.logger.Debug("waiting for update", zap.String("callback", name))
	} else {
		q.logger.Info("waiting for update", zap.String("callback", name))
	}

	if !mode.Synchronous {
		return nil
	}
	if !mode.Cancellable {
		<-w.done
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		q.remove(w)
		w.drop()
		return fmt.Errorf("waiting for %s: %w", name, apperrors.ErrCancelled)
	}
}

func (q *Queue) remove(w *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, v := range q.waiting {
		if v == w {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}
}

// Stop disposes the queue: pending runs are dropped, the in-flight run is
// cancelled and every waiting callback fires immediately.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.cancelPendingLocked()
	if q.cancel != nil {
		q.cancel()
	}
	waiting := q.waiting
	q.waiting = nil
	q.idle.Broadcast()
	q.mu.Unlock()

	q.fireAll(waiting)
}

func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) IsStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}
