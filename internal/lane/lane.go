// Package lane runs submitted tasks one at a time, in submission order, on a
// single background goroutine. Refresh cycles and listener notifications
// share one lane so that no two of them ever run concurrently.
package lane

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type Lane struct {
	mu     sync.Mutex
	tasks  []func()
	signal chan struct{}
	closed bool
	done   chan struct{}
	logger *zap.Logger
}

// New starts the lane goroutine.
func New(logger *zap.Logger) *Lane {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Lane{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.loop()
	return l
}

// Submit appends fn to the queue. It returns false once the lane is closed.
func (l *Lane) Submit(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logger.Debug("task submitted to closed lane")
		return false
	}
	l.tasks = append(l.tasks, fn)
	select {
	case l.signal <- struct{}{}:
	default:
	}
	l.mu.Unlock()
	return true
}

// Flush blocks until every task submitted before the call has run.
// It must not be called from a task on the same lane.
func (l *Lane) Flush(ctx context.Context) error {
	reached := make(chan struct{})
	if !l.Submit(func() { close(reached) }) {
		<-l.done
		return nil
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, runs the ones already queued and waits for
// the goroutine to exit.
func (l *Lane) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.signal)
	}
	l.mu.Unlock()
	<-l.done
}

func (l *Lane) loop() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			<-l.signal
			continue
		}
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		l.run(fn)
	}
}

func (l *Lane) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("lane task panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
