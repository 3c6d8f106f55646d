// Package fanout delivers events to subscribers on a lane, never inline with
// the publisher, in publish order.
package fanout

import (
	"sync"

	"clsync/internal/lane"

	"go.uber.org/zap"
)

type subscriber[E any] struct {
	id uint64
	fn func(E)
}

// Notificator is a typed, lane-backed publish/subscribe fan-out.
type Notificator[E any] struct {
	lane   *lane.Lane
	logger *zap.Logger

	mu      sync.RWMutex
	subs    []subscriber[E]
	nextID  uint64
	onPanic []func(E, any)
}

func New[E any](l *lane.Lane, logger *zap.Logger) *Notificator[E] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notificator[E]{lane: l, logger: logger}
}

// Subscribe registers fn and returns a func that removes it. Subscribers
// are called in registration order.
func (n *Notificator[E]) Subscribe(fn func(E)) func() {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs = append(n.subs, subscriber[E]{id: id, fn: fn})
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			for i, s := range n.subs {
				if s.id == id {
					n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// OnPanic registers a hook that fires when a subscriber panics.
func (n *Notificator[E]) OnPanic(fn func(E, any)) {
	n.mu.Lock()
	n.onPanic = append(n.onPanic, fn)
	n.mu.Unlock()
}

// Publish queues e for delivery. Events published after the lane has been
// closed are dropped.
func (n *Notificator[E]) Publish(e E) {
	if !n.lane.Submit(func() { n.deliver(e) }) {
		n.logger.Debug("dropping event published after close")
	}
}

func (n *Notificator[E]) deliver(e E) {
	n.mu.RLock()
	subs := make([]subscriber[E], len(n.subs))
	copy(subs, n.subs)
	n.mu.RUnlock()

	for _, s := range subs {
		n.call(s.fn, e)
	}
}

func (n *Notificator[E]) call(fn func(E), e E) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("subscriber panicked", zap.Any("panic", r))
			n.mu.RLock()
			hooks := make([]func(E, any), len(n.onPanic))
			copy(hooks, n.onPanic)
			n.mu.RUnlock()
			for _, h := range hooks {
				h(e, r)
			}
		}
	}()
	fn(e)
}

// Len returns the number of subscribers.
func (n *Notificator[E]) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}
