// Package eventbus carries projection change notifications to observers
// outside the event log's lock.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"hivecore/internal/domain"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

type subscriber struct {
	id      uint64
	kind    domain.EventKind // empty matches every kind
	handler domain.EventHandler
	queue   chan delivery
}

// Bus is an in-process notification bus. Every subscriber owns a bounded
// queue drained by its own goroutine, so one subscriber sees events in
// publish order and a slow one never blocks the publisher. Events that do
// not fit in a full queue are dropped and counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
	buffer int
	logger *slog.Logger

	loops   sync.WaitGroup
	dropped atomic.Uint64

	pendMu  sync.Mutex
	idle    *sync.Cond
	pending int
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// New creates a notification bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[uint64]*subscriber),
		buffer: DefaultBuffer,
		logger: logger,
	}
	b.idle = sync.NewCond(&b.pendMu)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish enqueues event for every matching subscriber without blocking.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.kind != "" && sub.kind != event.Kind {
			continue
		}
		b.track(1)
		select {
		case sub.queue <- delivery{ctx: ctx, event: event}:
		default:
			b.track(-1)
			b.dropped.Add(1)
			b.logger.Warn("subscriber queue full, notification dropped",
				"kind", string(event.Kind), "seq", event.Seq, "subscriber", sub.id)
		}
	}
}

// Subscribe registers a handler for one event kind and returns its
// unsubscribe function.
func (b *Bus) Subscribe(kind domain.EventKind, handler domain.EventHandler) func() {
	return b.add(kind, handler)
}

// SubscribeAll registers a handler for every event kind and returns its
// unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add("", handler)
}

func (b *Bus) add(kind domain.EventKind, handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.nextID++
	sub := &subscriber{id: b.nextID, kind: kind, handler: handler, queue: make(chan delivery, b.buffer)}
	b.subs[sub.id] = sub
	b.loops.Add(1)
	go b.run(sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub.id]; ok {
			delete(b.subs, sub.id)
			close(sub.queue)
		}
	}
}

func (b *Bus) run(sub *subscriber) {
	defer b.loops.Done()
	for d := range sub.queue {
		b.deliver(sub, d)
		b.track(-1)
	}
}

func (b *Bus) deliver(sub *subscriber, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"kind", string(d.event.Kind), "seq", d.event.Seq, "subscriber", sub.id, "panic", r)
		}
	}()
	sub.handler(d.ctx, d.event)
}

func (b *Bus) track(delta int) {
	b.pendMu.Lock()
	b.pending += delta
	if b.pending == 0 {
		b.idle.Broadcast()
	}
	b.pendMu.Unlock()
}

// Dropped reports how many notifications were discarded on full queues.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Drain waits until every queued notification has been handled.
func (b *Bus) Drain() {
	b.pendMu.Lock()
	for b.pending > 0 {
		b.idle.Wait()
	}
	b.pendMu.Unlock()
}

// Close stops accepting publishes, lets every subscriber finish its queue
// and waits for them. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.queue)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	b.loops.Wait()
}
