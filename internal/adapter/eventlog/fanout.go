package eventlog

import (
	"log/slog"
	"sync"

	"hivecore/internal/domain"
)

type subscriber struct {
	id uint64
	fn func(domain.Event)
}

// fanout delivers appended events to synchronous subscribers in registration
// order. Callers hold the log's append lock, so delivery order equals seq order.
type fanout struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64
	logger *slog.Logger
}

func (f *fanout) subscribe(fn func(domain.Event)) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs = append(f.subs, subscriber{id: id, fn: fn})
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, s := range f.subs {
			if s.id == id {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				return
			}
		}
	}
}

func (f *fanout) deliver(ev domain.Event) {
	f.mu.RLock()
	subs := make([]subscriber, len(f.subs))
	copy(subs, f.subs)
	f.mu.RUnlock()

	for _, s := range subs {
		f.call(s, ev)
	}
}

func (f *fanout) call(s subscriber, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("event log subscriber panicked",
				"kind", string(ev.Kind),
				"seq", ev.Seq,
				"panic", r,
			)
		}
	}()
	s.fn(ev)
}
