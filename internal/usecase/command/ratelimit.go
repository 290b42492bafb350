package command

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// actorLimiter is a token bucket per acting agent. Buckets idle for longer
// than staleAfter are swept once a minute.
type actorLimiter struct {
	perMin int
	burst  int

	mu      sync.Mutex
	clients map[string]*client
	stop    chan struct{}
	once    sync.Once
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const staleAfter = 3 * time.Minute

func newActorLimiter(perMin, burst int) *actorLimiter {
	if burst <= 0 {
		burst = 1
	}
	l := &actorLimiter{
		perMin:  perMin,
		burst:   burst,
		clients: make(map[string]*client),
		stop:    make(chan struct{}),
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep(time.Now())
			case <-l.stop:
				return
			}
		}
	}()
	return l
}

func (l *actorLimiter) allow(actor string) bool {
	l.mu.Lock()
	c, ok := l.clients[actor]
	if !ok {
		// requestsPerMin spread over 60 seconds
		c = &client{limiter: rate.NewLimiter(rate.Limit(l.perMin)/60.0, l.burst)}
		l.clients[actor] = c
	}
	c.lastSeen = time.Now()
	lim := c.limiter
	l.mu.Unlock()
	return lim.Allow()
}

func (l *actorLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, c := range l.clients {
		if now.Sub(c.lastSeen) > staleAfter {
			delete(l.clients, id)
		}
	}
}

func (l *actorLimiter) close() {
	l.once.Do(func() { close(l.stop) })
}
