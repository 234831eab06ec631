package transport

import (
	"sync"
	"time"
)

// acceptLimiter is a token bucket per remote host that throttles how
// fast one address may open links.
type acceptLimiter struct {
	mu      sync.Mutex
	hosts   map[string]*bucket
	rate    float64
	burst   float64
	idleTTL time.Duration
}

type bucket struct {
	tokens float64
	last   time.Time
}

// newAcceptLimiter allows rate links per second per host with bursts of
// twice that. A rate of zero returns nil, which allows everything.
func newAcceptLimiter(rate float64) *acceptLimiter {
	if rate <= 0 {
		return nil
	}
	return &acceptLimiter{
		hosts:   make(map[string]*bucket),
		rate:    rate,
		burst:   max(rate*2, 1),
		idleTTL: 5 * time.Minute,
	}
}

func (l *acceptLimiter) allow(host string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.hosts[host]
	if !ok {
		l.hosts[host] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	b.tokens = min(b.tokens+now.Sub(b.last).Seconds()*l.rate, l.burst)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep forgets hosts idle for longer than idleTTL.
func (l *acceptLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.idleTTL)
	for host, b := range l.hosts {
		if b.last.Before(cutoff) {
			delete(l.hosts, host)
		}
	}
}

func (l *acceptLimiter) sweepLoop(done <-chan struct{}, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			l.sweep(now)
		case <-done:
			return
		}
	}
}
