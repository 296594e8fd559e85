package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit bounds pushes per room. A zero RPS disables limiting.
type RateLimit struct {
	RPS   float64
	Burst int
	// TTL is how long an unused room limiter is kept.
	TTL   time.Duration
}

func (rl RateLimit) enabled() bool {
	return rl.RPS > 0
}

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool holds one token bucket per room.
type limiterPool struct {
	mu  sync.Mutex
	m   map[string]*limiterEntry
	cfg RateLimit
	now func() time.Time

	startCleanup sync.Once
	stopOnce     sync.Once
	stopCh       chan struct{}
}

func newLimiterPool(cfg RateLimit, now func() time.Time) *limiterPool {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	return &limiterPool{
		m:      make(map[string]*limiterEntry),
		cfg:    cfg,
		now:    now,
		stopCh: make(chan struct{}),
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.startCleanup.Do(func() {
		go p.cleanupLoop(p.cfg.TTL)
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.m[key]; ok {
		e.lastSeen = p.now()
		return e.l
	}

	l := rate.NewLimiter(rate.Limit(p.cfg.RPS), p.cfg.Burst)
	p.m[key] = &limiterEntry{l: l, lastSeen: p.now()}
	return l
}

// Allow reports whether a push to key may proceed now.
func (p *limiterPool) Allow(key string) bool {
	return p.get(key).AllowN(p.now(), 1)
}

// prune drops limiters unused since before cutoff.
func (p *limiterPool) prune(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
			n++
		}
	}
	return n
}

func (p *limiterPool) cleanupLoop(ttl time.Duration) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.prune(p.now().Add(-ttl))
		case <-p.stopCh:
			return
		}
	}
}

func (p *limiterPool) shutdown() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}
