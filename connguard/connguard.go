// Package connguard implements connection admission control: a token
// bucket per remote address, consulted before a newly accepted socket is
// registered with the event loop. Unlike the teacher's rate limiter this
// package spawns no background goroutine — the event loop's own timer
// drives periodic cleanup via Sweep, keeping the the core's thread budget
// (one event-loop thread, one refresh thread) intact.
package connguard

import (
	"sync"
	"time"
)

// Config controls the token bucket applied per remote address.
type Config struct {
	RequestsPerSecond float64
	BurstSize         float64
	InactiveCutoff    time.Duration
}

// DefaultConfig mirrors the teacher's documented defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		BurstSize:         20,
		InactiveCutoff:    10 * time.Minute,
	}
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Guard is a per-remote-address admission limiter.
type Guard struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New constructs a Guard. A zero Config uses DefaultConfig.
func New(cfg Config) *Guard {
	if cfg.RequestsPerSecond <= 0 {
		cfg = DefaultConfig()
	}
	return &Guard{cfg: cfg, buckets: make(map[string]*bucket)}
}

// Allow consumes one token for addr's bucket (creating it on first use) and
// reports whether the connection should be admitted.
func (g *Guard) Allow(addr string, now time.Time) bool {
	if addr == "" {
		addr = "unknown"
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.buckets[addr]
	if !ok {
		b = &bucket{tokens: g.cfg.BurstSize, lastRefill: now}
		g.buckets[addr] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * g.cfg.RequestsPerSecond
	if b.tokens > g.cfg.BurstSize {
		b.tokens = g.cfg.BurstSize
	}
	b.lastRefill = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

// Sweep removes buckets untouched since before now.Add(-cutoff), bounding
// memory use without a dedicated goroutine. Intended to be called from an
// idlewatch timer firing.
func (g *Guard) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for addr, b := range g.buckets {
		if now.Sub(b.lastRefill) > g.cfg.InactiveCutoff {
			delete(g.buckets, addr)
			removed++
		}
	}
	return removed
}

// ActiveClients returns the number of addresses currently tracked.
func (g *Guard) ActiveClients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buckets)
}
