// Package ratelimit provides token-bucket rate limiting for connection
// attempts (per source IP) and for per-participant actions (edits,
// subscribes), built on golang.org/x/time/rate.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionLimiter enforces a per-IP connection rate: at most N
// connections per minute per source IP, sliding window via token bucket.
type ConnectionLimiter struct {
	mu       sync.Mutex
	perIP    map[string]*ipEntry
	rate     rate.Limit
	burst    int
	ttl      time.Duration
	logger   zerolog.Logger
	stopOnce sync.Once
	stopCh   chan struct{}
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewConnectionLimiter builds a limiter allowing perMinute connections per
// IP, sustained, with a burst of perMinute (one burst window's worth).
// Stale IP entries are swept every minute once unused for ttl.
func NewConnectionLimiter(perMinute int, ttl time.Duration, logger zerolog.Logger) *ConnectionLimiter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cl := &ConnectionLimiter{
		perIP:  make(map[string]*ipEntry),
		rate:   rate.Limit(float64(perMinute) / 60.0),
		burst:  perMinute,
		ttl:    ttl,
		logger: logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCh: make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

// Allow reports whether a new connection attempt from ip is permitted.
func (cl *ConnectionLimiter) Allow(ip string) bool {
	cl.mu.Lock()
	entry, ok := cl.perIP[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(cl.rate, cl.burst)}
		cl.perIP[ip] = entry
	}
	entry.lastAccess = time.Now()
	limiter := entry.limiter
	cl.mu.Unlock()

	allowed := limiter.Allow()
	if !allowed {
		cl.logger.Debug().Str("ip", ip).Msg("connection rejected: per-IP rate limit exceeded")
	}
	return allowed
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stopCh:
			return
		}
	}
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	now := time.Now()
	for ip, e := range cl.perIP {
		if now.Sub(e.lastAccess) > cl.ttl {
			delete(cl.perIP, ip)
		}
	}
}

// Stop halts the cleanup goroutine.
func (cl *ConnectionLimiter) Stop() {
	cl.stopOnce.Do(func() { close(cl.stopCh) })
}

// PerKeyLimiter tracks an independent token bucket per arbitrary key
// (here, per participant id), used for the edit and subscribe rate
// limits on subscribes and edits. Unlike a naive per-second counter, the underlying
// rate.Limiter gives true sliding-window behavior — this is the fix
// called for by the spec's Open Question about the source's reset bug.
type PerKeyLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rate    rate.Limit
	burst   int
}

// NewPerKeyLimiter builds a limiter allowing perSecond actions/sec per key,
// with a burst equal to perSecond.
func NewPerKeyLimiter(perSecond int) *PerKeyLimiter {
	return &PerKeyLimiter{
		buckets: make(map[string]*rate.Limiter),
		rate:    rate.Limit(perSecond),
		burst:   perSecond,
	}
}

// Allow reports whether the next action for key is permitted right now.
func (p *PerKeyLimiter) Allow(key string) bool {
	return p.limiterFor(key).Allow()
}

func (p *PerKeyLimiter) limiterFor(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.buckets[key]
	if !ok {
		l = rate.NewLimiter(p.rate, p.burst)
		p.buckets[key] = l
	}
	return l
}

// Remove drops a key's bucket, called on participant disconnect to avoid
// an unbounded map.
func (p *PerKeyLimiter) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.buckets, key)
}
