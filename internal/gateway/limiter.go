package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter rate limits connection attempts per client IP with a token
// bucket, and globally as a backstop against distributed floods.
type ipLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipEntry

	perIPRate  rate.Limit
	perIPBurst int
	ttl        time.Duration

	global *rate.Limiter
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newIPLimiter(perIPRate float64, perIPBurst int, globalRate float64, globalBurst int) *ipLimiter {
	if perIPRate <= 0 {
		perIPRate = 1
	}
	if perIPBurst <= 0 {
		perIPBurst = 10
	}
	if globalRate <= 0 {
		globalRate = 50
	}
	if globalBurst <= 0 {
		globalBurst = 300
	}
	return &ipLimiter{
		entries:    make(map[string]*ipEntry),
		perIPRate:  rate.Limit(perIPRate),
		perIPBurst: perIPBurst,
		ttl:        5 * time.Minute,
		global:     rate.NewLimiter(rate.Limit(globalRate), globalBurst),
	}
}

// Allow reports whether a connection attempt from ip may proceed.
func (l *ipLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		return false
	}

	l.mu.Lock()
	entry, ok := l.entries[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.perIPRate, l.perIPBurst)}
		l.entries[ip] = entry
	}
	entry.lastAccess = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// sweep drops entries idle past the TTL. Called from the gateway's
// housekeeping ticker.
func (l *ipLimiter) sweep() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, entry := range l.entries {
		if now.Sub(entry.lastAccess) > l.ttl {
			delete(l.entries, ip)
		}
	}
}

func (l *ipLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
