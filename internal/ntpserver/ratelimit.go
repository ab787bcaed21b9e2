package ntpserver

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type clientLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter limits requests globally and per client address.
type RateLimiter struct {
	global        *rate.Limiter
	perClient     map[string]*clientLimiter
	mu            sync.Mutex
	perClientRate rate.Limit
	burstSize     int
}

// NewRateLimiter creates a limiter. A non-positive globalRate disables the
// global limit.
func NewRateLimiter(globalRate, perClientRate float64, burstSize int) *RateLimiter {
	if burstSize < 1 {
		burstSize = 1
	}
	rl := &RateLimiter{
		perClient:     make(map[string]*clientLimiter),
		perClientRate: rate.Limit(perClientRate),
		burstSize:     burstSize,
	}
	if globalRate > 0 {
		rl.global = rate.NewLimiter(rate.Limit(globalRate), burstSize*8)
	}
	return rl
}

// Allow reports whether a request from client may be answered now.
func (rl *RateLimiter) Allow(client string, now time.Time) bool {
	if rl.global != nil && !rl.global.AllowN(now, 1) {
		return false
	}
	return rl.limiterFor(client, now).AllowN(now, 1)
}

func (rl *RateLimiter) limiterFor(client string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.perClient[client]
	if !ok {
		cl = &clientLimiter{lim: rate.NewLimiter(rl.perClientRate, rl.burstSize)}
		rl.perClient[client] = cl
	}
	cl.seen = now
	return cl.lim
}

// Prune forgets clients idle for longer than idle and returns how many
// were dropped.
func (rl *RateLimiter) Prune(now time.Time, idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	dropped := 0
	for client, cl := range rl.perClient {
		if now.Sub(cl.seen) > idle {
			delete(rl.perClient, client)
			dropped++
		}
	}
	return dropped
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.perClient)
}
