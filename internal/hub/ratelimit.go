package hub

import (
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleAge = 5 * time.Minute

	// rateLimiterShards controls how many independent shards the handshake
	// limiter uses so distinct remote addresses rarely share a mutex.
	rateLimiterShards = 16
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter is a sharded per-key handshake limiter.
type rateLimiter struct {
	limit  rate.Limit
	burst  int
	shards [rateLimiterShards]rateLimiterShard
}

type rateLimiterShard struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	rl := &rateLimiter{limit: rate.Limit(perSecond), burst: burst}
	for i := range rl.shards {
		rl.shards[i].entries = make(map[string]*limiterEntry)
	}
	return rl
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % rateLimiterShards)
}

func (rl *rateLimiter) allow(key string) bool {
	s := &rl.shards[shardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, ok := s.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		s.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// cleanup evicts idle entries. Called by the janitor so allow never pays
// for map iteration.
func (rl *rateLimiter) cleanup() {
	now := time.Now()
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if now.Sub(e.lastSeen) > limiterIdleAge {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

func (rl *rateLimiter) size() int {
	n := 0
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
