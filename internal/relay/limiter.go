package relay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/1ureka.net.relay/internal/identity"
)

// limiterIdle is how long a source's bucket is kept after its last use.
const limiterIdle = 5 * time.Minute

type sourceLimiter struct {
	*rate.Limiter
	lastUsage time.Time
}

// handshakeLimiter rate limits relay handshakes per source peer.
type handshakeLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[identity.ID]*sourceLimiter
}

// newHandshakeLimiter allows perSecond handshakes per source with the given
// burst. perSecond <= 0 disables limiting.
func newHandshakeLimiter(perSecond float64, burst int) *handshakeLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &handshakeLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[identity.ID]*sourceLimiter),
	}
}

// Allow reports whether source may start another handshake now.
func (h *handshakeLimiter) Allow(source identity.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	lim, ok := h.limiters[source]
	if !ok {
		lim = &sourceLimiter{Limiter: rate.NewLimiter(h.limit, h.burst)}
		h.limiters[source] = lim
	}
	lim.lastUsage = time.Now()
	return lim.Allow()
}

// cleanup forgets sources idle for longer than limiterIdle.
func (h *handshakeLimiter) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for source, lim := range h.limiters {
		if time.Since(lim.lastUsage) > limiterIdle {
			delete(h.limiters, source)
		}
	}
}
