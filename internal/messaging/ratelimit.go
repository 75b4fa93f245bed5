package messaging

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/fablink/messaging/internal/identity"
)

// SendLimiter caps the send rate per identity. It sits only on the send
// route: reads and mark-read calls are cheap and stay unthrottled.
type SendLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewSendLimiter(perSecond float64, burst int) *SendLimiter {
	return &SendLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *SendLimiter) limiter(identityID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[identityID]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[identityID] = lim
	}
	return lim
}

// Allow reports whether the identity may send now.
func (l *SendLimiter) Allow(identityID string) bool {
	return l.limiter(identityID).Allow()
}

// Middleware rejects over-limit sends with 429.
func (l *SendLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identityID, ok := identity.FromContext(r.Context())
		if ok && !l.Allow(identityID) {
			http.Error(w, "send rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
