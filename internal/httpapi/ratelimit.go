package httpapi

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ent0n29/voicetalk/internal/auth"
)

const limiterIdleTTL = 10 * time.Minute

type userLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// submitLimiter meters clip submissions per authenticated user with a token
// bucket refilled perMinute times a minute and a burst of perMinute.
type submitLimiter struct {
	perMinute int

	mu     sync.Mutex
	users  map[string]*userLimiter
	sweeps int
}

func newSubmitLimiter(perMinute int) *submitLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &submitLimiter{perMinute: perMinute, users: make(map[string]*userLimiter)}
}

func (l *submitLimiter) allow(userID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[userID]
	if !ok {
		u = &userLimiter{lim: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60), l.perMinute)}
		l.users[userID] = u
	}
	u.lastSeen = now

	l.sweeps++
	if l.sweeps >= 256 {
		l.sweeps = 0
		for id, other := range l.users {
			if now.Sub(other.lastSeen) > limiterIdleTTL {
				delete(l.users, id)
			}
		}
	}
	return u.lim.AllowN(now, 1)
}

// middleware must run after auth.Middleware. A nil limiter lets everything
// through.
func (l *submitLimiter) middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(auth.UserIDFrom(r.Context()), time.Now()) {
			w.Header().Set("Retry-After", "60")
			respondError(w, http.StatusTooManyRequests, "rate_limited", "too many submissions, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}
