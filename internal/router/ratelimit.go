package router

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ovaphlow/pitchfork/service-ebook-go/pkg/utilities"
)

const (
	limiterIdle  = 10 * time.Minute
	limiterSweep = 1024
)

type clientLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter throttles requests per client address with a token bucket.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	every   rate.Limit
	burst   int
	now     func() time.Time

	// trustProxy keys clients on X-Forwarded-For instead of the peer address.
	trustProxy bool
}

// NewRateLimiter allows perSec requests per second per client with the given
// burst. perSec <= 0 disables limiting. Clients are keyed on the peer address
// unless TrustForwardedFor is set.
func NewRateLimiter(perSec float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		clients: make(map[string]*clientLimiter),
		every:   rate.Limit(perSec),
		burst:   burst,
		now:     time.Now,
	}
}

// TrustForwardedFor keys clients on the last X-Forwarded-For hop. Only enable
// it behind a proxy that appends to the header, since clients can forge it.
func (rl *RateLimiter) TrustForwardedFor(trust bool) *RateLimiter {
	rl.trustProxy = trust
	return rl
}

func (rl *RateLimiter) Allow(client string) bool {
	if rl.every <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if len(rl.clients) >= limiterSweep {
		for k, c := range rl.clients {
			if now.Sub(c.seen) > limiterIdle {
				delete(rl.clients, k)
			}
		}
	}
	c, ok := rl.clients[client]
	if !ok {
		c = &clientLimiter{lim: rate.NewLimiter(rl.every, rl.burst)}
		rl.clients[client] = c
	}
	c.seen = now
	return c.lim.AllowN(now, 1)
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(rl.clientAddr(r)) {
			w.Header().Set("Retry-After", "1")
			utilities.WriteMessage(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) clientAddr(r *http.Request) string {
	if rl.trustProxy {
		if ip := lastForwarded(r.Header.Values("X-Forwarded-For")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// lastForwarded returns the right-most X-Forwarded-For entry, the one added by
// the nearest proxy.
func lastForwarded(values []string) string {
	for i := len(values) - 1; i >= 0; i-- {
		hops := strings.Split(values[i], ",")
		for j := len(hops) - 1; j >= 0; j-- {
			if ip := strings.TrimSpace(hops[j]); ip != "" {
				return ip
			}
		}
	}
	return ""
}
