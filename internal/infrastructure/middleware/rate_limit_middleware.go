package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"peercall/pkg/config"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// visitor pairs a limiter with its last activity so idle entries can be
// swept.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type visitorStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
}

func newVisitorStore(r rate.Limit, burst int) *visitorStore {
	s := &visitorStore{
		visitors: make(map[string]*visitor),
		rate:     r,
		burst:    burst,
	}
	go s.sweep()
	return s
}

func (s *visitorStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(s.rate, s.burst)}
		s.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// sweep drops visitors idle for a few minutes. The store lives for the
// process, so the goroutine never needs to stop.
func (s *visitorStore) sweep() {
	for range time.Tick(time.Minute) {
		s.mu.Lock()
		for key, v := range s.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(s.visitors, key)
			}
		}
		s.mu.Unlock()
	}
}

// clientIP extracts the IP part from the request's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := net.ParseIP(xff); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware applies per-IP rate limiting and an optional
// global concurrency cap to the control API.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.Control.RateLimit.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newVisitorStore(
		rate.Limit(cfg.Control.RateLimit.RequestsPerSecond),
		cfg.Control.RateLimit.Burst,
	)

	var globalSem chan struct{}
	if cfg.Control.RateLimit.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.Control.RateLimit.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error": "too many concurrent requests",
				})
				return
			}
		}

		if !store.get(clientIP(c.Request)).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
