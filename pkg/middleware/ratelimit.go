package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/Mega-0064/Learning-Platform/pkg/errors"
	"github.com/Mega-0064/Learning-Platform/pkg/httputil"
)

// RateLimitConfig configures per-client token buckets. An RPS of zero
// disables limiting.
type RateLimitConfig struct {
	RPS   float64
	Burst int
	// TTL evicts clients not seen for this long. Defaults to 3m.
	TTL time.Duration
	// TrustForwarded keys clients by X-Forwarded-For / X-Real-IP. Enable it
	// only behind a proxy that sets those headers.
	TrustForwarded bool
}

// Enabled reports whether the limiter should be mounted.
func (c RateLimitConfig) Enabled() bool {
	return c.RPS > 0
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitorStore holds one limiter per client. Stale entries are swept on
// access once per TTL, so no background goroutine is needed.
type visitorStore struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newVisitorStore(cfg RateLimitConfig) *visitorStore {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = int(math.Ceil(cfg.RPS))
	}
	return &visitorStore{
		visitors:  make(map[string]*visitor),
		limit:     rate.Limit(cfg.RPS),
		burst:     burst,
		ttl:       ttl,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// reserve returns whether the client may proceed and, if not, how long
// until a token is available.
func (s *visitorStore) reserve(key string) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) > s.ttl {
		for k, v := range s.visitors {
			if now.Sub(v.lastSeen) > s.ttl {
				delete(s.visitors, k)
			}
		}
		s.lastSweep = now
	}

	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.visitors[key] = v
	}
	v.lastSeen = now

	r := v.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (s *visitorStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visitors)
}

// RateLimit rejects clients that exceed cfg with 429 RATE_LIMITED and a
// Retry-After header. Mount it on unauthenticated credential routes.
func RateLimit(cfg RateLimitConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if !cfg.Enabled() {
		return func(next http.Handler) http.Handler { return next }
	}
	store := newVisitorStore(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, cfg.TrustForwarded)
			ok, wait := store.reserve(ip)
			if !ok {
				logger.WarnContext(r.Context(), "rate limit exceeded",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				httputil.WriteError(w, r, apperrors.New(apperrors.CodeRateLimited,
					"too many requests", http.StatusTooManyRequests, nil), logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the address used to key the limiter.
func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
