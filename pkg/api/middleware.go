package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// GlobalRateLimiter manages per-IP rate limiters.
type GlobalRateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
}

// visitor tracks the limiter and last-seen time for one IP.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGlobalRateLimiter creates a per-IP limiter allowing rps requests per
// second with the given burst. A background goroutine evicts idle entries.
func NewGlobalRateLimiter(rps, burst int) *GlobalRateLimiter {
	rl := &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanupVisitors()
	return rl
}

func (rl *GlobalRateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.visitors[ip] = &visitor{limiter, time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// cleanupVisitors removes stale entries. Checks every minute, removes
// entries idle for more than 3 minutes.
func (rl *GlobalRateLimiter) cleanupVisitors() {
	for {
		time.Sleep(1 * time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware returns a handler that enforces the per-IP rate limit.
func (rl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.Trim(r.RemoteAddr, "[]")
		}

		if !rl.getVisitor(ip).Allow() {
			WriteTooManyRequests(w, 5)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type ctxKey int

const adapterClaimsKey ctxKey = iota

// AdapterFromContext returns the authenticated adapter claims, if any.
func AdapterFromContext(ctx context.Context) (*AdapterClaims, bool) {
	claims, ok := ctx.Value(adapterClaimsKey).(*AdapterClaims)
	return claims, ok
}

// requireAdapter authenticates the adapter surface. A missing or invalid
// X-Adapter-Token fails closed with 401; nothing downstream runs.
func (s *Server) requireAdapter(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Adapter-Token")
		if token == "" {
			WriteUnauthorized(w, "X-Adapter-Token header required")
			return
		}
		claims, err := VerifyAdapterToken([]byte(s.cfg.AdapterTokenSecret), token)
		if err != nil {
			s.log.Warn("adapter auth rejected", "error", err)
			WriteUnauthorized(w, "adapter token invalid")
			return
		}
		if claims.TenantID != s.cfg.TenantID {
			WriteUnauthorized(w, "adapter token tenant mismatch")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), adapterClaimsKey, claims)))
	}
}

// requireOps authenticates the operator surface with the configured bcrypt
// API key hash. An empty hash means the deployment trusts the local
// operator; the check is skipped.
func (s *Server) requireOps(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.OpsAPIKeyHash != "" {
			key := r.Header.Get("X-Ops-Api-Key")
			if key == "" {
				WriteUnauthorized(w, "X-Ops-Api-Key header required")
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.OpsAPIKeyHash), []byte(key)); err != nil {
				WriteUnauthorized(w, "ops api key invalid")
				return
			}
		}
		next(w, r)
	}
}
