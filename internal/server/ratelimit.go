package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// RateLimit is a per-client token bucket. Zero RequestsPerSecond disables
// limiting.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// RateLimiter keeps one limiter per client address. Idle clients are
// forgotten after idleTTL.
type RateLimiter struct {
	cfg     RateLimit
	idleTTL time.Duration
	now     func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(cfg RateLimit) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &RateLimiter{
		cfg:      cfg,
		idleTTL:  5 * time.Minute,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Allow reports whether client may make a request now.
func (r *RateLimiter) Allow(client string) bool {
	if r == nil || r.cfg.RequestsPerSecond <= 0 {
		return true
	}
	return r.limiter(client).Allow()
}

func (r *RateLimiter) limiter(client string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	v, ok := r.visitors[client]
	if !ok {
		r.evict(now)
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(r.cfg.RequestsPerSecond), r.cfg.Burst)}
		r.visitors[client] = v
	}
	v.lastSeen = now
	return v.limiter
}

func (r *RateLimiter) evict(now time.Time) {
	for id, v := range r.visitors {
		if now.Sub(v.lastSeen) > r.idleTTL {
			delete(r.visitors, id)
		}
	}
}

// Middleware rejects over-limit HTTP requests with 429.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.Allow(clientID(req)) {
			writeError(w, status.Error(codes.ResourceExhausted, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, req)
	})
}

// UnaryInterceptor rejects over-limit gRPC calls with ResourceExhausted.
func (r *RateLimiter) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		client := "unknown"
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			client = hostOnly(p.Addr.String())
		}
		if !r.Allow(client) {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if parsed := net.ParseIP(first); parsed != nil {
			return parsed.String()
		}
	}
	return hostOnly(r.RemoteAddr)
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
