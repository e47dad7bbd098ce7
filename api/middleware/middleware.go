// Package middleware holds the gateway's optional HTTP middlewares: the
// ones a deployment opts into on top of the always-on loopback/connection
// cap/token-bucket chain in cmd/gatewayd. These exist for operators who
// front the gateway with something other than "localhost only" — a shared
// JWT issuer, a coarse per-IP limiter ahead of the fine-grained one, or an
// OTLP collector for distributed tracing across provider calls.
package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Middleware wraps an http.Handler, mirroring the gateway's own
// middleware-chain convention in cmd/gatewayd.
type Middleware func(http.Handler) http.Handler

// =============================================================================
// 🔐 JWTAuth — optional bearer-token auth
// =============================================================================

// JWTAuth validates an HS256-signed bearer token against secret. The
// gateway daemon adds it in addition to its loopback-only check, for
// deployments that share a JWT issuer with the gateway rather than trusting
// the local machine alone.
func JWTAuth(secret string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(authz, prefix) {
				writeUnauthorized(w, "missing bearer token")
				return
			}

			tokenStr := strings.TrimPrefix(authz, prefix)
			token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				writeUnauthorized(w, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"success":false,"error":{"code":"UNAUTHORIZED","message":%q}}`, message)
}

// =============================================================================
// 🪣 CoarseRateLimit — per-IP golang.org/x/time/rate limiter
// =============================================================================

// IPRateLimiter holds one token-bucket rate.Limiter per source IP. It is
// deliberately coarser than gateway.RateLimiter's per-key two-window budget
// — defense in depth ahead of it, not a replacement.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewIPRateLimiter builds a limiter allowing rps requests/second with the
// given burst, tracked independently per source IP.
func NewIPRateLimiter(rps float64, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *IPRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[ip] = lim
	}
	return lim.Allow()
}

// CoarseRateLimit rejects a request once its source IP exceeds the
// configured rate, independent of the per-key token-bucket limiter.
func CoarseRateLimit(l *IPRateLimiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !l.allow(host) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprint(w, `{"success":false,"error":{"code":"RATE_LIMITED","message":"too many requests"}}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// 🔭 OTelTracing — span per request, propagated through provider calls
// =============================================================================

// OTelTracing starts a span for every request under the given tracer and
// attaches it to the request context, so the span is still the active one
// by the time a handler reaches out to an upstream provider — anthropic.go
// and openaicompat.go both inject the active span's context into their
// outbound requests.
func OTelTracing(tp *sdktrace.TracerProvider, serviceName string) Middleware {
	tracer := tp.Tracer(serviceName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.URL.Path,
				oteltrace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.path", r.URL.Path),
				),
			)
			defer span.End()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
