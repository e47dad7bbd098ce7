package main

import (
	"fmt"
	"net"
	"net/http"

	"github.com/BaSui01/agentflow/internal/gateway"
	"github.com/BaSui01/agentflow/types"
	"go.uber.org/zap"
)

// Middleware wraps an http.Handler, mirroring the framework's own
// middleware-chain convention.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares in order, so the first entry runs outermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery recovers from a handler panic and returns 500 instead of
// crashing the daemon.
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", zap.Any("error", err), zap.String("path", r.URL.Path))
					http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// LoopbackOnly rejects any request whose remote address isn't a loopback
// IP. The gateway is meant to sit behind nothing but localhost callers.
func LoopbackOnly(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !gateway.IsLoopback(host) {
				logger.Warn("rejected non-loopback request", zap.String("remote_addr", r.RemoteAddr))
				writeMiddlewareError(w, http.StatusForbidden, gateway.ErrLoopbackRequired, "requests are only accepted from loopback addresses")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ConnectionLimit caps concurrent in-flight requests per source IP using
// the gateway's ConnectionTracker.
func ConnectionLimit(tracker *gateway.ConnectionTracker) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !tracker.TryAcquire(host) {
				writeMiddlewareError(w, http.StatusTooManyRequests, gateway.ErrConnectionLimit, "too many concurrent connections from this address")
				return
			}
			defer tracker.Release(host)
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit enforces the configured per-minute/per-hour request budget,
// keyed by the caller's resolved API key (falling back to remote IP when
// no key is present on the request). The backend is config-selected: the
// in-memory RateLimiter by default, or a RedisRateLimiter when the gateway
// runs as multiple replicas behind a load balancer.
func RateLimit(limiter gateway.RateLimiterBackend) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("x-api-key")
			if key == "" {
				key = r.Header.Get("Authorization")
			}
			if key == "" {
				key, _, _ = net.SplitHostPort(r.RemoteAddr)
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				writeMiddlewareError(w, http.StatusInternalServerError, types.ErrInternalError, "rate limiter unavailable")
				return
			}
			if !result.Allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", result.RetryAfterSeconds))
				writeMiddlewareError(w, http.StatusTooManyRequests, types.ErrRateLimited, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeMiddlewareError(w http.ResponseWriter, status int, code types.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"success":false,"error":{"code":%q,"message":%q}}`, string(code), message)
}
