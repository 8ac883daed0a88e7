package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/PushPalsDev/pushpals-sub001/internal/metrics"
)

// Authenticate enforces the single static bearer token described in
// spec.md §4.6: every HTTP call (and the initial WS/SSE handshake) must
// carry "Authorization: Bearer <token>" when a token is configured. An
// empty token disables auth entirely — the dev-mode default, since
// PushPals has no authentication-provider integration in scope.
func Authenticate(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtleEqual(bearerToken(r), token) {
				next.ServeHTTP(w, r)
				return
			}
			ErrUnauthorized(w)
		})
	}
}

// bearerToken extracts the token from the Authorization header, or the
// `token` query parameter as a fallback for the WS/SSE handshake — browser
// EventSource and WebSocket clients cannot set custom headers.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}

// subtleEqual compares two tokens without the early-exit short-circuit a
// plain == would give a timing attack. Small scale (a single shared
// secret) does not demand crypto/subtle, but it costs nothing here.
func subtleEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	diff := byte(0)
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// RequestLogger logs method, path, status, latency and request-id for
// every request, the same shape as the teacher's RequestLogger.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := middleware.GetReqID(r.Context())
			begin := time.Now()
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(begin)),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", start),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// Instrument records HTTPRequestsTotal and HTTPRequestDuration per route —
// the matched chi pattern, not the raw path, so /sessions/{id} doesn't
// explode into one label series per session. Must sit inside the chi
// router (after route matching has populated the RouteContext) to read
// RoutePattern.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		timer := metrics.NewTimer()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		timer.ObserveSeconds(metrics.HTTPRequestDuration.WithLabelValues(route))
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
	})
}
