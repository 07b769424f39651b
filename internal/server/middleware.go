// Package server wires the ledger's engines onto the HTTP surface
// described by spec §6, using the stdlib http.ServeMux the way
// main.go routes the validator's REST API (no router framework).
package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fidarail/fesledger/internal/apierr"
	"github.com/fidarail/fesledger/internal/auth"
	"github.com/fidarail/fesledger/internal/obs"
	"github.com/fidarail/fesledger/internal/ratelimit"
)

type ctxKey string

const (
	ctxRequestID ctxKey = "request_id"
	ctxPrincipal ctxKey = "principal"
)

// requestIDMiddleware stamps every request with an id used for error
// correlation (spec §7: non-user-visible errors are logged with it).
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxRequestID, uuid.NewString())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxRequestID).(string); ok {
		return id
	}
	return "unknown"
}

// bodyLimitMiddleware caps each request body at maxBytes, counted
// against bytes actually read rather than the advisory Content-Length
// header (spec §4.7). It writes no response itself: the handler runs,
// its read past the cap fails, and decodeJSON turns that failure into a
// 413. A handler that never reads its body is not rejected.
func bodyLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r.WithContext(r.Context()))
		})
	}
}

// accessLogMiddleware logs and records metrics for each request,
// matching pkg/database/client.go's plain log.Logger convention.
func accessLogMiddleware(logger *log.Logger, metrics *obs.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			elapsed := time.Since(start)
			logger.Printf("%s %s %d %s", r.Method, r.URL.Path, sw.status, elapsed)
			if metrics != nil {
				metrics.Requests.WithLabelValues(r.URL.Path, r.Method, http.StatusText(sw.status)).Inc()
				metrics.RequestLatency.WithLabelValues(r.URL.Path, r.Method).Observe(elapsed.Seconds())
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// authMiddleware resolves the x-api-key header into a Record and
// stores it in the request context. Handlers that need a specific role
// or tenant scope check it themselves via auth.RequireRole/RequireTenant.
func authMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec, err := authenticator.Authenticate(r.Context(), r.Header.Get("x-api-key"))
			if err != nil {
				apierr.WriteHTTP(w, requestID(r.Context()), err)
				return
			}
			ctx := context.WithValue(r.Context(), ctxPrincipal, rec)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func principal(ctx context.Context) *auth.Record {
	rec, _ := ctx.Value(ctxPrincipal).(*auth.Record)
	return rec
}

// rateLimitMiddleware enforces the token-bucket limiter keyed by the
// authenticated principal's key id. Must run after authMiddleware.
func rateLimitMiddleware(limiter *ratelimit.Limiter, metrics *obs.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := principal(r.Context())
			if rec != nil {
				if err := limiter.Allow(r.Context(), rec.KeyID); err != nil {
					if metrics != nil {
						metrics.RateLimited.WithLabelValues(rec.KeyID).Inc()
					}
					apierr.WriteHTTP(w, requestID(r.Context()), err)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(r.Context()))
		})
	}
}

// chain composes middleware in the order given, outermost first.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
