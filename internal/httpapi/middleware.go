package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/noteflow-api/internal/auth"
	"github.com/erauner12/noteflow-api/internal/quota"
	"github.com/erauner12/noteflow-api/internal/usage"
)

type contextKey string

const correlationIDKey contextKey = "correlationId"

// CorrelationMiddleware reads X-Correlation-ID header and adds it to context
// Generates a new correlation ID if client doesn't provide one
// This enables end-to-end request tracing across client and server logs
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		// Add to response headers for client verification
		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)

		// Add to logger context for all logs in this request
		logger := log.With().Str("correlation_id", correlationID).Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey).(string); ok {
		return correlationID
	}
	return ""
}

// QuotaMiddleware charges one request plus the request body length against
// the tenant's REST buckets before the handler runs. Denials answer 429
// with Retry-After and the rate-limit headers; token counts in the headers
// come from a read-only snapshot, so rendering them never refills a bucket.
func QuotaMiddleware(engine *quota.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFrom(r.Context())
			if !ok {
				// Auth middleware runs first; this is a wiring bug.
				writeError(w, http.StatusInternalServerError, codeInternal, "no identity in context")
				return
			}

			bytes := 0
			if r.ContentLength > 0 {
				bytes = int(r.ContentLength)
			}
			limits := quota.LimitsFor(id.Tenant)

			decision, err := engine.TryConsume(r.Context(), id.Principal.TenantID, quota.SurfaceREST, bytes, limits)
			if err != nil {
				log.Ctx(r.Context()).Error().Err(err).Msg("quota check failed")
				writeError(w, http.StatusInternalServerError, codeInternal, "quota check failed")
				return
			}
			if !decision.Allowed {
				if snap, err := engine.Remaining(r.Context(), id.Principal.TenantID, quota.SurfaceREST, limits); err == nil {
					for k, v := range quota.Headers(snap, limits) {
						w.Header().Set(k, v)
					}
				}
				retryAfter := int(decision.RetryAfter.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Ctx(r.Context()).Warn().
					Str("path", r.URL.Path).
					Int("retry_after", retryAfter).
					Msg("rate limit exceeded")

				writeError(w, http.StatusTooManyRequests, codeRateLimited,
					"rate limit exceeded, retry after "+strconv.Itoa(retryAfter)+" seconds")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// UsageMiddleware emits one usage record per completed request, charging
// the response byte count. Emission is non-blocking; the serving path
// never waits on the billing log.
func UsageMiddleware(emitter *usage.Emitter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if id, ok := auth.IdentityFrom(r.Context()); ok {
				principalID := id.Principal.ID
				emitter.Emit(id.Principal.TenantID, &principalID,
					string(quota.SurfaceREST), r.Method+" "+r.URL.Path, ww.BytesWritten())
			}
		})
	}
}
