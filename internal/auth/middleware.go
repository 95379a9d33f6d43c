package auth

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
)

// CredentialsFromRequest pulls the two accepted credential kinds off a
// request. The bearer token comes from the Authorization header or, for
// websocket clients that cannot set headers, the token query parameter;
// the API key from the x-api-key header or the api_key query parameter.
func CredentialsFromRequest(r *http.Request) (bearer, apiKey string) {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		bearer = h[7:]
	}
	if bearer == "" {
		bearer = r.URL.Query().Get("token")
	}
	apiKey = r.Header.Get("x-api-key")
	if apiKey == "" {
		apiKey = r.URL.Query().Get("api_key")
	}
	return bearer, apiKey
}

// Middleware authenticates every request through the gate and attaches the
// resolved identity to the request context. Unauthenticated requests are
// rejected here; role checks happen per route.
func Middleware(gate *Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer, apiKey := CredentialsFromRequest(r)

			id, err := gate.Authenticate(r.Context(), bearer, apiKey)
			if err != nil {
				status := http.StatusUnauthorized
				code := "unauthenticated"
				if errors.Is(err, ErrExpired) {
					code = "expired"
				}
				if !errors.Is(err, ErrUnauthenticated) && !errors.Is(err, ErrExpired) {
					log.Ctx(r.Context()).Error().Err(err).Msg("authentication failed")
					status = http.StatusInternalServerError
					code = "internal"
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				w.Write([]byte(`{"error":{"code":"` + code + `","message":"authentication required"}}`))
				return
			}

			logger := log.Ctx(r.Context()).With().
				Str("tenant_id", id.Principal.TenantID.String()).
				Str("principal_id", id.Principal.ID.String()).
				Logger()
			ctx := logger.WithContext(WithIdentity(r.Context(), id))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
