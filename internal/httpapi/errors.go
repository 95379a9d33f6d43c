package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Error codes shared across the REST surface.
const (
	codeForbidden       = "forbidden"
	codeNotFound        = "not_found"
	codeVersionMismatch = "version_mismatch"
	codeRateLimited     = "rate_limited"
	codeInvalid         = "invalid"
	codeInternal        = "internal"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	CurrentVersion *int   `json:"current_version,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes the uniform error envelope used by every surface.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeVersionMismatch is the 409 variant carrying the current version so
// the client can refresh and retry.
func writeVersionMismatch(w http.ResponseWriter, current int) {
	writeJSON(w, http.StatusConflict, errorBody{Error: errorDetail{
		Code:           codeVersionMismatch,
		Message:        "note version mismatch",
		CurrentVersion: &current,
	}})
}
