package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/noteflow-api/internal/auth"
	"github.com/erauner12/noteflow-api/internal/repo"
)

type createKeyReq struct {
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type createKeyResp struct {
	repo.APIKey
	// Secret is the full plaintext key, shown exactly once.
	Secret string `json:"secret"`
}

// CreateAPIKey handles POST /v1/api-keys. Only the digest is stored; the
// plaintext secret appears in this response and nowhere else.
func (s *Server) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r, auth.RoleOwner)
	if !ok {
		return
	}

	var req createKeyReq
	if err := decodeStrict(r.Body, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, codeInvalid, "body must be a {name, expires_at?} object with a non-empty name")
		return
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		writeError(w, http.StatusBadRequest, codeInvalid, "expires_at must be in the future")
		return
	}

	secret, err := auth.GenerateAPIKey(s.Gate.KeyPrefix)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("api key generation failed")
		writeError(w, http.StatusInternalServerError, codeInternal, "key generation failed")
		return
	}

	rec, err := s.Store.CreateAPIKey(r.Context(), id.Principal.TenantID, req.Name, auth.DigestAPIKey(secret), req.ExpiresAt)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("api key insert failed")
		writeError(w, http.StatusInternalServerError, codeInternal, "key creation failed")
		return
	}

	log.Ctx(r.Context()).Info().Str("key_id", rec.ID.String()).Str("name", rec.Name).Msg("api key created")
	writeJSON(w, http.StatusCreated, createKeyResp{APIKey: rec, Secret: secret})
}

// ListAPIKeys handles GET /v1/api-keys; digests and secrets never appear.
func (s *Server) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r, auth.RoleOwner)
	if !ok {
		return
	}

	keys, err := s.Store.ListAPIKeys(r.Context(), id.Principal.TenantID)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("api key list failed")
		writeError(w, http.StatusInternalServerError, codeInternal, "list failed")
		return
	}
	if keys == nil {
		keys = []repo.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

// DeleteAPIKey handles DELETE /v1/api-keys/{id}
func (s *Server) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r, auth.RoleOwner)
	if !ok {
		return
	}
	keyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, "api key not found")
		return
	}

	if err := s.Store.DeleteAPIKey(r.Context(), id.Principal.TenantID, keyID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "api key not found")
			return
		}
		log.Ctx(r.Context()).Error().Err(err).Msg("api key delete failed")
		writeError(w, http.StatusInternalServerError, codeInternal, "delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}
