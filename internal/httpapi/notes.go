package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/noteflow-api/internal/auth"
	"github.com/erauner12/noteflow-api/internal/repo"
)

// identity pulls the authenticated identity and enforces the minimum role,
// writing the error response itself when the check fails.
func (s *Server) identity(w http.ResponseWriter, r *http.Request, min auth.Role) (auth.Identity, bool) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "no identity in context")
		return auth.Identity{}, false
	}
	if err := auth.RequireRole(id, min); err != nil {
		writeError(w, http.StatusForbidden, codeForbidden, "insufficient role")
		return auth.Identity{}, false
	}
	return id, true
}

// noteID parses the {id} route parameter.
func noteID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, "note not found")
		return uuid.Nil, false
	}
	return id, true
}

// decodeStrict decodes a JSON body against a closed schema; unknown
// fields are rejected.
func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func etagFor(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

type createNoteReq struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// CreateNote handles POST /v1/notes
func (s *Server) CreateNote(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r, auth.RoleEditor)
	if !ok {
		return
	}

	var req createNoteReq
	if err := decodeStrict(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, "body must be a {title, body} object")
		return
	}

	note, err := s.Store.CreateNote(r.Context(), id.Principal.TenantID, req.Title, req.Body)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("create note failed")
		writeError(w, http.StatusInternalServerError, codeInternal, "create failed")
		return
	}

	if err := s.Index.IndexNote(id.Principal.TenantID, note); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Str("note_id", note.ID.String()).Msg("index after create failed")
	}

	writeJSON(w, http.StatusCreated, map[string]any{"note_id": note.ID})
}

// GetNote handles GET /v1/notes/{id} with conditional-GET support.
func (s *Server) GetNote(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r, auth.RoleViewer)
	if !ok {
		return
	}
	nid, ok := noteID(w, r)
	if !ok {
		return
	}

	note, err := s.Store.GetNote(r.Context(), id.Principal.TenantID, nid)
	if err != nil {
		s.writeNoteError(w, r, err)
		return
	}

	etag := etagFor(note.Version)
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// ListNotes handles GET /v1/notes?skip=&limit=
func (s *Server) ListNotes(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r, auth.RoleViewer)
	if !ok {
		return
	}

	skip := 0
	if q := r.URL.Query().Get("skip"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, codeInvalid, "skip must be a non-negative integer")
			return
		}
		skip = n
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 100, 1000)

	notes, err := s.Store.ListNotes(r.Context(), id.Principal.TenantID, skip, limit)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("list notes failed")
		writeError(w, http.StatusInternalServerError, codeInternal, "list failed")
		return
	}
	if notes == nil {
		notes = []repo.Note{}
	}
	writeJSON(w, http.StatusOK, notes)
}

// PatchNote handles PATCH /v1/notes/{id}. Without If-Match the patch is
// last-writer-wins and bumps the version by one; with If-Match the commit
// is version-guarded like a streaming patch and answers 409 on conflict.
func (s *Server) PatchNote(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r, auth.RoleEditor)
	if !ok {
		return
	}
	nid, ok := noteID(w, r)
	if !ok {
		return
	}

	var patch repo.NotePatch
	if err := decodeStrict(r.Body, &patch); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, "body must be a {title?, body?} object")
		return
	}

	var note repo.Note
	var err error
	if match := r.Header.Get("If-Match"); match != "" {
		expected, perr := parseETagVersion(match)
		if perr != nil {
			writeError(w, http.StatusBadRequest, codeInvalid, `If-Match must be a W/"{version}" tag`)
			return
		}
		note, err = s.Store.CommitVersioned(r.Context(), id.Principal.TenantID, nid, expected, patch)
	} else {
		note, err = s.Store.PatchNote(r.Context(), id.Principal.TenantID, nid, patch)
	}
	if err != nil {
		if vm, ok := repo.IsVersionMismatch(err); ok {
			writeVersionMismatch(w, vm.Current)
			return
		}
		s.writeNoteError(w, r, err)
		return
	}

	if err := s.Index.IndexNote(id.Principal.TenantID, note); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Str("note_id", note.ID.String()).Msg("reindex after patch failed")
	}

	w.Header().Set("ETag", etagFor(note.Version))
	writeJSON(w, http.StatusOK, map[string]any{"version": note.Version})
}

// DeleteNote handles DELETE /v1/notes/{id}; soft delete, idempotence is
// one-shot (the second call is a 404).
func (s *Server) DeleteNote(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r, auth.RoleEditor)
	if !ok {
		return
	}
	nid, ok := noteID(w, r)
	if !ok {
		return
	}

	if err := s.Store.SoftDeleteNote(r.Context(), id.Principal.TenantID, nid); err != nil {
		s.writeNoteError(w, r, err)
		return
	}
	s.Index.RemoveNote(id.Principal.TenantID, nid)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) writeNoteError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, codeNotFound, "note not found")
		return
	}
	log.Ctx(r.Context()).Error().Err(err).Msg("note operation failed")
	writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
}

// parseETagVersion extracts the version from a weak entity tag.
func parseETagVersion(tag string) (int, error) {
	tag = strings.TrimPrefix(tag, "W/")
	tag = strings.Trim(tag, `"`)
	v, err := strconv.Atoi(tag)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("malformed entity tag %q", tag)
	}
	return v, nil
}
