package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/noteflow-api/internal/auth"
	"github.com/erauner12/noteflow-api/internal/repo"
)

const snippetLen = 160

type searchReq struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type searchHit struct {
	NoteID     uuid.UUID `json:"note_id"`
	Similarity float64   `json:"similarity"`
	Title      string    `json:"title"`
	Snippet    string    `json:"snippet"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type searchResp struct {
	Results []searchHit `json:"results"`
}

// SearchNotes handles POST /v1/search. Hits are joined with note metadata
// from the store; a note that vanished between indexing and lookup is
// skipped rather than failing the request (the index is eventually
// consistent with soft deletes).
func (s *Server) SearchNotes(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r, auth.RoleViewer)
	if !ok {
		return
	}

	var req searchReq
	if err := decodeStrict(r.Body, &req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, codeInvalid, "body must be a {query, top_k?} object with a non-empty query")
		return
	}
	if req.TopK == 0 {
		req.TopK = 10
	}
	if req.TopK < 1 || req.TopK > 100 {
		writeError(w, http.StatusBadRequest, codeInvalid, "top_k must be between 1 and 100")
		return
	}

	matches, err := s.Index.Search(id.Principal.TenantID, req.Query, req.TopK)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("vector search failed")
		writeError(w, http.StatusInternalServerError, codeInternal, "search failed")
		return
	}

	hits := make([]searchHit, 0, len(matches))
	for _, m := range matches {
		note, err := s.Store.GetNote(r.Context(), id.Principal.TenantID, m.NoteID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Ctx(r.Context()).Error().Err(err).Str("note_id", m.NoteID.String()).Msg("search join failed")
			writeError(w, http.StatusInternalServerError, codeInternal, "search failed")
			return
		}
		hits = append(hits, searchHit{
			NoteID:     note.ID,
			Similarity: float64(m.Similarity),
			Title:      note.Title,
			Snippet:    repo.Snippet(note.Body, snippetLen),
			CreatedAt:  note.CreatedAt,
			UpdatedAt:  note.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, searchResp{Results: hits})
}

// RebuildIndex handles POST /v1/search/rebuild: re-embeds every live note
// for the caller's tenant and swaps the index state atomically.
func (s *Server) RebuildIndex(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r, auth.RoleAdmin)
	if !ok {
		return
	}

	n, err := s.Index.Rebuild(r.Context(), id.Principal.TenantID, s.Store)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("index rebuild failed")
		writeError(w, http.StatusInternalServerError, codeInternal, "rebuild failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"indexed": n})
}
