package vector

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/noteflow-api/internal/repo"
)

// Registry owns one Index per tenant, materialized lazily on first use.
// An index belonging to tenant T only ever holds T's note ids.
type Registry struct {
	dim   int
	dir   string // snapshot directory; empty disables persistence
	embed Embedder

	mu      sync.Mutex
	indexes map[uuid.UUID]*Index
}

func NewRegistry(dim int, dir string, embed Embedder) *Registry {
	if embed == nil {
		embed = HashEmbedder(dim)
	}
	return &Registry{
		dim:     dim,
		dir:     dir,
		embed:   embed,
		indexes: make(map[uuid.UUID]*Index),
	}
}

// For returns the tenant's index, loading its snapshot on first access.
func (r *Registry) For(tenantID uuid.UUID) *Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ix, ok := r.indexes[tenantID]; ok {
		return ix
	}
	path := ""
	if r.dir != "" {
		path = filepath.Join(r.dir, fmt.Sprintf("index_%s.gob", tenantID))
	}
	ix := NewIndex(tenantID, r.dim, path)
	ix.load()
	r.indexes[tenantID] = ix
	return ix
}

// IndexNote embeds a note's title and body and upserts it.
func (r *Registry) IndexNote(tenantID uuid.UUID, note repo.Note) error {
	vec := r.embed(note.Title + "\n\n" + note.Body)
	return r.For(tenantID).Upsert(note.ID, vec)
}

// RemoveNote drops a note from the tenant's index.
func (r *Registry) RemoveNote(tenantID, noteID uuid.UUID) {
	r.For(tenantID).Delete(noteID)
}

// Search embeds the query and runs it against the tenant's index.
func (r *Registry) Search(tenantID uuid.UUID, query string, k int) ([]Result, error) {
	return r.For(tenantID).Search(r.embed(query), k)
}

// Rebuild enumerates every non-deleted note for the tenant, recomputes
// embeddings, and replaces the in-memory state atomically. Returns the
// number of notes indexed.
func (r *Registry) Rebuild(ctx context.Context, tenantID uuid.UUID, store repo.Store) (int, error) {
	const page = 500
	var ids []uuid.UUID
	var vecs [][]float32

	for offset := 0; ; offset += page {
		notes, err := store.ListNotes(ctx, tenantID, offset, page)
		if err != nil {
			return 0, fmt.Errorf("rebuild: %w", err)
		}
		for _, n := range notes {
			ids = append(ids, n.ID)
			vecs = append(vecs, r.embed(n.Title+"\n\n"+n.Body))
		}
		if len(notes) < page {
			break
		}
	}

	r.For(tenantID).ReplaceAll(ids, vecs)
	log.Ctx(ctx).Info().
		Str("tenant_id", tenantID.String()).
		Int("notes", len(ids)).
		Msg("vector index rebuilt")
	return len(ids), nil
}
