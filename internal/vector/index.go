package vector

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrDimensionMismatch rejects vectors whose length differs from the
// index's fixed dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Result is one search hit. Similarity is in [0,1], larger is closer.
type Result struct {
	NoteID     uuid.UUID
	Similarity float64
}

// Index is one tenant's in-memory similarity index: note ids in insertion
// order with parallel unit-length vectors. All operations are serialized
// under the instance lock; different tenants' indexes proceed
// independently. Every mutation persists a snapshot when a path is set.
type Index struct {
	tenantID uuid.UUID
	dim      int
	path     string // snapshot file; empty disables persistence

	mu   sync.RWMutex
	ids  []uuid.UUID
	vecs [][]float32
}

func NewIndex(tenantID uuid.UUID, dim int, path string) *Index {
	return &Index{tenantID: tenantID, dim: dim, path: path}
}

// Len returns the number of indexed notes.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

// Upsert replaces any prior entry for the note and appends the new vector,
// normalized on write.
func (ix *Index) Upsert(noteID uuid.UUID, vec []float32) error {
	if len(vec) != ix.dim {
		return fmt.Errorf("%w: got %d, index dimension is %d", ErrDimensionMismatch, len(vec), ix.dim)
	}
	normalized := Normalize(append([]float32(nil), vec...))

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(noteID)
	ix.ids = append(ix.ids, noteID)
	ix.vecs = append(ix.vecs, normalized)
	ix.persistLocked()
	return nil
}

// Delete removes the note's entry if present.
func (ix *Index) Delete(noteID uuid.UUID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.removeLocked(noteID) {
		ix.persistLocked()
	}
}

func (ix *Index) removeLocked(noteID uuid.UUID) bool {
	for i, id := range ix.ids {
		if id == noteID {
			ix.ids = append(ix.ids[:i], ix.ids[i+1:]...)
			ix.vecs = append(ix.vecs[:i], ix.vecs[i+1:]...)
			return true
		}
	}
	return false
}

// Search returns up to k hits in non-increasing similarity order. Ties
// break by insertion order, older entries first. Similarity is
// 1 - d²/2 for unit vectors (the dot product) clamped to [0,1].
func (ix *Index) Search(query []float32, k int) ([]Result, error) {
	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: got %d, index dimension is %d", ErrDimensionMismatch, len(query), ix.dim)
	}
	q := Normalize(append([]float32(nil), query...))

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	results := make([]Result, 0, len(ix.ids))
	for i, id := range ix.ids {
		sim := dot(q, ix.vecs[i])
		if sim < 0 {
			sim = 0
		} else if sim > 1 {
			sim = 1
		}
		results = append(results, Result{NoteID: id, Similarity: sim})
	}
	// Stable over insertion order, so equal similarities keep older first.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// ReplaceAll atomically swaps the index contents, used by rebuild.
// Vectors are normalized; entries with a wrong dimension are skipped.
func (ix *Index) ReplaceAll(ids []uuid.UUID, vecs [][]float32) {
	newIDs := make([]uuid.UUID, 0, len(ids))
	newVecs := make([][]float32, 0, len(ids))
	for i := range ids {
		if len(vecs[i]) != ix.dim {
			continue
		}
		newIDs = append(newIDs, ids[i])
		newVecs = append(newVecs, Normalize(append([]float32(nil), vecs[i]...)))
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.ids = newIDs
	ix.vecs = newVecs
	ix.persistLocked()
}

// snapshot is the durable form of one tenant's index. The format is
// internal: the only contract is that a process with the same embedding
// dimension can reload it.
type snapshot struct {
	Dim  int
	IDs  []uuid.UUID
	Vecs [][]float32
}

func (ix *Index) persistLocked() {
	if ix.path == "" {
		return
	}
	tmp := ix.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", ix.tenantID.String()).Msg("vector snapshot create failed")
		return
	}
	err = gob.NewEncoder(f).Encode(snapshot{Dim: ix.dim, IDs: ix.ids, Vecs: ix.vecs})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, ix.path)
	}
	if err != nil {
		log.Error().Err(err).Str("tenant_id", ix.tenantID.String()).Msg("vector snapshot write failed")
		os.Remove(tmp)
	}
}

// load rehydrates the index from its snapshot file. A missing or
// unreadable snapshot, or one written with a different dimension, leaves
// the index empty.
func (ix *Index) load() {
	if ix.path == "" {
		return
	}
	f, err := os.Open(ix.path)
	if err != nil {
		return
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		log.Warn().Err(err).Str("tenant_id", ix.tenantID.String()).Msg("vector snapshot unreadable, starting empty")
		return
	}
	if snap.Dim != ix.dim {
		log.Warn().
			Int("snapshot_dim", snap.Dim).
			Int("index_dim", ix.dim).
			Str("tenant_id", ix.tenantID.String()).
			Msg("vector snapshot dimension differs, starting empty")
		return
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.ids = snap.IDs
	ix.vecs = snap.Vecs
}
