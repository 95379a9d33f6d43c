// Package hub serializes concurrent patches to a single note across many
// streaming clients and fans committed updates out to every session on the
// note, including sessions attached to other process instances via the
// edit bus.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/noteflow-api/internal/auth"
	"github.com/erauner12/noteflow-api/internal/bus"
	"github.com/erauner12/noteflow-api/internal/quota"
	"github.com/erauner12/noteflow-api/internal/repo"
	"github.com/erauner12/noteflow-api/internal/usage"
	"github.com/erauner12/noteflow-api/internal/vector"
)

// DefaultQueueSize bounds each session's outbound queue. A session whose
// queue overflows is closed as a slow consumer rather than stalling the
// publisher.
const DefaultQueueSize = 32

// noteChannel groups this process's sessions on one note with the single
// bus subscription held on their behalf.
type noteChannel struct {
	sub      bus.Subscription
	sessions map[*Session]struct{}
}

// Hub is the per-process edit session registry. It holds no global state
// beyond the local registry; cross-process fan-out rides the bus.
type Hub struct {
	store repo.Store
	index *vector.Registry
	quota *quota.Engine
	bus   bus.Bus
	usage *usage.Emitter

	queueSize int

	mu       sync.Mutex
	registry map[uuid.UUID]*noteChannel
}

func New(store repo.Store, index *vector.Registry, q *quota.Engine, b bus.Bus, u *usage.Emitter) *Hub {
	return &Hub{
		store:     store,
		index:     index,
		quota:     q,
		bus:       b,
		usage:     u,
		queueSize: DefaultQueueSize,
		registry:  make(map[uuid.UUID]*noteChannel),
	}
}

func channelName(noteID uuid.UUID) string {
	return "note:" + noteID.String()
}

// Open admits a new session: role check, note lookup, registration, and
// the init frame. The caller owns the returned session and must drain
// Frames until Closed fires.
func (h *Hub) Open(ctx context.Context, id auth.Identity, noteID uuid.UUID) (*Session, error) {
	if err := auth.RequireRole(id, auth.RoleEditor); err != nil {
		return nil, err
	}

	note, err := h.store.GetNote(ctx, id.Principal.TenantID, noteID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		hub:      h,
		noteID:   noteID,
		identity: id,
		out:      make(chan Frame, h.queueSize),
		done:     make(chan struct{}),
	}

	if err := h.register(ctx, s); err != nil {
		return nil, err
	}

	// The queue is empty, so the init frame cannot overflow.
	s.enqueue(initFrame(note))
	log.Ctx(ctx).Debug().
		Str("note_id", noteID.String()).
		Int("version", note.Version).
		Msg("edit session opened")
	return s, nil
}

// register adds the session to its note channel, subscribing to the bus
// when this is the first local session on the note.
func (h *Hub) register(ctx context.Context, s *Session) error {
	h.mu.Lock()
	nc, ok := h.registry[s.noteID]
	if ok {
		nc.sessions[s] = struct{}{}
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	// First session for this note here: subscribe outside the lock, then
	// re-check under it in case of a race.
	sub, err := h.bus.Subscribe(ctx, channelName(s.noteID))
	if err != nil {
		return fmt.Errorf("subscribe edit channel: %w", err)
	}

	h.mu.Lock()
	if nc, ok = h.registry[s.noteID]; ok {
		nc.sessions[s] = struct{}{}
		h.mu.Unlock()
		sub.Close()
		return nil
	}
	nc = &noteChannel{sub: sub, sessions: map[*Session]struct{}{s: {}}}
	h.registry[s.noteID] = nc
	h.mu.Unlock()

	go h.fanout(s.noteID, sub)
	return nil
}

// fanout forwards bus publications for one note to every local session,
// in the order received. Sends are per-session and non-blocking.
func (h *Hub) fanout(noteID uuid.UUID, sub bus.Subscription) {
	for payload := range sub.C() {
		var upd UpdateData
		if err := json.Unmarshal(payload, &upd); err != nil {
			log.Warn().Err(err).Str("note_id", noteID.String()).Msg("malformed bus payload dropped")
			continue
		}
		frame := updateFrame(upd)

		h.mu.Lock()
		nc, ok := h.registry[noteID]
		if !ok {
			h.mu.Unlock()
			continue
		}
		targets := make([]*Session, 0, len(nc.sessions))
		for s := range nc.sessions {
			targets = append(targets, s)
		}
		h.mu.Unlock()

		for _, s := range targets {
			s.enqueue(frame)
		}
	}
}

// remove takes the session out of the registry and drops the bus
// subscription when it was the last local session on the note.
func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	nc, ok := h.registry[s.noteID]
	if ok {
		delete(nc.sessions, s)
		if len(nc.sessions) == 0 {
			delete(h.registry, s.noteID)
		} else {
			nc = nil
		}
	}
	h.mu.Unlock()

	if ok && nc != nil {
		nc.sub.Close()
	}
}

// commit applies a version-guarded patch, re-indexes, and publishes the
// update onto the edit channel.
func (h *Hub) commit(ctx context.Context, id auth.Identity, noteID uuid.UUID, expectedVersion int, patch repo.NotePatch) (repo.Note, error) {
	note, err := h.store.CommitVersioned(ctx, id.Principal.TenantID, noteID, expectedVersion, patch)
	if err != nil {
		return repo.Note{}, err
	}

	if err := h.index.IndexNote(id.Principal.TenantID, note); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("note_id", noteID.String()).Msg("reindex after commit failed")
	}

	payload, _ := json.Marshal(UpdateData{NoteID: note.ID, Title: note.Title, Body: note.Body, Version: note.Version})
	if err := h.bus.Publish(ctx, channelName(noteID), payload); err != nil {
		return repo.Note{}, fmt.Errorf("publish edit channel: %w", err)
	}
	return note, nil
}

// SessionCount reports the number of local sessions on a note.
func (h *Hub) SessionCount(noteID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	nc, ok := h.registry[noteID]
	if !ok {
		return 0
	}
	return len(nc.sessions)
}

// IsNotFound reports whether the error is a missing-note error.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
