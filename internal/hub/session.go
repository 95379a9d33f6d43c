package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/noteflow-api/internal/auth"
	"github.com/erauner12/noteflow-api/internal/quota"
	"github.com/erauner12/noteflow-api/internal/repo"
)

// Session is one client's attachment to a note's edit channel. The
// transport adapter drains Frames into its connection and feeds inbound
// patch frames to HandlePatch; everything else is the hub's business.
type Session struct {
	hub      *Hub
	noteID   uuid.UUID
	identity auth.Identity

	out  chan Frame
	done chan struct{}

	closeOnce sync.Once
	closeCode int
	closeMsg  string

	mu            sync.Mutex
	bytesReceived int
}

// Frames is the session's bounded outbound queue. The queue is never
// closed; adapters stop draining when Done fires (draining any frames
// still buffered, such as the final error frame).
func (s *Session) Frames() <-chan Frame { return s.out }

// Done fires when the session has closed for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseStatus reports the close code and reason after Done fires. A zero
// code means a normal client-initiated close.
func (s *Session) CloseStatus() (int, string) {
	return s.closeCode, s.closeMsg
}

// NoteID returns the note this session is attached to.
func (s *Session) NoteID() uuid.UUID { return s.noteID }

// enqueue delivers a frame without blocking. Overflow closes the session:
// a slow consumer must not block the publisher.
func (s *Session) enqueue(f Frame) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.out <- f:
	default:
		log.Warn().
			Str("note_id", s.noteID.String()).
			Str("tenant_id", s.identity.Principal.TenantID.String()).
			Msg("session outbound queue overflow")
		s.Close(CloseSlowConsumer, "SLOW_CONSUMER")
	}
}

// Reject sends an error frame for an inbound frame the transport could
// not parse. The session stays active.
func (s *Session) Reject(message string) {
	s.enqueue(errorFrame(CodeInvalid, message, nil))
}

// HandlePatch processes one inbound patch frame. frameBytes is the wire
// length of the frame, charged against the tenant's byte bucket. The
// returned error is non-nil only when the session has been closed and the
// transport should stop reading.
func (s *Session) HandlePatch(ctx context.Context, data PatchData, frameBytes int) error {
	id := s.identity

	s.mu.Lock()
	s.bytesReceived += frameBytes
	s.mu.Unlock()

	decision, err := s.hub.quota.TryConsume(ctx, id.Principal.TenantID, quota.SurfaceStream, frameBytes, quota.LimitsFor(id.Tenant))
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("quota check failed on stream")
		s.enqueue(errorFrame(CodeInternal, "internal error", nil))
		s.Close(CloseInternal, "internal error")
		return err
	}
	if !decision.Allowed {
		s.Close(CloseQuota, "RATE_LIMIT")
		return errors.New("quota exceeded")
	}

	patch, err := decodePatch(data.Patch)
	if err != nil {
		s.enqueue(errorFrame(CodeInvalid, err.Error(), nil))
		return nil
	}

	_, err = s.hub.commit(ctx, id, s.noteID, data.Version, patch)
	switch {
	case err == nil:
		// The committed update reaches this session through its own
		// subscription, confirming the globally observed commit order.
		return nil
	default:
		if vm, ok := repo.IsVersionMismatch(err); ok {
			cur := vm.Current
			s.enqueue(errorFrame(CodeVersionMismatch, "note version mismatch", &cur))
			return nil
		}
		if errors.Is(err, repo.ErrNotFound) {
			s.enqueue(errorFrame(CodeNotFound, "note not found", nil))
			s.Close(CloseNotFound, "not found")
			return err
		}
		log.Ctx(ctx).Error().Err(err).Str("note_id", s.noteID.String()).Msg("stream commit failed")
		s.enqueue(errorFrame(CodeInternal, "internal error", nil))
		return nil
	}
}

// Close tears the session down exactly once: deregistration, bus
// subscription release, usage emission, and closing the outbound queue.
// Safe to call from any goroutine and on every exit path.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeMsg = reason
		close(s.done)

		s.hub.remove(s)

		s.mu.Lock()
		received := s.bytesReceived
		s.mu.Unlock()

		principalID := s.identity.Principal.ID
		s.hub.usage.Emit(s.identity.Principal.TenantID, &principalID,
			string(quota.SurfaceStream), "/stream/notes/"+s.noteID.String(), received)
	})
}
