package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/noteflow-api/internal/auth"
	"github.com/erauner12/noteflow-api/internal/hub"
	"github.com/erauner12/noteflow-api/internal/repo"
)

// StreamNote upgrades GET /stream/notes/{id} to a websocket and bridges it
// to an edit session. Authentication happens after the upgrade so failures
// can be reported as close codes rather than HTTP statuses; browser
// websocket clients cannot read a 401 body.
func (s *Server) StreamNote(w http.ResponseWriter, r *http.Request) {
	nid, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, "note not found")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Token-authenticated API clients, not cookie-bearing browsers;
		// origin checks add nothing here.
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	bearer, apiKey := auth.CredentialsFromRequest(r)
	id, err := s.Gate.Authenticate(r.Context(), bearer, apiKey)
	if err != nil {
		conn.Close(websocket.StatusCode(hub.CloseAuth), "unauthenticated")
		return
	}

	logger := log.Ctx(r.Context()).With().
		Str("tenant_id", id.Principal.TenantID.String()).
		Str("note_id", nid.String()).
		Logger()
	ctx := logger.WithContext(r.Context())

	session, err := s.Hub.Open(ctx, id, nid)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrForbidden):
			conn.Close(websocket.StatusCode(hub.CloseAuth), "forbidden")
		case errors.Is(err, repo.ErrNotFound):
			conn.Close(websocket.StatusCode(hub.CloseNotFound), "not found")
		default:
			logger.Error().Err(err).Msg("edit session open failed")
			conn.Close(websocket.StatusCode(hub.CloseInternal), "internal error")
		}
		return
	}

	go s.writePump(ctx, conn, session)
	s.readPump(ctx, conn, session)
}

// readPump feeds inbound frames to the session until the client goes away
// or the session closes.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, session *hub.Session) {
	defer session.Close(0, "")

	for {
		select {
		case <-session.Done():
			return
		default:
		}

		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame hub.Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != "patch" {
			session.Reject("expected a {type:\"patch\", data:{version, patch}} frame")
			continue
		}
		var patch hub.PatchData
		if err := json.Unmarshal(frame.Data, &patch); err != nil {
			session.Reject("malformed patch data")
			continue
		}

		if err := session.HandlePatch(ctx, patch, len(raw)); err != nil {
			// The session has closed; the write pump delivers the code.
			return
		}
	}
}

// writePump drains the session's outbound queue into the connection and
// delivers the close code once the session ends. It is the only goroutine
// that writes to the connection.
func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, session *hub.Session) {
	for {
		select {
		case f := <-session.Frames():
			if err := wsjson.Write(ctx, conn, f); err != nil {
				session.Close(0, "")
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		case <-session.Done():
			s.flush(ctx, conn, session)
			code, reason := session.CloseStatus()
			if code == 0 {
				conn.Close(websocket.StatusNormalClosure, "")
			} else {
				conn.Close(websocket.StatusCode(code), reason)
			}
			return
		}
	}
}

// flush writes frames enqueued before the close, the final error frame
// included.
func (s *Server) flush(ctx context.Context, conn *websocket.Conn, session *hub.Session) {
	for {
		select {
		case f := <-session.Frames():
			if err := wsjson.Write(ctx, conn, f); err != nil {
				return
			}
		default:
			return
		}
	}
}
