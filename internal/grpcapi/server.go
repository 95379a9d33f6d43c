//go:build grpc
// +build grpc

package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	notesv1 "github.com/erauner12/noteflow-api/gen/go/notes/v1"
	"github.com/erauner12/noteflow-api/internal/auth"
	"github.com/erauner12/noteflow-api/internal/hub"
	"github.com/erauner12/noteflow-api/internal/repo"
	"github.com/erauner12/noteflow-api/internal/vector"
)

// Server implements the NoteService gRPC surface on top of the same
// components as the HTTP handlers.
type Server struct {
	notesv1.UnimplementedNoteServiceServer

	Store repo.Store
	Index *vector.Registry
	Hub   *hub.Hub
}

// NewServer creates a new gRPC server instance
func NewServer(store repo.Store, index *vector.Registry, h *hub.Hub) *Server {
	return &Server{Store: store, Index: index, Hub: h}
}

func identityFor(ctx context.Context, min auth.Role) (auth.Identity, error) {
	id, ok := auth.IdentityFrom(ctx)
	if !ok {
		return auth.Identity{}, status.Error(codes.Unauthenticated, "missing identity")
	}
	if err := auth.RequireRole(id, min); err != nil {
		return auth.Identity{}, status.Error(codes.PermissionDenied, "insufficient role")
	}
	return id, nil
}

// GetNote implements NoteService.GetNote
func (s *Server) GetNote(ctx context.Context, req *notesv1.GetNoteRequest) (*notesv1.Note, error) {
	id, err := identityFor(ctx, auth.RoleViewer)
	if err != nil {
		return nil, err
	}

	nid, err := uuid.Parse(req.NoteId)
	if err != nil {
		return nil, status.Error(codes.NotFound, "note not found")
	}

	note, err := s.Store.GetNote(ctx, id.Principal.TenantID, nid)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, status.Error(codes.NotFound, "note not found")
	}
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("get note failed")
		return nil, status.Error(codes.Internal, "internal error")
	}

	return &notesv1.Note{
		NoteId:    note.ID.String(),
		Title:     note.Title,
		Body:      note.Body,
		Version:   int32(note.Version),
		CreatedAt: timestamppb.New(note.CreatedAt),
		UpdatedAt: timestamppb.New(note.UpdatedAt),
	}, nil
}

// SearchNotes implements NoteService.SearchNotes (server streaming)
func (s *Server) SearchNotes(req *notesv1.SearchNotesRequest, stream notesv1.NoteService_SearchNotesServer) error {
	ctx := stream.Context()
	id, err := identityFor(ctx, auth.RoleViewer)
	if err != nil {
		return err
	}

	if req.Query == "" {
		return status.Error(codes.InvalidArgument, "query must not be empty")
	}
	topK := int(req.TopK)
	if topK == 0 {
		topK = 10
	}
	if topK < 1 || topK > 100 {
		return status.Error(codes.InvalidArgument, "top_k must be between 1 and 100")
	}

	matches, err := s.Index.Search(id.Principal.TenantID, req.Query, topK)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("vector search failed")
		return status.Error(codes.Internal, "search failed")
	}

	for _, m := range matches {
		note, err := s.Store.GetNote(ctx, id.Principal.TenantID, m.NoteID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("search join failed")
			return status.Error(codes.Internal, "search failed")
		}
		if err := stream.Send(&notesv1.SearchHit{
			NoteId:     note.ID.String(),
			Similarity: float64(m.Similarity),
			Title:      note.Title,
			Snippet:    repo.Snippet(note.Body, 160),
		}); err != nil {
			return err
		}
	}
	return nil
}

// EditNote implements NoteService.EditNote (bidi streaming). The first
// client frame must be an open; patch frames follow. Server frames mirror
// the websocket surface.
func (s *Server) EditNote(stream notesv1.NoteService_EditNoteServer) error {
	ctx := stream.Context()
	id, ok := auth.IdentityFrom(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing identity")
	}

	first, err := stream.Recv()
	if err != nil {
		return err
	}
	open := first.GetOpen()
	if open == nil {
		return status.Error(codes.InvalidArgument, "first frame must be open")
	}
	nid, err := uuid.Parse(open.NoteId)
	if err != nil {
		return status.Error(codes.NotFound, "note not found")
	}

	session, err := s.Hub.Open(ctx, id, nid)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrForbidden):
			return status.Error(codes.PermissionDenied, "insufficient role")
		case errors.Is(err, repo.ErrNotFound):
			return status.Error(codes.NotFound, "note not found")
		default:
			log.Ctx(ctx).Error().Err(err).Msg("edit session open failed")
			return status.Error(codes.Internal, "internal error")
		}
	}
	defer session.Close(0, "")

	// Writer: session frames out to the client.
	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case f := <-session.Frames():
				sf, err := serverFrame(f)
				if err != nil {
					log.Ctx(ctx).Error().Err(err).Msg("unconvertible session frame dropped")
					continue
				}
				if err := stream.Send(sf); err != nil {
					session.Close(0, "")
					writeErr <- err
					return
				}
			case <-session.Done():
				writeErr <- nil
				return
			}
		}
	}()

	// Reader: client patches into the session. Recv runs in its own
	// goroutine so an asynchronous close (slow consumer, quota, a fanout
	// race) ends the RPC without waiting for the next client frame.
	type inbound struct {
		frame *notesv1.ClientFrame
		err   error
	}
	recvCh := make(chan inbound)
	go func() {
		for {
			frame, err := stream.Recv()
			select {
			case recvCh <- inbound{frame: frame, err: err}:
			case <-session.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-session.Done():
			<-writeErr
			return closeError(session)
		case in := <-recvCh:
			if in.err != nil {
				if in.err == io.EOF {
					return nil
				}
				return in.err
			}
			patch := in.frame.GetPatch()
			if patch == nil {
				continue
			}
			data := hub.PatchData{Version: int(patch.Version), Patch: patch.Patch}
			if err := session.HandlePatch(ctx, data, proto.Size(in.frame)); err != nil {
				<-writeErr
				return closeError(session)
			}
		}
	}
}

// closeError maps a session close code onto an RPC status.
func closeError(session *hub.Session) error {
	code, reason := session.CloseStatus()
	switch code {
	case 0:
		return nil
	case hub.CloseQuota:
		return status.Error(codes.ResourceExhausted, reason)
	case hub.CloseNotFound:
		return status.Error(codes.NotFound, reason)
	case hub.CloseAuth:
		return status.Error(codes.PermissionDenied, reason)
	case hub.CloseSlowConsumer:
		return status.Error(codes.Unavailable, reason)
	default:
		return status.Error(codes.Internal, reason)
	}
}

// serverFrame converts a hub frame into its proto form.
func serverFrame(f hub.Frame) (*notesv1.ServerFrame, error) {
	switch f.Type {
	case "init", "update":
		var d hub.UpdateData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return nil, err
		}
		state := &notesv1.NoteState{
			NoteId:  d.NoteID.String(),
			Title:   d.Title,
			Body:    d.Body,
			Version: int32(d.Version),
		}
		if f.Type == "init" {
			return &notesv1.ServerFrame{Frame: &notesv1.ServerFrame_Init{Init: state}}, nil
		}
		return &notesv1.ServerFrame{Frame: &notesv1.ServerFrame_Update{Update: state}}, nil
	case "error":
		var d hub.ErrorData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return nil, err
		}
		e := &notesv1.Error{Code: d.Code, Message: d.Message}
		if d.CurrentVersion != nil {
			v := int32(*d.CurrentVersion)
			e.CurrentVersion = &v
		}
		return &notesv1.ServerFrame{Frame: &notesv1.ServerFrame_Error{Error: e}}, nil
	default:
		return nil, errors.New("unknown frame type " + f.Type)
	}
}
