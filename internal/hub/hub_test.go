package hub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/erauner12/noteflow-api/internal/auth"
	"github.com/erauner12/noteflow-api/internal/bus"
	"github.com/erauner12/noteflow-api/internal/quota"
	"github.com/erauner12/noteflow-api/internal/repo"
	"github.com/erauner12/noteflow-api/internal/usage"
	"github.com/erauner12/noteflow-api/internal/vector"
)

type fixture struct {
	store   *repo.Memory
	tenant  repo.Tenant
	index   *vector.Registry
	engine  *quota.Engine
	bus     *bus.Memory
	emitter *usage.Emitter
	hub     *Hub
}

func newFixture(t *testing.T, override *repo.QuotaOverride) *fixture {
	t.Helper()

	store := repo.NewMemory()
	tenant := store.SeedTenant("acme", override)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &fixture{
		store:   store,
		tenant:  tenant,
		index:   vector.NewRegistry(32, "", nil),
		engine:  quota.NewEngine(rdb),
		bus:     bus.NewMemory(),
		emitter: usage.NewEmitter(store, 64),
	}
	t.Cleanup(f.emitter.Close)
	f.hub = New(store, f.index, f.engine, f.bus, f.emitter)
	return f
}

func (f *fixture) identity(role auth.Role) auth.Identity {
	return auth.Identity{
		Principal: auth.Principal{ID: uuid.New(), TenantID: f.tenant.ID, Role: role},
		Tenant:    f.tenant,
	}
}

func (f *fixture) note(t *testing.T) repo.Note {
	t.Helper()
	n, err := f.store.CreateNote(context.Background(), f.tenant.ID, "T", "B")
	if err != nil {
		t.Fatalf("CreateNote: %v", err)
	}
	return n
}

func readFrame(t *testing.T, s *Session) Frame {
	t.Helper()
	select {
	case f := <-s.Frames():
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func expectNoFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case f := <-s.Frames():
		t.Fatalf("unexpected frame %s %s", f.Type, f.Data)
	case <-time.After(100 * time.Millisecond):
	}
}

func decodeUpdate(t *testing.T, f Frame) UpdateData {
	t.Helper()
	var d UpdateData
	if err := json.Unmarshal(f.Data, &d); err != nil {
		t.Fatalf("decode %s frame: %v", f.Type, err)
	}
	return d
}

func decodeError(t *testing.T, f Frame) ErrorData {
	t.Helper()
	if f.Type != "error" {
		t.Fatalf("frame type = %s, want error", f.Type)
	}
	var d ErrorData
	if err := json.Unmarshal(f.Data, &d); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	return d
}

func patchData(t *testing.T, version int, title string) PatchData {
	t.Helper()
	return PatchData{Version: version, Patch: EncodePatch(repo.NotePatch{Title: &title})}
}

func TestOpenSendsInitFrame(t *testing.T) {
	f := newFixture(t, nil)
	note := f.note(t)

	s, err := f.hub.Open(context.Background(), f.identity(auth.RoleEditor), note.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close(0, "")

	frame := readFrame(t, s)
	if frame.Type != "init" {
		t.Fatalf("first frame = %s, want init", frame.Type)
	}
	init := decodeUpdate(t, frame)
	if init.NoteID != note.ID || init.Title != "T" || init.Body != "B" || init.Version != 1 {
		t.Errorf("init = %+v", init)
	}
}

func TestOpenRequiresEditor(t *testing.T) {
	f := newFixture(t, nil)
	note := f.note(t)

	if _, err := f.hub.Open(context.Background(), f.identity(auth.RoleViewer), note.ID); !errors.Is(err, auth.ErrForbidden) {
		t.Errorf("viewer open = %v, want ErrForbidden", err)
	}
}

func TestOpenMissingNote(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.hub.Open(context.Background(), f.identity(auth.RoleEditor), uuid.New()); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("open missing = %v, want ErrNotFound", err)
	}
}

// Two sessions on one note: a successful patch reaches both, a stale one
// produces an error for its sender only.
func TestVersionConflictBetweenSessions(t *testing.T) {
	f := newFixture(t, nil)
	note := f.note(t)
	ctx := context.Background()

	a, err := f.hub.Open(ctx, f.identity(auth.RoleEditor), note.ID)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close(0, "")
	b, err := f.hub.Open(ctx, f.identity(auth.RoleEditor), note.ID)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close(0, "")

	readFrame(t, a) // init
	readFrame(t, b) // init

	// A commits at the current version.
	if err := a.HandlePatch(ctx, patchData(t, 1, "from-a"), 64); err != nil {
		t.Fatalf("a patch: %v", err)
	}

	for _, s := range []*Session{a, b} {
		upd := decodeUpdate(t, readFrame(t, s))
		if upd.Title != "from-a" || upd.Version != 2 {
			t.Errorf("update = %+v, want from-a v2", upd)
		}
	}

	// B replays the stale version: error to B alone, nothing to A.
	if err := b.HandlePatch(ctx, patchData(t, 1, "from-b"), 64); err != nil {
		t.Fatalf("b stale patch: %v", err)
	}
	ed := decodeError(t, readFrame(t, b))
	if ed.Code != CodeVersionMismatch {
		t.Errorf("code = %s, want %s", ed.Code, CodeVersionMismatch)
	}
	if ed.CurrentVersion == nil || *ed.CurrentVersion != 2 {
		t.Errorf("current_version = %v, want 2", ed.CurrentVersion)
	}
	expectNoFrame(t, a)

	// The losing patch left no trace in the store.
	got, _ := f.store.GetNote(ctx, f.tenant.ID, note.ID)
	if got.Title != "from-a" || got.Version != 2 {
		t.Errorf("store state = %q v%d, want from-a v2", got.Title, got.Version)
	}
}

// Sessions attached to different hub instances see each other's commits
// through the shared bus.
func TestFanoutAcrossHubs(t *testing.T) {
	f := newFixture(t, nil)
	note := f.note(t)
	ctx := context.Background()

	otherHub := New(f.store, f.index, f.engine, f.bus, f.emitter)

	local, err := f.hub.Open(ctx, f.identity(auth.RoleEditor), note.ID)
	if err != nil {
		t.Fatalf("open local: %v", err)
	}
	defer local.Close(0, "")
	remote, err := otherHub.Open(ctx, f.identity(auth.RoleEditor), note.ID)
	if err != nil {
		t.Fatalf("open remote: %v", err)
	}
	defer remote.Close(0, "")

	readFrame(t, local)
	readFrame(t, remote)

	if err := local.HandlePatch(ctx, patchData(t, 1, "cross-process"), 64); err != nil {
		t.Fatalf("patch: %v", err)
	}

	upd := decodeUpdate(t, readFrame(t, remote))
	if upd.Title != "cross-process" || upd.Version != 2 {
		t.Errorf("remote update = %+v", upd)
	}
}

func TestQuotaDenialClosesSession(t *testing.T) {
	f := newFixture(t, &repo.QuotaOverride{RequestsPerMinute: 1})
	note := f.note(t)
	ctx := context.Background()

	s, err := f.hub.Open(ctx, f.identity(auth.RoleEditor), note.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	readFrame(t, s) // init

	if err := s.HandlePatch(ctx, patchData(t, 1, "first"), 16); err != nil {
		t.Fatalf("first patch: %v", err)
	}
	readFrame(t, s) // update

	// The single request token is spent; the next patch is denied and the
	// session closes with the quota code.
	if err := s.HandlePatch(ctx, patchData(t, 2, "second"), 16); err == nil {
		t.Fatal("second patch succeeded, want quota denial")
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
	code, reason := s.CloseStatus()
	if code != CloseQuota {
		t.Errorf("close code = %d, want %d", code, CloseQuota)
	}
	if reason != "RATE_LIMIT" {
		t.Errorf("close reason = %q, want RATE_LIMIT", reason)
	}
}

func TestInvalidPatchKeepsSessionActive(t *testing.T) {
	f := newFixture(t, nil)
	note := f.note(t)
	ctx := context.Background()

	s, err := f.hub.Open(ctx, f.identity(auth.RoleEditor), note.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close(0, "")
	readFrame(t, s)

	// Not base64.
	if err := s.HandlePatch(ctx, PatchData{Version: 1, Patch: "%%%"}, 8); err != nil {
		t.Fatalf("invalid patch should not close the session: %v", err)
	}
	if ed := decodeError(t, readFrame(t, s)); ed.Code != CodeInvalid {
		t.Errorf("code = %s, want %s", ed.Code, CodeInvalid)
	}

	// Unknown fields are rejected by the closed schema.
	bad := PatchData{Version: 1, Patch: EncodePatch(repo.NotePatch{})}
	bad.Patch = "eyJ0aXRsZSI6ICJ4IiwgImV4dHJhIjogdHJ1ZX0=" // {"title": "x", "extra": true}
	if err := s.HandlePatch(ctx, bad, 8); err != nil {
		t.Fatalf("unknown-field patch should not close the session: %v", err)
	}
	if ed := decodeError(t, readFrame(t, s)); ed.Code != CodeInvalid {
		t.Errorf("code = %s, want %s", ed.Code, CodeInvalid)
	}

	// A valid patch still commits afterwards.
	if err := s.HandlePatch(ctx, patchData(t, 1, "ok"), 8); err != nil {
		t.Fatalf("valid patch: %v", err)
	}
	if upd := decodeUpdate(t, readFrame(t, s)); upd.Version != 2 {
		t.Errorf("version = %d, want 2", upd.Version)
	}
}

func TestPatchOnDeletedNoteClosesSession(t *testing.T) {
	f := newFixture(t, nil)
	note := f.note(t)
	ctx := context.Background()

	s, err := f.hub.Open(ctx, f.identity(auth.RoleEditor), note.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	readFrame(t, s)

	f.store.SoftDeleteNote(ctx, f.tenant.ID, note.ID)

	if err := s.HandlePatch(ctx, patchData(t, 1, "late"), 8); err == nil {
		t.Fatal("patch on deleted note succeeded")
	}
	if ed := decodeError(t, readFrame(t, s)); ed.Code != CodeNotFound {
		t.Errorf("code = %s, want %s", ed.Code, CodeNotFound)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
	if code, _ := s.CloseStatus(); code != CloseNotFound {
		t.Errorf("close code = %d, want %d", code, CloseNotFound)
	}
}

func TestSlowConsumerClosed(t *testing.T) {
	f := newFixture(t, nil)
	f.hub.queueSize = 2
	note := f.note(t)
	ctx := context.Background()

	writer, err := f.hub.Open(ctx, f.identity(auth.RoleEditor), note.ID)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer writer.Close(0, "")
	slow, err := f.hub.Open(ctx, f.identity(auth.RoleEditor), note.ID)
	if err != nil {
		t.Fatalf("open slow: %v", err)
	}

	readFrame(t, writer)
	// The slow session never drains; its queue holds the init frame plus
	// one update before overflowing.
	version := 1
	for i := 0; i < 4; i++ {
		title := "spam"
		if err := writer.HandlePatch(ctx, PatchData{Version: version, Patch: EncodePatch(repo.NotePatch{Title: &title})}, 8); err != nil {
			t.Fatalf("patch %d: %v", i, err)
		}
		version++
		readFrame(t, writer)
	}

	select {
	case <-slow.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow session was not closed")
	}
	if code, reason := slow.CloseStatus(); code != CloseSlowConsumer || reason != "SLOW_CONSUMER" {
		t.Errorf("close = %d %q, want %d SLOW_CONSUMER", code, reason, CloseSlowConsumer)
	}
}

func TestCommitReindexesNote(t *testing.T) {
	f := newFixture(t, nil)
	note := f.note(t)
	ctx := context.Background()

	s, err := f.hub.Open(ctx, f.identity(auth.RoleEditor), note.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close(0, "")
	readFrame(t, s)

	if err := s.HandlePatch(ctx, patchData(t, 1, "pineapple chunks"), 8); err != nil {
		t.Fatalf("patch: %v", err)
	}
	readFrame(t, s)

	hits, err := f.index.Search(f.tenant.ID, "pineapple", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 || hits[0].NoteID != note.ID {
		t.Errorf("patched note not searchable, hits = %v", hits)
	}
}

func TestCloseEmitsUsage(t *testing.T) {
	f := newFixture(t, nil)
	note := f.note(t)
	ctx := context.Background()

	id := f.identity(auth.RoleEditor)
	s, err := f.hub.Open(ctx, id, note.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	readFrame(t, s)

	if err := s.HandlePatch(ctx, patchData(t, 1, "bill-me"), 123); err != nil {
		t.Fatalf("patch: %v", err)
	}
	readFrame(t, s)
	s.Close(0, "")

	f.emitter.Close()
	recs := f.store.UsageRecords()
	if len(recs) != 1 {
		t.Fatalf("usage records = %d, want 1", len(recs))
	}
	if recs[0].Surface != "STREAM" || recs[0].Bytes != 123 {
		t.Errorf("usage = %+v, want STREAM 123 bytes", recs[0])
	}
	if recs[0].UserID == nil || *recs[0].UserID != id.Principal.ID {
		t.Errorf("usage principal = %v, want %s", recs[0].UserID, id.Principal.ID)
	}
}

func TestSessionCountAndUnsubscribe(t *testing.T) {
	f := newFixture(t, nil)
	note := f.note(t)
	ctx := context.Background()

	a, _ := f.hub.Open(ctx, f.identity(auth.RoleEditor), note.ID)
	b, _ := f.hub.Open(ctx, f.identity(auth.RoleEditor), note.ID)

	if got := f.hub.SessionCount(note.ID); got != 2 {
		t.Errorf("SessionCount = %d, want 2", got)
	}
	a.Close(0, "")
	if got := f.hub.SessionCount(note.ID); got != 1 {
		t.Errorf("SessionCount after close = %d, want 1", got)
	}
	b.Close(0, "")
	if got := f.hub.SessionCount(note.ID); got != 0 {
		t.Errorf("SessionCount after both closed = %d, want 0", got)
	}
}
