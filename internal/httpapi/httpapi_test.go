package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/erauner12/noteflow-api/internal/auth"
	"github.com/erauner12/noteflow-api/internal/bus"
	"github.com/erauner12/noteflow-api/internal/hub"
	"github.com/erauner12/noteflow-api/internal/quota"
	"github.com/erauner12/noteflow-api/internal/repo"
	"github.com/erauner12/noteflow-api/internal/usage"
	"github.com/erauner12/noteflow-api/internal/vector"
)

type testEnv struct {
	srv    *Server
	router http.Handler
	store  *repo.Memory
	tenant repo.Tenant
}

func newTestEnv(t *testing.T, override *repo.QuotaOverride) *testEnv {
	t.Helper()

	store := repo.NewMemory()
	tenant := store.SeedTenant("acme", override)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	engine := quota.NewEngine(rdb)
	index := vector.NewRegistry(64, "", nil)
	emitter := usage.NewEmitter(store, 64)
	t.Cleanup(emitter.Close)
	gate := auth.NewGate(store, auth.JWTCfg{HS256Secret: "test-secret", TTL: time.Hour}, "rk_")

	srv := &Server{
		Store: store,
		Index: index,
		Quota: engine,
		Hub:   hub.New(store, index, engine, bus.NewMemory(), emitter),
		Usage: emitter,
		Gate:  gate,
	}
	return &testEnv{srv: srv, router: srv.Routes(), store: store, tenant: tenant}
}

func (e *testEnv) token(t *testing.T, role string) string {
	t.Helper()
	user := e.store.SeedUser(e.tenant.ID, role+"@acme.test", role)
	tok, err := e.srv.Gate.JWT.IssueToken(user.ID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (e *testEnv) createNote(t *testing.T, token, title, body string) string {
	t.Helper()
	w := e.do(t, "POST", "/v1/notes", token, map[string]string{"title": title, "body": body})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body)
	}
	var resp struct {
		NoteID string `json:"note_id"`
	}
	decodeBody(t, w, &resp)
	if resp.NoteID == "" {
		t.Fatal("create returned no note_id")
	}
	return resp.NoteID
}

func TestNotesLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)
	tok := e.token(t, "editor")

	id := e.createNote(t, tok, "T", "B")

	w := e.do(t, "GET", "/v1/notes/"+id, tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if etag := w.Header().Get("ETag"); etag != `W/"1"` {
		t.Errorf("ETag = %q, want W/\"1\"", etag)
	}
	var note repo.Note
	decodeBody(t, w, &note)
	if note.ID.String() != id || note.Title != "T" || note.Body != "B" || note.Version != 1 {
		t.Errorf("note = %+v", note)
	}

	w = e.do(t, "PATCH", "/v1/notes/"+id, tok, map[string]string{"title": "T2"})
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", w.Code, w.Body)
	}
	var patched struct {
		Version int `json:"version"`
	}
	decodeBody(t, w, &patched)
	if patched.Version != 2 {
		t.Errorf("patched version = %d, want 2", patched.Version)
	}

	w = e.do(t, "GET", "/v1/notes/"+id, tok, nil)
	decodeBody(t, w, &note)
	if note.Title != "T2" || note.Body != "B" || note.Version != 2 {
		t.Errorf("after patch = %+v, want T2/B v2", note)
	}
}

func TestConditionalGet(t *testing.T) {
	e := newTestEnv(t, nil)
	tok := e.token(t, "editor")
	id := e.createNote(t, tok, "T", "B")

	w := e.do(t, "GET", "/v1/notes/"+id, tok, nil)
	etag := w.Header().Get("ETag")

	req := httptest.NewRequest("GET", "/v1/notes/"+id, nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("If-None-Match", etag)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Errorf("conditional get status = %d, want 304", rec.Code)
	}

	// A stale tag still yields the full body.
	req = httptest.NewRequest("GET", "/v1/notes/"+id, nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("If-None-Match", `W/"99"`)
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("stale conditional get status = %d, want 200", rec.Code)
	}
}

func TestPatchWithIfMatch(t *testing.T) {
	e := newTestEnv(t, nil)
	tok := e.token(t, "editor")
	id := e.createNote(t, tok, "T", "B")

	// Guarded patch at the right version.
	req := httptest.NewRequest("PATCH", "/v1/notes/"+id, bytes.NewBufferString(`{"title":"T2"}`))
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("If-Match", `W/"1"`)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("guarded patch status = %d: %s", rec.Code, rec.Body)
	}

	// Replay with the stale guard: conflict with the current version.
	req = httptest.NewRequest("PATCH", "/v1/notes/"+id, bytes.NewBufferString(`{"title":"T3"}`))
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("If-Match", `W/"1"`)
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("stale guarded patch status = %d, want 409", rec.Code)
	}
	var body errorBody
	decodeBody(t, rec, &body)
	if body.Error.Code != codeVersionMismatch {
		t.Errorf("error code = %s", body.Error.Code)
	}
	if body.Error.CurrentVersion == nil || *body.Error.CurrentVersion != 2 {
		t.Errorf("current_version = %v, want 2", body.Error.CurrentVersion)
	}
}

func TestPatchRejectsUnknownFields(t *testing.T) {
	e := newTestEnv(t, nil)
	tok := e.token(t, "editor")
	id := e.createNote(t, tok, "T", "B")

	w := e.do(t, "PATCH", "/v1/notes/"+id, tok, map[string]any{"title": "x", "color": "red"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown-field patch status = %d, want 400", w.Code)
	}
}

func TestDeleteNote(t *testing.T) {
	e := newTestEnv(t, nil)
	tok := e.token(t, "editor")
	id := e.createNote(t, tok, "T", "B")

	w := e.do(t, "DELETE", "/v1/notes/"+id, tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	var resp struct {
		Deleted bool `json:"deleted"`
	}
	decodeBody(t, w, &resp)
	if !resp.Deleted {
		t.Error("deleted flag not set")
	}

	if w := e.do(t, "GET", "/v1/notes/"+id, tok, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
	if w := e.do(t, "DELETE", "/v1/notes/"+id, tok, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}
}

func TestListNotes(t *testing.T) {
	e := newTestEnv(t, nil)
	tok := e.token(t, "editor")

	e.createNote(t, tok, "one", "")
	e.createNote(t, tok, "two", "")

	w := e.do(t, "GET", "/v1/notes", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var notes []repo.Note
	decodeBody(t, w, &notes)
	if len(notes) != 2 {
		t.Fatalf("len = %d, want 2", len(notes))
	}

	if w := e.do(t, "GET", "/v1/notes?skip=-1", tok, nil); w.Code != http.StatusBadRequest {
		t.Errorf("negative skip status = %d, want 400", w.Code)
	}
	if w := e.do(t, "GET", "/v1/notes?skip=5", tok, nil); w.Code != http.StatusOK {
		t.Errorf("large skip status = %d, want 200 with empty array", w.Code)
	}
}

func TestUnauthenticated(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, "GET", "/v1/notes", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	var body errorBody
	decodeBody(t, w, &body)
	if body.Error.Code != "unauthenticated" {
		t.Errorf("error code = %q", body.Error.Code)
	}
}

func TestRoleEnforcement(t *testing.T) {
	e := newTestEnv(t, nil)
	editor := e.token(t, "editor")
	viewer := e.token(t, "viewer")

	id := e.createNote(t, editor, "T", "B")

	// Viewers read but do not write.
	if w := e.do(t, "GET", "/v1/notes/"+id, viewer, nil); w.Code != http.StatusOK {
		t.Errorf("viewer get = %d, want 200", w.Code)
	}
	if w := e.do(t, "POST", "/v1/notes", viewer, map[string]string{"title": "x", "body": ""}); w.Code != http.StatusForbidden {
		t.Errorf("viewer create = %d, want 403", w.Code)
	}
	if w := e.do(t, "PATCH", "/v1/notes/"+id, viewer, map[string]string{"title": "x"}); w.Code != http.StatusForbidden {
		t.Errorf("viewer patch = %d, want 403", w.Code)
	}

	// API key management needs an owner.
	if w := e.do(t, "GET", "/v1/api-keys", editor, nil); w.Code != http.StatusForbidden {
		t.Errorf("editor list keys = %d, want 403", w.Code)
	}
	// Rebuild needs an admin.
	if w := e.do(t, "POST", "/v1/search/rebuild", editor, nil); w.Code != http.StatusForbidden {
		t.Errorf("editor rebuild = %d, want 403", w.Code)
	}
}

func TestTenantIsolation(t *testing.T) {
	e := newTestEnv(t, nil)
	tok := e.token(t, "editor")
	id := e.createNote(t, tok, "secret", "")

	// A second tenant with its own principal.
	other := e.store.SeedTenant("rival", nil)
	stranger := e.store.SeedUser(other.ID, "ed@rival.test", "editor")
	strangerTok, _ := e.srv.Gate.JWT.IssueToken(stranger.ID)

	if w := e.do(t, "GET", "/v1/notes/"+id, strangerTok, nil); w.Code != http.StatusNotFound {
		t.Errorf("cross-tenant get = %d, want 404", w.Code)
	}
	w := e.do(t, "GET", "/v1/notes", strangerTok, nil)
	var notes []repo.Note
	decodeBody(t, w, &notes)
	if len(notes) != 0 {
		t.Errorf("cross-tenant list = %d notes, want 0", len(notes))
	}
	if w := e.do(t, "DELETE", "/v1/notes/"+id, strangerTok, nil); w.Code != http.StatusNotFound {
		t.Errorf("cross-tenant delete = %d, want 404", w.Code)
	}
}

func TestQuota429(t *testing.T) {
	e := newTestEnv(t, &repo.QuotaOverride{RequestsPerMinute: 2})
	tok := e.token(t, "editor")

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := e.do(t, "GET", "/v1/notes", tok, nil)
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests {
			if w.Header().Get("Retry-After") == "" {
				t.Error("429 without Retry-After")
			}
			if w.Header().Get("X-RateLimit-Limit") != "2" {
				t.Errorf("X-RateLimit-Limit = %q, want 2", w.Header().Get("X-RateLimit-Limit"))
			}
			var body errorBody
			decodeBody(t, w, &body)
			if body.Error.Code != codeRateLimited {
				t.Errorf("error code = %q", body.Error.Code)
			}
		}
	}

	okCount, throttled := 0, 0
	for _, c := range codes {
		switch c {
		case http.StatusOK:
			okCount++
		case http.StatusTooManyRequests:
			throttled++
		default:
			t.Errorf("unexpected status %d", c)
		}
	}
	if okCount != 2 || throttled != 1 {
		t.Errorf("codes = %v, want two 200s and one 429", codes)
	}
}

func TestSearch(t *testing.T) {
	e := newTestEnv(t, nil)
	tok := e.token(t, "editor")

	fruitID := e.createNote(t, tok, "apples and oranges", "fresh apples from the orchard")
	e.createNote(t, tok, "bicycle repair", "fixing a flat tire")

	w := e.do(t, "POST", "/v1/search", tok, map[string]any{"query": "apples", "top_k": 2})
	if w.Code != http.StatusOK {
		t.Fatalf("search status = %d: %s", w.Code, w.Body)
	}
	var resp searchResp
	decodeBody(t, w, &resp)
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(resp.Results))
	}
	if resp.Results[0].NoteID.String() != fruitID {
		t.Errorf("top hit = %s, want %s", resp.Results[0].NoteID, fruitID)
	}
	if resp.Results[0].Snippet == "" || resp.Results[0].Title != "apples and oranges" {
		t.Errorf("top hit metadata = %+v", resp.Results[0])
	}
	if resp.Results[0].Similarity < resp.Results[1].Similarity {
		t.Error("results not ordered by similarity")
	}

	// Deleted notes vanish from results.
	e.do(t, "DELETE", "/v1/notes/"+fruitID, tok, nil)
	w = e.do(t, "POST", "/v1/search", tok, map[string]any{"query": "apples"})
	decodeBody(t, w, &resp)
	for _, hit := range resp.Results {
		if hit.NoteID.String() == fruitID {
			t.Error("soft-deleted note surfaced in search")
		}
	}
}

func TestSearchValidation(t *testing.T) {
	e := newTestEnv(t, nil)
	tok := e.token(t, "viewer")

	if w := e.do(t, "POST", "/v1/search", tok, map[string]any{"query": ""}); w.Code != http.StatusBadRequest {
		t.Errorf("empty query status = %d, want 400", w.Code)
	}
	if w := e.do(t, "POST", "/v1/search", tok, map[string]any{"query": "x", "top_k": 101}); w.Code != http.StatusBadRequest {
		t.Errorf("top_k=101 status = %d, want 400", w.Code)
	}
	if w := e.do(t, "POST", "/v1/search", tok, map[string]any{"query": "x", "top_k": -1}); w.Code != http.StatusBadRequest {
		t.Errorf("top_k=-1 status = %d, want 400", w.Code)
	}
}

func TestRebuild(t *testing.T) {
	e := newTestEnv(t, nil)
	editor := e.token(t, "editor")
	admin := e.token(t, "admin")

	e.createNote(t, editor, "apples", "")
	e.createNote(t, editor, "bananas", "")

	w := e.do(t, "POST", "/v1/search/rebuild", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rebuild status = %d: %s", w.Code, w.Body)
	}
	var resp struct {
		Indexed int `json:"indexed"`
	}
	decodeBody(t, w, &resp)
	if resp.Indexed != 2 {
		t.Errorf("indexed = %d, want 2", resp.Indexed)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)
	owner := e.token(t, "owner")

	// Create: the secret appears exactly once.
	w := e.do(t, "POST", "/v1/api-keys", owner, map[string]any{"name": "ci"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create key status = %d: %s", w.Code, w.Body)
	}
	var created map[string]any
	decodeBody(t, w, &created)
	secret, _ := created["secret"].(string)
	if len(secret) < 10 || secret[:3] != "rk_" {
		t.Fatalf("secret = %q, want rk_ prefixed", secret)
	}
	keyID, _ := created["key_id"].(string)

	// The key authenticates as the tenant's owner.
	req := httptest.NewRequest("GET", "/v1/api-keys", nil)
	req.Header.Set("x-api-key", secret)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("api-key auth status = %d: %s", rec.Code, rec.Body)
	}
	var listed []map[string]any
	decodeBody(t, rec, &listed)
	if len(listed) != 1 {
		t.Fatalf("listed %d keys, want 1", len(listed))
	}
	for _, forbidden := range []string{"secret", "digest"} {
		if _, ok := listed[0][forbidden]; ok {
			t.Errorf("list exposes %q", forbidden)
		}
	}

	// Delete, then the key no longer authenticates.
	if w := e.do(t, "DELETE", "/v1/api-keys/"+keyID, owner, nil); w.Code != http.StatusOK {
		t.Fatalf("delete key status = %d", w.Code)
	}
	if w := e.do(t, "DELETE", "/v1/api-keys/"+keyID, owner, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
	req = httptest.NewRequest("GET", "/v1/api-keys", nil)
	req.Header.Set("x-api-key", secret)
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("deleted key auth status = %d, want 401", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	e := newTestEnv(t, nil)
	for _, path := range []string{"/healthz", "/health/live", "/health/ready"} {
		w := e.do(t, "GET", path, "", nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, w.Code)
		}
	}
}

func TestUsageRecordedPerRequest(t *testing.T) {
	e := newTestEnv(t, nil)
	tok := e.token(t, "editor")

	e.createNote(t, tok, "T", "B")
	e.do(t, "GET", "/v1/notes", tok, nil)

	e.srv.Usage.Close()
	recs := e.store.UsageRecords()
	if len(recs) != 2 {
		t.Fatalf("usage records = %d, want 2", len(recs))
	}
	for _, r := range recs {
		if r.Surface != "REST" || r.TenantID != e.tenant.ID {
			t.Errorf("record = %+v", r)
		}
		if r.Bytes <= 0 {
			t.Errorf("record bytes = %d, want positive", r.Bytes)
		}
	}

	found := false
	for _, r := range recs {
		if r.Endpoint == "GET /v1/notes" {
			found = true
		}
	}
	if !found {
		t.Error("endpoint label missing from usage records")
	}
}
