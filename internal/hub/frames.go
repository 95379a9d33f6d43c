package hub

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/erauner12/noteflow-api/internal/repo"
)

// Frame is the JSON envelope for every message on an edit stream.
type Frame struct {
	Type string          `json:"type"` // init, update, error, patch
	Data json.RawMessage `json:"data"`
}

// InitData is the first server frame on a session: current note state.
type InitData struct {
	NoteID  uuid.UUID `json:"note_id"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Version int       `json:"version"`
}

// UpdateData announces a committed edit to every session on the note.
type UpdateData struct {
	NoteID  uuid.UUID `json:"note_id"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Version int       `json:"version"`
}

// ErrorData is sent to a single session.
type ErrorData struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	CurrentVersion *int   `json:"current_version,omitempty"`
}

// PatchData is the client frame: the expected version plus a base64
// encoding of a JSON object with optional title and body.
type PatchData struct {
	Version int    `json:"version"`
	Patch   string `json:"patch"`
}

// Error frame codes.
const (
	CodeVersionMismatch = "VERSION_MISMATCH"
	CodeNotFound        = "NOT_FOUND"
	CodeRateLimit       = "RATE_LIMIT"
	CodeInvalid         = "INVALID"
	CodeInternal        = "INTERNAL"
)

// Stream close codes. 1008 and 1011 are the standard policy-violation and
// internal-error websocket codes; the 4xxx values are application-defined.
const (
	CloseAuth         = 1008
	CloseInternal     = 1011
	CloseNotFound     = 1404
	CloseQuota        = 4008
	CloseSlowConsumer = 4009
)

func mustFrame(typ string, data any) Frame {
	raw, err := json.Marshal(data)
	if err != nil {
		// Frame payloads are plain structs; this cannot fail at runtime.
		panic(err)
	}
	return Frame{Type: typ, Data: raw}
}

func initFrame(n repo.Note) Frame {
	return mustFrame("init", InitData{NoteID: n.ID, Title: n.Title, Body: n.Body, Version: n.Version})
}

func updateFrame(d UpdateData) Frame {
	return mustFrame("update", d)
}

func errorFrame(code, message string, currentVersion *int) Frame {
	return mustFrame("error", ErrorData{Code: code, Message: message, CurrentVersion: currentVersion})
}

// decodePatch parses the base64 payload against the closed patch schema.
// Unknown fields are rejected.
func decodePatch(encoded string) (repo.NotePatch, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return repo.NotePatch{}, fmt.Errorf("patch is not valid base64: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var patch repo.NotePatch
	if err := dec.Decode(&patch); err != nil {
		return repo.NotePatch{}, fmt.Errorf("patch is not a valid {title?, body?} object: %w", err)
	}
	return patch, nil
}

// EncodePatch is the inverse of decodePatch, used by clients and tests.
func EncodePatch(patch repo.NotePatch) string {
	raw, _ := json.Marshal(patch)
	return base64.StdEncoding.EncodeToString(raw)
}
