package repo

import (
	"time"

	"github.com/google/uuid"
)

// Note is a single markdown note scoped to one tenant.
// Version starts at 1 and increases by exactly one on every successful
// mutation. Soft-deleted notes keep their row but are invisible to
// Get/List and to version-guarded commits.
type Note struct {
	ID        uuid.UUID `json:"note_id"`
	TenantID  uuid.UUID `json:"-"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Deleted   bool      `json:"-"`
}

// NotePatch carries the closed patch schema: a nil field leaves the
// stored value unchanged.
type NotePatch struct {
	Title *string `json:"title,omitempty"`
	Body  *string `json:"body,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p NotePatch) Empty() bool {
	return p.Title == nil && p.Body == nil
}

// QuotaOverride is a tenant's stored override of the default limits.
type QuotaOverride struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	BytesPerMinute    int `json:"bytes_per_minute"`
}

// Tenant is the unit of isolation. Tenants are created out-of-band and
// never mutated here.
type Tenant struct {
	ID        uuid.UUID      `json:"tenant_id"`
	Name      string         `json:"name"`
	Quota     *QuotaOverride `json:"quota,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// User is a principal row. Role is one of viewer/editor/owner/admin;
// parsing and comparison live in the auth package.
type User struct {
	ID        uuid.UUID `json:"user_id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey holds only the one-way digest of the secret; the plaintext key
// is returned to the caller exactly once at creation time.
type APIKey struct {
	ID        uuid.UUID  `json:"key_id"`
	TenantID  uuid.UUID  `json:"-"`
	Name      string     `json:"name"`
	Digest    string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// UsageRecord is one append-only billing observation. Never read on the
// serving path.
type UsageRecord struct {
	TenantID uuid.UUID
	UserID   *uuid.UUID
	Surface  string // REST, STREAM, RPC
	Endpoint string
	Bytes    int
	At       time.Time
}

// Snippet truncates note body text on a rune boundary for search results.
func Snippet(body string, max int) string {
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	return string(runes[:max]) + "..."
}

// UsageSummary is a per-tenant daily rollup produced by the billing worker.
type UsageSummary struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Period   time.Time `json:"period"`
	Requests int       `json:"requests"`
	Bytes    int64     `json:"bytes"`
}
