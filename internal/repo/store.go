package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound covers absent rows and soft-deleted notes alike.
	ErrNotFound = errors.New("not found")
)

// VersionMismatchError is returned by CommitVersioned when the stored
// version no longer equals the caller's expected version. Current carries
// the version the caller must refresh to before retrying.
type VersionMismatchError struct {
	Current int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch: current version is %d", e.Current)
}

// IsVersionMismatch extracts the mismatch detail from an error chain.
func IsVersionMismatch(err error) (*VersionMismatchError, bool) {
	var vm *VersionMismatchError
	if errors.As(err, &vm) {
		return vm, true
	}
	return nil, false
}

// Store is the narrow facade over the external relational store. Every
// note operation takes the tenant explicitly and includes it in the query
// predicate; callers cannot reach another tenant's rows through this
// interface.
type Store interface {
	// Notes
	CreateNote(ctx context.Context, tenantID uuid.UUID, title, body string) (Note, error)
	GetNote(ctx context.Context, tenantID, noteID uuid.UUID) (Note, error)
	ListNotes(ctx context.Context, tenantID uuid.UUID, offset, limit int) ([]Note, error)
	// PatchNote bumps the version by one without a version guard.
	PatchNote(ctx context.Context, tenantID, noteID uuid.UUID, patch NotePatch) (Note, error)
	// CommitVersioned mutates only if the stored version equals
	// expectedVersion. The check and the write are one atomic statement:
	// of two concurrent callers with the same expected version exactly one
	// succeeds, the other gets a *VersionMismatchError.
	CommitVersioned(ctx context.Context, tenantID, noteID uuid.UUID, expectedVersion int, patch NotePatch) (Note, error)
	// SoftDeleteNote sets the deletion flag without bumping the version.
	// A second call on the same note returns ErrNotFound.
	SoftDeleteNote(ctx context.Context, tenantID, noteID uuid.UUID) error

	// Tenants and principals
	GetTenant(ctx context.Context, tenantID uuid.UUID) (Tenant, error)
	GetUser(ctx context.Context, userID uuid.UUID) (User, error)
	// FindTenantOwner resolves the tenant's Owner principal, used when an
	// API key authenticates a request.
	FindTenantOwner(ctx context.Context, tenantID uuid.UUID) (User, error)

	// API keys
	FindAPIKeyByDigest(ctx context.Context, digest string) (APIKey, error)
	CreateAPIKey(ctx context.Context, tenantID uuid.UUID, name, digest string, expiresAt *time.Time) (APIKey, error)
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]APIKey, error)
	DeleteAPIKey(ctx context.Context, tenantID, keyID uuid.UUID) error

	// Usage
	InsertUsage(ctx context.Context, rec UsageRecord) error
	SummarizeUsage(ctx context.Context, day time.Time) (int, error)
}
