package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

const noteColumns = `note_id, org_id, title, body, version, created_at, updated_at, deleted`

func scanNote(row pgx.Row) (Note, error) {
	var n Note
	err := row.Scan(&n.ID, &n.TenantID, &n.Title, &n.Body, &n.Version, &n.CreatedAt, &n.UpdatedAt, &n.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	return n, err
}

func (s *Postgres) CreateNote(ctx context.Context, tenantID uuid.UUID, title, body string) (Note, error) {
	return scanNote(s.Pool.QueryRow(ctx, `
		INSERT INTO note (note_id, org_id, title, body, version)
		VALUES ($1, $2, $3, $4, 1)
		RETURNING `+noteColumns,
		uuid.New(), tenantID, title, body))
}

func (s *Postgres) GetNote(ctx context.Context, tenantID, noteID uuid.UUID) (Note, error) {
	return scanNote(s.Pool.QueryRow(ctx, `
		SELECT `+noteColumns+`
		FROM note
		WHERE note_id = $1 AND org_id = $2 AND NOT deleted`,
		noteID, tenantID))
}

func (s *Postgres) ListNotes(ctx context.Context, tenantID uuid.UUID, offset, limit int) ([]Note, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+noteColumns+`
		FROM note
		WHERE org_id = $1 AND NOT deleted
		ORDER BY updated_at DESC
		OFFSET $2 LIMIT $3`,
		tenantID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notes := make([]Note, 0, limit)
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.TenantID, &n.Title, &n.Body, &n.Version, &n.CreatedAt, &n.UpdatedAt, &n.Deleted); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (s *Postgres) PatchNote(ctx context.Context, tenantID, noteID uuid.UUID, patch NotePatch) (Note, error) {
	return scanNote(s.Pool.QueryRow(ctx, `
		UPDATE note
		SET title      = COALESCE($3, title),
		    body       = COALESCE($4, body),
		    version    = version + 1,
		    updated_at = now()
		WHERE note_id = $1 AND org_id = $2 AND NOT deleted
		RETURNING `+noteColumns,
		noteID, tenantID, patch.Title, patch.Body))
}

// CommitVersioned runs the version check and the write as a single UPDATE
// statement; the store's row lock serializes concurrent committers. When
// the guarded update hits no row we re-read to distinguish a stale version
// from a missing note. The re-read never writes.
func (s *Postgres) CommitVersioned(ctx context.Context, tenantID, noteID uuid.UUID, expectedVersion int, patch NotePatch) (Note, error) {
	n, err := scanNote(s.Pool.QueryRow(ctx, `
		UPDATE note
		SET title      = COALESCE($4, title),
		    body       = COALESCE($5, body),
		    version    = version + 1,
		    updated_at = now()
		WHERE note_id = $1 AND org_id = $2 AND version = $3 AND NOT deleted
		RETURNING `+noteColumns,
		noteID, tenantID, expectedVersion, patch.Title, patch.Body))
	if !errors.Is(err, ErrNotFound) {
		return n, err
	}

	var current int
	err = s.Pool.QueryRow(ctx, `
		SELECT version FROM note
		WHERE note_id = $1 AND org_id = $2 AND NOT deleted`,
		noteID, tenantID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, err
	}
	return Note{}, &VersionMismatchError{Current: current}
}

func (s *Postgres) SoftDeleteNote(ctx context.Context, tenantID, noteID uuid.UUID) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE note SET deleted = TRUE
		WHERE note_id = $1 AND org_id = $2 AND NOT deleted`,
		noteID, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) GetTenant(ctx context.Context, tenantID uuid.UUID) (Tenant, error) {
	var t Tenant
	var quotaJSON []byte
	err := s.Pool.QueryRow(ctx, `
		SELECT org_id, name, quota_json, created_at FROM org WHERE org_id = $1`,
		tenantID).Scan(&t.ID, &t.Name, &quotaJSON, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, err
	}
	if len(quotaJSON) > 0 {
		var q QuotaOverride
		if err := json.Unmarshal(quotaJSON, &q); err == nil {
			t.Quota = &q
		}
	}
	return t, nil
}

func (s *Postgres) GetUser(ctx context.Context, userID uuid.UUID) (User, error) {
	var u User
	err := s.Pool.QueryRow(ctx, `
		SELECT user_id, org_id, email, role, created_at FROM app_user WHERE user_id = $1`,
		userID).Scan(&u.ID, &u.TenantID, &u.Email, &u.Role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *Postgres) FindTenantOwner(ctx context.Context, tenantID uuid.UUID) (User, error) {
	var u User
	err := s.Pool.QueryRow(ctx, `
		SELECT user_id, org_id, email, role, created_at
		FROM app_user
		WHERE org_id = $1 AND role = 'owner'
		ORDER BY created_at
		LIMIT 1`,
		tenantID).Scan(&u.ID, &u.TenantID, &u.Email, &u.Role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *Postgres) FindAPIKeyByDigest(ctx context.Context, digest string) (APIKey, error) {
	var k APIKey
	err := s.Pool.QueryRow(ctx, `
		SELECT key_id, org_id, name, key_digest, created_at, expires_at
		FROM api_key WHERE key_digest = $1`,
		digest).Scan(&k.ID, &k.TenantID, &k.Name, &k.Digest, &k.CreatedAt, &k.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return APIKey{}, ErrNotFound
	}
	return k, err
}

func (s *Postgres) CreateAPIKey(ctx context.Context, tenantID uuid.UUID, name, digest string, expiresAt *time.Time) (APIKey, error) {
	var k APIKey
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO api_key (key_id, org_id, name, key_digest, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING key_id, org_id, name, key_digest, created_at, expires_at`,
		uuid.New(), tenantID, name, digest, expiresAt).
		Scan(&k.ID, &k.TenantID, &k.Name, &k.Digest, &k.CreatedAt, &k.ExpiresAt)
	return k, err
}

func (s *Postgres) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]APIKey, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT key_id, org_id, name, key_digest, created_at, expires_at
		FROM api_key WHERE org_id = $1
		ORDER BY created_at`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.Digest, &k.CreatedAt, &k.ExpiresAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Postgres) DeleteAPIKey(ctx context.Context, tenantID, keyID uuid.UUID) error {
	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM api_key WHERE key_id = $1 AND org_id = $2`,
		keyID, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) InsertUsage(ctx context.Context, rec UsageRecord) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO usage_log (log_id, org_id, user_id, surface, endpoint, bytes, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), rec.TenantID, rec.UserID, rec.Surface, rec.Endpoint, rec.Bytes, rec.At)
	return err
}

// SummarizeUsage rolls usage_log into per-tenant usage_summary rows for the
// given day. Re-running the rollup for the same day overwrites it, so the
// billing worker is safe to retry.
func (s *Postgres) SummarizeUsage(ctx context.Context, day time.Time) (int, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	tag, err := s.Pool.Exec(ctx, `
		INSERT INTO usage_summary (org_id, period, requests, bytes)
		SELECT org_id, $1::date, count(*), COALESCE(sum(bytes), 0)
		FROM usage_log
		WHERE at >= $2 AND at < $3
		GROUP BY org_id
		ON CONFLICT (org_id, period) DO UPDATE SET
			requests = EXCLUDED.requests,
			bytes    = EXCLUDED.bytes`,
		start, start, end)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
