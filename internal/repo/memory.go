package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by handler and hub tests, and by
// local development without a database. It honours the same contracts as
// Postgres: tenant predicates on every note operation and an atomic
// version-guarded commit (serialized under the store mutex).
type Memory struct {
	mu        sync.Mutex
	notes     map[uuid.UUID]*Note
	tenants   map[uuid.UUID]Tenant
	users     map[uuid.UUID]User
	keys      map[uuid.UUID]APIKey
	usage     []UsageRecord
	summaries map[uuid.UUID]map[string]UsageSummary
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		notes:     make(map[uuid.UUID]*Note),
		tenants:   make(map[uuid.UUID]Tenant),
		users:     make(map[uuid.UUID]User),
		keys:      make(map[uuid.UUID]APIKey),
		summaries: make(map[uuid.UUID]map[string]UsageSummary),
		now:       time.Now,
	}
}

// SeedTenant registers a tenant and returns it.
func (m *Memory) SeedTenant(name string, quota *QuotaOverride) Tenant {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := Tenant{ID: uuid.New(), Name: name, Quota: quota, CreatedAt: m.now()}
	m.tenants[t.ID] = t
	return t
}

// SeedUser registers a user for a tenant and returns it.
func (m *Memory) SeedUser(tenantID uuid.UUID, email, role string) User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := User{ID: uuid.New(), TenantID: tenantID, Email: email, Role: role, CreatedAt: m.now()}
	m.users[u.ID] = u
	return u
}

func (m *Memory) CreateNote(_ context.Context, tenantID uuid.UUID, title, body string) (Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := Note{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Title:     title,
		Body:      body,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.notes[n.ID] = &n
	return n, nil
}

func (m *Memory) GetNote(_ context.Context, tenantID, noteID uuid.UUID) (Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[noteID]
	if !ok || n.TenantID != tenantID || n.Deleted {
		return Note{}, ErrNotFound
	}
	return *n, nil
}

func (m *Memory) ListNotes(_ context.Context, tenantID uuid.UUID, offset, limit int) ([]Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Note
	for _, n := range m.notes {
		if n.TenantID == tenantID && !n.Deleted {
			all = append(all, *n)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	if offset >= len(all) {
		return []Note{}, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *Memory) apply(n *Note, patch NotePatch) {
	if patch.Title != nil {
		n.Title = *patch.Title
	}
	if patch.Body != nil {
		n.Body = *patch.Body
	}
	n.Version++
	n.UpdatedAt = m.now()
}

func (m *Memory) PatchNote(_ context.Context, tenantID, noteID uuid.UUID, patch NotePatch) (Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[noteID]
	if !ok || n.TenantID != tenantID || n.Deleted {
		return Note{}, ErrNotFound
	}
	m.apply(n, patch)
	return *n, nil
}

func (m *Memory) CommitVersioned(_ context.Context, tenantID, noteID uuid.UUID, expectedVersion int, patch NotePatch) (Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[noteID]
	if !ok || n.TenantID != tenantID || n.Deleted {
		return Note{}, ErrNotFound
	}
	if n.Version != expectedVersion {
		return Note{}, &VersionMismatchError{Current: n.Version}
	}
	m.apply(n, patch)
	return *n, nil
}

func (m *Memory) SoftDeleteNote(_ context.Context, tenantID, noteID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[noteID]
	if !ok || n.TenantID != tenantID || n.Deleted {
		return ErrNotFound
	}
	n.Deleted = true
	return nil
}

func (m *Memory) GetTenant(_ context.Context, tenantID uuid.UUID) (Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) GetUser(_ context.Context, userID uuid.UUID) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) FindTenantOwner(_ context.Context, tenantID uuid.UUID) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var owners []User
	for _, u := range m.users {
		if u.TenantID == tenantID && u.Role == "owner" {
			owners = append(owners, u)
		}
	}
	if len(owners) == 0 {
		return User{}, ErrNotFound
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].CreatedAt.Before(owners[j].CreatedAt) })
	return owners[0], nil
}

func (m *Memory) FindAPIKeyByDigest(_ context.Context, digest string) (APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.Digest == digest {
			return k, nil
		}
	}
	return APIKey{}, ErrNotFound
}

func (m *Memory) CreateAPIKey(_ context.Context, tenantID uuid.UUID, name, digest string, expiresAt *time.Time) (APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := APIKey{ID: uuid.New(), TenantID: tenantID, Name: name, Digest: digest, CreatedAt: m.now(), ExpiresAt: expiresAt}
	m.keys[k.ID] = k
	return k, nil
}

func (m *Memory) ListAPIKeys(_ context.Context, tenantID uuid.UUID) ([]APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []APIKey
	for _, k := range m.keys {
		if k.TenantID == tenantID {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys, nil
}

func (m *Memory) DeleteAPIKey(_ context.Context, tenantID, keyID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok || k.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.keys, keyID)
	return nil
}

func (m *Memory) InsertUsage(_ context.Context, rec UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, rec)
	return nil
}

// UsageRecords returns a copy of the recorded usage, for tests.
func (m *Memory) UsageRecords() []UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UsageRecord, len(m.usage))
	copy(out, m.usage)
	return out
}

func (m *Memory) SummarizeUsage(_ context.Context, day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	period := start.Format("2006-01-02")

	rollup := make(map[uuid.UUID]UsageSummary)
	for _, rec := range m.usage {
		if rec.At.Before(start) || !rec.At.Before(end) {
			continue
		}
		s := rollup[rec.TenantID]
		s.TenantID = rec.TenantID
		s.Period = start
		s.Requests++
		s.Bytes += int64(rec.Bytes)
		rollup[rec.TenantID] = s
	}
	for id, s := range rollup {
		if m.summaries[id] == nil {
			m.summaries[id] = make(map[string]UsageSummary)
		}
		m.summaries[id][period] = s
	}
	return len(rollup), nil
}

// Summary returns the rollup for a tenant and day, for tests.
func (m *Memory) Summary(tenantID uuid.UUID, day time.Time) (UsageSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[tenantID][day.UTC().Format("2006-01-02")]
	return s, ok
}
