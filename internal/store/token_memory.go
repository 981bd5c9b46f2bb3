package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryTokenStore is an in-memory TokenStore for tests and single-process
// deployments. Records are lost on restart.
type MemoryTokenStore struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord // keyed by ID
	byKey   map[string]string        // provider + "\x00" + external ID -> ID
	now     func() time.Time
}

type memoryRecord struct {
	rec        *TokenRecord
	leaseID    string
	leaseUntil time.Time
}

var _ TokenStore = (*MemoryTokenStore)(nil)

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		records: make(map[string]*memoryRecord),
		byKey:   make(map[string]string),
		now:     time.Now,
	}
}

func identityKey(provider, externalID string) string {
	return provider + "\x00" + externalID
}

// Upsert inserts or updates a record keyed by provider and external user ID.
func (s *MemoryTokenStore) Upsert(ctx context.Context, rec *TokenRecord, policy OwnershipPolicy) (*TokenRecord, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	key := identityKey(rec.Provider, rec.ExternalUserID)

	if id, ok := s.byKey[key]; ok {
		existing := s.records[id]
		if existing.rec.Owner != rec.Owner && normalizePolicy(policy) == PolicyReject {
			return nil, ownershipConflict(rec.Provider)
		}

		updated := rec.Clone()
		updated.ID = existing.rec.ID
		updated.CreatedAt = existing.rec.CreatedAt
		updated.UpdatedAt = now
		updated.ReauthRequiredAt = nil
		s.records[id] = &memoryRecord{rec: updated}
		return updated.Clone(), nil
	}

	created := rec.Clone()
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	created.CreatedAt = now
	created.UpdatedAt = now
	created.ReauthRequiredAt = nil
	s.records[created.ID] = &memoryRecord{rec: created}
	s.byKey[key] = created.ID
	return created.Clone(), nil
}

// Get returns the record with the given ID.
func (s *MemoryTokenStore) Get(ctx context.Context, id string) (*TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.rec.Clone(), nil
}

// FindByProviderAndExternalID returns the record for a provider identity.
func (s *MemoryTokenStore) FindByProviderAndExternalID(ctx context.Context, provider, externalID string) (*TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[identityKey(provider, externalID)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.records[id].rec.Clone(), nil
}

// FindByProviderAndOwner returns the owner's most recently updated record for the provider.
func (s *MemoryTokenStore) FindByProviderAndOwner(ctx context.Context, provider, owner string) (*TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *TokenRecord
	for _, m := range s.records {
		if m.rec.Provider != provider || m.rec.Owner != owner {
			continue
		}
		if found == nil || m.rec.UpdatedAt.After(found.UpdatedAt) {
			found = m.rec
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found.Clone(), nil
}

// ListByOwner returns every record the owner holds.
func (s *MemoryTokenStore) ListByOwner(ctx context.Context, owner string) ([]*TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TokenRecord
	for _, m := range s.records {
		if m.rec.Owner == owner {
			out = append(out, m.rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListExpiring returns refreshable records expiring at or before the given time.
func (s *MemoryTokenStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TokenRecord
	for _, m := range s.records {
		r := m.rec
		if r.ExpiresAt != nil && r.RefreshToken != "" && r.ReauthRequiredAt == nil && !r.ExpiresAt.After(before) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes a record.
func (s *MemoryTokenStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	s.remove(m.rec)
	return nil
}

// DeleteForOwner removes a record if owner holds it.
func (s *MemoryTokenStore) DeleteForOwner(ctx context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.records[id]
	if !ok || m.rec.Owner != owner {
		return ErrNotFound
	}
	s.remove(m.rec)
	return nil
}

// DeleteOwner removes every record held by owner.
func (s *MemoryTokenStore) DeleteOwner(ctx context.Context, owner string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.records {
		if m.rec.Owner == owner {
			s.remove(m.rec)
			n++
		}
	}
	return n, nil
}

// remove deletes rec from both indexes. Callers hold the write lock.
func (s *MemoryTokenStore) remove(rec *TokenRecord) {
	delete(s.records, rec.ID)
	delete(s.byKey, identityKey(rec.Provider, rec.ExternalUserID))
}

// AcquireRefreshLease takes the refresh lease when it is free, expired or already ours.
func (s *MemoryTokenStore) AcquireRefreshLease(ctx context.Context, id, leaseID string, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.leaseID != "" && m.leaseID != leaseID && s.now().Before(m.leaseUntil) {
		return false, nil
	}
	m.leaseID = leaseID
	m.leaseUntil = until
	return true, nil
}

// ReleaseRefreshLease drops the lease if leaseID holds it.
func (s *MemoryTokenStore) ReleaseRefreshLease(ctx context.Context, id, leaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.records[id]; ok && m.leaseID == leaseID {
		m.leaseID = ""
		m.leaseUntil = time.Time{}
	}
	return nil
}

// MarkReauthRequired flags the record as needing a new authorization while it
// still holds refreshToken.
func (s *MemoryTokenStore) MarkReauthRequired(ctx context.Context, id, refreshToken string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if m.rec.RefreshToken == refreshToken && m.rec.ReauthRequiredAt == nil {
		t := at.UTC()
		m.rec.ReauthRequiredAt = &t
	}
	return nil
}

// CommitRefresh applies a refresh result while leaseID holds the lease.
func (s *MemoryTokenStore) CommitRefresh(ctx context.Context, id, leaseID string, upd TokenUpdate) (*TokenRecord, error) {
	if err := validateUpdate(upd); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.leaseID != leaseID {
		return nil, ErrLeaseLost
	}

	rec := m.rec.Clone()
	applyUpdate(rec, upd)
	rec.UpdatedAt = s.now().UTC()
	s.records[id] = &memoryRecord{rec: rec}
	return rec.Clone(), nil
}

// Close is a no-op.
func (s *MemoryTokenStore) Close() error {
	return nil
}

// applyUpdate copies a refresh result onto rec.
func applyUpdate(rec *TokenRecord, upd TokenUpdate) {
	rec.AccessToken = upd.AccessToken
	rec.RefreshToken = upd.RefreshToken
	rec.ExpiresAt = cloneTime(upd.ExpiresAt)
	rec.RefreshTokenExpiresAt = cloneTime(upd.RefreshTokenExpiresAt)
	rec.TokenType = upd.TokenType
	rec.Scope = upd.Scope
	rec.ReauthRequiredAt = nil
	if upd.Profile != nil {
		rec.Profile = upd.Profile
	}
	if upd.DisplayName != "" {
		rec.DisplayName = upd.DisplayName
	}
}
