package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cruxstack/oauth2-capture/internal/store/migrations"
)

// migrationLockID is the pg_advisory_lock key that serializes schema changes
// across processes.
const migrationLockID int64 = 0x6f61757468326361 // "oauth2ca"

const pgTokenColumns = `id, provider, external_user_id, owner, access_token, refresh_token,
	expires_at, refresh_token_expires_at, token_type, scope, profile, display_name,
	reauth_required_at, created_at, updated_at`

const (
	pgUpsertSQL = `
		INSERT INTO token_records (id, provider, external_user_id, owner, access_token, refresh_token,
			expires_at, refresh_token_expires_at, token_type, scope, profile, display_name,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13, $13)
		ON CONFLICT (provider, external_user_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			refresh_token_expires_at = EXCLUDED.refresh_token_expires_at,
			token_type = EXCLUDED.token_type,
			scope = EXCLUDED.scope,
			profile = EXCLUDED.profile,
			display_name = EXCLUDED.display_name,
			refresh_lease_id = NULL,
			refresh_lease_until = NULL,
			reauth_required_at = NULL,
			updated_at = EXCLUDED.updated_at
		WHERE token_records.owner = EXCLUDED.owner OR $14
		RETURNING ` + pgTokenColumns

	pgAcquireLeaseSQL = `
		UPDATE token_records SET refresh_lease_id = $2, refresh_lease_until = $3
		WHERE id = $1 AND (refresh_lease_id IS NULL OR refresh_lease_id = $2 OR refresh_lease_until < $4)`

	pgCommitRefreshSQL = `
		UPDATE token_records SET
			access_token = $3,
			refresh_token = $4,
			expires_at = $5,
			refresh_token_expires_at = $6,
			token_type = $7,
			scope = $8,
			profile = COALESCE($9::jsonb, profile),
			display_name = COALESCE(NULLIF($10, ''), display_name),
			refresh_lease_id = NULL,
			refresh_lease_until = NULL,
			reauth_required_at = NULL,
			updated_at = $11
		WHERE id = $1 AND refresh_lease_id = $2
		RETURNING ` + pgTokenColumns

	pgMarkReauthSQL = `
		UPDATE token_records SET reauth_required_at = $3
		WHERE id = $1 AND refresh_token = $2 AND reauth_required_at IS NULL`
)

// PostgresTokenStore is a TokenStore backed by PostgreSQL through pgx.
type PostgresTokenStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ TokenStore = (*PostgresTokenStore)(nil)

// NewPostgresTokenStore connects to dsn and verifies the connection.
func NewPostgresTokenStore(ctx context.Context, dsn string) (*PostgresTokenStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return &PostgresTokenStore{pool: pool, now: time.Now}, nil
}

// Migrate applies pending schema migrations under an advisory lock and
// returns how many were applied.
func (s *PostgresTokenStore) Migrate(ctx context.Context) (int, error) {
	files, err := loadMigrations(migrations.FS, "postgres")
	if err != nil {
		return 0, err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return 0, fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockID) //nolint:errcheck

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return 0, fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := conn.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return 0, fmt.Errorf("getting current version: %w", err)
	}

	applied := 0
	for _, m := range files {
		if m.version <= current {
			continue
		}
		err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.version)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("executing migration %s: %w", m.name, err)
		}
		applied++
	}
	return applied, nil
}

// Upsert inserts or updates a record in a single statement.
func (s *PostgresTokenStore) Upsert(ctx context.Context, rec *TokenRecord, policy OwnershipPolicy) (*TokenRecord, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}
	profile, err := marshalProfile(rec.Profile)
	if err != nil {
		return nil, err
	}
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}

	row := s.pool.QueryRow(ctx, pgUpsertSQL,
		id, rec.Provider, rec.ExternalUserID, rec.Owner, rec.AccessToken, rec.RefreshToken,
		rec.ExpiresAt, rec.RefreshTokenExpiresAt, rec.TokenType, rec.Scope, profile, rec.DisplayName,
		s.now().UTC(), normalizePolicy(policy) == PolicyReassign)

	out, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ownershipConflict(rec.Provider)
	}
	if err != nil {
		return nil, persistence("upserting token record", err)
	}
	return out, nil
}

// Get returns the record with the given ID.
func (s *PostgresTokenStore) Get(ctx context.Context, id string) (*TokenRecord, error) {
	return s.queryOne(ctx, "SELECT "+pgTokenColumns+" FROM token_records WHERE id = $1", id)
}

// FindByProviderAndExternalID returns the record for a provider identity.
func (s *PostgresTokenStore) FindByProviderAndExternalID(ctx context.Context, provider, externalID string) (*TokenRecord, error) {
	return s.queryOne(ctx, "SELECT "+pgTokenColumns+" FROM token_records WHERE provider = $1 AND external_user_id = $2",
		provider, externalID)
}

// FindByProviderAndOwner returns the owner's most recently updated record for the provider.
func (s *PostgresTokenStore) FindByProviderAndOwner(ctx context.Context, provider, owner string) (*TokenRecord, error) {
	return s.queryOne(ctx, "SELECT "+pgTokenColumns+` FROM token_records
		WHERE provider = $1 AND owner = $2 ORDER BY updated_at DESC LIMIT 1`, provider, owner)
}

// ListByOwner returns every record the owner holds.
func (s *PostgresTokenStore) ListByOwner(ctx context.Context, owner string) ([]*TokenRecord, error) {
	return s.queryMany(ctx, "SELECT "+pgTokenColumns+` FROM token_records
		WHERE owner = $1 ORDER BY provider, created_at`, owner)
}

// ListExpiring returns refreshable records expiring at or before the given time.
func (s *PostgresTokenStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*TokenRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryMany(ctx, "SELECT "+pgTokenColumns+` FROM token_records
		WHERE expires_at IS NOT NULL AND expires_at <= $1 AND refresh_token <> ''
			AND reauth_required_at IS NULL
		ORDER BY expires_at LIMIT $2`, before.UTC(), limit)
}

// Delete removes a record.
func (s *PostgresTokenStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM token_records WHERE id = $1", id)
	if err != nil {
		return persistence("deleting token record", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteForOwner removes a record if owner holds it.
func (s *PostgresTokenStore) DeleteForOwner(ctx context.Context, id, owner string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM token_records WHERE id = $1 AND owner = $2", id, owner)
	if err != nil {
		return persistence("deleting token record", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOwner removes every record held by owner.
func (s *PostgresTokenStore) DeleteOwner(ctx context.Context, owner string) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM token_records WHERE owner = $1", owner)
	if err != nil {
		return 0, persistence("deleting owner records", err)
	}
	return tag.RowsAffected(), nil
}

// AcquireRefreshLease takes the refresh lease with a conditional update.
func (s *PostgresTokenStore) AcquireRefreshLease(ctx context.Context, id, leaseID string, until time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, pgAcquireLeaseSQL, id, leaseID, until.UTC(), s.now().UTC())
	if err != nil {
		return false, persistence("acquiring refresh lease", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if err := s.exists(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseRefreshLease drops the lease if leaseID holds it.
func (s *PostgresTokenStore) ReleaseRefreshLease(ctx context.Context, id, leaseID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE token_records SET refresh_lease_id = NULL, refresh_lease_until = NULL
		WHERE id = $1 AND refresh_lease_id = $2`, id, leaseID)
	if err != nil {
		return persistence("releasing refresh lease", err)
	}
	return nil
}

// MarkReauthRequired flags the record as needing a new authorization while it
// still holds refreshToken.
func (s *PostgresTokenStore) MarkReauthRequired(ctx context.Context, id, refreshToken string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, pgMarkReauthSQL, id, refreshToken, at.UTC())
	if err != nil {
		return persistence("marking reauth required", err)
	}
	if tag.RowsAffected() == 0 {
		return s.exists(ctx, id)
	}
	return nil
}

// CommitRefresh applies a refresh result as a compare-and-swap on the lease.
func (s *PostgresTokenStore) CommitRefresh(ctx context.Context, id, leaseID string, upd TokenUpdate) (*TokenRecord, error) {
	if err := validateUpdate(upd); err != nil {
		return nil, err
	}
	var profile *string
	if upd.Profile != nil {
		p, err := marshalProfile(upd.Profile)
		if err != nil {
			return nil, err
		}
		profile = &p
	}

	row := s.pool.QueryRow(ctx, pgCommitRefreshSQL, id, leaseID,
		upd.AccessToken, upd.RefreshToken, upd.ExpiresAt, upd.RefreshTokenExpiresAt,
		upd.TokenType, upd.Scope, profile, upd.DisplayName, s.now().UTC())

	out, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := s.exists(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrLeaseLost
	}
	if err != nil {
		return nil, persistence("committing refresh", err)
	}
	return out, nil
}

// Close closes the connection pool.
func (s *PostgresTokenStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresTokenStore) exists(ctx context.Context, id string) error {
	var found bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM token_records WHERE id = $1)", id).Scan(&found); err != nil {
		return persistence("checking token record", err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresTokenStore) queryOne(ctx context.Context, query string, args ...any) (*TokenRecord, error) {
	rec, err := scanPgRecord(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistence("querying token record", err)
	}
	return rec, nil
}

func (s *PostgresTokenStore) queryMany(ctx context.Context, query string, args ...any) ([]*TokenRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistence("querying token records", err)
	}
	defer rows.Close()

	var out []*TokenRecord
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, persistence("scanning token record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("iterating token records", err)
	}
	return out, nil
}

func scanPgRecord(row pgx.Row) (*TokenRecord, error) {
	var (
		rec     TokenRecord
		profile []byte
	)
	err := row.Scan(&rec.ID, &rec.Provider, &rec.ExternalUserID, &rec.Owner, &rec.AccessToken, &rec.RefreshToken,
		&rec.ExpiresAt, &rec.RefreshTokenExpiresAt, &rec.TokenType, &rec.Scope, &profile, &rec.DisplayName,
		&rec.ReauthRequiredAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if rec.Profile, err = unmarshalProfile(profile); err != nil {
		return nil, err
	}
	rec.ExpiresAt = cloneTime(rec.ExpiresAt)
	rec.RefreshTokenExpiresAt = cloneTime(rec.RefreshTokenExpiresAt)
	rec.ReauthRequiredAt = cloneTime(rec.ReauthRequiredAt)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func marshalProfile(profile map[string]any) (string, error) {
	if profile == nil {
		return "{}", nil
	}
	b, err := json.Marshal(profile)
	if err != nil {
		return "", fmt.Errorf("marshaling profile: %w", err)
	}
	return string(b), nil
}

func unmarshalProfile(b []byte) (map[string]any, error) {
	profile := map[string]any{}
	if len(b) == 0 {
		return profile, nil
	}
	if err := json.Unmarshal(b, &profile); err != nil {
		return nil, fmt.Errorf("unmarshaling profile: %w", err)
	}
	return profile, nil
}
