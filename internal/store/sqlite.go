package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/cruxstack/oauth2-capture/internal/store/migrations"
)

const sqliteTokenColumns = `id, provider, external_user_id, owner, access_token, refresh_token,
	expires_at, refresh_token_expires_at, token_type, scope, profile, display_name,
	reauth_required_at, created_at, updated_at`

const (
	sqliteUpsertSQL = `
		INSERT INTO token_records (id, provider, external_user_id, owner, access_token, refresh_token,
			expires_at, refresh_token_expires_at, token_type, scope, profile, display_name,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, external_user_id) DO UPDATE SET
			owner = excluded.owner,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			refresh_token_expires_at = excluded.refresh_token_expires_at,
			token_type = excluded.token_type,
			scope = excluded.scope,
			profile = excluded.profile,
			display_name = excluded.display_name,
			refresh_lease_id = NULL,
			refresh_lease_until = NULL,
			reauth_required_at = NULL,
			updated_at = excluded.updated_at
		WHERE token_records.owner = excluded.owner OR ?
		RETURNING ` + sqliteTokenColumns

	sqliteAcquireLeaseSQL = `
		UPDATE token_records SET refresh_lease_id = ?, refresh_lease_until = ?
		WHERE id = ? AND (refresh_lease_id IS NULL OR refresh_lease_id = ? OR refresh_lease_until < ?)`

	sqliteCommitRefreshSQL = `
		UPDATE token_records SET
			access_token = ?,
			refresh_token = ?,
			expires_at = ?,
			refresh_token_expires_at = ?,
			token_type = ?,
			scope = ?,
			profile = COALESCE(?, profile),
			display_name = COALESCE(NULLIF(?, ''), display_name),
			refresh_lease_id = NULL,
			refresh_lease_until = NULL,
			reauth_required_at = NULL,
			updated_at = ?
		WHERE id = ? AND refresh_lease_id = ?
		RETURNING ` + sqliteTokenColumns

	sqliteMarkReauthSQL = `
		UPDATE token_records SET reauth_required_at = ?
		WHERE id = ? AND refresh_token = ? AND reauth_required_at IS NULL`
)

// SQLiteTokenStore is a TokenStore backed by a SQLite file through the pure-Go
// modernc driver. Timestamps are stored as unix microseconds.
type SQLiteTokenStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ TokenStore = (*SQLiteTokenStore)(nil)

// NewSQLiteTokenStore opens (creating if needed) the database at path and
// applies pending migrations. ":memory:" opens a private in-memory database.
func NewSQLiteTokenStore(ctx context.Context, path string) (*SQLiteTokenStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer avoids SQLITE_BUSY and keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteTokenStore{db: db, now: time.Now}
	if _, err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Migrate applies pending schema migrations and returns how many were applied.
func (s *SQLiteTokenStore) Migrate(ctx context.Context) (int, error) {
	files, err := loadMigrations(migrations.FS, "sqlite")
	if err != nil {
		return 0, err
	}

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return 0, fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return 0, fmt.Errorf("getting current version: %w", err)
	}

	applied := 0
	for _, m := range files {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("beginning migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("executing migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("recording migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("committing migration %s: %w", m.name, err)
		}
		applied++
	}
	return applied, nil
}

// Upsert inserts or updates a record in a single statement.
func (s *SQLiteTokenStore) Upsert(ctx context.Context, rec *TokenRecord, policy OwnershipPolicy) (*TokenRecord, error) {
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
	now := s.now().UTC().UnixMicro()

	row := s.db.QueryRowContext(ctx, sqliteUpsertSQL,
		id, rec.Provider, rec.ExternalUserID, rec.Owner, rec.AccessToken, rec.RefreshToken,
		micros(rec.ExpiresAt), micros(rec.RefreshTokenExpiresAt), rec.TokenType, rec.Scope, profile, rec.DisplayName,
		now, now, normalizePolicy(policy) == PolicyReassign)

	out, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ownershipConflict(rec.Provider)
	}
	if err != nil {
		return nil, persistence("upserting token record", err)
	}
	return out, nil
}

// Get returns the record with the given ID.
func (s *SQLiteTokenStore) Get(ctx context.Context, id string) (*TokenRecord, error) {
	return s.queryOne(ctx, "SELECT "+sqliteTokenColumns+" FROM token_records WHERE id = ?", id)
}

// FindByProviderAndExternalID returns the record for a provider identity.
func (s *SQLiteTokenStore) FindByProviderAndExternalID(ctx context.Context, provider, externalID string) (*TokenRecord, error) {
	return s.queryOne(ctx, "SELECT "+sqliteTokenColumns+" FROM token_records WHERE provider = ? AND external_user_id = ?",
		provider, externalID)
}

// FindByProviderAndOwner returns the owner's most recently updated record for the provider.
func (s *SQLiteTokenStore) FindByProviderAndOwner(ctx context.Context, provider, owner string) (*TokenRecord, error) {
	return s.queryOne(ctx, "SELECT "+sqliteTokenColumns+` FROM token_records
		WHERE provider = ? AND owner = ? ORDER BY updated_at DESC LIMIT 1`, provider, owner)
}

// ListByOwner returns every record the owner holds.
func (s *SQLiteTokenStore) ListByOwner(ctx context.Context, owner string) ([]*TokenRecord, error) {
	return s.queryMany(ctx, "SELECT "+sqliteTokenColumns+` FROM token_records
		WHERE owner = ? ORDER BY provider, created_at`, owner)
}

// ListExpiring returns refreshable records expiring at or before the given time.
func (s *SQLiteTokenStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*TokenRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryMany(ctx, "SELECT "+sqliteTokenColumns+` FROM token_records
		WHERE expires_at IS NOT NULL AND expires_at <= ? AND refresh_token <> ''
			AND reauth_required_at IS NULL
		ORDER BY expires_at LIMIT ?`, before.UTC().UnixMicro(), limit)
}

// Delete removes a record.
func (s *SQLiteTokenStore) Delete(ctx context.Context, id string) error {
	return s.deleteOne(ctx, "DELETE FROM token_records WHERE id = ?", id)
}

// DeleteForOwner removes a record if owner holds it.
func (s *SQLiteTokenStore) DeleteForOwner(ctx context.Context, id, owner string) error {
	return s.deleteOne(ctx, "DELETE FROM token_records WHERE id = ? AND owner = ?", id, owner)
}

// DeleteOwner removes every record held by owner.
func (s *SQLiteTokenStore) DeleteOwner(ctx context.Context, owner string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM token_records WHERE owner = ?", owner)
	if err != nil {
		return 0, persistence("deleting owner records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistence("deleting owner records", err)
	}
	return n, nil
}

// AcquireRefreshLease takes the refresh lease with a conditional update.
func (s *SQLiteTokenStore) AcquireRefreshLease(ctx context.Context, id, leaseID string, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, sqliteAcquireLeaseSQL,
		leaseID, until.UTC().UnixMicro(), id, leaseID, s.now().UTC().UnixMicro())
	if err != nil {
		return false, persistence("acquiring refresh lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistence("acquiring refresh lease", err)
	}
	if n == 1 {
		return true, nil
	}
	if err := s.exists(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseRefreshLease drops the lease if leaseID holds it.
func (s *SQLiteTokenStore) ReleaseRefreshLease(ctx context.Context, id, leaseID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE token_records SET refresh_lease_id = NULL, refresh_lease_until = NULL
		WHERE id = ? AND refresh_lease_id = ?`, id, leaseID)
	if err != nil {
		return persistence("releasing refresh lease", err)
	}
	return nil
}

// MarkReauthRequired flags the record as needing a new authorization while it
// still holds refreshToken.
func (s *SQLiteTokenStore) MarkReauthRequired(ctx context.Context, id, refreshToken string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, sqliteMarkReauthSQL, at.UTC().UnixMicro(), id, refreshToken)
	if err != nil {
		return persistence("marking reauth required", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistence("marking reauth required", err)
	}
	if n == 0 {
		return s.exists(ctx, id)
	}
	return nil
}

// CommitRefresh applies a refresh result as a compare-and-swap on the lease.
func (s *SQLiteTokenStore) CommitRefresh(ctx context.Context, id, leaseID string, upd TokenUpdate) (*TokenRecord, error) {
	if err := validateUpdate(upd); err != nil {
		return nil, err
	}
	var profile any
	if upd.Profile != nil {
		p, err := marshalProfile(upd.Profile)
		if err != nil {
			return nil, err
		}
		profile = p
	}

	row := s.db.QueryRowContext(ctx, sqliteCommitRefreshSQL,
		upd.AccessToken, upd.RefreshToken, micros(upd.ExpiresAt), micros(upd.RefreshTokenExpiresAt),
		upd.TokenType, upd.Scope, profile, upd.DisplayName, s.now().UTC().UnixMicro(),
		id, leaseID)

	out, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
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

// Close closes the database.
func (s *SQLiteTokenStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteTokenStore) exists(ctx context.Context, id string) error {
	var found bool
	if err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM token_records WHERE id = ?)", id).Scan(&found); err != nil {
		return persistence("checking token record", err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteTokenStore) deleteOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence("deleting token record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistence("deleting token record", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteTokenStore) queryOne(ctx context.Context, query string, args ...any) (*TokenRecord, error) {
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistence("querying token record", err)
	}
	return rec, nil
}

func (s *SQLiteTokenStore) queryMany(ctx context.Context, query string, args ...any) ([]*TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence("querying token records", err)
	}
	defer rows.Close()

	var out []*TokenRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
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

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*TokenRecord, error) {
	var (
		rec                  TokenRecord
		expiresAt, rtExpires sql.NullInt64
		reauthAt             sql.NullInt64
		createdAt, updatedAt int64
		profile              string
	)
	err := row.Scan(&rec.ID, &rec.Provider, &rec.ExternalUserID, &rec.Owner, &rec.AccessToken, &rec.RefreshToken,
		&expiresAt, &rtExpires, &rec.TokenType, &rec.Scope, &profile, &rec.DisplayName,
		&reauthAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if rec.Profile, err = unmarshalProfile([]byte(profile)); err != nil {
		return nil, err
	}
	rec.ExpiresAt = fromMicros(expiresAt)
	rec.RefreshTokenExpiresAt = fromMicros(rtExpires)
	rec.ReauthRequiredAt = fromMicros(reauthAt)
	rec.CreatedAt = time.UnixMicro(createdAt).UTC()
	rec.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return &rec, nil
}

func micros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMicro()
}

func fromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}
