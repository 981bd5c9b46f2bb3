// Package store persists captured OAuth tokens and the short-lived state that
// ties an authorization redirect to its callback.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cruxstack/oauth2-capture/internal/oautherr"
)

// TokenRecord is one captured grant: the tokens a provider issued for one of
// its users, connected by one local owner.
type TokenRecord struct {
	ID                    string
	Provider              string
	ExternalUserID        string
	Owner                 string
	AccessToken           string
	RefreshToken          string     // empty when the provider issued none
	ExpiresAt             *time.Time // nil means the access token never expires
	RefreshTokenExpiresAt *time.Time // nil means unknown or never
	TokenType             string
	Scope                 string
	Profile               map[string]any
	DisplayName           string
	ReauthRequiredAt      *time.Time // set when the provider rejected the refresh token
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Username returns the provider handle from the profile snapshot, falling back
// to the display name.
func (r *TokenRecord) Username() string {
	for _, key := range []string{"username", "login"} {
		if v, ok := r.Profile[key].(string); ok && v != "" {
			return v
		}
	}
	return r.DisplayName
}

// Expired reports whether the access token is stale at now, treating tokens
// within skew of their expiry as already expired.
func (r *TokenRecord) Expired(now time.Time, skew time.Duration) bool {
	return r.ExpiresAt != nil && !now.Add(skew).Before(*r.ExpiresAt)
}

// RefreshExpired reports whether the refresh token is known to be unusable.
func (r *TokenRecord) RefreshExpired(now time.Time) bool {
	if r.RefreshToken == "" {
		return true
	}
	return r.RefreshTokenExpiresAt != nil && !now.Before(*r.RefreshTokenExpiresAt)
}

// Clone returns a deep copy of the record.
func (r *TokenRecord) Clone() *TokenRecord {
	c := *r
	c.ExpiresAt = cloneTime(r.ExpiresAt)
	c.RefreshTokenExpiresAt = cloneTime(r.RefreshTokenExpiresAt)
	c.ReauthRequiredAt = cloneTime(r.ReauthRequiredAt)
	if r.Profile != nil {
		c.Profile = make(map[string]any, len(r.Profile))
		for k, v := range r.Profile {
			c.Profile[k] = v
		}
	}
	return &c
}

// TokenUpdate is the result of a successful refresh. Profile and DisplayName
// are left unchanged when empty.
type TokenUpdate struct {
	AccessToken           string
	RefreshToken          string
	ExpiresAt             *time.Time
	RefreshTokenExpiresAt *time.Time
	TokenType             string
	Scope                 string
	Profile               map[string]any
	DisplayName           string
}

// OwnershipPolicy decides what happens when an external account that is
// already connected is connected again by a different owner.
type OwnershipPolicy string

const (
	// PolicyReassign moves the record to the new owner.
	PolicyReassign OwnershipPolicy = "reassign"
	// PolicyReject refuses the new connection with an ownership conflict.
	PolicyReject OwnershipPolicy = "reject"
)

// ParseOwnershipPolicy parses a configured policy name. Empty means reassign.
func ParseOwnershipPolicy(s string) (OwnershipPolicy, error) {
	switch OwnershipPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyReassign:
		return PolicyReassign, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unknown ownership policy %q", s)
	}
}

// TokenStore persists token records. (Provider, ExternalUserID) is unique.
type TokenStore interface {
	// Upsert inserts rec or updates the record with the same provider and
	// external user ID in one atomic statement. ID and CreatedAt of an existing
	// record are preserved. Any refresh lease on it is cleared.
	Upsert(ctx context.Context, rec *TokenRecord, policy OwnershipPolicy) (*TokenRecord, error)

	Get(ctx context.Context, id string) (*TokenRecord, error)
	FindByProviderAndExternalID(ctx context.Context, provider, externalID string) (*TokenRecord, error)

	// FindByProviderAndOwner returns the owner's most recently updated record for the provider.
	FindByProviderAndOwner(ctx context.Context, provider, owner string) (*TokenRecord, error)

	// ListByOwner returns the owner's records ordered by provider, then creation.
	ListByOwner(ctx context.Context, owner string) ([]*TokenRecord, error)

	// ListExpiring returns refreshable records whose access token expires at or
	// before the given time, soonest first. Records marked as needing
	// re-authorization are skipped.
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*TokenRecord, error)

	Delete(ctx context.Context, id string) error

	// DeleteForOwner deletes the record only if owner holds it. A record held
	// by someone else is reported as not found.
	DeleteForOwner(ctx context.Context, id, owner string) error

	// DeleteOwner removes every record held by owner and returns the count.
	DeleteOwner(ctx context.Context, owner string) (int64, error)

	// AcquireRefreshLease takes the per-record refresh lease until the given
	// time. It returns false while another unexpired lease is held.
	AcquireRefreshLease(ctx context.Context, id, leaseID string, until time.Time) (bool, error)

	// ReleaseRefreshLease drops the lease if leaseID still holds it.
	ReleaseRefreshLease(ctx context.Context, id, leaseID string) error

	// MarkReauthRequired records that the provider rejected refreshToken. It is
	// a no-op when the record has since moved on to another refresh token.
	// Upsert and CommitRefresh clear the mark.
	MarkReauthRequired(ctx context.Context, id, refreshToken string, at time.Time) error

	// CommitRefresh applies upd and clears the lease and any reauth mark, but
	// only while leaseID still holds it. Otherwise it fails with ErrLeaseLost.
	CommitRefresh(ctx context.Context, id, leaseID string, upd TokenUpdate) (*TokenRecord, error)

	Close() error
}

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = oautherr.New(oautherr.KindNotFound, "", "store", "token record not found")

	// ErrLeaseLost is returned by CommitRefresh when the lease expired or was taken over.
	ErrLeaseLost = oautherr.New(oautherr.KindPersistence, "", "store", "refresh lease lost")
)

func ownershipConflict(provider string) error {
	return oautherr.New(oautherr.KindOwnershipConflict, provider, "store",
		"external account is connected by another owner")
}

func persistence(op string, err error) error {
	return oautherr.Wrap(oautherr.KindPersistence, "", "store", fmt.Errorf("%s: %w", op, err))
}

// validateRecord enforces the write invariants shared by every backend.
func validateRecord(rec *TokenRecord) error {
	var missing []string
	if rec.Provider == "" {
		missing = append(missing, "provider")
	}
	if rec.ExternalUserID == "" {
		missing = append(missing, "external_user_id")
	}
	if rec.Owner == "" {
		missing = append(missing, "owner")
	}
	if rec.AccessToken == "" {
		missing = append(missing, "access_token")
	}
	if len(missing) > 0 {
		return oautherr.New(oautherr.KindPersistence, rec.Provider, "store",
			"record missing "+strings.Join(missing, ", "))
	}
	return nil
}

func normalizePolicy(policy OwnershipPolicy) OwnershipPolicy {
	if policy == PolicyReject {
		return PolicyReject
	}
	return PolicyReassign
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := t.UTC()
	return &c
}

func validateUpdate(upd TokenUpdate) error {
	if upd.AccessToken == "" {
		return oautherr.New(oautherr.KindPersistence, "", "store", "update missing access_token")
	}
	return nil
}
