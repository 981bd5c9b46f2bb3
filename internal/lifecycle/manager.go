// Package lifecycle keeps stored access tokens usable: it hands out the stored
// token while it is fresh and refreshes it exactly once when it is not.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/cruxstack/oauth2-capture/internal/metrics"
	"github.com/cruxstack/oauth2-capture/internal/oautherr"
	"github.com/cruxstack/oauth2-capture/internal/provider"
	"github.com/cruxstack/oauth2-capture/internal/store"
)

// Defaults applied to zero Options fields.
const (
	DefaultSkew           = 30 * time.Second
	DefaultLeaseTTL       = 60 * time.Second
	DefaultRefreshTimeout = 45 * time.Second
	DefaultLeasePoll      = 250 * time.Millisecond
)

const (
	// commitTimeout bounds saving a refresh result, separately from the
	// provider calls that produced it.
	commitTimeout = 5 * time.Second
	// profileMinRemaining is the refresh deadline left below which the
	// profile snapshot is not refreshed.
	profileMinRemaining = time.Second
)

// Providers resolves a provider by the name stored on a record.
type Providers interface {
	Get(name string) (provider.Provider, error)
}

// Options tunes a Manager.
type Options struct {
	Skew           time.Duration // tokens this close to expiry count as expired
	LeaseTTL       time.Duration // how long a refresh lease is held before others may take over
	RefreshTimeout time.Duration // deadline for one refresh, independent of the caller
	LeasePoll      time.Duration // wait between checks while another process holds the lease
	Logger         *slog.Logger
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Skew <= 0 {
		o.Skew = DefaultSkew
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = DefaultLeaseTTL
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = DefaultRefreshTimeout
	}
	if o.LeasePoll <= 0 {
		o.LeasePoll = DefaultLeasePoll
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Status is the lifecycle state of a stored record.
type Status int

const (
	// StatusUsable means the stored access token can be used as is.
	StatusUsable Status = iota
	// StatusNeedsRefresh means the access token expired but a refresh token is available.
	StatusNeedsRefresh
	// StatusReauthRequired means only a new authorization can produce a usable token.
	StatusReauthRequired
)

// String returns the snake_case name of the status.
func (s Status) String() string {
	switch s {
	case StatusUsable:
		return "usable"
	case StatusNeedsRefresh:
		return "needs_refresh"
	default:
		return "reauth_required"
	}
}

// Manager hands out valid access tokens, refreshing stale ones. Concurrent
// callers for the same record share one refresh; across processes the store's
// refresh lease serializes them.
type Manager struct {
	store     store.TokenStore
	providers Providers
	opts      Options
	group     singleflight.Group
}

// NewManager creates a lifecycle manager.
func NewManager(st store.TokenStore, providers Providers, opts Options) *Manager {
	return &Manager{store: st, providers: providers, opts: opts.withDefaults()}
}

// Status classifies rec without any network or storage access.
func (m *Manager) Status(rec *store.TokenRecord) Status {
	now := m.opts.Now()
	if !rec.Expired(now, m.opts.Skew) {
		return StatusUsable
	}
	if rec.ReauthRequiredAt != nil || rec.RefreshExpired(now) {
		return StatusReauthRequired
	}
	return StatusNeedsRefresh
}

// AccessToken returns a usable access token for rec, refreshing it first when
// it is stale. The refresh is not tied to ctx: if ctx ends first the caller
// gets ctx.Err() while the refresh still finishes and commits.
func (m *Manager) AccessToken(ctx context.Context, rec *store.TokenRecord) (string, error) {
	fresh, err := m.Fresh(ctx, rec)
	if err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

// Fresh is AccessToken returning the whole record.
func (m *Manager) Fresh(ctx context.Context, rec *store.TokenRecord) (*store.TokenRecord, error) {
	switch m.Status(rec) {
	case StatusUsable:
		return rec, nil
	case StatusReauthRequired:
		metrics.Refreshes.WithLabelValues(rec.Provider, "reauth_required").Inc()
		return nil, oautherr.New(oautherr.KindReauthRequired, rec.Provider, "refresh",
			"access token expired and no usable refresh token")
	}
	return m.Refresh(ctx, rec)
}

// Refresh refreshes rec regardless of its expiry. Callers that only need a
// usable token should use AccessToken.
func (m *Manager) Refresh(ctx context.Context, rec *store.TokenRecord) (*store.TokenRecord, error) {
	if rec.ReauthRequiredAt != nil || rec.RefreshExpired(m.opts.Now()) {
		return nil, oautherr.New(oautherr.KindReauthRequired, rec.Provider, "refresh", "no usable refresh token")
	}

	ch := m.group.DoChan(rec.ID, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.RefreshTimeout)
		defer cancel()
		return m.refresh(refreshCtx, rec)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*store.TokenRecord), nil
	}
}

// refresh runs once per record per process.
func (m *Manager) refresh(ctx context.Context, snapshot *store.TokenRecord) (*store.TokenRecord, error) {
	log := m.opts.Logger.With("provider", snapshot.Provider, "record_id", snapshot.ID)
	leaseID := uuid.NewString()

	cur, held, err := m.acquire(ctx, snapshot, leaseID)
	if err != nil {
		m.observe(snapshot.Provider, err)
		return nil, err
	}
	if !held {
		metrics.Refreshes.WithLabelValues(snapshot.Provider, "superseded").Inc()
		return cur, nil
	}
	release := func() {
		if err := m.store.ReleaseRefreshLease(context.WithoutCancel(ctx), cur.ID, leaseID); err != nil {
			log.Warn("releasing refresh lease", "error", err)
		}
	}

	p, err := m.providers.Get(cur.Provider)
	if err != nil {
		release()
		m.observe(cur.Provider, err)
		return nil, err
	}

	tok, err := p.RefreshToken(ctx, cur.RefreshToken)
	if err != nil {
		release()
		err = m.classify(ctx, cur, err)
		log.Info("token refresh failed", "kind", oautherr.KindOf(err).String(), "error", err)
		if oautherr.KindOf(err) == oautherr.KindReauthRequired {
			if merr := m.store.MarkReauthRequired(context.WithoutCancel(ctx), cur.ID, cur.RefreshToken, m.opts.Now()); merr != nil {
				log.Warn("marking record for reauthorization", "error", merr)
			}
		}
		m.observe(cur.Provider, err)
		return nil, err
	}

	upd := m.update(ctx, log, p, cur, tok)

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	saved, err := m.store.CommitRefresh(commitCtx, cur.ID, leaseID, upd)
	if err != nil {
		release()
		log.Error("refreshed token not saved", "error", err)
		metrics.Refreshes.WithLabelValues(cur.Provider, "unsaved").Inc()
		return nil, newUnsavedRefreshError(cur.Provider, cur.ID, tok, err)
	}

	log.Info("token refreshed", "expires_at", saved.ExpiresAt)
	metrics.Refreshes.WithLabelValues(cur.Provider, "success").Inc()
	return saved, nil
}

// acquire takes the refresh lease. It returns held=false with the current
// record when another refresh completed while waiting.
func (m *Manager) acquire(ctx context.Context, snapshot *store.TokenRecord, leaseID string) (*store.TokenRecord, bool, error) {
	for {
		ok, err := m.store.AcquireRefreshLease(ctx, snapshot.ID, leaseID, m.opts.Now().Add(m.opts.LeaseTTL))
		if err != nil {
			return nil, false, m.storeError(snapshot, err)
		}

		cur, err := m.store.Get(ctx, snapshot.ID)
		if err != nil {
			if ok {
				m.store.ReleaseRefreshLease(context.WithoutCancel(ctx), snapshot.ID, leaseID) //nolint:errcheck
			}
			return nil, false, m.storeError(snapshot, err)
		}

		// Someone else already refreshed since the caller read the record.
		if cur.AccessToken != snapshot.AccessToken && !cur.Expired(m.opts.Now(), m.opts.Skew) {
			if ok {
				m.store.ReleaseRefreshLease(context.WithoutCancel(ctx), cur.ID, leaseID) //nolint:errcheck
			}
			return cur, false, nil
		}
		if ok {
			if cur.ReauthRequiredAt != nil || cur.RefreshExpired(m.opts.Now()) {
				m.store.ReleaseRefreshLease(context.WithoutCancel(ctx), cur.ID, leaseID) //nolint:errcheck
				return nil, false, oautherr.New(oautherr.KindReauthRequired, cur.Provider, "refresh", "no usable refresh token")
			}
			return cur, true, nil
		}

		t := time.NewTimer(m.opts.LeasePoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, false, oautherr.Wrap(oautherr.KindRetryable, snapshot.Provider, "refresh",
				fmt.Errorf("waiting for refresh in another process: %w", ctx.Err()))
		case <-t.C:
		}
	}
}

func (m *Manager) storeError(rec *store.TokenRecord, err error) error {
	if oautherr.KindOf(err) == oautherr.KindNotFound {
		return err
	}
	return oautherr.Wrap(oautherr.KindRetryable, rec.Provider, "refresh", err)
}

// classify maps a failed refresh grant onto the lifecycle outcomes. A rejected
// refresh token means re-authorization, unless another refresh rotated the
// token while this one was in flight. A rejected client is a configuration
// fault that no retry or reconnect fixes.
func (m *Manager) classify(ctx context.Context, used *store.TokenRecord, err error) error {
	kind := oautherr.KindRetryable
	switch {
	case oautherr.KindOf(err) == oautherr.KindRejected && oautherr.CodeOf(err) == "invalid_client":
		kind = oautherr.KindConfiguration
	case oautherr.KindOf(err) == oautherr.KindRejected && deadGrant(oautherr.CodeOf(err)):
		kind = oautherr.KindReauthRequired
		if cur, gerr := m.store.Get(ctx, used.ID); gerr == nil && cur.RefreshToken != used.RefreshToken {
			kind = oautherr.KindRetryable
		}
	}
	wrapped := oautherr.Wrap(kind, used.Provider, "refresh", err)
	wrapped.Code = oautherr.CodeOf(err)
	return wrapped
}

func deadGrant(code string) bool {
	switch code {
	case "invalid_grant", "invalid_token", "unauthorized_client":
		return true
	}
	return false
}

// update builds the store update for a refresh result. Providers that do not
// rotate refresh tokens keep the old one. The profile snapshot is refreshed
// best-effort.
func (m *Manager) update(ctx context.Context, log *slog.Logger, p provider.Provider, cur *store.TokenRecord, tok *provider.TokenResponse) store.TokenUpdate {
	now := m.opts.Now()
	upd := store.TokenUpdate{
		AccessToken:           tok.AccessToken,
		RefreshToken:          tok.RefreshToken,
		ExpiresAt:             tok.ExpiresAt(now),
		RefreshTokenExpiresAt: tok.RefreshTokenExpiresAt(now),
		TokenType:             firstNonEmpty(tok.TokenType, cur.TokenType),
		Scope:                 firstNonEmpty(tok.Scope, cur.Scope),
	}
	if upd.RefreshToken == "" {
		upd.RefreshToken = cur.RefreshToken
		if upd.RefreshTokenExpiresAt == nil {
			upd.RefreshTokenExpiresAt = cur.RefreshTokenExpiresAt
		}
	}

	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < profileMinRemaining {
		log.Debug("profile refresh skipped", "reason", "refresh deadline near")
		return upd
	}

	profile, err := p.FetchUserInfo(ctx, tok.AccessToken)
	switch {
	case err != nil:
		log.Debug("profile refresh skipped", "error", err)
	case profile.ExternalUserID != cur.ExternalUserID:
		log.Warn("profile refresh returned a different user", "external_user_id", profile.ExternalUserID)
	default:
		upd.Profile = profile.Raw
		upd.DisplayName = profile.DisplayName
	}
	return upd
}

func (m *Manager) observe(providerName string, err error) {
	metrics.Refreshes.WithLabelValues(providerName, oautherr.KindOf(err).String()).Inc()
}

// Validate asks the provider whether rec's access token is still accepted. It
// never modifies the record.
func (m *Manager) Validate(ctx context.Context, rec *store.TokenRecord) provider.Validation {
	p, err := m.providers.Get(rec.Provider)
	if err != nil {
		return provider.ValidationUnknown
	}
	if v, ok := p.(provider.Validator); ok {
		return v.ValidateToken(ctx, rec.AccessToken)
	}
	if rec.Expired(m.opts.Now(), 0) {
		return provider.ValidationExpired
	}
	return provider.ValidationUnknown
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
