package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruxstack/oauth2-capture/internal/oautherr"
	"github.com/cruxstack/oauth2-capture/internal/provider"
	"github.com/cruxstack/oauth2-capture/internal/store"
)

type fakeProvider struct {
	calls      atomic.Int32
	refresh    func(ctx context.Context, refreshToken string) (*provider.TokenResponse, error)
	profile    *provider.Profile
	validation provider.Validation
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Type() string { return "fake" }

func (f *fakeProvider) AuthorizationURL(state, redirectURI string) (*provider.Authorization, error) {
	return &provider.Authorization{URL: "https://fake.example.com/auth?state=" + state, State: state, RedirectURI: redirectURI}, nil
}

func (f *fakeProvider) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*provider.TokenResponse, error) {
	return nil, errors.New("not used")
}

func (f *fakeProvider) FetchUserInfo(ctx context.Context, accessToken string) (*provider.Profile, error) {
	if f.profile == nil {
		return nil, oautherr.New(oautherr.KindTransport, "fake", "userinfo", "down")
	}
	return f.profile, nil
}

func (f *fakeProvider) RefreshToken(ctx context.Context, refreshToken string) (*provider.TokenResponse, error) {
	f.calls.Add(1)
	return f.refresh(ctx, refreshToken)
}

func (f *fakeProvider) ValidateToken(ctx context.Context, accessToken string) provider.Validation {
	return f.validation
}

type fakeProviders map[string]provider.Provider

func (f fakeProviders) Get(name string) (provider.Provider, error) {
	p, ok := f[name]
	if !ok {
		return nil, oautherr.New(oautherr.KindConfiguration, name, "registry", "unsupported provider")
	}
	return p, nil
}

func rotating(ctx context.Context, refreshToken string) (*provider.TokenResponse, error) {
	return &provider.TokenResponse{
		AccessToken:  "access-2",
		RefreshToken: "refresh-2",
		ExpiresIn:    3600,
		TokenType:    "bearer",
	}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T, p *fakeProvider, expiresIn time.Duration) (*Manager, store.TokenStore, *store.TokenRecord) {
	t.Helper()
	st := store.NewMemoryTokenStore()
	exp := time.Now().Add(expiresIn)
	rec, err := st.Upsert(context.Background(), &store.TokenRecord{
		Provider:       "fake",
		ExternalUserID: "u1",
		Owner:          "alice",
		AccessToken:    "access-1",
		RefreshToken:   "refresh-1",
		ExpiresAt:      &exp,
		TokenType:      "bearer",
		Scope:          "read",
		DisplayName:    "Alice",
	}, store.PolicyReassign)
	require.NoError(t, err)

	m := NewManager(st, fakeProviders{"fake": p}, Options{
		LeasePoll:      5 * time.Millisecond,
		RefreshTimeout: 2 * time.Second,
		Logger:         testLogger(),
	})
	return m, st, rec
}

func TestAccessTokenFreshNoNetwork(t *testing.T) {
	p := &fakeProvider{refresh: rotating}
	m, _, rec := setup(t, p, time.Hour)

	tok, err := m.AccessToken(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)

	rec.ExpiresAt = nil
	tok, err = m.AccessToken(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Zero(t, p.calls.Load())
}

func TestAccessTokenReauthWithoutRefreshToken(t *testing.T) {
	p := &fakeProvider{refresh: rotating}
	m, _, rec := setup(t, p, -time.Minute)

	rec.RefreshToken = ""
	_, err := m.AccessToken(context.Background(), rec)
	require.ErrorIs(t, err, oautherr.ReauthRequired)

	rec.RefreshToken = "refresh-1"
	past := time.Now().Add(-time.Second)
	rec.RefreshTokenExpiresAt = &past
	_, err = m.AccessToken(context.Background(), rec)
	require.ErrorIs(t, err, oautherr.ReauthRequired)
	assert.Zero(t, p.calls.Load())
}

func TestAccessTokenRefreshes(t *testing.T) {
	p := &fakeProvider{
		refresh: rotating,
		profile: &provider.Profile{ExternalUserID: "u1", DisplayName: "Alice Renamed", Raw: map[string]any{"login": "alice2"}},
	}
	m, st, rec := setup(t, p, -time.Minute)

	tok, err := m.AccessToken(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok)

	saved, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-2", saved.AccessToken)
	assert.Equal(t, "refresh-2", saved.RefreshToken)
	assert.Equal(t, "Alice Renamed", saved.DisplayName)
	assert.Equal(t, "alice2", saved.Username())
	assert.Equal(t, "read", saved.Scope, "scope kept when not reported")
	require.NotNil(t, saved.ExpiresAt)
	assert.True(t, saved.ExpiresAt.After(time.Now().Add(59*time.Minute)))
	assert.Equal(t, StatusUsable, m.Status(saved))
}

func TestRefreshKeepsNonRotatedRefreshToken(t *testing.T) {
	p := &fakeProvider{refresh: func(ctx context.Context, rt string) (*provider.TokenResponse, error) {
		assert.Equal(t, "refresh-1", rt)
		return &provider.TokenResponse{AccessToken: "access-2", ExpiresIn: 60}, nil
	}}
	m, st, rec := setup(t, p, -time.Minute)

	_, err := m.AccessToken(context.Background(), rec)
	require.NoError(t, err)

	saved, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", saved.RefreshToken)
	assert.Equal(t, "Alice", saved.DisplayName, "failed profile fetch keeps the snapshot")
}

func TestRefreshInvalidGrantRequiresReauth(t *testing.T) {
	p := &fakeProvider{refresh: func(ctx context.Context, rt string) (*provider.TokenResponse, error) {
		return nil, &oautherr.Error{Kind: oautherr.KindRejected, Provider: "fake", Op: "refresh", Code: "invalid_grant"}
	}}
	m, st, rec := setup(t, p, -time.Minute)

	_, err := m.AccessToken(context.Background(), rec)
	require.ErrorIs(t, err, oautherr.ReauthRequired)
	assert.Equal(t, "invalid_grant", oautherr.CodeOf(err))

	saved, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", saved.AccessToken, "record untouched")
	assert.Equal(t, "refresh-1", saved.RefreshToken)

	// the lease was released
	ok, err := st.AcquireRefreshLease(context.Background(), rec.ID, "other", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRejectedGrantIsMarkedAndNotRetried(t *testing.T) {
	p := &fakeProvider{refresh: func(ctx context.Context, rt string) (*provider.TokenResponse, error) {
		return nil, &oautherr.Error{Kind: oautherr.KindRejected, Provider: "fake", Op: "refresh", Code: "invalid_grant"}
	}}
	m, st, rec := setup(t, p, -time.Minute)
	ctx := context.Background()

	_, err := m.AccessToken(ctx, rec)
	require.ErrorIs(t, err, oautherr.ReauthRequired)

	saved, err := st.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, saved.ReauthRequiredAt)
	assert.Equal(t, StatusReauthRequired, m.Status(saved))

	_, err = m.AccessToken(ctx, saved)
	require.ErrorIs(t, err, oautherr.ReauthRequired)
	_, err = m.Refresh(ctx, rec) // stale snapshot without the mark
	require.ErrorIs(t, err, oautherr.ReauthRequired)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestInvalidClientIsConfigurationError(t *testing.T) {
	p := &fakeProvider{refresh: func(ctx context.Context, rt string) (*provider.TokenResponse, error) {
		return nil, &oautherr.Error{Kind: oautherr.KindRejected, Provider: "fake", Op: "refresh", Code: "invalid_client"}
	}}
	m, st, rec := setup(t, p, -time.Minute)

	_, err := m.AccessToken(context.Background(), rec)
	require.ErrorIs(t, err, oautherr.Configuration)
	assert.Equal(t, "invalid_client", oautherr.CodeOf(err))

	saved, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Nil(t, saved.ReauthRequiredAt, "the grant itself may still be good")
}

func TestRefreshTransportFailureIsRetryable(t *testing.T) {
	p := &fakeProvider{refresh: func(ctx context.Context, rt string) (*provider.TokenResponse, error) {
		return nil, oautherr.New(oautherr.KindTransport, "fake", "refresh", "malformed response")
	}}
	m, st, rec := setup(t, p, -time.Minute)

	_, err := m.AccessToken(context.Background(), rec)
	require.ErrorIs(t, err, oautherr.Retryable)

	saved, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", saved.AccessToken)
}

func TestRefreshLoserAfterRotationIsRetryable(t *testing.T) {
	p := &fakeProvider{}
	m, st, rec := setup(t, p, -time.Minute)
	p.refresh = func(ctx context.Context, rt string) (*provider.TokenResponse, error) {
		// another process rotated the token while this request was in flight
		rotated := rec.Clone()
		rotated.AccessToken = "access-other"
		rotated.RefreshToken = "refresh-other"
		_, err := st.Upsert(ctx, rotated, store.PolicyReassign)
		require.NoError(t, err)
		return nil, &oautherr.Error{Kind: oautherr.KindRejected, Provider: "fake", Op: "refresh", Code: "invalid_grant"}
	}

	_, err := m.AccessToken(context.Background(), rec)
	require.ErrorIs(t, err, oautherr.Retryable)
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	p := &fakeProvider{refresh: func(ctx context.Context, rt string) (*provider.TokenResponse, error) {
		time.Sleep(50 * time.Millisecond)
		return rotating(ctx, rt)
	}}
	m, _, rec := setup(t, p, -time.Minute)

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	errs := make([]error, 10)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.AccessToken(context.Background(), rec.Clone())
		}(i)
	}
	wg.Wait()

	for i := range tokens {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-2", tokens[i])
	}
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestSecondManagerWaitsForLease(t *testing.T) {
	p := &fakeProvider{refresh: rotating}
	m, st, rec := setup(t, p, -time.Minute)
	ctx := context.Background()

	// another process holds the lease and commits shortly
	ok, err := st.AcquireRefreshLease(ctx, rec.ID, "other-process", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	go func() {
		time.Sleep(30 * time.Millisecond)
		exp := time.Now().Add(time.Hour)
		st.CommitRefresh(ctx, rec.ID, "other-process", store.TokenUpdate{ //nolint:errcheck
			AccessToken:  "access-other",
			RefreshToken: "refresh-other",
			ExpiresAt:    &exp,
		})
	}()

	tok, err := m.AccessToken(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "access-other", tok)
	assert.Zero(t, p.calls.Load())
}

func TestLeaseHeldTooLongIsRetryable(t *testing.T) {
	p := &fakeProvider{refresh: rotating}
	m, st, rec := setup(t, p, -time.Minute)
	m.opts.RefreshTimeout = 50 * time.Millisecond

	ok, err := st.AcquireRefreshLease(context.Background(), rec.ID, "stuck", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = m.AccessToken(context.Background(), rec)
	require.ErrorIs(t, err, oautherr.Retryable)
	assert.Zero(t, p.calls.Load())
}

func TestCallerCancellationDoesNotAbortRefresh(t *testing.T) {
	release := make(chan struct{})
	p := &fakeProvider{refresh: func(ctx context.Context, rt string) (*provider.TokenResponse, error) {
		<-release
		return rotating(ctx, rt)
	}}
	m, st, rec := setup(t, p, -time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.AccessToken(ctx, rec)
		done <- err
	}()

	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		saved, err := st.Get(context.Background(), rec.ID)
		return err == nil && saved.AccessToken == "access-2"
	}, time.Second, 5*time.Millisecond)
}

type failingCommitStore struct {
	*store.MemoryTokenStore
}

func (s failingCommitStore) CommitRefresh(ctx context.Context, id, leaseID string, upd store.TokenUpdate) (*store.TokenRecord, error) {
	return nil, errors.New("disk full")
}

func TestCommitFailureReturnsUnsavedToken(t *testing.T) {
	p := &fakeProvider{refresh: rotating}
	_, mem, rec := setup(t, p, -time.Minute)
	m := NewManager(failingCommitStore{mem.(*store.MemoryTokenStore)}, fakeProviders{"fake": p}, Options{Logger: testLogger()})

	_, err := m.AccessToken(context.Background(), rec)
	require.Error(t, err)
	assert.Equal(t, oautherr.KindPersistence, oautherr.KindOf(err))

	var unsaved *UnsavedRefreshError
	require.ErrorAs(t, err, &unsaved)
	assert.Equal(t, "access-2", unsaved.Token.AccessToken)
	assert.Equal(t, "refresh-2", unsaved.Token.RefreshToken)
	assert.Equal(t, rec.ID, unsaved.RecordID)
}

// deadlineStore fails commits whose context is already done, like a SQL driver would.
type deadlineStore struct {
	*store.MemoryTokenStore
}

func (s deadlineStore) CommitRefresh(ctx context.Context, id, leaseID string, upd store.TokenUpdate) (*store.TokenRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryTokenStore.CommitRefresh(ctx, id, leaseID, upd)
}

func TestCommitSurvivesSlowProvider(t *testing.T) {
	p := &fakeProvider{
		refresh: func(ctx context.Context, rt string) (*provider.TokenResponse, error) {
			time.Sleep(80 * time.Millisecond) // outlives the refresh deadline
			return rotating(ctx, rt)
		},
		profile: &provider.Profile{ExternalUserID: "u1", DisplayName: "Renamed"},
	}
	_, mem, rec := setup(t, p, -time.Minute)
	m := NewManager(deadlineStore{mem.(*store.MemoryTokenStore)}, fakeProviders{"fake": p}, Options{
		RefreshTimeout: 20 * time.Millisecond,
		Logger:         testLogger(),
	})

	saved, err := m.Refresh(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "access-2", saved.AccessToken)
	assert.Equal(t, "Alice", saved.DisplayName, "no profile fetch past the deadline")
}

func TestUnknownProviderIsConfigurationError(t *testing.T) {
	p := &fakeProvider{refresh: rotating}
	m, _, rec := setup(t, p, -time.Minute)
	rec.Provider = "gone"
	_, err := m.Refresh(context.Background(), rec)
	assert.ErrorIs(t, err, oautherr.Configuration)
}

func TestStatusAndValidate(t *testing.T) {
	p := &fakeProvider{refresh: rotating, validation: provider.ValidationRevoked}
	m, _, rec := setup(t, p, time.Hour)

	assert.Equal(t, StatusUsable, m.Status(rec))
	past := time.Now().Add(-time.Minute)
	rec.ExpiresAt = &past
	assert.Equal(t, StatusNeedsRefresh, m.Status(rec))
	rec.RefreshToken = ""
	assert.Equal(t, StatusReauthRequired, m.Status(rec))
	assert.Equal(t, "reauth_required", StatusReauthRequired.String())

	assert.Equal(t, provider.ValidationRevoked, m.Validate(context.Background(), rec))
	rec.Provider = "gone"
	assert.Equal(t, provider.ValidationUnknown, m.Validate(context.Background(), rec))
}
