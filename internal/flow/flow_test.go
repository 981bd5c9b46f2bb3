package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruxstack/oauth2-capture/internal/oautherr"
	"github.com/cruxstack/oauth2-capture/internal/provider"
	"github.com/cruxstack/oauth2-capture/internal/store"
)

// githubServer mocks GitHub's token and user endpoints and counts calls.
type githubServer struct {
	*httptest.Server
	calls  atomic.Int32
	userID int64
}

func newGitHubServer(t *testing.T) *githubServer {
	gs := &githubServer{userID: 42}
	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		gs.calls.Add(1)
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("code") != "good-code" {
			json.NewEncoder(w).Encode(map[string]any{"error": "bad_verification_code"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":             "gho_access",
			"refresh_token":            "ghr_refresh",
			"expires_in":               28800,
			"refresh_token_expires_in": 15897600,
			"token_type":               "bearer",
			"scope":                    "read:user,user:email",
		})
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		gs.calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    gs.userID,
			"login": "octocat",
			"name":  "The Octocat",
			"email": "octo@example.com",
		})
	})
	gs.Server = httptest.NewServer(mux)
	t.Cleanup(gs.Close)
	return gs
}

type fixture struct {
	orch   *Orchestrator
	tokens *store.MemoryTokenStore
	states *store.MemoryStateStore
	server *githubServer
	logs   *bytes.Buffer
}

func newFixture(t *testing.T, policy store.OwnershipPolicy) *fixture {
	gs := newGitHubServer(t)
	reg := provider.NewDefaultRegistry()
	require.NoError(t, reg.CreateFromConfig(provider.Config{
		Name:         "github",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		CallbackURL:  "https://app.example.com/connect/github/callback",
		AuthURL:      gs.URL + "/login/oauth/authorize",
		TokenURL:     gs.URL + "/login/oauth/access_token",
		UserURL:      gs.URL + "/user",
	}))

	logs := &bytes.Buffer{}
	f := &fixture{
		tokens: store.NewMemoryTokenStore(),
		states: store.NewMemoryStateStore(),
		server: gs,
		logs:   logs,
	}
	f.orch = NewOrchestrator(reg, f.states, f.tokens, Options{
		Policy: policy,
		Logger: slog.New(slog.NewJSONHandler(logs, nil)),
	})
	return f
}

func (f *fixture) initiate(t *testing.T, session, owner string) string {
	auth, err := f.orch.Initiate(context.Background(), session, "github", owner)
	require.NoError(t, err)
	u, err := url.Parse(auth.URL)
	require.NoError(t, err)
	require.Equal(t, auth.State, u.Query().Get("state"))
	return auth.State
}

func TestConnectFlow(t *testing.T) {
	f := newFixture(t, store.PolicyReassign)
	state := f.initiate(t, "sess-1", "alice")
	assert.Len(t, state, 43, "32 random bytes, base64url")

	rec, err := f.orch.CompleteCallback(context.Background(), CallbackRequest{
		SessionID: "sess-1", Provider: "github", Owner: "alice", Code: "good-code", State: state,
	})
	require.NoError(t, err)

	assert.Equal(t, "github", rec.Provider)
	assert.Equal(t, "42", rec.ExternalUserID)
	assert.Equal(t, "alice", rec.Owner)
	assert.Equal(t, "gho_access", rec.AccessToken)
	assert.Equal(t, "ghr_refresh", rec.RefreshToken)
	assert.Equal(t, "read:user user:email", rec.Scope)
	assert.Equal(t, "The Octocat", rec.DisplayName)
	assert.Equal(t, "octocat", rec.Username())
	require.NotNil(t, rec.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(8*time.Hour), *rec.ExpiresAt, time.Minute)
	require.NotNil(t, rec.RefreshTokenExpiresAt)

	stored, err := f.tokens.FindByProviderAndExternalID(context.Background(), "github", "42")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)

	// the state was consumed
	_, err = f.orch.CompleteCallback(context.Background(), CallbackRequest{
		SessionID: "sess-1", Provider: "github", Owner: "alice", Code: "good-code", State: state,
	})
	assert.ErrorIs(t, err, oautherr.CSRF)
}

func TestCallbackCSRFFailsBeforeNetwork(t *testing.T) {
	tests := []struct {
		name string
		req  func(state string) CallbackRequest
	}{
		{"wrong state", func(string) CallbackRequest {
			return CallbackRequest{SessionID: "sess-1", Provider: "github", Owner: "alice", Code: "good-code", State: "forged"}
		}},
		{"empty state", func(string) CallbackRequest {
			return CallbackRequest{SessionID: "sess-1", Provider: "github", Owner: "alice", Code: "good-code"}
		}},
		{"other session", func(state string) CallbackRequest {
			return CallbackRequest{SessionID: "sess-2", Provider: "github", Owner: "alice", Code: "good-code", State: state}
		}},
		{"other owner", func(state string) CallbackRequest {
			return CallbackRequest{SessionID: "sess-1", Provider: "github", Owner: "mallory", Code: "good-code", State: state}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, store.PolicyReassign)
			state := f.initiate(t, "sess-1", "alice")

			_, err := f.orch.CompleteCallback(context.Background(), tt.req(state))
			require.ErrorIs(t, err, oautherr.CSRF)
			assert.Zero(t, f.server.calls.Load(), "no provider call on CSRF failure")
			assert.Contains(t, f.logs.String(), `"event":"csrf_state_mismatch"`)
			assert.NotContains(t, f.logs.String(), state, "state is never logged")

			list, err := f.tokens.ListByOwner(context.Background(), "alice")
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestCallbackProviderError(t *testing.T) {
	f := newFixture(t, store.PolicyReassign)
	state := f.initiate(t, "sess-1", "alice")

	_, err := f.orch.CompleteCallback(context.Background(), CallbackRequest{
		SessionID: "sess-1", Provider: "github", Owner: "alice", State: state,
		Error: "access_denied", ErrorDescription: "The user denied the request",
	})
	require.ErrorIs(t, err, oautherr.Rejected)
	assert.Equal(t, "access_denied", oautherr.CodeOf(err))
	assert.Zero(t, f.server.calls.Load())
}

func TestCallbackExchangeRejected(t *testing.T) {
	f := newFixture(t, store.PolicyReassign)
	state := f.initiate(t, "sess-1", "alice")

	_, err := f.orch.CompleteCallback(context.Background(), CallbackRequest{
		SessionID: "sess-1", Provider: "github", Owner: "alice", Code: "stale-code", State: state,
	})
	require.ErrorIs(t, err, oautherr.Rejected)
	assert.Equal(t, "bad_verification_code", oautherr.CodeOf(err))
	assert.EqualValues(t, 1, f.server.calls.Load(), "exchange is not retried")
}

func TestOwnershipPolicy(t *testing.T) {
	for _, policy := range []store.OwnershipPolicy{store.PolicyReassign, store.PolicyReject} {
		t.Run(string(policy), func(t *testing.T) {
			f := newFixture(t, policy)
			ctx := context.Background()

			state := f.initiate(t, "sess-a", "alice")
			first, err := f.orch.CompleteCallback(ctx, CallbackRequest{
				SessionID: "sess-a", Provider: "github", Owner: "alice", Code: "good-code", State: state,
			})
			require.NoError(t, err)

			state = f.initiate(t, "sess-b", "bob")
			second, err := f.orch.CompleteCallback(ctx, CallbackRequest{
				SessionID: "sess-b", Provider: "github", Owner: "bob", Code: "good-code", State: state,
			})

			if policy == store.PolicyReject {
				require.ErrorIs(t, err, oautherr.OwnershipConflict)
				stored, err := f.tokens.Get(ctx, first.ID)
				require.NoError(t, err)
				assert.Equal(t, "alice", stored.Owner)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, first.ID, second.ID)
			assert.Equal(t, "bob", second.Owner)
		})
	}
}

func TestInitiateErrors(t *testing.T) {
	f := newFixture(t, store.PolicyReassign)

	_, err := f.orch.Initiate(context.Background(), "sess-1", "myspace", "alice")
	assert.ErrorIs(t, err, oautherr.Configuration)

	_, err = f.orch.Initiate(context.Background(), "sess-1", "github", "")
	assert.ErrorIs(t, err, oautherr.Configuration)
}

// oidcProvider returns an id_token subject that may disagree with user info.
type oidcProvider struct {
	subject string
}

func (p *oidcProvider) Name() string { return "google" }
func (p *oidcProvider) Type() string { return "google" }

func (p *oidcProvider) AuthorizationURL(state, redirectURI string) (*provider.Authorization, error) {
	return &provider.Authorization{
		URL:          "https://accounts.example.com/auth?state=" + state,
		State:        state,
		RedirectURI:  "https://app.example.com/connect/google/callback",
		CodeVerifier: "verifier-123",
	}, nil
}

func (p *oidcProvider) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*provider.TokenResponse, error) {
	if codeVerifier != "verifier-123" {
		return nil, oautherr.New(oautherr.KindRejected, "google", "exchange", "bad verifier")
	}
	return &provider.TokenResponse{AccessToken: "ya29", ExpiresIn: 3600, IDTokenSubject: p.subject}, nil
}

func (p *oidcProvider) FetchUserInfo(ctx context.Context, accessToken string) (*provider.Profile, error) {
	return &provider.Profile{ExternalUserID: "sub-1", DisplayName: "G User"}, nil
}

func (p *oidcProvider) RefreshToken(ctx context.Context, refreshToken string) (*provider.TokenResponse, error) {
	return nil, oautherr.New(oautherr.KindRejected, "google", "refresh", "unused")
}

type staticProviders map[string]provider.Provider

func (s staticProviders) Get(name string) (provider.Provider, error) {
	if p, ok := s[name]; ok {
		return p, nil
	}
	return nil, oautherr.New(oautherr.KindConfiguration, name, "registry", "unsupported provider")
}

func TestIDTokenSubjectCrossCheck(t *testing.T) {
	for _, tt := range []struct {
		subject string
		wantErr bool
	}{
		{"sub-1", false},
		{"", false},
		{"sub-2", true},
	} {
		p := &oidcProvider{subject: tt.subject}
		orch := NewOrchestrator(staticProviders{"google": p}, store.NewMemoryStateStore(), store.NewMemoryTokenStore(), Options{
			Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		})
		auth, err := orch.Initiate(context.Background(), "sess", "google", "alice")
		require.NoError(t, err)

		rec, err := orch.CompleteCallback(context.Background(), CallbackRequest{
			SessionID: "sess", Provider: "google", Owner: "alice", Code: "c", State: auth.State,
		})
		if tt.wantErr {
			require.ErrorIs(t, err, oautherr.Rejected)
			assert.Equal(t, "subject_mismatch", oautherr.CodeOf(err))
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, "sub-1", rec.ExternalUserID)
		assert.Empty(t, rec.RefreshToken)
	}
}
