package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruxstack/oauth2-capture/internal/oautherr"
)

func TestGitHubAuthorizationURL(t *testing.T) {
	p, err := NewGitHubProvider(testConfig("github", "https://gh.example.com"))
	require.NoError(t, err)

	auth, err := p.AuthorizationURL("state-123", "")
	require.NoError(t, err)

	u, err := url.Parse(auth.URL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "https://gh.example.com/authorize", u.Scheme+"://"+u.Host+u.Path)
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "read:user user:email", q.Get("scope"))
	assert.Equal(t, "https://app.example.com/connect/github/callback", q.Get("redirect_uri"))
	assert.Empty(t, q.Get("code_challenge"), "github does not use pkce")
	assert.Empty(t, auth.CodeVerifier)
}

func TestGitHubExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "client-id", r.PostForm.Get("client_id"))
		assert.Equal(t, "client-secret", r.PostForm.Get("client_secret"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"gho_abc","token_type":"bearer","scope":"repo,user"}`))
	}))
	defer srv.Close()

	p, err := NewGitHubProvider(testConfig("github", srv.URL))
	require.NoError(t, err)

	tok, err := p.ExchangeCode(context.Background(), "the-code", "", "")
	require.NoError(t, err)
	assert.Equal(t, "gho_abc", tok.AccessToken)
	assert.Equal(t, "repo user", tok.Scope)
	assert.Zero(t, tok.ExpiresIn)
	assert.Empty(t, tok.RefreshToken)
}

func TestGitHubExchangeErrorOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"bad_verification_code","error_description":"The code passed is incorrect or expired."}`))
	}))
	defer srv.Close()

	p, err := NewGitHubProvider(testConfig("github", srv.URL))
	require.NoError(t, err)

	_, err = p.ExchangeCode(context.Background(), "stale", "", "")
	require.Error(t, err)
	assert.Equal(t, oautherr.KindRejected, oautherr.KindOf(err))

	var oe *oautherr.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "bad_verification_code", oe.Code)
	assert.Equal(t, "The code passed is incorrect or expired.", oe.Description)
}

func TestGitHubFetchUserInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token gho_abc", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/user":
			w.Write([]byte(`{"id":583231,"login":"octocat","name":null,"email":null,"avatar_url":"https://avatars.example.com/u/583231"}`))
		case "/user/emails":
			w.Write([]byte(`[{"email":"other@example.com","primary":false,"verified":true},{"email":"octocat@example.com","primary":true,"verified":true}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p, err := NewGitHubProvider(testConfig("github", srv.URL))
	require.NoError(t, err)

	profile, err := p.FetchUserInfo(context.Background(), "gho_abc")
	require.NoError(t, err)
	assert.Equal(t, "583231", profile.ExternalUserID)
	assert.Equal(t, "octocat", profile.DisplayName)
	assert.Equal(t, "octocat", profile.Username)
	assert.Equal(t, "octocat@example.com", profile.Email)
	assert.Equal(t, "https://avatars.example.com/u/583231", profile.AvatarURL)
	assert.Equal(t, "octocat", profile.Raw["login"])
}

func TestGitHubFetchUserInfoUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Bad credentials"}`))
	}))
	defer srv.Close()

	p, err := NewGitHubProvider(testConfig("github", srv.URL))
	require.NoError(t, err)

	_, err = p.FetchUserInfo(context.Background(), "revoked")
	assert.Equal(t, oautherr.KindRejected, oautherr.KindOf(err))
	assert.Equal(t, "invalid_token", oautherr.CodeOf(err))
}

func TestGitHubValidateToken(t *testing.T) {
	tests := []struct {
		status int
		want   Validation
	}{
		{http.StatusOK, ValidationValid},
		{http.StatusNotFound, ValidationInvalid},
		{http.StatusUnprocessableEntity, ValidationInvalid},
		{http.StatusInternalServerError, ValidationUnknown},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/validate/client-id/token", r.URL.Path)
				id, secret, ok := r.BasicAuth()
				assert.True(t, ok)
				assert.Equal(t, "client-id", id)
				assert.Equal(t, "client-secret", secret)

				var body map[string]string
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "gho_abc", body["access_token"])
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p, err := NewGitHubProvider(testConfig("github", srv.URL))
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.ValidateToken(context.Background(), "gho_abc"))
		})
	}
}

func TestNormalizeGitHubScope(t *testing.T) {
	assert.Equal(t, "repo user:email", normalizeGitHubScope("repo,user:email"))
	assert.Equal(t, "repo user", normalizeGitHubScope("repo, user"))
	assert.Equal(t, "", normalizeGitHubScope(""))
}
