package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruxstack/oauth2-capture/internal/crypto"
	"github.com/cruxstack/oauth2-capture/internal/oautherr"
)

func TestTwitterAuthorizationURLUsesPKCE(t *testing.T) {
	p, err := NewTwitterProvider(testConfig("twitter", "https://x.example.com"))
	require.NoError(t, err)

	auth, err := p.AuthorizationURL("s1", "https://override.example.com/cb")
	require.NoError(t, err)
	require.NotEmpty(t, auth.CodeVerifier)
	assert.Equal(t, "https://override.example.com/cb", auth.RedirectURI)

	u, err := url.Parse(auth.URL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, crypto.ChallengeS256(auth.CodeVerifier), q.Get("code_challenge"))
	assert.Equal(t, "tweet.read users.read offline.access", q.Get("scope"))
	assert.Equal(t, "https://override.example.com/cb", q.Get("redirect_uri"))

	again, err := p.AuthorizationURL("s1", "")
	require.NoError(t, err)
	assert.NotEqual(t, auth.CodeVerifier, again.CodeVerifier, "every authorization gets a fresh verifier")
}

func TestTwitterExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, secret, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "client-id", id)
		assert.Equal(t, "client-secret", secret)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "verifier-1", r.PostForm.Get("code_verifier"))
		assert.Empty(t, r.PostForm.Get("client_secret"))

		w.Write([]byte(`{"token_type":"bearer","expires_in":7200,"access_token":"at-1","scope":"tweet.read users.read offline.access","refresh_token":"rt-1"}`))
	}))
	defer srv.Close()

	p, err := NewTwitterProvider(testConfig("twitter", srv.URL))
	require.NoError(t, err)

	tok, err := p.ExchangeCode(context.Background(), "code", "", "verifier-1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok.AccessToken)
	assert.Equal(t, "rt-1", tok.RefreshToken)
	assert.Equal(t, int64(7200), tok.ExpiresIn)
}

func TestTwitterExchangeRequiresVerifier(t *testing.T) {
	p, err := NewTwitterProvider(testConfig("twitter", "http://127.0.0.1:1"))
	require.NoError(t, err)

	_, err = p.ExchangeCode(context.Background(), "code", "", "")
	assert.Equal(t, oautherr.KindConfiguration, oautherr.KindOf(err))
}

func TestTwitterRefreshInvalidTokenIsInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_request","error_description":"Value passed for the token was invalid."}`))
	}))
	defer srv.Close()

	p, err := NewTwitterProvider(testConfig("twitter", srv.URL))
	require.NoError(t, err)

	_, err = p.RefreshToken(context.Background(), "rotated-away")
	assert.Equal(t, oautherr.KindRejected, oautherr.KindOf(err))
	assert.Equal(t, "invalid_grant", oautherr.CodeOf(err))
}

func TestTwitterFetchUserInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		assert.Contains(t, r.URL.Query().Get("user.fields"), "username")
		w.Write([]byte(`{"data":{"id":"2244994945","name":"","username":"TwitterDev","profile_image_url":"https://pbs.example.com/a.jpg"}}`))
	}))
	defer srv.Close()

	p, err := NewTwitterProvider(testConfig("twitter", srv.URL))
	require.NoError(t, err)

	profile, err := p.FetchUserInfo(context.Background(), "at-1")
	require.NoError(t, err)
	assert.Equal(t, "2244994945", profile.ExternalUserID)
	assert.Equal(t, "TwitterDev", profile.DisplayName, "falls back to the handle when name is blank")
	assert.Equal(t, "TwitterDev", profile.Username)
	assert.Equal(t, "https://pbs.example.com/a.jpg", profile.AvatarURL)
}

func TestTwitterValidateTokenProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := int(status.Load())
		w.WriteHeader(code)
		if code == http.StatusOK {
			w.Write([]byte(`{"data":{"id":"1","username":"a"}}`))
		}
	}))
	defer srv.Close()

	p, err := NewTwitterProvider(testConfig("twitter", srv.URL))
	require.NoError(t, err)

	assert.Equal(t, ValidationValid, p.ValidateToken(context.Background(), "at"))

	status.Store(http.StatusUnauthorized)
	assert.Equal(t, ValidationInvalid, p.ValidateToken(context.Background(), "at"))

	status.Store(http.StatusServiceUnavailable)
	assert.Equal(t, ValidationUnknown, p.ValidateToken(context.Background(), "at"))
}
