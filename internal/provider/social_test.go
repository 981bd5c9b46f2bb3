package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruxstack/oauth2-capture/internal/oautherr"
)

func TestLinkedInExchangeSendsCredentialsInBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, hasBasic := r.BasicAuth()
		assert.False(t, hasBasic)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client-id", r.PostForm.Get("client_id"))
		assert.Equal(t, "client-secret", r.PostForm.Get("client_secret"))
		w.Write([]byte(`{"access_token":"AQV","expires_in":5184000,"scope":"openid,profile,email"}`))
	}))
	defer srv.Close()

	p, err := NewLinkedInProvider(testConfig("linkedin", srv.URL))
	require.NoError(t, err)

	tok, err := p.ExchangeCode(context.Background(), "code", "", "")
	require.NoError(t, err)
	assert.Equal(t, "AQV", tok.AccessToken)
	assert.Empty(t, tok.IDTokenSubject)
}

func TestLinkedInFetchUserInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sub":"782bbtaQ","given_name":"Ada","family_name":"Lovelace","email":"ada@example.com"}`))
	}))
	defer srv.Close()

	p, err := NewLinkedInProvider(testConfig("linkedin", srv.URL))
	require.NoError(t, err)

	profile, err := p.FetchUserInfo(context.Background(), "AQV")
	require.NoError(t, err)
	assert.Equal(t, "782bbtaQ", profile.ExternalUserID)
	assert.Equal(t, "Ada Lovelace", profile.DisplayName)
}

func TestLinkedInValidateToken(t *testing.T) {
	tests := []struct {
		body string
		want Validation
	}{
		{`{"active":true,"status":"active"}`, ValidationValid},
		{`{"active":false,"status":"expired"}`, ValidationExpired},
		{`{"active":false,"status":"revoked"}`, ValidationRevoked},
		{`{"active":false}`, ValidationInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, r.ParseForm())
				assert.Equal(t, "AQV", r.PostForm.Get("token"))
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p, err := NewLinkedInProvider(testConfig("linkedin", srv.URL))
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.ValidateToken(context.Background(), "AQV"))
		})
	}
}

func TestRedditAuthorizationURLIsPermanent(t *testing.T) {
	p, err := NewRedditProvider(testConfig("reddit", "https://reddit.example.com"))
	require.NoError(t, err)

	auth, err := p.AuthorizationURL("st", "")
	require.NoError(t, err)
	u, err := url.Parse(auth.URL)
	require.NoError(t, err)
	assert.Equal(t, "permanent", u.Query().Get("duration"))
}

func TestRedditRefreshUsesBasicAuthAndUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, RedditDefaultUserAgent, r.Header.Get("User-Agent"))
		id, secret, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "client-id", id)
		assert.Equal(t, "client-secret", secret)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"rt"}}, r.PostForm)
		w.Write([]byte(`{"access_token":"new","token_type":"bearer","expires_in":86400,"refresh_token":"rt","scope":"identity"}`))
	}))
	defer srv.Close()

	p, err := NewRedditProvider(testConfig("reddit", srv.URL))
	require.NoError(t, err)

	tok, err := p.RefreshToken(context.Background(), "rt")
	require.NoError(t, err)
	assert.Equal(t, "new", tok.AccessToken)
}

func TestRedditFetchUserInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, RedditDefaultUserAgent, r.Header.Get("User-Agent"))
		w.Write([]byte(`{"id":"abc12","name":"spez","icon_img":"https://styles.example.com/i.png","subreddit":{"title":""}}`))
	}))
	defer srv.Close()

	p, err := NewRedditProvider(testConfig("reddit", srv.URL))
	require.NoError(t, err)

	profile, err := p.FetchUserInfo(context.Background(), "at")
	require.NoError(t, err)
	assert.Equal(t, "abc12", profile.ExternalUserID)
	assert.Equal(t, "spez", profile.DisplayName)
	assert.Equal(t, "spez", profile.Username)
}

func TestPinterestAuthorizationUsesCommaScopes(t *testing.T) {
	cfg := testConfig("pinterest", "https://pinterest.example.com")
	cfg.Scopes = []string{"boards:read", "pins:read"}
	p, err := NewPinterestProvider(cfg)
	require.NoError(t, err)

	auth, err := p.AuthorizationURL("st", "")
	require.NoError(t, err)
	u, err := url.Parse(auth.URL)
	require.NoError(t, err)
	assert.Equal(t, "boards:read,pins:read", u.Query().Get("scope"))
}

func TestPinterestFetchUserInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"account_type":"PINNER","username":"pinfan","profile_image":"https://i.example.com/p.jpg"}`))
	}))
	defer srv.Close()

	p, err := NewPinterestProvider(testConfig("pinterest", srv.URL))
	require.NoError(t, err)

	profile, err := p.FetchUserInfo(context.Background(), "pina_x")
	require.NoError(t, err)
	assert.Equal(t, "pinfan", profile.ExternalUserID)
	assert.Equal(t, "pinfan", profile.DisplayName)
}

func TestPinterestFetchUserInfoMissingIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"account_type":"PINNER"}`))
	}))
	defer srv.Close()

	p, err := NewPinterestProvider(testConfig("pinterest", srv.URL))
	require.NoError(t, err)

	_, err = p.FetchUserInfo(context.Background(), "pina_x")
	assert.Equal(t, oautherr.KindTransport, oautherr.KindOf(err))
}

func TestAuthorizationRequiresState(t *testing.T) {
	p, err := NewPinterestProvider(testConfig("pinterest", "https://pinterest.example.com"))
	require.NoError(t, err)

	_, err = p.AuthorizationURL("", "")
	assert.Equal(t, oautherr.KindConfiguration, oautherr.KindOf(err))
}
