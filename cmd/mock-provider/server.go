package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/patrickmn/go-cache"

	"github.com/cruxstack/oauth2-capture/internal/crypto"
)

// MockUser represents a test user for the mock OAuth providers.
type MockUser struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Username        string `json:"username"`
	Email           string `json:"email"`
	EmailVerified   bool   `json:"email_verified"`
	ProfileImageURL string `json:"profile_image_url"`
}

var defaultUsers = []MockUser{
	{
		ID:              "1001",
		Name:            "Alice Demo",
		Username:        "alice_demo",
		Email:           "alice@example.com",
		EmailVerified:   true,
		ProfileImageURL: "https://api.dicebear.com/7.x/avataaars/svg?seed=alice",
	},
	{
		ID:              "1002",
		Name:            "Bob Tester",
		Username:        "bob_test",
		Email:           "bob@example.com",
		EmailVerified:   true,
		ProfileImageURL: "https://api.dicebear.com/7.x/avataaars/svg?seed=bob",
	},
	{
		ID:              "1003",
		Name:            "Charlie Dev",
		Username:        "charlie_dev",
		Email:           "charlie@example.com",
		EmailVerified:   false,
		ProfileImageURL: "https://api.dicebear.com/7.x/avataaars/svg?seed=charlie",
	},
}

var mockProviders = []string{"twitter", "github", "google"}

// pendingAuth is an authorization request waiting for the consent page, and
// later the code it produced.
type pendingAuth struct {
	Provider      string
	ClientID      string
	RedirectURI   string
	State         string
	Scope         string
	CodeChallenge string
	User          *MockUser
}

// grant is an issued access or refresh token.
type grant struct {
	Provider  string
	ClientID  string
	Scope     string
	User      *MockUser
	ExpiresAt time.Time // zero for tokens that never expire
}

// Options configures the mock server.
type Options struct {
	TokenTTL      time.Duration // access token lifetime; zero issues non-expiring tokens
	RotateRefresh bool          // issue a new refresh token on every refresh grant
	Logger        *slog.Logger
}

// MockOAuthServer simulates the authorization, token, user-info and
// validation endpoints of several providers for offline testing.
type MockOAuthServer struct {
	opts Options

	// request ID -> *pendingAuth before consent, code -> *pendingAuth after
	pending *cache.Cache
	codes   *cache.Cache

	mu            sync.RWMutex
	accessTokens  map[string]*grant
	refreshTokens map[string]*grant

	idTokenKey []byte
	now        func() time.Time
}

// NewMockOAuthServer creates a new mock OAuth server.
func NewMockOAuthServer(opts Options) *MockOAuthServer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &MockOAuthServer{
		opts:          opts,
		pending:       cache.New(10*time.Minute, time.Minute),
		codes:         cache.New(time.Minute, time.Minute),
		accessTokens:  make(map[string]*grant),
		refreshTokens: make(map[string]*grant),
		idTokenKey:    []byte(randomHex(32)),
		now:           time.Now,
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b) //nolint:errcheck
	return hex.EncodeToString(b)
}

// Routes sets up all the mock OAuth routes.
func (s *MockOAuthServer) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})

	for _, p := range mockProviders {
		r.Get("/"+p+"/authorize", s.handleAuthorize(p))
		r.Post("/"+p+"/token", s.handleToken(p))
	}

	r.Get("/twitter/user", s.handleTwitterUser)
	r.Get("/github/user", s.handleGitHubUser)
	r.Get("/github/user/emails", s.handleGitHubEmails)
	r.Post("/github/applications/{clientID}/token", s.handleGitHubTokenCheck)
	r.Get("/google/userinfo", s.handleGoogleUserInfo)
	r.Get("/google/tokeninfo", s.handleGoogleTokenInfo)

	r.Get("/login", s.handleLogin)
	r.Post("/login/submit", s.handleLoginSubmit)

	// Simulates a user removing the app from their account.
	r.Post("/admin/revoke", s.handleRevoke)

	return r
}

func (s *MockOAuthServer) handleAuthorize(provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		redirectURI := q.Get("redirect_uri")
		if redirectURI == "" {
			http.Error(w, "missing redirect_uri", http.StatusBadRequest)
			return
		}
		if provider == "twitter" && (q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256") {
			http.Error(w, "twitter requires PKCE with S256", http.StatusBadRequest)
			return
		}

		requestID := randomHex(16)
		s.pending.SetDefault(requestID, &pendingAuth{
			Provider:      provider,
			ClientID:      q.Get("client_id"),
			RedirectURI:   redirectURI,
			State:         q.Get("state"),
			Scope:         q.Get("scope"),
			CodeChallenge: q.Get("code_challenge"),
		})

		s.opts.Logger.Info("authorization request",
			"provider", provider,
			"redirect_uri", redirectURI,
			"pkce", q.Get("code_challenge") != "",
		)

		http.Redirect(w, r, "/login?request="+url.QueryEscape(requestID), http.StatusFound)
	}
}

func (s *MockOAuthServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request")
	v, ok := s.pending.Get(requestID)
	if !ok {
		http.Error(w, "invalid or expired request", http.StatusBadRequest)
		return
	}
	auth := v.(*pendingAuth)

	data := struct {
		Provider string
		Request  string
		Scope    string
		Users    []MockUser
	}{
		Provider: auth.Provider,
		Request:  requestID,
		Scope:    auth.Scope,
		Users:    defaultUsers,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := loginTemplate.Execute(w, data); err != nil {
		s.opts.Logger.Error("template execution failed", "error", err)
	}
}

func (s *MockOAuthServer) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	requestID := r.FormValue("request")
	v, ok := s.pending.Get(requestID)
	if !ok {
		http.Error(w, "invalid or expired request", http.StatusBadRequest)
		return
	}
	s.pending.Delete(requestID)
	auth := v.(*pendingAuth)

	params := url.Values{}
	if auth.State != "" {
		params.Set("state", auth.State)
	}

	if r.FormValue("decision") == "deny" {
		params.Set("error", "access_denied")
		params.Set("error_description", "The user denied the request")
		http.Redirect(w, r, withQuery(auth.RedirectURI, params), http.StatusFound)
		return
	}

	user := findUser(r.FormValue("user_id"))
	if user == nil {
		http.Error(w, "invalid user", http.StatusBadRequest)
		return
	}
	auth.User = user

	code := randomHex(16)
	s.codes.SetDefault(code, auth)

	s.opts.Logger.Info("user authenticated",
		"provider", auth.Provider,
		"user_id", user.ID,
		"username", user.Username,
	)

	params.Set("code", code)
	http.Redirect(w, r, withQuery(auth.RedirectURI, params), http.StatusFound)
}

func findUser(id string) *MockUser {
	for i := range defaultUsers {
		if defaultUsers[i].ID == id {
			return &defaultUsers[i]
		}
	}
	return nil
}

func withQuery(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, vs := range params {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *MockOAuthServer) handleToken(provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}

		clientID, _, ok := r.BasicAuth()
		if !ok {
			clientID = r.FormValue("client_id")
		}
		if clientID == "" {
			s.errorResponse(w, http.StatusUnauthorized, "invalid_client", "Missing client credentials")
			return
		}

		switch r.FormValue("grant_type") {
		case "authorization_code":
			s.exchangeCode(w, r, provider, clientID)
		case "refresh_token":
			s.refresh(w, r, provider, clientID)
		default:
			s.errorResponse(w, http.StatusBadRequest, "unsupported_grant_type", "Unsupported grant type")
		}
	}
}

func (s *MockOAuthServer) exchangeCode(w http.ResponseWriter, r *http.Request, provider, clientID string) {
	code := r.FormValue("code")
	v, ok := s.codes.Get(code)
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid_grant", "Invalid or expired authorization code")
		return
	}
	s.codes.Delete(code)
	auth := v.(*pendingAuth)

	switch {
	case auth.Provider != provider:
		s.errorResponse(w, http.StatusBadRequest, "invalid_grant", "Code not valid for this provider")
		return
	case auth.RedirectURI != r.FormValue("redirect_uri"):
		s.errorResponse(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	case auth.CodeChallenge != "" && !crypto.VerifyPKCE(r.FormValue("code_verifier"), auth.CodeChallenge):
		s.errorResponse(w, http.StatusBadRequest, "invalid_grant", "code_verifier does not match code_challenge")
		return
	}

	s.issue(w, &grant{Provider: provider, ClientID: clientID, Scope: auth.Scope, User: auth.User}, "")
}

func (s *MockOAuthServer) refresh(w http.ResponseWriter, r *http.Request, provider, clientID string) {
	refreshToken := r.FormValue("refresh_token")

	s.mu.Lock()
	g, ok := s.refreshTokens[refreshToken]
	if ok && s.opts.RotateRefresh {
		delete(s.refreshTokens, refreshToken)
	}
	s.mu.Unlock()

	if !ok || g.Provider != provider || g.ClientID != clientID {
		s.errorResponse(w, http.StatusBadRequest, "invalid_grant", "Refresh token is invalid or revoked")
		return
	}

	keep := refreshToken
	if s.opts.RotateRefresh {
		keep = ""
	}
	s.opts.Logger.Info("token refreshed", "provider", provider, "user_id", g.User.ID, "rotated", keep == "")
	s.issue(w, g, keep)
}

// issue mints an access token for g. A refresh token is minted unless keep
// names an existing one. GitHub OAuth apps get no refresh token.
func (s *MockOAuthServer) issue(w http.ResponseWriter, g *grant, keep string) {
	access := &grant{Provider: g.Provider, ClientID: g.ClientID, Scope: g.Scope, User: g.User}
	if s.opts.TokenTTL > 0 {
		access.ExpiresAt = s.now().Add(s.opts.TokenTTL)
	}
	accessToken := randomHex(24)

	resp := map[string]any{
		"access_token": accessToken,
		"token_type":   "bearer",
	}
	if g.Scope != "" {
		resp["scope"] = g.Scope
	}
	if s.opts.TokenTTL > 0 {
		resp["expires_in"] = int64(s.opts.TokenTTL / time.Second)
	}

	s.mu.Lock()
	s.accessTokens[accessToken] = access
	if g.Provider != "github" {
		refreshToken := keep
		if refreshToken == "" {
			refreshToken = randomHex(24)
			s.refreshTokens[refreshToken] = &grant{Provider: g.Provider, ClientID: g.ClientID, Scope: g.Scope, User: g.User}
		}
		resp["refresh_token"] = refreshToken
	}
	s.mu.Unlock()

	if g.Provider == "google" && strings.Contains(g.Scope, "openid") {
		idToken, err := s.idToken(g)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "server_error", "Failed to sign id_token")
			return
		}
		resp["id_token"] = idToken
	}

	s.opts.Logger.Info("token issued", "provider", g.Provider, "user_id", g.User.ID)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(resp) //nolint:errcheck
}

// idToken mints an HS256 id_token. Signature checks are meaningless offline,
// so the key is random per process.
func (s *MockOAuthServer) idToken(g *grant) (string, error) {
	now := s.now()
	tok, err := jwt.NewBuilder().
		Issuer("https://accounts.google.com").
		Subject(g.User.ID).
		Audience([]string{g.ClientID}).
		IssuedAt(now).
		Expiration(now.Add(time.Hour)).
		Claim("email", g.User.Email).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.idTokenKey))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// lookupAccess returns the live grant for an access token.
func (s *MockOAuthServer) lookupAccess(token string) (*grant, bool) {
	s.mu.RLock()
	g, ok := s.accessTokens[token]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !g.ExpiresAt.IsZero() && !s.now().Before(g.ExpiresAt) {
		return g, false
	}
	return g, true
}

// userFromRequest authenticates a user-info request by its bearer token.
func (s *MockOAuthServer) userFromRequest(w http.ResponseWriter, r *http.Request) *MockUser {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		token, ok = strings.CutPrefix(auth, "token ")
	}
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil
	}

	g, live := s.lookupAccess(token)
	switch {
	case g == nil:
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return nil
	case !live:
		http.Error(w, "token expired", http.StatusUnauthorized)
		return nil
	}
	return g.User
}

func (s *MockOAuthServer) handleTwitterUser(w http.ResponseWriter, r *http.Request) {
	user := s.userFromRequest(w, r)
	if user == nil {
		return
	}
	writeJSON(w, map[string]any{
		"data": map[string]any{
			"id":                user.ID,
			"name":              user.Name,
			"username":          user.Username,
			"profile_image_url": user.ProfileImageURL,
		},
	})
}

func (s *MockOAuthServer) handleGitHubUser(w http.ResponseWriter, r *http.Request) {
	user := s.userFromRequest(w, r)
	if user == nil {
		return
	}
	writeJSON(w, map[string]any{
		"id":         json.Number(user.ID),
		"login":      user.Username,
		"name":       user.Name,
		"avatar_url": user.ProfileImageURL,
		"email":      nil,
	})
}

func (s *MockOAuthServer) handleGitHubEmails(w http.ResponseWriter, r *http.Request) {
	user := s.userFromRequest(w, r)
	if user == nil {
		return
	}
	writeJSON(w, []map[string]any{{
		"email":      user.Email,
		"primary":    true,
		"verified":   user.EmailVerified,
		"visibility": "private",
	}})
}

// handleGitHubTokenCheck mirrors POST /applications/{client_id}/token: 200
// for a live token, 404 otherwise.
func (s *MockOAuthServer) handleGitHubTokenCheck(w http.ResponseWriter, r *http.Request) {
	clientID, _, ok := r.BasicAuth()
	if !ok || clientID != chi.URLParam(r, "clientID") {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusUnprocessableEntity)
		return
	}
	g, live := s.lookupAccess(body.AccessToken)
	if !live || g.ClientID != clientID {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"token": body.AccessToken, "scopes": strings.Fields(g.Scope)})
}

func (s *MockOAuthServer) handleGoogleUserInfo(w http.ResponseWriter, r *http.Request) {
	user := s.userFromRequest(w, r)
	if user == nil {
		return
	}
	writeJSON(w, map[string]any{
		"id":             user.ID,
		"name":           user.Name,
		"email":          user.Email,
		"verified_email": user.EmailVerified,
		"picture":        user.ProfileImageURL,
	})
}

// handleGoogleTokenInfo answers 400 for unknown or expired tokens, like Google.
func (s *MockOAuthServer) handleGoogleTokenInfo(w http.ResponseWriter, r *http.Request) {
	g, live := s.lookupAccess(r.URL.Query().Get("access_token"))
	if !live {
		s.errorResponse(w, http.StatusBadRequest, "invalid_token", "Invalid Value")
		return
	}
	resp := map[string]any{"sub": g.User.ID, "aud": g.ClientID, "scope": g.Scope, "expires_in": 3600}
	if !g.ExpiresAt.IsZero() {
		resp["expires_in"] = int64(g.ExpiresAt.Sub(s.now()) / time.Second)
	}
	writeJSON(w, resp)
}

// handleRevoke drops every token issued to user_id, or to everyone when it is empty.
func (s *MockOAuthServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")

	n := 0
	s.mu.Lock()
	for _, tokens := range []map[string]*grant{s.accessTokens, s.refreshTokens} {
		for token, g := range tokens {
			if userID == "" || g.User.ID == userID {
				delete(tokens, token)
				n++
			}
		}
	}
	s.mu.Unlock()

	s.opts.Logger.Info("tokens revoked", "user_id", userID, "count", n)
	writeJSON(w, map[string]any{"revoked": n})
}

func (s *MockOAuthServer) errorResponse(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
		"error":             code,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
