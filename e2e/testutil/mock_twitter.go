package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cruxstack/oauth2-capture/internal/crypto"
)

// MockTwitterUser represents a mock Twitter user.
type MockTwitterUser struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Username        string `json:"username"`
	ProfileImageURL string `json:"profile_image_url"`
}

type pendingCode struct {
	user          *MockTwitterUser
	challenge     string
	redirectURI   string
	challengeMode string
}

// MockTwitterServer is a mock Twitter OAuth 2.0 server with PKCE and rotating
// refresh tokens.
type MockTwitterServer struct {
	Server *httptest.Server

	mu            sync.RWMutex
	user          *MockTwitterUser
	codes         map[string]*pendingCode
	accessTokens  map[string]*MockTwitterUser
	refreshTokens map[string]*MockTwitterUser

	expiresIn     atomic.Int64
	seq           atomic.Int64
	refreshCalls  atomic.Int64
	exchangeCalls atomic.Int64
}

// NewMockTwitterServer creates a new mock Twitter server.
func NewMockTwitterServer() *MockTwitterServer {
	m := &MockTwitterServer{
		codes:         make(map[string]*pendingCode),
		accessTokens:  make(map[string]*MockTwitterUser),
		refreshTokens: make(map[string]*MockTwitterUser),
		user: &MockTwitterUser{
			ID:              "mock-twitter-id",
			Name:            "Mock User",
			Username:        "mockuser",
			ProfileImageURL: "https://example.com/avatar.jpg",
		},
	}

	m.expiresIn.Store(7200)

	mux := http.NewServeMux()
	mux.HandleFunc("/i/oauth2/authorize", m.handleAuthorize)
	mux.HandleFunc("/2/oauth2/token", m.handleToken)
	mux.HandleFunc("/2/users/me", m.handleUserInfo)

	m.Server = httptest.NewServer(mux)
	return m
}

// Close shuts down the mock server.
func (m *MockTwitterServer) Close() {
	m.Server.Close()
}

// AuthURL returns the authorization endpoint URL.
func (m *MockTwitterServer) AuthURL() string {
	return m.Server.URL + "/i/oauth2/authorize"
}

// TokenURL returns the token endpoint URL.
func (m *MockTwitterServer) TokenURL() string {
	return m.Server.URL + "/2/oauth2/token"
}

// UserURL returns the user info endpoint URL.
func (m *MockTwitterServer) UserURL() string {
	return m.Server.URL + "/2/users/me"
}

// SetUser sets the user returned for subsequent authorizations.
func (m *MockTwitterServer) SetUser(user *MockTwitterUser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = user
}

// SetExpiresIn sets the access token lifetime, in seconds, reported on later grants.
func (m *MockTwitterServer) SetExpiresIn(seconds int64) {
	m.expiresIn.Store(seconds)
}

// RefreshCalls returns how many refresh grants were served.
func (m *MockTwitterServer) RefreshCalls() int64 {
	return m.refreshCalls.Load()
}

// ExchangeCalls returns how many authorization code grants were attempted.
func (m *MockTwitterServer) ExchangeCalls() int64 {
	return m.exchangeCalls.Load()
}

// RevokeAll invalidates every issued refresh token, as if the user removed
// the app from their account.
func (m *MockTwitterServer) RevokeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshTokens = make(map[string]*MockTwitterUser)
	m.accessTokens = make(map[string]*MockTwitterUser)
}

// handleAuthorize approves every request and redirects straight back with a code.
func (m *MockTwitterServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		http.Error(w, "missing redirect_uri", http.StatusBadRequest)
		return
	}
	if q.Get("code_challenge") == "" {
		http.Error(w, "missing code_challenge", http.StatusBadRequest)
		return
	}

	code := m.next("mock-code")
	m.mu.Lock()
	m.codes[code] = &pendingCode{
		user:          m.user,
		challenge:     q.Get("code_challenge"),
		challengeMode: q.Get("code_challenge_method"),
		redirectURI:   redirectURI,
	}
	m.mu.Unlock()

	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	values := target.Query()
	values.Set("code", code)
	values.Set("state", q.Get("state"))
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (m *MockTwitterServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, _, ok := r.BasicAuth(); !ok {
		writeOAuthError(w, http.StatusUnauthorized, "unauthorized_client", "Missing client credentials")
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		m.exchangeCalls.Add(1)
		m.handleCodeGrant(w, r)
	case "refresh_token":
		m.refreshCalls.Add(1)
		m.handleRefreshGrant(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "Unsupported grant type")
	}
}

func (m *MockTwitterServer) handleCodeGrant(w http.ResponseWriter, r *http.Request) {
	code := r.FormValue("code")

	m.mu.Lock()
	pending, ok := m.codes[code]
	delete(m.codes, code)
	m.mu.Unlock()

	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Value passed for the authorization code was invalid.")
		return
	}
	if pending.redirectURI != r.FormValue("redirect_uri") {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri mismatch")
		return
	}
	if pending.challengeMode != "S256" || !crypto.VerifyPKCE(r.FormValue("code_verifier"), pending.challenge) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code_verifier does not match code_challenge")
		return
	}

	m.issue(w, pending.user)
}

func (m *MockTwitterServer) handleRefreshGrant(w http.ResponseWriter, r *http.Request) {
	refresh := r.FormValue("refresh_token")

	m.mu.Lock()
	user, ok := m.refreshTokens[refresh]
	delete(m.refreshTokens, refresh)
	m.mu.Unlock()

	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Value passed for the token was invalid.")
		return
	}
	m.issue(w, user)
}

// issue mints a fresh access and refresh token pair for user.
func (m *MockTwitterServer) issue(w http.ResponseWriter, user *MockTwitterUser) {
	access := m.next("mock-access")
	refresh := m.next("mock-refresh")

	m.mu.Lock()
	m.accessTokens[access] = user
	m.refreshTokens[refresh] = user
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"access_token":  access,
		"token_type":    "bearer",
		"expires_in":    m.expiresIn.Load(),
		"refresh_token": refresh,
		"scope":         "tweet.read users.read offline.access",
	})
}

func (m *MockTwitterServer) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	m.mu.RLock()
	user, ok := m.accessTokens[token]
	m.mu.RUnlock()

	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": user}) //nolint:errcheck
}

func (m *MockTwitterServer) next(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, m.seq.Add(1))
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
		"error":             code,
		"error_description": description,
	})
}
