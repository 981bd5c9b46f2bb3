// Package provider defines the interface and registry for OAuth 2.0 identity providers
// whose tokens are captured, plus one implementation per supported service.
package provider

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// TokenResponse is the normalized result of a code exchange or refresh grant.
type TokenResponse struct {
	AccessToken           string
	TokenType             string
	ExpiresIn             int64 // seconds; 0 when the provider did not report an expiry
	RefreshToken          string
	RefreshTokenExpiresIn int64 // seconds; 0 when not reported
	Scope                 string
	IDToken               string // OIDC providers only
	IDTokenSubject        string // "sub" claim of IDToken, when present
}

// ExpiresAt returns the absolute access token expiry, or nil if none was reported.
func (t *TokenResponse) ExpiresAt(now time.Time) *time.Time {
	return absolute(now, t.ExpiresIn)
}

// RefreshTokenExpiresAt returns the absolute refresh token expiry, or nil if none was reported.
func (t *TokenResponse) RefreshTokenExpiresAt(now time.Time) *time.Time {
	return absolute(now, t.RefreshTokenExpiresIn)
}

func absolute(now time.Time, seconds int64) *time.Time {
	if seconds <= 0 {
		return nil
	}
	at := now.Add(time.Duration(seconds) * time.Second).UTC()
	return &at
}

// Profile holds normalized user information from any OAuth provider.
type Profile struct {
	ExternalUserID string         // Stable ID assigned by the provider
	DisplayName    string         // Never empty: name, then handle, then ExternalUserID
	Username       string         // Handle/login, when the provider has one
	Email          string         // Email (if available)
	AvatarURL      string         // Avatar URL (if available)
	Raw            map[string]any // Full user-info response
}

// Authorization is the result of building an authorization URL.
type Authorization struct {
	URL          string
	State        string
	RedirectURI  string
	CodeVerifier string // PKCE verifier; must be kept until the matching callback
}

// Validation classifies an access token.
type Validation int

const (
	// ValidationUnknown means the check was inconclusive (network, 5xx). Never act destructively on it.
	ValidationUnknown Validation = iota
	// ValidationValid means the provider accepted the token.
	ValidationValid
	// ValidationExpired means the token is past its lifetime.
	ValidationExpired
	// ValidationRevoked means the user or provider revoked the grant.
	ValidationRevoked
	// ValidationInvalid means the provider does not recognize the token.
	ValidationInvalid
)

// String returns the lowercase name of the validation result.
func (v Validation) String() string {
	switch v {
	case ValidationValid:
		return "valid"
	case ValidationExpired:
		return "expired"
	case ValidationRevoked:
		return "revoked"
	case ValidationInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Config holds the configuration for an OAuth provider.
type Config struct {
	Name         string   // Unique provider identifier, used in URLs and stored on records (e.g., "github")
	Type         string   // Provider type for factory lookup (e.g., "twitter", "github"); defaults to Name
	ClientID     string   // OAuth client ID
	ClientSecret string   // OAuth client secret
	CallbackURL  string   // Default redirect URI
	AuthURL      string   // Authorization endpoint (optional, uses default if empty)
	TokenURL     string   // Token endpoint (optional, uses default if empty)
	UserURL      string   // User info endpoint (optional, uses default if empty)
	ValidateURL  string   // Token validation endpoint (optional, uses default if empty)
	Scopes       []string // OAuth scopes (optional, uses default if empty)
	UserAgent    string   // User-Agent sent on every request (required by some providers)

	HTTPClient *http.Client // Optional; defaults to a client with DefaultTimeout
	Retry      RetryPolicy  // Refresh retry policy; zero value uses DefaultRetryPolicy
}

// Provider defines the capability every identity provider integration implements.
type Provider interface {
	// Name returns the configured provider name.
	Name() string

	// Type returns the implementation type (e.g., "twitter").
	Type() string

	// AuthorizationURL builds the redirect to the provider's authorization endpoint.
	// redirectURI may be empty to use the configured callback URL. The returned
	// Authorization carries the PKCE verifier when the provider uses PKCE.
	AuthorizationURL(state, redirectURI string) (*Authorization, error)

	// ExchangeCode exchanges an authorization code for tokens.
	ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenResponse, error)

	// FetchUserInfo fetches the user identity for an access token.
	FetchUserInfo(ctx context.Context, accessToken string) (*Profile, error)

	// RefreshToken mints a new access token from a refresh credential.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// Validator is implemented by providers that can classify an access token cheaply.
type Validator interface {
	ValidateToken(ctx context.Context, accessToken string) Validation
}

// firstNonEmpty returns the first non-blank value.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
