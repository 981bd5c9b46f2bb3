package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const (
	// GoogleDefaultAuthURL is Google's OAuth 2.0 authorization endpoint.
	GoogleDefaultAuthURL = "https://accounts.google.com/o/oauth2/v2/auth"
	// GoogleDefaultTokenURL is Google's OAuth 2.0 token endpoint.
	GoogleDefaultTokenURL = "https://oauth2.googleapis.com/token"
	// GoogleDefaultUserURL is Google's user info endpoint.
	GoogleDefaultUserURL = "https://www.googleapis.com/oauth2/v2/userinfo"
	// GoogleDefaultValidateURL is Google's tokeninfo endpoint.
	GoogleDefaultValidateURL = "https://oauth2.googleapis.com/tokeninfo"
)

// GoogleProvider implements the Provider interface for Google OAuth 2.0.
type GoogleProvider struct {
	base
}

// NewGoogleProvider creates a new Google provider.
func NewGoogleProvider(cfg Config) (*GoogleProvider, error) {
	b, err := newBase(cfg, Config{
		Type:        "google",
		AuthURL:     GoogleDefaultAuthURL,
		TokenURL:    GoogleDefaultTokenURL,
		UserURL:     GoogleDefaultUserURL,
		ValidateURL: GoogleDefaultValidateURL,
		Scopes:      []string{"openid", "profile", "email"},
	})
	if err != nil {
		return nil, err
	}
	b.pkce = true
	return &GoogleProvider{base: b}, nil
}

// GoogleProviderFactory creates a Google provider from config.
func GoogleProviderFactory(cfg Config) (Provider, error) {
	return NewGoogleProvider(cfg)
}

// AuthorizationURL returns the authorization redirect. Offline access with a
// forced consent prompt makes Google issue a refresh token on every grant.
func (p *GoogleProvider) AuthorizationURL(state, redirectURI string) (*Authorization, error) {
	return p.authorization(state, redirectURI, url.Values{
		"access_type": {"offline"},
		"prompt":      {"consent"},
	})
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *GoogleProvider) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	form, err := p.codeForm(code, redirectURI, codeVerifier)
	if err != nil {
		return nil, err
	}
	tok, err := p.tokenRequest(ctx, opExchange, http.MethodPost, form, authInBody, false)
	if err != nil {
		return nil, err
	}
	if err := p.attachIDTokenSubject(opExchange, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// RefreshToken exchanges a refresh token. Google usually omits a new refresh
// token, in which case the caller keeps the old one.
func (p *GoogleProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form, err := p.refreshForm(refreshToken)
	if err != nil {
		return nil, err
	}
	tok, err := p.tokenRequest(ctx, opRefresh, http.MethodPost, form, authInBody, true)
	if err != nil {
		return nil, err
	}
	if err := p.attachIDTokenSubject(opRefresh, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// googleUserResponse covers both the v2 userinfo ("id") and OIDC ("sub") shapes.
type googleUserResponse struct {
	ID      string `json:"id"`
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// FetchUserInfo fetches user information from Google.
func (p *GoogleProvider) FetchUserInfo(ctx context.Context, accessToken string) (*Profile, error) {
	var user googleUserResponse
	raw, err := p.client.getJSON(ctx, opUserInfo, p.config.UserURL, bearer(accessToken), &user)
	if err != nil {
		return nil, err
	}
	id := firstNonEmpty(user.Sub, user.ID)
	if id == "" {
		return nil, p.client.malformed(opUserInfo, http.StatusOK, fmt.Errorf("user response missing sub"))
	}

	return &Profile{
		ExternalUserID: id,
		DisplayName:    firstNonEmpty(user.Name, user.Email, id),
		Email:          user.Email,
		AvatarURL:      user.Picture,
		Raw:            raw,
	}, nil
}

// ValidateToken asks the tokeninfo endpoint about the token. Google answers
// 400 for both expired and unknown tokens.
func (p *GoogleProvider) ValidateToken(ctx context.Context, accessToken string) Validation {
	endpoint := appendQuery(p.config.ValidateURL, url.Values{"access_token": {accessToken}})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ValidationUnknown
	}
	resp, err := p.client.do(req, opValidate)
	if err != nil {
		return ValidationUnknown
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var info struct {
			ExpiresIn seconds `json:"expires_in"`
		}
		if err := json.Unmarshal(resp.Body, &info); err != nil {
			return ValidationUnknown
		}
		if info.ExpiresIn <= 0 {
			return ValidationExpired
		}
		return ValidationValid
	case http.StatusBadRequest, http.StatusUnauthorized:
		return ValidationInvalid
	default:
		return ValidationUnknown
	}
}

// Service is a Google product family reachable with a granted scope.
type Service string

const (
	ServiceProfile  Service = "profile"
	ServiceGmail    Service = "gmail"
	ServiceDrive    Service = "drive"
	ServiceCalendar Service = "calendar"
	ServiceContacts Service = "contacts"
	ServiceYouTube  Service = "youtube"
)

const googleScopePrefix = "https://www.googleapis.com/auth/"

// ScopeServices maps a granted scope string to the services it unlocks.
// Unrecognized scopes are ignored. The result is sorted and deduplicated.
func ScopeServices(scope string) []Service {
	seen := map[Service]bool{}
	for _, s := range strings.Fields(scope) {
		if svc, ok := scopeService(s); ok {
			seen[svc] = true
		}
	}

	services := make([]Service, 0, len(seen))
	for svc := range seen {
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool { return services[i] < services[j] })
	return services
}

func scopeService(scope string) (Service, bool) {
	switch scope {
	case "openid", "email", "profile":
		return ServiceProfile, true
	case "https://mail.google.com/":
		return ServiceGmail, true
	}

	name, ok := strings.CutPrefix(scope, googleScopePrefix)
	if !ok {
		return "", false
	}
	switch {
	case strings.HasPrefix(name, "userinfo."):
		return ServiceProfile, true
	case strings.HasPrefix(name, "gmail."):
		return ServiceGmail, true
	case name == "drive" || strings.HasPrefix(name, "drive."):
		return ServiceDrive, true
	case name == "calendar" || strings.HasPrefix(name, "calendar."):
		return ServiceCalendar, true
	case name == "contacts" || strings.HasPrefix(name, "contacts."):
		return ServiceContacts, true
	case name == "youtube" || strings.HasPrefix(name, "youtube."):
		return ServiceYouTube, true
	}
	return "", false
}
