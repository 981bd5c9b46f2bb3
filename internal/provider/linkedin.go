package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	// LinkedInDefaultAuthURL is LinkedIn's OAuth 2.0 authorization endpoint.
	LinkedInDefaultAuthURL = "https://www.linkedin.com/oauth/v2/authorization"
	// LinkedInDefaultTokenURL is LinkedIn's OAuth 2.0 token endpoint.
	LinkedInDefaultTokenURL = "https://www.linkedin.com/oauth/v2/accessToken"
	// LinkedInDefaultUserURL is LinkedIn's OIDC user info endpoint.
	LinkedInDefaultUserURL = "https://api.linkedin.com/v2/userinfo"
	// LinkedInDefaultValidateURL is LinkedIn's token introspection endpoint.
	LinkedInDefaultValidateURL = "https://www.linkedin.com/oauth/v2/introspectToken"
)

// LinkedInProvider implements the Provider interface for LinkedIn's OIDC sign-in.
type LinkedInProvider struct {
	base
}

// NewLinkedInProvider creates a new LinkedIn provider.
func NewLinkedInProvider(cfg Config) (*LinkedInProvider, error) {
	b, err := newBase(cfg, Config{
		Type:        "linkedin",
		AuthURL:     LinkedInDefaultAuthURL,
		TokenURL:    LinkedInDefaultTokenURL,
		UserURL:     LinkedInDefaultUserURL,
		ValidateURL: LinkedInDefaultValidateURL,
		Scopes:      []string{"openid", "profile", "email"},
	})
	if err != nil {
		return nil, err
	}
	return &LinkedInProvider{base: b}, nil
}

// LinkedInProviderFactory creates a LinkedIn provider from config.
func LinkedInProviderFactory(cfg Config) (Provider, error) {
	return NewLinkedInProvider(cfg)
}

// AuthorizationURL returns the LinkedIn authorization redirect.
func (p *LinkedInProvider) AuthorizationURL(state, redirectURI string) (*Authorization, error) {
	return p.authorization(state, redirectURI, nil)
}

// ExchangeCode exchanges an authorization code for tokens. Client credentials
// travel in the form body.
func (p *LinkedInProvider) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	form, err := p.codeForm(code, redirectURI, "")
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

// RefreshToken exchanges a refresh token. LinkedIn only issues refresh tokens
// to approved partner apps.
func (p *LinkedInProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form, err := p.refreshForm(refreshToken)
	if err != nil {
		return nil, err
	}
	return p.tokenRequest(ctx, opRefresh, http.MethodPost, form, authInBody, true)
}

type linkedinUserResponse struct {
	Sub        string `json:"sub"`
	Name       string `json:"name"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Email      string `json:"email"`
	Picture    string `json:"picture"`
}

// FetchUserInfo fetches the OIDC user info; the sub claim is the member id.
func (p *LinkedInProvider) FetchUserInfo(ctx context.Context, accessToken string) (*Profile, error) {
	var user linkedinUserResponse
	raw, err := p.client.getJSON(ctx, opUserInfo, p.config.UserURL, bearer(accessToken), &user)
	if err != nil {
		return nil, err
	}
	if user.Sub == "" {
		return nil, p.client.malformed(opUserInfo, http.StatusOK, fmt.Errorf("user response missing sub"))
	}

	fullName := strings.TrimSpace(user.GivenName + " " + user.FamilyName)
	return &Profile{
		ExternalUserID: user.Sub,
		DisplayName:    firstNonEmpty(user.Name, fullName, user.Sub),
		Email:          user.Email,
		AvatarURL:      user.Picture,
		Raw:            raw,
	}, nil
}

// ValidateToken uses token introspection, which reports active, expired and
// revoked explicitly.
func (p *LinkedInProvider) ValidateToken(ctx context.Context, accessToken string) Validation {
	form := url.Values{
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"token":         {accessToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.ValidateURL, strings.NewReader(form.Encode()))
	if err != nil {
		return ValidationUnknown
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.do(req, opValidate)
	if err != nil || resp.StatusCode != http.StatusOK {
		return ValidationUnknown
	}

	var result struct {
		Active bool   `json:"active"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return ValidationUnknown
	}

	switch strings.ToLower(result.Status) {
	case "active":
		return ValidationValid
	case "expired":
		return ValidationExpired
	case "revoked":
		return ValidationRevoked
	}
	if result.Active {
		return ValidationValid
	}
	return ValidationInvalid
}
