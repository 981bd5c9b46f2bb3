package provider

import (
	"context"
	"fmt"
	"net/http"
)

const (
	// PinterestDefaultAuthURL is Pinterest's OAuth 2.0 authorization endpoint.
	PinterestDefaultAuthURL = "https://www.pinterest.com/oauth/"
	// PinterestDefaultTokenURL is Pinterest's OAuth 2.0 token endpoint.
	PinterestDefaultTokenURL = "https://api.pinterest.com/v5/oauth/token"
	// PinterestDefaultUserURL is Pinterest's user account endpoint.
	PinterestDefaultUserURL = "https://api.pinterest.com/v5/user_account"
)

// PinterestProvider implements the Provider interface for Pinterest API v5.
type PinterestProvider struct {
	base
}

// NewPinterestProvider creates a new Pinterest provider.
func NewPinterestProvider(cfg Config) (*PinterestProvider, error) {
	b, err := newBase(cfg, Config{
		Type:     "pinterest",
		AuthURL:  PinterestDefaultAuthURL,
		TokenURL: PinterestDefaultTokenURL,
		UserURL:  PinterestDefaultUserURL,
		Scopes:   []string{"user_accounts:read"},
	})
	if err != nil {
		return nil, err
	}
	b.scopeSep = ","
	return &PinterestProvider{base: b}, nil
}

// PinterestProviderFactory creates a Pinterest provider from config.
func PinterestProviderFactory(cfg Config) (Provider, error) {
	return NewPinterestProvider(cfg)
}

// AuthorizationURL returns the Pinterest authorization redirect. Pinterest
// expects comma-separated scopes.
func (p *PinterestProvider) AuthorizationURL(state, redirectURI string) (*Authorization, error) {
	return p.authorization(state, redirectURI, nil)
}

// ExchangeCode exchanges an authorization code for tokens using Basic auth.
func (p *PinterestProvider) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	form, err := p.codeForm(code, redirectURI, "")
	if err != nil {
		return nil, err
	}
	return p.tokenRequest(ctx, opExchange, http.MethodPost, form, authBasic, false)
}

// RefreshToken exchanges a refresh token using Basic auth.
func (p *PinterestProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form, err := p.refreshForm(refreshToken)
	if err != nil {
		return nil, err
	}
	return p.tokenRequest(ctx, opRefresh, http.MethodPost, form, authBasic, true)
}

type pinterestUserResponse struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	BusinessName string `json:"business_name"`
	ProfileImage string `json:"profile_image"`
}

// FetchUserInfo fetches the Pinterest account. The username is the stable
// identity; id is used only when no username is returned.
func (p *PinterestProvider) FetchUserInfo(ctx context.Context, accessToken string) (*Profile, error) {
	var user pinterestUserResponse
	raw, err := p.client.getJSON(ctx, opUserInfo, p.config.UserURL, bearer(accessToken), &user)
	if err != nil {
		return nil, err
	}
	id := firstNonEmpty(user.Username, user.ID)
	if id == "" {
		return nil, p.client.malformed(opUserInfo, http.StatusOK, fmt.Errorf("user response missing username"))
	}

	return &Profile{
		ExternalUserID: id,
		DisplayName:    firstNonEmpty(user.BusinessName, user.Username, id),
		Username:       user.Username,
		AvatarURL:      user.ProfileImage,
		Raw:            raw,
	}, nil
}

// ValidateToken probes the user account endpoint.
func (p *PinterestProvider) ValidateToken(ctx context.Context, accessToken string) Validation {
	return p.probe(ctx, p.FetchUserInfo, accessToken)
}
