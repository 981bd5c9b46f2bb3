package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cruxstack/oauth2-capture/internal/oautherr"
)

const (
	// TwitterDefaultAuthURL is Twitter's OAuth 2.0 authorization endpoint.
	TwitterDefaultAuthURL = "https://twitter.com/i/oauth2/authorize"
	// TwitterDefaultTokenURL is Twitter's OAuth 2.0 token endpoint.
	TwitterDefaultTokenURL = "https://api.x.com/2/oauth2/token"
	// TwitterDefaultUserURL is Twitter's user info endpoint.
	TwitterDefaultUserURL = "https://api.x.com/2/users/me"
)

// TwitterProvider implements the Provider interface for Twitter OAuth 2.0.
type TwitterProvider struct {
	base
}

// NewTwitterProvider creates a new Twitter provider.
func NewTwitterProvider(cfg Config) (*TwitterProvider, error) {
	b, err := newBase(cfg, Config{
		Type:     "twitter",
		AuthURL:  TwitterDefaultAuthURL,
		TokenURL: TwitterDefaultTokenURL,
		UserURL:  TwitterDefaultUserURL,
		Scopes:   []string{"tweet.read", "users.read", "offline.access"},
	})
	if err != nil {
		return nil, err
	}
	b.pkce = true
	return &TwitterProvider{base: b}, nil
}

// TwitterProviderFactory creates a Twitter provider from config.
func TwitterProviderFactory(cfg Config) (Provider, error) {
	return NewTwitterProvider(cfg)
}

// AuthorizationURL returns the authorization redirect. Twitter requires PKCE.
func (p *TwitterProvider) AuthorizationURL(state, redirectURI string) (*Authorization, error) {
	return p.authorization(state, redirectURI, nil)
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *TwitterProvider) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	if codeVerifier == "" {
		return nil, oautherr.New(oautherr.KindConfiguration, p.config.Name, opExchange, "code_verifier required")
	}
	form, err := p.codeForm(code, redirectURI, codeVerifier)
	if err != nil {
		return nil, err
	}
	form.Set("client_id", p.config.ClientID)
	tok, err := p.tokenRequest(ctx, opExchange, http.MethodPost, form, authBasic, false)
	return tok, twitterError(err)
}

// RefreshToken exchanges a refresh token. Twitter rotates refresh tokens, so
// the returned RefreshToken replaces the old one.
func (p *TwitterProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form, err := p.refreshForm(refreshToken)
	if err != nil {
		return nil, err
	}
	form.Set("client_id", p.config.ClientID)
	tok, err := p.tokenRequest(ctx, opRefresh, http.MethodPost, form, authBasic, true)
	return tok, twitterError(err)
}

// twitterError maps Twitter's wording for a dead token onto invalid_grant.
func twitterError(err error) error {
	var oe *oautherr.Error
	if errors.As(err, &oe) && oe.Kind == oautherr.KindRejected && oe.Code == "invalid_request" &&
		strings.Contains(strings.ToLower(oe.Description), "token was invalid") {
		oe.Code = "invalid_grant"
	}
	return err
}

// twitterUserResponse represents Twitter's user info response structure.
type twitterUserResponse struct {
	Data struct {
		ID              string `json:"id"`
		Name            string `json:"name"`
		Username        string `json:"username"`
		ProfileImageURL string `json:"profile_image_url"`
	} `json:"data"`
}

// FetchUserInfo fetches user information from Twitter.
func (p *TwitterProvider) FetchUserInfo(ctx context.Context, accessToken string) (*Profile, error) {
	endpoint := appendQuery(p.config.UserURL, url.Values{"user.fields": {"id,name,username,profile_image_url"}})

	var resp twitterUserResponse
	raw, err := p.client.getJSON(ctx, opUserInfo, endpoint, bearer(accessToken), &resp)
	if err != nil {
		return nil, err
	}
	if resp.Data.ID == "" {
		return nil, p.client.malformed(opUserInfo, http.StatusOK, fmt.Errorf("user response missing data.id"))
	}

	return &Profile{
		ExternalUserID: resp.Data.ID,
		DisplayName:    firstNonEmpty(resp.Data.Name, resp.Data.Username, resp.Data.ID),
		Username:       resp.Data.Username,
		AvatarURL:      resp.Data.ProfileImageURL,
		Raw:            raw,
	}, nil
}

// ValidateToken probes the user endpoint.
func (p *TwitterProvider) ValidateToken(ctx context.Context, accessToken string) Validation {
	return p.probe(ctx, p.FetchUserInfo, accessToken)
}
