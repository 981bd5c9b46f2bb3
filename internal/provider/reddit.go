package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

const (
	// RedditDefaultAuthURL is Reddit's OAuth 2.0 authorization endpoint.
	RedditDefaultAuthURL = "https://www.reddit.com/api/v1/authorize"
	// RedditDefaultTokenURL is Reddit's OAuth 2.0 token endpoint.
	RedditDefaultTokenURL = "https://www.reddit.com/api/v1/access_token"
	// RedditDefaultUserURL is Reddit's identity endpoint; it lives on the oauth host.
	RedditDefaultUserURL = "https://oauth.reddit.com/api/v1/me"
	// RedditDefaultUserAgent is sent when no user agent is configured. Reddit
	// throttles requests with generic agents.
	RedditDefaultUserAgent = "oauth2-capture/1.0"
)

// RedditProvider implements the Provider interface for Reddit.
type RedditProvider struct {
	base
}

// NewRedditProvider creates a new Reddit provider.
func NewRedditProvider(cfg Config) (*RedditProvider, error) {
	b, err := newBase(cfg, Config{
		Type:      "reddit",
		AuthURL:   RedditDefaultAuthURL,
		TokenURL:  RedditDefaultTokenURL,
		UserURL:   RedditDefaultUserURL,
		Scopes:    []string{"identity"},
		UserAgent: RedditDefaultUserAgent,
	})
	if err != nil {
		return nil, err
	}
	return &RedditProvider{base: b}, nil
}

// RedditProviderFactory creates a Reddit provider from config.
func RedditProviderFactory(cfg Config) (Provider, error) {
	return NewRedditProvider(cfg)
}

// AuthorizationURL returns the Reddit authorization redirect. duration=permanent
// is what makes Reddit issue a refresh token.
func (p *RedditProvider) AuthorizationURL(state, redirectURI string) (*Authorization, error) {
	return p.authorization(state, redirectURI, url.Values{"duration": {"permanent"}})
}

// ExchangeCode exchanges an authorization code for tokens. Credentials go only
// in the Basic header; Reddit may answer 403 when they also appear in the body.
func (p *RedditProvider) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	form, err := p.codeForm(code, redirectURI, "")
	if err != nil {
		return nil, err
	}
	return p.tokenRequest(ctx, opExchange, http.MethodPost, form, authBasic, false)
}

// RefreshToken exchanges a refresh token with a minimal body.
func (p *RedditProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form, err := p.refreshForm(refreshToken)
	if err != nil {
		return nil, err
	}
	return p.tokenRequest(ctx, opRefresh, http.MethodPost, form, authBasic, true)
}

type redditUserResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IconImg   string `json:"icon_img"`
	Subreddit *struct {
		Title string `json:"title"`
	} `json:"subreddit"`
}

// FetchUserInfo fetches the Reddit identity. The display name prefers the
// profile title over the account name.
func (p *RedditProvider) FetchUserInfo(ctx context.Context, accessToken string) (*Profile, error) {
	var user redditUserResponse
	raw, err := p.client.getJSON(ctx, opUserInfo, p.config.UserURL, bearer(accessToken), &user)
	if err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, p.client.malformed(opUserInfo, http.StatusOK, fmt.Errorf("user response missing id"))
	}

	title := ""
	if user.Subreddit != nil {
		title = user.Subreddit.Title
	}
	return &Profile{
		ExternalUserID: user.ID,
		DisplayName:    firstNonEmpty(title, user.Name, user.ID),
		Username:       user.Name,
		AvatarURL:      user.IconImg,
		Raw:            raw,
	}, nil
}

// ValidateToken probes the identity endpoint.
func (p *RedditProvider) ValidateToken(ctx context.Context, accessToken string) Validation {
	return p.probe(ctx, p.FetchUserInfo, accessToken)
}
