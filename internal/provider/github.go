package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// GitHubDefaultAuthURL is GitHub's OAuth 2.0 authorization endpoint.
	GitHubDefaultAuthURL = "https://github.com/login/oauth/authorize"
	// GitHubDefaultTokenURL is GitHub's OAuth 2.0 token endpoint.
	GitHubDefaultTokenURL = "https://github.com/login/oauth/access_token"
	// GitHubDefaultUserURL is GitHub's user info endpoint.
	GitHubDefaultUserURL = "https://api.github.com/user"
	// GitHubDefaultValidateURL is the OAuth app token check endpoint; the client
	// ID is appended as /{client_id}/token.
	GitHubDefaultValidateURL = "https://api.github.com/applications"
)

// GitHubProvider implements the Provider interface for GitHub OAuth apps and
// GitHub Apps with expiring user tokens.
type GitHubProvider struct {
	base
}

// NewGitHubProvider creates a new GitHub provider.
func NewGitHubProvider(cfg Config) (*GitHubProvider, error) {
	b, err := newBase(cfg, Config{
		Type:        "github",
		AuthURL:     GitHubDefaultAuthURL,
		TokenURL:    GitHubDefaultTokenURL,
		UserURL:     GitHubDefaultUserURL,
		ValidateURL: GitHubDefaultValidateURL,
		Scopes:      []string{"read:user", "user:email"},
	})
	if err != nil {
		return nil, err
	}
	return &GitHubProvider{base: b}, nil
}

// GitHubProviderFactory creates a GitHub provider from config.
func GitHubProviderFactory(cfg Config) (Provider, error) {
	return NewGitHubProvider(cfg)
}

// AuthorizationURL returns the GitHub authorization redirect. GitHub does not
// support PKCE.
func (p *GitHubProvider) AuthorizationURL(state, redirectURI string) (*Authorization, error) {
	return p.authorization(state, redirectURI, nil)
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *GitHubProvider) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	form, err := p.codeForm(code, redirectURI, "")
	if err != nil {
		return nil, err
	}
	tok, err := p.tokenRequest(ctx, opExchange, http.MethodPost, form, authInBody, false)
	if err != nil {
		return nil, err
	}
	tok.Scope = normalizeGitHubScope(tok.Scope)
	return tok, nil
}

// RefreshToken refreshes an expiring GitHub App user token.
func (p *GitHubProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form, err := p.refreshForm(refreshToken)
	if err != nil {
		return nil, err
	}
	tok, err := p.tokenRequest(ctx, opRefresh, http.MethodPost, form, authInBody, true)
	if err != nil {
		return nil, err
	}
	tok.Scope = normalizeGitHubScope(tok.Scope)
	return tok, nil
}

// githubUserResponse represents GitHub's user info response structure.
type githubUserResponse struct {
	ID        int64   `json:"id"`
	Login     string  `json:"login"`
	Name      *string `json:"name"`
	Email     string  `json:"email"`
	AvatarURL string  `json:"avatar_url"`
}

// FetchUserInfo fetches user information from GitHub.
func (p *GitHubProvider) FetchUserInfo(ctx context.Context, accessToken string) (*Profile, error) {
	var user githubUserResponse
	raw, err := p.client.getJSON(ctx, opUserInfo, p.config.UserURL, githubAuth(accessToken), &user)
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, p.client.malformed(opUserInfo, http.StatusOK, fmt.Errorf("user response missing id"))
	}

	id := strconv.FormatInt(user.ID, 10)
	name := ""
	if user.Name != nil {
		name = *user.Name
	}

	profile := &Profile{
		ExternalUserID: id,
		DisplayName:    firstNonEmpty(name, user.Login, id),
		Username:       user.Login,
		Email:          user.Email,
		AvatarURL:      user.AvatarURL,
		Raw:            raw,
	}

	// Private emails are only visible through /user/emails.
	if profile.Email == "" {
		profile.Email = p.fetchPrimaryEmail(ctx, accessToken)
	}
	return profile, nil
}

// fetchPrimaryEmail returns the user's primary email, or the first verified
// one. Failures yield an empty string.
func (p *GitHubProvider) fetchPrimaryEmail(ctx context.Context, accessToken string) string {
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(p.config.UserURL, "/")+"/emails", nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Accept", "application/json")
	githubAuth(accessToken)(req)

	resp, err := p.client.do(req, opUserInfo)
	if err != nil || resp.StatusCode != http.StatusOK {
		return ""
	}
	if err := json.Unmarshal(resp.Body, &emails); err != nil {
		return ""
	}

	for _, e := range emails {
		if e.Primary {
			return e.Email
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email
		}
	}
	return ""
}

// ValidateToken checks the token against the OAuth app token check endpoint,
// authenticated with the client credentials.
func (p *GitHubProvider) ValidateToken(ctx context.Context, accessToken string) Validation {
	body, _ := json.Marshal(map[string]string{"access_token": accessToken})
	endpoint := strings.TrimSuffix(p.config.ValidateURL, "/") + "/" + url.PathEscape(p.config.ClientID) + "/token"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ValidationUnknown
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(p.config.ClientID, p.config.ClientSecret)

	resp, err := p.client.do(req, opValidate)
	if err != nil {
		return ValidationUnknown
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return ValidationValid
	case http.StatusNotFound, http.StatusUnprocessableEntity:
		return ValidationInvalid
	default:
		return ValidationUnknown
	}
}

// githubAuth uses the "token" scheme GitHub documents for OAuth tokens.
func githubAuth(accessToken string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "token "+accessToken)
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	}
}

// normalizeGitHubScope converts GitHub's comma-separated scope list to the
// space-separated form used everywhere else.
func normalizeGitHubScope(scope string) string {
	return strings.Join(strings.FieldsFunc(scope, func(r rune) bool { return r == ',' || r == ' ' }), " ")
}
