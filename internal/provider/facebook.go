package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/cruxstack/oauth2-capture/internal/oautherr"
)

const (
	// FacebookDefaultAuthURL is Facebook's OAuth dialog.
	FacebookDefaultAuthURL = "https://www.facebook.com/v19.0/dialog/oauth"
	// FacebookDefaultTokenURL is the Graph API token endpoint.
	FacebookDefaultTokenURL = "https://graph.facebook.com/v19.0/oauth/access_token"
	// FacebookDefaultUserURL is the Graph API "me" node.
	FacebookDefaultUserURL = "https://graph.facebook.com/v19.0/me"
	// FacebookDefaultValidateURL is the Graph API token debugger.
	FacebookDefaultValidateURL = "https://graph.facebook.com/v19.0/debug_token"
)

// Graph API error codes and subcodes used for classification.
const (
	fbCodeInvalidToken    = "190"
	fbSubcodeExpired      = 463
	fbSubcodeNotAuthed    = 458
	fbSubcodeSessionReset = 460
)

// FacebookProvider implements the Provider interface for Facebook Login.
//
// Facebook issues no refresh token. The long-lived access token obtained at
// exchange time is also returned as the refresh credential, and RefreshToken
// re-exchanges it with grant_type=fb_exchange_token.
type FacebookProvider struct {
	base
}

// NewFacebookProvider creates a new Facebook provider.
func NewFacebookProvider(cfg Config) (*FacebookProvider, error) {
	b, err := newBase(cfg, Config{
		Type:        "facebook",
		AuthURL:     FacebookDefaultAuthURL,
		TokenURL:    FacebookDefaultTokenURL,
		UserURL:     FacebookDefaultUserURL,
		ValidateURL: FacebookDefaultValidateURL,
		Scopes:      []string{"public_profile", "email"},
	})
	if err != nil {
		return nil, err
	}
	b.scopeSep = ","
	return &FacebookProvider{base: b}, nil
}

// FacebookProviderFactory creates a Facebook provider from config.
func FacebookProviderFactory(cfg Config) (Provider, error) {
	return NewFacebookProvider(cfg)
}

// AuthorizationURL returns the Facebook login dialog redirect.
func (p *FacebookProvider) AuthorizationURL(state, redirectURI string) (*Authorization, error) {
	return p.authorization(state, redirectURI, nil)
}

// ExchangeCode exchanges the code with a GET request, then upgrades the
// short-lived token to a long-lived one. If the upgrade fails the short-lived
// token is kept.
func (p *FacebookProvider) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	form, err := p.codeForm(code, redirectURI, "")
	if err != nil {
		return nil, err
	}
	form.Del("grant_type")
	short, err := p.tokenRequest(ctx, opExchange, http.MethodGet, form, authInBody, false)
	if err != nil {
		return nil, facebookError(err)
	}

	long, err := p.exchangeLongLived(ctx, opExchange, short.AccessToken, false)
	if err != nil {
		short.RefreshToken = short.AccessToken
		return short, nil
	}
	return long, nil
}

// RefreshToken re-exchanges a long-lived token for a fresh one.
func (p *FacebookProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if _, err := p.refreshForm(refreshToken); err != nil {
		return nil, err
	}
	tok, err := p.exchangeLongLived(ctx, opRefresh, refreshToken, true)
	if err != nil {
		return nil, facebookError(err)
	}
	return tok, nil
}

func (p *FacebookProvider) exchangeLongLived(ctx context.Context, op, token string, retry bool) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":        {"fb_exchange_token"},
		"fb_exchange_token": {token},
	}
	tok, err := p.tokenRequest(ctx, op, http.MethodGet, form, authInBody, retry)
	if err != nil {
		return nil, err
	}
	tok.RefreshToken = tok.AccessToken
	return tok, nil
}

// facebookError maps Graph error 190 (invalid OAuth token) onto invalid_grant.
func facebookError(err error) error {
	var oe *oautherr.Error
	if errors.As(err, &oe) && oe.Kind == oautherr.KindRejected && oe.Code == fbCodeInvalidToken {
		oe.Code = "invalid_grant"
	}
	return err
}

type facebookUserResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	} `json:"picture"`
}

// FetchUserInfo fetches the "me" node with the profile picture URL.
func (p *FacebookProvider) FetchUserInfo(ctx context.Context, accessToken string) (*Profile, error) {
	endpoint := appendQuery(p.config.UserURL, url.Values{"fields": {"id,name,email,picture"}})

	var user facebookUserResponse
	raw, err := p.client.getJSON(ctx, opUserInfo, endpoint, bearer(accessToken), &user)
	if err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, p.client.malformed(opUserInfo, http.StatusOK, fmt.Errorf("user response missing id"))
	}

	return &Profile{
		ExternalUserID: user.ID,
		DisplayName:    firstNonEmpty(user.Name, user.ID),
		Email:          user.Email,
		AvatarURL:      user.Picture.Data.URL,
		Raw:            raw,
	}, nil
}

// ValidateToken inspects the token with debug_token using the app access token.
func (p *FacebookProvider) ValidateToken(ctx context.Context, accessToken string) Validation {
	endpoint := appendQuery(p.config.ValidateURL, url.Values{
		"input_token":  {accessToken},
		"access_token": {p.config.ClientID + "|" + p.config.ClientSecret},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ValidationUnknown
	}
	resp, err := p.client.do(req, opValidate)
	if err != nil || resp.StatusCode != http.StatusOK {
		return ValidationUnknown
	}

	var result struct {
		Data struct {
			IsValid bool `json:"is_valid"`
			Error   *struct {
				Code    int `json:"code"`
				Subcode int `json:"subcode"`
			} `json:"error"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return ValidationUnknown
	}

	if result.Data.IsValid {
		return ValidationValid
	}
	if result.Data.Error != nil {
		switch result.Data.Error.Subcode {
		case fbSubcodeExpired:
			return ValidationExpired
		case fbSubcodeNotAuthed, fbSubcodeSessionReset:
			return ValidationRevoked
		}
	}
	return ValidationInvalid
}
