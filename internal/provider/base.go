package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cruxstack/oauth2-capture/internal/crypto"
	"github.com/cruxstack/oauth2-capture/internal/oautherr"
)

// base carries the configuration and HTTP plumbing shared by every provider.
type base struct {
	config   Config
	client   *client
	scopeSep string
	pkce     bool
}

// newBase validates credentials and fills endpoint defaults.
func newBase(cfg Config, defaults Config) (base, error) {
	if cfg.Name == "" {
		cfg.Name = defaults.Type
	}
	if cfg.Type == "" {
		cfg.Type = defaults.Type
	}
	var missing []string
	if cfg.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if cfg.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if len(missing) > 0 {
		return base{}, oautherr.New(oautherr.KindConfiguration, cfg.Name, "configure",
			strings.Join(missing, ", ")+" required")
	}

	if cfg.AuthURL == "" {
		cfg.AuthURL = defaults.AuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaults.TokenURL
	}
	if cfg.UserURL == "" {
		cfg.UserURL = defaults.UserURL
	}
	if cfg.ValidateURL == "" {
		cfg.ValidateURL = defaults.ValidateURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = defaults.Scopes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}

	return base{config: cfg, client: newClient(cfg), scopeSep: " "}, nil
}

// Name returns the provider identifier (the configured name, not the type).
func (b *base) Name() string {
	return b.config.Name
}

// Type returns the implementation type.
func (b *base) Type() string {
	return b.config.Type
}

// Scopes returns the configured OAuth scopes.
func (b *base) Scopes() []string {
	return b.config.Scopes
}

func (b *base) redirectURI(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if b.config.CallbackURL == "" {
		return "", oautherr.New(oautherr.KindConfiguration, b.config.Name, "authorize", "callback_url required")
	}
	return b.config.CallbackURL, nil
}

// authorization builds the authorization redirect with the common parameters
// plus extra. A PKCE verifier is generated when the provider uses PKCE.
func (b *base) authorization(state, redirectURI string, extra url.Values) (*Authorization, error) {
	if state == "" {
		return nil, oautherr.New(oautherr.KindConfiguration, b.config.Name, "authorize", "state required")
	}
	redirect, err := b.redirectURI(redirectURI)
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"response_type": {"code"},
		"client_id":     {b.config.ClientID},
		"redirect_uri":  {redirect},
		"state":         {state},
	}
	if len(b.config.Scopes) > 0 {
		params.Set("scope", strings.Join(b.config.Scopes, b.scopeSep))
	}
	for k, v := range extra {
		params[k] = v
	}

	auth := &Authorization{State: state, RedirectURI: redirect}
	if b.pkce {
		verifier, challenge, err := crypto.GeneratePKCECodes()
		if err != nil {
			return nil, fmt.Errorf("generating pkce: %w", err)
		}
		params.Set("code_challenge", challenge)
		params.Set("code_challenge_method", "S256")
		auth.CodeVerifier = verifier
	}

	auth.URL = appendQuery(b.config.AuthURL, params)
	return auth, nil
}

// codeForm returns the authorization_code grant parameters.
func (b *base) codeForm(code, redirectURI, codeVerifier string) (url.Values, error) {
	if code == "" {
		return nil, oautherr.New(oautherr.KindRejected, b.config.Name, opExchange, "authorization code missing")
	}
	redirect, err := b.redirectURI(redirectURI)
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirect},
	}
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}
	return form, nil
}

// refreshForm returns the refresh_token grant parameters.
func (b *base) refreshForm(refreshToken string) (url.Values, error) {
	if refreshToken == "" {
		return nil, &oautherr.Error{
			Kind:        oautherr.KindRejected,
			Provider:    b.config.Name,
			Op:          opRefresh,
			Code:        "invalid_grant",
			Description: "no refresh token",
		}
	}
	return url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}, nil
}

// tokenRequest calls the token endpoint. Refresh grants pass retry=true; code
// exchange is never retried because codes are single use.
func (b *base) tokenRequest(ctx context.Context, op, method string, form url.Values, auth clientAuth, retry bool) (*TokenResponse, error) {
	if auth == authInBody {
		form.Set("client_id", b.config.ClientID)
		form.Set("client_secret", b.config.ClientSecret)
	}

	build := func(ctx context.Context) (*http.Request, error) {
		var (
			req *http.Request
			err error
		)
		if method == http.MethodGet {
			req, err = http.NewRequestWithContext(ctx, http.MethodGet, appendQuery(b.config.TokenURL, form), nil)
		} else {
			req, err = http.NewRequestWithContext(ctx, http.MethodPost, b.config.TokenURL, strings.NewReader(form.Encode()))
			if req != nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
		}
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if auth == authBasic {
			req.SetBasicAuth(b.config.ClientID, b.config.ClientSecret)
		}
		return req, nil
	}

	var (
		resp *response
		err  error
	)
	if retry {
		resp, err = b.client.doRetry(ctx, op, build)
	} else {
		req, buildErr := build(ctx)
		if buildErr != nil {
			return nil, buildErr
		}
		resp, err = b.client.do(req, op)
	}
	if err != nil {
		return nil, err
	}
	return b.client.parseToken(op, resp)
}

// probe classifies a token by calling a user-info style endpoint with it.
func (b *base) probe(ctx context.Context, fetch func(context.Context, string) (*Profile, error), accessToken string) Validation {
	_, err := fetch(ctx, accessToken)
	return classifyProbe(err)
}

// classifyProbe maps a user-info error to a Validation. Anything that is not a
// clear 401 rejection is Unknown.
func classifyProbe(err error) Validation {
	if err == nil {
		return ValidationValid
	}
	var oe *oautherr.Error
	if !errors.As(err, &oe) || oe.Kind != oautherr.KindRejected || oe.StatusCode != http.StatusUnauthorized {
		return ValidationUnknown
	}
	if strings.Contains(strings.ToLower(oe.Description), "expired") {
		return ValidationExpired
	}
	return ValidationInvalid
}
