package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cruxstack/oauth2-capture/internal/metrics"
	"github.com/cruxstack/oauth2-capture/internal/oautherr"
)

// DefaultTimeout bounds every outbound provider call.
const DefaultTimeout = 10 * time.Second

// maxBodyBytes caps how much of a provider response is read.
const maxBodyBytes = 1 << 20

// Operation names used in errors and metrics.
const (
	opExchange = "exchange"
	opRefresh  = "refresh"
	opUserInfo = "userinfo"
	opValidate = "validate"
)

// clientAuth selects how client credentials are sent to the token endpoint.
type clientAuth int

const (
	authInBody clientAuth = iota // client_id and client_secret form parameters
	authBasic                    // HTTP Basic with client_id:client_secret
)

// client performs provider HTTP calls and translates failures into the oautherr taxonomy.
type client struct {
	provider  string
	http      *http.Client
	userAgent string
	retry     RetryPolicy
	sleep     sleepFunc
}

func newClient(cfg Config) *client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &client{
		provider:  cfg.Name,
		http:      hc,
		userAgent: cfg.UserAgent,
		retry:     cfg.Retry.withDefaults(),
		sleep:     sleepContext,
	}
}

// response is a fully-read provider response.
type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// do sends a single request. Only transport failures return an error; any
// HTTP status is returned as a response.
func (c *client) do(req *http.Request, op string) (*response, error) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ProviderLatency.WithLabelValues(c.provider, op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(c.provider, op, "transport_error").Inc()
		return nil, oautherr.Wrap(oautherr.KindTransport, c.provider, op, fmt.Errorf("making request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(c.provider, op, "transport_error").Inc()
		return nil, oautherr.Wrap(oautherr.KindTransport, c.provider, op, fmt.Errorf("reading response: %w", err))
	}
	metrics.ProviderRequests.WithLabelValues(c.provider, op, strconv.Itoa(resp.StatusCode/100)+"xx").Inc()

	return &response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// doRetry sends the request built by build, retrying transport failures, 429
// and 5xx with capped exponential backoff. The last response or error is returned.
func (c *client) doRetry(ctx context.Context, op string, build func(context.Context) (*http.Request, error)) (*response, error) {
	var (
		resp *response
		err  error
	)
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		req, buildErr := build(ctx)
		if buildErr != nil {
			return nil, buildErr
		}
		resp, err = c.do(req, op)
		if !shouldRetry(resp, err) || ctx.Err() != nil || attempt == c.retry.MaxAttempts-1 {
			break
		}

		var header http.Header
		if resp != nil {
			header = resp.Header
		}
		if c.sleep(ctx, c.retry.delay(attempt, header)) != nil {
			break
		}
	}
	return resp, err
}

func shouldRetry(resp *response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
}

// statusError classifies a non-success response. 429 and 5xx are transient.
func (c *client) statusError(op string, status int, code, description string) error {
	kind := oautherr.KindRejected
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		kind = oautherr.KindTransport
	}
	return &oautherr.Error{
		Kind:        kind,
		Provider:    c.provider,
		Op:          op,
		Code:        code,
		Description: description,
		StatusCode:  status,
	}
}

func (c *client) malformed(op string, status int, err error) error {
	return &oautherr.Error{
		Kind:        oautherr.KindTransport,
		Provider:    c.provider,
		Op:          op,
		Description: "malformed response",
		StatusCode:  status,
		Err:         err,
	}
}

// rawTokenResponse is the union of token endpoint fields across providers.
type rawTokenResponse struct {
	AccessToken           string          `json:"access_token"`
	TokenType             string          `json:"token_type"`
	ExpiresIn             seconds         `json:"expires_in"`
	RefreshToken          string          `json:"refresh_token"`
	RefreshTokenExpiresIn seconds         `json:"refresh_token_expires_in"`
	Scope                 string          `json:"scope"`
	IDToken               string          `json:"id_token"`
	Error                 oauthErrorField `json:"error"`
	ErrorDescription      string          `json:"error_description"`
}

// parseToken normalizes a token endpoint response. An OAuth error body is a
// rejection even on HTTP 200 (GitHub reports errors that way).
func (c *client) parseToken(op string, resp *response) (*TokenResponse, error) {
	var raw rawTokenResponse
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return nil, c.statusError(op, resp.StatusCode, "", "")
		}
		return nil, c.malformed(op, resp.StatusCode, err)
	}

	if raw.Error.Code != "" || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.statusError(op, resp.StatusCode, raw.Error.Code,
			firstNonEmpty(raw.ErrorDescription, raw.Error.Description))
	}

	if raw.AccessToken == "" {
		return nil, c.malformed(op, resp.StatusCode, errors.New("token response missing access_token"))
	}

	return &TokenResponse{
		AccessToken:           raw.AccessToken,
		TokenType:             raw.TokenType,
		ExpiresIn:             int64(raw.ExpiresIn),
		RefreshToken:          raw.RefreshToken,
		RefreshTokenExpiresIn: int64(raw.RefreshTokenExpiresIn),
		Scope:                 raw.Scope,
		IDToken:               raw.IDToken,
	}, nil
}

// getJSON performs an authenticated GET and decodes the body into out. The
// raw body is also returned as a map for the profile snapshot.
func (c *client) getJSON(ctx context.Context, op, endpoint string, authorize func(*http.Request), out any) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if authorize != nil {
		authorize(req)
	}

	resp, err := c.do(req, op)
	if err != nil {
		return nil, err
	}
	return c.decodeJSON(op, resp, out)
}

func (c *client) decodeJSON(op string, resp *response, out any) (map[string]any, error) {
	if resp.StatusCode != http.StatusOK {
		code := ""
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			code = "invalid_token"
		}
		return nil, c.statusError(op, resp.StatusCode, code, snippet(resp.Body))
	}

	if err := json.Unmarshal(resp.Body, out); err != nil {
		return nil, c.malformed(op, resp.StatusCode, err)
	}
	raw := map[string]any{}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, c.malformed(op, resp.StatusCode, err)
	}
	return raw, nil
}

func bearer(token string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// snippet returns a short, single-line prefix of a response body for diagnostics.
func snippet(body []byte) string {
	s := strings.Join(strings.Fields(string(body)), " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func appendQuery(endpoint string, params url.Values) string {
	if strings.Contains(endpoint, "?") {
		return endpoint + "&" + params.Encode()
	}
	return endpoint + "?" + params.Encode()
}

// seconds decodes an expiry reported as a JSON number or a numeric string.
type seconds int64

func (s *seconds) UnmarshalJSON(b []byte) error {
	str := strings.Trim(string(b), `"`)
	if str == "" || str == "null" {
		*s = 0
		return nil
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return fmt.Errorf("parsing seconds %q: %w", str, err)
	}
	*s = seconds(f)
	return nil
}

// oauthErrorField decodes the "error" member, which is a string for RFC 6749
// providers, an object for Facebook and a number for some Reddit endpoints.
type oauthErrorField struct {
	Code        string
	Description string
	Subcode     int
}

func (e *oauthErrorField) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		return nil
	case b[0] == '"':
		return json.Unmarshal(b, &e.Code)
	case b[0] == '{':
		var obj struct {
			Message string          `json:"message"`
			Type    string          `json:"type"`
			Code    json.RawMessage `json:"code"`
			Subcode int             `json:"error_subcode"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		e.Code = firstNonEmpty(strings.Trim(string(obj.Code), `"`), obj.Type)
		e.Description = obj.Message
		e.Subcode = obj.Subcode
		return nil
	default:
		e.Code = string(b)
		return nil
	}
}
