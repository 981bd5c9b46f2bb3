package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
)

// TestClient is a browser-like HTTP client acting for one owner. It keeps
// cookies and does not follow redirects so tests can inspect them.
type TestClient struct {
	*http.Client
	BaseURL string
	Owner   string
}

// NewTestClient creates a new test client for owner.
func NewTestClient(baseURL, owner string) *TestClient {
	jar, _ := cookiejar.New(nil)
	return &TestClient{
		Client: &http.Client{
			Jar: jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		BaseURL: baseURL,
		Owner:   owner,
	}
}

// Do sends a request to rawURL, which may be a path on the server or an absolute URL.
func (c *TestClient) Do(method, rawURL string) (*http.Response, error) {
	if strings.HasPrefix(rawURL, "/") {
		rawURL = c.BaseURL + rawURL
	}
	req, err := http.NewRequest(method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if c.Owner != "" {
		req.Header.Set(OwnerHeader, c.Owner)
	}
	return c.Client.Do(req)
}

// Get performs a GET request.
func (c *TestClient) Get(path string) (*http.Response, error) {
	return c.Do(http.MethodGet, path)
}

// Connect runs the browser side of the connect flow: start, follow the
// provider's consent redirect, and land on the callback. It returns the
// callback response.
func (c *TestClient) Connect(provider string) (*http.Response, error) {
	resp, err := c.Get("/connect/" + provider)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	authorizeURL, err := GetRedirectLocation(resp)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	resp, err = c.Do(http.MethodGet, authorizeURL.String())
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	callbackURL, err := GetRedirectLocation(resp)
	if err != nil {
		return nil, fmt.Errorf("authorize: %w", err)
	}

	return c.Do(http.MethodGet, callbackURL.String())
}

// ReadJSON reads the response body as JSON into the given value.
func ReadJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

// ReadBody reads the response body as a string.
func ReadBody(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// GetRedirectLocation extracts the Location header from a redirect response.
func GetRedirectLocation(resp *http.Response) (*url.URL, error) {
	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return nil, fmt.Errorf("expected redirect, got status %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, fmt.Errorf("no Location header in redirect response")
	}
	return resp.Request.URL.Parse(loc)
}
