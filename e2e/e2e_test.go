// Package e2e runs the capture server over real HTTP against a mock Twitter
// OAuth 2.0 provider: connect, callback, storage, refresh and management.
//
// Usage:
//
//	go test ./e2e/...
package e2e

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cruxstack/oauth2-capture/e2e/testutil"
	"github.com/cruxstack/oauth2-capture/internal/handler"
)

// newServer starts a capture server for one test.
func newServer(t *testing.T, cfg *testutil.TestServerConfig) *testutil.TestServer {
	t.Helper()
	ts, err := testutil.NewTestServer(cfg)
	require.NoError(t, err, "failed to start test server")
	t.Cleanup(func() { ts.Close() })
	return ts
}

// connect runs the whole connect flow for owner and returns the stored connection.
func connect(t *testing.T, ts *testutil.TestServer, owner string) handler.Connection {
	t.Helper()
	client := testutil.NewTestClient(ts.URL, owner)
	resp, err := client.Connect("twitter")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var conn handler.Connection
	require.NoError(t, testutil.ReadJSON(resp, &conn))
	return conn
}

func listConnections(t *testing.T, client *testutil.TestClient) []handler.Connection {
	t.Helper()
	resp, err := client.Get("/connections")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var conns []handler.Connection
	require.NoError(t, testutil.ReadJSON(resp, &conns))
	return conns
}
