package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruxstack/oauth2-capture/internal/store"
)

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(`
APP_SESSION_SECRET=file-secret
APP_BASE_URL=https://capture.example.com/
APP_DATABASE_DRIVER=sqlite
APP_DATABASE_DSN=/tmp/tokens.db
APP_SWEEP_INTERVAL=5m
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"), []byte(`
APP_OWNERSHIP_POLICY=reject
`), 0o600))

	t.Setenv("APP_SESSION_SECRET", "env-secret")
	t.Setenv("APP_PROVIDERS", `[{"name":"github","client_id":"id","client_secret":"secret"},{"name":"google-work","type":"google","client_id":"gid","client_secret":"gsecret","callback_url":"https://other.example.com/cb"}]`)
	t.Setenv("APP_HTTP_TIMEOUT", "3s")
	t.Setenv("APP_REFRESH_MAX_ATTEMPTS", "2")
	t.Setenv("PORT", "8080")

	cfg, err := LoadFromPath(dir)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "env-secret", cfg.SessionSecret, "environment overrides files")
	assert.Equal(t, "https://capture.example.com", cfg.BaseURL)
	assert.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	assert.Equal(t, store.PolicyReject, cfg.OwnershipPolicy)
	assert.Equal(t, DefaultOwnerHeader, cfg.OwnerHeader)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 3*time.Second, cfg.HTTPTimeout)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "github", cfg.Providers[0].Type)
	assert.Equal(t, "https://capture.example.com/connect/github/callback", cfg.Providers[0].CallbackURL)
	assert.Equal(t, "google", cfg.Providers[1].Type)
	assert.Equal(t, "https://other.example.com/cb", cfg.Providers[1].CallbackURL)

	pcs := cfg.ProviderConfigs()
	require.Len(t, pcs, 2)
	assert.Equal(t, 2, pcs[0].Retry.MaxAttempts)
	assert.Equal(t, 3*time.Second, pcs[0].HTTPClient.Timeout)
}

func TestValidateListsEveryMissingKey(t *testing.T) {
	cfg := &Config{
		DatabaseDriver:         DriverPostgres,
		StateRedisStoreEnabled: true,
		Providers:              []ProviderConfig{{Name: "github"}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, key := range []string{
		"APP_SESSION_SECRET",
		"APP_PROVIDERS[github].client_id",
		"APP_PROVIDERS[github].client_secret",
		"APP_PROVIDERS[github].callback_url or APP_BASE_URL",
		"APP_DATABASE_DSN",
		"APP_REDIS_HOST",
	} {
		assert.Contains(t, err.Error(), key)
	}

	cfg = &Config{SessionSecret: "s", DatabaseDriver: "mongo", Providers: []ProviderConfig{{Name: "x", ClientID: "a", ClientSecret: "b", CallbackURL: "c"}}}
	assert.ErrorContains(t, cfg.Validate(), `unknown database driver "mongo"`)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("APP_OWNERSHIP_POLICY", "steal")
	_, err := LoadFromPath(t.TempDir())
	assert.ErrorContains(t, err, "unknown ownership policy")

	t.Setenv("APP_OWNERSHIP_POLICY", "")
	t.Setenv("APP_SWEEP_WINDOW", "soon")
	_, err = LoadFromPath(t.TempDir())
	assert.ErrorContains(t, err, "sweep.window")

	t.Setenv("APP_SWEEP_WINDOW", "")
	t.Setenv("APP_PROVIDERS", "{not json")
	_, err = LoadFromPath(t.TempDir())
	assert.ErrorContains(t, err, "parsing providers JSON")
}
