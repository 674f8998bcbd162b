package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFromJSONAppliesDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"port": 9090,
		"publicBaseURL": "http://relay.local:9090/",
		"cacheTTL": "30m",
		"fetchRetries": 5,
		"cacheEnabled": false
	}`)

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "http://relay.local:9090", cfg.PublicBaseURL)
	assert.Equal(t, 30*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 5, cfg.FetchRetries)
	assert.False(t, cfg.CacheEnabled)

	// untouched keys fall back to defaults
	assert.Equal(t, 10*time.Second, cfg.FetchTimeout)
	assert.Equal(t, time.Second, cfg.FetchBackoff)
	assert.Equal(t, int64(1024), cfg.CacheMinBytes)
	assert.Equal(t, 3, cfg.FailoverAttempts)
	assert.True(t, cfg.VerifyEnabled)
	assert.Len(t, cfg.OriginFamilies, 2)
}

func TestLoadFromYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
port: 8181
debug: true
fetchTimeout: 3s
originFamilies:
  - name: portal
    hostPatterns: ["Example.COM"]
    headers:
      Origin: https://portal.example.com
`)

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.FetchTimeout)
	require.Len(t, cfg.OriginFamilies, 1)
	assert.Equal(t, []string{"example.com"}, cfg.OriginFamilies[0].HostPatterns)
	assert.Equal(t, "https://portal.example.com", cfg.OriginFamilies[0].Headers["Origin"])
}

func TestLoadFromRejectsBadDuration(t *testing.T) {
	path := writeFile(t, "config.json", `{"cacheTTL": "forever"}`)
	_, err := LoadFrom(path)
	assert.ErrorContains(t, err, "cacheTTL")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("ADMIN_KEY", "s3cret")
	t.Setenv("ACCESS_TOKEN", "tok")

	path := writeFile(t, "config.json", `{"port": 9000}`)
	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "s3cret", cfg.AdminKey)
	assert.Equal(t, "tok", cfg.AccessToken)
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)
	t.Setenv("RELAY_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	cfg := LoadConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "changeme", cfg.AdminKey)
	assert.Same(t, cfg, LoadConfig())
}
