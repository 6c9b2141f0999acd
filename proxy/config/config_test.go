package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	conf := Default()
	assert.Equal(t, ":3000", conf.Listen)
	assert.Equal(t, "https://ollama.com/api", conf.OllamaBaseURL)
	assert.Equal(t, 30*time.Second, conf.ConnectTimeout)
	assert.Equal(t, 300*time.Second, conf.RequestTimeout)
	assert.Equal(t, 2, conf.MaxRetries)
	assert.Equal(t, 60*time.Second, conf.HealthCheckInterval)
	assert.Equal(t, "disabled", conf.IPAccessMode)
	assert.False(t, conf.RateLimit.Global.Enabled)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	conf, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":3000", conf.Listen)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
ollamaBaseUrl: "http://localhost:11434"
maxRetries: 5
connectTimeoutMs: 5000
healthCheckIntervalSeconds: 120
rateLimit:
  ip:
    enabled: true
    max: 50
    windowMs: 30000
initialKeys:
  - sk-seed-key-0001
`), 0o644))

	conf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", conf.Listen)
	assert.Equal(t, "http://localhost:11434", conf.OllamaBaseURL)
	assert.Equal(t, 5, conf.MaxRetries)
	assert.Equal(t, 5*time.Second, conf.ConnectTimeout)
	assert.Equal(t, 120*time.Second, conf.HealthCheckInterval)
	assert.True(t, conf.RateLimit.IP.Enabled)
	assert.Equal(t, 50, conf.RateLimit.IP.MaxRequests)
	assert.Equal(t, []string{"sk-seed-key-0001"}, conf.InitialKeys)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8123")
	t.Setenv("OLLAMA_BASE_URL", "http://env-host:11434")
	t.Setenv("API_TOKEN", "legacy-secret")
	t.Setenv("CONNECT_TIMEOUT", "1500")
	t.Setenv("REQUEST_TIMEOUT", "60000")
	t.Setenv("MAX_RETRIES", "1")
	t.Setenv("HEALTH_CHECK_INTERVAL", "0")
	t.Setenv("RATE_LIMIT_GLOBAL_ENABLED", "true")
	t.Setenv("RATE_LIMIT_GLOBAL_MAX", "77")
	t.Setenv("RATE_LIMIT_GLOBAL_WINDOW", "10000")
	t.Setenv("IP_ACCESS_MODE", "whitelist")
	t.Setenv("IP_WHITELIST", "10.0.0.1, 192.168.0.0/16")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TRUST_PROXY", "true")

	conf, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8123", conf.Listen)
	assert.Equal(t, "http://env-host:11434", conf.OllamaBaseURL)
	assert.Equal(t, "legacy-secret", conf.APIToken)
	assert.Equal(t, 1500*time.Millisecond, conf.ConnectTimeout)
	assert.Equal(t, 60*time.Second, conf.RequestTimeout)
	assert.Equal(t, 1, conf.MaxRetries)
	assert.Equal(t, time.Duration(0), conf.HealthCheckInterval)
	assert.True(t, conf.RateLimit.Global.Enabled)
	assert.Equal(t, 77, conf.RateLimit.Global.MaxRequests)
	assert.Equal(t, int64(10000), conf.RateLimit.Global.WindowMs)
	assert.Equal(t, "whitelist", conf.IPAccessMode)
	assert.Equal(t, []string{"10.0.0.1", "192.168.0.0/16"}, conf.IPWhitelist)
	assert.Equal(t, "debug", conf.LogLevel)
	assert.True(t, conf.TrustProxy)
}

func TestLoad_InvalidAccessMode(t *testing.T) {
	t.Setenv("IP_ACCESS_MODE", "sometimes")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	conf := Default()
	assert.NoError(t, conf.Validate())

	bad := Default()
	bad.MaxRetries = -1
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.ConnectTimeout = 0
	assert.Error(t, bad.Validate())
}
