package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "posthorn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.HeloName)
	assert.Equal(t, uint64(30), cfg.SMTPTimeoutSecs)
	assert.Equal(t, uint64(60), cfg.BaseResendDelaySecs)
	assert.False(t, cfg.RequireTLS)
	require.NotNil(t, cfg.Delivery.Remote)
	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, cfg.Metrics)
}

func TestLoadReadsRelayModeFromYAML(t *testing.T) {
	path := writeYAML(t, `
helo_name: mail.example.com
require_tls: true
delivery:
  mode: relay
  relay:
    host: smtp.relay.test
    port: 587
    use_tls: true
    require_tls: true
    username: bot
    password: secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mail.example.com", cfg.HeloName)
	assert.True(t, cfg.RequireTLS)
	require.NotNil(t, cfg.Delivery.Relay)
	assert.Equal(t, "smtp.relay.test", cfg.Delivery.Relay.Host)
	assert.Equal(t, 587, cfg.Delivery.Relay.Port)
	require.NotNil(t, cfg.Delivery.Relay.Auth)
	assert.Equal(t, "bot", cfg.Delivery.Relay.Auth.Username)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeYAML(t, "helo_name: from-file.test\n")
	t.Setenv("POSTHORN_HELO_NAME", "from-env.test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.test", cfg.HeloName)
}

func TestLoadRejectsUnknownResolver(t *testing.T) {
	path := writeYAML(t, `
delivery:
  mode: remote
  remote:
    resolver: not-a-real-resolver
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsRelayRequireTLSWithoutUseTLS(t *testing.T) {
	path := writeYAML(t, `
delivery:
  mode: relay
  relay:
    host: smtp.relay.test
    port: 587
    require_tls: true
`)

	_, err := Load(path)
	assert.Error(t, err)
}
