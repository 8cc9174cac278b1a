package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "default", cfg.CurrentProfile)
	assert.NotNil(t, cfg.Profiles)
	assert.Empty(t, cfg.Profiles)
	assert.Equal(t, DefaultBrokerURL, cfg.Profile("").BrokerURL)
}

func TestLoad_NoConfigFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.CurrentProfile)
	assert.Empty(t, cfg.Profiles)
}

func TestLoad_WithConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `current_profile: staging
profiles:
  staging:
    broker_url: https://inbox.staging.example.com
    inboxes:
      0190a1b2-inbox:
        name: deploys
        public_key: pk_abc
        private_secret: sk_def
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0600))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.CurrentProfile)
	assert.Equal(t, "https://inbox.staging.example.com", cfg.Profile("").BrokerURL)

	creds, err := cfg.Inbox("", "0190a1b2-inbox")
	require.NoError(t, err)
	assert.Equal(t, "deploys", creds.Name)
	assert.Equal(t, "pk_abc", creds.PublicKey)
	assert.Equal(t, "sk_def", creds.PrivateSecret)
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("profiles: [unclosed"), 0600))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestSaveInbox_RoundTrip(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.SetBrokerURL("local", "http://127.0.0.1:9000"))
	require.NoError(t, cfg.SaveInbox("local", "inbox-1", &InboxCreds{PublicKey: "pk_1", PrivateSecret: "sk_1"}))

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reloaded, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "local", reloaded.CurrentProfile)
	assert.Equal(t, "http://127.0.0.1:9000", reloaded.Profile("local").BrokerURL)

	creds, err := reloaded.Inbox("local", "inbox-1")
	require.NoError(t, err)
	assert.Equal(t, "sk_1", creds.PrivateSecret)

	require.NoError(t, reloaded.RemoveInbox("local", "inbox-1"))
	_, err = reloaded.Inbox("local", "inbox-1")
	assert.Error(t, err)
	assert.Error(t, reloaded.RemoveInbox("local", "inbox-1"))
}

func TestProfile_Missing(t *testing.T) {
	cfg := Default()
	p := cfg.Profile("nope")
	assert.Equal(t, DefaultBrokerURL, p.BrokerURL)
	_, err := cfg.Inbox("nope", "x")
	assert.Error(t, err)
}
