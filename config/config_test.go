package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
environment: development
log_level: debug
poll_interval: 2s
update_retry:
  attempts: 3
  delay: 1s
storage:
  local_root: /srv/case-data
  drives:
    vol1: /mnt/vol1
profiles:
  development:
    protocol: http
    ips: [10.1.1.1, 10.1.1.2]
    port: 8081
    system_path: /lab/
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.RPCTimeout)
	assert.Equal(t, 3, cfg.UpdateRetry.Attempts)
	assert.Equal(t, time.Second, cfg.UpdateRetry.Delay)
	assert.Equal(t, "storage_sapi_nao_apagar.txt", cfg.Storage.Marker)
	assert.Equal(t, "/mnt/vol1", cfg.Storage.Drives["vol1"])
	assert.Equal(t, IsolationPool, cfg.Isolation)
	assert.NotEmpty(t, cfg.AgentID)

	p := cfg.Profile()
	assert.Equal(t, []string{"10.1.1.1", "10.1.1.2"}, p.IPs)
	assert.Equal(t, "http://10.1.1.2:8081/lab", p.BaseURL(p.IPs[1]))
	assert.False(t, p.Insecure)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FAGENT_POLL_INTERVAL", "9s")
	t.Setenv("FAGENT_INSECURE_TLS", "true")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 9*time.Second, cfg.PollInterval)
	assert.True(t, cfg.Profile().Insecure)
}

func TestLoadRejectsProductionWithoutIPs(t *testing.T) {
	_, err := Load(writeConfig(t, "environment: production\n"))
	assert.Error(t, err)
}

func TestPollDelay(t *testing.T) {
	cfg := &Config{PollInterval: 5 * time.Second}
	assert.Equal(t, 5*time.Second, cfg.PollDelay())
	cfg.Instantaneous = true
	assert.Zero(t, cfg.PollDelay())
}

func TestProfileIsCopy(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	p := cfg.Profile()
	cfg.Profiles[EnvDevelopment].IPs[0] = "changed"
	assert.Equal(t, "10.1.1.1", p.IPs[0])
}
