// ABOUTME: Tests for configuration loading
// ABOUTME: Verifies YAML parsing, env expansion, durations, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roomkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_chain_depth: 2
  process_timeout: 45s
  identity_timeout: 5s
  lock_registry_size: 512
  max_concurrent_pipelines: 64
  identity_channel_types: [sms, email]
dedupe:
  max_size: 10000
  ttl: 10m
realtime:
  kind: nats
  nats:
    url: nats://localhost:4222
    subject_prefix: myapp.realtime
metrics:
  enabled: true
logging:
  level: debug
  format: json
channels:
  sms-main:
    failure_threshold: 5
    recovery_time: 1m
    rate_limit:
      max_per_minute: 30
    retry:
      max_retries: 4
      base_delay: 250ms
      max_delay: 30s
      exponential_base: 2.0
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Engine.MaxChainDepth)
	assert.Equal(t, 45*time.Second, cfg.Engine.ProcessTimeout)
	assert.Equal(t, 5*time.Second, cfg.Engine.IdentityTimeout)
	assert.Equal(t, []string{"sms", "email"}, cfg.Engine.IdentityChannelTypes)
	assert.Equal(t, 10*time.Minute, cfg.Dedupe.TTL)
	assert.Equal(t, "nats", cfg.Realtime.Kind)
	assert.Equal(t, "myapp.realtime", cfg.Realtime.NATS.SubjectPrefix)
	assert.True(t, cfg.Metrics.Enabled)

	ch := cfg.Channels["sms-main"]
	assert.Equal(t, time.Minute, ch.RecoveryTime)
	assert.Equal(t, 30, ch.RateLimit.MaxPerMinute)
	assert.Equal(t, 250*time.Millisecond, ch.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, ch.Retry.MaxDelay)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("ROOMKIT_TEST_NATS_URL", "nats://prod:4222")
	path := writeConfig(t, `
realtime:
  kind: nats
  nats:
    url: ${ROOMKIT_TEST_NATS_URL}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://prod:4222", cfg.Realtime.NATS.URL)
}

func TestLoad_RejectsBadDurations(t *testing.T) {
	path := writeConfig(t, `
engine:
  process_timeout: soon
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownRealtimeKind(t *testing.T) {
	path := writeConfig(t, `
realtime:
  kind: carrier-pigeon
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsNATSWithoutURL(t *testing.T) {
	path := writeConfig(t, `
realtime:
  kind: nats
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsMultipleRateWindows(t *testing.T) {
	path := writeConfig(t, `
channels:
  sms-main:
    rate_limit:
      max_per_second: 1
      max_per_minute: 30
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/roomkit.yaml")
	assert.Error(t, err)
}
