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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := NewFromViper(NewEmptyViper())

	server, err := cfg.GetServer()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1025", server.ListenAddress)
	assert.Equal(t, 60*time.Second, server.ReadTimeout)
	assert.Equal(t, int64(25<<20), server.MaxMessageBytes)

	relay, err := cfg.GetRelay()
	require.NoError(t, err)
	assert.Equal(t, "localhost:25", relay.Address)
	assert.Equal(t, "none", relay.TLSMode)
	assert.Equal(t, 3, relay.Retry.MaxRetries)
	assert.Equal(t, time.Second, relay.Retry.InitialInterval)

	admin, err := cfg.GetAdmin()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5000", admin.ListenAddress)
	assert.Empty(t, admin.JWTSecret)

	assert.Equal(t, "sqlite", cfg.GetStore().Driver)
	assert.Equal(t, "filesystem", cfg.GetQuarantine().Backend)
	assert.Equal(t, "info", cfg.GetString("logging.level"))
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
relay:
  address: mx.internal:2525
  tls_mode: starttls
  retry:
    max_retries: 5
store:
  driver: postgres
quarantine:
  backend: s3
  s3:
    bucket: archive
jobs:
  retrain_model:
    command: /usr/local/bin/retrain
    args: ["--dataset", "/data/dataset.csv"]
    timeout: 2h
`)
	t.Setenv("PHISHGUARD_ADMIN_JWT_SECRET", "from-env")
	t.Setenv("PHISHGUARD_RELAY_ADDRESS", "relay.env:25")

	cfg, err := Load(path)
	require.NoError(t, err)

	relay, err := cfg.GetRelay()
	require.NoError(t, err)
	assert.Equal(t, "relay.env:25", relay.Address)
	assert.Equal(t, "starttls", relay.TLSMode)
	assert.Equal(t, 5, relay.Retry.MaxRetries)

	admin, err := cfg.GetAdmin()
	require.NoError(t, err)
	assert.Equal(t, "from-env", admin.JWTSecret)

	assert.Equal(t, "postgres", cfg.GetStore().Driver)
	q := cfg.GetQuarantine()
	assert.Equal(t, "s3", q.Backend)
	assert.Equal(t, "archive", q.S3.Bucket)
	assert.Equal(t, "cases", q.S3.Prefix)

	jobs, err := cfg.GetJobs()
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/retrain", jobs.RetrainModel.Command)
	assert.Equal(t, []string{"--dataset", "/data/dataset.csv"}, jobs.RetrainModel.Args)
	assert.Equal(t, 2*time.Hour, jobs.RetrainModel.Timeout)
	assert.Empty(t, jobs.RefreshDataset.Command)
}

func TestInvalidDuration(t *testing.T) {
	cfg, err := Load(writeConfig(t, "relay:\n  timeout: soon\n"))
	require.NoError(t, err)

	_, err = cfg.GetRelay()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay.timeout")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
