package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", "/home/editor")

	cfg, err := Load(writeConfig(t, `
minio:
  endpoint: localhost:9000
  bucket: media
`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8765", cfg.Addr)
	assert.Equal(t, filepath.Join("/home/editor", ".framesync", "processing"), cfg.ProcessingRoot)
	assert.Equal(t, filepath.Join("/home/editor", ".framesync", "state"), cfg.Store.LocalDir)
	assert.Equal(t, 2*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 3, cfg.Upload.MaxRetries)
	assert.Equal(t, time.Second, cfg.Upload.RetryBaseDelay)
	assert.True(t, cfg.Upload.Preempt())
	assert.Equal(t, 12*time.Minute, cfg.Credentials.RefreshInterval)
	assert.Equal(t, time.Second, cfg.Credentials.RefreshCooldown)
	assert.Equal(t, StoreLocal, cfg.Store.Backend)
	assert.Equal(t, "framesync.submissions", cfg.NATS.Subject)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
addr: ":9000"
processing_root: /data/processing
reconcile_interval: 500ms
upload:
  max_retries: 5
  retry_base_delay: 250ms
  preempt_active: false
store:
  backend: redis
  local_dir: /data/state
redis:
  addr: localhost:6379
minio:
  endpoint: localhost:9000
  bucket: media
  credentials_source: sts_assume_role
  sts_endpoint: http://localhost:9000
`))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "/data/processing", cfg.ProcessingRoot)
	assert.Equal(t, 500*time.Millisecond, cfg.ReconcileInterval)
	assert.Equal(t, 5, cfg.Upload.MaxRetries)
	assert.False(t, cfg.Upload.Preempt())
	assert.Equal(t, StoreRedis, cfg.Store.Backend)
	assert.Equal(t, "sts_assume_role", cfg.MinIO.CredentialsSource)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing endpoint",
			body: "minio:\n  bucket: media\n",
			want: "minio.endpoint",
		},
		{
			name: "redis without addr",
			body: "store:\n  backend: redis\nminio:\n  endpoint: x\n  bucket: media\n",
			want: "redis.addr",
		},
		{
			name: "unknown backend",
			body: "store:\n  backend: etcd\nminio:\n  endpoint: x\n  bucket: media\n",
			want: "etcd",
		},
		{
			name: "cooldown above interval",
			body: "credentials:\n  refresh_interval: 1s\n  refresh_cooldown: 2s\nminio:\n  endpoint: x\n  bucket: media\n",
			want: "refresh_cooldown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
