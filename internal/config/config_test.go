package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Queue.Concurrency)
	assert.Equal(t, 100, cfg.Queue.StartRatePerMinute)
	assert.Equal(t, 3, cfg.Admission.UserMaxConcurrent)
	assert.Equal(t, 2*time.Hour, cfg.Admission.CounterTTL)
	assert.Equal(t, 10*time.Second, cfg.Admission.DeferDelay)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.Snapshot.Backend)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedrun.toml")
	content := `
[queue]
concurrency = 25

[admission]
user_max_concurrent = 5
defer_delay = "30s"

[database]
driver = "postgres"
dsn = "postgres://localhost/schedrun?sslmode=disable"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Queue.Concurrency)
	assert.Equal(t, 5, cfg.Admission.UserMaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.Admission.DeferDelay)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	// untouched keys keep defaults
	assert.Equal(t, 2*time.Hour, cfg.Admission.CounterTTL)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SCHEDRUN_ADMISSION_USER_MAX_CONCURRENT", "7")

	v, err := New("")
	require.NoError(t, err)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Admission.UserMaxConcurrent)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("snapshot.backend", "s3")

	_, err := LoadWithViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshot.bucket")

	v.Set("snapshot.bucket", "snapshots")
	_, err = LoadWithViper(v)
	require.NoError(t, err)

	v.Set("database.driver", "oracle")
	_, err = LoadWithViper(v)
	assert.Error(t, err)
}
