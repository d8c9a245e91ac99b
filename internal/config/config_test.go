package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "dir", cfg.ArchiveBackend)
	assert.Equal(t, "keep", cfg.Dangling)
	assert.Equal(t, ":7002", cfg.HTTPAddr)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Empty(t, cfg.ControlAddr)
	assert.Equal(t, 100, cfg.ControlMaxConns)
	assert.Nil(t, cfg.EnabledModules())
	assert.Equal(t, filepath.Join("data", "snapshots"), cfg.ArchivePath())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("CELERIX_STORE", "sqlite")
	t.Setenv("CELERIX_DATA_DIR", "/var/lib/celerix")
	t.Setenv("CELERIX_MODULES", "content,loans")
	t.Setenv("CELERIX_ARCHIVE", "badger")
	t.Setenv("CELERIX_ARCHIVE_DIR", "/srv/archive")
	t.Setenv("CELERIX_LOG_FORMAT", "json")
	t.Setenv("CELERIX_SHUTDOWN_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store)
	assert.Equal(t, []string{"content", "loans"}, cfg.EnabledModules())
	assert.Equal(t, "/srv/archive", cfg.ArchivePath())
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
}

func TestLoad_Rejects(t *testing.T) {
	tests := map[string]map[string]string{
		"store":            {"CELERIX_STORE": "postgres"},
		"dangling":         {"CELERIX_DANGLING": "purge"},
		"log level":        {"CELERIX_LOG_LEVEL": "trace"},
		"seal without pw":  {"CELERIX_SEAL_EXPORTS": "true"},
		"bad duration":     {"CELERIX_SHUTDOWN_TIMEOUT": "soon"},
		"cert without key": {"CELERIX_CONTROL_TLS_CERT": "/etc/celerix/cert.pem"},
		"no control conns": {"CELERIX_CONTROL_MAX_CONNS": "0"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoad_SealWithPassphrase(t *testing.T) {
	t.Setenv("CELERIX_SEAL_EXPORTS", "true")
	t.Setenv("CELERIX_SEAL_PASSPHRASE", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.SealExports)
}
