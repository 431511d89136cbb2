package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "GOOGLE_CLOUD_PROJECT", "FIRESTORE_DATABASE",
		"LINE_CHANNEL_TOKEN", "LINE_CHANNEL_SECRET",
		"LISTSYNC_BACKEND", "LISTSYNC_JWT_SECRET", "LISTSYNC_LOG_LEVEL", "LISTSYNC_LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.False(t, cfg.LineEnabled())
	assert.EqualError(t, cfg.Validate(), "GOOGLE_CLOUD_PROJECT environment variable is required")
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "listsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9090"
backend: memory
log_level: debug
jwt_secret: from-file
`), 0o600))
	t.Setenv("LISTSYNC_JWT_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "from-env", cfg.JWTSecret)
	assert.NoError(t, cfg.Validate())
}

func TestLoadBadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [1, 2"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.ProjectID = "demo"
	assert.NoError(t, cfg.Validate())

	cfg.LineChannelToken = "token"
	assert.Error(t, cfg.Validate())
	cfg.LineChannelSecret = "secret"
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.LineEnabled())

	cfg.Backend = "sqlite"
	assert.Error(t, cfg.Validate())
}
