package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfigFile(t, `
addr: ":9090"
database_url: "postgres://file/db"
bank:
  endpoint: "http://bank:5515"
log:
  endpoint: "http://logger:5516"
debug: true
`)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("BANK_APP_ID", "bank-app")
	t.Setenv("LOG_APP_ID", "log-app")
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "postgres://file/db", cfg.DatabaseURL)
	assert.Equal(t, "http://bank:5515", cfg.Bank.Endpoint)
	assert.Equal(t, "bank-app", cfg.Bank.AppID)
	assert.Equal(t, "http://logger:5516", cfg.Log.Endpoint)
	assert.Equal(t, "log-app", cfg.Log.AppID)
	assert.Equal(t, "secret", cfg.JWTSecret)
	assert.True(t, cfg.Debug)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `database_url: "postgres://file/db"`)
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/db", cfg.DatabaseURL)
	// addr falls back to the default when the file omits it
	assert.Equal(t, ":8080", cfg.Addr)
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "secret")
	path := writeConfigFile(t, `addr: ":9090"`)
	_, err := Load(path)
	assert.Error(t, err)

	t.Setenv("JWT_SECRET", "")
	path = writeConfigFile(t, `database_url: "postgres://file/db"`)
	_, err = Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
