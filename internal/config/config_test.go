package config_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/kvasir-sync/internal/config"
)

var configVars = []string{
	"KVASIR_CONFIG", "KVASIR_API_URL", "KVASIR_TOKEN", "KVASIR_PROJECT",
	"KVASIR_TRANSPORT", "KVASIR_DECAY", "KVASIR_CLIENT_TIMEOUT",
	"KVASIR_JOURNAL_PATH", "KVASIR_METRICS_ADDR", "KVASIR_LOG_FILE", "KVASIR_LOG_LEVEL",
}

// isolate clears every config variable and runs in an empty directory so no
// stray .env is picked up.
func isolate(t *testing.T) {
	t.Helper()
	for _, k := range configVars {
		t.Setenv(k, "")
	}
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/api/v1", cfg.APIURL)
	assert.Equal(t, config.TransportSSE, cfg.Transport)
	assert.Equal(t, 5*time.Second, cfg.Decay)
	assert.Equal(t, 30*time.Second, cfg.ClientTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Empty(t, cfg.JournalPath)
}

func TestLoadPrecedence(t *testing.T) {
	isolate(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "kvasir.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_url: https://yaml.example/api
project: from-yaml
transport: ws
decay: 2s
log_level: debug
`), 0o644))
	t.Setenv("KVASIR_CONFIG", path)
	t.Setenv("KVASIR_PROJECT", "from-env")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "https://yaml.example/api", cfg.APIURL)
	assert.Equal(t, "from-env", cfg.Project, "environment wins over the file")
	assert.Equal(t, config.TransportWebSocket, cfg.Transport)
	assert.Equal(t, 2*time.Second, cfg.Decay)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadDotEnv(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile(".env", []byte("KVASIR_TOKEN=secret\nKVASIR_DECAY=750ms\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("KVASIR_TOKEN")
		os.Unsetenv("KVASIR_DECAY")
	})
	// godotenv only fills unset variables.
	os.Unsetenv("KVASIR_TOKEN")
	os.Unsetenv("KVASIR_DECAY")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Token)
	assert.Equal(t, 750*time.Millisecond, cfg.Decay)
}

func TestLoadErrors(t *testing.T) {
	t.Run("bad transport", func(t *testing.T) {
		isolate(t)
		t.Setenv("KVASIR_TRANSPORT", "carrier-pigeon")
		_, err := config.Load()
		assert.ErrorContains(t, err, "unknown transport")
	})
	t.Run("bad duration", func(t *testing.T) {
		isolate(t)
		t.Setenv("KVASIR_DECAY", "soon")
		_, err := config.Load()
		assert.ErrorContains(t, err, "KVASIR_DECAY")
	})
	t.Run("missing file", func(t *testing.T) {
		isolate(t)
		t.Setenv("KVASIR_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
		_, err := config.Load()
		assert.Error(t, err)
	})
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := config.SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("channel opened", "key", "jobs/integration")

	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), "key=jobs/integration")
	assert.Contains(t, file.String(), `"key":"jobs/integration"`)
}
