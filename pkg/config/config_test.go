package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmenZhou/shelfsync/internal/bytesize"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
library:
  root: /srv/library
target:
  base_url: https://shelf.example.com
worker:
  progress_dir: /srv/library
supervisor:
  progress_dir: /srv/library
`

func TestLoad_MinimalFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "/srv/library", cfg.Library.Root)
	assert.Equal(t, filepath.Join("/srv/library", "metadata.db"), cfg.Library.CatalogPath)
	assert.Equal(t, "https://shelf.example.com", cfg.Target.BaseURL)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, 1000, cfg.Worker.BatchSize)
	assert.Equal(t, 60*time.Second, cfg.Supervisor.CheckInterval)
	assert.False(t, cfg.Supervisor.EnableCodeFixes)
}

func TestLoad_ParsesDurationsAndSizes(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
archive:
  min_free: 2Gi
  staging_dir: /mnt/staging
metadata:
  timeout: 45s
`))
	require.NoError(t, err)
	assert.Equal(t, bytesize.ByteSize(2<<30), cfg.Archive.MinFree)
	assert.Equal(t, 45*time.Second, cfg.Metadata.Timeout)
	assert.Equal(t, "/mnt/staging", cfg.Archive.StagingDir)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SHELFSYNC_LOGGING_LEVEL", "DEBUG")
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, DefaultMetricsPort, cfg.Metrics.Port)
}

func TestValidate_RejectsBadLevel(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
logging:
  level: LOUD
  format: text
  output: stdout
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidate_RejectsBadURL(t *testing.T) {
	_, err := Load(writeConfig(t, `
library:
  root: /srv/library
target:
  base_url: not a url
worker:
  progress_dir: /srv/library
supervisor:
  progress_dir: /srv/library
`))
	require.Error(t, err)
}

func TestValidate_RejectsShardOutOfRange(t *testing.T) {
	_, err := Load(writeConfig(t, `
library:
  root: /srv/library
target:
  base_url: https://shelf.example.com
worker:
  progress_dir: /srv/library
  shard_id: 7
  shard_count: 4
supervisor:
  progress_dir: /srv/library
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shard_id")
}

func TestValidate_WebsocketSymlinkConflict(t *testing.T) {
	_, err := Load(writeConfig(t, `
library:
  root: /srv/library
target:
  base_url: https://shelf.example.com
  use_websocket: true
worker:
  progress_dir: /srv/library
  use_symlinks: true
supervisor:
  progress_dir: /srv/library
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlink")
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	cfg.Worker.ParallelUploads = 7

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, reloaded.Worker.ParallelUploads)
}

func TestMergeOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	require.Equal(t, 1, cfg.Worker.ParallelUploads)

	overrides := filepath.Join(t.TempDir(), "worker0.overrides.json")
	require.NoError(t, os.WriteFile(overrides, []byte(`{"parallel_uploads": "2"}`), 0o644))

	require.NoError(t, MergeOverrides(cfg, overrides))
	assert.Equal(t, 2, cfg.Worker.ParallelUploads)

	// Missing overrides file is not an error.
	require.NoError(t, MergeOverrides(cfg, filepath.Join(t.TempDir(), "nope.json")))
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, InitConfigToPath(path, false))

	// Refuses to overwrite without force.
	err := InitConfigToPath(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	require.NoError(t, InitConfigToPath(path, true))

	// The sample must itself load.
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/library", cfg.Library.Root)
	assert.Equal(t, bytesize.ByteSize(10<<30), cfg.Archive.MinFree)
}
