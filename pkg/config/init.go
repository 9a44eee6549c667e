package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// sampleConfig is written by "shelfsync init". It documents every section
// with its default so operators can start from a working file.
const sampleConfig = `# shelfsync configuration
#
# Every value can be overridden with an environment variable:
#   SHELFSYNC_<SECTION>_<KEY>, e.g. SHELFSYNC_LOGGING_LEVEL=DEBUG

logging:
  level: INFO        # DEBUG, INFO, WARN, ERROR
  format: text       # text or json
  output: stdout     # stdout, stderr, or a file path

library:
  root: /srv/library
  # catalog_path: /srv/library/metadata.db

target:
  base_url: https://shelf.example.com
  username: migrator
  # password via SHELFSYNC_TARGET_PASSWORD
  use_websocket: false
  # mirror_dsn: postgres://reader@replica:5432/shelf
  upload_timeout: 10m

worker:
  shard_count: 4
  batch_size: 1000
  parallel_uploads: 4
  progress_dir: /srv/library
  # pause_flag: /srv/library/worker0.pause
  use_symlinks: false

archive:
  staging_dir: /tmp/shelfsync-staging
  min_free: 10Gi

metadata:
  # tool_path: /usr/local/bin/ebook-meta
  timeout: 30s

metrics:
  enabled: false
  port: 9877

supervisor:
  check_interval: 60s
  listen_addr: ":8787"
  worker_binary: /usr/local/bin/shelfsync
  enable_code_fixes: false
  oracle_enabled: false
  oracle:
    # base_url: https://api.openai.com
    model: gpt-4o-mini
    # api_key via SHELFSYNC_SUPERVISOR_ORACLE_API_KEY
`

// InitConfig writes the sample config to the default location.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes the sample config to an explicit path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
