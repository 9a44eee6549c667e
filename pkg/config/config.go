// Package config loads the shelfsync configuration from file, environment,
// and defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/AmenZhou/shelfsync/internal/bytesize"
	"github.com/AmenZhou/shelfsync/pkg/archive"
	"github.com/AmenZhou/shelfsync/pkg/supervisor"
	"github.com/AmenZhou/shelfsync/pkg/worker"
)

// Config is the full shelfsync configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (SHELFSYNC_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Library describes the source library and its catalog database.
	Library LibraryConfig `mapstructure:"library" yaml:"library"`

	// Target is the destination service.
	Target TargetConfig `mapstructure:"target" yaml:"target"`

	// Worker holds per-worker migration settings.
	Worker worker.Config `mapstructure:"worker" yaml:"worker"`

	// Archive holds archive-migration settings.
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`

	// Metadata configures sidecar metadata extraction.
	Metadata MetadataConfig `mapstructure:"metadata" yaml:"metadata"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Supervisor configures the shelfmon loop.
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// LibraryConfig describes the source library.
type LibraryConfig struct {
	// Root is the library directory holding the book files.
	Root string `mapstructure:"root" validate:"required" yaml:"root"`

	// CatalogPath is the catalog database file. Defaults to
	// metadata.db under Root.
	CatalogPath string `mapstructure:"catalog_path" yaml:"catalog_path"`
}

// TargetConfig describes the destination service.
type TargetConfig struct {
	// BaseURL is the service root, e.g. https://shelf.example.com.
	BaseURL string `mapstructure:"base_url" validate:"required,url" yaml:"base_url"`

	// Username and Password authenticate against the service. The password
	// is normally supplied via SHELFSYNC_TARGET_PASSWORD.
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// UseWebsocket streams uploads over the websocket endpoint instead of
	// multipart HTTP.
	UseWebsocket bool `mapstructure:"use_websocket" yaml:"use_websocket"`

	// MirrorDSN, when set, reads the remote fingerprint inventory straight
	// from a read replica instead of the HTTP export.
	MirrorDSN string `mapstructure:"mirror_dsn" yaml:"mirror_dsn,omitempty"`

	// UploadTimeout bounds a single upload attempt.
	UploadTimeout time.Duration `mapstructure:"upload_timeout" yaml:"upload_timeout"`

	// UploadTool, when set, routes uploads through an external CLI instead
	// of the direct API. Deployments behind an authenticating proxy need
	// the vendor tool.
	UploadTool string `mapstructure:"upload_tool" yaml:"upload_tool,omitempty"`

	// DuplicateExitCode is the upload tool's "already exists" exit code,
	// pinned per tool version.
	DuplicateExitCode int `mapstructure:"duplicate_exit_code" yaml:"duplicate_exit_code,omitempty"`
}

// ArchiveConfig holds archive-migration settings on top of the worker
// settings it shares.
type ArchiveConfig struct {
	// StagingDir is where archives are extracted.
	StagingDir string `mapstructure:"staging_dir" yaml:"staging_dir"`

	// FingerprintParallelism bounds concurrent hashing of staged files.
	FingerprintParallelism int `mapstructure:"fingerprint_parallelism" yaml:"fingerprint_parallelism"`

	// MinFree is the free space required on the staging volume before an
	// extraction starts, e.g. "10Gi".
	MinFree bytesize.ByteSize `mapstructure:"min_free" yaml:"min_free"`
}

// MetadataConfig configures metadata extraction.
type MetadataConfig struct {
	// ToolPath is the external extraction tool. Empty uses the built-in
	// parsers only.
	ToolPath string `mapstructure:"tool_path" yaml:"tool_path,omitempty"`

	// Timeout bounds one tool invocation.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// ConvertToolPath enables the FB2-to-EPUB fallback through the given
	// conversion tool. Empty disables conversion.
	ConvertToolPath string `mapstructure:"convert_tool_path" yaml:"convert_tool_path,omitempty"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,gte=1,lte=65535" yaml:"port"`
}

// SupervisorConfig configures shelfmon. The loop settings live in
// supervisor.Config; this wraps them with the pieces only the binary needs.
type SupervisorConfig struct {
	supervisor.Config `mapstructure:",squash" yaml:",inline"`

	// ListenAddr serves /status, /healthz, and /metrics. Empty disables
	// the HTTP surface.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr,omitempty"`

	// WorkerBinary is the worker executable the supervisor launches.
	WorkerBinary string `mapstructure:"worker_binary" yaml:"worker_binary"`

	// Oracle is the advisory endpoint configuration.
	Oracle OracleConfig `mapstructure:"oracle" yaml:"oracle"`
}

// OracleConfig points at an OpenAI-compatible advisory endpoint.
type OracleConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Model   string `mapstructure:"model" yaml:"model,omitempty"`

	// APIKey is normally supplied via SHELFSYNC_SUPERVISOR_ORACLE_API_KEY.
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the config
// file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  shelfsync init\n\n"+
				"Or specify a custom config file:\n"+
				"  shelfsync <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  shelfsync init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration as YAML. Permissions are restricted:
// the file can carry credentials.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// MergeOverrides layers a supervisor-written overrides file (flat key/value
// JSON, all values as strings) over the worker section.
func MergeOverrides(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading overrides %s: %w", path, err)
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return fmt.Errorf("parsing overrides %s: %w", path, err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook:       configDecodeHooks(),
		Result:           &cfg.Worker,
	})
	if err != nil {
		return fmt.Errorf("building overrides decoder: %w", err)
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("applying overrides %s: %w", path, err)
	}
	cfg.Worker.ApplyDefaults()
	return nil
}

// setupViper configures viper with environment variables and config file
// settings. Environment variables use the SHELFSYNC_ prefix, e.g.
// SHELFSYNC_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("SHELFSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. Returns
// (fileFound, error).
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks combines the custom decode hooks: ByteSize and
// time.Duration string parsing.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize so
// config files can say "10Gi" or plain byte counts.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			return bytesize.ParseByteSize(data.(string))
		case reflect.Int, reflect.Int64:
			return bytesize.ByteSize(reflect.ValueOf(data).Int()), nil
		case reflect.Uint, reflect.Uint64:
			return bytesize.ByteSize(reflect.ValueOf(data).Uint()), nil
		case reflect.Float64:
			return bytesize.ByteSize(data.(float64)), nil
		default:
			return data, nil
		}
	}
}

// ArchiveWorkerConfig assembles the archive worker configuration from the
// loaded config plus the archives assigned on the command line.
func (c *Config) ArchiveWorkerConfig(archives []string) archive.Config {
	return archive.Config{
		ShardID:                c.Worker.ShardID,
		StagingDir:             c.Archive.StagingDir,
		ProgressDir:            c.Worker.ProgressDir,
		ParallelUploads:        c.Worker.ParallelUploads,
		PauseFlag:              c.Worker.PauseFlag,
		DrainTimeout:           c.Worker.DrainTimeout,
		FingerprintParallelism: c.Archive.FingerprintParallelism,
		MinFree:                uint64(c.Archive.MinFree),
		Archives:               archives,
	}
}

// getConfigDir returns the directory searched for the default config file:
// $XDG_CONFIG_HOME/shelfsync, falling back to ~/.config/shelfsync.
func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "shelfsync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "shelfsync")
}

// GetDefaultConfigPath returns the default config file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir is the exported accessor for the config directory.
func GetConfigDir() string {
	return getConfigDir()
}
