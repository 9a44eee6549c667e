package config

import (
	"path/filepath"
	"time"

	"github.com/AmenZhou/shelfsync/internal/bytesize"
	"github.com/AmenZhou/shelfsync/pkg/archive"
	"github.com/AmenZhou/shelfsync/pkg/uploader"
)

const (
	// DefaultMetricsPort is the Prometheus scrape port.
	DefaultMetricsPort = 9877

	// DefaultSupervisorAddr serves the shelfmon HTTP surface.
	DefaultSupervisorAddr = ":8787"

	// DefaultMetadataTimeout bounds one metadata tool invocation.
	DefaultMetadataTimeout = 30 * time.Second

	// DefaultUploadTimeout bounds one upload attempt.
	DefaultUploadTimeout = 10 * time.Minute

	// DefaultOracleModel is the advisory model name.
	DefaultOracleModel = "gpt-4o-mini"
)

// GetDefaultConfig returns a complete configuration with default values.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values in place. Section defaults defer to the
// owning package where one exists.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Library.CatalogPath == "" && cfg.Library.Root != "" {
		cfg.Library.CatalogPath = filepath.Join(cfg.Library.Root, "metadata.db")
	}

	if cfg.Target.UploadTimeout == 0 {
		cfg.Target.UploadTimeout = DefaultUploadTimeout
	}
	if cfg.Target.DuplicateExitCode == 0 {
		cfg.Target.DuplicateExitCode = uploader.DefaultDuplicateExitCode
	}

	cfg.Worker.ApplyDefaults()
	if cfg.Worker.ProgressDir == "" && cfg.Library.Root != "" {
		cfg.Worker.ProgressDir = cfg.Library.Root
	}

	if cfg.Archive.StagingDir == "" {
		cfg.Archive.StagingDir = filepath.Join("/tmp", "shelfsync-staging")
	}
	if cfg.Archive.MinFree == 0 {
		cfg.Archive.MinFree = bytesize.ByteSize(archive.MinFreeBytes)
	}

	if cfg.Metadata.Timeout == 0 {
		cfg.Metadata.Timeout = DefaultMetadataTimeout
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = DefaultMetricsPort
	}

	cfg.Supervisor.Config.ApplyDefaults()
	if cfg.Supervisor.ListenAddr == "" {
		cfg.Supervisor.ListenAddr = DefaultSupervisorAddr
	}
	if cfg.Supervisor.Config.ProgressDir == "" {
		cfg.Supervisor.Config.ProgressDir = cfg.Worker.ProgressDir
	}
	if cfg.Supervisor.Oracle.Model == "" {
		cfg.Supervisor.Oracle.Model = DefaultOracleModel
	}
}
