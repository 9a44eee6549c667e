package worker

import (
	"fmt"
	"time"
)

const (
	// DefaultBatchSize is how many catalog records one discovery query pulls.
	DefaultBatchSize = 1000

	// DefaultSkipAheadAfter is the number of consecutive zero-new batches
	// before the checkpoint jumps forward.
	DefaultSkipAheadAfter = 5

	// DefaultSkipAheadStride is the size of a checkpoint jump.
	DefaultSkipAheadStride = 10_000

	// DefaultDrainTimeout bounds the in-flight pool drain on shutdown.
	DefaultDrainTimeout = 30 * time.Second

	// DefaultCatalogRetries bounds retries of a failed discovery query.
	DefaultCatalogRetries = 3

	// MaxParallelUploads caps the per-worker upload pool.
	MaxParallelUploads = 10

	// DefaultMinFreeBytes is the free-space floor on the progress volume
	// below which a worker refuses to start.
	DefaultMinFreeBytes = 10 << 30 // 10 GiB
)

// Config is the operational configuration of one worker.
type Config struct {
	// ShardID selects which residue class of catalog keys this worker owns.
	ShardID int `mapstructure:"shard_id"`

	// ShardCount is the modulus of the shard partition.
	ShardCount int `mapstructure:"shard_count" validate:"gte=1"`

	// BatchSize is the number of records pulled per discovery query.
	BatchSize int `mapstructure:"batch_size"`

	// ParallelUploads is the upload pool size, clamped to [1, 10].
	ParallelUploads int `mapstructure:"parallel_uploads"`

	// ProgressDir holds the durable progress files of the whole fleet.
	ProgressDir string `mapstructure:"progress_dir" validate:"required"`

	// PauseFlag is a file path: when it exists the worker finishes its
	// current batch and halts. Empty disables the mechanism.
	PauseFlag string `mapstructure:"pause_flag"`

	// UseSymlinks sends path references instead of file bytes.
	UseSymlinks bool `mapstructure:"use_symlinks"`

	// Limit stops the worker after this many new uploads. Zero means
	// unlimited; used for smoke runs.
	Limit int `mapstructure:"limit"`

	// StartKey, when positive, overrides the durable checkpoint for this
	// invocation.
	StartKey int64 `mapstructure:"start_key"`

	// MinFree is the free-space floor, in bytes, on the volume holding
	// ProgressDir. Zero keeps the default.
	MinFree uint64 `mapstructure:"min_free"`

	SkipAheadAfter  int           `mapstructure:"skip_ahead_after"`
	SkipAheadStride int64         `mapstructure:"skip_ahead_stride"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	CatalogRetries  int           `mapstructure:"catalog_retries"`
}

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if c.ShardCount == 0 {
		c.ShardCount = 1
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ParallelUploads < 1 {
		c.ParallelUploads = 1
	}
	if c.ParallelUploads > MaxParallelUploads {
		c.ParallelUploads = MaxParallelUploads
	}
	if c.MinFree == 0 {
		c.MinFree = DefaultMinFreeBytes
	}
	if c.SkipAheadAfter == 0 {
		c.SkipAheadAfter = DefaultSkipAheadAfter
	}
	if c.SkipAheadStride == 0 {
		c.SkipAheadStride = DefaultSkipAheadStride
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.CatalogRetries == 0 {
		c.CatalogRetries = DefaultCatalogRetries
	}
}

// Validate checks the configuration for fatal mistakes.
func (c *Config) Validate() error {
	if c.ShardID < 0 || c.ShardID >= c.ShardCount {
		return fmt.Errorf("shard_id %d outside [0, %d)", c.ShardID, c.ShardCount)
	}
	if c.ProgressDir == "" {
		return fmt.Errorf("progress_dir is required")
	}
	return nil
}
