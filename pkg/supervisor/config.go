package supervisor

import "time"

const (
	// DefaultCheckInterval is the supervision loop period.
	DefaultCheckInterval = 60 * time.Second

	// DefaultStuckThreshold is the silence after which an active worker
	// counts as stuck.
	DefaultStuckThreshold = 5 * time.Minute

	// DefaultInitGrace is how long a worker that has never uploaded may run
	// before stuck detection considers it at all.
	DefaultInitGrace = 10 * time.Minute

	// DefaultInitSilence is the no-progress-signal window that marks a
	// never-uploaded worker stuck.
	DefaultInitSilence = 20 * time.Minute

	// DefaultFixCooldown is the minimum spacing between fixes per worker.
	DefaultFixCooldown = 10 * time.Minute

	// DefaultMaxAttempts caps fixes per worker inside the attempt window.
	DefaultMaxAttempts = 3

	// DefaultAttemptWindow is the rolling window for the attempt cap.
	DefaultAttemptWindow = 60 * time.Minute

	// DefaultVerifyWindow is how long after a fix the worker gets to show
	// recovery.
	DefaultVerifyWindow = 2 * time.Minute

	// Fleet scaling bounds and thresholds.
	DefaultMinWorkers        = 1
	DefaultTargetWorkers     = 4
	DefaultMaxWorkers        = 8
	DefaultScaleDownUtilPct  = 90.0
	DefaultScaleUpUtilPct    = 50.0
	DefaultScaleDownCooldown = 5 * time.Minute
	DefaultScaleUpCooldown   = 10 * time.Minute

	// DefaultRecurrenceOverlap is the keyword overlap that counts two root
	// causes as the same, and DefaultRecurrenceBias the count that biases
	// recommendations toward code fixes.
	DefaultRecurrenceOverlap = 3
	DefaultRecurrenceBias    = 2

	// CodeFixMinConfidence gates code fixes regardless of recommendation.
	CodeFixMinConfidence = 0.7

	// logTailLines is how much log goes into diagnostics.
	logTailLines = 500
)

// Config is the supervisor's operational configuration.
type Config struct {
	ProgressDir string `mapstructure:"progress_dir" validate:"required"`
	LogDir      string `mapstructure:"log_dir"`

	CheckInterval  time.Duration `mapstructure:"check_interval"`
	StuckThreshold time.Duration `mapstructure:"stuck_threshold"`
	InitGrace      time.Duration `mapstructure:"init_grace"`
	InitSilence    time.Duration `mapstructure:"init_silence"`

	FixCooldown   time.Duration `mapstructure:"fix_cooldown"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	AttemptWindow time.Duration `mapstructure:"attempt_window"`
	VerifyWindow  time.Duration `mapstructure:"verify_window"`

	MinWorkers        int           `mapstructure:"min_workers"`
	TargetWorkers     int           `mapstructure:"target_workers"`
	MaxWorkers        int           `mapstructure:"max_workers"`
	ScaleDownUtilPct  float64       `mapstructure:"scale_down_util_pct"`
	ScaleUpUtilPct    float64       `mapstructure:"scale_up_util_pct"`
	ScaleDownCooldown time.Duration `mapstructure:"scale_down_cooldown"`
	ScaleUpCooldown   time.Duration `mapstructure:"scale_up_cooldown"`

	// OracleEnabled turns on LLM consultation; the fallback rules apply
	// without it.
	OracleEnabled bool `mapstructure:"oracle_enabled"`

	// EnableCodeFixes allows the supervisor to patch worker source. Off by
	// default: code recommendations degrade to restart when disabled.
	EnableCodeFixes bool `mapstructure:"enable_code_fixes"`

	// DryRun logs every decision without executing any of them.
	DryRun bool `mapstructure:"dry_run"`

	// FixHistoryPath is the durable FixAttempt log.
	FixHistoryPath string `mapstructure:"fix_history_path"`

	// SourceDir is an optional checkout of the worker source. When set,
	// code fixes apply against it and diagnostics can attach the catalog
	// iteration source when a worker re-walks the same key range.
	SourceDir string `mapstructure:"source_dir"`
}

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if c.CheckInterval == 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.StuckThreshold == 0 {
		c.StuckThreshold = DefaultStuckThreshold
	}
	if c.InitGrace == 0 {
		c.InitGrace = DefaultInitGrace
	}
	if c.InitSilence == 0 {
		c.InitSilence = DefaultInitSilence
	}
	if c.FixCooldown == 0 {
		c.FixCooldown = DefaultFixCooldown
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AttemptWindow == 0 {
		c.AttemptWindow = DefaultAttemptWindow
	}
	if c.VerifyWindow == 0 {
		c.VerifyWindow = DefaultVerifyWindow
	}
	if c.MinWorkers == 0 {
		c.MinWorkers = DefaultMinWorkers
	}
	if c.TargetWorkers == 0 {
		c.TargetWorkers = DefaultTargetWorkers
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.ScaleDownUtilPct == 0 {
		c.ScaleDownUtilPct = DefaultScaleDownUtilPct
	}
	if c.ScaleUpUtilPct == 0 {
		c.ScaleUpUtilPct = DefaultScaleUpUtilPct
	}
	if c.ScaleDownCooldown == 0 {
		c.ScaleDownCooldown = DefaultScaleDownCooldown
	}
	if c.ScaleUpCooldown == 0 {
		c.ScaleUpCooldown = DefaultScaleUpCooldown
	}
	if c.FixHistoryPath == "" {
		c.FixHistoryPath = "fix_history.jsonl"
	}
}
