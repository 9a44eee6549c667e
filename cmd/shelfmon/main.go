// shelfmon supervises a shelfsync worker fleet: it restarts dead workers,
// scales the fleet by staging-disk pressure, and applies advisory-guided
// fixes to stuck workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AmenZhou/shelfsync/internal/logger"
	"github.com/AmenZhou/shelfsync/pkg/config"
	"github.com/AmenZhou/shelfsync/pkg/metrics"
	"github.com/AmenZhou/shelfsync/pkg/oracle"
	"github.com/AmenZhou/shelfsync/pkg/supervisor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var flags struct {
	cfgFile       string
	checkInterval time.Duration
	threshold     time.Duration
	llmEnabled    bool
	dryRun        bool
	device        string
}

var rootCmd = &cobra.Command{
	Use:   "shelfmon",
	Short: "shelfmon - shelfsync fleet supervisor",
	Long: `shelfmon watches the migration worker fleet. It detects stuck and dead
workers from their durable progress files and logs, restarts or reconfigures
them, and sizes the fleet to the staging disk's I/O headroom.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("shelfmon %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/shelfsync/config.yaml)")
	f.DurationVar(&flags.checkInterval, "check-interval", 0, "supervision loop period")
	f.DurationVar(&flags.threshold, "threshold", 0, "stuck-worker silence threshold")
	f.BoolVar(&flags.llmEnabled, "llm-enabled", false, "consult the advisory endpoint for stuck workers")
	f.BoolVar(&flags.dryRun, "dry-run", false, "log decisions without executing them")
	f.StringVar(&flags.device, "disk-device", "sda", "block device backing the staging directory")
	rootCmd.AddCommand(versionCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.MustLoad(flags.cfgFile)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	f := cmd.Flags()
	if f.Changed("check-interval") {
		cfg.Supervisor.CheckInterval = flags.checkInterval
	}
	if f.Changed("threshold") {
		cfg.Supervisor.StuckThreshold = flags.threshold
	}
	if f.Changed("llm-enabled") {
		cfg.Supervisor.OracleEnabled = flags.llmEnabled
	}
	if f.Changed("dry-run") {
		cfg.Supervisor.DryRun = flags.dryRun
	}
	if cfg.Supervisor.WorkerBinary == "" {
		return fmt.Errorf("supervisor.worker_binary is not configured")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = logger.WithContext(ctx, logger.NewLogContext(-1).WithRunID(uuid.NewString()))

	procs := supervisor.NewExecController(cfg.Supervisor.WorkerBinary, "run",
		"--config", flags.cfgFile)
	sampler := &supervisor.IOCounterSampler{Device: flags.device}

	opts := []supervisor.Option{
		supervisor.WithMetrics(metrics.NewSupervisorMetrics()),
	}
	if cfg.Supervisor.OracleEnabled {
		if cfg.Supervisor.Oracle.BaseURL == "" {
			return fmt.Errorf("supervisor.oracle.base_url required with oracle_enabled")
		}
		opts = append(opts, supervisor.WithOracle(oracle.New(
			cfg.Supervisor.Oracle.BaseURL,
			cfg.Supervisor.Oracle.APIKey,
			cfg.Supervisor.Oracle.Model,
		)))
	}

	sup, err := supervisor.New(cfg.Supervisor.Config, procs, sampler, opts...)
	if err != nil {
		return err
	}

	if cfg.Supervisor.ListenAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Supervisor.ListenAddr,
			Handler:           sup.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.ErrorCtx(ctx, "status server failed", logger.Err(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.InfoCtx(ctx, "status server listening", "addr", cfg.Supervisor.ListenAddr)
	}

	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
