package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AmenZhou/shelfsync/internal/logger"
	"github.com/AmenZhou/shelfsync/pkg/catalog"
	"github.com/AmenZhou/shelfsync/pkg/config"
	"github.com/AmenZhou/shelfsync/pkg/dedup"
	"github.com/AmenZhou/shelfsync/pkg/metadata"
	"github.com/AmenZhou/shelfsync/pkg/metrics"
	"github.com/AmenZhou/shelfsync/pkg/supervisor"
	"github.com/AmenZhou/shelfsync/pkg/target"
	"github.com/AmenZhou/shelfsync/pkg/uploader"
	"github.com/AmenZhou/shelfsync/pkg/worker"
)

var runFlags struct {
	shardID         int
	shardCount      int
	lastKey         int64
	batchSize       int
	parallelUploads int
	useSymlinks     bool
	limit           int
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a migration worker for one shard",
	Long: `Run one migration worker. The worker owns the catalog records whose
primary key is congruent to --shard-id modulo --shard-count, uploads the
new ones, and checkpoints progress so a rerun resumes where it stopped.

Examples:
  # Worker 0 of 4
  shelfsync run --shard-id 0 --shard-count 4

  # Smoke run: at most 10 uploads, starting from key 50000
  shelfsync run --shard-id 0 --limit 10 --last-key 50000`,
	RunE: runWorker,
}

func init() {
	f := runCmd.Flags()
	f.IntVar(&runFlags.shardID, "shard-id", 0, "shard owned by this worker")
	f.IntVar(&runFlags.shardCount, "shard-count", 0, "total number of shards")
	f.Int64Var(&runFlags.lastKey, "last-key", 0, "override the resume checkpoint")
	f.IntVar(&runFlags.batchSize, "batch-size", 0, "records per discovery query")
	f.IntVar(&runFlags.parallelUploads, "parallel-uploads", 0, "upload pool size (1-10)")
	f.BoolVar(&runFlags.useSymlinks, "use-symlinks", false, "send path references instead of file bytes")
	f.IntVar(&runFlags.limit, "limit", 0, "stop after this many new uploads")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)

	// Config fixes written by the supervisor apply on the next start.
	if err := config.MergeOverrides(cfg, supervisor.OverridesPath(cfg.Worker.ProgressDir, cfg.Worker.ShardID)); err != nil {
		return err
	}
	if cfg.Worker.PauseFlag == "" {
		cfg.Worker.PauseFlag = supervisor.PauseFlagPath(cfg.Worker.ProgressDir, cfg.Worker.ShardID)
	}

	ctx, cancel := signalContext()
	defer cancel()
	runID := uuid.NewString()
	ctx = logger.WithContext(ctx, logger.NewLogContext(cfg.Worker.ShardID).WithRunID(runID))

	logger.InfoCtx(ctx, "starting migration worker",
		"version", Version,
		"shard_count", cfg.Worker.ShardCount,
		"library", cfg.Library.Root,
	)

	svc, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}

	cat, err := catalog.OpenSQLite(cfg.Library.Root, cfg.Library.CatalogPath)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer cat.Close()

	source, cleanup, err := buildMirrorSource(cfg, svc)
	if err != nil {
		return err
	}
	defer cleanup()

	stopMetrics := startMetricsServer(ctx, cfg)
	defer stopMetrics()

	cache := dedup.New(cfg.Worker.ShardID, cfg.Worker.ProgressDir, source)
	upl := buildUploader(cfg, svc)
	ext := metadata.NewExtractor(cfg.Metadata.ToolPath, cfg.Metadata.Timeout)
	met := metrics.NewWorkerMetrics()

	w, err := worker.New(cfg.Worker, cat, svc, upl, cache, ext, met)
	if err != nil {
		return err
	}
	if cfg.Metadata.ConvertToolPath != "" {
		w.SetConverter(metadata.NewConverter(cfg.Metadata.ConvertToolPath, "", cfg.Metadata.Timeout))
	}
	return w.Run(ctx)
}

// applyRunFlags copies explicitly set flags over the loaded config.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("shard-id") {
		cfg.Worker.ShardID = runFlags.shardID
	}
	if f.Changed("shard-count") {
		cfg.Worker.ShardCount = runFlags.shardCount
	}
	if f.Changed("last-key") {
		cfg.Worker.StartKey = runFlags.lastKey
	}
	if f.Changed("batch-size") {
		cfg.Worker.BatchSize = runFlags.batchSize
	}
	if f.Changed("parallel-uploads") {
		cfg.Worker.ParallelUploads = runFlags.parallelUploads
	}
	if f.Changed("use-symlinks") {
		cfg.Worker.UseSymlinks = runFlags.useSymlinks
	}
	if f.Changed("limit") {
		cfg.Worker.Limit = runFlags.limit
	}
	cfg.Worker.ApplyDefaults()
}

// buildService assembles the target service: HTTP client, optional login,
// optional WebSocket upload path.
func buildService(ctx context.Context, cfg *config.Config) (target.Service, error) {
	client := target.New(cfg.Target.BaseURL)
	client.SetUploadTimeout(cfg.Target.UploadTimeout)

	token := ""
	if cfg.Target.Username != "" {
		resp, err := client.Login(ctx, cfg.Target.Username, cfg.Target.Password)
		if err != nil {
			return nil, fmt.Errorf("target login: %w", err)
		}
		token = resp.AccessToken
	}

	if cfg.Target.UseWebsocket {
		return target.WithWSUploads(client, target.NewWSUploader(cfg.Target.BaseURL, token)), nil
	}
	return client, nil
}

// buildUploader routes uploads through the vendor CLI when one is
// configured and through the direct API otherwise.
func buildUploader(cfg *config.Config, svc target.Service) worker.Uploader {
	if tool := cfg.Target.UploadTool; tool != "" {
		tu := uploader.NewToolUploader(tool, func(req target.UploadRequest) []string {
			args := []string{"--file", req.FilePath, "--sha1", req.Fingerprint.Hash}
			if req.LibraryPath != "" {
				args = append(args, "--library-path", req.LibraryPath)
			}
			if req.Meta.Title != "" {
				args = append(args, "--title", req.Meta.Title)
			}
			return args
		})
		tu.DuplicateExitCode = cfg.Target.DuplicateExitCode
		return tu
	}
	return uploader.New(svc)
}

// buildMirrorSource picks the remote fingerprint source: a read replica when
// configured, the service's own export otherwise.
func buildMirrorSource(cfg *config.Config, svc target.Service) (dedup.FingerprintSource, func(), error) {
	if cfg.Target.MirrorDSN == "" {
		return svc, func() {}, nil
	}
	mirror, err := target.OpenMirrorDB(cfg.Target.MirrorDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening mirror database: %w", err)
	}
	return mirror, func() { _ = mirror.Close() }, nil
}

// startMetricsServer exposes /metrics when enabled. The returned function
// shuts the server down.
func startMetricsServer(ctx context.Context, cfg *config.Config) func() {
	if !cfg.Metrics.Enabled {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCtx(ctx, "metrics server failed", logger.Err(err))
		}
	}()
	logger.InfoCtx(ctx, "metrics server listening", "port", cfg.Metrics.Port)
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
