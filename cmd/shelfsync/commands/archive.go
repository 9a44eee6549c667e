package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AmenZhou/shelfsync/internal/logger"
	"github.com/AmenZhou/shelfsync/pkg/archive"
	"github.com/AmenZhou/shelfsync/pkg/dedup"
	"github.com/AmenZhou/shelfsync/pkg/metadata"
	"github.com/AmenZhou/shelfsync/pkg/metrics"
	"github.com/AmenZhou/shelfsync/pkg/supervisor"
	"github.com/AmenZhou/shelfsync/pkg/uploader"
)

var archiveFlags struct {
	shardID         int
	parallelUploads int
	stagingDir      string
}

var archiveCmd = &cobra.Command{
	Use:   "archive [archives...]",
	Short: "Migrate books out of tar archives",
	Long: `Migrate the contents of tar archives (optionally gzip-compressed).
Each archive is staged to the staging directory, fingerprinted, deduplicated
and uploaded, then the staging copy is removed. A worker that dies leaves
its claimed archives to the surviving workers.

Examples:
  shelfsync archive --shard-id 0 /backups/books-2019.tar.gz /backups/books-2020.tar.gz`,
	Args: cobra.ArbitraryArgs,
	RunE: runArchive,
}

func init() {
	f := archiveCmd.Flags()
	f.IntVar(&archiveFlags.shardID, "shard-id", 0, "shard identity of this worker")
	f.IntVar(&archiveFlags.parallelUploads, "parallel-uploads", 0, "upload pool size (1-10)")
	f.StringVar(&archiveFlags.stagingDir, "staging-dir", "", "extraction staging directory")
}

func runArchive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f := cmd.Flags()
	if f.Changed("shard-id") {
		cfg.Worker.ShardID = archiveFlags.shardID
	}
	if f.Changed("parallel-uploads") {
		cfg.Worker.ParallelUploads = archiveFlags.parallelUploads
	}
	if f.Changed("staging-dir") {
		cfg.Archive.StagingDir = archiveFlags.stagingDir
	}
	cfg.Worker.ApplyDefaults()
	if cfg.Worker.PauseFlag == "" {
		cfg.Worker.PauseFlag = supervisor.PauseFlagPath(cfg.Worker.ProgressDir, cfg.Worker.ShardID)
	}

	ctx, cancel := signalContext()
	defer cancel()
	ctx = logger.WithContext(ctx,
		logger.NewLogContext(cfg.Worker.ShardID).WithRunID(uuid.NewString()))

	logger.InfoCtx(ctx, "starting archive worker",
		"version", Version,
		"archives", len(args),
		"staging_dir", cfg.Archive.StagingDir,
	)

	svc, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}
	source, cleanup, err := buildMirrorSource(cfg, svc)
	if err != nil {
		return err
	}
	defer cleanup()

	stopMetrics := startMetricsServer(ctx, cfg)
	defer stopMetrics()

	cache := dedup.New(cfg.Worker.ShardID, cfg.Worker.ProgressDir, source)
	upl := uploader.New(svc)
	ext := metadata.NewExtractor(cfg.Metadata.ToolPath, cfg.Metadata.Timeout)
	met := metrics.NewWorkerMetrics()

	w, err := archive.New(cfg.ArchiveWorkerConfig(args), svc, upl, cache, ext, met)
	if err != nil {
		return fmt.Errorf("building archive worker: %w", err)
	}
	return w.Run(ctx)
}
