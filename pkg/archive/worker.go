// Package archive runs the migration pipeline over tar archives instead of
// catalog queries: each worker owns an assigned list of archive files,
// extracts (or reuses a previous extraction of) each one, and pushes the
// contained books through the same dedup and upload path as the catalog
// worker. Workers that finish early claim the unfinished archives of dead
// peers.
package archive

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/AmenZhou/shelfsync/internal/logger"
	"github.com/AmenZhou/shelfsync/pkg/dedup"
	"github.com/AmenZhou/shelfsync/pkg/fingerprint"
	"github.com/AmenZhou/shelfsync/pkg/metadata"
	"github.com/AmenZhou/shelfsync/pkg/metrics"
	"github.com/AmenZhou/shelfsync/pkg/progress"
	"github.com/AmenZhou/shelfsync/pkg/target"
	"github.com/AmenZhou/shelfsync/pkg/uploader"
	"github.com/AmenZhou/shelfsync/pkg/worker"
)

const (
	// MinFreeBytes is the staging space required before an extraction.
	MinFreeBytes = 10 << 30 // 10 GiB

	// MaxFingerprintParallelism caps the parallel hashing stage.
	MaxFingerprintParallelism = 4
)

// Config configures one archive worker.
type Config struct {
	ShardID         int           `mapstructure:"shard_id"`
	StagingDir      string        `mapstructure:"staging_dir" validate:"required"`
	ProgressDir     string        `mapstructure:"progress_dir" validate:"required"`
	ParallelUploads int           `mapstructure:"parallel_uploads"`
	PauseFlag       string        `mapstructure:"pause_flag"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`

	// FingerprintParallelism is the hashing stage degree; zero picks
	// min(cores/2, 4).
	FingerprintParallelism int `mapstructure:"fingerprint_parallelism"`

	// MinFree overrides the staging free-space requirement, in bytes.
	MinFree uint64 `mapstructure:"min_free"`

	// Archives is the assigned list of archive paths.
	Archives []string `mapstructure:"archives"`
}

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if c.ParallelUploads < 1 {
		c.ParallelUploads = 1
	}
	if c.ParallelUploads > worker.MaxParallelUploads {
		c.ParallelUploads = worker.MaxParallelUploads
	}
	if c.FingerprintParallelism == 0 {
		c.FingerprintParallelism = runtime.NumCPU() / 2
	}
	if c.FingerprintParallelism < 1 {
		c.FingerprintParallelism = 1
	}
	if c.FingerprintParallelism > MaxFingerprintParallelism {
		c.FingerprintParallelism = MaxFingerprintParallelism
	}
	if c.MinFree == 0 {
		c.MinFree = MinFreeBytes
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = worker.DefaultDrainTimeout
	}
}

// Worker migrates an assigned set of archives.
type Worker struct {
	cfg   Config
	svc   target.Service
	upl   worker.Uploader
	cache *dedup.Cache
	ext   *metadata.Extractor
	store *progress.Store
	met   *metrics.WorkerMetrics

	mu      sync.Mutex
	prog    *progress.WorkerProgress
	orphans map[string]struct{}
	failed  map[string]struct{}
}

// New assembles an archive worker.
func New(cfg Config, svc target.Service, upl worker.Uploader, cache *dedup.Cache, ext *metadata.Extractor, met *metrics.WorkerMetrics) (*Worker, error) {
	cfg.ApplyDefaults()
	if cfg.StagingDir == "" || cfg.ProgressDir == "" {
		return nil, fmt.Errorf("staging_dir and progress_dir are required")
	}
	return &Worker{
		cfg:   cfg,
		svc:   svc,
		upl:   upl,
		cache: cache,
		ext:   ext,
		store:   progress.NewStore(cfg.ProgressDir, cfg.ShardID),
		met:     met,
		orphans: make(map[string]struct{}),
		failed:  make(map[string]struct{}),
	}, nil
}

// Progress returns a snapshot copy of the worker's durable state.
func (w *Worker) Progress() progress.WorkerProgress {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.prog
}

// Run processes the assigned archives, then claims orphans of dead peers.
func (w *Worker) Run(ctx context.Context) error {
	lc := logger.FromContext(ctx)
	if lc == nil {
		lc = logger.NewLogContext(w.cfg.ShardID)
	}
	ctx = logger.WithContext(ctx, lc)

	if err := w.initialize(ctx); err != nil {
		return err
	}

	for {
		next := w.nextArchive()
		if next == "" {
			claimed := w.claimOrphans(ctx)
			if claimed == 0 {
				logger.InfoCtx(ctx, "assigned archives complete",
					"archives", len(w.prog.CompletedArchives))
				return w.commitFinal(ctx)
			}
			logger.InfoCtx(ctx, "claimed orphaned archives from dead peers",
				"claimed", claimed)
			continue
		}
		if ctx.Err() != nil || w.pauseRequested() {
			w.setStatus(progress.StatusPaused)
			return w.commitFinal(ctx)
		}

		if err := w.processArchive(ctx, next); err != nil {
			if ctx.Err() != nil {
				w.setStatus(progress.StatusPaused)
				return w.commitFinal(ctx)
			}
			logger.ErrorCtx(ctx, "archive failed, moving on",
				logger.Archive(next), logger.Err(err))
			// Not marked complete: a later run or another worker retries it.
			w.mu.Lock()
			w.failed[next] = struct{}{}
			w.prog.CurrentArchive = ""
			w.mu.Unlock()
			if err := w.store.Commit(w.snapshot()); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) initialize(ctx context.Context) error {
	prog, err := w.store.Load()
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}
	if prog == nil {
		prog = progress.New(w.cfg.ShardID)
	}
	prog.Status = progress.StatusInitializing
	prog.PID = os.Getpid()
	for _, a := range w.cfg.Archives {
		if !contains(prog.AssignedArchives, a) {
			prog.AssignedArchives = append(prog.AssignedArchives, a)
		}
	}
	w.prog = prog

	if err := w.store.Commit(prog); err != nil {
		return fmt.Errorf("commit initial progress: %w", err)
	}
	if err := w.cache.Bootstrap(ctx, prog); err != nil {
		logger.WarnCtx(ctx, "remote mirror bootstrap failed", logger.Err(err))
	}
	if w.svc != nil {
		if err := w.svc.Ping(ctx); err != nil {
			return fmt.Errorf("target service unreachable: %w", err)
		}
	}

	logger.InfoCtx(ctx, "archive worker initialized",
		"assigned", len(prog.AssignedArchives),
		"completed", len(prog.CompletedArchives))
	return nil
}

// nextArchive returns the first assigned archive not yet completed.
func (w *Worker) nextArchive() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, a := range w.prog.AssignedArchives {
		if _, bad := w.failed[a]; bad {
			continue
		}
		if !w.prog.ArchiveCompleted(a) {
			return a
		}
	}
	return ""
}

// processArchive extracts (or reuses) one archive and migrates its contents.
func (w *Worker) processArchive(ctx context.Context, archivePath string) error {
	actx := logger.WithContext(ctx,
		logger.FromContext(ctx).Clone().WithArchive(archiveBase(archivePath)))
	w.setStatus(progress.StatusProcessing)
	w.mu.Lock()
	w.prog.CurrentArchive = archivePath
	w.mu.Unlock()
	if err := w.store.Commit(w.snapshot()); err != nil {
		return err
	}

	dir, reused, err := w.stageArchive(actx, archivePath)
	if err != nil {
		return err
	}

	files, err := listFiles(dir)
	if err != nil {
		return fmt.Errorf("list extraction dir: %w", err)
	}
	logger.InfoCtx(actx, "archive staged",
		"files", len(files), "reused_extraction", reused)

	summary, open, err := w.migrateFiles(actx, files)
	if err != nil {
		return err
	}
	if open > 0 {
		// Transient failures leave the archive unfinished: it must not
		// enter completed_archives, and the extraction stays on disk for
		// the retry to reuse.
		if err := w.store.Commit(w.snapshot()); err != nil {
			return err
		}
		logger.WarnCtx(actx, "transient failures leave the archive unfinished, will retry on a later run",
			logger.Path(archivePath), "open", open)
		return nil
	}
	summary.Reused = reused
	_, summary.Orphaned = w.orphans[archivePath]
	summary.FinishedAt = time.Now().UTC()

	w.mu.Lock()
	w.prog.CompleteArchive(archivePath, summary)
	w.mu.Unlock()
	if err := w.store.Commit(w.snapshot()); err != nil {
		return err
	}

	// A reused folder may predate this run and belong to someone's manual
	// recovery; only our own extractions are cleaned up.
	if !reused {
		if err := os.RemoveAll(dir); err != nil {
			logger.WarnCtx(actx, "extraction cleanup failed", logger.Path(dir), logger.Err(err))
		}
	}

	logger.InfoCtx(actx, "archive complete",
		"uploaded", summary.Uploaded,
		"duplicates", summary.Duplicates,
		"failed", summary.Failed)
	return nil
}

// stageArchive returns a directory containing the archive's files, reusing a
// previous extraction when one exists.
func (w *Worker) stageArchive(ctx context.Context, archivePath string) (dir string, reused bool, err error) {
	if dir, ok := findExistingExtraction(w.cfg.StagingDir, archivePath); ok {
		return dir, true, nil
	}

	if err := w.checkFreeSpace(); err != nil {
		return "", false, err
	}

	dest := fmt.Sprintf("%s/%s_%d", w.cfg.StagingDir, archiveBase(archivePath), time.Now().Unix())
	n, err := extractTar(ctx, archivePath, dest)
	if err != nil {
		return "", false, fmt.Errorf("extract %s: %w", archivePath, err)
	}
	logger.InfoCtx(ctx, "archive extracted", "files", n, logger.Path(dest))
	return dest, false, nil
}

func (w *Worker) checkFreeSpace() error {
	usage, err := disk.Usage(w.cfg.StagingDir)
	if err != nil {
		return fmt.Errorf("stat staging dir: %w", err)
	}
	if usage.Free < w.cfg.MinFree {
		return fmt.Errorf("staging dir has %d bytes free, need %d", usage.Free, w.cfg.MinFree)
	}
	return nil
}

// fingerprinted pairs a file with its hash, produced by the parallel stage.
type fingerprinted struct {
	path string
	fp   fingerprint.Fingerprint
	err  error
}

// migrateFiles pushes extracted files through fingerprint → dedup → upload.
// Hashing runs in parallel; the dedup filter and progress updates stay
// serialized behind the worker mutex.
func (w *Worker) migrateFiles(ctx context.Context, files []string) (progress.ArchiveSummary, int, error) {
	summary := progress.ArchiveSummary{Files: len(files)}
	open := 0

	results := make(chan fingerprinted, w.cfg.FingerprintParallelism)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.FingerprintParallelism)
	go func() {
		for _, path := range files {
			if gctx.Err() != nil {
				break
			}
			path := path
			g.Go(func() error {
				fp, err := fingerprint.File(path)
				select {
				case results <- fingerprinted{path: path, fp: fp, err: err}:
				case <-gctx.Done():
				}
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	sem := semaphore.NewWeighted(int64(w.cfg.ParallelUploads))
	var wg sync.WaitGroup
	var mu sync.Mutex // guards summary counters

	for r := range results {
		if r.err != nil {
			logger.WarnCtx(ctx, "unreadable extracted file", logger.Path(r.path), logger.Err(r.err))
			mu.Lock()
			summary.Failed++
			mu.Unlock()
			continue
		}
		if w.cache.Seen(r.fp) {
			w.record(r.fp, r.path, progress.FileAlreadyPresentLocal)
			mu.Lock()
			summary.Duplicates++
			mu.Unlock()
			continue
		}

		meta := metadata.FromFilename(r.path)
		if w.ext != nil {
			meta = w.ext.Extract(ctx, r.path)
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(r fingerprinted, meta metadata.Record) {
			defer wg.Done()
			defer sem.Release(1)

			start := time.Now()
			out := w.upl.Upload(ctx, target.UploadRequest{
				Meta:        meta,
				Fingerprint: r.fp,
				FilePath:    r.path,
			})
			w.met.ObserveUpload(string(out.Kind), time.Since(start))

			mu.Lock()
			switch out.Kind {
			case uploader.NewUploaded:
				summary.Uploaded++
			case uploader.AlreadyPresent:
				summary.Duplicates++
			case uploader.PermanentFailure:
				summary.Failed++
			default:
				open++
			}
			mu.Unlock()

			switch out.Kind {
			case uploader.NewUploaded:
				w.record(r.fp, r.path, progress.FileUploaded)
			case uploader.AlreadyPresent:
				w.record(r.fp, r.path, progress.FileAlreadyPresent)
			case uploader.PermanentFailure:
				logger.ErrorCtx(ctx, "permanent upload failure",
					logger.Path(r.path), logger.Outcome(out.Reason))
				w.record(r.fp, r.path, progress.FileUnresolvable)
			default:
				logger.WarnCtx(ctx, "transient upload failure, file stays pending",
					logger.Path(r.path), logger.Outcome(out.Reason))
			}
		}(r, meta)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(w.cfg.DrainTimeout):
			return summary, open, fmt.Errorf("upload pool failed to drain within deadline")
		}
	}

	w.cache.Processed(ctx, len(files))
	if _, err := w.store.MaybeCommit(w.snapshot()); err != nil {
		return summary, open, err
	}
	return summary, open, ctx.Err()
}

// record stores one terminal file outcome.
func (w *Worker) record(fp fingerprint.Fingerprint, path string, status progress.FileStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prog.MarkCompleted(fp, path, status)
	if status == progress.FileUploaded {
		w.prog.LastUploadedAt = time.Now().UTC()
		w.cache.MarkUploaded(fp)
	}
	if status == progress.FileAlreadyPresent {
		w.cache.MarkUploaded(fp)
	}
	w.prog.LastActivityAt = time.Now().UTC()
}

func (w *Worker) setStatus(s progress.Status) {
	w.mu.Lock()
	w.prog.Status = s
	w.prog.LastActivityAt = time.Now().UTC()
	w.mu.Unlock()
}

func (w *Worker) snapshot() *progress.WorkerProgress {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := *w.prog
	return &cp
}

func (w *Worker) pauseRequested() bool {
	if w.cfg.PauseFlag == "" {
		return false
	}
	_, err := os.Stat(w.cfg.PauseFlag)
	return err == nil
}

func (w *Worker) commitFinal(ctx context.Context) error {
	if err := w.store.Commit(w.snapshot()); err != nil {
		logger.ErrorCtx(ctx, "final progress commit failed", logger.Err(err))
		return err
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
