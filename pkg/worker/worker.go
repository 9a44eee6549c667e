// Package worker owns one shard of the migration: it iterates its slice of
// the source catalog in batches, filters already-migrated content through the
// dedup cache, uploads what remains through a bounded pool, and checkpoints
// durable progress after every batch.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"golang.org/x/sync/semaphore"

	"github.com/AmenZhou/shelfsync/internal/logger"
	"github.com/AmenZhou/shelfsync/pkg/catalog"
	"github.com/AmenZhou/shelfsync/pkg/dedup"
	"github.com/AmenZhou/shelfsync/pkg/fingerprint"
	"github.com/AmenZhou/shelfsync/pkg/metadata"
	"github.com/AmenZhou/shelfsync/pkg/metrics"
	"github.com/AmenZhou/shelfsync/pkg/progress"
	"github.com/AmenZhou/shelfsync/pkg/target"
	"github.com/AmenZhou/shelfsync/pkg/uploader"
)

// uploadRateWindow: log an uploads-per-minute rate every this many new
// uploads.
const uploadRateWindow = 100

// errStalled marks a batch where every remaining record failed transiently,
// so another immediate pass would only hammer the same failure.
var errStalled = errors.New("batch stalled on transient failures")

// Uploader is the single-file upload contract the worker drives. Both the
// API uploader and the external-tool uploader satisfy it.
type Uploader interface {
	Upload(ctx context.Context, req target.UploadRequest) uploader.Outcome
}

// Worker migrates one shard of the source catalog.
type Worker struct {
	cfg   Config
	cat   catalog.Catalog
	svc   target.Service
	upl   Uploader
	cache *dedup.Cache
	ext   *metadata.Extractor
	conv  *metadata.Converter
	store *progress.Store
	met   *metrics.WorkerMetrics

	// mu serializes every mutation of prog, pathsDone and the dedup cache's
	// local layer against the upload pool.
	mu        sync.Mutex
	prog      *progress.WorkerProgress
	pathsDone map[string]struct{}

	newUploads    int
	rateMark      time.Time
	rateCount     int
	zeroNewStreak int

	// Per-batch accounting of records that failed transiently. The
	// checkpoint never advances past the lowest open key, so a server
	// outage cannot silently drop the records it interrupted.
	openMin   int64
	openCount int
	batchDone int

	pause *pauseWatcher
}

// New assembles a worker. ext may be nil when catalog metadata is trusted;
// met may be nil when metrics are disabled.
func New(cfg Config, cat catalog.Catalog, svc target.Service, upl Uploader, cache *dedup.Cache, ext *metadata.Extractor, met *metrics.WorkerMetrics) (*Worker, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Worker{
		cfg:       cfg,
		cat:       cat,
		svc:       svc,
		upl:       upl,
		cache:     cache,
		ext:       ext,
		store:     progress.NewStore(cfg.ProgressDir, cfg.ShardID),
		met:       met,
		pathsDone: make(map[string]struct{}),
		rateMark:  time.Now(),
	}, nil
}

// Progress returns a snapshot copy of the worker's durable state.
func (w *Worker) Progress() progress.WorkerProgress {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.prog
}

// Run executes the worker until its shard is drained, the context is
// canceled, or the pause flag appears.
func (w *Worker) Run(ctx context.Context) error {
	lc := logger.FromContext(ctx)
	if lc == nil {
		lc = logger.NewLogContext(w.cfg.ShardID)
	}
	ctx = logger.WithContext(ctx, lc)

	if err := w.initialize(ctx); err != nil {
		return err
	}

	if w.cfg.PauseFlag != "" {
		pw, err := watchPauseFlag(ctx, w.cfg.PauseFlag)
		if err != nil {
			logger.WarnCtx(ctx, "pause flag watch unavailable, falling back to polling", logger.Err(err))
		} else {
			w.pause = pw
		}
	}

	for {
		if ctx.Err() != nil {
			return w.shutdown(ctx, progress.StatusPaused)
		}
		if w.pauseRequested() {
			logger.InfoCtx(ctx, "pause flag present, halting after current batch")
			return w.shutdown(ctx, progress.StatusPaused)
		}
		if w.cfg.Limit > 0 && w.newUploads >= w.cfg.Limit {
			logger.InfoCtx(ctx, "upload limit reached", "limit", w.cfg.Limit)
			return w.shutdown(ctx, progress.StatusDiscovering)
		}

		batch, err := w.nextBatch(ctx)
		if err != nil {
			_ = w.shutdown(ctx, progress.StatusDiscovering)
			return err
		}
		if len(batch) == 0 {
			logger.InfoCtx(ctx, "shard drained",
				"uploaded", w.newUploads,
				"checkpoint", w.prog.LastProcessedKey)
			return w.shutdown(ctx, progress.StatusDiscovering)
		}

		if err := w.processBatch(ctx, batch); err != nil {
			if errors.Is(err, errStalled) {
				logger.WarnCtx(ctx, "transient failures hold the checkpoint, will retry on a later run",
					"checkpoint", w.prog.LastProcessedKey)
				return w.shutdown(ctx, progress.StatusDiscovering)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// Graceful drain already happened; this is a clean stop.
				return w.shutdown(ctx, progress.StatusPaused)
			}
			_ = w.shutdown(ctx, progress.StatusProcessing)
			return err
		}
	}
}

// initialize loads durable progress, builds the dedup layers and verifies
// the target is reachable.
func (w *Worker) initialize(ctx context.Context) error {
	if usage, err := disk.UsageWithContext(ctx, w.cfg.ProgressDir); err != nil {
		logger.WarnCtx(ctx, "free-space check failed", logger.Err(err))
	} else if usage.Free < w.cfg.MinFree {
		return fmt.Errorf("volume has %d bytes free, need %d", usage.Free, w.cfg.MinFree)
	}

	prog, err := w.store.Load()
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}
	if prog == nil {
		prog = progress.New(w.cfg.ShardID)
	}
	prog.Status = progress.StatusInitializing
	prog.PID = os.Getpid()
	if w.cfg.StartKey > 0 {
		logger.InfoCtx(ctx, "checkpoint override", "from", prog.LastProcessedKey, "to", w.cfg.StartKey)
		prog.LastProcessedKey = w.cfg.StartKey
	}
	w.prog = prog
	for _, e := range prog.CompletedFiles {
		w.pathsDone[e.Path] = struct{}{}
	}

	if err := w.store.Commit(prog); err != nil {
		return fmt.Errorf("commit initial progress: %w", err)
	}

	if err := w.cache.Bootstrap(ctx, prog); err != nil {
		// A dead mirror is survivable; the server check still dedups.
		logger.WarnCtx(ctx, "remote mirror bootstrap failed", logger.Err(err))
	}
	_, _, remote := w.cache.Stats()
	w.met.SetMirrorSize(remote)

	if w.svc != nil {
		if err := w.svc.Ping(ctx); err != nil {
			return fmt.Errorf("target service unreachable: %w", err)
		}
	}

	logger.InfoCtx(ctx, "worker initialized",
		"resume_key", prog.LastProcessedKey,
		"completed_files", len(prog.CompletedFiles),
		"shard_count", w.cfg.ShardCount)
	return nil
}

// SetConverter enables the FB2-to-EPUB fallback for targets that reject
// raw FB2.
func (w *Worker) SetConverter(conv *metadata.Converter) {
	w.conv = conv
}

// nextBatch queries the catalog with bounded retries.
func (w *Worker) nextBatch(ctx context.Context) ([]catalog.SourceRecord, error) {
	w.setStatus(progress.StatusDiscovering)

	var lastErr error
	for attempt := 1; attempt <= w.cfg.CatalogRetries; attempt++ {
		batch, err := w.cat.NextBatch(ctx, w.cfg.ShardID, w.cfg.ShardCount, w.prog.LastProcessedKey, w.cfg.BatchSize)
		if err == nil {
			return batch, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		logger.WarnCtx(ctx, "catalog query failed",
			logger.Attempt(attempt),
			logger.MaxRetries(w.cfg.CatalogRetries),
			logger.Err(err))
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
		}
	}
	return nil, fmt.Errorf("catalog query failed after %d attempts: %w", w.cfg.CatalogRetries, lastErr)
}

// processBatch runs one batch through dedup, metadata and the upload pool,
// then advances the checkpoint. The checkpoint moves only after every record
// of the batch has terminated.
func (w *Worker) processBatch(ctx context.Context, batch []catalog.SourceRecord) error {
	w.setStatus(progress.StatusProcessing)
	batchCtx := logger.WithContext(ctx,
		logger.FromContext(ctx).Clone().WithShardKey(batch[0].ShardKey))

	sem := semaphore.NewWeighted(int64(w.cfg.ParallelUploads))
	var wg sync.WaitGroup
	newBefore := w.newUploads

	w.mu.Lock()
	w.openMin, w.openCount, w.batchDone = 0, 0, 0
	w.mu.Unlock()

	var maxKey int64
	for i := range batch {
		rec := batch[i]
		if rec.ShardKey > maxKey {
			maxKey = rec.ShardKey
		}

		if w.seenPath(rec.Path) {
			continue
		}

		fp, err := fingerprint.File(rec.Path)
		if err != nil {
			logger.WarnCtx(batchCtx, "unreadable file, marking unresolvable",
				logger.Path(rec.Path), logger.Err(err))
			// No content to hash; key the entry by the path instead so each
			// unreadable file keeps its own record.
			pseudo := fingerprint.Bytes([]byte(rec.Path))
			pseudo.Size = -1
			w.finish(pseudo, rec.Path, progress.FileUnresolvable, false)
			continue
		}
		if w.cache.Seen(fp) {
			w.finish(fp, rec.Path, progress.FileAlreadyPresentLocal, false)
			continue
		}

		meta := w.resolveMetadata(batchCtx, rec)

		if err := sem.Acquire(ctx, 1); err != nil {
			break // canceled; drain below
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			w.uploadOne(batchCtx, rec, fp, meta)
		}()
	}

	if !w.waitDrain(ctx, &wg) {
		return errors.New("upload pool failed to drain within deadline")
	}
	if ctx.Err() != nil {
		// Canceled mid-batch: records may be unprocessed, so the checkpoint
		// must stay put. Resume re-reads this batch.
		return ctx.Err()
	}

	w.mu.Lock()
	// Transiently failed records are still open: cap the advance below the
	// lowest open key so the next pass re-reads them.
	advance := maxKey
	if w.openCount > 0 && w.openMin-1 < advance {
		advance = w.openMin - 1
	}
	w.prog.AdvanceKey(advance)
	open := w.openCount
	stalled := open > 0 && w.batchDone == 0
	newThisBatch := w.newUploads - newBefore
	checkpoint := w.prog.LastProcessedKey
	w.mu.Unlock()
	w.met.ObserveBatch(checkpoint)

	logger.InfoCtx(batchCtx, "Processed batch",
		"records", len(batch),
		"new_uploads", newThisBatch,
		"open", open,
		"checkpoint", checkpoint)

	w.afterBatch(ctx, len(batch), newThisBatch, open)

	if err := w.store.Commit(w.snapshot()); err != nil {
		return fmt.Errorf("commit progress: %w", err)
	}
	if stalled {
		return errStalled
	}
	return nil
}

// afterBatch drives skip-ahead and the dedup refresh triggers.
func (w *Worker) afterBatch(ctx context.Context, processed, newUploads, open int) {
	w.cache.Processed(ctx, processed)
	_, _, remote := w.cache.Stats()
	w.met.SetMirrorSize(remote)

	if open > 0 {
		// Open records are pending, not migrated; a dry batch with open
		// records must never trigger a skip-ahead jump over them.
		return
	}
	if newUploads > 0 {
		w.zeroNewStreak = 0
		return
	}

	w.zeroNewStreak++
	// A dry batch often means peers got here first; their files are the
	// cheapest layer to refresh.
	w.cache.ReloadPeers(ctx)

	if w.zeroNewStreak >= w.cfg.SkipAheadAfter {
		w.mu.Lock()
		jumped := w.prog.SkipAhead(w.cfg.SkipAheadStride)
		w.mu.Unlock()
		w.zeroNewStreak = 0
		w.met.ObserveSkipAhead(jumped)
		logger.InfoCtx(ctx, "no new uploads in consecutive batches, skipping ahead",
			"batches", w.cfg.SkipAheadAfter,
			"stride", w.cfg.SkipAheadStride,
			"checkpoint", jumped)
	}
}

// uploadOne runs inside the pool: upload, record the outcome, update layers.
func (w *Worker) uploadOne(ctx context.Context, rec catalog.SourceRecord, fp fingerprint.Fingerprint, meta metadata.Record) {
	req := target.UploadRequest{
		Meta:        meta,
		Fingerprint: fp,
		FilePath:    rec.Path,
	}
	if w.cfg.UseSymlinks {
		req.LibraryPath = rec.Path
	}

	start := time.Now()
	out := w.upl.Upload(ctx, req)
	w.met.ObserveUpload(string(out.Kind), time.Since(start))

	switch out.Kind {
	case uploader.NewUploaded:
		w.finish(fp, rec.Path, progress.FileUploaded, true)
		w.logRate(ctx)
		logger.InfoCtx(ctx, "uploaded",
			logger.Path(rec.Path),
			logger.Fingerprint(fp.Hash),
			logger.Size(fp.Size),
			logger.DurationMs(logger.Duration(start)))
	case uploader.AlreadyPresent:
		w.finish(fp, rec.Path, progress.FileAlreadyPresent, true)
	case uploader.PermanentFailure:
		if w.retryAsEPUB(ctx, rec.ShardKey, req, out) {
			return
		}
		logger.ErrorCtx(ctx, "permanent upload failure",
			logger.Path(rec.Path),
			logger.Outcome(out.Reason))
		w.finish(fp, rec.Path, progress.FileUnresolvable, false)
	default: // transient: the record stays open and holds the checkpoint
		logger.WarnCtx(ctx, "transient upload failure, record stays open",
			logger.Path(rec.Path),
			logger.Outcome(out.Reason))
		w.noteOpen(rec.ShardKey)
		w.touch("")
	}
}

// noteOpen records a transiently failed key; the checkpoint stays below it.
func (w *Worker) noteOpen(key int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.openCount == 0 || key < w.openMin {
		w.openMin = key
	}
	w.openCount++
}

// retryAsEPUB converts a format-rejected FB2 to EPUB and uploads the result
// under the original record, so progress and dedup keep tracking the source
// file. Returns false when the rejection is not a conversion candidate.
func (w *Worker) retryAsEPUB(ctx context.Context, key int64, req target.UploadRequest, out uploader.Outcome) bool {
	if w.conv == nil || !strings.EqualFold(filepath.Ext(req.FilePath), ".fb2") {
		return false
	}
	if !strings.Contains(strings.ToLower(out.Reason), "format") {
		return false
	}
	converted, err := w.conv.FB2ToEPUB(ctx, req.FilePath)
	if err != nil {
		logger.WarnCtx(ctx, "fb2 conversion failed", logger.Path(req.FilePath), logger.Err(err))
		return false
	}
	defer os.Remove(converted)

	retry := req
	retry.FilePath = converted
	retry.LibraryPath = "" // converted file lives outside the library
	logger.InfoCtx(ctx, "retrying rejected fb2 as epub", logger.Path(req.FilePath))

	switch res := w.upl.Upload(ctx, retry); res.Kind {
	case uploader.NewUploaded:
		w.finish(req.Fingerprint, req.FilePath, progress.FileUploaded, true)
		w.logRate(ctx)
	case uploader.AlreadyPresent:
		w.finish(req.Fingerprint, req.FilePath, progress.FileAlreadyPresent, true)
	case uploader.TransientFailure:
		logger.WarnCtx(ctx, "converted upload failed transiently, record stays open",
			logger.Path(req.FilePath), logger.Outcome(res.Reason))
		w.noteOpen(key)
		w.touch("")
	default:
		logger.ErrorCtx(ctx, "converted upload failed",
			logger.Path(req.FilePath), logger.Outcome(res.Reason))
		w.finish(req.Fingerprint, req.FilePath, progress.FileUnresolvable, false)
	}
	return true
}

// finish records a terminal outcome for one record.
func (w *Worker) finish(fp fingerprint.Fingerprint, path string, status progress.FileStatus, known bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prog.MarkCompleted(fp, path, status)
	w.pathsDone[path] = struct{}{}
	if status == progress.FileUploaded {
		w.newUploads++
		w.rateCount++
		w.prog.LastUploadedAt = time.Now().UTC()
	}
	if known {
		w.cache.MarkUploaded(fp)
	}
	w.batchDone++
	w.prog.LastActivityAt = time.Now().UTC()
}

// logRate emits an uploads-per-minute figure every uploadRateWindow uploads.
func (w *Worker) logRate(ctx context.Context) {
	w.mu.Lock()
	if w.rateCount < uploadRateWindow {
		w.mu.Unlock()
		return
	}
	elapsed := time.Since(w.rateMark)
	count := w.rateCount
	w.rateCount = 0
	w.rateMark = time.Now()
	w.mu.Unlock()

	perMin := float64(count) / elapsed.Minutes()
	logger.InfoCtx(ctx, "upload rate", "uploads_per_minute", fmt.Sprintf("%.1f", perMin))
}

func (w *Worker) resolveMetadata(ctx context.Context, rec catalog.SourceRecord) metadata.Record {
	if rec.Meta != nil {
		m := *rec.Meta
		m.Sanitize()
		return m
	}
	if w.ext != nil {
		return w.ext.Extract(ctx, rec.Path)
	}
	return metadata.FromFilename(rec.Path)
}

func (w *Worker) seenPath(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pathsDone[path]
	return ok
}

func (w *Worker) setStatus(s progress.Status) {
	w.mu.Lock()
	w.prog.Status = s
	w.prog.LastActivityAt = time.Now().UTC()
	w.mu.Unlock()
}

func (w *Worker) touch(kind string) {
	w.mu.Lock()
	w.store.TouchActivity(w.prog, kind)
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
	if w.pause != nil {
		return w.pause.paused()
	}
	_, err := os.Stat(w.cfg.PauseFlag)
	return err == nil
}

// waitDrain waits for the in-flight pool. An active batch may legitimately
// run for a long time; the drain deadline only applies once the context is
// canceled.
func (w *Worker) waitDrain(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
	}
	select {
	case <-done:
		return true
	case <-time.After(w.cfg.DrainTimeout):
		return false
	}
}

// shutdown commits final progress with the given status.
func (w *Worker) shutdown(ctx context.Context, status progress.Status) error {
	w.setStatus(status)
	if err := w.store.Commit(w.snapshot()); err != nil {
		logger.ErrorCtx(ctx, "final progress commit failed", logger.Err(err))
		return err
	}
	return nil
}
