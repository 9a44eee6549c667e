// Package supervisor watches a migration worker fleet, restarts dead
// workers, scales the fleet by staging-disk pressure, and applies
// advisory-guided fixes to stuck workers.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AmenZhou/shelfsync/internal/logger"
	"github.com/AmenZhou/shelfsync/pkg/fixlog"
	"github.com/AmenZhou/shelfsync/pkg/metrics"
	"github.com/AmenZhou/shelfsync/pkg/oracle"
	"github.com/AmenZhou/shelfsync/pkg/patch"
	"github.com/AmenZhou/shelfsync/pkg/progress"
)

// Oracle is the advisory interface; *oracle.Client satisfies it.
type Oracle interface {
	Analyze(ctx context.Context, d oracle.Diagnostics) *oracle.Recommendation
}

// WorkerState is one shard's condition at observation time.
type WorkerState struct {
	ShardID   int
	PID       int
	Alive     bool
	StartedAt time.Time

	Progress *progress.WorkerProgress
	LogTail  []string

	Stuck       bool
	StuckReason string
}

// pendingFix tracks a fix awaiting its verification window.
type pendingFix struct {
	fixType   fixlog.FixType
	appliedAt time.Time
	deadline  time.Time
}

// Supervisor runs the supervision loop.
type Supervisor struct {
	cfg    Config
	procs  ProcessController
	disk   DiskSampler
	fixes  *fixlog.Log
	oracle Oracle
	met    *metrics.SupervisorMetrics

	now func() time.Time

	lastScaleUp   time.Time
	lastScaleDown time.Time
	pending       map[int]pendingFix

	// shed marks shards deliberately stopped by scale-down so the restart
	// and fix steps leave them down until scale-up brings them back.
	shed map[int]time.Time

	mu           sync.Mutex
	lastSnapshot []WorkerState
	lastDiskUtil float64
}

// Option configures optional supervisor collaborators.
type Option func(*Supervisor)

// WithOracle enables LLM consultation for stuck workers.
func WithOracle(o Oracle) Option {
	return func(s *Supervisor) { s.oracle = o }
}

// WithMetrics attaches supervisor metrics.
func WithMetrics(m *metrics.SupervisorMetrics) Option {
	return func(s *Supervisor) { s.met = m }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// New builds a supervisor. The fix history is opened (or created) at
// cfg.FixHistoryPath.
func New(cfg Config, procs ProcessController, disk DiskSampler, opts ...Option) (*Supervisor, error) {
	cfg.ApplyDefaults()
	fixes, err := fixlog.Open(cfg.FixHistoryPath)
	if err != nil {
		return nil, fmt.Errorf("opening fix history: %w", err)
	}
	s := &Supervisor{
		cfg:     cfg,
		procs:   procs,
		disk:    disk,
		fixes:   fixes,
		now:     time.Now,
		pending: make(map[int]pendingFix),
		shed:    make(map[int]time.Time),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Run executes the loop until the context ends. An iteration runs
// immediately, then every CheckInterval.
func (s *Supervisor) Run(ctx context.Context) error {
	logger.InfoCtx(ctx, "supervisor started",
		"check_interval", s.cfg.CheckInterval,
		"progress_dir", s.cfg.ProgressDir,
		"dry_run", s.cfg.DryRun,
	)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		s.Step(ctx)
		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "supervisor stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Step runs one supervision iteration: observe, verify pending fixes,
// restart dead workers, rebalance the fleet, then fix stuck workers.
func (s *Supervisor) Step(ctx context.Context) {
	snapshot, err := s.observe(ctx)
	if err != nil {
		logger.ErrorCtx(ctx, "fleet observation failed", logger.Err(err))
		return
	}

	s.verifyPending(ctx, snapshot)
	s.restartDead(ctx, snapshot)

	util, err := s.disk.UtilPercent(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "disk utilisation sample failed", logger.Err(err))
		util = -1
	} else {
		s.scale(ctx, snapshot, util)
	}

	stuck := 0
	alive := 0
	for i := range snapshot {
		st := &snapshot[i]
		if st.Alive {
			alive++
		}
		if st.Stuck {
			stuck++
			if _, gone := s.shed[st.ShardID]; !gone {
				s.maybeFix(ctx, st, util)
			}
		}
	}
	s.met.SetFleet(alive, stuck, util)

	s.mu.Lock()
	s.lastSnapshot = snapshot
	s.lastDiskUtil = util
	s.mu.Unlock()
}

// observe joins the process table with each shard's durable progress and
// log tail, then classifies stuck workers.
func (s *Supervisor) observe(ctx context.Context) ([]WorkerState, error) {
	shards, err := progress.ListShards(s.cfg.ProgressDir)
	if err != nil {
		return nil, fmt.Errorf("listing shards: %w", err)
	}
	procs, err := s.procs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	byShard := make(map[int]WorkerProc, len(procs))
	for _, p := range procs {
		byShard[p.ShardID] = p
	}
	// Shards that run but have not committed progress yet still count.
	for shard := range byShard {
		found := false
		for _, k := range shards {
			if k == shard {
				found = true
				break
			}
		}
		if !found {
			shards = append(shards, shard)
		}
	}
	sort.Ints(shards)

	states := make([]WorkerState, 0, len(shards))
	for _, shard := range shards {
		st := WorkerState{ShardID: shard}
		if p, ok := byShard[shard]; ok {
			st.Alive = true
			st.PID = p.PID
			st.StartedAt = p.StartedAt
		}
		prog, err := progress.LoadShard(s.cfg.ProgressDir, shard)
		if err != nil {
			logger.WarnCtx(ctx, "progress unreadable", "shard_id", shard, logger.Err(err))
		} else {
			st.Progress = prog
		}
		tail, err := tailLines(workerLogPath(s.cfg.LogDir, shard), logTailLines)
		if err != nil {
			logger.WarnCtx(ctx, "log tail unreadable", "shard_id", shard, logger.Err(err))
		}
		st.LogTail = tail
		s.classify(&st)
		states = append(states, st)
	}
	return states, nil
}

// classify decides whether a live worker is stuck. Startup gets a longer
// leash than steady-state processing.
func (s *Supervisor) classify(st *WorkerState) {
	if !st.Alive || st.Progress == nil {
		return
	}
	now := s.now()
	p := st.Progress

	switch p.Status {
	case progress.StatusInitializing, progress.StatusDiscovering:
		// The long init leash is for workers that have never uploaded.
		// One that has already uploaded and slid back into discovery is
		// held to the since-last-upload rule; a wedged catalog query
		// should not hide behind startup grace.
		if !p.LastUploadedAt.IsZero() {
			if since := now.Sub(p.LastUploadedAt); since > s.cfg.StuckThreshold {
				st.Stuck = true
				st.StuckReason = fmt.Sprintf("no uploads for %s", since.Round(time.Second))
			}
			return
		}
		if !st.StartedAt.IsZero() && now.Sub(st.StartedAt) < s.cfg.InitGrace {
			return
		}
		last := lastProgressAt(workerLogPath(s.cfg.LogDir, st.ShardID), st.LogTail)
		if last.IsZero() || now.Sub(last) > s.cfg.InitSilence {
			st.Stuck = true
			st.StuckReason = "no progress signals since startup"
		}
	case progress.StatusPaused:
		// Paused on purpose; leave it alone.
	default:
		if !p.LastUploadedAt.IsZero() {
			if since := now.Sub(p.LastUploadedAt); since > s.cfg.StuckThreshold {
				st.Stuck = true
				st.StuckReason = fmt.Sprintf("no uploads for %s", since.Round(time.Second))
			}
			return
		}
		if !p.LastActivityAt.IsZero() {
			if since := now.Sub(p.LastActivityAt); since > s.cfg.StuckThreshold {
				st.Stuck = true
				st.StuckReason = fmt.Sprintf("no activity for %s", since.Round(time.Second))
			}
		}
	}
}

// verifyPending resolves fixes whose verification window has elapsed. A
// worker that is alive and no longer stuck verified; anything else did not.
func (s *Supervisor) verifyPending(ctx context.Context, snapshot []WorkerState) {
	now := s.now()
	for shard, pf := range s.pending {
		if now.Before(pf.deadline) {
			continue
		}
		outcome := fixlog.OutcomeNotRecovered
		for i := range snapshot {
			st := &snapshot[i]
			if st.ShardID != shard {
				continue
			}
			recovered := st.Alive && !st.Stuck
			if st.Progress != nil && st.Progress.LastUploadedAt.After(pf.appliedAt) {
				recovered = true
			}
			if recovered {
				outcome = fixlog.OutcomeVerifiedOK
			}
			break
		}
		if err := s.fixes.UpdateLastOutcome(shard, outcome); err != nil {
			logger.WarnCtx(ctx, "recording fix outcome failed", "shard_id", shard, logger.Err(err))
		}
		s.met.ObserveFix(string(pf.fixType), string(outcome))
		logger.InfoCtx(ctx, "fix verification complete",
			"shard_id", shard,
			"fix_type", pf.fixType,
			"outcome", outcome,
		)
		delete(s.pending, shard)
	}
}

// restartDead relaunches shards with durable progress but no live process.
func (s *Supervisor) restartDead(ctx context.Context, snapshot []WorkerState) {
	for i := range snapshot {
		st := &snapshot[i]
		if st.Alive || st.Progress == nil {
			continue
		}
		if st.Progress.Status == progress.StatusPaused {
			continue
		}
		if s.pauseFlagged(st.ShardID) {
			continue
		}
		if _, gone := s.shed[st.ShardID]; gone {
			continue
		}
		logger.WarnCtx(ctx, "worker dead, restarting",
			"shard_id", st.ShardID,
			"last_pid", st.Progress.PID,
		)
		if s.cfg.DryRun {
			continue
		}
		if err := s.procs.Start(ctx, st.ShardID); err != nil {
			logger.ErrorCtx(ctx, "worker restart failed", "shard_id", st.ShardID, logger.Err(err))
		}
	}
}

// scale applies fleet sizing: saturated disk plus a stuck worker sheds the
// highest shard; idle disk with a small fleet adds one.
func (s *Supervisor) scale(ctx context.Context, snapshot []WorkerState, util float64) {
	now := s.now()
	alive := 0
	anyStuck := false
	victim := -1
	victimPID := 0
	running := make(map[int]bool)
	for i := range snapshot {
		st := &snapshot[i]
		if !st.Alive {
			continue
		}
		alive++
		running[st.ShardID] = true
		if st.Stuck {
			anyStuck = true
		}
		if st.ShardID > victim {
			victim = st.ShardID
			victimPID = st.PID
		}
	}

	if util >= s.cfg.ScaleDownUtilPct && anyStuck && alive > s.cfg.MinWorkers {
		if now.Sub(s.lastScaleDown) < s.cfg.ScaleDownCooldown {
			return
		}
		logger.WarnCtx(ctx, "disk saturated, shedding worker",
			"disk_util_pct", util,
			"shard_id", victim,
			"fleet_size", alive,
		)
		if s.cfg.DryRun {
			return
		}
		if err := s.procs.Stop(ctx, victimPID, true); err != nil {
			logger.ErrorCtx(ctx, "scale-down stop failed", "shard_id", victim, logger.Err(err))
			return
		}
		s.lastScaleDown = now
		s.shed[victim] = now
		s.met.ObserveScale("down")
		return
	}

	if util >= 0 && util < s.cfg.ScaleUpUtilPct && alive < s.cfg.TargetWorkers && alive < s.cfg.MaxWorkers {
		if now.Sub(s.lastScaleUp) < s.cfg.ScaleUpCooldown {
			return
		}
		next := -1
		for shard := 0; shard < s.cfg.MaxWorkers; shard++ {
			if !running[shard] && !s.pauseFlagged(shard) {
				next = shard
				break
			}
		}
		if next < 0 {
			return
		}
		logger.InfoCtx(ctx, "disk idle, adding worker",
			"disk_util_pct", util,
			"shard_id", next,
			"fleet_size", alive,
		)
		if s.cfg.DryRun {
			return
		}
		if err := s.procs.Start(ctx, next); err != nil {
			logger.ErrorCtx(ctx, "scale-up start failed", "shard_id", next, logger.Err(err))
			return
		}
		s.lastScaleUp = now
		delete(s.shed, next)
		s.met.ObserveScale("up")
	}
}

// maybeFix intervenes on a stuck worker, respecting the per-worker cooldown
// and the rolling attempt cap.
func (s *Supervisor) maybeFix(ctx context.Context, st *WorkerState, diskUtil float64) {
	if _, verifying := s.pending[st.ShardID]; verifying {
		return
	}
	now := s.now()
	failed := s.fixes.FailedAttemptsInWindow(st.ShardID, s.cfg.AttemptWindow)
	if failed >= s.cfg.MaxAttempts {
		s.escalate(ctx, st, failed)
		return
	}
	if last := s.fixes.LastAttempt(st.ShardID); last != nil && now.Sub(last.TS) < s.cfg.FixCooldown {
		return
	}

	diag := oracle.Diagnostics{
		WorkerID:     st.ShardID,
		LogTail:      st.LogTail,
		ErrorPattern: errorPattern(st.LogTail),
		DiskUtilPct:  diskUtil,
	}
	if st.Progress != nil {
		diag.ShardKeyLow = st.Progress.LastProcessedKey
	}
	diag.Recurrences = s.fixes.RecurrenceCount(st.ShardID, diag.ErrorPattern, DefaultRecurrenceOverlap)
	if s.cfg.SourceDir != "" && repeatedCheckpoint(st.LogTail) {
		src := filepath.Join(s.cfg.SourceDir, "pkg", "catalog", "sqlite.go")
		if snip, err := patch.ExtractFunction(src, "NextBatch"); err == nil {
			diag.CodeSnippets = map[string]string{"NextBatch": snip}
		} else {
			logger.WarnCtx(ctx, "could not attach catalog snippet", logger.Err(err))
		}
	}

	rec := s.recommend(ctx, diag)
	s.apply(ctx, st, diag, rec, failed)
}

// recommend produces a fix recommendation. Simple failure shapes resolve by
// rule without consulting the oracle; everything else goes to the oracle
// when one is configured, and to the restart default otherwise.
func (s *Supervisor) recommend(ctx context.Context, diag oracle.Diagnostics) *oracle.Recommendation {
	if r := ruleRecommend(diag); r != nil {
		logger.InfoCtx(ctx, "fix resolved by rule",
			"shard_id", diag.WorkerID,
			"fix_type", r.FixType,
			"root_cause", r.RootCause,
		)
		return r
	}
	if s.oracle != nil {
		return s.oracle.Analyze(ctx, diag)
	}
	return &oracle.Recommendation{
		RootCause:   "worker stuck, no diagnosis available",
		FixType:     fixlog.FixRestart,
		Confidence:  0.5,
		Description: "restart the worker",
	}
}

// ruleRecommend handles failure shapes that never need an oracle.
func ruleRecommend(diag oracle.Diagnostics) *oracle.Recommendation {
	pattern := strings.ToLower(diag.ErrorPattern)
	if pattern == "" {
		return nil
	}
	for _, transient := range []string{
		"connection refused",
		"connection reset",
		"i/o timeout",
		"context deadline exceeded",
		"temporary failure in name resolution",
	} {
		if strings.Contains(pattern, transient) {
			return &oracle.Recommendation{
				RootCause:   "transient network failure against the target service",
				FixType:     fixlog.FixRestart,
				Confidence:  0.9,
				Description: "network errors clear on restart",
			}
		}
	}
	if strings.Contains(pattern, "too many open files") {
		return &oracle.Recommendation{
			RootCause:   "file descriptor exhaustion from upload parallelism",
			FixType:     fixlog.FixConfig,
			Confidence:  0.8,
			Description: "reduce upload parallelism",
			Params:      map[string]string{"parallel_uploads": "2"},
		}
	}
	return nil
}

// apply executes a recommendation and records the attempt. Code fixes are
// gated on configuration, confidence, and the presence of a patch; a gated
// code fix degrades to a restart.
func (s *Supervisor) apply(ctx context.Context, st *WorkerState, diag oracle.Diagnostics, rec *oracle.Recommendation, priorFailed int) {
	fixType := rec.FixType
	if fixType == fixlog.FixCode {
		switch {
		case !s.cfg.EnableCodeFixes:
			logger.WarnCtx(ctx, "code fix recommended but disabled, restarting instead",
				"shard_id", st.ShardID, "root_cause", rec.RootCause)
			fixType = fixlog.FixRestart
		case rec.Confidence < CodeFixMinConfidence || rec.Patch == nil:
			logger.WarnCtx(ctx, "code fix below confidence gate, restarting instead",
				"shard_id", st.ShardID, "confidence", rec.Confidence)
			fixType = fixlog.FixRestart
		case diag.Recurrences < DefaultRecurrenceBias:
			// Code fixes are reserved for failures that keep coming back.
			logger.WarnCtx(ctx, "code fix deferred until the failure recurs, restarting instead",
				"shard_id", st.ShardID, "recurrences", diag.Recurrences)
			fixType = fixlog.FixRestart
		}
	}

	logger.InfoCtx(ctx, "applying fix",
		"shard_id", st.ShardID,
		"fix_type", fixType,
		"root_cause", rec.RootCause,
		"confidence", rec.Confidence,
		"recurrences", diag.Recurrences,
		"attempt", priorFailed+1,
		"dry_run", s.cfg.DryRun,
	)
	if s.cfg.DryRun {
		return
	}

	var err error
	switch fixType {
	case fixlog.FixRestart:
		err = s.restartWorker(ctx, st)
	case fixlog.FixConfig:
		if err = s.writeOverrides(st.ShardID, rec.Params); err == nil {
			err = s.restartWorker(ctx, st)
		}
	case fixlog.FixCode:
		p := *rec.Patch
		if s.cfg.SourceDir != "" && !filepath.IsAbs(p.File) {
			p.File = filepath.Join(s.cfg.SourceDir, p.File)
		}
		var res *patch.Result
		if res, err = patch.Apply(p); err != nil {
			logger.ErrorCtx(ctx, "patch rejected, restarting instead",
				"shard_id", st.ShardID, logger.Err(err))
			fixType = fixlog.FixRestart
			err = s.restartWorker(ctx, st)
		} else {
			logger.InfoCtx(ctx, "patch applied",
				"shard_id", st.ShardID, "file", p.File, "backup", res.BackupPath)
			err = s.restartWorker(ctx, st)
		}
	}
	if err != nil {
		logger.ErrorCtx(ctx, "fix execution failed", "shard_id", st.ShardID, logger.Err(err))
		return
	}

	now := s.now()
	attempt := fixlog.FixAttempt{
		WorkerID:     st.ShardID,
		TS:           now,
		RootCause:    rec.RootCause,
		FixType:      fixType,
		Params:       encodeParams(rec.Params),
		Outcome:      fixlog.OutcomePending,
		AttemptIndex: priorFailed + 1,
	}
	if err := s.fixes.Append(attempt); err != nil {
		logger.ErrorCtx(ctx, "recording fix attempt failed", "shard_id", st.ShardID, logger.Err(err))
	}
	s.pending[st.ShardID] = pendingFix{
		fixType:   fixType,
		appliedAt: now,
		deadline:  now.Add(s.cfg.VerifyWindow),
	}
	s.met.ObserveFix(string(fixType), string(fixlog.OutcomePending))
}

// escalate pauses a worker that exhausted its fix budget so an operator can
// look at it.
func (s *Supervisor) escalate(ctx context.Context, st *WorkerState, failed int) {
	flag := s.pauseFlagPath(st.ShardID)
	if s.pauseFlagged(st.ShardID) {
		return
	}
	logger.ErrorCtx(ctx, "fix budget exhausted, pausing worker for operator review",
		"shard_id", st.ShardID,
		"failed_attempts", failed,
		"window", s.cfg.AttemptWindow,
		"pause_flag", flag,
	)
	if s.cfg.DryRun {
		return
	}
	msg := fmt.Sprintf("paused by supervisor at %s after %d failed fixes\n",
		s.now().Format(time.RFC3339), failed)
	if err := os.WriteFile(flag, []byte(msg), 0o644); err != nil {
		logger.ErrorCtx(ctx, "writing pause flag failed", "shard_id", st.ShardID, logger.Err(err))
		return
	}
	s.met.ObserveFix("escalate", "paused")
}

// restartWorker stops the process if still running, then relaunches it.
func (s *Supervisor) restartWorker(ctx context.Context, st *WorkerState) error {
	if st.Alive {
		if err := s.procs.Stop(ctx, st.PID, true); err != nil {
			return fmt.Errorf("stopping worker %d: %w", st.ShardID, err)
		}
	}
	if err := s.procs.Start(ctx, st.ShardID); err != nil {
		return fmt.Errorf("starting worker %d: %w", st.ShardID, err)
	}
	return nil
}

// writeOverrides persists config-fix parameters where the worker's launcher
// merges them on its next start.
func (s *Supervisor) writeOverrides(shardID int, params map[string]string) error {
	if len(params) == 0 {
		return fmt.Errorf("config fix carries no parameters")
	}
	data, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding overrides: %w", err)
	}
	path := OverridesPath(s.cfg.ProgressDir, shardID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing overrides: %w", err)
	}
	return nil
}

// OverridesPath is where config fixes for a shard land; worker launchers
// merge this file over their base configuration.
func OverridesPath(progressDir string, shardID int) string {
	return filepath.Join(progressDir, fmt.Sprintf("worker%d.overrides.json", shardID))
}

// PauseFlagPath is the per-shard pause flag honoured by workers.
func PauseFlagPath(progressDir string, shardID int) string {
	return filepath.Join(progressDir, fmt.Sprintf("worker%d.pause", shardID))
}

func (s *Supervisor) pauseFlagPath(shardID int) string {
	return PauseFlagPath(s.cfg.ProgressDir, shardID)
}

func (s *Supervisor) pauseFlagged(shardID int) bool {
	_, err := os.Stat(s.pauseFlagPath(shardID))
	return err == nil
}

func encodeParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	data, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	return string(data)
}
