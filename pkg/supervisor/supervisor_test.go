package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmenZhou/shelfsync/pkg/fixlog"
	"github.com/AmenZhou/shelfsync/pkg/oracle"
	"github.com/AmenZhou/shelfsync/pkg/patch"
	"github.com/AmenZhou/shelfsync/pkg/progress"
)

type fakeFleet struct {
	mu      sync.Mutex
	procs   []WorkerProc
	started []int
	stopped []int
}

func (f *fakeFleet) List(context.Context) ([]WorkerProc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]WorkerProc, len(f.procs))
	copy(out, f.procs)
	return out, nil
}

func (f *fakeFleet) Start(_ context.Context, shardID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, shardID)
	return nil
}

func (f *fakeFleet) Stop(_ context.Context, pid int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, pid)
	for i, p := range f.procs {
		if p.PID == pid {
			f.procs = append(f.procs[:i], f.procs[i+1:]...)
			break
		}
	}
	return nil
}

type fakeDisk struct{ util float64 }

func (d fakeDisk) UtilPercent(context.Context) (float64, error) { return d.util, nil }

type fakeOracle struct {
	rec   *oracle.Recommendation
	calls int
}

func (o *fakeOracle) Analyze(context.Context, oracle.Diagnostics) *oracle.Recommendation {
	o.calls++
	return o.rec
}

type harness struct {
	t     *testing.T
	dir   string
	fleet *fakeFleet
	disk  *fakeDisk
	clock time.Time
	sup   *Supervisor
}

func newHarness(t *testing.T, mutate func(*Config), opts ...Option) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		t:     t,
		dir:   dir,
		fleet: &fakeFleet{},
		disk:  &fakeDisk{util: 60},
		// Anchored to real time: the fix history judges its rolling
		// window against the wall clock.
		clock: time.Now(),
	}
	cfg := Config{
		ProgressDir:    dir,
		LogDir:         dir,
		FixHistoryPath: filepath.Join(dir, "fix_history.jsonl"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append(opts, WithClock(func() time.Time { return h.clock }))
	sup, err := New(cfg, h.fleet, h.disk, opts...)
	require.NoError(t, err)
	h.sup = sup
	return h
}

// commitProgress writes a shard progress file aged relative to the harness
// clock.
func (h *harness) commitProgress(shardID int, status progress.Status, lastUpload, lastActivity time.Duration) {
	h.t.Helper()
	p := progress.New(shardID)
	p.Status = status
	if lastUpload > 0 {
		p.LastUploadedAt = h.clock.Add(-lastUpload)
	}
	if lastActivity > 0 {
		p.LastActivityAt = h.clock.Add(-lastActivity)
	}
	store := progress.NewStore(h.dir, shardID)
	require.NoError(h.t, store.Commit(p))
}

func (h *harness) addProc(shardID, pid int, age time.Duration) {
	h.fleet.procs = append(h.fleet.procs, WorkerProc{
		ShardID:   shardID,
		PID:       pid,
		StartedAt: h.clock.Add(-age),
	})
}

func (h *harness) writeLog(shardID int, lines ...string) {
	h.t.Helper()
	var buf []byte
	for _, l := range lines {
		buf = append(buf, l...)
		buf = append(buf, '\n')
	}
	require.NoError(h.t, os.WriteFile(workerLogPath(h.dir, shardID), buf, 0o644))
}

func TestClassify_NoUploadsMarksStuck(t *testing.T) {
	h := newHarness(t, nil)
	h.commitProgress(0, progress.StatusProcessing, 6*time.Minute, time.Minute)
	h.addProc(0, 100, time.Hour)

	snap, err := h.sup.observe(context.Background())
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Stuck)
	assert.Contains(t, snap[0].StuckReason, "no uploads")
}

func TestClassify_RecentUploadIsHealthy(t *testing.T) {
	h := newHarness(t, nil)
	h.commitProgress(0, progress.StatusProcessing, 2*time.Minute, time.Minute)
	h.addProc(0, 100, time.Hour)

	snap, err := h.sup.observe(context.Background())
	require.NoError(t, err)
	assert.False(t, snap[0].Stuck)
}

func TestClassify_DedupPhaseUsesActivity(t *testing.T) {
	h := newHarness(t, nil)
	// Never uploaded, but activity is fresh: a shard full of duplicates.
	h.commitProgress(0, progress.StatusProcessing, 0, time.Minute)
	h.addProc(0, 100, time.Hour)

	snap, err := h.sup.observe(context.Background())
	require.NoError(t, err)
	assert.False(t, snap[0].Stuck)

	// Now the activity goes silent too.
	h.commitProgress(0, progress.StatusProcessing, 0, 7*time.Minute)
	snap, err = h.sup.observe(context.Background())
	require.NoError(t, err)
	assert.True(t, snap[0].Stuck)
}

func TestClassify_StartupGracePeriod(t *testing.T) {
	h := newHarness(t, nil)
	h.commitProgress(0, progress.StatusInitializing, 0, 0)
	h.addProc(0, 100, 5*time.Minute)

	snap, err := h.sup.observe(context.Background())
	require.NoError(t, err)
	assert.False(t, snap[0].Stuck, "young worker still inside the grace period")

	// Same worker past the grace period with a silent log.
	h.fleet.procs[0].StartedAt = h.clock.Add(-30 * time.Minute)
	snap, err = h.sup.observe(context.Background())
	require.NoError(t, err)
	assert.True(t, snap[0].Stuck)
}

func TestClassify_DiscoveringAfterUploadsUsesUploadRule(t *testing.T) {
	h := newHarness(t, nil)
	h.commitProgress(0, progress.StatusDiscovering, 6*time.Minute, time.Minute)
	h.addProc(0, 100, 2*time.Minute)

	snap, err := h.sup.observe(context.Background())
	require.NoError(t, err)
	assert.True(t, snap[0].Stuck, "startup grace does not shield a worker that has uploaded before")

	h.commitProgress(0, progress.StatusDiscovering, 2*time.Minute, time.Minute)
	snap, err = h.sup.observe(context.Background())
	require.NoError(t, err)
	assert.False(t, snap[0].Stuck)
}

func TestClassify_PausedIsLeftAlone(t *testing.T) {
	h := newHarness(t, nil)
	h.commitProgress(0, progress.StatusPaused, time.Hour, time.Hour)
	h.addProc(0, 100, time.Hour)

	snap, err := h.sup.observe(context.Background())
	require.NoError(t, err)
	assert.False(t, snap[0].Stuck)
}

func TestStep_RestartsDeadWorker(t *testing.T) {
	h := newHarness(t, nil)
	h.commitProgress(2, progress.StatusProcessing, time.Minute, time.Minute)
	// No process for shard 2.

	h.sup.Step(context.Background())
	assert.Equal(t, []int{2}, h.fleet.started)
}

func TestStep_DoesNotRestartPausedShard(t *testing.T) {
	h := newHarness(t, nil)
	h.commitProgress(1, progress.StatusPaused, time.Minute, time.Minute)

	h.sup.Step(context.Background())
	assert.Empty(t, h.fleet.started)
}

func TestScale_SheddsHighestShardWhenSaturated(t *testing.T) {
	h := newHarness(t, nil)
	h.disk.util = 95
	h.commitProgress(0, progress.StatusProcessing, time.Minute, time.Minute)
	h.commitProgress(1, progress.StatusProcessing, time.Minute, time.Minute)
	h.commitProgress(2, progress.StatusProcessing, 10*time.Minute, 10*time.Minute)
	h.addProc(0, 100, time.Hour)
	h.addProc(1, 101, time.Hour)
	h.addProc(2, 102, time.Hour)

	h.sup.Step(context.Background())
	require.Equal(t, []int{102}, h.fleet.stopped, "highest shard goes first")

	// Second pass inside the cooldown does nothing more.
	h.disk.util = 99
	h.clock = h.clock.Add(time.Minute)
	h.sup.Step(context.Background())
	assert.Len(t, h.fleet.stopped, 1)
}

func TestScale_NoShedWithoutStuckWorker(t *testing.T) {
	h := newHarness(t, nil)
	h.disk.util = 95
	h.commitProgress(0, progress.StatusProcessing, time.Minute, time.Minute)
	h.commitProgress(1, progress.StatusProcessing, time.Minute, time.Minute)
	h.addProc(0, 100, time.Hour)
	h.addProc(1, 101, time.Hour)

	h.sup.Step(context.Background())
	assert.Empty(t, h.fleet.stopped)
}

func TestScale_AddsWorkerWhenIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.disk.util = 20
	h.commitProgress(0, progress.StatusProcessing, time.Minute, time.Minute)
	h.addProc(0, 100, time.Hour)

	h.sup.Step(context.Background())
	require.Equal(t, []int{1}, h.fleet.started, "lowest free shard comes up")

	// Cooldown suppresses a second start.
	h.clock = h.clock.Add(time.Minute)
	h.sup.Step(context.Background())
	assert.Len(t, h.fleet.started, 1)
}

func TestScale_RespectsTargetSize(t *testing.T) {
	h := newHarness(t, nil)
	h.disk.util = 20
	for shard := 0; shard < DefaultTargetWorkers; shard++ {
		h.commitProgress(shard, progress.StatusProcessing, time.Minute, time.Minute)
		h.addProc(shard, 100+shard, time.Hour)
	}

	h.sup.Step(context.Background())
	assert.Empty(t, h.fleet.started)
}

func TestFix_RuleRestartForNetworkErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.commitProgress(0, progress.StatusProcessing, 10*time.Minute, 10*time.Minute)
	h.addProc(0, 100, time.Hour)
	h.writeLog(0, `level=ERROR msg="upload failed" error="dial tcp: connection refused"`)

	h.sup.Step(context.Background())

	assert.Equal(t, []int{100}, h.fleet.stopped)
	assert.Equal(t, []int{0}, h.fleet.started)
	last := h.sup.fixes.LastAttempt(0)
	require.NotNil(t, last)
	assert.Equal(t, fixlog.FixRestart, last.FixType)
	assert.Equal(t, fixlog.OutcomePending, last.Outcome)
}

func TestFix_RuleConfigForFdExhaustion(t *testing.T) {
	h := newHarness(t, nil)
	h.commitProgress(0, progress.StatusProcessing, 10*time.Minute, 10*time.Minute)
	h.addProc(0, 100, time.Hour)
	h.writeLog(0, `level=ERROR msg="open failed" error="too many open files"`)

	h.sup.Step(context.Background())

	last := h.sup.fixes.LastAttempt(0)
	require.NotNil(t, last)
	assert.Equal(t, fixlog.FixConfig, last.FixType)
	data, err := os.ReadFile(OverridesPath(h.dir, 0))
	require.NoError(t, err)
	assert.Contains(t, string(data), "parallel_uploads")
}

func TestFix_OracleConsultedWhenNoRuleMatches(t *testing.T) {
	fo := &fakeOracle{rec: &oracle.Recommendation{
		RootCause:  "catalog lock contention",
		FixType:    fixlog.FixRestart,
		Confidence: 0.8,
	}}
	h := newHarness(t, nil, WithOracle(fo))
	h.commitProgress(0, progress.StatusProcessing, 10*time.Minute, 10*time.Minute)
	h.addProc(0, 100, time.Hour)
	h.writeLog(0, `level=ERROR msg="database is locked"`)

	h.sup.Step(context.Background())

	assert.Equal(t, 1, fo.calls)
	last := h.sup.fixes.LastAttempt(0)
	require.NotNil(t, last)
	assert.Equal(t, "catalog lock contention", last.RootCause)
}

func TestFix_OracleSkippedWhenRuleSuffices(t *testing.T) {
	fo := &fakeOracle{rec: &oracle.Recommendation{FixType: fixlog.FixRestart, RootCause: "x", Confidence: 1}}
	h := newHarness(t, nil, WithOracle(fo))
	h.commitProgress(0, progress.StatusProcessing, 10*time.Minute, 10*time.Minute)
	h.addProc(0, 100, time.Hour)
	h.writeLog(0, `level=ERROR error="i/o timeout"`)

	h.sup.Step(context.Background())
	assert.Zero(t, fo.calls)
}

func TestFix_CodeFixDegradesToRestartWhenDisabled(t *testing.T) {
	fo := &fakeOracle{rec: &oracle.Recommendation{
		RootCause:  "nil map write in metadata merge",
		FixType:    fixlog.FixCode,
		Confidence: 0.9,
		Patch:      &patch.Patch{Kind: patch.KindReplace, File: "x.go", Old: "a", New: "b"},
	}}
	h := newHarness(t, nil, WithOracle(fo))
	h.commitProgress(0, progress.StatusProcessing, 10*time.Minute, 10*time.Minute)
	h.addProc(0, 100, time.Hour)
	h.writeLog(0, `panic: assignment to entry in nil map`)

	h.sup.Step(context.Background())

	last := h.sup.fixes.LastAttempt(0)
	require.NotNil(t, last)
	assert.Equal(t, fixlog.FixRestart, last.FixType, "code fixes stay off unless enabled")
	assert.Equal(t, []int{0}, h.fleet.started)
}

func TestFix_CodeFixWaitsForRecurrence(t *testing.T) {
	fo := &fakeOracle{rec: &oracle.Recommendation{
		RootCause:  "nil map write in metadata merge",
		FixType:    fixlog.FixCode,
		Confidence: 0.9,
		Patch:      &patch.Patch{Kind: patch.KindReplace, File: "x.go", Old: "a", New: "b"},
	}}
	h := newHarness(t, func(c *Config) { c.EnableCodeFixes = true }, WithOracle(fo))
	h.commitProgress(0, progress.StatusProcessing, 10*time.Minute, 10*time.Minute)
	h.addProc(0, 100, time.Hour)
	h.writeLog(0, `panic: assignment to entry in nil map`)

	h.sup.Step(context.Background())

	last := h.sup.fixes.LastAttempt(0)
	require.NotNil(t, last)
	assert.Equal(t, fixlog.FixRestart, last.FixType, "first occurrence restarts, code fix waits")
}

func TestFix_CooldownBetweenAttempts(t *testing.T) {
	h := newHarness(t, nil)
	h.commitProgress(0, progress.StatusProcessing, 10*time.Minute, 10*time.Minute)
	h.addProc(0, 100, time.Hour)
	h.writeLog(0, `level=ERROR error="connection refused"`)

	h.sup.Step(context.Background())
	require.Len(t, h.fleet.started, 1)

	// Verification window passes, the worker is still stuck, but the fix
	// cooldown has not elapsed yet.
	h.clock = h.clock.Add(3 * time.Minute)
	h.addProc(0, 200, 3*time.Minute)
	h.sup.Step(context.Background())
	assert.Len(t, h.fleet.started, 1)

	// Past the cooldown a second attempt goes out.
	h.clock = h.clock.Add(8 * time.Minute)
	h.sup.Step(context.Background())
	assert.Len(t, h.fleet.started, 2)
}

func TestVerification_RecoveredWorkerVerifiesOK(t *testing.T) {
	h := newHarness(t, nil)
	h.commitProgress(0, progress.StatusProcessing, 10*time.Minute, 10*time.Minute)
	h.addProc(0, 100, time.Hour)
	h.writeLog(0, `level=ERROR error="connection refused"`)

	h.sup.Step(context.Background())
	require.NotNil(t, h.sup.fixes.LastAttempt(0))

	// The restarted worker uploads again inside the verification window.
	h.clock = h.clock.Add(3 * time.Minute)
	h.addProc(0, 200, 3*time.Minute)
	h.commitProgress(0, progress.StatusProcessing, time.Minute, time.Minute)

	h.sup.Step(context.Background())
	last := h.sup.fixes.LastAttempt(0)
	require.NotNil(t, last)
	assert.Equal(t, fixlog.OutcomeVerifiedOK, last.Outcome)
	assert.Empty(t, h.sup.pending)
}

func TestEscalation_PausesAfterFixBudget(t *testing.T) {
	h := newHarness(t, nil)
	h.commitProgress(0, progress.StatusProcessing, 10*time.Minute, 10*time.Minute)
	h.addProc(0, 100, time.Hour)
	h.writeLog(0, `level=ERROR error="connection refused"`)

	for i := 0; i < DefaultMaxAttempts; i++ {
		require.NoError(t, h.sup.fixes.Append(fixlog.FixAttempt{
			WorkerID:     0,
			TS:           h.clock.Add(-time.Duration(30-i*11) * time.Minute),
			RootCause:    "connection refused",
			FixType:      fixlog.FixRestart,
			Outcome:      fixlog.OutcomeNotRecovered,
			AttemptIndex: i + 1,
		}))
	}

	h.sup.Step(context.Background())

	_, err := os.Stat(PauseFlagPath(h.dir, 0))
	assert.NoError(t, err, "pause flag written for operator review")
	assert.Empty(t, h.fleet.started, "no further fixes after escalation")
}

func TestDryRun_ObservesWithoutActing(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DryRun = true })
	h.disk.util = 95
	h.commitProgress(0, progress.StatusProcessing, 10*time.Minute, 10*time.Minute)
	h.commitProgress(1, progress.StatusProcessing, time.Minute, time.Minute)
	h.commitProgress(2, progress.StatusProcessing, time.Minute, time.Minute)
	h.addProc(0, 100, time.Hour)
	h.addProc(1, 101, time.Hour)
	h.writeLog(0, `level=ERROR error="connection refused"`)
	// Shard 2 is dead and would normally restart.

	h.sup.Step(context.Background())

	assert.Empty(t, h.fleet.started)
	assert.Empty(t, h.fleet.stopped)
	assert.Nil(t, h.sup.fixes.LastAttempt(0))
}

func TestSnapshot_ReflectsLastStep(t *testing.T) {
	h := newHarness(t, nil)
	h.commitProgress(0, progress.StatusProcessing, time.Minute, time.Minute)
	h.addProc(0, 100, time.Hour)

	h.sup.Step(context.Background())
	fs := h.sup.Snapshot()
	require.Len(t, fs.Workers, 1)
	assert.Equal(t, 0, fs.Workers[0].ShardID)
	assert.True(t, fs.Workers[0].Alive)
	assert.Equal(t, "processing", fs.Workers[0].Status)
	assert.InDelta(t, 60, fs.DiskUtilPct, 0.01)
}

func TestRenderStatus(t *testing.T) {
	fs := FleetStatus{
		DiskUtilPct: 42.5,
		Workers: []WorkerStatus{
			{ShardID: 0, PID: 100, Alive: true, Status: "processing", LastKey: 5000, Uploaded: 120},
			{ShardID: 1, PID: 101, Alive: true, Status: "processing", Stuck: true, StuckReason: "no uploads for 6m0s"},
		},
	}
	var buf writerBuffer
	RenderStatus(&buf, fs)
	out := buf.String()
	assert.Contains(t, out, "processing")
	assert.Contains(t, out, "stuck: no uploads")
	assert.Contains(t, out, "42.5%")
}

type writerBuffer struct{ b []byte }

func (w *writerBuffer) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func (w *writerBuffer) String() string { return string(w.b) }

func TestShardFromArgs(t *testing.T) {
	shard, ok := shardFromArgs("/usr/bin/shelfsync", []string{"/usr/bin/shelfsync", "run", "--shard-id", "3"})
	require.True(t, ok)
	assert.Equal(t, 3, shard)

	_, ok = shardFromArgs("/usr/bin/shelfsync", []string{"/usr/bin/other", "--shard-id", "3"})
	assert.False(t, ok)

	_, ok = shardFromArgs("/usr/bin/shelfsync", []string{"/usr/bin/shelfsync", "status"})
	assert.False(t, ok)
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var c Config
	c.ApplyDefaults()
	assert.Equal(t, DefaultCheckInterval, c.CheckInterval)
	assert.Equal(t, DefaultStuckThreshold, c.StuckThreshold)
	assert.Equal(t, DefaultMaxWorkers, c.MaxWorkers)
	assert.Equal(t, DefaultScaleDownCooldown, c.ScaleDownCooldown)
	assert.False(t, c.EnableCodeFixes)
	assert.Equal(t, "fix_history.jsonl", c.FixHistoryPath)
}

func TestStatusRoutes(t *testing.T) {
	h := newHarness(t, nil)
	h.commitProgress(0, progress.StatusProcessing, time.Minute, time.Minute)
	h.addProc(0, 100, time.Hour)
	h.sup.Step(context.Background())

	r := h.sup.Routes()
	require.NotNil(t, r)
}

func TestCollectStatus(t *testing.T) {
	dir := t.TempDir()
	for shard := 0; shard < 2; shard++ {
		p := progress.New(shard)
		p.Status = progress.StatusProcessing
		p.LastProcessedKey = int64(1000 * (shard + 1))
		require.NoError(t, progress.NewStore(dir, shard).Commit(p))
	}

	fs, err := CollectStatus(dir)
	require.NoError(t, err)
	require.Len(t, fs.Workers, 2)
	assert.Equal(t, int64(1000), fs.Workers[0].LastKey)
	assert.Equal(t, int64(2000), fs.Workers[1].LastKey)
}

func TestTailLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "w.log")
	var content []byte
	for i := 0; i < 100; i++ {
		content = append(content, fmt.Sprintf("line %d\n", i)...)
	}
	require.NoError(t, os.WriteFile(path, content, 0o644))

	lines, err := tailLines(path, 10)
	require.NoError(t, err)
	require.Len(t, lines, 10)
	assert.Equal(t, "line 90", lines[0])
	assert.Equal(t, "line 99", lines[9])

	missing, err := tailLines(filepath.Join(dir, "nope.log"), 10)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRepeatedCheckpoint(t *testing.T) {
	stuck := []string{
		`level=INFO msg="Processed batch" records=1000 new_uploads=0 checkpoint=42000`,
		`level=INFO msg="waiting"`,
		`level=INFO msg="Processed batch" records=1000 new_uploads=0 checkpoint=42000`,
		`level=INFO msg="Processed batch" records=1000 new_uploads=0 checkpoint=42000`,
	}
	assert.True(t, repeatedCheckpoint(stuck))

	moving := []string{
		`level=INFO msg="Processed batch" checkpoint=1000`,
		`level=INFO msg="Processed batch" checkpoint=2000`,
		`level=INFO msg="Processed batch" checkpoint=3000`,
	}
	assert.False(t, repeatedCheckpoint(moving))
	assert.False(t, repeatedCheckpoint(stuck[:2]), "too few sightings for a pattern")
}

func TestErrorPattern(t *testing.T) {
	tail := []string{
		`level=INFO msg="Processed batch"`,
		`level=ERROR msg="upload failed" error="boom"`,
		`level=INFO msg="ok"`,
		`panic: runtime error`,
	}
	p := errorPattern(tail)
	assert.Contains(t, p, "upload failed")
	assert.Contains(t, p, "panic")
	assert.NotContains(t, p, "Processed batch")

	assert.Empty(t, errorPattern([]string{"all good"}))
}
