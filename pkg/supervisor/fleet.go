package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/AmenZhou/shelfsync/internal/logger"
)

// WorkerProc is one running worker as seen by the process table.
type WorkerProc struct {
	ShardID   int
	PID       int
	StartedAt time.Time
}

// ProcessController abstracts worker lifecycle so the decision loop can be
// tested against a fake fleet.
type ProcessController interface {
	// List returns running workers, keyed by shard.
	List(ctx context.Context) ([]WorkerProc, error)
	// Start launches a worker for the given shard.
	Start(ctx context.Context, shardID int) error
	// Stop terminates a worker. When graceful, SIGTERM; SIGKILL otherwise.
	Stop(ctx context.Context, pid int, graceful bool) error
}

// DiskSampler reports staging-disk I/O utilisation.
type DiskSampler interface {
	// UtilPercent returns busy time as a percentage over a short sample.
	UtilPercent(ctx context.Context) (float64, error)
}

// ExecController drives real worker processes. Workers are recognised by
// their command line: the configured binary plus a --shard-id flag.
type ExecController struct {
	// Binary is the worker executable path.
	Binary string
	// BaseArgs precede the --shard-id flag on start.
	BaseArgs []string
}

// NewExecController builds a controller for the given worker binary.
func NewExecController(binary string, baseArgs ...string) *ExecController {
	return &ExecController{Binary: binary, BaseArgs: baseArgs}
}

func (e *ExecController) List(ctx context.Context) ([]WorkerProc, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	var out []WorkerProc
	for _, p := range procs {
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(args) == 0 {
			continue
		}
		shard, ok := shardFromArgs(e.Binary, args)
		if !ok {
			continue
		}
		created, err := p.CreateTimeWithContext(ctx)
		if err != nil {
			created = 0
		}
		out = append(out, WorkerProc{
			ShardID:   shard,
			PID:       int(p.Pid),
			StartedAt: time.UnixMilli(created),
		})
	}
	return out, nil
}

func (e *ExecController) Start(ctx context.Context, shardID int) error {
	args := append(append([]string{}, e.BaseArgs...), "--shard-id", strconv.Itoa(shardID))
	cmd := exec.Command(e.Binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting worker for shard %d: %w", shardID, err)
	}
	logger.InfoCtx(ctx, "started worker",
		"shard_id", shardID,
		"pid", cmd.Process.Pid,
	)
	// Detach; the worker outlives the supervisor loop iteration.
	go func() { _ = cmd.Wait() }()
	return nil
}

func (e *ExecController) Stop(ctx context.Context, pid int, graceful bool) error {
	sig := syscall.SIGKILL
	if graceful {
		sig = syscall.SIGTERM
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return fmt.Errorf("signalling pid %d: %w", pid, err)
	}
	logger.InfoCtx(ctx, "stopped worker", "pid", pid, "graceful", graceful)
	return nil
}

// shardFromArgs checks an observed command line against the worker binary and
// extracts the shard flag value.
func shardFromArgs(binary string, args []string) (int, bool) {
	if args[0] != binary {
		return 0, false
	}
	for i, a := range args {
		if a == "--shard-id" && i+1 < len(args) {
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}

// IOCounterSampler measures disk busy time from two kernel counter reads.
type IOCounterSampler struct {
	// Device is the block device name as reported by the kernel, e.g. "sda".
	Device string
	// Interval between the two samples.
	Interval time.Duration
}

func (s *IOCounterSampler) UtilPercent(ctx context.Context) (float64, error) {
	interval := s.Interval
	if interval == 0 {
		interval = time.Second
	}
	before, err := disk.IOCountersWithContext(ctx, s.Device)
	if err != nil {
		return 0, fmt.Errorf("reading io counters: %w", err)
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(interval):
	}
	after, err := disk.IOCountersWithContext(ctx, s.Device)
	if err != nil {
		return 0, fmt.Errorf("reading io counters: %w", err)
	}
	b, ok1 := before[s.Device]
	a, ok2 := after[s.Device]
	if !ok1 || !ok2 {
		return 0, fmt.Errorf("device %q not found in io counters", s.Device)
	}
	busy := float64(a.IoTime - b.IoTime) // milliseconds
	pct := busy / float64(interval.Milliseconds()) * 100
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}
