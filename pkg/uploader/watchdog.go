package uploader

import (
	"context"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/AmenZhou/shelfsync/internal/logger"
)

const (
	// DefaultSampleInterval is how often the watchdog polls its signals.
	DefaultSampleInterval = 60 * time.Second

	// DefaultStallTimeout is how long all signals may stay flat before the
	// subject is declared stuck.
	DefaultStallTimeout = 240 * time.Second
)

// watchdog observes a running subprocess and kills it when every progress
// signal stops advancing: output bytes, consumed CPU time, and I/O counters.
// A hard ceiling kills the process regardless. Three independent signals
// avoid false positives on transfers that are quiet on one axis (a network
// push produces no disk reads; a disk-bound copy prints nothing).
type watchdog struct {
	cmd      *exec.Cmd
	outBytes *atomic.Int64

	sampleInterval time.Duration
	stallTimeout   time.Duration
	hardCeiling    time.Duration

	stuck atomic.Bool
}

type watchdogSample struct {
	out int64
	cpu float64
	io  uint64
	ok  bool
}

// run blocks until done is closed or the watchdog kills the process.
func (w *watchdog) run(ctx context.Context, done <-chan struct{}) {
	deadline := time.NewTimer(w.hardCeiling)
	defer deadline.Stop()
	ticker := time.NewTicker(w.sampleInterval)
	defer ticker.Stop()

	proc, procErr := process.NewProcess(int32(w.cmd.Process.Pid))
	if procErr != nil {
		// Output bytes remain observable even without the process table.
		logger.DebugCtx(ctx, "process inspection unavailable, watchdog on output only",
			logger.Err(procErr))
	}

	last := w.sample(proc)
	lastChange := time.Now()

	for {
		select {
		case <-done:
			return
		case <-deadline.C:
			logger.WarnCtx(ctx, "upload exceeded hard ceiling, killing",
				"ceiling", w.hardCeiling.String())
			w.stuck.Store(true)
			_ = w.cmd.Process.Kill()
			return
		case <-ticker.C:
			cur := w.sample(proc)
			if cur.advanced(last) {
				last = cur
				lastChange = time.Now()
				continue
			}
			if time.Since(lastChange) >= w.stallTimeout {
				logger.WarnCtx(ctx, "no upload progress signals, killing stuck process",
					"stalled_for", time.Since(lastChange).Round(time.Second).String())
				w.stuck.Store(true)
				_ = w.cmd.Process.Kill()
				return
			}
		}
	}
}

func (w *watchdog) sample(proc *process.Process) watchdogSample {
	s := watchdogSample{out: w.outBytes.Load()}
	if proc == nil {
		return s
	}
	if times, err := proc.Times(); err == nil {
		s.cpu = times.User + times.System
		s.ok = true
	}
	if counters, err := proc.IOCounters(); err == nil {
		s.io = counters.ReadBytes + counters.WriteBytes
		s.ok = true
	}
	return s
}

// advanced reports whether any signal moved since prev.
func (s watchdogSample) advanced(prev watchdogSample) bool {
	if s.out > prev.out {
		return true
	}
	if !s.ok {
		return false
	}
	return s.cpu > prev.cpu || s.io > prev.io
}
