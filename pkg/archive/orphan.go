package archive

import (
	"context"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/AmenZhou/shelfsync/internal/logger"
	"github.com/AmenZhou/shelfsync/pkg/progress"
)

// claimOrphans scans peer progress files for workers that died with
// unfinished archives and appends those archives to this worker's list.
// No lock is taken: double-claiming is harmless because uploads dedup by
// fingerprint, and the common case is a single survivor sweeping up.
func (w *Worker) claimOrphans(ctx context.Context) int {
	shards, err := progress.ListShards(w.cfg.ProgressDir)
	if err != nil {
		logger.WarnCtx(ctx, "peer progress scan failed", logger.Err(err))
		return 0
	}

	// Archives owned by any live peer are off limits.
	liveClaims := make(map[string]struct{})
	var dead []*progress.WorkerProgress
	for _, id := range shards {
		if id == w.cfg.ShardID {
			continue
		}
		p, err := progress.LoadShard(w.cfg.ProgressDir, id)
		if err != nil || p == nil {
			continue
		}
		if peerAlive(p.PID) {
			for _, a := range p.AssignedArchives {
				liveClaims[a] = struct{}{}
			}
			continue
		}
		dead = append(dead, p)
	}

	var claimed int
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range dead {
		for _, a := range p.AssignedArchives {
			if p.ArchiveCompleted(a) {
				continue
			}
			if _, live := liveClaims[a]; live {
				continue
			}
			if contains(w.prog.AssignedArchives, a) {
				continue
			}
			logger.InfoCtx(ctx, "claiming orphaned archive",
				logger.Archive(a), "dead_shard", p.ShardID)
			w.prog.AssignedArchives = append(w.prog.AssignedArchives, a)
			w.orphans[a] = struct{}{}
			claimed++
		}
	}
	return claimed
}

func peerAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}
