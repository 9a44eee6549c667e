package supervisor

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/olekukonko/tablewriter"

	"github.com/AmenZhou/shelfsync/pkg/metrics"
	"github.com/AmenZhou/shelfsync/pkg/progress"
)

// WorkerStatus is the externally visible view of one shard.
type WorkerStatus struct {
	ShardID        int       `json:"shard_id"`
	PID            int       `json:"pid,omitempty"`
	Alive          bool      `json:"alive"`
	Status         string    `json:"status"`
	LastKey        int64     `json:"last_processed_shard_key"`
	Uploaded       int       `json:"uploaded"`
	LastUploadedAt time.Time `json:"last_uploaded_at,omitzero"`
	LastActivityAt time.Time `json:"last_activity_at,omitzero"`
	Stuck          bool      `json:"stuck"`
	StuckReason    string    `json:"stuck_reason,omitempty"`
}

// FleetStatus is the /status payload.
type FleetStatus struct {
	ObservedAt  time.Time      `json:"observed_at"`
	DiskUtilPct float64        `json:"disk_util_pct"`
	Workers     []WorkerStatus `json:"workers"`
}

// Snapshot returns the fleet view from the most recent loop iteration.
func (s *Supervisor) Snapshot() FleetStatus {
	s.mu.Lock()
	snap := s.lastSnapshot
	util := s.lastDiskUtil
	s.mu.Unlock()

	out := FleetStatus{
		ObservedAt:  s.now(),
		DiskUtilPct: util,
		Workers:     make([]WorkerStatus, 0, len(snap)),
	}
	for i := range snap {
		st := &snap[i]
		ws := WorkerStatus{
			ShardID:     st.ShardID,
			PID:         st.PID,
			Alive:       st.Alive,
			Stuck:       st.Stuck,
			StuckReason: st.StuckReason,
		}
		if st.Progress != nil {
			ws.Status = string(st.Progress.Status)
			ws.LastKey = st.Progress.LastProcessedKey
			ws.Uploaded = st.Progress.UploadedCount()
			ws.LastUploadedAt = st.Progress.LastUploadedAt
			ws.LastActivityAt = st.Progress.LastActivityAt
		}
		out.Workers = append(out.Workers, ws)
	}
	return out
}

// Routes exposes the supervisor over HTTP: fleet status, health, and the
// Prometheus scrape endpoint when metrics are enabled.
func (s *Supervisor) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Snapshot())
	})
	r.Handle("/metrics", metrics.Handler())
	return r
}

// CollectStatus builds the fleet view straight from disk, for the status
// command when no supervisor loop is running.
func CollectStatus(progressDir string) (FleetStatus, error) {
	shards, err := progress.ListShards(progressDir)
	if err != nil {
		return FleetStatus{}, fmt.Errorf("listing shards: %w", err)
	}
	out := FleetStatus{ObservedAt: time.Now()}
	for _, shard := range shards {
		prog, err := progress.LoadShard(progressDir, shard)
		if err != nil {
			out.Workers = append(out.Workers, WorkerStatus{ShardID: shard, Status: "unreadable"})
			continue
		}
		out.Workers = append(out.Workers, WorkerStatus{
			ShardID:        shard,
			PID:            prog.PID,
			Status:         string(prog.Status),
			LastKey:        prog.LastProcessedKey,
			Uploaded:       prog.UploadedCount(),
			LastUploadedAt: prog.LastUploadedAt,
			LastActivityAt: prog.LastActivityAt,
		})
	}
	return out, nil
}

// RenderStatus writes the fleet as a table.
func RenderStatus(w io.Writer, fs FleetStatus) {
	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"Shard", "PID", "Status", "Last Key", "Uploaded", "Last Upload", "Condition"})
	t.SetBorder(false)
	t.SetAutoWrapText(false)
	for _, ws := range fs.Workers {
		cond := "ok"
		if ws.Stuck {
			cond = "stuck: " + ws.StuckReason
		} else if !ws.Alive && ws.PID != 0 {
			cond = "not running"
		}
		lastUpload := "-"
		if !ws.LastUploadedAt.IsZero() {
			lastUpload = ws.LastUploadedAt.Format(time.RFC3339)
		}
		t.Append([]string{
			fmt.Sprintf("%d", ws.ShardID),
			fmt.Sprintf("%d", ws.PID),
			ws.Status,
			fmt.Sprintf("%d", ws.LastKey),
			fmt.Sprintf("%d", ws.Uploaded),
			lastUpload,
			cond,
		})
	}
	t.Render()
	if fs.DiskUtilPct >= 0 {
		fmt.Fprintf(w, "\nstaging disk utilisation: %.1f%%\n", fs.DiskUtilPct)
	}
}
