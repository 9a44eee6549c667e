// Package progress persists per-worker migration checkpoints.
//
// Each worker owns exactly one progress file; peers and the supervisor read
// those files but never write them. Writes are atomic (temp file, fsync,
// rename) and reads tolerate a partially written tail by recovering the last
// complete JSON document.
package progress

import (
	"fmt"
	"time"

	"github.com/AmenZhou/shelfsync/pkg/fingerprint"
)

// Status is a worker lifecycle state, persisted so the supervisor can
// distinguish a worker that never found work from one that stalled.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusDiscovering  Status = "discovering"
	StatusProcessing   Status = "processing"
	StatusPaused       Status = "paused"
)

// FileStatus records how one file terminated.
type FileStatus string

const (
	FileUploaded            FileStatus = "uploaded"
	FileAlreadyPresent      FileStatus = "already_present_remote"
	FileAlreadyPresentLocal FileStatus = "already_present_local"
	FileUnresolvable        FileStatus = "unresolvable"
)

// FileEntry is the terminal record of one fingerprint.
type FileEntry struct {
	Path   string     `json:"path"`
	Status FileStatus `json:"status"`
	TS     time.Time  `json:"ts"`
}

// ArchiveSummary describes the outcome of one processed archive.
type ArchiveSummary struct {
	Files      int       `json:"files"`
	Uploaded   int       `json:"uploaded"`
	Duplicates int       `json:"duplicates"`
	Failed     int       `json:"failed"`
	Reused     bool      `json:"reused_extraction,omitempty"`
	Orphaned   bool      `json:"claimed_orphan,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// WorkerProgress is the durable state of one worker.
type WorkerProgress struct {
	ShardID              int                  `json:"shard_id"`
	LastProcessedKey     int64                `json:"last_processed_shard_key"`
	CompletedFiles       map[string]FileEntry `json:"completed_files"`
	LastUploadedAt       time.Time            `json:"last_uploaded_at,omitzero"`
	LastActivityAt       time.Time            `json:"last_activity_at,omitzero"`
	Status               Status               `json:"status"`
	PID                  int                  `json:"pid,omitempty"`
	DirectWriteFallbacks int                  `json:"direct_write_fallbacks,omitempty"`

	// Archive mode.
	CompletedArchives []string                  `json:"completed_archives,omitempty"`
	CurrentArchive    string                    `json:"current_archive,omitempty"`
	ArchiveProgress   map[string]ArchiveSummary `json:"archive_progress,omitempty"`
	AssignedArchives  []string                  `json:"assigned_archives,omitempty"`
}

// New returns empty progress for a shard.
func New(shardID int) *WorkerProgress {
	return &WorkerProgress{
		ShardID:        shardID,
		CompletedFiles: make(map[string]FileEntry),
		Status:         StatusInitializing,
	}
}

// Seen reports whether fp already terminated on this worker.
func (p *WorkerProgress) Seen(fp fingerprint.Fingerprint) bool {
	_, ok := p.CompletedFiles[fp.String()]
	return ok
}

// MarkCompleted records the terminal state of fp.
func (p *WorkerProgress) MarkCompleted(fp fingerprint.Fingerprint, path string, status FileStatus) {
	if p.CompletedFiles == nil {
		p.CompletedFiles = make(map[string]FileEntry)
	}
	p.CompletedFiles[fp.String()] = FileEntry{
		Path:   path,
		Status: status,
		TS:     time.Now().UTC(),
	}
}

// AdvanceKey raises the checkpoint to key. The checkpoint is monotonic; a
// lower key is ignored.
func (p *WorkerProgress) AdvanceKey(key int64) {
	if key > p.LastProcessedKey {
		p.LastProcessedKey = key
	}
}

// SkipAhead jumps the checkpoint forward by stride, breaking out of a
// fully-migrated key range.
func (p *WorkerProgress) SkipAhead(stride int64) int64 {
	p.LastProcessedKey += stride
	return p.LastProcessedKey
}

// ArchiveCompleted reports whether archive name already finished.
func (p WorkerProgress) ArchiveCompleted(name string) bool {
	for _, a := range p.CompletedArchives {
		if a == name {
			return true
		}
	}
	return false
}

// CompleteArchive records the archive as done and clears CurrentArchive.
func (p *WorkerProgress) CompleteArchive(name string, summary ArchiveSummary) {
	if !p.ArchiveCompleted(name) {
		p.CompletedArchives = append(p.CompletedArchives, name)
	}
	if p.ArchiveProgress == nil {
		p.ArchiveProgress = make(map[string]ArchiveSummary)
	}
	p.ArchiveProgress[name] = summary
	if p.CurrentArchive == name {
		p.CurrentArchive = ""
	}
}

// UploadedCount returns the number of files this worker uploaded itself.
func (p WorkerProgress) UploadedCount() int {
	n := 0
	for _, e := range p.CompletedFiles {
		if e.Status == FileUploaded {
			n++
		}
	}
	return n
}

// Validate checks internal consistency before a commit.
func (p *WorkerProgress) Validate() error {
	if p.ShardID < 0 {
		return fmt.Errorf("negative shard id %d", p.ShardID)
	}
	if p.LastProcessedKey < 0 {
		return fmt.Errorf("negative checkpoint key %d", p.LastProcessedKey)
	}
	return nil
}
