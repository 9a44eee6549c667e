package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AmenZhou/shelfsync/internal/logger"
)

// CommitInterval is the minimum spacing between time-triggered commits.
// Batch and archive completions always commit regardless.
const CommitInterval = 30 * time.Second

// ErrDirectWriteFailed is returned when both the atomic rename and the
// direct-write fallback fail. The worker must suspend on this error.
var ErrDirectWriteFailed = errors.New("progress commit failed after direct-write fallback")

// Store owns the progress file of a single shard. Only the worker that owns
// the shard may hold a writable Store; everyone else reads via LoadShard.
type Store struct {
	dir        string
	shardID    int
	lastCommit time.Time
}

// NewStore creates a store writing into dir.
func NewStore(dir string, shardID int) *Store {
	return &Store{dir: dir, shardID: shardID}
}

// FileName returns the progress file name for a shard, matching the layout
// the supervisor and peer workers scan for.
func FileName(shardID int) string {
	return fmt.Sprintf("migration_progress_worker%d.json", shardID)
}

// Path returns the absolute path of this store's progress file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName(s.shardID))
}

// Load reads this shard's progress, recovering from a partially written
// tail. A missing file yields fresh empty progress.
func (s *Store) Load() (*WorkerProgress, error) {
	p, err := LoadShard(s.dir, s.shardID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return New(s.shardID), nil
	}
	return p, nil
}

// LoadShard reads any shard's progress read-only. Returns (nil, nil) when no
// file exists. Corrupt content that cannot be recovered is treated as
// absent, with a warning, because losing a checkpoint only costs duplicate
// work, never data.
func LoadShard(dir string, shardID int) (*WorkerProgress, error) {
	path := filepath.Join(dir, FileName(shardID))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read progress %s: %w", path, err)
	}

	p, err := decodeRecovering(data)
	if err != nil {
		logger.Warn("Progress file unrecoverable, starting fresh",
			logger.Path(path), logger.Err(err))
		return nil, nil
	}
	if p.CompletedFiles == nil {
		p.CompletedFiles = make(map[string]FileEntry)
	}
	p.ShardID = shardID
	return p, nil
}

// ListShards returns the shard IDs that have a progress file in dir.
func ListShards(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan progress dir %s: %w", dir, err)
	}
	var shards []int
	for _, e := range entries {
		var id int
		if n, _ := fmt.Sscanf(e.Name(), "migration_progress_worker%d.json", &id); n == 1 {
			shards = append(shards, id)
		}
	}
	return shards, nil
}

// decodeRecovering parses data as JSON; on failure, it scans backwards from
// the last closing brace for the start of the last complete JSON object and
// parses that, ignoring any trailing garbage from an interrupted write.
func decodeRecovering(data []byte) (*WorkerProgress, error) {
	var p WorkerProgress
	if err := json.Unmarshal(data, &p); err == nil {
		return &p, nil
	}

	end := lastIndexByte(data, '}')
	for end >= 0 {
		if start := matchOpenBrace(data, end); start >= 0 {
			if err := json.Unmarshal(data[start:end+1], &p); err == nil {
				return &p, nil
			}
		}
		end = lastIndexByteBefore(data, '}', end)
	}
	return nil, errors.New("no complete JSON object found")
}

// matchOpenBrace walks backwards from the closing brace at end and returns
// the index of its matching opening brace, or -1.
func matchOpenBrace(data []byte, end int) int {
	depth := 0
	for i := end; i >= 0; i-- {
		switch data[i] {
		case '}':
			depth++
		case '{':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func lastIndexByte(data []byte, b byte) int {
	for i := len(data) - 1; i >= 0; i-- {
		if data[i] == b {
			return i
		}
	}
	return -1
}

func lastIndexByteBefore(data []byte, b byte, before int) int {
	for i := before - 1; i >= 0; i-- {
		if data[i] == b {
			return i
		}
	}
	return -1
}

// Commit durably writes p. The write is atomic: a sibling temp file is
// written and fsynced, then renamed over the target. If the rename fails, a
// direct write is attempted once and the event is flagged in the progress
// itself so the supervisor can see it.
func (s *Store) Commit(p *WorkerProgress) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("refusing to commit invalid progress: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	target := s.Path()
	tmp := target + ".tmp"

	if err := writeFileSync(tmp, data); err == nil {
		if err := os.Rename(tmp, target); err == nil {
			s.lastCommit = time.Now()
			return nil
		}
		_ = os.Remove(tmp)
	}

	// Last resort: non-atomic direct write, flagged.
	logger.Warn("Atomic progress commit failed, falling back to direct write",
		logger.Path(target))
	p.DirectWriteFallbacks++
	data, _ = json.MarshalIndent(p, "", "  ")
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrDirectWriteFailed, err)
	}
	s.lastCommit = time.Now()
	return nil
}

// MaybeCommit commits when at least CommitInterval elapsed since the last
// commit. Returns whether a commit happened.
func (s *Store) MaybeCommit(p *WorkerProgress) (bool, error) {
	if time.Since(s.lastCommit) < CommitInterval {
		return false, nil
	}
	if err := s.Commit(p); err != nil {
		return false, err
	}
	return true, nil
}

// TouchActivity stamps the activity clock, and the upload clock when kind
// is "upload". The caller commits separately.
func (s *Store) TouchActivity(p *WorkerProgress, kind string) {
	now := time.Now().UTC()
	p.LastActivityAt = now
	if kind == "upload" {
		p.LastUploadedAt = now
	}
}

// writeFileSync writes data and fsyncs before closing.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
