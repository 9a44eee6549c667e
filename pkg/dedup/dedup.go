// Package dedup decides whether a file is already migrated before any bytes
// move. The cache has three layers, consulted cheapest first: this worker's
// own progress, a union of peer workers' progress files, and an in-memory
// mirror of the target service's fingerprint set.
//
// The cache is conservative: a lookup answers true only when the fingerprint
// is definitely known. Any layer that cannot be consulted (missing peer file,
// failed mirror refresh) contributes nothing, and the uploader's server-side
// check remains the final authority.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/AmenZhou/shelfsync/internal/logger"
	"github.com/AmenZhou/shelfsync/pkg/fingerprint"
	"github.com/AmenZhou/shelfsync/pkg/progress"
)

const (
	// DefaultRefreshCount triggers a mirror refresh after this many files
	// have been processed since the last one.
	DefaultRefreshCount = 1500

	// DefaultRefreshInterval triggers a mirror refresh on wall-clock age.
	DefaultRefreshInterval = 15 * time.Minute
)

// FingerprintSource is anything that can stream the target's full
// fingerprint listing. Both the HTTP client and the direct database reader
// satisfy it.
type FingerprintSource interface {
	AllFingerprints(ctx context.Context, fn func(fingerprint.Fingerprint) error) error
}

// Cache is the three-layer dedup filter for one worker. All methods are safe
// for concurrent use by the worker's upload pool.
type Cache struct {
	mu sync.Mutex

	// local holds fingerprints this worker terminated, seeded from its own
	// progress file and extended on every upload outcome.
	local map[string]struct{}

	// peers holds the union of other shards' completed fingerprints.
	peers map[string]struct{}

	// remote mirrors the target service's fingerprint set.
	remote map[string]struct{}

	source   FingerprintSource
	progDir  string
	shardID  int
	lastSync time.Time
	lastTry  time.Time
	sinceRef int

	refreshCount    int
	refreshInterval time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithRefreshPolicy overrides the mirror refresh triggers.
func WithRefreshPolicy(count int, interval time.Duration) Option {
	return func(c *Cache) {
		c.refreshCount = count
		c.refreshInterval = interval
	}
}

// New creates a cache for shardID. progDir locates peer progress files;
// source feeds the remote mirror. Either may be empty/nil, disabling that
// layer.
func New(shardID int, progDir string, source FingerprintSource, opts ...Option) *Cache {
	c := &Cache{
		local:           make(map[string]struct{}),
		peers:           make(map[string]struct{}),
		remote:          make(map[string]struct{}),
		source:          source,
		progDir:         progDir,
		shardID:         shardID,
		refreshCount:    DefaultRefreshCount,
		refreshInterval: DefaultRefreshInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bootstrap fills all three layers. Called once during worker
// initialization; own is the worker's freshly loaded progress.
func (c *Cache) Bootstrap(ctx context.Context, own *progress.WorkerProgress) error {
	if own != nil {
		c.mu.Lock()
		for key := range own.CompletedFiles {
			c.local[key] = struct{}{}
		}
		c.mu.Unlock()
	}
	c.ReloadPeers(ctx)
	return c.RefreshMirror(ctx)
}

// Seen reports whether fp is known to any layer. Callers should still treat
// a false as "probably new", never "guaranteed new".
func (c *Cache) Seen(fp fingerprint.Fingerprint) bool {
	key := fp.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.local[key]; ok {
		return true
	}
	if _, ok := c.peers[key]; ok {
		return true
	}
	_, ok := c.remote[key]
	return ok
}

// MarkUploaded records a fingerprint this worker just resolved, so later
// records in the same run never re-upload it.
func (c *Cache) MarkUploaded(fp fingerprint.Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[fp.String()] = struct{}{}
}

// Processed notes that n records went through the pipeline and refreshes the
// remote mirror when either refresh trigger fires.
func (c *Cache) Processed(ctx context.Context, n int) {
	c.mu.Lock()
	c.sinceRef += n
	due := c.sinceRef >= c.refreshCount ||
		(!c.lastTry.IsZero() && time.Since(c.lastTry) >= c.refreshInterval)
	c.mu.Unlock()

	if due {
		if err := c.RefreshMirror(ctx); err != nil {
			logger.WarnCtx(ctx, "remote mirror refresh failed, keeping stale snapshot", logger.Err(err))
		}
	}
}

// RefreshMirror replaces the remote layer with a fresh listing. On error the
// previous snapshot is kept.
func (c *Cache) RefreshMirror(ctx context.Context) error {
	// The elapsed-time trigger counts from the last attempt, not the last
	// success, so a failed bootstrap still gets retried on schedule.
	c.mu.Lock()
	c.lastTry = time.Now()
	c.mu.Unlock()

	if c.source == nil {
		return nil
	}

	start := time.Now()
	fresh := make(map[string]struct{})
	err := c.source.AllFingerprints(ctx, func(fp fingerprint.Fingerprint) error {
		fresh[fp.String()] = struct{}{}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.remote = fresh
	c.lastSync = time.Now()
	c.sinceRef = 0
	c.mu.Unlock()

	logger.InfoCtx(ctx, "remote mirror refreshed",
		"fingerprints", len(fresh),
		logger.DurationMs(logger.Duration(start)))
	return nil
}

// ReloadPeers rebuilds the peer layer from every other shard's progress file.
// Unreadable files are skipped; a peer that cannot be read just misses from
// the union.
func (c *Cache) ReloadPeers(ctx context.Context) {
	if c.progDir == "" {
		return
	}

	shards, err := progress.ListShards(c.progDir)
	if err != nil {
		logger.WarnCtx(ctx, "peer progress scan failed", logger.Err(err))
		return
	}

	union := make(map[string]struct{})
	var peers int
	for _, id := range shards {
		if id == c.shardID {
			continue
		}
		p, err := progress.LoadShard(c.progDir, id)
		if err != nil || p == nil {
			continue
		}
		for key := range p.CompletedFiles {
			union[key] = struct{}{}
		}
		peers++
	}

	c.mu.Lock()
	c.peers = union
	c.mu.Unlock()

	logger.DebugCtx(ctx, "peer progress reloaded", "peers", peers, "fingerprints", len(union))
}

// Stats returns per-layer sizes for status reporting.
func (c *Cache) Stats() (local, peers, remote int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.local), len(c.peers), len(c.remote)
}
