package catalog

import (
	"context"
	"sort"
	"sync"
)

// MemoryCatalog is an in-memory Catalog used by tests and by tooling that
// synthesizes record lists (for example the archive pipeline's per-folder
// iteration).
type MemoryCatalog struct {
	mu      sync.RWMutex
	records []SourceRecord

	// FailNext makes the next n queries fail with the given error, for
	// exercising retry paths.
	failNext int
	failErr  error
}

// NewMemoryCatalog builds a catalog over the given records. Records are
// sorted by shard key.
func NewMemoryCatalog(records []SourceRecord) *MemoryCatalog {
	sorted := make([]SourceRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ShardKey < sorted[j].ShardKey })
	return &MemoryCatalog{records: sorted}
}

// FailNext makes the next n queries return err.
func (c *MemoryCatalog) FailNext(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = n
	c.failErr = err
}

// NextBatch implements Catalog.
func (c *MemoryCatalog) NextBatch(_ context.Context, shardID, shardCount int, lastKey int64, limit int) ([]SourceRecord, error) {
	c.mu.Lock()
	if c.failNext > 0 {
		c.failNext--
		err := c.failErr
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()

	if shardCount < 1 {
		shardCount = 1
	}

	var out []SourceRecord
	for _, r := range c.records {
		if r.ShardKey <= lastKey {
			continue
		}
		if r.ShardKey%int64(shardCount) != int64(shardID) {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// CountTotal implements Catalog.
func (c *MemoryCatalog) CountTotal(context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.records)), nil
}

// Close implements Catalog.
func (c *MemoryCatalog) Close() error { return nil }
