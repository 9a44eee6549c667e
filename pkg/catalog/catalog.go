// Package catalog provides read-only access to the source library's indexed
// catalog. Workers iterate their shard of the catalog in key order; the
// catalog is never mutated.
package catalog

import (
	"context"

	"github.com/AmenZhou/shelfsync/pkg/fingerprint"
	"github.com/AmenZhou/shelfsync/pkg/metadata"
)

// SourceRecord identifies one candidate file in the source library.
type SourceRecord struct {
	// ShardKey is the monotonic catalog primary key used for sharding and
	// checkpointing.
	ShardKey int64

	// Path is the filesystem path to the binary.
	Path string

	// FormatHint is the format tag derived from the catalog entry.
	FormatHint fingerprint.Format

	// Meta carries metadata already present in the catalog, when any.
	// Nil means the extractor must be consulted.
	Meta *metadata.Record
}

// Catalog is the read-only query interface over the source library index.
type Catalog interface {
	// NextBatch returns up to limit records with
	// key > lastKey AND key mod shardCount = shardID, ascending by key.
	NextBatch(ctx context.Context, shardID, shardCount int, lastKey int64, limit int) ([]SourceRecord, error)

	// CountTotal returns the total number of file records, for reporting.
	CountTotal(ctx context.Context) (int64, error)

	// Close releases the underlying handle.
	Close() error
}
