package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds worker-scoped logging context
type LogContext struct {
	WorkerID  int       // Worker/shard identifier
	RunID     string    // Unique per-invocation identifier
	ShardKey  int64     // Current catalog key being processed
	Archive   string    // Current archive name (archive mode only)
	Batch     int       // Current batch number
	StartTime time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for the given worker
func NewLogContext(workerID int) *LogContext {
	return &LogContext{
		WorkerID:  workerID,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	cp := *lc
	return &cp
}

// WithRunID returns a copy with the invocation identifier set
func (lc *LogContext) WithRunID(id string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.RunID = id
	}
	return clone
}

// WithShardKey returns a copy with the current shard key set
func (lc *LogContext) WithShardKey(key int64) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.ShardKey = key
	}
	return clone
}

// WithArchive returns a copy with the current archive set
func (lc *LogContext) WithArchive(name string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Archive = name
	}
	return clone
}

// WithBatch returns a copy with the current batch number set
func (lc *LogContext) WithBatch(n int) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Batch = n
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
