package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so the supervisor's
// log analysis and external aggregation can query them reliably.
const (
	// Worker identity
	KeyWorkerID = "worker_id" // Worker/shard identifier
	KeyRunID    = "run_id"    // Unique per-invocation identifier
	KeyShardKey = "shard_key" // Catalog primary key
	KeyBatch    = "batch"     // Batch number within a run
	KeyPID      = "pid"       // Operating system process ID

	// Pipeline
	KeyPath        = "path"        // Source file path
	KeyFingerprint = "fingerprint" // SHA-1 content hash
	KeySize        = "size"        // File size in bytes
	KeyFormat      = "format"      // Detected ebook format
	KeyOutcome     = "outcome"     // Upload outcome classification
	KeyArchive     = "archive"     // Archive file name (archive mode)

	// Retry / timing
	KeyAttempt    = "attempt"     // Retry attempt number
	KeyMaxRetries = "max_retries" // Maximum retry attempts
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds

	// Errors
	KeyError = "error" // Error message

	// Supervisor
	KeyFixType    = "fix_type"  // restart, config, code
	KeyRootCause  = "root_cause"
	KeyConfidence = "confidence"
	KeyDiskUtil   = "disk_util" // Device utilization percentage
)

// WorkerID returns a slog.Attr for the worker identifier
func WorkerID(id int) slog.Attr {
	return slog.Int(KeyWorkerID, id)
}

// ShardKey returns a slog.Attr for a catalog primary key
func ShardKey(key int64) slog.Attr {
	return slog.Int64(KeyShardKey, key)
}

// Path returns a slog.Attr for a source file path
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Fingerprint returns a slog.Attr for a content hash
func Fingerprint(hash string) slog.Attr {
	return slog.String(KeyFingerprint, hash)
}

// Size returns a slog.Attr for a file size
func Size(s int64) slog.Attr {
	return slog.Int64(KeySize, s)
}

// Outcome returns a slog.Attr for an upload outcome
func Outcome(o string) slog.Attr {
	return slog.String(KeyOutcome, o)
}

// Archive returns a slog.Attr for an archive file name
func Archive(name string) slog.Attr {
	return slog.String(KeyArchive, name)
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxRetries returns a slog.Attr for maximum retry attempts
func MaxRetries(n int) slog.Attr {
	return slog.Int(KeyMaxRetries, n)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// FixType returns a slog.Attr for a supervisor fix type
func FixType(t string) slog.Attr {
	return slog.String(KeyFixType, t)
}

// DiskUtil returns a slog.Attr for device utilization percentage
func DiskUtil(pct float64) slog.Attr {
	return slog.Float64(KeyDiskUtil, pct)
}
