// Package target wraps the ingestion service the migration uploads into.
//
// The service is reached over HTTP for queries and either HTTP or WebSocket
// for uploads. A privileged read-only database connection provides the bulk
// fingerprint listing used to bootstrap the remote mirror.
package target

import (
	"context"

	"github.com/AmenZhou/shelfsync/pkg/fingerprint"
	"github.com/AmenZhou/shelfsync/pkg/metadata"
)

// UploadStatus is the service's classification of one upload.
type UploadStatus string

const (
	StatusNew                UploadStatus = "new"
	StatusDuplicate          UploadStatus = "duplicate"
	StatusSizeRejected       UploadStatus = "size_rejected"
	StatusValidationRejected UploadStatus = "validation_rejected"
	StatusServerError        UploadStatus = "server_error"
)

// UploadRequest carries one file and its metadata to the service.
type UploadRequest struct {
	Meta        metadata.Record
	Fingerprint fingerprint.Fingerprint

	// FilePath is the local path of the file to transfer.
	FilePath string

	// LibraryPath, when set, is the service-visible path of the file.
	// In symlink mode the service reads (or links) the file itself and no
	// bytes traverse the wire.
	LibraryPath string
}

// UploadResult is the service's answer to one upload.
type UploadResult struct {
	Status            UploadStatus `json:"status"`
	ServerFingerprint string       `json:"server_fingerprint,omitempty"`
	Message           string       `json:"message,omitempty"`
}

// Service is the narrow interface the pipeline depends on.
type Service interface {
	// Exists is the cheap pre-check for a fingerprint.
	Exists(ctx context.Context, fp fingerprint.Fingerprint) (bool, error)

	// AllFingerprints streams every fingerprint the service knows to fn.
	// Used by the remote mirror bootstrap and refresh; may be long-running.
	AllFingerprints(ctx context.Context, fn func(fingerprint.Fingerprint) error) error

	// Upload transfers one file.
	Upload(ctx context.Context, req UploadRequest) (UploadResult, error)

	// Ping verifies reachability during worker initialization.
	Ping(ctx context.Context) error
}
