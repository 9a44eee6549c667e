// Package uploader performs a single upload with bounded retries and a
// progress watchdog, and classifies the result for the worker's bookkeeping.
package uploader

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/AmenZhou/shelfsync/internal/logger"
	"github.com/AmenZhou/shelfsync/pkg/target"
)

const (
	// DefaultMaxAttempts bounds transient retries per record.
	DefaultMaxAttempts = 3

	// DefaultBackoffBase is the first retry delay; subsequent delays double.
	DefaultBackoffBase = 2 * time.Second

	// DefaultHardCeiling caps any single upload attempt.
	DefaultHardCeiling = 600 * time.Second

	// SlowUploadThreshold flags individual uploads worth a warning.
	SlowUploadThreshold = 120 * time.Second
)

// Uploader pushes single files to the target service.
type Uploader struct {
	svc target.Service

	// Precheck asks the service whether the fingerprint exists before
	// sending any bytes. Cheap when the service is close, wasteful when the
	// dedup mirror is fresh.
	Precheck bool

	// MaxAttempts bounds attempts per record, counting the first.
	MaxAttempts int

	// BackoffBase is the first retry delay.
	BackoffBase time.Duration

	// HardCeiling bounds the wall-clock duration of one attempt.
	HardCeiling time.Duration
}

// New creates an Uploader with default retry policy.
func New(svc target.Service) *Uploader {
	return &Uploader{
		svc:         svc,
		MaxAttempts: DefaultMaxAttempts,
		BackoffBase: DefaultBackoffBase,
		HardCeiling: DefaultHardCeiling,
	}
}

// Upload transfers one file and classifies the result. Transient failures
// are retried with exponential backoff before the TransientFailure outcome
// is surfaced; every other outcome is returned on first sight.
func (u *Uploader) Upload(ctx context.Context, req target.UploadRequest) Outcome {
	if u.Precheck {
		ok, err := u.svc.Exists(ctx, req.Fingerprint)
		if err != nil {
			logger.DebugCtx(ctx, "existence pre-check failed, uploading anyway",
				logger.Fingerprint(req.Fingerprint.Hash), logger.Err(err))
		} else if ok {
			return Outcome{Kind: AlreadyPresent, Reason: "pre-check"}
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = u.BackoffBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	var last Outcome
	for attempt := 1; attempt <= u.MaxAttempts; attempt++ {
		start := time.Now()
		last = u.attempt(ctx, req)

		if elapsed := time.Since(start); elapsed > SlowUploadThreshold && last.Success() {
			logger.WarnCtx(ctx, "slow upload",
				logger.Path(req.FilePath),
				logger.Size(req.Fingerprint.Size),
				logger.DurationMs(logger.Duration(start)))
		}

		if last.Kind != TransientFailure {
			return last
		}
		if attempt == u.MaxAttempts || ctx.Err() != nil {
			break
		}

		wait := bo.NextBackOff()
		logger.WarnCtx(ctx, "upload attempt failed, backing off",
			logger.Path(req.FilePath),
			logger.Attempt(attempt),
			logger.MaxRetries(u.MaxAttempts),
			"reason", last.Reason,
			"backoff", wait.String())

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return Transient("canceled: " + ctx.Err().Error())
		}
	}
	return last
}

func (u *Uploader) attempt(ctx context.Context, req target.UploadRequest) Outcome {
	attemptCtx := ctx
	if u.HardCeiling > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, u.HardCeiling)
		defer cancel()
	}

	res, err := u.svc.Upload(attemptCtx, req)
	if err != nil {
		return classifyError(err)
	}

	switch res.Status {
	case target.StatusNew:
		return Outcome{Kind: NewUploaded}
	case target.StatusDuplicate:
		return Outcome{Kind: AlreadyPresent, Reason: res.Message}
	case target.StatusSizeRejected:
		return Permanent("file exceeds server size cap")
	case target.StatusValidationRejected:
		return Permanent("metadata rejected: " + res.Message)
	default:
		return Transient("server error: " + res.Message)
	}
}

// classifyError maps transport-level failures onto outcomes. Anything that
// looks like the network or the service being unwell is transient; only a
// definite rejection is permanent.
func classifyError(err error) Outcome {
	var apiErr *target.APIError
	if errors.As(err, &apiErr) {
		if apiErr.IsRetryable() {
			return Transient(apiErr.Error())
		}
		return Permanent(apiErr.Error())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient("timed out")
	}
	if errors.Is(err, context.Canceled) {
		return Transient("canceled")
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(netErr.Error())
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return Transient(urlErr.Error())
	}

	// Unknown transport error: assume the next run can do better.
	return Transient(err.Error())
}
