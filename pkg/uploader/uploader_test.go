package uploader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmenZhou/shelfsync/pkg/fingerprint"
	"github.com/AmenZhou/shelfsync/pkg/target"
)

func fastUploader(svc target.Service) *Uploader {
	u := New(svc)
	u.BackoffBase = time.Millisecond
	return u
}

func req(hash string) target.UploadRequest {
	return target.UploadRequest{
		Fingerprint: fingerprint.Fingerprint{Hash: hash, Size: 10},
		LibraryPath: "/library/" + hash + ".epub",
	}
}

func TestUpload_New(t *testing.T) {
	fake := target.NewFakeService()
	out := fastUploader(fake).Upload(context.Background(), req("aaa"))
	assert.Equal(t, NewUploaded, out.Kind)
	assert.True(t, out.Success())
	assert.True(t, out.Terminal())
}

func TestUpload_Duplicate(t *testing.T) {
	fake := target.NewFakeService()
	fake.Preload(fingerprint.Fingerprint{Hash: "aaa", Size: 10})

	out := fastUploader(fake).Upload(context.Background(), req("aaa"))
	assert.Equal(t, AlreadyPresent, out.Kind)
	assert.True(t, out.Success())
}

func TestUpload_PrecheckShortCircuits(t *testing.T) {
	fake := target.NewFakeService()
	fake.Preload(fingerprint.Fingerprint{Hash: "aaa", Size: 10})

	u := fastUploader(fake)
	u.Precheck = true
	out := u.Upload(context.Background(), req("aaa"))
	assert.Equal(t, AlreadyPresent, out.Kind)
	assert.Empty(t, fake.Uploads())
}

func TestUpload_RetriesTransientThenSucceeds(t *testing.T) {
	fake := target.NewFakeService()
	fake.FailNext(2, &target.APIError{StatusCode: 503, Message: "overloaded"})

	out := fastUploader(fake).Upload(context.Background(), req("bbb"))
	assert.Equal(t, NewUploaded, out.Kind)
	assert.Len(t, fake.Uploads(), 1)
}

func TestUpload_TransientExhaustsRetries(t *testing.T) {
	fake := target.NewFakeService()
	fake.FailNext(5, &target.APIError{StatusCode: 503, Message: "overloaded"})

	out := fastUploader(fake).Upload(context.Background(), req("ccc"))
	assert.Equal(t, TransientFailure, out.Kind)
	assert.False(t, out.Terminal())
}

func TestUpload_PermanentNoRetry(t *testing.T) {
	fake := target.NewFakeService()
	fake.RejectAs = target.StatusValidationRejected

	out := fastUploader(fake).Upload(context.Background(), req("ddd"))
	assert.Equal(t, PermanentFailure, out.Kind)
	assert.True(t, out.Terminal())
	assert.False(t, out.Success())
}

func TestUpload_ContextCancelStopsRetrying(t *testing.T) {
	fake := target.NewFakeService()
	fake.FailNext(5, &target.APIError{StatusCode: 503, Message: "overloaded"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	u := New(fake) // real backoff base would block without the cancel check
	out := u.Upload(ctx, req("eee"))
	assert.Equal(t, TransientFailure, out.Kind)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"retryable api", &target.APIError{StatusCode: 502, Message: "bad gateway"}, TransientFailure},
		{"validation api", &target.APIError{StatusCode: 422, Code: "VALIDATION_ERROR", Message: "x"}, PermanentFailure},
		{"deadline", context.DeadlineExceeded, TransientFailure},
		{"unknown", assert.AnError, TransientFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyError(tt.err).Kind)
		})
	}
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "new_uploaded", Outcome{Kind: NewUploaded}.String())
	assert.Equal(t, "transient_failure (stuck)", Transient("stuck").String())
}

func TestUpload_DuplicateRace(t *testing.T) {
	// Two uploaders push the same fingerprint; exactly one wins.
	fake := target.NewFakeService()
	r := req("fff")

	first := fastUploader(fake).Upload(context.Background(), r)
	second := fastUploader(fake).Upload(context.Background(), r)

	require.Equal(t, NewUploaded, first.Kind)
	assert.Equal(t, AlreadyPresent, second.Kind)
	assert.Len(t, fake.Uploads(), 1)
}
