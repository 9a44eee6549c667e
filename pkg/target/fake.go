package target

import (
	"context"
	"sync"

	"github.com/AmenZhou/shelfsync/pkg/fingerprint"
)

// FakeService is an in-memory Service for tests. It records uploads, can be
// preloaded with existing fingerprints, and can be scripted to fail.
type FakeService struct {
	mu       sync.Mutex
	existing map[string]struct{}
	uploads  []UploadRequest

	// FailNext makes the next n calls (any method) return err.
	failN   int
	failErr error

	// FailUploads makes only Upload fail for the next n calls.
	failUpN   int
	failUpErr error

	// RejectAs, when non-empty, makes Upload return this status instead of
	// StatusNew for files not already present.
	RejectAs UploadStatus
}

// NewFakeService creates an empty fake.
func NewFakeService() *FakeService {
	return &FakeService{existing: make(map[string]struct{})}
}

// Preload marks fingerprints as already present on the service.
func (f *FakeService) Preload(fps ...fingerprint.Fingerprint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fp := range fps {
		f.existing[fp.String()] = struct{}{}
	}
}

// FailNext makes the next n calls return err.
func (f *FakeService) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failN = n
	f.failErr = err
}

// FailUploads makes only the next n Upload calls return err.
func (f *FakeService) FailUploads(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUpN = n
	f.failUpErr = err
}

// Uploads returns a copy of the recorded upload requests.
func (f *FakeService) Uploads() []UploadRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]UploadRequest, len(f.uploads))
	copy(out, f.uploads)
	return out
}

func (f *FakeService) maybeFail() error {
	if f.failN > 0 {
		f.failN--
		return f.failErr
	}
	return nil
}

// Exists implements Service.
func (f *FakeService) Exists(_ context.Context, fp fingerprint.Fingerprint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail(); err != nil {
		return false, err
	}
	_, ok := f.existing[fp.String()]
	return ok, nil
}

// AllFingerprints implements Service.
func (f *FakeService) AllFingerprints(_ context.Context, fn func(fingerprint.Fingerprint) error) error {
	f.mu.Lock()
	if err := f.maybeFail(); err != nil {
		f.mu.Unlock()
		return err
	}
	keys := make([]string, 0, len(f.existing))
	for k := range f.existing {
		keys = append(keys, k)
	}
	f.mu.Unlock()

	for _, k := range keys {
		fp, err := fingerprint.Parse(k)
		if err != nil {
			return err
		}
		if err := fn(fp); err != nil {
			return err
		}
	}
	return nil
}

// Upload implements Service.
func (f *FakeService) Upload(_ context.Context, req UploadRequest) (UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail(); err != nil {
		return UploadResult{Status: StatusServerError}, err
	}
	if f.failUpN > 0 {
		f.failUpN--
		return UploadResult{Status: StatusServerError}, f.failUpErr
	}
	key := req.Fingerprint.String()
	if _, ok := f.existing[key]; ok {
		return UploadResult{Status: StatusDuplicate, Message: "file already exists"}, nil
	}
	if f.RejectAs != "" {
		return UploadResult{Status: f.RejectAs}, nil
	}
	f.existing[key] = struct{}{}
	f.uploads = append(f.uploads, req)
	return UploadResult{Status: StatusNew, ServerFingerprint: req.Fingerprint.Hash}, nil
}

// Ping implements Service.
func (f *FakeService) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maybeFail()
}
