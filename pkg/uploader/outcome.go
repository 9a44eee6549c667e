package uploader

import "fmt"

// Kind classifies how one upload terminated.
type Kind string

const (
	// NewUploaded means the service accepted the file as new content.
	NewUploaded Kind = "new_uploaded"

	// AlreadyPresent means the service already held this fingerprint.
	// Terminal success, same as NewUploaded, but not counted as new work.
	AlreadyPresent Kind = "already_present"

	// TransientFailure means the attempt failed in a way worth repeating
	// later (network trouble, 5xx, stuck transfer).
	TransientFailure Kind = "transient_failure"

	// PermanentFailure means retrying cannot help (validation rejection,
	// oversize file, malformed metadata).
	PermanentFailure Kind = "permanent_failure"
)

// Outcome is the result of one upload, after retries.
type Outcome struct {
	Kind   Kind
	Reason string
}

// Terminal reports whether the record is finished from the worker's point of
// view. Transient failures stay eligible for a later run.
func (o Outcome) Terminal() bool {
	return o.Kind != TransientFailure
}

// Success reports whether the content is now on the service.
func (o Outcome) Success() bool {
	return o.Kind == NewUploaded || o.Kind == AlreadyPresent
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return string(o.Kind)
	}
	return fmt.Sprintf("%s (%s)", o.Kind, o.Reason)
}

// Transient builds a TransientFailure outcome.
func Transient(reason string) Outcome {
	return Outcome{Kind: TransientFailure, Reason: reason}
}

// Permanent builds a PermanentFailure outcome.
func Permanent(reason string) Outcome {
	return Outcome{Kind: PermanentFailure, Reason: reason}
}
