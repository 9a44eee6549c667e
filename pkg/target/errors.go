package target

import (
	"fmt"
	"strings"
)

// APIError represents an error response from the service.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// IsAuthError returns true if this is an authentication error.
func (e *APIError) IsAuthError() bool {
	return e.Code == "UNAUTHORIZED" || e.Code == "FORBIDDEN" ||
		e.StatusCode == 401 || e.StatusCode == 403
}

// IsDuplicate reports whether the service rejected the file as already
// present. Older service versions signal this only through the message text.
func (e *APIError) IsDuplicate() bool {
	if e.Code == "CONFLICT" || e.StatusCode == 409 {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "already exists")
}

// IsRetryable reports whether the request is worth repeating.
// Client-side rejections (bad metadata, oversize payload) are final.
func (e *APIError) IsRetryable() bool {
	if e.IsDuplicate() {
		return false
	}
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == 429
}
