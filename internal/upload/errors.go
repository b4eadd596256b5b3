package upload

import (
	"errors"
	"fmt"
)

// TransportError classifies one failed exchange with the storage backend.
// StatusCode 0 means the request never got an HTTP response (network-level
// failure).
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("upload transport error: %v", e.Err)
	}
	return fmt.Sprintf("upload transport error (status %d): %v", e.StatusCode, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could plausibly succeed:
// network failures and 5xx responses qualify, other 4xx do not.
func (e *TransportError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// ProtocolError marks responses that violate the upload contract, such as a
// 2xx part upload without an ETag header. Never retried.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "upload protocol error: " + e.Reason
}

// UploadInitError reports a rejected session creation. The engine does not
// retry it; the caller decides whether to start over.
type UploadInitError struct {
	CaptureID string
	Err       error
}

func (e *UploadInitError) Error() string {
	return fmt.Sprintf("initiating upload for capture %s: %v", e.CaptureID, e.Err)
}

func (e *UploadInitError) Unwrap() error { return e.Err }

// UploadError is the terminal failure of a part upload or completion after
// the retry budget is spent. Recoverable is false: already-completed parts
// stay valid, but the capture cannot make progress past the failed part.
type UploadError struct {
	PartNumber  int
	Attempts    int
	Recoverable bool
	Err         error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("part %d failed after %d attempts: %v", e.PartNumber, e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// retryableTransport is the classifier handed to the retry executor.
func retryableTransport(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable()
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return false
	}
	return false
}
