// Package upload turns a stream of buffered chunk bytes into a resumable
// multipart upload with a bounded retry budget per part.
package upload

import (
	"bytes"
	"context"
	"errors"
	"log/slog"

	"github.com/certivid/evidence-engine/internal/domain"
	"github.com/certivid/evidence-engine/internal/metrics"
	"github.com/certivid/evidence-engine/internal/resilience"
)

// MinPartSize is the smallest part the storage service accepts for any part
// except the last one (S3 semantics).
const MinPartSize = 5 * 1024 * 1024

// Transport is the storage backend seam. The production implementation is
// the minio adapter; tests inject fakes with scripted failures.
type Transport interface {
	CreateUpload(ctx context.Context, captureID, storageClass string) (uploadID, objectKey string, err error)
	UploadPart(ctx context.Context, objectKey, uploadID string, partNumber int, data []byte) (etag string, err error)
	CompleteUpload(ctx context.Context, objectKey, uploadID string, parts []domain.CompletedPart) error
	AbortUpload(ctx context.Context, objectKey, uploadID string) error
}

// Engine owns one upload session for one capture. It buffers chunk bytes
// until a part-sized amount accumulated, flushes parts through the retry
// executor, and finalizes the session on Complete. Not safe for concurrent
// use; one capture is driven by one logical worker.
type Engine struct {
	transport   Transport
	retryPolicy resilience.Policy
	minPartSize int

	captureID      string
	uploadID       string
	objectKey      string
	buffer         bytes.Buffer
	nextPartNumber int
	completedParts []domain.CompletedPart
	totalBytes     uint64
	active         bool
}

// Option tunes an Engine at construction.
type Option func(*Engine)

// WithMinPartSize overrides the service minimum, used by tests to exercise
// flushes with small payloads.
func WithMinPartSize(n int) Option {
	return func(e *Engine) { e.minPartSize = n }
}

// WithRetryPolicy overrides the per-part retry policy.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(e *Engine) { e.retryPolicy = p }
}

func NewEngine(transport Transport, opts ...Option) *Engine {
	e := &Engine{
		transport:   transport,
		retryPolicy: resilience.DefaultUploadPolicy(),
		minPartSize: MinPartSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Initiate creates the server-side multipart session. Failures are wrapped
// in UploadInitError and not retried here.
func (e *Engine) Initiate(ctx context.Context, captureID, storageClass string) error {
	uploadID, objectKey, err := e.transport.CreateUpload(ctx, captureID, storageClass)
	if err != nil {
		return &UploadInitError{CaptureID: captureID, Err: err}
	}
	e.captureID = captureID
	e.uploadID = uploadID
	e.objectKey = objectKey
	e.nextPartNumber = 1
	e.completedParts = nil
	e.buffer.Reset()
	e.totalBytes = 0
	e.active = true
	slog.Info("Initiated multipart upload", "captureId", captureID, "uploadId", uploadID, "objectKey", objectKey)
	return nil
}

// AddChunk appends chunk bytes to the buffer. When the buffer reaches the
// minimum part size one part is flushed and its result returned; otherwise
// the chunk stays buffered and (nil, nil) is returned, which is not an
// error.
func (e *Engine) AddChunk(ctx context.Context, data []byte, hash string) (*domain.PartResult, error) {
	if !e.active {
		return nil, errors.New("upload session not initiated")
	}
	e.buffer.Write(data)
	e.totalBytes += uint64(len(data))
	slog.Debug("Buffered chunk", "captureId", e.captureID, "hash", hash, "buffered", e.buffer.Len())
	if e.buffer.Len() < e.minPartSize {
		return nil, nil
	}
	return e.flushPart(ctx)
}

// Complete flushes any remaining buffered bytes as a short final part and
// finalizes the upload with the ordered completed-part list.
func (e *Engine) Complete(ctx context.Context) (*domain.UploadSummary, error) {
	if !e.active {
		return nil, errors.New("upload session not initiated")
	}
	if e.buffer.Len() > 0 {
		if _, err := e.flushPart(ctx); err != nil {
			return nil, err
		}
	}
	res, err := resilience.Do(ctx, e.retryPolicy, retryableTransport, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.transport.CompleteUpload(ctx, e.objectKey, e.uploadID, e.completedParts)
	})
	if err != nil {
		return nil, e.asUploadError(0, err)
	}
	slog.Info("Completed multipart upload", "captureId", e.captureID, "parts", len(e.completedParts), "attempts", res.Attempts)
	summary := &domain.UploadSummary{
		CaptureID:  e.captureID,
		ObjectKey:  e.objectKey,
		Parts:      e.completedParts,
		TotalBytes: e.totalBytes,
	}
	e.active = false
	return summary, nil
}

// Abort releases the buffer and asks the backend to drop the session.
// Server-side cleanup is best effort: failures are logged, never retried.
func (e *Engine) Abort(ctx context.Context) {
	if !e.active {
		return
	}
	e.buffer.Reset()
	e.active = false
	if err := e.transport.AbortUpload(ctx, e.objectKey, e.uploadID); err != nil {
		slog.Error("Abort of multipart upload failed", "captureId", e.captureID, "uploadId", e.uploadID, "err", err)
	}
}

// CompletedParts returns the server-acknowledged parts so far. Parts already
// completed survive a later part's failure and are never re-uploaded.
func (e *Engine) CompletedParts() []domain.CompletedPart {
	return e.completedParts
}

// flushPart uploads the current buffer as one part. A retried failure
// reuses the same part number; only a genuinely new part increments the
// counter.
func (e *Engine) flushPart(ctx context.Context) (*domain.PartResult, error) {
	partNumber := e.nextPartNumber
	data := make([]byte, e.buffer.Len())
	copy(data, e.buffer.Bytes())
	e.buffer.Reset()

	res, err := resilience.Do(ctx, e.retryPolicy, retryableTransport, func(ctx context.Context) (string, error) {
		return e.transport.UploadPart(ctx, e.objectKey, e.uploadID, partNumber, data)
	})
	if err != nil {
		metrics.PartUploadErrors.WithLabelValues(e.captureID).Inc()
		return nil, e.asUploadError(partNumber, err)
	}
	e.nextPartNumber++
	part := domain.CompletedPart{PartNumber: partNumber, ETag: res.Value}
	e.completedParts = append(e.completedParts, part)
	metrics.PartsUploaded.WithLabelValues(e.captureID).Inc()
	metrics.BytesUploaded.WithLabelValues(e.captureID).Observe(float64(len(data)))
	slog.Debug("Uploaded part", "captureId", e.captureID, "partNumber", partNumber, "etag", res.Value, "attempts", res.Attempts)
	return &domain.PartResult{PartNumber: partNumber, ETag: res.Value, Attempts: res.Attempts}, nil
}

// asUploadError normalizes a retry outcome into the engine's terminal error
// type, preserving attempt counts for auditability.
func (e *Engine) asUploadError(partNumber int, err error) error {
	var exhausted *resilience.RetryExhaustedError
	if errors.As(err, &exhausted) {
		return &UploadError{PartNumber: partNumber, Attempts: exhausted.Attempts, Recoverable: false, Err: exhausted.Err}
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return &UploadError{PartNumber: partNumber, Attempts: 1, Recoverable: false, Err: pe}
	}
	var te *TransportError
	if errors.As(err, &te) {
		// Non-retryable 4xx surfaced on the first attempt.
		return &UploadError{PartNumber: partNumber, Attempts: 1, Recoverable: false, Err: te}
	}
	return err
}
