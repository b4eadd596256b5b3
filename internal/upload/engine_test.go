package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/certivid/evidence-engine/internal/domain"
	"github.com/certivid/evidence-engine/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport scripts transport behavior per part number.
type fakeTransport struct {
	partCalls        map[int]int
	failuresPerPart  map[int]int
	failStatus       int
	completeFailures int
	completeCalls    int
	completedWith    []domain.CompletedPart
	aborted          bool
	partPayloads     map[int][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		partCalls:       map[int]int{},
		failuresPerPart: map[int]int{},
		failStatus:      503,
		partPayloads:    map[int][]byte{},
	}
}

func (f *fakeTransport) CreateUpload(ctx context.Context, captureID, storageClass string) (string, string, error) {
	return "upload-1", "captures/" + captureID + "/recording.webm", nil
}

func (f *fakeTransport) UploadPart(ctx context.Context, objectKey, uploadID string, partNumber int, data []byte) (string, error) {
	f.partCalls[partNumber]++
	if f.failuresPerPart[partNumber] > 0 {
		f.failuresPerPart[partNumber]--
		return "", &TransportError{StatusCode: f.failStatus, Err: errors.New("injected failure")}
	}
	f.partPayloads[partNumber] = append([]byte(nil), data...)
	return fmt.Sprintf("etag-%d", partNumber), nil
}

func (f *fakeTransport) CompleteUpload(ctx context.Context, objectKey, uploadID string, parts []domain.CompletedPart) error {
	f.completeCalls++
	if f.completeFailures > 0 {
		f.completeFailures--
		return &TransportError{StatusCode: 500, Err: errors.New("injected complete failure")}
	}
	f.completedWith = parts
	return nil
}

func (f *fakeTransport) AbortUpload(ctx context.Context, objectKey, uploadID string) error {
	f.aborted = true
	return nil
}

func testPolicy() resilience.Policy {
	return resilience.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func newTestEngine(transport Transport) *Engine {
	return NewEngine(transport, WithMinPartSize(8), WithRetryPolicy(testPolicy()))
}

func TestAddChunkBuffersBelowMinPartSize(t *testing.T) {
	transport := newFakeTransport()
	engine := newTestEngine(transport)
	require.NoError(t, engine.Initiate(context.Background(), "cap-1", "STANDARD"))

	res, err := engine.AddChunk(context.Background(), []byte("abc"), "h1")
	require.NoError(t, err)
	assert.Nil(t, res, "a buffered chunk is not an error and not a part")
	assert.Empty(t, transport.partCalls)
}

func TestAddChunkFlushesAtMinPartSize(t *testing.T) {
	transport := newFakeTransport()
	engine := newTestEngine(transport)
	require.NoError(t, engine.Initiate(context.Background(), "cap-1", "STANDARD"))

	_, err := engine.AddChunk(context.Background(), []byte("abcd"), "h1")
	require.NoError(t, err)
	res, err := engine.AddChunk(context.Background(), []byte("efgh"), "h2")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.PartNumber)
	assert.Equal(t, "etag-1", res.ETag)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []byte("abcdefgh"), transport.partPayloads[1], "flushed part carries the buffered bytes in order")
}

func TestPartUploadRetriesTransientFailures(t *testing.T) {
	for failures := 0; failures < 3; failures++ {
		t.Run(fmt.Sprintf("%d_failures", failures), func(t *testing.T) {
			transport := newFakeTransport()
			transport.failuresPerPart[1] = failures
			engine := newTestEngine(transport)
			require.NoError(t, engine.Initiate(context.Background(), "cap-1", "STANDARD"))

			res, err := engine.AddChunk(context.Background(), bytes.Repeat([]byte("x"), 8), "h1")
			require.NoError(t, err)
			require.NotNil(t, res)
			assert.Equal(t, failures+1, res.Attempts)
			assert.Equal(t, failures+1, transport.partCalls[1], "transport invoked exactly f+1 times")
		})
	}
}

func TestPartUploadRejectsAfterThreeAttempts(t *testing.T) {
	transport := newFakeTransport()
	transport.failuresPerPart[1] = 3
	engine := newTestEngine(transport)
	require.NoError(t, engine.Initiate(context.Background(), "cap-1", "STANDARD"))

	_, err := engine.AddChunk(context.Background(), bytes.Repeat([]byte("x"), 8), "h1")
	var uploadErr *UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, 3, uploadErr.Attempts)
	assert.False(t, uploadErr.Recoverable)
	assert.Equal(t, 3, transport.partCalls[1], "exactly 3 transport invocations")
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	transport := newFakeTransport()
	transport.failuresPerPart[1] = 3
	transport.failStatus = 403
	engine := newTestEngine(transport)
	require.NoError(t, engine.Initiate(context.Background(), "cap-1", "STANDARD"))

	_, err := engine.AddChunk(context.Background(), bytes.Repeat([]byte("x"), 8), "h1")
	var uploadErr *UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, 1, uploadErr.Attempts)
	assert.Equal(t, 1, transport.partCalls[1], "4xx responses are fatal on the first attempt")
}

func TestFailedPartNumberIsReusedNotSkipped(t *testing.T) {
	transport := newFakeTransport()
	transport.failuresPerPart[2] = 3
	engine := newTestEngine(transport)
	require.NoError(t, engine.Initiate(context.Background(), "cap-1", "STANDARD"))

	res, err := engine.AddChunk(context.Background(), bytes.Repeat([]byte("a"), 8), "h1")
	require.NoError(t, err)
	require.Equal(t, 1, res.PartNumber)

	_, err = engine.AddChunk(context.Background(), bytes.Repeat([]byte("b"), 8), "h2")
	require.Error(t, err)

	// Earlier completed parts survive the failure untouched.
	assert.Equal(t, []domain.CompletedPart{{PartNumber: 1, ETag: "etag-1"}}, engine.CompletedParts())
	assert.Equal(t, 1, transport.partCalls[1], "completed parts are never re-uploaded")

	// A subsequent flush retries the same part number; it was never consumed.
	transport.failuresPerPart[2] = 0
	res, err = engine.AddChunk(context.Background(), bytes.Repeat([]byte("c"), 8), "h3")
	require.NoError(t, err)
	assert.Equal(t, 2, res.PartNumber)
}

func TestCompleteFlushesShortFinalPart(t *testing.T) {
	transport := newFakeTransport()
	engine := newTestEngine(transport)
	require.NoError(t, engine.Initiate(context.Background(), "cap-1", "STANDARD"))

	_, err := engine.AddChunk(context.Background(), bytes.Repeat([]byte("a"), 8), "h1")
	require.NoError(t, err)
	_, err = engine.AddChunk(context.Background(), []byte("tail"), "h2")
	require.NoError(t, err)

	summary, err := engine.Complete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("tail"), transport.partPayloads[2], "short final part is allowed")
	assert.Equal(t, []domain.CompletedPart{
		{PartNumber: 1, ETag: "etag-1"},
		{PartNumber: 2, ETag: "etag-2"},
	}, transport.completedWith, "finalize uses the ordered part list")
	assert.Equal(t, uint64(12), summary.TotalBytes)
}

func TestCompleteRetriesFinalize(t *testing.T) {
	transport := newFakeTransport()
	transport.completeFailures = 2
	engine := newTestEngine(transport)
	require.NoError(t, engine.Initiate(context.Background(), "cap-1", "STANDARD"))
	_, err := engine.AddChunk(context.Background(), []byte("data"), "h1")
	require.NoError(t, err)

	_, err = engine.Complete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, transport.completeCalls)
}

func TestAbortIsBestEffort(t *testing.T) {
	transport := newFakeTransport()
	engine := newTestEngine(transport)
	require.NoError(t, engine.Initiate(context.Background(), "cap-1", "STANDARD"))
	_, err := engine.AddChunk(context.Background(), []byte("buffered"), "h1")
	require.NoError(t, err)

	engine.Abort(context.Background())
	assert.True(t, transport.aborted)

	_, err = engine.AddChunk(context.Background(), []byte("more"), "h2")
	assert.Error(t, err, "the session is gone after abort")
}

func TestInitiateFailureIsTyped(t *testing.T) {
	engine := NewEngine(&failingCreateTransport{},WithRetryPolicy(testPolicy()))
	err := engine.Initiate(context.Background(), "cap-1", "STANDARD")
	var initErr *UploadInitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "cap-1", initErr.CaptureID)
}

type failingCreateTransport struct{ fakeTransport }

func (failingCreateTransport) CreateUpload(ctx context.Context, captureID, storageClass string) (string, string, error) {
	return "", "", &TransportError{StatusCode: 400, Err: errors.New("bucket rejected")}
}

func TestTransportErrorClassification(t *testing.T) {
	assert.True(t, retryableTransport(&TransportError{StatusCode: 0, Err: errors.New("conn refused")}))
	assert.True(t, retryableTransport(&TransportError{StatusCode: 503, Err: errors.New("unavailable")}))
	assert.False(t, retryableTransport(&TransportError{StatusCode: 404, Err: errors.New("gone")}))
	assert.False(t, retryableTransport(&ProtocolError{Reason: "no ETag on successful part 1"}))
	assert.False(t, retryableTransport(errors.New("unclassified")))
}
