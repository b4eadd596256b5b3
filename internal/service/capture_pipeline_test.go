package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/certivid/evidence-engine/internal/adapter"
	"github.com/certivid/evidence-engine/internal/certification"
	"github.com/certivid/evidence-engine/internal/config"
	"github.com/certivid/evidence-engine/internal/domain"
	"github.com/certivid/evidence-engine/internal/hashchain"
	"github.com/certivid/evidence-engine/internal/resilience"
	"github.com/certivid/evidence-engine/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	manifests map[string]domain.CaptureManifest
	progress  map[string]domain.CertificationProgress
	results   map[string]domain.CertificationResult
	completed []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		manifests: map[string]domain.CaptureManifest{},
		progress:  map[string]domain.CertificationProgress{},
		results:   map[string]domain.CertificationResult{},
	}
}

func (m *memoryStore) Enqueue(ctx context.Context, id adapter.CaptureID, manifest domain.CaptureManifest) error {
	m.manifests[id] = manifest
	return nil
}

func (m *memoryStore) DequeueInProgress(ctx context.Context) (adapter.CaptureID, error) {
	return "", nil
}

func (m *memoryStore) DequeueStaleCapture(ctx context.Context) (adapter.CaptureID, error) {
	return "", nil
}

func (m *memoryStore) DequeueCompleted(ctx context.Context, id adapter.CaptureID) error {
	m.completed = append(m.completed, id)
	return nil
}

func (m *memoryStore) SetSpoolWatch(ctx context.Context, path adapter.SpoolPath) error { return nil }
func (m *memoryStore) GetSpoolWatch(ctx context.Context, path adapter.SpoolPath) error { return nil }
func (m *memoryStore) DelSpoolWatch(ctx context.Context, path adapter.SpoolPath) error { return nil }

func (m *memoryStore) SetManifest(ctx context.Context, id adapter.CaptureID, manifest domain.CaptureManifest) error {
	m.manifests[id] = manifest
	return nil
}

func (m *memoryStore) GetManifest(ctx context.Context, id adapter.CaptureID) (domain.CaptureManifest, error) {
	return m.manifests[id], nil
}

func (m *memoryStore) SetCertificationProgress(ctx context.Context, progress domain.CertificationProgress) error {
	m.progress[progress.CaptureID] = progress
	return nil
}

func (m *memoryStore) GetCertificationProgress(ctx context.Context, id adapter.CaptureID) (domain.CertificationProgress, error) {
	return m.progress[id], nil
}

func (m *memoryStore) SetCertificationResult(ctx context.Context, result domain.CertificationResult) error {
	m.results[result.CaptureID] = result
	return nil
}

func (m *memoryStore) GetCertificationResult(ctx context.Context, id adapter.CaptureID) (domain.CertificationResult, error) {
	return m.results[id], nil
}

func (m *memoryStore) Subscribe(ctx context.Context, id adapter.CaptureID) (<-chan domain.Notification, func() error, error) {
	ch := make(chan domain.Notification)
	return ch, func() error { return nil }, nil
}

func (m *memoryStore) Close() error { return nil }

type recordingTransport struct {
	parts     map[int][]byte
	completed []domain.CompletedPart
	aborted   bool
}

func (r *recordingTransport) CreateUpload(ctx context.Context, captureID, storageClass string) (string, string, error) {
	return "upload-1", "captures/" + captureID + "/recording.webm", nil
}

func (r *recordingTransport) UploadPart(ctx context.Context, objectKey, uploadID string, partNumber int, data []byte) (string, error) {
	if r.parts == nil {
		r.parts = map[int][]byte{}
	}
	r.parts[partNumber] = append([]byte(nil), data...)
	return fmt.Sprintf("etag-%d", partNumber), nil
}

func (r *recordingTransport) CompleteUpload(ctx context.Context, objectKey, uploadID string, parts []domain.CompletedPart) error {
	r.completed = parts
	return nil
}

func (r *recordingTransport) AbortUpload(ctx context.Context, objectKey, uploadID string) error {
	r.aborted = true
	return nil
}

type completingClient struct {
	submitted domain.CertificationRequest
}

func (c *completingClient) Submit(ctx context.Context, req domain.CertificationRequest) (certification.SubmitResponse, error) {
	c.submitted = req
	return certification.SubmitResponse{Success: true, CertificationID: "cert-1", Status: "accepted"}, nil
}

func (c *completingClient) Status(ctx context.Context, captureID, correlationID string) (domain.StatusSnapshot, error) {
	return domain.StatusSnapshot{
		Status: "completed",
		Levels: map[int]*domain.LevelUpdate{
			domain.LevelTimestamp:   {Status: domain.StatusCompleted, Provider: "primary-tsa"},
			domain.LevelBlockchain:  {Status: domain.StatusCompleted, TxHash: "0xabc"},
			domain.LevelCertificate: {Status: domain.StatusCompleted, ArtifactURL: "https://certs.example/cap-1.pdf"},
		},
	}, nil
}

func writeChunks(t *testing.T, dir string, payloads ...string) {
	t.Helper()
	for i, p := range payloads {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("chunk_%05d.bin", i)), []byte(p), 0o644))
	}
}

func TestProcessCaptureEndToEnd(t *testing.T) {
	dir := t.TempDir()
	payloads := []string{"frame-0", "frame-1", "frame-2"}
	writeChunks(t, dir, payloads...)

	store := newMemoryStore()
	store.manifests["cap-1"] = domain.CaptureManifest{
		CaptureID:    "cap-1",
		Dir:          dir,
		TotalChunks:  3,
		Bucket:       "evidence",
		StorageClass: "STANDARD",
	}

	transport := &recordingTransport{}
	client := &completingClient{}
	certCfg := config.CertificationConfig{
		PollBaseInterval: 2 * time.Millisecond,
		PollMultiplier:   1.5,
		PollMaxInterval:  10 * time.Millisecond,
		Level3Timeout:    time.Second,
		Level4Timeout:    time.Second,
		SubmitAttempts:   1,
	}
	orchestrator := certification.NewOrchestrator(client, certCfg, resilience.NewBreakerRegistry(), nil)

	pipeline := NewCapturePipelineService(
		context.Background(),
		config.PipelineConfig{SpoolPath: dir, Bucket: "evidence", StorageClass: "STANDARD", NumWorkers: 1},
		store,
		transport,
		orchestrator,
		upload.WithMinPartSize(8),
		upload.WithRetryPolicy(resilience.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}),
	)

	require.NoError(t, pipeline.ProcessCapture(1, "cap-1"))

	// The submitted content hash is the fold root of the chunk chain.
	expected := hashchain.NewChainer()
	for i, p := range payloads {
		_, err := expected.Process(domain.Chunk{Index: uint(i), Data: []byte(p)})
		require.NoError(t, err)
	}
	assert.Equal(t, expected.Root(), client.submitted.ContentHash)
	assert.NotEmpty(t, client.submitted.PreviousLevelHash)

	require.NotEmpty(t, transport.completed, "upload must be finalized")
	assert.False(t, transport.aborted)

	result := store.results["cap-1"]
	assert.True(t, result.Success)
	assert.False(t, result.IsPartial)

	manifest := store.manifests["cap-1"]
	assert.Equal(t, "certified", manifest.Status)
	assert.Equal(t, uint(3), manifest.ChunkProgressIndex)
	assert.Equal(t, []string{"cap-1"}, store.completed)

	progress := store.progress["cap-1"]
	assert.Equal(t, 100, progress.Percent, "the latest persisted progress is terminal")
}

func TestProcessCaptureDropsUnknownCapture(t *testing.T) {
	store := newMemoryStore()
	transport := &recordingTransport{}
	orchestrator := certification.NewOrchestrator(&completingClient{}, config.CertificationConfig{}, nil, nil)
	pipeline := NewCapturePipelineService(context.Background(), config.PipelineConfig{}, store, transport, orchestrator)

	require.NoError(t, pipeline.ProcessCapture(1, "ghost"))
	assert.Equal(t, []string{"ghost"}, store.completed)
	assert.Empty(t, transport.completed)
}

func TestProcessCaptureAbortsOnMissingChunkFile(t *testing.T) {
	dir := t.TempDir()
	writeChunks(t, dir, "frame-0")

	store := newMemoryStore()
	store.manifests["cap-2"] = domain.CaptureManifest{
		CaptureID:   "cap-2",
		Dir:         dir,
		TotalChunks: 2,
	}
	transport := &recordingTransport{}
	orchestrator := certification.NewOrchestrator(&completingClient{}, config.CertificationConfig{}, nil, nil)
	pipeline := NewCapturePipelineService(context.Background(), config.PipelineConfig{}, store, transport, orchestrator)

	err := pipeline.ProcessCapture(1, "cap-2")
	require.Error(t, err)
	assert.True(t, transport.aborted, "a capture that cannot be read is aborted")
	assert.Empty(t, store.completed, "the capture stays queued for the stale worker")
}
