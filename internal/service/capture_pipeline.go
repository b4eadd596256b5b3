package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/certivid/evidence-engine/internal/adapter"
	"github.com/certivid/evidence-engine/internal/certification"
	"github.com/certivid/evidence-engine/internal/config"
	"github.com/certivid/evidence-engine/internal/domain"
	"github.com/certivid/evidence-engine/internal/hashchain"
	"github.com/certivid/evidence-engine/internal/metrics"
	"github.com/certivid/evidence-engine/internal/upload"
	redis "github.com/redis/go-redis/v9"
)

// CapturePipelineService drives queued captures through the evidence
// pipeline: chunk files are hash-chained in order, streamed into a
// multipart upload, and the resulting content hash is submitted for
// cascading certification.
type CapturePipelineService struct {
	ctx          context.Context
	store        adapter.CaptureStore
	transport    upload.Transport
	orchestrator *certification.Orchestrator
	cfg          config.PipelineConfig
	engineOpts   []upload.Option
}

// NewCapturePipelineService creates the pipeline. The orchestrator's
// progress is persisted through the store so the status API always serves
// the latest snapshot.
func NewCapturePipelineService(ctx context.Context, cfg config.PipelineConfig, store adapter.CaptureStore, transport upload.Transport, orchestrator *certification.Orchestrator, engineOpts ...upload.Option) *CapturePipelineService {
	orchestrator.AddSink(certification.ProgressSinkFunc(func(progress domain.CertificationProgress) {
		if err := store.SetCertificationProgress(ctx, progress); err != nil {
			slog.Error("Failed to persist certification progress", "captureId", progress.CaptureID, "err", err)
		}
	}))
	return &CapturePipelineService{
		ctx:          ctx,
		store:        store,
		transport:    transport,
		orchestrator: orchestrator,
		cfg:          cfg,
		engineOpts:   engineOpts,
	}
}

// ProcessQueue starts multiple workers to process all captures in the
// in-progress queue concurrently. Captures are independent pipelines; the
// only shared state is the per-dependency circuit breakers.
func (cp *CapturePipelineService) ProcessQueue() error {
	var wg sync.WaitGroup
	slog.Info("Starting workers", "numWorkers", cp.cfg.NumWorkers)
	for i := range make([]struct{}, int(cp.cfg.NumWorkers)) {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			slog.Info(fmt.Sprintf("Starting worker %d/%d", workerID, cp.cfg.NumWorkers))
			cp.processQueueWithDequeueFunc(workerID, cp.store.DequeueInProgress)
		}(i + 1)
	}
	wg.Wait()
	return nil
}

// ProcessPendingQueue drains captures stranded in the in-progress queue by
// a previous run, using a single worker.
func (cp *CapturePipelineService) ProcessPendingQueue() error {
	return cp.processQueueWithDequeueFunc(0, cp.store.DequeueStaleCapture)
}

// processQueueWithDequeueFunc processes captures using the provided dequeue
// function. It loops until no more captures are available or an error occurs.
func (cp *CapturePipelineService) processQueueWithDequeueFunc(workerID int, dequeueFunc func(context.Context) (adapter.CaptureID, error)) error {
	for {
		captureID, err := dequeueFunc(context.Background())
		slog.Info("Dequeued capture", "workerID", workerID, "captureId", captureID)
		if err != nil {
			if err == redis.Nil {
				slog.Info("No more captures to process")
				break
			}
			slog.Error("Error dequeuing capture", "err", err)
			return err
		}
		if err := cp.ProcessCapture(workerID, captureID); err != nil {
			slog.Error("Error processing capture", "captureId", captureID, "err", err)
			// Continue processing other captures
		}
	}
	return nil
}

// ProcessCapture runs one capture end to end. Upload failures leave
// already-completed parts durable; the capture stays in the in-progress
// queue and is retried as a whole by the stale worker.
func (cp *CapturePipelineService) ProcessCapture(workerID int, captureID adapter.CaptureID) error {
	manifest, err := cp.store.GetManifest(context.Background(), captureID)
	slog.Debug("Manifest", "workerID", workerID, "manifest", manifest)
	if err != nil {
		return err
	}
	if manifest.CaptureID == "" {
		slog.Info("No manifest for capture, dropping", "workerID", workerID, "captureId", captureID)
		return cp.store.DequeueCompleted(context.Background(), captureID)
	}

	contentHash, lastChunkHash, err := cp.uploadCapture(manifest)
	if err != nil {
		metrics.PartUploadErrors.WithLabelValues(captureID).Inc()
		return err
	}

	result, err := cp.certifyCapture(manifest, contentHash, lastChunkHash)
	if err != nil {
		slog.Error("Certification did not complete", "captureId", captureID, "err", err)
	}
	if err := cp.store.SetCertificationResult(context.Background(), result); err != nil {
		return err
	}

	manifest.Status = captureStatus(result)
	if err := cp.store.SetManifest(context.Background(), captureID, manifest); err != nil {
		return err
	}
	metrics.CapturesProcessed.WithLabelValues(captureID).Inc()
	return cp.store.DequeueCompleted(context.Background(), captureID)
}

// uploadCapture chains all chunk files in index order and streams them into
// a multipart upload, returning the folded content hash and the last chunk
// hash of the chain.
func (cp *CapturePipelineService) uploadCapture(manifest domain.CaptureManifest) (string, string, error) {
	engine := upload.NewEngine(cp.transport, cp.engineOpts...)
	chainer := hashchain.NewChainer()

	if err := engine.Initiate(cp.ctx, manifest.CaptureID, manifest.StorageClass); err != nil {
		return "", "", err
	}

	lastChunkHash := ""
	for i := uint(0); i < manifest.TotalChunks; i++ {
		data, err := os.ReadFile(chunkFilePath(manifest.Dir, i))
		if err != nil {
			engine.Abort(cp.ctx)
			return "", "", err
		}
		chained, err := chainer.Process(domain.Chunk{Index: i, Data: data, CapturedAt: time.Now()})
		if err != nil {
			engine.Abort(cp.ctx)
			return "", "", err
		}
		lastChunkHash = chained.Hash
		metrics.ChunksChained.WithLabelValues(manifest.CaptureID).Inc()

		if _, err := engine.AddChunk(cp.ctx, data, chained.Hash); err != nil {
			// Completed parts stay valid server-side; only the failed part
			// blocks completion.
			return "", "", err
		}

		manifest.ChunkProgressIndex = i + 1
		if err := cp.store.SetManifest(context.Background(), manifest.CaptureID, manifest); err != nil {
			slog.Error("Error updating manifest progress", "captureId", manifest.CaptureID, "err", err)
			return "", "", err
		}
	}

	summary, err := engine.Complete(cp.ctx)
	if err != nil {
		return "", "", err
	}
	slog.Info("Capture uploaded", "captureId", manifest.CaptureID, "objectKey", summary.ObjectKey, "parts", len(summary.Parts), "bytes", summary.TotalBytes)
	return chainer.Root(), lastChunkHash, nil
}

func (cp *CapturePipelineService) certifyCapture(manifest domain.CaptureManifest, contentHash, lastChunkHash string) (domain.CertificationResult, error) {
	req := domain.CertificationRequest{
		CaptureID:         manifest.CaptureID,
		ContentHash:       contentHash,
		PreviousLevelHash: lastChunkHash,
		LocalTimestamp:    time.Now(),
		StorageClass:      manifest.StorageClass,
	}
	result, err := cp.orchestrator.Certify(cp.ctx, req)
	if err != nil && certification.ShouldUseFallback(err) {
		slog.Warn("Primary timestamp path degraded, fallback source advised", "captureId", manifest.CaptureID, "err", err)
	}
	return result, err
}

func captureStatus(result domain.CertificationResult) string {
	switch {
	case result.Success && result.IsPartial:
		return "certified_partial"
	case result.Success:
		return "certified"
	default:
		return "certification_failed"
	}
}

func chunkFilePath(dir string, index uint) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%05d.bin", index))
}
