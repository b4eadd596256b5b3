package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/certivid/evidence-engine/internal/adapter"
	"github.com/certivid/evidence-engine/internal/config"
	"github.com/certivid/evidence-engine/internal/domain"
	"github.com/certivid/evidence-engine/internal/metrics"
	"github.com/fsnotify/fsnotify"
)

// ManifestFileName is the file the capture collaborator writes last, once
// all chunk files of a recording are on disk.
const ManifestFileName = "manifest.json"

// FsSpoolWatcher is an alias for fsnotify.Watcher, used for spool event watching.
type FsSpoolWatcher = fsnotify.Watcher

// SpoolWatcherService watches one spool directory and enqueues captures
// whose manifests have gone quiet for the configured stream timeout.
type SpoolWatcherService struct {
	fsSpoolWatcher *FsSpoolWatcher
	store          adapter.CaptureStore
	done           chan bool
}

// SpoolWatcherAdmin manages the set of watched spool directories.
type SpoolWatcherAdmin struct {
	watchers       map[string]*SpoolWatcherService
	store          adapter.CaptureStore
	PipelineConfig config.PipelineConfig
}

type SpoolWatcherAdminAction interface {
	AddAndWatchSpool(cfg config.PipelineConfig)
	DeleteWatchSpool(path string) error
}

var manifestTimers = make(map[string]*time.Timer)
var mu sync.Mutex

// ingestCapture reads and validates the manifest at manifestPath and
// enqueues the capture for processing.
func (sw *SpoolWatcherService) ingestCapture(cfg config.PipelineConfig, manifestPath string) error {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		slog.Error("Failed to read manifest", "path", manifestPath, "err", err)
		metrics.CapturesIngestedErrors.WithLabelValues(manifestPath).Inc()
		return err
	}
	var manifest domain.CaptureManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		slog.Error("Malformed manifest", "path", manifestPath, "err", err)
		metrics.CapturesIngestedErrors.WithLabelValues(manifestPath).Inc()
		return err
	}
	if manifest.CaptureID == "" || manifest.TotalChunks == 0 {
		slog.Error("Manifest missing captureId or chunks", "path", manifestPath)
		metrics.CapturesIngestedErrors.WithLabelValues(manifestPath).Inc()
		return errors.New("invalid capture manifest")
	}
	if manifest.Dir == "" {
		manifest.Dir = filepath.Dir(manifestPath)
	}
	if manifest.Bucket == "" {
		manifest.Bucket = cfg.Bucket
	}
	if manifest.StorageClass == "" {
		manifest.StorageClass = cfg.StorageClass
	}
	slog.Info("Ingesting capture", "captureId", manifest.CaptureID, "dir", manifest.Dir, "chunks", manifest.TotalChunks)

	if err := sw.store.Enqueue(context.Background(), manifest.CaptureID, manifest); err != nil {
		slog.Error("Failed to enqueue capture", "captureId", manifest.CaptureID, "err", err)
		metrics.CapturesIngestedErrors.WithLabelValues(manifestPath).Inc()
		return err
	}
	metrics.CapturesIngested.WithLabelValues(manifestPath).Inc()
	return nil
}

// startOrResetTimer debounces manifest writes: the capture is ingested only
// once its manifest has been quiet for the stream timeout.
func (sw *SpoolWatcherService) startOrResetTimer(cfg config.PipelineConfig, manifestPath string) {
	mu.Lock()
	defer mu.Unlock()
	if timer, exists := manifestTimers[manifestPath]; exists {
		timer.Stop()
	}

	manifestTimers[manifestPath] = time.AfterFunc(cfg.StreamTimeout, func() {
		slog.Info("No updates, ingesting capture", "timeout", cfg.StreamTimeout.String(), "path", manifestPath)
		go sw.ingestCapture(cfg, manifestPath)
		// Clean up
		mu.Lock()
		delete(manifestTimers, manifestPath)
		mu.Unlock()
	})
}

// handleWatcherEvents listens for file system events and debounces manifest
// writes. Runs in a goroutine and exits when the done channel is closed.
func handleWatcherEvents(spoolWatcherService *SpoolWatcherService, cfg config.PipelineConfig, done chan bool) {
	go func() {
		for {
			select {
			case event, ok := <-spoolWatcherService.fsSpoolWatcher.Events:
				if !ok {
					return
				}
				slog.Debug("event", "action", event.Op, "path", event.Name)
				switch event.Op {
				case fsnotify.Create, fsnotify.Write:
					if strings.HasSuffix(event.Name, ManifestFileName) {
						spoolWatcherService.startOrResetTimer(cfg, event.Name)
					}
				case fsnotify.Remove, fsnotify.Rename:
					slog.Debug("file renamed/removed", "path", event.Name)
				case fsnotify.Chmod:
					slog.Debug("file chmod", "path", event.Name)
				default:
					slog.Debug("unknown event", "path", event.Name, "action", event.Op.String())
				}
			case err, ok := <-spoolWatcherService.fsSpoolWatcher.Errors:
				if !ok {
					return
				}
				slog.Error("watcher error", "err", err)
			case <-done:
				slog.Info("Shutting down spool watcher goroutine")
				return
			}
		}
	}()
}

// AddAndWatchSpool adds a spool directory to the watchlist, registers it in
// redis and starts the event handler goroutine.
func (sw *SpoolWatcherAdmin) AddAndWatchSpool(cfg config.PipelineConfig) {
	path := cfg.SpoolPath
	fsSpoolWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create spool watcher", "err", err)
	}
	fsSpoolWatcher.Add(path)

	sw.store.SetSpoolWatch(context.Background(), path)
	slog.Info("Spool path added to watchlist", "path", path)

	done := make(chan bool)
	sw.watchers[path] = &SpoolWatcherService{
		fsSpoolWatcher: fsSpoolWatcher,
		store:          sw.store,
		done:           done,
	}

	handleWatcherEvents(sw.watchers[path], cfg, done)
}

// DeleteWatchSpool removes a spool directory from the watchlist and stops
// watching it. Returns an error if the path is not found.
func (sw *SpoolWatcherAdmin) DeleteWatchSpool(path string) error {
	slog.Info("Deleting spool watch", "path", path)

	if sw.store.GetSpoolWatch(context.Background(), path) != nil {
		return errors.New("path not found")
	}

	if watcherService, ok := sw.watchers[path]; ok {
		close(watcherService.done)
		watcherService.fsSpoolWatcher.Close()
		delete(sw.watchers, path)
		sw.store.DelSpoolWatch(context.Background(), path)
		slog.Info("Spool path removed from watchlist", "path", path)
		return nil
	}

	return errors.New("path not found")
}

// NewSpoolWatcherAdmin creates a new SpoolWatcherAdmin with the provided
// pipeline config and capture store.
func NewSpoolWatcherAdmin(cfg config.PipelineConfig, store adapter.CaptureStore) *SpoolWatcherAdmin {
	return &SpoolWatcherAdmin{
		watchers:       make(map[string]*SpoolWatcherService),
		store:          store,
		PipelineConfig: cfg,
	}
}
