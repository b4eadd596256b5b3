package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnv loads .env and reads the process configuration. Required
// variables terminate the process when missing; optional ones fall back to
// defaults with a warning.
func LoadEnv() (PipelineConfig, CertificationConfig) {
	err := godotenv.Load()
	if err != nil {
		slog.Error("No .env file found or error loading .env file", "err", err)
	}
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		slog.Error("S3_BUCKET is not set")
		os.Exit(1)
	}
	spoolPath := os.Getenv("CAPTURE_SPOOL_PATH")
	if spoolPath == "" {
		slog.Error("CAPTURE_SPOOL_PATH is not set")
		os.Exit(1)
	}
	certBaseURL := os.Getenv("CERTIFICATION_BASE_URL")
	if certBaseURL == "" {
		slog.Error("CERTIFICATION_BASE_URL is not set")
		os.Exit(1)
	}
	streamTimeout := os.Getenv("STREAM_TIMEOUT_SEC")
	if streamTimeout == "" {
		slog.Warn("STREAM_TIMEOUT_SEC is not set, using default of 30 seconds")
		streamTimeout = "30"
	}
	timeout, err := strconv.Atoi(streamTimeout)
	if err != nil {
		slog.Error("STREAM_TIMEOUT_SEC is not a valid integer", "err", err)
		os.Exit(1)
	}
	storageClass := os.Getenv("STORAGE_CLASS")
	if storageClass == "" {
		storageClass = "STANDARD"
	}
	workers := os.Getenv("NUM_WORKERS")
	if workers == "" {
		slog.Warn("NUM_WORKERS is not set, using default of 1")
		workers = "1"
	}
	workersInt, _ := strconv.Atoi(workers)

	pipeline := PipelineConfig{
		SpoolPath:     spoolPath,
		Bucket:        bucket,
		StorageClass:  storageClass,
		StreamTimeout: time.Duration(timeout) * time.Second,
		NumWorkers:    uint16(workersInt),
	}
	certification := CertificationConfig{BaseURL: certBaseURL}.WithDefaults()
	return pipeline, certification
}
