package adapter

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/certivid/evidence-engine/internal/domain"
	"github.com/certivid/evidence-engine/internal/upload"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3MultipartClient implements upload.Transport on top of the minio core
// API, which exposes the raw multipart operations.
type S3MultipartClient struct {
	core   *minio.Core
	bucket string
}

func NewS3MultipartClient(bucket string) *S3MultipartClient {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:9000"
	}
	useSSL := false
	if strings.ToLower(os.Getenv("MINIO_USE_SSL")) == "true" {
		useSSL = true
	}
	accessKey := os.Getenv("MINIO_ACCESS_KEY")
	if accessKey == "" {
		slog.Error("MINIO_ACCESS_KEY is not set")
		os.Exit(1)
	}
	secretKey := os.Getenv("MINIO_SECRET_KEY")
	if secretKey == "" {
		slog.Error("MINIO_SECRET_KEY is not set")
		os.Exit(1)
	}
	core, err := minio.NewCore(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		slog.Error("Failed to create MinIO client", "err", err)
		return nil
	}
	return &S3MultipartClient{
		core:   core,
		bucket: bucket,
	}
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *S3MultipartClient) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.core.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return s.core.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region})
	}
	return nil
}

func (s *S3MultipartClient) CreateUpload(ctx context.Context, captureID, storageClass string) (string, string, error) {
	objectKey := makeObjectKey(captureID)
	uploadID, err := s.core.NewMultipartUpload(ctx, s.bucket, objectKey, minio.PutObjectOptions{
		ContentType:  "video/webm",
		StorageClass: storageClass,
		UserMetadata: map[string]string{"captureId": captureID},
	})
	if err != nil {
		return "", "", classify(err)
	}
	return uploadID, objectKey, nil
}

func (s *S3MultipartClient) UploadPart(ctx context.Context, objectKey, uploadID string, partNumber int, data []byte) (string, error) {
	part, err := s.core.PutObjectPart(ctx, s.bucket, objectKey, uploadID, partNumber, bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	if err != nil {
		return "", classify(err)
	}
	if part.ETag == "" {
		// A success without a part identifier cannot be completed later.
		return "", &upload.ProtocolError{Reason: fmt.Sprintf("no ETag on successful part %d", partNumber)}
	}
	return part.ETag, nil
}

func (s *S3MultipartClient) CompleteUpload(ctx context.Context, objectKey, uploadID string, parts []domain.CompletedPart) error {
	completed := make([]minio.CompletePart, len(parts))
	for i, p := range parts {
		completed[i] = minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag}
	}
	_, err := s.core.CompleteMultipartUpload(ctx, s.bucket, objectKey, uploadID, completed, minio.PutObjectOptions{})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *S3MultipartClient) AbortUpload(ctx context.Context, objectKey, uploadID string) error {
	return s.core.AbortMultipartUpload(ctx, s.bucket, objectKey, uploadID)
}

func makeObjectKey(captureID string) string {
	return fmt.Sprintf("captures/%s/recording.webm", captureID)
}

// classify maps a minio error to the engine's transport taxonomy. Errors
// without an HTTP status are network-level and retryable.
func classify(err error) error {
	resp := minio.ToErrorResponse(err)
	return &upload.TransportError{StatusCode: resp.StatusCode, Err: err}
}
