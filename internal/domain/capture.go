package domain

import "time"

// Chunk is one unit of captured media, produced by the capture collaborator
// in strictly increasing, contiguous index order.
type Chunk struct {
	Index      uint      `json:"index"`
	Data       []byte    `json:"-"`
	CapturedAt time.Time `json:"captured_at"`
}

// ChainedChunk is a chunk whose digest has been linked to its predecessor.
// PreviousHash is empty for chunk 0.
type ChainedChunk struct {
	Chunk        Chunk  `json:"chunk"`
	Hash         string `json:"hash"`
	PreviousHash string `json:"previous_hash,omitempty"`
}

// CompletedPart records one server-acknowledged part of a multipart upload.
type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

// PartResult is returned for every part that actually went over the wire,
// including how many transport attempts it took.
type PartResult struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
	Attempts   int    `json:"attempts"`
}

// UploadSummary describes a finalized multipart upload.
type UploadSummary struct {
	CaptureID  string          `json:"capture_id"`
	ObjectKey  string          `json:"object_key"`
	Parts      []CompletedPart `json:"parts"`
	TotalBytes uint64          `json:"total_bytes"`
	UploadTime time.Time       `json:"upload_time"`
}

// CaptureManifest is dropped into the spool directory by the capture
// collaborator once a recording session has finished writing chunk files.
type CaptureManifest struct {
	CaptureID          string `json:"capture_id"`
	Dir                string `json:"dir"`
	TotalChunks        uint   `json:"total_chunks"`
	TotalBytes         uint64 `json:"total_bytes"`
	ChunkProgressIndex uint   `json:"chunk_progress_index"`
	Bucket             string `json:"bucket"`
	StorageClass       string `json:"storage_class"`
	Status             string `json:"status"`
}
