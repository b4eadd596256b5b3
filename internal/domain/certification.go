package domain

import "time"

// Certification levels. Level 3 is the qualified timestamp, level 4 the
// blockchain anchor, level 5 the signed certificate document.
const (
	LevelTimestamp   = 3
	LevelBlockchain  = 4
	LevelCertificate = 5
)

// LevelStatus is the lifecycle state of one certification level.
type LevelStatus string

const (
	StatusPending    LevelStatus = "pending"
	StatusProcessing LevelStatus = "processing"
	StatusCompleted  LevelStatus = "completed"
	StatusPartial    LevelStatus = "partial"
	StatusFailed     LevelStatus = "failed"
	StatusSkipped    LevelStatus = "skipped"
)

// Terminal reports whether no further transitions are possible for s.
func (s LevelStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// CertificationRequest is the immutable submission for one capture.
type CertificationRequest struct {
	CaptureID         string    `json:"captureId"`
	ContentHash       string    `json:"hashN2"`
	PreviousLevelHash string    `json:"hashN1"`
	LocalTimestamp    time.Time `json:"localTimestamp"`
	StorageClass      string    `json:"storageType"`
	CorrelationID     string    `json:"correlationId"`
}

// LevelOutcome carries the terminal state of one level plus its artifacts.
// UsedFallback is only meaningful for level 3 and records that the fallback
// timestamp authority signed instead of the primary one; it is deliberately
// separate from the partial flag.
type LevelOutcome struct {
	Level          int         `json:"level"`
	Status         LevelStatus `json:"status"`
	Timestamp      string      `json:"timestamp,omitempty"`
	Provider       string      `json:"provider,omitempty"`
	UsedFallback   bool        `json:"used_fallback,omitempty"`
	TxHash         string      `json:"tx_hash,omitempty"`
	BlockNumber    int64       `json:"block_number,omitempty"`
	ArtifactURL    string      `json:"artifact_url,omitempty"`
	FailureMessage string      `json:"failure_message,omitempty"`
}

// CertificationProgress is a point-in-time snapshot published while a
// certification is in flight.
type CertificationProgress struct {
	CaptureID     string              `json:"capture_id"`
	CurrentLevel  int                 `json:"current_level"`
	LevelStatuses map[int]LevelStatus `json:"level_statuses"`
	Percent       int                 `json:"percent"`
	Message       string              `json:"message"`
}

// LevelUpdate is the per-level payload reported by the certification
// backend, via polling and via push notifications alike.
type LevelUpdate struct {
	Status       LevelStatus `json:"status"`
	Timestamp    string      `json:"timestamp,omitempty"`
	Provider     string      `json:"provider,omitempty"`
	UsedFallback bool        `json:"usedFallback,omitempty"`
	TxHash       string      `json:"txHash,omitempty"`
	BlockNumber  int64       `json:"blockNumber,omitempty"`
	ArtifactURL  string      `json:"artifactUrl,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// StatusSnapshot is one observation of the backend's certification state.
// The poll response and push status updates both reduce to this shape so a
// single state-update path handles them.
type StatusSnapshot struct {
	Status string               `json:"status"`
	Levels map[int]*LevelUpdate `json:"levels"`
	Error  string               `json:"error,omitempty"`
}

// Notification types pushed over the side channel.
const (
	NotificationPDFReady     = "pdf_ready"
	NotificationStatusUpdate = "status_update"
)

// Notification is one message from the push channel. PDFReady carries the
// terminal artifact directly and short-circuits polling.
type Notification struct {
	Type        string               `json:"type"`
	CaptureID   string               `json:"captureId"`
	Levels      map[int]*LevelUpdate `json:"levels,omitempty"`
	ArtifactURL string               `json:"artifactUrl,omitempty"`
}

// CertificationResult is the terminal outcome of one certification attempt.
// IsPartial means a later level failed after an earlier level had already
// completed; the evidence remains usable with reduced assurance.
type CertificationResult struct {
	CaptureID             string               `json:"capture_id"`
	Success               bool                 `json:"success"`
	IsPartial             bool                 `json:"is_partial"`
	Levels                map[int]LevelOutcome `json:"levels"`
	TotalProcessingTimeMs int64                `json:"total_processing_time_ms"`
}
