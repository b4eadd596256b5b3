// Package certification submits content hashes for cascading certification
// (timestamp, blockchain anchor, certificate) and tracks them to a terminal
// outcome.
package certification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/certivid/evidence-engine/internal/domain"
)

// APIError is a failed exchange with the certification backend. StatusCode
// 0 means no HTTP response was received.
type APIError struct {
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("certification api error: %v", e.Err)
	}
	return fmt.Sprintf("certification api error (status %d): %v", e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed: network errors
// and 5xx responses only.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// SubmitResponse acknowledges a certification submission.
type SubmitResponse struct {
	Success         bool   `json:"success"`
	CertificationID string `json:"certificationId"`
	Status          string `json:"status"`
}

// Client talks to the certification backend over HTTP. Every request
// carries the correlation identifier for cross-system tracing.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

type submitWire struct {
	CaptureID      string `json:"captureId"`
	HashN2         string `json:"hashN2"`
	HashN1         string `json:"hashN1"`
	LocalTimestamp string `json:"localTimestamp"`
	StorageType    string `json:"storageType"`
	CorrelationID  string `json:"correlationId"`
}

// Submit posts the certification request.
func (c *Client) Submit(ctx context.Context, req domain.CertificationRequest) (SubmitResponse, error) {
	payload := submitWire{
		CaptureID:      req.CaptureID,
		HashN2:         req.ContentHash,
		HashN1:         req.PreviousLevelHash,
		LocalTimestamp: req.LocalTimestamp.Format(time.RFC3339Nano),
		StorageType:    req.StorageClass,
		CorrelationID:  req.CorrelationID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SubmitResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/certification/submit", bytes.NewReader(body))
	if err != nil {
		return SubmitResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Correlation-Id", req.CorrelationID)

	var out SubmitResponse
	if err := c.do(httpReq, &out); err != nil {
		return SubmitResponse{}, err
	}
	return out, nil
}

type statusWire struct {
	Status string `json:"status"`
	Levels struct {
		Level3 *domain.LevelUpdate `json:"level3"`
		Level4 *domain.LevelUpdate `json:"level4"`
		Level5 *domain.LevelUpdate `json:"level5"`
	} `json:"levels"`
	Error string `json:"error,omitempty"`
}

// Status fetches the current per-level certification state for a capture.
func (c *Client) Status(ctx context.Context, captureID, correlationID string) (domain.StatusSnapshot, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/certification/status/"+captureID, nil)
	if err != nil {
		return domain.StatusSnapshot{}, err
	}
	httpReq.Header.Set("X-Correlation-Id", correlationID)

	var wire statusWire
	if err := c.do(httpReq, &wire); err != nil {
		return domain.StatusSnapshot{}, err
	}
	snapshot := domain.StatusSnapshot{
		Status: wire.Status,
		Levels: map[int]*domain.LevelUpdate{},
		Error:  wire.Error,
	}
	if wire.Levels.Level3 != nil {
		snapshot.Levels[domain.LevelTimestamp] = wire.Levels.Level3
	}
	if wire.Levels.Level4 != nil {
		snapshot.Levels[domain.LevelBlockchain] = wire.Levels.Level4
	}
	if wire.Levels.Level5 != nil {
		snapshot.Levels[domain.LevelCertificate] = wire.Levels.Level5
	}
	return snapshot, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed response: %w", err)}
	}
	return nil
}
