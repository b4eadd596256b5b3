package certification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/certivid/evidence-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitSendsContractPayload(t *testing.T) {
	var received submitWire
	var correlationHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/certification/submit", r.URL.Path)
		correlationHeader = r.Header.Get("X-Correlation-Id")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(SubmitResponse{Success: true, CertificationID: "cert-9", Status: "accepted"})
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	resp, err := client.Submit(context.Background(), domain.CertificationRequest{
		CaptureID:         "cap-9",
		ContentHash:       validHash,
		PreviousLevelHash: "beef",
		LocalTimestamp:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		StorageClass:      "STANDARD",
		CorrelationID:     "corr-123",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "cert-9", resp.CertificationID)

	assert.Equal(t, "corr-123", correlationHeader, "every outbound request carries the correlation id")
	assert.Equal(t, "cap-9", received.CaptureID)
	assert.Equal(t, validHash, received.HashN2)
	assert.Equal(t, "beef", received.HashN1)
	assert.Equal(t, "STANDARD", received.StorageType)
	assert.Equal(t, "corr-123", received.CorrelationID)
}

func TestStatusMapsWireLevels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/certification/status/cap-9", r.URL.Path)
		assert.Equal(t, "corr-123", r.Header.Get("X-Correlation-Id"))
		w.Write([]byte(`{
			"status": "processing",
			"levels": {
				"level3": {"status": "completed", "timestamp": "2025-06-01T12:00:00Z", "provider": "primary-tsa"},
				"level4": {"status": "processing", "txHash": "0xfeed", "blockNumber": 831},
				"level5": {"status": "pending"}
			}
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	snapshot, err := client.Status(context.Background(), "cap-9", "corr-123")
	require.NoError(t, err)

	assert.Equal(t, "processing", snapshot.Status)
	assert.Equal(t, domain.StatusCompleted, snapshot.Levels[domain.LevelTimestamp].Status)
	assert.Equal(t, "primary-tsa", snapshot.Levels[domain.LevelTimestamp].Provider)
	assert.Equal(t, "0xfeed", snapshot.Levels[domain.LevelBlockchain].TxHash)
	assert.Equal(t, int64(831), snapshot.Levels[domain.LevelBlockchain].BlockNumber)
	assert.Equal(t, domain.StatusPending, snapshot.Levels[domain.LevelCertificate].Status)
}

func TestStatusClassifiesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	_, err := client.Status(context.Background(), "cap-9", "corr-123")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.True(t, apiErr.Retryable())
}

func TestMalformedResponseIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	_, err := client.Status(context.Background(), "cap-9", "corr-123")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.False(t, apiErr.Retryable(), "malformed responses are protocol errors, never retried")
}
