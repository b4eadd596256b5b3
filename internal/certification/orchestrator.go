package certification

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/certivid/evidence-engine/internal/config"
	"github.com/certivid/evidence-engine/internal/domain"
	"github.com/certivid/evidence-engine/internal/metrics"
	"github.com/certivid/evidence-engine/internal/resilience"
	"github.com/google/uuid"
)

// ErrInvalidContentHash rejects malformed content hashes before any network
// call is made.
var ErrInvalidContentHash = errors.New("content hash must be a 64-character hex digest")

var hexDigestRe = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// ValidateContentHash checks the fixed-length hex digest format.
func ValidateContentHash(hash string) error {
	if !hexDigestRe.MatchString(hash) {
		return ErrInvalidContentHash
	}
	return nil
}

// StatusClient is the certification backend seam.
type StatusClient interface {
	Submit(ctx context.Context, req domain.CertificationRequest) (SubmitResponse, error)
	Status(ctx context.Context, captureID, correlationID string) (domain.StatusSnapshot, error)
}

// Orchestrator drives one capture's content hash through cascading
// certification: level 3 (timestamp authority), level 4 (blockchain
// anchoring), level 5 (certificate generation). It polls with exponential
// backoff inside per-level timeouts, accepts push notifications that
// short-circuit polling, and reports partial success as a first-class
// outcome rather than an error.
type Orchestrator struct {
	client        StatusClient
	cfg           config.CertificationConfig
	tsaBreaker    *resilience.CircuitBreaker
	chainBreaker  *resilience.CircuitBreaker
	notifications NotificationSource

	sinkMu sync.Mutex
	sinks  []ProgressSink

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// NewOrchestrator wires the orchestrator against its collaborators. The
// breakers come from the shared registry so concurrent captures shed load
// on the same dependency together; either may be nil in tests.
func NewOrchestrator(client StatusClient, cfg config.CertificationConfig, reg *resilience.BreakerRegistry, notifications NotificationSource) *Orchestrator {
	o := &Orchestrator{
		client:        client,
		cfg:           cfg.WithDefaults(),
		notifications: notifications,
		cancels:       make(map[string]context.CancelFunc),
	}
	if reg != nil {
		o.tsaBreaker = reg.Get("tsa")
		o.chainBreaker = reg.Get("blockchain")
	}
	return o
}

// AddSink registers a progress subscriber.
func (o *Orchestrator) AddSink(sink ProgressSink) {
	o.sinkMu.Lock()
	defer o.sinkMu.Unlock()
	o.sinks = append(o.sinks, sink)
}

// Cancel aborts the in-flight certification for a capture. The poll loop
// exits promptly rather than waiting for its next tick.
func (o *Orchestrator) Cancel(captureID string) {
	o.cancelMu.Lock()
	cancel := o.cancels[captureID]
	o.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Certify submits the request and tracks it to a terminal result. The
// returned result is meaningful even when err != nil: it reflects the last
// observed level statuses mapped through the completion policy.
func (o *Orchestrator) Certify(ctx context.Context, req domain.CertificationRequest) (domain.CertificationResult, error) {
	start := time.Now()
	session := newSession(req.CaptureID)

	if err := ValidateContentHash(req.ContentHash); err != nil {
		return o.finish(session, start, err)
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	if req.LocalTimestamp.IsZero() {
		req.LocalTimestamp = time.Now()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancelMu.Lock()
	o.cancels[req.CaptureID] = cancel
	o.cancelMu.Unlock()
	defer func() {
		o.cancelMu.Lock()
		delete(o.cancels, req.CaptureID)
		o.cancelMu.Unlock()
	}()

	submitPolicy := resilience.Policy{
		MaxAttempts: o.cfg.SubmitAttempts,
		BaseDelay:   o.cfg.PollBaseInterval / 4,
		MaxDelay:    o.cfg.PollMaxInterval,
		Multiplier:  2,
		Jitter:      true,
	}
	_, err := resilience.Do(ctx, submitPolicy, retryableAPI, func(ctx context.Context) (SubmitResponse, error) {
		resp, err := o.client.Submit(ctx, req)
		if err != nil {
			return resp, err
		}
		if !resp.Success {
			return resp, &APIError{StatusCode: 200, Err: errors.New("submission rejected: " + resp.Status)}
		}
		return resp, nil
	})
	if err != nil {
		slog.Error("Certification submission failed", "captureId", req.CaptureID, "correlationId", req.CorrelationID, "err", err)
		return o.finish(session, start, err)
	}
	session.message = "submitted"
	o.publish(session)

	result, pollErr := o.pollUntilTerminal(ctx, req, session, start)
	return result, pollErr
}

// pollUntilTerminal runs the backoff poll loop until all levels are
// terminal, the overall or level-3 timeout fires, a push notification
// delivers the terminal artifact, or the context is cancelled.
func (o *Orchestrator) pollUntilTerminal(ctx context.Context, req domain.CertificationRequest, session *session, start time.Time) (domain.CertificationResult, error) {
	var notifCh <-chan domain.Notification
	if o.notifications != nil {
		ch, closeFn, err := o.notifications.Subscribe(ctx, req.CaptureID)
		if err != nil {
			// Polling still converges without the push channel.
			slog.Error("Push channel unavailable, relying on polling only", "captureId", req.CaptureID, "err", err)
		} else {
			notifCh = ch
			defer closeFn()
		}
	}

	overall := time.NewTimer(o.cfg.OverallTimeout())
	defer overall.Stop()
	level3 := time.NewTimer(o.cfg.Level3Timeout)
	defer level3.Stop()

	interval := o.cfg.PollBaseInterval
	poll := time.NewTimer(interval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Certification cancelled", "captureId", req.CaptureID)
			return o.finish(session, start, ctx.Err())

		case <-overall.C:
			slog.Error("Certification timed out", "captureId", req.CaptureID, "timeout", o.cfg.OverallTimeout())
			return o.finish(session, start, context.DeadlineExceeded)

		case <-level3.C:
			if session.status(domain.LevelTimestamp) != domain.StatusCompleted {
				slog.Error("Level 3 timestamp not certified within its timeout", "captureId", req.CaptureID, "timeout", o.cfg.Level3Timeout)
				session.fail(domain.LevelTimestamp, "level 3 timeout")
				return o.finish(session, start, context.DeadlineExceeded)
			}

		case n, ok := <-notifCh:
			if !ok {
				notifCh = nil
				continue
			}
			if n.Type == domain.NotificationPDFReady {
				slog.Info("Certificate ready via push channel, short-circuiting polls", "captureId", req.CaptureID)
				session.completeCertificate(n.ArtifactURL)
				o.publish(session)
				return o.finish(session, start, nil)
			}
			session.applyLevels(n.Levels)
			o.publish(session)
			if session.allTerminal() {
				return o.finish(session, start, nil)
			}

		case <-poll.C:
			snapshot, err := o.pollStatus(ctx, req, session.currentLevel())
			if err != nil {
				// Transient by policy, including an open breaker: keep
				// polling until a timeout decides otherwise.
				slog.Warn("Status poll failed", "captureId", req.CaptureID, "correlationId", req.CorrelationID, "err", err)
			} else {
				session.applyLevels(snapshot.Levels)
				o.publish(session)
				if session.allTerminal() {
					return o.finish(session, start, nil)
				}
			}
			interval = nextInterval(interval, o.cfg.PollMultiplier, o.cfg.PollMaxInterval)
			poll.Reset(interval)
		}
	}
}

// pollStatus performs one status call, guarded by the breaker of the
// dependency the current level waits on.
func (o *Orchestrator) pollStatus(ctx context.Context, req domain.CertificationRequest, currentLevel int) (domain.StatusSnapshot, error) {
	var breaker *resilience.CircuitBreaker
	switch currentLevel {
	case domain.LevelTimestamp:
		breaker = o.tsaBreaker
	case domain.LevelBlockchain:
		breaker = o.chainBreaker
	}

	var snapshot domain.StatusSnapshot
	call := func() error {
		var err error
		snapshot, err = o.client.Status(ctx, req.CaptureID, req.CorrelationID)
		return err
	}
	var err error
	if breaker != nil {
		err = breaker.Execute(call)
		metrics.BreakerState.WithLabelValues(breaker.Name()).Set(breakerGauge(breaker.State()))
	} else {
		err = call()
	}
	return snapshot, err
}

// ShouldUseFallback tells the caller a fallback timestamp source is worth
// attempting: the primary dependency is circuit-open, timed out, or failing
// server-side. Validation failures never trigger a fallback.
func ShouldUseFallback(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var exhausted *resilience.RetryExhaustedError
	return errors.As(err, &exhausted)
}

// finish maps the session into the terminal result, records metrics and
// persists nothing itself; persistence is the pipeline's concern.
func (o *Orchestrator) finish(session *session, start time.Time, err error) (domain.CertificationResult, error) {
	result := session.result(time.Since(start))
	outcome := "failed"
	if result.Success {
		outcome = "success"
		if result.IsPartial {
			outcome = "partial"
		}
	}
	metrics.CertificationsFinished.WithLabelValues(outcome).Inc()
	metrics.CertificationDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	slog.Info("Certification finished", "captureId", result.CaptureID, "outcome", outcome, "elapsedMs", result.TotalProcessingTimeMs)
	return result, err
}

func (o *Orchestrator) publish(session *session) {
	progress := session.progress()
	o.sinkMu.Lock()
	sinks := make([]ProgressSink, len(o.sinks))
	copy(sinks, o.sinks)
	o.sinkMu.Unlock()
	for _, sink := range sinks {
		sink.Publish(progress)
	}
}

func retryableAPI(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return false
}

func nextInterval(current time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		next = max
	}
	return next
}

func breakerGauge(state resilience.BreakerState) float64 {
	switch state {
	case resilience.StateOpen:
		return 2
	case resilience.StateHalfOpen:
		return 1
	}
	return 0
}
