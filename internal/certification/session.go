package certification

import (
	"fmt"
	"time"

	"github.com/certivid/evidence-engine/internal/domain"
)

var allLevels = []int{domain.LevelTimestamp, domain.LevelBlockchain, domain.LevelCertificate}

// session is the per-request certification state machine. It is only
// touched by the single goroutine running Certify, so it needs no locking.
type session struct {
	captureID string
	levels    map[int]domain.LevelOutcome
	message   string
}

func newSession(captureID string) *session {
	levels := make(map[int]domain.LevelOutcome, len(allLevels))
	for _, lvl := range allLevels {
		levels[lvl] = domain.LevelOutcome{Level: lvl, Status: domain.StatusPending}
	}
	return &session{captureID: captureID, levels: levels}
}

func (s *session) status(level int) domain.LevelStatus {
	return s.levels[level].Status
}

// applyLevels merges one observed snapshot into the session. Polling and
// push updates both land here, so the two paths can never diverge.
func (s *session) applyLevels(updates map[int]*domain.LevelUpdate) {
	for level, update := range updates {
		if update == nil {
			continue
		}
		outcome, ok := s.levels[level]
		if !ok {
			continue
		}
		if outcome.Status.Terminal() {
			// Terminal statuses never regress, whatever a late poll says.
			continue
		}
		outcome.Status = update.Status
		if update.Timestamp != "" {
			outcome.Timestamp = update.Timestamp
		}
		if update.Provider != "" {
			outcome.Provider = update.Provider
		}
		if update.UsedFallback {
			outcome.UsedFallback = true
		}
		if update.TxHash != "" {
			outcome.TxHash = update.TxHash
		}
		if update.BlockNumber != 0 {
			outcome.BlockNumber = update.BlockNumber
		}
		if update.ArtifactURL != "" {
			outcome.ArtifactURL = update.ArtifactURL
		}
		if update.Error != "" {
			outcome.FailureMessage = update.Error
		}
		s.levels[level] = outcome
	}
	s.message = fmt.Sprintf("level %d %s", s.currentLevel(), s.status(s.currentLevel()))
}

// completeCertificate records the terminal artifact delivered by the push
// channel. The certificate cannot exist without the earlier levels, so any
// of them still in flight is marked completed as well.
func (s *session) completeCertificate(artifactURL string) {
	for _, lvl := range []int{domain.LevelTimestamp, domain.LevelBlockchain} {
		if earlier := s.levels[lvl]; !earlier.Status.Terminal() {
			earlier.Status = domain.StatusCompleted
			s.levels[lvl] = earlier
		}
	}
	outcome := s.levels[domain.LevelCertificate]
	outcome.Status = domain.StatusCompleted
	if artifactURL != "" {
		outcome.ArtifactURL = artifactURL
	}
	s.levels[domain.LevelCertificate] = outcome
	s.message = "certificate ready"
}

func (s *session) fail(level int, message string) {
	outcome := s.levels[level]
	outcome.Status = domain.StatusFailed
	outcome.FailureMessage = message
	s.levels[level] = outcome
}

func (s *session) allTerminal() bool {
	for _, lvl := range allLevels {
		if !s.levels[lvl].Status.Terminal() {
			return false
		}
	}
	return true
}

// currentLevel is the lowest level that has not reached a terminal status;
// level progression is ordered, so that is the level being waited on.
func (s *session) currentLevel() int {
	for _, lvl := range allLevels {
		if !s.levels[lvl].Status.Terminal() {
			return lvl
		}
	}
	return domain.LevelCertificate
}

func (s *session) progress() domain.CertificationProgress {
	statuses := make(map[int]domain.LevelStatus, len(allLevels))
	score := 0
	for _, lvl := range allLevels {
		status := s.levels[lvl].Status
		statuses[lvl] = status
		switch {
		case status.Terminal():
			score += 100
		case status == domain.StatusProcessing:
			score += 50
		}
	}
	return domain.CertificationProgress{
		CaptureID:     s.captureID,
		CurrentLevel:  s.currentLevel(),
		LevelStatuses: statuses,
		Percent:       score / len(allLevels),
		Message:       s.message,
	}
}

// result maps the final level statuses through the completion policy.
// Success requires the base timestamp; a failed later level after a
// completed earlier one yields a partial success, not a failure.
func (s *session) result(elapsed time.Duration) domain.CertificationResult {
	l3 := s.status(domain.LevelTimestamp)
	l4 := s.status(domain.LevelBlockchain)
	l5 := s.status(domain.LevelCertificate)

	isPartial := l3 == domain.StatusCompleted &&
		(l4 == domain.StatusPartial ||
			l4 == domain.StatusFailed ||
			(l4 == domain.StatusCompleted && l5 == domain.StatusFailed))

	success := false
	if l3 == domain.StatusCompleted {
		switch {
		case l5 == domain.StatusCompleted:
			success = true
		case isPartial:
			success = true
		default:
			highest := s.highestAttempted()
			success = highest != 0 && s.status(highest) == domain.StatusCompleted
		}
	}

	levels := make(map[int]domain.LevelOutcome, len(allLevels))
	for lvl, outcome := range s.levels {
		levels[lvl] = outcome
	}
	return domain.CertificationResult{
		CaptureID:             s.captureID,
		Success:               success,
		IsPartial:             isPartial,
		Levels:                levels,
		TotalProcessingTimeMs: elapsed.Milliseconds(),
	}
}

// highestAttempted is the highest level the backend actually worked on,
// skipping levels it never started or explicitly skipped.
func (s *session) highestAttempted() int {
	for i := len(allLevels) - 1; i >= 0; i-- {
		lvl := allLevels[i]
		status := s.levels[lvl].Status
		if status != domain.StatusPending && status != domain.StatusSkipped {
			return lvl
		}
	}
	return 0
}
