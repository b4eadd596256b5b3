package config

import (
	"time"
)

// PipelineConfig drives the capture pipeline workers.
type PipelineConfig struct {
	SpoolPath     string
	Bucket        string
	StorageClass  string
	StreamTimeout time.Duration
	NumWorkers    uint16
}

// CertificationConfig bounds the certification orchestrator. Zero values
// are replaced field-by-field by WithDefaults; there is no option merging.
type CertificationConfig struct {
	BaseURL          string
	PollBaseInterval time.Duration
	PollMultiplier   float64
	PollMaxInterval  time.Duration
	Level3Timeout    time.Duration
	Level4Timeout    time.Duration
	SubmitAttempts   int
}

// WithDefaults fills unset fields with the production defaults.
func (c CertificationConfig) WithDefaults() CertificationConfig {
	if c.PollBaseInterval == 0 {
		c.PollBaseInterval = 2 * time.Second
	}
	if c.PollMultiplier == 0 {
		c.PollMultiplier = 1.5
	}
	if c.PollMaxInterval == 0 {
		c.PollMaxInterval = 30 * time.Second
	}
	if c.Level3Timeout == 0 {
		c.Level3Timeout = 5 * time.Minute
	}
	if c.Level4Timeout == 0 {
		c.Level4Timeout = 10 * time.Minute
	}
	if c.SubmitAttempts == 0 {
		c.SubmitAttempts = 3
	}
	return c
}

// OverallTimeout is the hard polling deadline: the larger of the two level
// timeouts.
func (c CertificationConfig) OverallTimeout() time.Duration {
	if c.Level4Timeout > c.Level3Timeout {
		return c.Level4Timeout
	}
	return c.Level3Timeout
}
