package domain

import (
	"fmt"
	"math"
	"time"
)

// RetryPolicy bounds how often a failing item is reattempted.
type RetryPolicy struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	BackoffMultiple float64       `yaml:"backoff_multiple"`
}

// DefaultRetryPolicy provides sensible defaults.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	BaseDelay:       2 * time.Second,
	MaxDelay:        5 * time.Minute,
	BackoffMultiple: 2.0,
}

// Validate checks policy invariants.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max_delay %v < base_delay %v", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// Delay calculates backoff for the given attempt: BaseDelay * multiple^attempt,
// clamped to MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.BackoffMultiple
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}
