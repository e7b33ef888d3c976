package scheduler

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls how failed delegation attempts are retried.
type RetryPolicy struct {
	// MaxRetries is the number of requeues allowed after the first attempt.
	// 0 disables retries.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay caps the backoff.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the exponential growth factor.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds ±25% randomness to spread synchronized retries.
	Jitter bool `yaml:"jitter" json:"jitter"`
}

// DefaultRetryPolicy returns the default backoff policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// Delay returns the backoff before the given retry (1-based): exponential
// growth from InitialDelay with optional ±25% jitter, clamped to
// [InitialDelay, MaxDelay]. The cap applies to the final jittered value.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(retry-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
		if delay > float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
		}
	}
	if delay < float64(p.InitialDelay) {
		delay = float64(p.InitialDelay)
	}
	return time.Duration(delay)
}
