package model

import "time"

// RetryPolicy defines how a single logical request is retried
type RetryPolicy struct {
	MaxRetries     int           `json:"max_retries"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
	Jitter         float64       `json:"jitter"` // fraction of the backoff added at most
}

// Backoff returns the delay before retry k (1-based):
// min(InitialBackoff * 2^(k-1), MaxBackoff).
func (p RetryPolicy) Backoff(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	delay := p.InitialBackoff
	for i := 1; i < k; i++ {
		delay *= 2
		if delay >= p.MaxBackoff || delay <= 0 {
			return p.MaxBackoff
		}
	}
	if delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// Attempts is the total number of tries including the first one
func (p RetryPolicy) Attempts() int { return p.MaxRetries + 1 }
