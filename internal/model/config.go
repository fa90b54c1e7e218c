package model

import (
	"log/slog"
	"time"
)

// PullerConfig holds the rate, retry and paging knobs of a job.
// It is built once at start-up and never mutated.
type PullerConfig struct {
	MaxRequestsPerSecond int           `json:"max_requests_per_second" yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" validate:"gte=1"`
	MinRequestInterval   time.Duration `json:"min_request_interval" yaml:"min_request_interval" mapstructure:"min_request_interval" validate:"gte=0"`
	MaxRetries           int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0,lte=20"`
	InitialBackoff       time.Duration `json:"initial_backoff" yaml:"initial_backoff" mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff           time.Duration `json:"max_backoff" yaml:"max_backoff" mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
	BackoffJitter        float64       `json:"backoff_jitter" yaml:"backoff_jitter" mapstructure:"backoff_jitter" validate:"gte=0,lte=1"`
	ThrottleMultiplier   float64       `json:"throttle_multiplier" yaml:"throttle_multiplier" mapstructure:"throttle_multiplier" validate:"gt=0,lte=1"`
	PageSize             int           `json:"page_size" yaml:"page_size" mapstructure:"page_size" validate:"gte=1,lte=1000"`
	MaxPages             int           `json:"max_pages" yaml:"max_pages" mapstructure:"max_pages" validate:"gte=1"`
	CheckpointInterval   int           `json:"checkpoint_interval" yaml:"checkpoint_interval" mapstructure:"checkpoint_interval" validate:"gte=1"`
	RequestTimeout       time.Duration `json:"request_timeout" yaml:"request_timeout" mapstructure:"request_timeout" validate:"gt=0"`
	Workers              int           `json:"workers" yaml:"workers" mapstructure:"workers" validate:"gte=1,lte=8"`
	EnabledPhases        []Phase       `json:"enabled_phases" yaml:"enabled_phases" mapstructure:"enabled_phases" validate:"min=1,dive,oneof=master_data inventory_data transactional_data"`
}

// DefaultPullerConfig returns the documented defaults
func DefaultPullerConfig() PullerConfig {
	return PullerConfig{
		MaxRequestsPerSecond: 3,
		MinRequestInterval:   350 * time.Millisecond,
		MaxRetries:           3,
		InitialBackoff:       2 * time.Second,
		MaxBackoff:           60 * time.Second,
		BackoffJitter:        0.1,
		ThrottleMultiplier:   0.5,
		PageSize:             100,
		MaxPages:             50,
		CheckpointInterval:   100,
		RequestTimeout:       30 * time.Second,
		Workers:              1,
		EnabledPhases:        append([]Phase(nil), PhaseOrder...),
	}
}

// PhaseEnabled reports whether p is part of this job
func (c PullerConfig) PhaseEnabled(p Phase) bool {
	for _, e := range c.EnabledPhases {
		if e == p {
			return true
		}
	}
	return false
}

// RetryPolicy extracts the retry knobs
func (c PullerConfig) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Jitter:         c.BackoffJitter,
	}
}

// Credential is the API token and signature secret pair
type Credential struct {
	APIToken        string `json:"-" yaml:"-" mapstructure:"api_token"`
	SignatureSecret string `json:"-" yaml:"-" mapstructure:"signature_secret"`
}

// Empty reports whether either half is missing
func (c Credential) Empty() bool { return c.APIToken == "" || c.SignatureSecret == "" }

// String never reveals the secrets
func (c Credential) String() string { return "Credential{redacted}" }

// LogValue keeps credentials out of structured logs
func (c Credential) LogValue() slog.Value { return slog.StringValue("redacted") }

// RequestSignature is derived per request and discarded after use
type RequestSignature struct {
	Timestamp string
	Signature string
}

// EndpointOverride adjusts one catalog endpoint from configuration
type EndpointOverride struct {
	Critical *bool `json:"critical,omitempty" yaml:"critical,omitempty" mapstructure:"critical"`
	MaxPages int   `json:"max_pages,omitempty" yaml:"max_pages,omitempty" mapstructure:"max_pages" validate:"gte=0"`
	Disabled bool  `json:"disabled,omitempty" yaml:"disabled,omitempty" mapstructure:"disabled"`
}
