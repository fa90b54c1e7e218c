package model

import "time"

// EndpointStats are the transport counters for one endpoint
type EndpointStats struct {
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	RateLimitHits      int64         `json:"rate_limit_hits"`
	TotalLatency       time.Duration `json:"total_latency"`
}

// Requests is every round trip that produced a response or a network error
func (s EndpointStats) Requests() int64 {
	return s.SuccessfulRequests + s.FailedRequests + s.RateLimitHits
}

// AverageLatency is TotalLatency spread over all requests
func (s EndpointStats) AverageLatency() time.Duration {
	n := s.Requests()
	if n == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(n)
}

// FieldQuality counts missing values for one watched field
type FieldQuality struct {
	Field   string  `json:"field"`
	Records int64   `json:"records"`
	Nulls   int64   `json:"nulls"`
	Zeros   int64   `json:"zeros"`
	NullPct float64 `json:"null_pct"`
}

// EndpointReport summarises one endpoint of a job
type EndpointReport struct {
	Dataset        string         `json:"dataset"`
	Phase          Phase          `json:"phase"`
	Outcome        EndpointStatus `json:"outcome"`
	Reason         string         `json:"reason,omitempty"`
	Pages          int            `json:"pages"`
	Records        int            `json:"records"`
	SkippedLookups int            `json:"skipped_lookups"`
	Duration       time.Duration  `json:"duration"`
	Stats          EndpointStats  `json:"stats"`
}

// PhaseReport is the wall-clock span of a phase
type PhaseReport struct {
	Phase     Phase         `json:"phase"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Completed bool          `json:"completed"`
}

// JobReport is emitted at the end of a job, or on request mid-run
type JobReport struct {
	JobID     string                             `json:"job_id"`
	Status    JobStatus                          `json:"status"`
	StartedAt time.Time                          `json:"started_at"`
	Duration  time.Duration                      `json:"duration"`
	Records   int                                `json:"records"`
	Phases    []PhaseReport                      `json:"phases"`
	Endpoints map[string]EndpointReport          `json:"endpoints"`
	Tiers     map[string]map[string]int          `json:"tiers"`   // rule -> tier -> records
	Quality   map[string]map[string]FieldQuality `json:"quality"` // dataset -> field -> counts
	Error     string                             `json:"error,omitempty"`
}
