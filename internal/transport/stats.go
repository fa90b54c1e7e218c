package transport

import (
	"sync"
	"time"

	"go-accurate-puller/internal/model"
)

// Stats holds per-endpoint counters. Only the Client writes them.
type Stats struct {
	mu         sync.Mutex
	byEndpoint map[string]*model.EndpointStats
}

func newStats() *Stats {
	return &Stats{byEndpoint: make(map[string]*model.EndpointStats)}
}

func (s *Stats) entry(endpoint string) *model.EndpointStats {
	e, ok := s.byEndpoint[endpoint]
	if !ok {
		e = &model.EndpointStats{}
		s.byEndpoint[endpoint] = e
	}
	return e
}

func (s *Stats) recordSuccess(endpoint string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(endpoint)
	e.SuccessfulRequests++
	e.TotalLatency += latency
}

func (s *Stats) recordFailure(endpoint string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(endpoint)
	e.FailedRequests++
	e.TotalLatency += latency
}

func (s *Stats) recordRateLimit(endpoint string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(endpoint)
	e.RateLimitHits++
	e.TotalLatency += latency
}

// Snapshot copies the counters
func (s *Stats) Snapshot() map[string]model.EndpointStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.EndpointStats, len(s.byEndpoint))
	for k, v := range s.byEndpoint {
		out[k] = *v
	}
	return out
}

// Endpoint returns the counters of one endpoint
func (s *Stats) Endpoint(endpoint string) model.EndpointStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byEndpoint[endpoint]; ok {
		return *e
	}
	return model.EndpointStats{}
}
