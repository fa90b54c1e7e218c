package model

import (
	"sort"
	"time"
)

// CheckpointSchemaVersion is bumped whenever CheckpointState changes shape
const CheckpointSchemaVersion = 1

// EndpointStatus tracks one endpoint inside a checkpoint
type EndpointStatus string

const (
	EndpointPending    EndpointStatus = "pending"
	EndpointInProgress EndpointStatus = "in_progress"
	EndpointCompleted  EndpointStatus = "completed"
	EndpointSkipped    EndpointStatus = "skipped"
)

// EndpointProgress is the per-endpoint resume position.
// LastPage is always a fully committed page.
type EndpointProgress struct {
	Status    EndpointStatus `json:"status"`
	LastPage  int            `json:"last_page"`
	Records   int            `json:"records"`
	Reason    string         `json:"reason,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// CheckpointState is the durable record of acquisition progress
type CheckpointState struct {
	SchemaVersion   int                         `json:"schema_version"`
	JobID           string                      `json:"job_id"`
	Phase           Phase                       `json:"phase"`
	Endpoint        string                      `json:"endpoint"`
	LastPage        int                         `json:"last_page"`
	Records         int                         `json:"records"`
	StartedAt       time.Time                   `json:"started_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
	StartDate       string                      `json:"start_date"`
	EndDate         string                      `json:"end_date"`
	Endpoints       map[string]EndpointProgress `json:"endpoints"`
	CompletedPhases []Phase                     `json:"completed_phases"`
}

// NewCheckpointState starts an empty state for a fresh job
func NewCheckpointState(jobID string, dates DateRange, now time.Time) CheckpointState {
	return CheckpointState{
		SchemaVersion: CheckpointSchemaVersion,
		JobID:         jobID,
		Phase:         PhaseMasterData,
		StartedAt:     now,
		UpdatedAt:     now,
		StartDate:     dates.StartString(),
		EndDate:       dates.EndString(),
		Endpoints:     make(map[string]EndpointProgress),
	}
}

// Progress returns the stored progress for an endpoint, pending if unknown
func (s *CheckpointState) Progress(name string) EndpointProgress {
	if p, ok := s.Endpoints[name]; ok {
		return p
	}
	return EndpointProgress{Status: EndpointPending}
}

// EndpointDone reports whether an endpoint needs no more work
func (s *CheckpointState) EndpointDone(name string) bool {
	return s.Progress(name).Status == EndpointCompleted
}

// EndpointTerminal is true for completed and skipped endpoints
func (s *CheckpointState) EndpointTerminal(name string) bool {
	st := s.Progress(name).Status
	return st == EndpointCompleted || st == EndpointSkipped
}

// PhaseComplete reports whether p was committed as finished
func (s *CheckpointState) PhaseComplete(p Phase) bool {
	for _, c := range s.CompletedPhases {
		if c == p {
			return true
		}
	}
	return false
}

// MarkPage records a committed page for an endpoint
func (s *CheckpointState) MarkPage(phase Phase, name string, page, records int, now time.Time) {
	p := s.Progress(name)
	p.Status = EndpointInProgress
	p.LastPage = page
	p.Records += records
	p.UpdatedAt = now
	s.ensure()
	s.Endpoints[name] = p
	s.Phase = phase
	s.Endpoint = name
	s.LastPage = page
	s.Records += records
	s.UpdatedAt = now
}

// MarkEndpoint sets a terminal status for an endpoint
func (s *CheckpointState) MarkEndpoint(name string, status EndpointStatus, reason string, now time.Time) {
	p := s.Progress(name)
	p.Status = status
	p.Reason = reason
	p.UpdatedAt = now
	s.ensure()
	s.Endpoints[name] = p
	s.UpdatedAt = now
}

// MarkPhase commits a phase as finished
func (s *CheckpointState) MarkPhase(p Phase, now time.Time) {
	if !s.PhaseComplete(p) {
		s.CompletedPhases = append(s.CompletedPhases, p)
	}
	s.UpdatedAt = now
}

// ReopenSkipped turns skipped endpoints back into pending work so a resume
// retries them, and un-commits the phases that contained them.
func (s *CheckpointState) ReopenSkipped(phaseOf func(string) Phase) []string {
	var reopened []string
	phases := make(map[Phase]bool)
	for name, p := range s.Endpoints {
		if p.Status != EndpointSkipped {
			continue
		}
		p.Status = EndpointPending
		p.Reason = ""
		s.Endpoints[name] = p
		reopened = append(reopened, name)
		phases[phaseOf(name)] = true
	}
	if len(phases) > 0 {
		kept := s.CompletedPhases[:0]
		for _, c := range s.CompletedPhases {
			if !phases[c] {
				kept = append(kept, c)
			}
		}
		s.CompletedPhases = kept
	}
	sort.Strings(reopened)
	return reopened
}

// Clone deep-copies the state so it can be written while the original keeps changing
func (s CheckpointState) Clone() CheckpointState {
	out := s
	out.Endpoints = make(map[string]EndpointProgress, len(s.Endpoints))
	for k, v := range s.Endpoints {
		out.Endpoints[k] = v
	}
	out.CompletedPhases = append([]Phase(nil), s.CompletedPhases...)
	return out
}

func (s *CheckpointState) ensure() {
	if s.Endpoints == nil {
		s.Endpoints = make(map[string]EndpointProgress)
	}
}
