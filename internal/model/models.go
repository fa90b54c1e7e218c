package model

import "time"

// JobSpec is what the job registry stores about how a job was started
type JobSpec struct {
	StartDate      string   `json:"start_date"`
	EndDate        string   `json:"end_date"`
	EnabledPhases  []Phase  `json:"enabled_phases"`
	CheckpointPath string   `json:"checkpoint_path"`
	Sink           string   `json:"sink"`
	Endpoints      []string `json:"endpoints"`
}

// JobSummary is a row of the job registry
type JobSummary struct {
	ID             string    `json:"id"`
	Status         JobStatus `json:"status"`
	CheckpointPath string    `json:"checkpoint_path"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// JobDetail is a registry row with its spec
type JobDetail struct {
	JobSummary
	Spec JobSpec `json:"spec"`
}

// JobError is one recorded failure of a job
type JobError struct {
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ExportResult describes one written export file
type ExportResult struct {
	Dataset     string    `json:"dataset"`
	Path        string    `json:"path"`
	RecordCount int       `json:"record_count"`
	Timestamp   time.Time `json:"timestamp"`
}
