package model

import (
	"fmt"
	"time"
)

// Record is a schema-agnostic row as returned by the Accurate API
type Record map[string]interface{}

// Clone returns a shallow copy of the record
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// PulledRecord is a Record tagged with the dataset, endpoint and page it came from
type PulledRecord struct {
	Dataset  string            `json:"dataset"`
	Endpoint string            `json:"endpoint"`
	Page     int               `json:"page"`
	Data     Record            `json:"data"`
	Tiers    map[string]string `json:"tiers,omitempty"` // fallback rule -> tier used
}

// Phase names one stage of a pull job
type Phase string

const (
	PhaseMasterData        Phase = "master_data"
	PhaseInventoryData     Phase = "inventory_data"
	PhaseTransactionalData Phase = "transactional_data"
	PhaseDone              Phase = "done"
	PhaseFailed            Phase = "failed"
)

// PhaseOrder is the order phases always run in
var PhaseOrder = []Phase{PhaseMasterData, PhaseInventoryData, PhaseTransactionalData}

// JobStatus is the terminal outcome of a pull job
type JobStatus string

const (
	StatusRunning            JobStatus = "running"
	StatusCompleted          JobStatus = "completed"
	StatusCompletedWithSkips JobStatus = "completed_with_skips"
	StatusAborted            JobStatus = "aborted"
	StatusFailed             JobStatus = "failed"
)

// Finished reports whether a job in this status needs no resume
func (s JobStatus) Finished() bool {
	return s == StatusCompleted || s == StatusCompletedWithSkips || s == StatusFailed
}

// DateLayout is the dd/mm/yyyy format Accurate uses for date filters
const DateLayout = "02/01/2006"

// DateRange bounds the transactional pull
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ParseDateRange accepts dd/mm/yyyy or yyyy-mm-dd bounds
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := parseDate(start)
	if err != nil {
		return DateRange{}, fmt.Errorf("start date: %w", err)
	}
	e, err := parseDate(end)
	if err != nil {
		return DateRange{}, fmt.Errorf("end date: %w", err)
	}
	if e.Before(s) {
		return DateRange{}, fmt.Errorf("end date %s is before start date %s", end, start)
	}
	return DateRange{Start: s, End: e}, nil
}

func parseDate(v string) (time.Time, error) {
	for _, layout := range []string{DateLayout, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q (want dd/mm/yyyy or yyyy-mm-dd)", v)
}

// StartString formats the start bound the way the API expects
func (d DateRange) StartString() string { return d.Start.Format(DateLayout) }

// EndString formats the end bound the way the API expects
func (d DateRange) EndString() string { return d.End.Format(DateLayout) }
