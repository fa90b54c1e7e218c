package store

import (
	"context"
	"sort"
	"sync"

	"go-accurate-puller/internal/model"
)

// Sink is the downstream hand-off for pulled records.
//
// Append must replace any earlier write of the same (dataset, page), so a
// page replayed after a crash never duplicates records. Iterate yields
// records in page order, then in the order they were appended.
type Sink interface {
	Append(ctx context.Context, dataset string, page int, recs []model.PulledRecord) error
	Finalize(ctx context.Context, dataset string) error
	Iterate(ctx context.Context, dataset string, fn func(model.PulledRecord) error) error
	Datasets(ctx context.Context) ([]string, error)
	Close() error
}

// Durable reports whether s keeps its pages across processes. Sinks
// without a Durable method are assumed to.
func Durable(s Sink) bool {
	if d, ok := s.(interface{ Durable() bool }); ok {
		return d.Durable()
	}
	return true
}

// SinkFactory opens the sink of one job
type SinkFactory func(ctx context.Context, jobID string) (Sink, error)

// MemorySink keeps everything in process memory
type MemorySink struct {
	mu        sync.RWMutex
	pages     map[string]map[int][]model.PulledRecord
	finalized map[string]bool
}

// NewMemorySink returns an empty sink
func NewMemorySink() *MemorySink {
	return &MemorySink{
		pages:     make(map[string]map[int][]model.PulledRecord),
		finalized: make(map[string]bool),
	}
}

func (m *MemorySink) Append(ctx context.Context, dataset string, page int, recs []model.PulledRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byPage, ok := m.pages[dataset]
	if !ok {
		byPage = make(map[int][]model.PulledRecord)
		m.pages[dataset] = byPage
	}
	byPage[page] = append([]model.PulledRecord(nil), recs...)
	return nil
}

func (m *MemorySink) Finalize(_ context.Context, dataset string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized[dataset] = true
	return nil
}

func (m *MemorySink) Iterate(ctx context.Context, dataset string, fn func(model.PulledRecord) error) error {
	m.mu.RLock()
	byPage := m.pages[dataset]
	pages := make([]int, 0, len(byPage))
	for p := range byPage {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	snapshot := make([][]model.PulledRecord, len(pages))
	for i, p := range pages {
		snapshot[i] = byPage[p]
	}
	m.mu.RUnlock()

	for _, recs := range snapshot {
		for _, r := range recs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *MemorySink) Datasets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pages))
	for d := range m.pages {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemorySink) Close() error { return nil }

// Durable is false: the pages are gone once the process exits
func (m *MemorySink) Durable() bool { return false }

// Finalized reports whether Finalize was called for dataset
func (m *MemorySink) Finalized(dataset string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.finalized[dataset]
}

// Count returns how many records dataset currently holds
func (m *MemorySink) Count(dataset string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, recs := range m.pages[dataset] {
		n += len(recs)
	}
	return n
}

// Collect drains a dataset of any sink into a slice
func Collect(ctx context.Context, s Sink, dataset string) ([]model.PulledRecord, error) {
	var out []model.PulledRecord
	err := s.Iterate(ctx, dataset, func(r model.PulledRecord) error {
		out = append(out, r)
		return nil
	})
	return out, err
}
