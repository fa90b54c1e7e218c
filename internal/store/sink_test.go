package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-accurate-puller/internal/model"
)

func page(dataset string, p int, ids ...float64) []model.PulledRecord {
	out := make([]model.PulledRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.PulledRecord{
			Dataset:  dataset,
			Endpoint: "/api/item/list.do",
			Page:     p,
			Data:     model.Record{"id": id, "name": "item"},
		})
	}
	return out
}

func ids(t *testing.T, s Sink, dataset string) []float64 {
	t.Helper()
	recs, err := Collect(context.Background(), s, dataset)
	require.NoError(t, err)
	out := make([]float64, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Data["id"].(float64))
	}
	return out
}

func exerciseSink(t *testing.T, s Sink) {
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "items", 2, page("items", 2, 3, 4)))
	require.NoError(t, s.Append(ctx, "items", 1, page("items", 1, 1, 2)))
	assert.Equal(t, []float64{1, 2, 3, 4}, ids(t, s, "items"), "iteration follows page order")

	// replaying a page replaces it
	require.NoError(t, s.Append(ctx, "items", 2, page("items", 2, 3, 4)))
	assert.Equal(t, []float64{1, 2, 3, 4}, ids(t, s, "items"))

	tiered := page("items_enriched", 1, 9)
	tiered[0].Tiers = map[string]string{"selling_price": "floor"}
	require.NoError(t, s.Append(ctx, "items_enriched", 1, tiered))
	recs, err := Collect(ctx, s, "items_enriched")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "floor", recs[0].Tiers["selling_price"])
	assert.Equal(t, 1, recs[0].Page)

	require.NoError(t, s.Finalize(ctx, "items"))
	ds, err := s.Datasets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"items", "items_enriched"}, ds)
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	exerciseSink(t, s)
	assert.True(t, s.Finalized("items"))
	assert.Equal(t, 4, s.Count("items"))
	assert.False(t, Durable(s))
}

func TestSQLiteSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sink.db")
	s, err := OpenSQLiteSink(path, "job-a")
	require.NoError(t, err)
	defer s.Close()
	exerciseSink(t, s)

	other, err := OpenSQLiteSink(path, "job-b")
	require.NoError(t, err)
	defer other.Close()
	assert.Empty(t, ids(t, other, "items"), "jobs are isolated")
	assert.True(t, Durable(s))
}
