package pipeline

import (
	"context"
	"sort"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/store"
	"go-accurate-puller/pkg/utils"
)

// groupIndex holds one aggregated value per group key of a dataset
type groupIndex struct {
	values map[string]float64
	groups int
}

// buildGroupIndex reads src.Dataset once and aggregates the positive values
// of src.Field per src.GroupBy key. Null, zero and negative values do not
// take part.
func buildGroupIndex(ctx context.Context, sink store.Sink, src model.FallbackSource) (*groupIndex, error) {
	collected := make(map[string][]float64)
	err := sink.Iterate(ctx, src.Dataset, func(r model.PulledRecord) error {
		key := groupKey(r.Data[src.GroupBy])
		if key == "" {
			return nil
		}
		if v, ok := utils.PositiveNumeric(r.Data[src.Field]); ok {
			collected[key] = append(collected[key], v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	idx := &groupIndex{values: make(map[string]float64, len(collected)), groups: len(collected)}
	for key, xs := range collected {
		idx.values[key] = aggregate(xs, src.Aggregation)
	}
	return idx, nil
}

// lookup returns the aggregated value of a group
func (g *groupIndex) lookup(key string) (float64, bool) {
	if g == nil || key == "" {
		return 0, false
	}
	v, ok := g.values[key]
	return v, ok
}

func groupKey(v interface{}) string {
	if utils.IsBlank(v) {
		return ""
	}
	return utils.FormatID(v)
}

func aggregate(xs []float64, agg model.Aggregation) float64 {
	switch agg {
	case model.AggMean:
		return mean(xs)
	case model.AggMedian:
		return median(xs)
	default:
		return xs[0]
	}
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
