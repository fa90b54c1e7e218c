package pipeline

import (
	"context"
	"math"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/store"
	"go-accurate-puller/pkg/utils"
)

// ProfileDataset counts null and zero values of the watched fields of a
// dataset. Missing values are a data-quality signal, never an error, so
// nothing here rejects a record.
func ProfileDataset(ctx context.Context, sink store.Sink, dataset string, fields []string) (map[string]model.FieldQuality, error) {
	profile := make(map[string]model.FieldQuality, len(fields))
	for _, f := range fields {
		profile[f] = model.FieldQuality{Field: f}
	}
	if len(fields) == 0 {
		return profile, nil
	}

	err := sink.Iterate(ctx, dataset, func(r model.PulledRecord) error {
		for _, f := range fields {
			q := profile[f]
			q.Records++
			val, present := r.Data[f]
			switch {
			case !present || utils.IsBlank(val):
				q.Nulls++
			default:
				if n, ok := utils.Numeric(val); ok && n == 0 {
					q.Zeros++
				}
			}
			profile[f] = q
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for f, q := range profile {
		if q.Records > 0 {
			q.NullPct = math.Round(float64(q.Nulls)/float64(q.Records)*1000) / 10
		}
		profile[f] = q
	}
	return profile, nil
}
