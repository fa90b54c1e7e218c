package pipeline

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/store"
	"go-accurate-puller/pkg/utils"
)

const tierColumnPrefix = "tier_"

// ExportCSV writes one <dataset>.csv per dataset into the job's output
// directory. Columns are the sorted union of record fields followed by one
// tier_<rule> column per fallback rule seen. An empty datasets list exports
// everything the sink holds.
func ExportCSV(ctx context.Context, sink store.Sink, datasets []string, om *utils.OutputManager, jobID string) ([]model.ExportResult, error) {
	if len(datasets) == 0 {
		var err error
		datasets, err = sink.Datasets(ctx)
		if err != nil {
			return nil, fmt.Errorf("list datasets: %w", err)
		}
	}

	results := make([]model.ExportResult, 0, len(datasets))
	for _, ds := range datasets {
		path, err := om.GetOutputFilePath(jobID, ds+".csv")
		if err != nil {
			return results, err
		}
		n, err := exportDataset(ctx, sink, ds, path)
		if err != nil {
			return results, fmt.Errorf("export %s: %w", ds, err)
		}
		results = append(results, model.ExportResult{
			Dataset:     ds,
			Path:        path,
			RecordCount: n,
			Timestamp:   time.Now(),
		})
	}
	return results, nil
}

func exportDataset(ctx context.Context, sink store.Sink, dataset, path string) (int, error) {
	fieldSet := make(map[string]bool)
	ruleSet := make(map[string]bool)
	err := sink.Iterate(ctx, dataset, func(r model.PulledRecord) error {
		for k := range r.Data {
			fieldSet[k] = true
		}
		for rule := range r.Tiers {
			ruleSet[rule] = true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	fields := sortedKeys(fieldSet)
	rules := sortedKeys(ruleSet)

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := append([]string(nil), fields...)
	for _, rule := range rules {
		header = append(header, tierColumnPrefix+rule)
	}
	if err := writer.Write(header); err != nil {
		return 0, fmt.Errorf("failed to write CSV header: %w", err)
	}

	count := 0
	err = sink.Iterate(ctx, dataset, func(r model.PulledRecord) error {
		row := make([]string, 0, len(header))
		for _, f := range fields {
			row = append(row, formatCell(r.Data[f]))
		}
		for _, rule := range rules {
			row = append(row, r.Tiers[rule])
		}
		count++
		return writer.Write(row)
	})
	if err != nil {
		return count, err
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return count, fmt.Errorf("failed to flush CSV: %w", err)
	}
	return count, file.Sync()
}

func formatCell(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
