package pipeline

import (
	"encoding/json"
	"fmt"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/pkg/utils"
)

// ------------------- Payload decoding -------------------

// decodeRecords turns the "d" of a response into records. A list yields one
// record per object, a single object yields one record, null yields none.
func decodeRecords(raw json.RawMessage) ([]model.Record, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	switch v := data.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		out := make([]model.Record, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, model.Record(m))
			}
		}
		return out, nil
	case map[string]interface{}:
		return []model.Record{model.Record(v)}, nil
	default:
		return nil, fmt.Errorf("unexpected payload structure %T", data)
	}
}

// decodeValue returns the "d" of a response as a plain value
func decodeValue(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return v, nil
}

// ------------------- Selling price -------------------

var (
	listPriceKeys = []string{"price", "unitPrice", "sellingPrice", "unit1Price", "amount"}
	dictPriceKeys = []string{"unit1Price", "price", "unitPrice", "sellingPrice", "amount",
		"unit2Price", "unit3Price", "unit4Price", "unit5Price"}
)

// extractPrice reads a selling price out of the shapes the price lookup
// answers with: a list of price rows, a single price object, or a bare number.
func extractPrice(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case []interface{}:
		if len(val) == 0 {
			return 0, false
		}
		switch first := val[0].(type) {
		case map[string]interface{}:
			return firstPositive(first, listPriceKeys)
		default:
			return utils.PositiveNumeric(first)
		}
	case map[string]interface{}:
		return firstPositive(val, dictPriceKeys)
	default:
		return utils.PositiveNumeric(val)
	}
}

func firstPositive(m map[string]interface{}, keys []string) (float64, bool) {
	for _, k := range keys {
		if f, ok := utils.PositiveNumeric(m[k]); ok {
			return f, true
		}
	}
	return 0, false
}

// ------------------- Detail lines -------------------

var detailLineKeys = []string{"detailItem", "items", "detail", "detailItems"}

// detailLines finds the line items of a transaction detail, whichever key
// the endpoint used for them.
func detailLines(detail model.Record) []model.Record {
	for _, key := range detailLineKeys {
		list, ok := detail[key].([]interface{})
		if !ok || len(list) == 0 {
			continue
		}
		out := make([]model.Record, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, model.Record(m))
			}
		}
		return out
	}
	return nil
}
