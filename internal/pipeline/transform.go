package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/pkg/utils"
)

// applyTransformations runs the named record transformations in order on a
// copy of rec.
func applyTransformations(rec model.Record, transformations []string) (model.Record, error) {
	result := rec.Clone()

	for _, transform := range transformations {
		switch transform {
		case "trimStrings":
			result = trimStrings(result)
		case "flattenNested":
			result = flattenNested(result)
		case "standardizeLine":
			result = standardizeLine(result)
		case "renameStockColumns":
			result = renameStockColumns(result)
		default:
			return nil, fmt.Errorf("unknown transformation: %s", transform)
		}
	}

	return result, nil
}

// validTransformation reports whether name is a known transformation
func validTransformation(name string) bool {
	_, err := applyTransformations(model.Record{}, []string{name})
	return err == nil
}

// trimStrings trims whitespace from all string fields
func trimStrings(rec model.Record) model.Record {
	for key, val := range rec {
		if str, ok := val.(string); ok {
			rec[key] = strings.TrimSpace(str)
		}
	}
	return rec
}

// flattenNested stores nested objects (warehouse addresses and the like) as
// JSON text so every column stays scalar.
func flattenNested(rec model.Record) model.Record {
	for key, val := range rec {
		switch val.(type) {
		case map[string]interface{}, []interface{}:
			if b, err := json.Marshal(val); err == nil {
				rec[key] = string(b)
			}
		}
	}
	return rec
}

// standardizeLine gives transaction lines one set of field names whatever
// the detail endpoint called them.
func standardizeLine(rec model.Record) model.Record {
	nested, _ := rec["item"].(map[string]interface{})

	pick := func(keys []string, nestedKey string) interface{} {
		if v, ok := utils.FirstPresent(rec, keys...); ok {
			return v
		}
		if nested != nil {
			if v, ok := nested[nestedKey]; ok && !utils.IsBlank(v) {
				return v
			}
		}
		return nil
	}

	rec["item_id"] = pick([]string{"itemId", "item_id"}, "id")
	if rec["item_id"] == nil {
		rec["item_id"] = pick([]string{"id"}, "")
	}
	rec["item_no"] = pick([]string{"itemNo", "item_no", "no"}, "no")
	rec["item_name"] = pick([]string{"itemName", "item_name", "detailName", "name"}, "name")

	if v, ok := utils.FirstPresent(rec, "unitPrice", "price", "unit_price"); ok {
		rec["unit_price"] = v
	} else {
		rec["unit_price"] = 0.0
	}
	if v, ok := utils.FirstPresent(rec, "quantity", "qty"); ok {
		rec["qty"] = v
	} else {
		rec["qty"] = 0.0
	}
	return rec
}

var stockColumns = map[string]string{
	"id":               "product_id",
	"no":               "product_code",
	"name":             "product_name",
	"qtyStock":         "quantity",
	"stockAvailable":   "quantity_available",
	"itemCategoryName": "category",
	"unitName":         "unit",
}

// renameStockColumns maps stock list fields onto product_* names
func renameStockColumns(rec model.Record) model.Record {
	for from, to := range stockColumns {
		if v, ok := rec[from]; ok {
			rec[to] = v
			delete(rec, from)
		}
	}
	return rec
}
