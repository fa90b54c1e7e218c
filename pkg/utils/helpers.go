package utils

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Numeric converts supported types to float64. ok is false for nil,
// non-numeric strings, NaN and anything else it cannot read.
func Numeric(v interface{}) (float64, bool) {
	var f float64
	switch val := v.(type) {
	case nil:
		return 0, false
	case int:
		f = float64(val)
	case int64:
		f = float64(val)
	case float64:
		f = val
	case float32:
		f = float64(val)
	case json.Number:
		n, err := val.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() < reflect.Int || rv.Kind() > reflect.Float64 {
			return 0, false
		}
		f = rv.Convert(reflect.TypeOf(float64(0))).Float()
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// PositiveNumeric is Numeric restricted to values above zero
func PositiveNumeric(v interface{}) (float64, bool) {
	f, ok := Numeric(v)
	if !ok || f <= 0 {
		return 0, false
	}
	return f, true
}

// IsBlank reports nil, empty strings and the literal "null"/"None" the API
// sometimes sends in place of a value.
func IsBlank(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		s := strings.TrimSpace(val)
		return s == "" || strings.EqualFold(s, "null") || s == "None"
	}
	return false
}

// FormatID renders an API identifier as a query parameter. JSON numbers
// decode as float64, so 1234 must not become "1234.000000".
func FormatID(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		if val == math.Trunc(val) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	}
	if f, ok := Numeric(v); ok {
		return FormatID(f)
	}
	return ""
}

// FirstPresent returns the first non-blank value among keys
func FirstPresent(rec map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := rec[k]; ok && !IsBlank(v) {
			return v, true
		}
	}
	return nil, false
}
