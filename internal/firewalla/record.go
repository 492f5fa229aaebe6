package firewalla

import (
	"encoding/json"
	"strconv"
)

// Record is a single JSON object returned by the MSP API. The schema
// differs per collection and per box firmware, so records stay loosely
// typed; the accessors below are nil-safe and never panic on a missing
// or mistyped field.
type Record map[string]any

// ID returns the record's "id" field rendered as a string. Numeric ids
// are formatted without a decimal point so that 1 and "1" compare equal.
// Returns "" when the record has no usable id.
func (r Record) ID() string {
	return r.String("id")
}

// Has reports whether key is present, even if its value is null.
func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// String returns the value at key as a string. Numbers and booleans are
// formatted; objects, arrays and null yield "".
func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// Float returns the value at key as a float64 and whether it was numeric.
func (r Record) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Bool returns the value at key as a bool. Missing or non-boolean
// values report false.
func (r Record) Bool(key string) bool {
	v, _ := r[key].(bool)
	return v
}

// Map returns the nested object at key. A missing or non-object value
// yields a nil Record, whose accessors are all safe to call.
func (r Record) Map(key string) Record {
	switch v := r[key].(type) {
	case map[string]any:
		return Record(v)
	case Record:
		return v
	default:
		return nil
	}
}
