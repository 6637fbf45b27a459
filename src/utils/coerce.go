package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// -----------------------------------------------------------------------------

// ExtractFloat converts common scalar types into float64.
func ExtractFloat(val interface{}) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, fmt.Errorf("empty string")
		}
		return strconv.ParseFloat(s, 64)
	default:
		return 0, fmt.Errorf("unsupported float type %T", val)
	}
}

// -----------------------------------------------------------------------------

// ExtractInt converts common scalar types into int64. Whole floats are accepted
// since JSON decoders hand integers back as float64.
func ExtractInt(val interface{}) (int64, error) {
	switch v := val.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("non-integral value %v", v)
		}
		return int64(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, err
		}
		return ExtractInt(f)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, fmt.Errorf("empty string")
		}
		return strconv.ParseInt(s, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported int type %T", val)
	}
}

// -----------------------------------------------------------------------------

// Lookup walks nested maps along path. It reports false as soon as a key is
// missing or an intermediate value is not an object.
func Lookup(data map[string]interface{}, path ...string) (interface{}, bool) {
	var cur interface{} = data
	for _, key := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// -----------------------------------------------------------------------------

// SafeFloat64 returns the number at path, or 0 when absent or not numeric.
func SafeFloat64(data map[string]interface{}, path ...string) float64 {
	f, _ := Float64At(data, path...)
	return f
}

// Float64At is SafeFloat64 that also reports whether a number was found.
func Float64At(data map[string]interface{}, path ...string) (float64, bool) {
	val, ok := Lookup(data, path...)
	if !ok {
		return 0, false
	}
	f, err := ExtractFloat(val)
	if err != nil {
		return 0, false
	}
	return f, true
}

// -----------------------------------------------------------------------------

// Int64At returns the integer at path and whether one was found.
func Int64At(data map[string]interface{}, path ...string) (int64, bool) {
	val, ok := Lookup(data, path...)
	if !ok {
		return 0, false
	}
	i, err := ExtractInt(val)
	if err != nil {
		return 0, false
	}
	return i, true
}

// -----------------------------------------------------------------------------

// SafeString returns the string at path. Numbers are formatted; anything else
// yields "".
func SafeString(data map[string]interface{}, path ...string) string {
	val, ok := Lookup(data, path...)
	if !ok {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64, float32, int, int32, int64:
		f, _ := ExtractFloat(v)
		return strconv.FormatFloat(f, 'f', -1, 64)
	default:
		return ""
	}
}

// -----------------------------------------------------------------------------

// SafeSlice returns the array at path, or an empty (non-nil) slice.
func SafeSlice(data map[string]interface{}, path ...string) []interface{} {
	val, ok := Lookup(data, path...)
	if ok {
		if s, ok := val.([]interface{}); ok {
			return s
		}
	}
	return []interface{}{}
}

// -----------------------------------------------------------------------------

// FormatReading renders a device measurement the way the devices publish
// them (three decimals). Strings pass through untouched.
func FormatReading(val interface{}) (string, bool) {
	switch v := val.(type) {
	case nil:
		return "", false
	case string:
		if strings.TrimSpace(v) == "" {
			return "", false
		}
		return v, true
	default:
		f, err := ExtractFloat(v)
		if err != nil {
			return "", false
		}
		return fmt.Sprintf("%0.3f", f), true
	}
}

// -----------------------------------------------------------------------------

func Contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------

// DecodeDocument parses a stored JSON object, keeping numbers as json.Number.
func DecodeDocument(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// ModeDocument is the document appended upstream for a mode command.
func ModeDocument(mode string, nowMillis int64) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"mode":      mode,
		"timestamp": nowMillis,
	})
}
