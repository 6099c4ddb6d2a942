package normalizer

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// lookup resolves a dotted path ("stats.malicious") inside a payload.
func lookup(payload map[string]any, path string) (any, bool) {
	if payload == nil || path == "" {
		return nil, false
	}
	cur := any(payload)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

// intField reads a numeric field. Floats are truncated, numeric strings are
// parsed, and anything else yields 0.
func intField(payload map[string]any, path string) int {
	v, ok := lookup(payload, path)
	if !ok {
		return 0
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	if f < math.MinInt32 {
		return math.MinInt32
	}
	return int(f)
}

// floatField reads a numeric field like intField without truncating.
func floatField(payload map[string]any, path string) float64 {
	v, ok := lookup(payload, path)
	if !ok {
		return 0
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// hasNumber reports whether path resolves to a usable number.
func hasNumber(payload map[string]any, path string) bool {
	v, ok := lookup(payload, path)
	if !ok {
		return false
	}
	_, ok = toFloat(v)
	return ok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// boolField reads a boolean field. Booleans, "true"/"false" strings and
// non-zero numbers are accepted.
func boolField(payload map[string]any, path string) bool {
	v, ok := lookup(payload, path)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return err == nil && parsed
	default:
		f, ok := toFloat(v)
		return ok && f != 0
	}
}

// stringField reads a string field, trimmed. Non-strings yield "".
func stringField(payload map[string]any, path string) string {
	v, ok := lookup(payload, path)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// listField reads a list of strings. A JSON array of strings or a
// comma-separated string are both accepted; non-string items are skipped.
func listField(payload map[string]any, path string) []string {
	v, ok := lookup(payload, path)
	if !ok {
		return nil
	}
	var out []string
	switch items := v.(type) {
	case []string:
		out = append(out, items...)
	case []any:
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		out = strings.Split(items, ",")
	}
	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}

// known reports whether a geography value carries information.
func known(s string) bool {
	return s != "" && !strings.EqualFold(s, "unknown")
}
