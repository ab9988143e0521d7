package layer

import (
	"encoding/json"
	"reflect"
)

// MatchMetadata reports whether md holds every pair in filter. Numbers
// compare by value whatever their Go type, since entries read back from
// remote backends carry JSON numbers.
func MatchMetadata(md, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := md[k]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// metadataFloat reads a numeric metadata value.
func metadataFloat(md map[string]any, key string) (float64, bool) {
	v, ok := md[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// metadataStrings reads a string or list-of-strings metadata value.
func metadataStrings(md map[string]any, key string) []string {
	switch v := md[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
