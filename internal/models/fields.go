package models

import "time"

// Fields is the wire form of a stored document: a map of field name to value.
// Values are strings, bools, int64, float64, time.Time, []any and nested Fields
// (or map[string]any), matching what the document store hands back.
type Fields = map[string]any

func stringField(f Fields, key string) string {
	s, _ := f[key].(string)
	return s
}

func boolField(f Fields, key string) bool {
	b, _ := f[key].(bool)
	return b
}

func intField(f Fields, key string, def int64) int64 {
	switch v := f[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return def
	}
}

func timeField(f Fields, key string) time.Time {
	t, _ := f[key].(time.Time)
	return t
}

func stringsField(f Fields, key string) []string {
	switch v := f[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func mapsField(f Fields, key string) []Fields {
	v, ok := f[key].([]any)
	if !ok {
		return nil
	}
	out := make([]Fields, 0, len(v))
	for _, e := range v {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
