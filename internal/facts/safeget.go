package facts

import (
	"strings"

	"github.com/spf13/cast"
)

// Get walks a dot-separated path through nested maps and returns def when
// any hop is missing or not a map.
func Get(data any, path string, def any) any {
	cur := data
	for _, key := range strings.Split(path, ".") {
		m, ok := AsMap(cur)
		if !ok {
			return def
		}
		next, ok := m[key]
		if !ok || next == nil {
			return def
		}
		cur = next
	}
	return cur
}

// AsMap coerces a value to map[string]any.
func AsMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// AsSlice coerces a value to []any.
func AsSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

// Float coerces numeric-ish values (int, float, numeric string) to float64.
func Float(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

// FloatAt returns the first present, coercible numeric field among keys.
func FloatAt(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if f, ok := Float(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// IntAt returns the first present, coercible integer field among keys.
func IntAt(m map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if n, err := cast.ToIntE(v); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// StringAt returns the first present non-empty string field among keys.
func StringAt(m map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s, err := cast.ToStringE(v); err == nil && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// SliceAt returns the first present list field among keys.
func SliceAt(m map[string]any, keys ...string) ([]any, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s, ok := AsSlice(v); ok {
				return s, true
			}
		}
	}
	return nil, false
}

// MapAt returns the first present map field among keys.
func MapAt(m map[string]any, keys ...string) (map[string]any, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if mm, ok := AsMap(v); ok {
				return mm, true
			}
		}
	}
	return nil, false
}

// Lookup returns the first fact present among the given tool names.
// Handlers use it to accept legacy tool-name aliases.
func Lookup(f map[string]any, names ...string) (map[string]any, string, bool) {
	for _, name := range names {
		if v, ok := f[name]; ok {
			if m, ok := AsMap(v); ok {
				return m, name, true
			}
		}
	}
	return nil, "", false
}

// Clamp01 clamps v to [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
