package protocol

import (
	"fmt"
	"math"
)

// IntOption reads a non-negative integer option. YAML decodes numbers as int
// and JSON as float64; both are accepted.
func IntOption(config map[string]any, key string, def int) (int, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return def, nil
	}

	var n int

	switch v := raw.(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case uint64:
		n = int(v)
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("option %s: %v is not an integer", key, v)
		}

		n = int(v)
	default:
		return 0, fmt.Errorf("option %s: expected an integer, got %T", key, raw)
	}

	if n < 0 {
		return 0, fmt.Errorf("option %s: must not be negative, got %d", key, n)
	}

	return n, nil
}

// StringsOption reads a list of strings option.
func StringsOption(config map[string]any, key string, def []string) ([]string, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return def, nil
	}

	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))

		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("option %s: expected strings, got %T", key, item)
			}

			out = append(out, s)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("option %s: expected a list of strings, got %T", key, raw)
	}
}
