package registry

import (
	"fmt"
	"strconv"
)

// Args are bound command arguments. Values arrive from JSON bodies or query
// strings, so the accessors coerce strings and float64 numbers.
type Args map[string]any

func (a Args) String(key string) string {
	switch v := a[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (a Args) Float(key string) (float64, error) {
	switch v := a[key].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("argument %s: %w", key, err)
		}
		return f, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("argument %s: cannot use %T as number", key, v)
	}
}

func (a Args) Int(key string) (int, error) {
	f, err := a.Float(key)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func (a Args) Bool(key string) (bool, error) {
	switch v := a[key].(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("argument %s: %w", key, err)
		}
		return b, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("argument %s: cannot use %T as bool", key, v)
	}
}
