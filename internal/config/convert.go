package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// parseArgs accepts either a list of scalars or a whitespace separated string.
func parseArgs(value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return strings.Fields(v), nil
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		args := make([]string, 0, len(v))
		for i, item := range v {
			switch item.(type) {
			case map[string]any, []any:
				return nil, fmt.Errorf("item %d must be a scalar", i)
			}
			args = append(args, stringify(item))
		}
		return args, nil
	case bool, int, int64, uint64, float64:
		return []string{stringify(v)}, nil
	default:
		return nil, fmt.Errorf("must be a string or list, got %T", value)
	}
}

// maxSeconds is the largest whole number of seconds a time.Duration holds.
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

// parseSeconds reads a duration expressed as a number of seconds or as a Go
// duration string such as "1500ms".
func parseSeconds(value any) (time.Duration, error) {
	var seconds float64
	switch v := value.(type) {
	case nil:
		return 0, nil
	case int:
		seconds = float64(v)
	case int64:
		seconds = float64(v)
	case uint64:
		seconds = float64(v)
	case float64:
		seconds = v
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			return 0, nil
		}
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			seconds = f
			break
		}
		d, err := time.ParseDuration(text)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", text)
		}
		if d < 0 {
			return 0, fmt.Errorf("must not be negative (got %s)", d)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("must be a number of seconds or a duration string, got %T", value)
	}
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, fmt.Errorf("invalid duration %v", seconds)
	}
	if seconds < 0 {
		return 0, fmt.Errorf("must not be negative (got %v)", seconds)
	}
	if seconds > maxSeconds {
		return 0, fmt.Errorf("too large (got %v seconds, max %d)", seconds, int64(maxSeconds))
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
