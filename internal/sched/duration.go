package sched

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses the task timing grammar: a non-negative integer
// immediately followed by a unit, one of "ms", "s", "m", "h".
//
//	"500ms" -> 500 * time.Millisecond
//	"5s"    -> 5 * time.Second
//	"1m"    -> time.Minute
//
// Anything else (missing unit, negative or fractional number, non-numeric
// prefix, empty string) fails with ErrInvalidDuration.
func ParseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)

	var unit time.Duration
	var num string
	switch {
	case strings.HasSuffix(s, "ms"):
		unit = time.Millisecond
		num = s[:len(s)-2]
	case strings.HasSuffix(s, "s"):
		unit = time.Second
		num = s[:len(s)-1]
	case strings.HasSuffix(s, "m"):
		unit = time.Minute
		num = s[:len(s)-1]
	case strings.HasSuffix(s, "h"):
		unit = time.Hour
		num = s[:len(s)-1]
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, raw)
	}

	if num == "" || !isDigits(num) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, raw)
	}
	v, err := strconv.ParseInt(num, 10, 64)
	if err != nil || v > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, raw)
	}
	return time.Duration(v) * unit, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseOptionalDuration treats the empty string as "unset" (zero).
func parseOptionalDuration(raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	return ParseDuration(raw)
}
