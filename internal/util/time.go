package util

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const tsLayout = "2006-01-02T15:04:05.000000Z07:00"

// Now returns the current time in UTC. Every internal timestamp is UTC;
// other zones appear only at query boundaries and in log output.
func Now() time.Time {
	return time.Now().UTC()
}

// FormatTS renders a timestamp as ISO8601 with microsecond precision, the
// form the search backend stores and returns.
func FormatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// ParseTS parses an ISO8601 timestamp as produced by the backend or by
// FormatTS. Epoch milliseconds are accepted as a fallback.
func ParseTS(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, tsLayout, "2006-01-02T15:04:05Z07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// PrettyTS renders a timestamp for log lines.
func PrettyTS(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 MST")
}

// ParseDurationArg parses the "<units>=<n>" form used by --silence and
// --patience, e.g. "hours=2" or "minutes=30".
func ParseDurationArg(s string) (time.Duration, error) {
	unit, num, ok := strings.Cut(s, "=")
	if !ok {
		return 0, fmt.Errorf("expected <units>=<number>, got %q", s)
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil {
		return 0, fmt.Errorf("bad duration value in %q: %w", s, err)
	}
	d, err := DurationFromUnits(strings.TrimSpace(unit), n)
	if err != nil {
		return 0, err
	}
	return d, nil
}

// DurationFromUnits converts a named unit and count into a duration. The
// unit names match the ones accepted in rule files.
func DurationFromUnits(unit string, n float64) (time.Duration, error) {
	var base time.Duration
	switch strings.ToLower(unit) {
	case "seconds", "second":
		base = time.Second
	case "minutes", "minute":
		base = time.Minute
	case "hours", "hour":
		base = time.Hour
	case "days", "day":
		base = 24 * time.Hour
	case "weeks", "week":
		base = 7 * 24 * time.Hour
	case "milliseconds", "millisecond":
		base = time.Millisecond
	default:
		return 0, fmt.Errorf("unknown time unit %q", unit)
	}
	return time.Duration(n * float64(base)), nil
}

// TruncateErrorText caps backend error text so oversized responses do not
// balloon error documents.
func TruncateErrorText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
