package conmonlog

import "time"

// FormatTimestamp renders t in the CRI log format from spec.md section 6:
// RFC3339 with nanosecond precision and a signed ±HH:MM offset, e.g.
// "2006-01-02T15:04:05.999999999-07:00".
func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.000000000-07:00")
}
