package domain

import (
	"fmt"
	"time"
)

// TimeframeDuration maps "1h", "4h" and "1d" to their bucket width.
func TimeframeDuration(tf string) (time.Duration, error) {
	switch tf {
	case "1h":
		return time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "1d", "":
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported timeframe %q", tf)
}

// AlignDown truncates t to the start of its UTC bucket of width d. Buckets
// count from the zero Time, a Monday, so weekly buckets start on Mondays.
func AlignDown(t time.Time, d time.Duration) time.Time {
	return t.UTC().Truncate(d)
}
