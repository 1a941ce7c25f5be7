package scheduler

import (
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// ParseIntervalDuration accepts Go durations ("90s", "1h30m") plus the
// bar-style day and week suffixes ("1d", "2w"). Non-positive values fail.
func ParseIntervalDuration(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(interval); err == nil {
		return d, d > 0
	}
	var unit time.Duration
	switch interval[len(interval)-1] {
	case 'd':
		unit = day
	case 'w':
		unit = 7 * day
	default:
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(interval[:len(interval)-1]))
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * unit, true
}
