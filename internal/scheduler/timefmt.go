package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatWalltime renders seconds as H:MM:SS. Hours are not wrapped into days.
func FormatWalltime(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// ParseElapsed parses a scheduler elapsed-time field into seconds.
// Accepted forms: D-HH:MM:SS, HH:MM:SS, MM:SS.
func ParseElapsed(s string) (int, error) {
	orig := s
	s = strings.TrimSpace(s)
	bad := func(reason string) error {
		return &ParseError{
			Scheduler: "elapsed",
			Content:   orig,
			Reason:    reason,
			Err:       ErrInvalidTimeFormat,
		}
	}
	if s == "" {
		return 0, bad("empty time")
	}

	var days int
	if idx := strings.Index(s, "-"); idx >= 0 {
		d, err := strconv.Atoi(s[:idx])
		if err != nil || d < 0 {
			return 0, bad("invalid days")
		}
		days = d
		s = s[idx+1:]
	}

	parts := strings.Split(s, ":")
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, bad(fmt.Sprintf("invalid field %q", p))
		}
		nums[i] = n
	}

	var h, m, sec int
	switch len(nums) {
	case 3:
		h, m, sec = nums[0], nums[1], nums[2]
	case 2:
		if days > 0 {
			return 0, bad("day form requires HH:MM:SS")
		}
		m, sec = nums[0], nums[1]
	default:
		return 0, bad("expected [D-]HH:MM:SS or MM:SS")
	}

	if h >= 24 {
		return 0, bad("hours out of range")
	}
	if m >= 60 || sec >= 60 {
		return 0, bad("minutes or seconds out of range")
	}
	return days*86400 + h*3600 + m*60 + sec, nil
}

// slurmTimeLayout is the squeue %S timestamp format
const slurmTimeLayout = "2006-01-02T15:04:05"

// parseSlurmTimestamp parses a squeue start time in local time.
// "N/A" and other placeholders yield the zero time and false.
func parseSlurmTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "N/A" || s == "Unknown" || s == "None" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(slurmTimeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// walltimeSeconds returns a walltime in whole seconds
func walltimeSeconds(d time.Duration) int {
	return int(d / time.Second)
}
