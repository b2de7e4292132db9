package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses a duration string supporting multiple formats:
//   - Go duration: "2h", "30m", "1h30m", "90s"
//   - HH:MM:SS format: "02:00:00", "2:30:00", "00:30:00"
//   - H:MM format: "2:30" (interpreted as hours:minutes)
//   - bare seconds: "600"
//
// Returns the duration in time.Duration format.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		nums := make([]int, len(parts))
		labels := []string{"hours", "minutes", "seconds"}
		if len(parts) != 2 && len(parts) != 3 {
			return 0, fmt.Errorf("invalid time format: %s (use HH:MM:SS or HH:MM)", s)
		}
		for i, p := range parts {
			n, err := strconv.Atoi(p)
			if err != nil || n < 0 {
				return 0, fmt.Errorf("invalid %s: %s", labels[i], p)
			}
			nums[i] = n
		}
		d := time.Duration(nums[0])*time.Hour + time.Duration(nums[1])*time.Minute
		if len(nums) == 3 {
			d += time.Duration(nums[2]) * time.Second
		}
		return d, nil
	}

	if secs, err := strconv.Atoi(s); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration: %s", s)
		}
		return time.Duration(secs) * time.Second, nil
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %s (use '2h', '30m', '1h30m', '600' or '02:00:00')", s)
	}
	if dur < 0 {
		return 0, fmt.Errorf("negative duration: %s", s)
	}
	return dur, nil
}

// ParseKeyValues splits "a=1,b=2" into an ordered list of key/value pairs.
// Keys are lower-cased; empty items are skipped.
func ParseKeyValues(s string) ([][2]string, error) {
	var out [][2]string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, val, ok := strings.Cut(item, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid setting %q (expected key=value)", item)
		}
		out = append(out, [2]string{key, strings.TrimSpace(val)})
	}
	return out, nil
}

// SafeName makes a job name usable as a file name.
// "a/b" becomes "a--b".
func SafeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "/", "--")
	return strings.ReplaceAll(name, " ", "_")
}
