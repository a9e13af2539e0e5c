package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const hoursPerDay = 24

// parseDuration parses a human-friendly duration string. Supports Go
// duration syntax (e.g., "2h30m") plus a "d" suffix for days (converted
// to 24h), so cadences like "7d" work in the config file.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	// Try standard Go duration first.
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("duration must be non-negative")
		}

		return d, nil
	}

	// Extended format: "<N>d" or "<N>d<rest>" where rest is Go syntax.
	idx := strings.IndexByte(s, 'd')
	if idx <= 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	days, err := strconv.Atoi(s[:idx])
	if err != nil || days < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	d := time.Duration(days) * hoursPerDay * time.Hour

	if rest := s[idx+1:]; rest != "" {
		extra, err := time.ParseDuration(rest)
		if err != nil || extra < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}

		d += extra
	}

	return d, nil
}
