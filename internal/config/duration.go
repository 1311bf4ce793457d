package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-typed knobs (stream.base_delay, preference.ttl,
// checkpoint.retention, direct.dismiss_after, ...) are carried as Go
// duration strings in the config file. These helpers parse them with the
// field path in the error so a rejected reload names the offending key.

// ParseDurationField parses a duration string; empty means "unset" and
// reads as 0 so callers can apply their own default.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q (want Go syntax, e.g. \"30s\"): %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with unset (or zero)
// replaced by def.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
