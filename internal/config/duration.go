package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-valued fields ("45s", "12h") stay strings in Config so the file
// format matches what operators write; the mappers in internal/app convert
// them through these helpers.

// ParseDurationField parses one duration field. field names the config key
// for error messages ("scheduler.tick_interval"). A blank value counts as
// unset and yields zero; negative durations are rejected.
func ParseDurationField(field, raw string) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

// ParseDurationOrDefault parses like ParseDurationField but substitutes def
// for unset or zero values, for knobs that always need a working value.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
