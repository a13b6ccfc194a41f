package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseBandwidth parses a rate such as "20m" into bits/sec.
// Suffixes k, m and g are SI multipliers. An empty string or a bare zero
// means "no limit" and yields 0.
func ParseBandwidth(s string) (uint64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "0" || s == "0.0" {
		return 0, nil
	}

	var multiplier float64
	switch s[len(s)-1] {
	case 'k':
		multiplier = 1e3
	case 'm':
		multiplier = 1e6
	case 'g':
		multiplier = 1e9
	default:
		return 0, fmt.Errorf("bandwidth must include unit suffix (k/m/g): %q", s)
	}

	value, err := parseNumber(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth value: %q", s)
	}
	if value < 0 {
		return 0, fmt.Errorf("bandwidth cannot be negative: %q", s)
	}
	return uint64(value * multiplier), nil
}

// ParseSize parses a byte count such as "512", "500kb" or "1mb".
// kb and mb are decimal; kib and mib are binary.
func ParseSize(s string) (uint64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	multiplier := float64(1)
	numStr := s
	for _, unit := range []struct {
		suffix string
		mult   float64
	}{
		{"kib", 1 << 10},
		{"mib", 1 << 20},
		{"kb", 1e3},
		{"mb", 1e6},
		{"b", 1},
	} {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = unit.mult
			numStr = s[:len(s)-len(unit.suffix)]
			break
		}
	}

	value, err := parseNumber(numStr)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %q", s)
	}
	if value < 0 {
		return 0, fmt.Errorf("size cannot be negative: %q", s)
	}
	return uint64(value * multiplier), nil
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
