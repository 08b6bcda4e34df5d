// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"strconv"
	"strings"
)

var sizeUnits = map[string]uint64{
	"":   1,
	"b":  1,
	"kb": 1024,
	"mb": 1024 * 1024,
	"gb": 1024 * 1024 * 1024,
}

// GetSize parses the value at key as a byte-count size string such as
// "32mb" or "65536". Units are case-insensitive and default to bytes when
// omitted.
func (s *Store) GetSize(key string) (uint64, bool) {
	raw, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	return ParseSize(raw)
}

// ParseSize parses a size string like "32mb", "65536", or "10 GB" into a
// byte count.
func ParseSize(raw string) (uint64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}

	i := 0
	for i < len(raw) && (raw[i] >= '0' && raw[i] <= '9' || raw[i] == '.') {
		i++
	}
	numPart := raw[:i]
	unitPart := strings.ToLower(strings.TrimSpace(raw[i:]))

	mult, ok := sizeUnits[unitPart]
	if !ok {
		return 0, false
	}

	if strings.Contains(numPart, ".") {
		f, err := strconv.ParseFloat(numPart, 64)
		if err != nil {
			return 0, false
		}
		return uint64(f * float64(mult)), true
	}

	n, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return 0, false
	}
	return n * mult, true
}

// FormatSize renders a byte count using the largest whole unit it divides
// evenly into, mainly for diagnostic logging.
func FormatSize(n uint64) string {
	switch {
	case n != 0 && n%(1024*1024*1024) == 0:
		return fmt.Sprintf("%dgb", n/(1024*1024*1024))
	case n != 0 && n%(1024*1024) == 0:
		return fmt.Sprintf("%dmb", n/(1024*1024))
	case n != 0 && n%1024 == 0:
		return fmt.Sprintf("%dkb", n/1024)
	default:
		return fmt.Sprintf("%db", n)
	}
}
