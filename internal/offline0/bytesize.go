package offline0

import (
	"fmt"
	"strconv"
	"strings"
)

type byteUnit struct {
	suffix string
	size   int64
}

// Longest suffixes first so "mb" is not read as "b".
var byteUnits = []byteUnit{
	{"gb", 1 << 30}, {"mb", 1 << 20}, {"kb", 1 << 10},
	{"g", 1 << 30}, {"m", 1 << 20}, {"k", 1 << 10},
	{"b", 1},
}

// parseBytes reads sizes such as "512", "4kb", "1.5m" or "50MB". Units are
// binary.
func parseBytes(s string) (int64, error) {
	in := strings.ToLower(strings.TrimSpace(s))
	if in == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	for _, u := range byteUnits {
		if rest, ok := strings.CutSuffix(in, u.suffix); ok {
			in, mult = strings.TrimSpace(rest), u.size
			break
		}
	}
	if in == "" {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	v, err := strconv.ParseFloat(in, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return int64(v * float64(mult)), nil
}

// formatBytes renders b with one decimal in the largest fitting unit.
func formatBytes(b uint64) string {
	for _, u := range byteUnits[:3] {
		if b >= uint64(u.size) {
			v := strconv.FormatFloat(float64(b)/float64(u.size), 'f', 1, 64)
			return strings.TrimSuffix(v, ".0") + u.suffix
		}
	}
	return fmt.Sprintf("%db", b)
}
