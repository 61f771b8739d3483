// Package bytesize converts between byte counts and human readable sizes
// such as "100MB" used in configuration files.
package bytesize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Sizes are binary: 1KB is 1024 bytes.
const (
	B  int64 = 1
	KB       = B << 10
	MB       = KB << 10
	GB       = MB << 10
	TB       = GB << 10
)

var sizeRegex = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([KMGT]I?B|B)?$`)

var multipliers = map[string]int64{
	"": B, "B": B,
	"KB": KB, "KIB": KB,
	"MB": MB, "MIB": MB,
	"GB": GB, "GIB": GB,
	"TB": TB, "TIB": TB,
}

// Parse reads a size like "512MB", "1.5GiB" or "4096". A bare number is bytes.
func Parse(s string) (int64, error) {
	in := strings.ToUpper(strings.TrimSpace(s))
	m := sizeRegex.FindStringSubmatch(in)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	result := value * float64(multipliers[m[2]])
	if result >= math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows int64", s)
	}
	return int64(result), nil
}

// Format renders n with the largest unit that keeps the value at or above one.
func Format(n int64) string {
	units := []struct {
		size int64
		name string
	}{{TB, "TB"}, {GB, "GB"}, {MB, "MB"}, {KB, "KB"}}

	for _, u := range units {
		if n >= u.size {
			v := float64(n) / float64(u.size)
			return strconv.FormatFloat(v, 'f', -1, 64) + u.name
		}
	}
	return strconv.FormatInt(n, 10) + "B"
}
