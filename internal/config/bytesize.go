package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Longer suffixes first so "KIB" is not read as "B".
var byteSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"KIB", 1 << 10},
	{"MIB", 1 << 20},
	{"GIB", 1 << 30},
	{"KB", 1000},
	{"MB", 1000 * 1000},
	{"GB", 1000 * 1000 * 1000},
	{"K", 1000},
	{"M", 1000 * 1000},
	{"G", 1000 * 1000 * 1000},
	{"B", 1},
}

// ParseByteSize reads sizes like "200000", "512KiB" or "10MB". Decimal
// suffixes are powers of 1000, binary ones powers of 1024.
func ParseByteSize(s string) (int64, error) {
	in := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	if in == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	for _, bs := range byteSuffixes {
		if strings.HasSuffix(in, bs.suffix) {
			mult = bs.mult
			in = strings.TrimSpace(strings.TrimSuffix(in, bs.suffix))
			break
		}
	}
	n, err := strconv.ParseInt(in, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > (1<<63-1)/mult {
		return 0, fmt.Errorf("size overflow %q", s)
	}
	return n * mult, nil
}
