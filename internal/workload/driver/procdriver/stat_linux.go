//go:build linux

package procdriver

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// userHZ is the kernel tick rate exposed through /proc. Fixed at 100
// on every supported platform.
const userHZ = 100

type cpuSample struct {
	ticks uint64
	at    time.Time
}

// readProcStat returns cumulative CPU ticks (utime+stime) and the
// resident set size in MB for pid.
func readProcStat(pid int) (uint64, float64, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, err
	}
	return parseProcStat(string(raw))
}

// parseProcStat splits a /proc/<pid>/stat line after the comm field,
// which may itself contain spaces and parentheses.
func parseProcStat(raw string) (uint64, float64, error) {
	end := strings.LastIndex(raw, ")")
	if end < 0 || end+2 >= len(raw) {
		return 0, 0, fmt.Errorf("malformed stat line")
	}
	fields := strings.Fields(raw[end+2:])
	if len(fields) < 22 {
		return 0, 0, fmt.Errorf("truncated stat line: %d fields", len(fields))
	}

	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse utime: %w", err)
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse stime: %w", err)
	}
	rssPages, err := strconv.ParseInt(fields[21], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse rss: %w", err)
	}
	if rssPages < 0 {
		rssPages = 0
	}

	rssMB := float64(rssPages) * float64(os.Getpagesize()) / (1 << 20)
	return utime + stime, rssMB, nil
}
