//go:build linux

package procdriver

import (
	"os"
	"strings"
	"testing"
)

func TestParseProcStat(t *testing.T) {
	t.Parallel()

	// comm may contain spaces and parentheses; parsing must anchor on
	// the last closing paren.
	line := "1234 (node (v20) srv) S 1 1234 1234 0 -1 4194304 500 0 0 0 150 50 0 0 20 0 3 0 100000 10485760 256 18446744073709551615 0 0"

	ticks, rssMB, err := parseProcStat(line)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ticks != 200 {
		t.Fatalf("ticks = %d, want 200 (utime 150 + stime 50)", ticks)
	}
	wantMB := 256 * float64(os.Getpagesize()) / (1 << 20)
	if rssMB != wantMB {
		t.Fatalf("rssMB = %v, want %v", rssMB, wantMB)
	}
}

func TestParseProcStatMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"no comm", "1234 S 1 1234"},
		{"truncated after comm", "1234 (bash) S 1 1234 1234 0 -1"},
		{"garbage utime", strings.Replace(
			"1234 (bash) S 1 1234 1234 0 -1 4194304 500 0 0 0 150 50 0 0 20 0 3 0 100000 10485760 256",
			" 150 ", " abc ", 1)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, _, err := parseProcStat(tt.raw); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestParseProcStatClampsNegativeRSS(t *testing.T) {
	t.Parallel()

	line := "1234 (bash) S 1 1234 1234 0 -1 4194304 500 0 0 0 150 50 0 0 20 0 3 0 100000 10485760 -5 0"

	_, rssMB, err := parseProcStat(line)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rssMB != 0 {
		t.Fatalf("rssMB = %v, want 0 for negative rss", rssMB)
	}
}
