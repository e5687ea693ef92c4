package sysinfo

import (
	"strings"
	"testing"
)

func TestParseMeminfo(t *testing.T) {
	info := `MemTotal:       16314156 kB
MemFree:         1203932 kB
MemAvailable:    9876543 kB
Buffers:          412044 kB
`
	got, err := parseMeminfo(strings.NewReader(info))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if want := uint64(9876543) * 1024; got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestParseMeminfoMissingField(t *testing.T) {
	if _, err := parseMeminfo(strings.NewReader("MemTotal: 1 kB\n")); err == nil {
		t.Fatalf("expected error without MemAvailable")
	}
	if _, err := parseMeminfo(strings.NewReader("MemAvailable: lots kB\n")); err == nil {
		t.Fatalf("expected error for malformed value")
	}
}
