package util

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestBoolValue(t *testing.T) {
	yes, no := true, false
	cases := []struct {
		ptr      *bool
		fallback bool
		want     bool
	}{
		{nil, true, true},
		{nil, false, false},
		{&yes, false, true},
		{&no, true, false},
	}
	for _, tc := range cases {
		if got := BoolValue(tc.ptr, tc.fallback); got != tc.want {
			t.Fatalf("BoolValue(%v, %v) = %v, want %v", tc.ptr, tc.fallback, got, tc.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNetJoin(t *testing.T) {
	if got := NetJoin("127.0.0.1", 8080); got != "127.0.0.1:8080" {
		t.Fatalf("NetJoin = %q", got)
	}
	if got := NetJoin("::1", 9000); got != "[::1]:9000" {
		t.Fatalf("NetJoin ipv6 = %q", got)
	}
}

func TestNewLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record written at warn level: %q", out)
	}
	if !strings.Contains(out, "msg=shown") || !strings.Contains(out, "key=value") {
		t.Fatalf("unexpected output %q", out)
	}
}
