package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("ParseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
	if ValidLevel("loud") {
		t.Fatalf("expected loud to be rejected")
	}
}

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Format: "json", Output: &buf})
	log.Info().Msg("hidden")
	log.Warn().Str("camera", "front").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["message"] != "shown" || entry["camera"] != "front" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestCronLoggerWritesErrors(t *testing.T) {
	var buf bytes.Buffer
	l := NewCronLogger(New(Config{Level: "info", Output: &buf}))
	l.Error(errors.New("boom"), "job failed", "entry", 3)
	if !strings.Contains(buf.String(), `"err":"boom"`) || !strings.Contains(buf.String(), `"component":"cron"`) {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}
