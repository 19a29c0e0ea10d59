package obs

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerTo(t *testing.T) {
	t.Run("json in production", func(t *testing.T) {
		var buf bytes.Buffer
		NewLoggerTo(&buf, "prod", "info").Info("hello", "conversation_id", "c1")
		var rec map[string]any
		if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
			t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
		}
		if rec["msg"] != "hello" || rec["conversation_id"] != "c1" {
			t.Fatalf("unexpected record: %v", rec)
		}
	})

	t.Run("text in dev", func(t *testing.T) {
		var buf bytes.Buffer
		NewLoggerTo(&buf, "dev", "info").Info("hello")
		if !strings.Contains(buf.String(), "hello") {
			t.Fatalf("expected message in output, got %q", buf.String())
		}
	})

	t.Run("level filters", func(t *testing.T) {
		var buf bytes.Buffer
		NewLoggerTo(&buf, "prod", "warn").Info("quiet")
		if buf.Len() != 0 {
			t.Fatalf("expected no output, got %q", buf.String())
		}
	})
}
