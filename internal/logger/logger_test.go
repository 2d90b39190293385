package logger

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]interface{}{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestSetupSetsGlobalLevel(t *testing.T) {
	defer Setup("info", "console")

	Setup("error", "console")
	if zerolog.GlobalLevel() != zerolog.ErrorLevel {
		t.Errorf("expected error level, got %v", zerolog.GlobalLevel())
	}
}

func TestJSONFields(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")

	Log.Info("buffer grown",
		"buffer", "gating",
		"elems", 64,
		"err", errors.New("boom"),
		"orphan_key",
	)

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	line := lines[0]
	if line["message"] != "buffer grown" {
		t.Errorf("unexpected message: %v", line["message"])
	}
	if line["buffer"] != "gating" {
		t.Errorf("unexpected buffer field: %v", line["buffer"])
	}
	if line["elems"] != float64(64) {
		t.Errorf("unexpected elems field: %v", line["elems"])
	}
	if line["err"] != "boom" {
		t.Errorf("unexpected err field: %v", line["err"])
	}
	if _, ok := line["orphan_key"]; ok {
		t.Error("trailing key without value should be dropped")
	}
}

func TestWithStampsComponent(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")

	Log.With("component", "ffn").Warn("clamped", 7, "x")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["component"] != "ffn" {
		t.Errorf("expected component=ffn, got %v", lines[0]["component"])
	}
	if lines[0]["7"] != "x" {
		t.Errorf("non-string key should be stringified, got %v", lines[0])
	}
}

func TestLevelFiltering(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "error", "json")

	Log.Debug("dropped")
	Log.Info("dropped")
	Log.Warn("dropped")
	Log.Error("kept")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["message"] != "kept" {
		t.Errorf("expected only the error line, got %v", lines)
	}
	if Log.Enabled(zerolog.DebugLevel) {
		t.Error("debug should not be enabled at error level")
	}
	if !Log.Enabled(zerolog.ErrorLevel) {
		t.Error("error should be enabled at error level")
	}
}

func TestConsoleFormat(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "info", "console")
	Log.Info("console line", "layer", 3)

	out := buf.String()
	if !strings.Contains(out, "console line") || !strings.Contains(out, "layer=3") {
		t.Errorf("unexpected console output: %q", out)
	}
}
