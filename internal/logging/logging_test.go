package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("peer discovered", KeyPeerID, "abc")

	output := buf.String()
	if !strings.Contains(output, "peer discovered") {
		t.Errorf("expected message in output, got: %s", output)
	}
	if !strings.Contains(output, "peer_id=abc") {
		t.Errorf("expected peer_id attribute in output, got: %s", output)
	}
}

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "JSON", &buf)

	logger.Info("request received", KeyRequestID, "r1")

	output := buf.String()
	if !strings.Contains(output, `"msg":"request received"`) {
		t.Errorf("expected JSON msg field, got: %s", output)
	}
	if !strings.Contains(output, `"request_id":"r1"`) {
		t.Errorf("expected JSON request_id field, got: %s", output)
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name         string
		configLevel  string
		logLevel     slog.Level
		shouldAppear bool
	}{
		{"debug at debug level", "debug", slog.LevelDebug, true},
		{"debug at info level", "info", slog.LevelDebug, false},
		{"info at warn level", "warn", slog.LevelInfo, false},
		{"error at warn level", "warn", slog.LevelError, true},
		{"warn at error level", "error", slog.LevelWarn, false},
		{"info at unknown level", "verbose", slog.LevelInfo, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(tc.configLevel, "text", &buf)

			logger.Log(context.Background(), tc.logLevel, "test message")

			if got := buf.Len() > 0; got != tc.shouldAppear {
				t.Errorf("level %s at config %s: shouldAppear=%v, got output=%v",
					tc.logLevel, tc.configLevel, tc.shouldAppear, got)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseLevel(tc.input)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func TestValidFormat(t *testing.T) {
	for _, f := range []string{"text", "json", "Json"} {
		if !ValidFormat(f) {
			t.Errorf("ValidFormat(%q) = false", f)
		}
	}
	if ValidFormat("xml") {
		t.Error("ValidFormat(\"xml\") = true")
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewLoggerWithWriter("info", "text", &buf), "friend")
	logger.Info("hello")

	if !strings.Contains(buf.String(), "component=friend") {
		t.Errorf("expected component attribute, got: %s", buf.String())
	}

	// nil parent must not panic
	Component(nil, "x").Info("discarded")
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Error("discarded", KeyError, "boom")
}
