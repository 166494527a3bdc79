package logging

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestCLIHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(ModeCLI, &buf, slog.LevelInfo)

	logger.Warn("terminate failed", "instance", "pod-1", "err", fmt.Errorf("api down"))

	line := buf.String()
	if !strings.HasPrefix(line, "WARN terminate failed") {
		t.Fatalf("line = %q", line)
	}
	if !strings.Contains(line, "instance=pod-1") || !strings.Contains(line, "err=api down") {
		t.Fatalf("line = %q", line)
	}
}

func TestDefaultLevelHidesInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(ModeCLI, &buf, nil)

	logger.Info("poll", "attempt", 3)
	if buf.Len() != 0 {
		t.Fatalf("info leaked at default level: %q", buf.String())
	}
	logger.Warn("slow")
	if buf.Len() == 0 {
		t.Fatalf("warn suppressed")
	}
}

func TestVerboseSetupShowsDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(ModeCLI, &buf, true)

	logger.Debug("dialing", "addr", "203.0.113.7:10022")
	if !strings.Contains(buf.String(), "DEBUG dialing addr=203.0.113.7:10022") {
		t.Fatalf("buf = %q", buf.String())
	}
}

func TestJSONMode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(ModeJSON, &buf, slog.LevelInfo)

	logger.Info("created", "instance", "pod-9")
	if !strings.Contains(buf.String(), `"instance":"pod-9"`) {
		t.Fatalf("buf = %q", buf.String())
	}
}

func TestWithAttrsCarries(t *testing.T) {
	var buf bytes.Buffer
	logger := New(ModeCLI, &buf, slog.LevelInfo).With("session", "s-1")

	logger.Warn("wipe incomplete")
	if !strings.Contains(buf.String(), "session=s-1") {
		t.Fatalf("buf = %q", buf.String())
	}
}
