package qlog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debugf("should not appear %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("Debugf below the configured level wrote %q", buf.String())
	}

	l.Warnf("connection %s torn down", "abcd")
	if !strings.Contains(buf.String(), "connection abcd torn down") {
		t.Errorf("Warnf output = %q, want it to contain the formatted message", buf.String())
	}
}

func TestLoggerErrorAlwaysPassesWarnLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)
	l.Errorf("boom %d", 42)
	if !strings.Contains(buf.String(), "boom 42") {
		t.Errorf("Errorf output = %q, want it to contain the formatted message", buf.String())
	}
}

func TestNopLoggerDiscardsEverything(t *testing.T) {
	l := Nop()
	// Must not panic despite having no backing *log.Logger.
	l.Debugf("x")
	l.Warnf("y")
	l.Errorf("z")
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Debugf("x")
	l.Warnf("y")
	l.Errorf("z")
}
