// Package qlog is the ambient logging wrapper every other package in this
// module logs through. The teacher (shockwave) never reaches for a
// structured logger anywhere in its tree — every log call is a bare
// `log.Fatal`/`log.Printf` against the standard library `log` package — so
// this wrapper stays a thin shim over `*log.Logger` rather than adopting a
// third-party logging library the teacher itself doesn't use. The leveled
// Debugf/Warnf/Errorf call shape matches what the pack's quic-go/caddy
// vendor trees expect of a logger collaborator (e.g. `h.logger.Debugf(...)`),
// without pulling in their actual logging dependency.
package qlog

import (
	"io"
	"log"
	"os"
)

// Level is the minimum severity a Logger will emit.
type Level int

const (
	LevelDebug Level = iota
	LevelWarn
	LevelError
	// LevelSilent discards every call, used for Nop().
	LevelSilent
)

// Logger wraps a standard library *log.Logger with leveled helpers. The
// zero value is not usable; construct one with New or Nop.
//
// Every call site in this module that logs decrypted CRYPTO bytes, keys,
// IVs, or packet-number-protected header bytes must not pass them here
// (spec.md Section 5's secret-hygiene requirement) — Logger itself does
// nothing to redact arguments, so the discipline is on the caller, exactly
// as it is in the teacher's own log.Printf call sites.
type Logger struct {
	out   *log.Logger
	level Level
}

// New builds a Logger writing to w, prefixed per the standard library
// log.Logger convention (date/time + message), emitting only calls at or
// above level.
func New(w io.Writer, level Level) *Logger {
	return &Logger{out: log.New(w, "", log.LstdFlags), level: level}
}

// Default builds a Logger writing to os.Stderr at LevelWarn, the same
// destination `log.Fatal`/`log.Printf` use by default in the teacher tree.
func Default() *Logger {
	return New(os.Stderr, LevelWarn)
}

// Nop builds a Logger that discards every call.
func Nop() *Logger {
	return &Logger{level: LevelSilent}
}

func (l *Logger) Debugf(format string, args ...any) {
	if l == nil || l.level > LevelDebug {
		return
	}
	l.out.Printf("DEBUG "+format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	if l == nil || l.level > LevelWarn {
		return
	}
	l.out.Printf("WARN "+format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil || l.level > LevelError {
		return
	}
	l.out.Printf("ERROR "+format, args...)
}
