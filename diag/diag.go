// Package diag implements the collector's diagnostic dump and walk output:
// a structured, optionally colored event stream a caller can subscribe to
// while driving an arena. It does not implement the wire-format telemetry
// protocol named as out of scope; it is a plain Go-idiomatic sink.
package diag

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level classifies a diagnostic event's severity, mirroring the coarse
// levels the teacher's own diagnostics package prints errors/warnings at.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelFault
)

func (l Level) label() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelFault:
		return "fault"
	default:
		return "info"
	}
}

func (l Level) color() string {
	switch l {
	case LevelWarn:
		return "\x1b[33m"
	case LevelFault:
		return "\x1b[31m"
	default:
		return "\x1b[36m"
	}
}

// Sink is a diagnostic event writer. The zero value writes plain,
// uncolored text to os.Stderr; use New to attach terminal-aware coloring.
type Sink struct {
	w      io.Writer
	colors bool
}

// New creates a Sink over w, enabling ANSI coloring only if w is attached
// to a real terminal. Passing os.Stderr directly is the common case; New
// wraps it with go-colorable so color escapes are stripped (or translated)
// automatically on platforms that need that, and disabled outright when
// go-isatty reports the stream is not a terminal.
func New(w io.Writer) *Sink {
	s := &Sink{w: w}
	if f, ok := w.(*os.File); ok {
		s.colors = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		s.w = colorable.NewColorable(f)
	}
	return s
}

// NewStderr creates a Sink over a colorable wrapper of os.Stderr.
func NewStderr() *Sink { return New(os.Stderr) }

// Event writes one diagnostic line: a level, a short tag (e.g. "flip",
// "reclaim", "fault"), and a formatted message.
func (s *Sink) Event(level Level, tag, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	w := s.w
	if w == nil {
		w = os.Stderr
	}
	if s.colors {
		fmt.Fprintf(w, "%s[%-5s]\x1b[0m %-8s %s\n", level.color(), level.label(), tag, msg)
		return
	}
	fmt.Fprintf(w, "[%-5s] %-8s %s\n", level.label(), tag, msg)
}

// Segment reports one segment's state during a walk, in a fixed column
// layout so a dump of many segments stays readable.
func (s *Sink) Segment(base, limit uintptr, white, nailed bool, summary uintptr) {
	tag := "seg"
	switch {
	case nailed:
		s.Event(LevelWarn, tag, "0x%x-0x%x nailed summary=0x%x", base, limit, summary)
	case white:
		s.Event(LevelInfo, tag, "0x%x-0x%x white summary=0x%x", base, limit, summary)
	default:
		s.Event(LevelInfo, tag, "0x%x-0x%x summary=0x%x", base, limit, summary)
	}
}
