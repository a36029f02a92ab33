// Package termcolor provides minimal ANSI color output for the CLI.
//
// The API follows github.com/fatih/color (MIT License) closely enough that
// callers read the same, without the dependency.
package termcolor

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	faint  = "\033[2m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
)

// Printer writes colored lines to w. Color is off when w is not a terminal
// or NO_COLOR is set.
type Printer struct {
	w     io.Writer
	color bool
}

// New returns a printer for w, detecting whether to use color.
func New(w io.Writer) *Printer {
	return &Printer{w: w, color: colorEnabled(w)}
}

// NewPlain returns a printer that never emits escape codes.
func NewPlain(w io.Writer) *Printer {
	return &Printer{w: w}
}

func colorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func (p *Printer) line(code, format string, a []any) {
	msg := fmt.Sprintf(format, a...)
	if p.color {
		fmt.Fprintf(p.w, "%s%s%s\n", code, msg, reset)
	} else {
		fmt.Fprintln(p.w, msg)
	}
}

// Green prints a green line (appends newline).
func (p *Printer) Green(format string, a ...any) { p.line(green, format, a) }

// Red prints a red line (appends newline).
func (p *Printer) Red(format string, a ...any) { p.line(red, format, a) }

// Yellow prints a yellow line (appends newline).
func (p *Printer) Yellow(format string, a ...any) { p.line(yellow, format, a) }

// Bold prints a bold line (appends newline).
func (p *Printer) Bold(format string, a ...any) { p.line(bold, format, a) }

// Plain prints an uncolored line (appends newline).
func (p *Printer) Plain(format string, a ...any) { fmt.Fprintf(p.w, format+"\n", a...) }

// Faint prints dim text with no newline appended.
func (p *Printer) Faint(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if p.color {
		fmt.Fprint(p.w, faint+msg+reset)
	} else {
		fmt.Fprint(p.w, msg)
	}
}

// State colors a node or link state word: green when settled, yellow while
// in progress, red when going away or failed. Unknown words pass through.
// Surrounding padding is kept inside the color so column widths hold.
func (p *Printer) State(s string) string {
	if !p.color {
		return s
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ready", "open", "connected", "ok":
		return green + s + reset
	case "connecting", "negotiating", "queued", "pending":
		return yellow + s + reset
	case "disconnecting", "failed", "closed", "unhealthy":
		return red + s + reset
	}
	return s
}
