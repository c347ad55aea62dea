// Package output provides output formatting utilities for CLI commands.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Format is one of the output encodings a Printer can render.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// String returns the format's flag value.
func (f Format) String() string { return string(f) }

// ParseFormat resolves a --output flag value into a Format. An empty string
// defaults to table; anything unrecognized is an error.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "table":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("invalid output format: %q (valid: table, json, yaml)", s)
	}
}

// ansiCode wraps msg in the given SGR code when color is enabled, otherwise
// returns msg unchanged.
func ansiCode(code, msg string, color bool) string {
	if !color {
		return msg
	}
	return "\033[" + code + "m" + msg + "\033[0m"
}

// Printer renders command output in one of Format's encodings to a writer.
type Printer struct {
	out    io.Writer
	format Format
	color  bool
}

// NewPrinter constructs a Printer writing to out in format, with color
// enabled or not.
func NewPrinter(out io.Writer, format Format, color bool) *Printer {
	return &Printer{out: out, format: format, color: color}
}

// DefaultPrinter is a table-format, colorized Printer writing to stdout.
func DefaultPrinter() *Printer {
	return NewPrinter(os.Stdout, FormatTable, true)
}

func (p *Printer) Format() Format     { return p.format }
func (p *Printer) Writer() io.Writer  { return p.out }
func (p *Printer) ColorEnabled() bool { return p.color }

// Print renders data in the Printer's configured format. Table format
// requires data to implement TableRenderer; anything else falls back to
// JSON, since a table has no generic rendering for an arbitrary struct.
func (p *Printer) Print(data any) error {
	switch p.format {
	case FormatTable:
		if renderer, ok := data.(TableRenderer); ok {
			return PrintTable(p.out, renderer)
		}
		return PrintJSON(p.out, data)
	case FormatJSON:
		return PrintJSON(p.out, data)
	case FormatYAML:
		return PrintYAML(p.out, data)
	default:
		return fmt.Errorf("output: unknown format %q", p.format)
	}
}

// Println writes args followed by a newline, ignoring write errors (as
// Fprintln to a CLI's stdout/stderr is not a condition callers recover from).
func (p *Printer) Println(args ...any) {
	_, _ = fmt.Fprintln(p.out, args...)
}

// Printf writes a formatted message.
func (p *Printer) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}

// Success writes msg, green when color is enabled.
func (p *Printer) Success(msg string) {
	_, _ = fmt.Fprintln(p.out, ansiCode("32", msg, p.color))
}

// Error writes msg, red when color is enabled.
func (p *Printer) Error(msg string) {
	_, _ = fmt.Fprintln(p.out, ansiCode("31", msg, p.color))
}

// Warning writes msg, yellow when color is enabled.
func (p *Printer) Warning(msg string) {
	_, _ = fmt.Fprintln(p.out, ansiCode("33", msg, p.color))
}
