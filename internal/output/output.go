// Package output renders reports, approval requests, remediation results
// and monitor status for the CLI.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
)

// Format is an output format
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	// FormatDiff renders drift reports like a unified diff; other records
	// fall back to the table layout.
	FormatDiff Format = "diff"
)

const timeFormat = "2006-01-02 15:04:05"

// ParseFormat parses a --output value
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "table":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "diff", "unix":
		return FormatDiff, nil
	default:
		return "", vahtierrors.New(vahtierrors.ErrorTypeValidation, "output",
			fmt.Sprintf("unsupported output format: %s", s)).
			WithSolutions("Use one of: table, json, yaml, diff")
	}
}

// ColorEnabled reports whether colored output should be written to out: it
// must be a terminal, and neither --no-color nor NO_COLOR may be set.
func ColorEnabled(out io.Writer, noColor bool) bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Printer writes records in one format
type Printer struct {
	out    io.Writer
	format Format
	color  bool
}

// NewPrinter creates a printer. Colors are only used by the table and diff
// layouts.
func NewPrinter(out io.Writer, format Format, useColor bool) *Printer {
	if format == "" {
		format = FormatTable
	}
	return &Printer{out: out, format: format, color: useColor}
}

// Format returns the printer's format
func (p *Printer) Format() Format {
	return p.format
}

// Structured reports whether the printer emits machine-readable output
func (p *Printer) Structured() bool {
	return p.format == FormatJSON || p.format == FormatYAML
}

func (p *Printer) structured(v interface{}) error {
	switch p.format {
	case FormatJSON:
		encoder := json.NewEncoder(p.out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case FormatYAML:
		// Round-trip through JSON so YAML keys match the JSON field names
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		encoder := yaml.NewEncoder(p.out)
		encoder.SetIndent(2)
		defer encoder.Close()
		return encoder.Encode(generic)
	default:
		return fmt.Errorf("format %s is not structured", p.format)
	}
}

func (p *Printer) colorize(text string, attrs ...color.Attribute) string {
	if !p.color {
		return text
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(text)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeFormat)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
