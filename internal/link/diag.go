package link

import (
	"fmt"
	"strings"
)

// Category classifies a link diagnostic
type Category int

const (
	CategoryUnsupportedInput Category = iota
	CategoryInconsistentSymbol
	CategoryUnsupportedFormat
	CategoryOffset
)

func (c Category) String() string {
	switch c {
	case CategoryUnsupportedInput:
		return "unsupported input"
	case CategoryInconsistentSymbol:
		return "inconsistent symbol"
	case CategoryUnsupportedFormat:
		return "unsupported format"
	case CategoryOffset:
		return "offset"
	default:
		return "unknown"
	}
}

// Diagnostic is one problem found during the link
type Diagnostic struct {
	Category Category
	Symbol   string // symbol being processed when the problem was found
	Message  string
}

// Error implements the error interface
func (d Diagnostic) Error() string {
	if d.Symbol == "" {
		return d.Message
	}
	return fmt.Sprintf("%s: %s", d.Symbol, d.Message)
}

// Format returns the diagnostic with its category, optionally colored
func (d Diagnostic) Format(useColor bool) string {
	var sb strings.Builder

	if useColor {
		sb.WriteString("\033[1;31m") // Bold red
	}
	sb.WriteString("error")
	if useColor {
		sb.WriteString("\033[0m")
	}
	sb.WriteString(": ")
	sb.WriteString(d.Error())
	sb.WriteString("\n")

	if useColor {
		sb.WriteString("\033[1;36m") // Bold cyan
	}
	sb.WriteString("   note: ")
	if useColor {
		sb.WriteString("\033[0m")
	}
	sb.WriteString(d.Category.String())
	sb.WriteString("\n")

	return sb.String()
}

// Diagnostics accumulates problems so one link reports as many as possible.
// Recording never stops the pass; maxErrors only limits what Report prints.
type Diagnostics struct {
	entries   []Diagnostic
	maxErrors int
}

// NewDiagnostics creates a collector. maxErrors <= 0 prints everything.
func NewDiagnostics(maxErrors int) *Diagnostics {
	return &Diagnostics{maxErrors: maxErrors}
}

// Add records a diagnostic and returns it
func (d *Diagnostics) Add(cat Category, symbol, message string) Diagnostic {
	diag := Diagnostic{Category: cat, Symbol: symbol, Message: message}
	d.entries = append(d.entries, diag)
	return diag
}

// HasErrors returns true if anything was recorded
func (d *Diagnostics) HasErrors() bool {
	return len(d.entries) > 0
}

// Count returns the number of diagnostics
func (d *Diagnostics) Count() int {
	return len(d.entries)
}

// All returns the recorded diagnostics in order
func (d *Diagnostics) All() []Diagnostic {
	return d.entries
}

// CountCategory returns how many diagnostics belong to cat
func (d *Diagnostics) CountCategory(cat Category) int {
	n := 0
	for _, e := range d.entries {
		if e.Category == cat {
			n++
		}
	}
	return n
}

// Report formats the diagnostics for display
func (d *Diagnostics) Report(useColor bool) string {
	var sb strings.Builder

	shown := d.entries
	if d.maxErrors > 0 && len(shown) > d.maxErrors {
		shown = shown[:d.maxErrors]
	}
	for i, e := range shown {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(e.Format(useColor))
	}

	if len(d.entries) > 0 {
		sb.WriteString("\n")
		if useColor {
			sb.WriteString("\033[1;31m")
		}
		sb.WriteString(fmt.Sprintf("%d error(s)", len(d.entries)))
		if useColor {
			sb.WriteString("\033[0m")
		}
		if hidden := len(d.entries) - len(shown); hidden > 0 {
			sb.WriteString(fmt.Sprintf(" (%d not shown)", hidden))
		}
		sb.WriteString(" found\n")
	}

	return sb.String()
}
