// Package output formats user-facing CLI messages.
package output

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	codeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true)
)

// Formatter prints styled CLI output while respecting quiet/verbose flags.
type Formatter struct {
	verboseMode bool
	quietMode   bool
	noColor     bool
}

// NewFormatter creates a formatter with default flags.
func NewFormatter() *Formatter {
	return &Formatter{}
}

// SetFlags configures the formatter from command line flags.
func (f *Formatter) SetFlags(verbose, quiet, noColor bool) {
	f.verboseMode = verbose
	f.quietMode = quiet
	f.noColor = noColor
}

func (f *Formatter) render(style lipgloss.Style, message string) string {
	if f.noColor {
		return message
	}
	return style.Render(message)
}

// Success prints a success message (always shown unless quiet).
func (f *Formatter) Success(format string, args ...interface{}) {
	if !f.quietMode {
		fmt.Println(f.render(successStyle, fmt.Sprintf(format, args...)))
	}
}

// Error prints an error message (always shown).
func (f *Formatter) Error(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, f.render(errorStyle, fmt.Sprintf(format, args...)))
}

// Warning prints a warning message (always shown unless quiet).
func (f *Formatter) Warning(format string, args ...interface{}) {
	if !f.quietMode {
		fmt.Println(f.render(warningStyle, fmt.Sprintf(format, args...)))
	}
}

// Info prints an informational message (hidden in quiet mode).
func (f *Formatter) Info(format string, args ...interface{}) {
	if !f.quietMode {
		fmt.Println(f.render(infoStyle, fmt.Sprintf(format, args...)))
	}
}

// Verbose prints only when verbose mode is on.
func (f *Formatter) Verbose(format string, args ...interface{}) {
	if f.verboseMode && !f.quietMode {
		fmt.Println(fmt.Sprintf(format, args...))
	}
}

// Code prints a machine-transferable code block, such as a pairing offer.
// Always shown, even in quiet mode, since it is the command's product.
func (f *Formatter) Code(code string) {
	fmt.Println(f.render(codeStyle, code))
}

// Plain prints an unstyled line (hidden in quiet mode).
func (f *Formatter) Plain(format string, args ...interface{}) {
	if !f.quietMode {
		fmt.Println(fmt.Sprintf(format, args...))
	}
}
