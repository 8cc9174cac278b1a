// Package output renders inboxctl results as colored text, tables or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan)
	warnColor    = color.New(color.FgYellow)
	headerColor  = color.New(color.FgWhite, color.Bold)
	keyColor     = color.New(color.Faint)
)

// os.Stdout is resolved per call so callers and tests can redirect it.
func stdout() io.Writer { return os.Stdout }

func Success(format string, a ...any) {
	successColor.Fprintf(stdout(), "✓ "+format+"\n", a...)
}

func Error(format string, a ...any) {
	errorColor.Fprintf(os.Stderr, "✗ "+format+"\n", a...)
}

func Info(format string, a ...any) {
	infoColor.Fprintf(stdout(), format+"\n", a...)
}

func Warn(format string, a ...any) {
	warnColor.Fprintf(stdout(), "⚠ "+format+"\n", a...)
}

// Field prints an aligned "key: value" line.
func Field(key, value string) {
	fmt.Fprintf(stdout(), "%s %s\n", keyColor.Sprintf("%-15s", key+":"), value)
}

func JSON(v any) error {
	enc := json.NewEncoder(stdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// JSONLine writes v compactly on one line, for streaming output.
func JSONLine(v any) error {
	return json.NewEncoder(stdout()).Encode(v)
}

type Table struct {
	headers []string
	rows    [][]string
}

func NewTable(headers []string) *Table {
	return &Table{headers: headers}
}

func (t *Table) AddRow(row []string) {
	t.rows = append(t.rows, row)
}

func (t *Table) Render() {
	w := stdout()
	widths := make([]int, len(t.headers))
	for i, header := range t.headers {
		widths[i] = len(header)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	for i, header := range t.headers {
		headerColor.Fprintf(w, "%-*s  ", widths[i], header)
	}
	fmt.Fprintln(w)

	for i := range t.headers {
		fmt.Fprint(w, strings.Repeat("-", widths[i])+"  ")
	}
	fmt.Fprintln(w)

	for _, row := range t.rows {
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			fmt.Fprintf(w, "%-*s  ", widths[i], cell)
		}
		fmt.Fprintln(w)
	}
}

// Truncate shortens s to n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n || n < 4 {
		return s
	}
	return string(r[:n-3]) + "..."
}
