package display

import (
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Alignment represents column alignment options
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// Table renders rows as an ASCII grid sized to the terminal
type Table struct {
	headers    []string
	rows       [][]string
	alignments map[int]Alignment
	maxWidth   int
	colors     *ColorSystem
}

// NewTable creates a table. maxWidth caps the rendered width; the terminal
// width wins when it is narrower.
func NewTable(colors *ColorSystem, maxWidth int, headers ...string) *Table {
	if width := terminalWidth(); width > 0 && (maxWidth == 0 || width < maxWidth) {
		maxWidth = width
	}
	return &Table{
		headers:    headers,
		alignments: make(map[int]Alignment),
		maxWidth:   maxWidth,
		colors:     colors,
	}
}

// AddRow appends a row
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// SetAlignment aligns a column
func (t *Table) SetAlignment(column int, alignment Alignment) {
	t.alignments[column] = alignment
}

// Len returns the number of rows
func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the table as text
func (t *Table) Render() string {
	widths := t.columnWidths()

	var b strings.Builder
	border := t.border(widths)
	b.WriteString(border)
	b.WriteString(t.renderRow(t.headers, widths, true))
	b.WriteString(border)
	for _, row := range t.rows {
		b.WriteString(t.renderRow(row, widths, false))
	}
	b.WriteString(border)
	return b.String()
}

// RenderTo writes the table to w
func (t *Table) RenderTo(w io.Writer) error {
	_, err := io.WriteString(w, t.Render())
	return err
}

func (t *Table) columnWidths() []int {
	widths := make([]int, len(t.headers))
	for i, header := range t.headers {
		widths[i] = utf8.RuneCountInString(header)
	}
	for _, row := range t.rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if n := utf8.RuneCountInString(row[i]); n > widths[i] {
				widths[i] = n
			}
		}
	}

	if t.maxWidth <= 0 {
		return widths
	}
	// shrink the widest column until the table fits
	for total(widths) > t.maxWidth {
		widest := 0
		for i := range widths {
			if widths[i] > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= 8 {
			break
		}
		widths[widest]--
	}
	return widths
}

// total is the rendered width: cells, one space of padding per side, and separators
func total(widths []int) int {
	sum := 1
	for _, w := range widths {
		sum += w + 3
	}
	return sum
}

func (t *Table) border(widths []int) string {
	var b strings.Builder
	b.WriteString("+")
	for _, w := range widths {
		b.WriteString(strings.Repeat("-", w+2))
		b.WriteString("+")
	}
	b.WriteString("\n")
	return b.String()
}

func (t *Table) renderRow(row []string, widths []int, header bool) string {
	var b strings.Builder
	b.WriteString("|")
	for i, width := range widths {
		var cell string
		if i < len(row) {
			cell = truncate(row[i], width)
		}
		padding := strings.Repeat(" ", width-utf8.RuneCountInString(cell))
		if header && t.colors != nil {
			cell = t.colors.Colorize(cell, t.colors.Theme().Primary)
		}

		b.WriteString(" ")
		if t.alignments[i] == AlignRight {
			b.WriteString(padding + cell)
		} else {
			b.WriteString(cell + padding)
		}
		b.WriteString(" |")
	}
	b.WriteString("\n")
	return b.String()
}

func truncate(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	runes := []rune(s)
	if width > 3 {
		return string(runes[:width-3]) + "..."
	}
	return string(runes[:width])
}

// terminalWidth returns the stdout width or 0 when stdout is not a terminal
func terminalWidth() int {
	width, _, err := term.GetSize(1)
	if err != nil {
		return 0
	}
	return width
}
