// Package mdtable extracts pipe tables from markdown text.
package mdtable

import (
	"strings"
)

type Table struct {
	Header []string
	Rows   [][]string
}

// Parse returns every pipe table in text, in order of appearance.
// A table is a header row, a separator row of dashes, and any number of body rows.
func Parse(text string) []Table {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	var tables []Table
	for i := 0; i+1 < len(lines); i++ {
		if !isRow(lines[i]) || !isSeparator(lines[i+1]) {
			continue
		}

		header := splitRow(lines[i])
		table := Table{Header: header}
		j := i + 2
		for ; j < len(lines) && isRow(lines[j]) && !isSeparator(lines[j]); j++ {
			table.Rows = append(table.Rows, fit(splitRow(lines[j]), len(header)))
		}
		tables = append(tables, table)
		i = j - 1
	}
	return tables
}

func isRow(line string) bool {
	return strings.Contains(strings.TrimSpace(line), "|")
}

func isSeparator(line string) bool {
	if !isRow(line) {
		return false
	}
	cells := splitRow(line)
	if len(cells) == 0 {
		return false
	}
	for _, cell := range cells {
		c := strings.Trim(cell, ":")
		if len(c) < 1 || strings.Trim(c, "-") != "" {
			return false
		}
	}
	return true
}

func splitRow(line string) []string {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "|")
	line = strings.TrimSuffix(line, "|")

	var cells []string
	var cell strings.Builder
	for i := 0; i < len(line); i++ {
		switch {
		case line[i] == '\\' && i+1 < len(line) && line[i+1] == '|':
			cell.WriteByte('|')
			i++
		case line[i] == '|':
			cells = append(cells, strings.TrimSpace(cell.String()))
			cell.Reset()
		default:
			cell.WriteByte(line[i])
		}
	}
	return append(cells, strings.TrimSpace(cell.String()))
}

// fit pads or truncates a body row to the header width.
func fit(cells []string, width int) []string {
	if len(cells) > width {
		return cells[:width]
	}
	for len(cells) < width {
		cells = append(cells, "")
	}
	return cells
}
