// Package psv implements the pipe-separated-value table format used by the
// NGDP patch server for versions, cdns, bgdl, and blobs responses:
//
//	Name!TYPE:LEN|Name!TYPE:LEN|...
//	value|value|...
//
// Blank lines and lines starting with '#' are ignored. Empty cells mean
// absent (decoded as the empty string).
package psv

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"keg/kegerr"
)

// FieldType is the declared type of a PSV column.
type FieldType string

const (
	TypeString FieldType = "STRING"
	TypeHex    FieldType = "HEX"
	TypeDec    FieldType = "DEC"
)

// Field describes one column of a PSV table.
type Field struct {
	Name string
	Type FieldType
	Len  int
}

// Table is a parsed PSV document: an ordered header plus its data rows.
type Table struct {
	Fields []Field
	Rows   []Row
}

// Row is one data row, indexable by column name.
type Row map[string]string

// Get returns the value of a named column, or "" if the column is absent or
// the cell was empty.
func (r Row) Get(name string) string { return r[name] }

// Parse reads a PSV document from r.
func Parse(r io.Reader) (*Table, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var fields []Field
	var lineNo int64
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fs, err := parseHeader(line)
		if err != nil {
			return nil, &kegerr.ParseError{Format: "psv", Offset: lineNo, Reason: err.Error()}
		}
		fields = fs
		break
	}
	if fields == nil {
		return nil, &kegerr.ParseError{Format: "psv", Offset: lineNo, Reason: "no header line found"}
	}

	t := &Table{Fields: fields}
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		cells := strings.Split(line, "|")
		row := make(Row, len(fields))
		for i, f := range fields {
			if i < len(cells) {
				row[f.Name] = cells[i]
			} else {
				row[f.Name] = ""
			}
		}
		t.Rows = append(t.Rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, &kegerr.ParseError{Format: "psv", Offset: lineNo, Reason: err.Error()}
	}
	return t, nil
}

func parseHeader(line string) ([]Field, error) {
	parts := strings.Split(line, "|")
	fields := make([]Field, 0, len(parts))
	for _, p := range parts {
		name, rest, ok := strings.Cut(p, "!")
		if !ok {
			return nil, fmt.Errorf("column %q: missing !TYPE:LEN", p)
		}
		typeStr, lenStr, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("column %q: missing :LEN", p)
		}
		var length int
		if _, err := fmt.Sscanf(lenStr, "%d", &length); err != nil {
			return nil, fmt.Errorf("column %q: bad length %q", p, lenStr)
		}
		fields = append(fields, Field{Name: name, Type: FieldType(typeStr), Len: length})
	}
	return fields, nil
}

// Encode writes t back out in the canonical PSV form.
func Encode(w io.Writer, t *Table) error {
	headerParts := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		headerParts[i] = fmt.Sprintf("%s!%s:%d", f.Name, f.Type, f.Len)
	}
	if _, err := fmt.Fprintln(w, strings.Join(headerParts, "|")); err != nil {
		return err
	}
	for _, row := range t.Rows {
		cells := make([]string, len(t.Fields))
		for i, f := range t.Fields {
			cells[i] = row[f.Name]
		}
		if _, err := fmt.Fprintln(w, strings.Join(cells, "|")); err != nil {
			return err
		}
	}
	return nil
}
