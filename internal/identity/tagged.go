package identity

import (
	"fmt"
	"strings"
)

// Tagged is a result set whose rows carry their content hash as the first
// value. Columns[0] is HashColumn.
type Tagged struct {
	Columns []string
	Rows    [][]any
	// Bytes is the size of the canonical renderings of all rows.
	Bytes int64
}

// Tag prefixes every row with its content hash. Rows must already be
// normalized.
func Tag(columns []string, rows [][]any) (*Tagged, error) {
	t := &Tagged{
		Columns: append([]string{HashColumn}, columns...),
		Rows:    make([][]any, 0, len(rows)),
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d has %d values, expected %d", i, len(row), len(columns))
		}
		rendered := Render(row)
		t.Bytes += int64(len(rendered))
		tagged := make([]any, 0, len(row)+1)
		tagged = append(tagged, hashRendered(rendered))
		t.Rows = append(t.Rows, append(tagged, row...))
	}
	return t, nil
}

// Len returns the number of rows.
func (t *Tagged) Len() int { return len(t.Rows) }

// HashOf returns the hash of a tagged row.
func HashOf(row []any) string {
	if len(row) == 0 {
		return ""
	}
	h, _ := row[0].(string)
	return h
}

// ColumnIndex finds a column by name, case-insensitively. Legacy engines
// report upper-case column names.
func (t *Tagged) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// ExcludeExisting returns a copy of t holding only rows whose hash is not
// in existing.
func (t *Tagged) ExcludeExisting(existing Set) *Tagged {
	out := &Tagged{Columns: t.Columns, Rows: make([][]any, 0, len(t.Rows))}
	for _, row := range t.Rows {
		if existing.Has(HashOf(row)) {
			continue
		}
		out.Rows = append(out.Rows, row)
		out.Bytes += int64(len(Render(row[1:])))
	}
	return out
}
