package adapter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"batchsync/internal/identity"
	"batchsync/internal/strategy"
)

// BlobColumn holds the JSON payload of blob tables.
const BlobColumn = "data"

var reserved = map[string]bool{
	"all": true, "and": true, "asc": true, "by": true, "column": true,
	"comment": true, "date": true, "desc": true, "from": true, "group": true,
	"having": true, "index": true, "key": true, "level": true, "limit": true,
	"not": true, "null": true, "offset": true, "or": true, "order": true,
	"select": true, "table": true, "union": true, "user": true, "where": true,
}

// ColumnNames turns result column names into identifiers that can be used
// unquoted in DDL and DML. The mapping is deterministic so repeated runs
// address the same target columns.
func (d Dialect) ColumnNames(columns []string) []string {
	out := make([]string, len(columns))
	seen := make(map[string]int, len(columns))
	for i, c := range columns {
		name := strings.Trim(d.sanitize(c), "_")
		if name == "" {
			name = "col_" + strconv.Itoa(i)
		}
		if first, _ := utf8.DecodeRuneInString(name); unicode.IsDigit(first) {
			name = "c_" + name
		}
		if reserved[strings.ToLower(name)] {
			name += "_"
		}
		key := strings.ToLower(name)
		if n := seen[key]; n > 0 {
			name += "_" + strconv.Itoa(n+1)
		}
		seen[key]++
		out[i] = name
	}
	return out
}

// sanitize replaces each run of characters that cannot appear in an
// unquoted identifier with a single underscore.
func (d Dialect) sanitize(s string) string {
	var b strings.Builder
	run := false
	for _, r := range s {
		ok := r == '_' || (r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r)))
		if !ok && d.UnicodeNames {
			ok = unicode.IsLetter(r) || unicode.IsDigit(r)
		}
		if !ok {
			if !run {
				b.WriteByte('_')
			}
			run = true
			continue
		}
		run = false
		b.WriteRune(r)
	}
	return b.String()
}

// ChooseLayout decides between one column per value and a blob table.
func (d Dialect) ChooseLayout(columns []string, sample []any) Layout {
	if len(sample) != len(columns) || len(columns) > d.MaxColumns {
		return Layout{Blob: true}
	}
	return Layout{}
}

// columnType infers a column type from a normalized sample value.
func (d Dialect) columnType(v any) string {
	switch v.(type) {
	case int64:
		return d.IntegerType
	case float64:
		return d.FloatType
	case bool:
		return d.BoolType
	}
	return d.TextType
}

// CreateTableSQL renders the DDL for table. columns[0] is the hash column.
func (d Dialect) CreateTableSQL(table string, columns []string, sample []any, layout Layout) string {
	defs := []string{identity.HashColumn + " " + d.HashType}
	if layout.Blob {
		defs = append(defs, BlobColumn+" "+d.BlobType)
	} else {
		names := d.ColumnNames(columns[1:])
		for i, name := range names {
			defs = append(defs, name+" "+d.columnType(sample[i+1]))
		}
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))
}

// InsertSQL renders the parameterised insert statement for one row.
func (d Dialect) InsertSQL(table string, columns []string, layout Layout) string {
	names := []string{identity.HashColumn}
	if layout.Blob {
		names = append(names, BlobColumn)
	} else {
		names = append(names, d.ColumnNames(columns[1:])...)
	}
	marks := make([]string, len(names))
	for i := range marks {
		marks[i] = d.Bind(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), strings.Join(marks, ", "))
}

// InsertArgs maps one tagged row onto the insert statement's arguments.
func (d Dialect) InsertArgs(columns []string, row []any, layout Layout) ([]any, error) {
	if !layout.Blob {
		args := make([]any, len(row))
		for i, v := range row {
			args[i] = d.coerce(v)
		}
		return args, nil
	}

	payload := make(map[string]any, len(row))
	for i := 1; i < len(row); i++ {
		key := "col_" + strconv.Itoa(i-1)
		if i < len(columns) {
			key = columns[i]
		}
		payload[key] = row[i]
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode blob row: %w", err)
	}
	return []any{row[0], truncate(string(b), d.BlobLimit)}, nil
}

func (d Dialect) coerce(v any) any {
	if b, ok := v.(bool); ok && d.BoolAsInt {
		if b {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

func checkTable(table string) error {
	if !strategy.ValidIdentifier(table) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return nil
}

// splitTable separates the schema (owner) qualifier from the table name.
// schema is empty for unqualified names.
func splitTable(table string) (schema, name string) {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[:i], table[i+1:]
	}
	return "", table
}
