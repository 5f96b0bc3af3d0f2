package identity

// Update pairs the stored and incoming versions of a row with equal hash.
type Update struct {
	Old []any
	New []any
}

// Changes is the result of comparing two tagged row sets.
type Changes struct {
	Added   [][]any
	Updated []Update
	Deleted [][]any
}

// Empty reports whether no change was found.
func (c *Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// Diff compares tagged source rows with tagged target rows by hash. Rows with
// equal hash but different payload are reported as updated; a hash collision
// with differing payload is indistinguishable from that case.
func Diff(source, target [][]any) *Changes {
	src := index(source)
	dst := index(target)
	c := &Changes{}

	for _, row := range source {
		h := HashOf(row)
		old, ok := dst[h]
		if !ok {
			c.Added = append(c.Added, row)
			continue
		}
		if Render(old) != Render(row) {
			c.Updated = append(c.Updated, Update{Old: old, New: row})
		}
	}
	for _, row := range target {
		if _, ok := src[HashOf(row)]; !ok {
			c.Deleted = append(c.Deleted, row)
		}
	}
	return c
}

func index(rows [][]any) map[string][]any {
	m := make(map[string][]any, len(rows))
	for _, row := range rows {
		if len(row) > 0 {
			m[HashOf(row)] = row
		}
	}
	return m
}
