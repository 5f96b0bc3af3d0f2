package strategy

import (
	"strings"
	"unicode"
)

// clauses is what scan learns about the top level of a SELECT statement.
type clauses struct {
	where    int // offset of the top-level WHERE keyword, -1 if none
	tail     int // offset of the first top-level clause that must follow WHERE, -1 if none
	headEnd  int // end of the last significant token before tail
	hasOr    bool
	setOp    bool // UNION / INTERSECT / EXCEPT / MINUS at top level
	bodyEnd  int  // end of the last significant token
	balanced bool
}

var tailKeywords = map[string]bool{
	"GROUP":  true,
	"HAVING": true,
	"WINDOW": true,
	"ORDER":  true,
	"LIMIT":  true,
	"OFFSET": true,
	"FETCH":  true,
	"FOR":    true,
}

var setOperators = map[string]bool{
	"UNION":     true,
	"INTERSECT": true,
	"EXCEPT":    true,
	"MINUS":     true,
}

// scan walks q once, skipping string literals, quoted identifiers, comments
// and parenthesised sub-expressions, and records the positions of the
// top-level clauses that matter for appending a predicate.
func scan(q string) clauses {
	c := clauses{where: -1, tail: -1}
	depth := 0
	i := 0
	for i < len(q) {
		ch := q[i]
		switch {
		case ch == '-' && i+1 < len(q) && q[i+1] == '-':
			for i < len(q) && q[i] != '\n' {
				i++
			}
			continue
		case ch == '/' && i+1 < len(q) && q[i+1] == '*':
			end := strings.Index(q[i+2:], "*/")
			if end < 0 {
				i = len(q)
			} else {
				i += end + 4
			}
			continue
		case ch == '\'' || ch == '"':
			i = skipQuoted(q, i, ch)
			c.bodyEnd = i
			continue
		case ch == '(':
			depth++
		case ch == ')':
			depth--
		case ch == ';':
			i++
			continue
		case isWordStart(ch):
			start := i
			for i < len(q) && isWordPart(q[i]) {
				i++
			}
			prev := c.bodyEnd
			c.bodyEnd = i
			if depth == 0 {
				c.keyword(strings.ToUpper(q[start:i]), start, prev)
			}
			continue
		case unicode.IsSpace(rune(ch)):
			i++
			continue
		}
		i++
		c.bodyEnd = i
	}
	c.balanced = depth == 0
	return c
}

// keyword records a top-level word starting at pos. prev is the end of the
// significant token before it, so comments between the two are not part of
// the head of the statement.
func (c *clauses) keyword(word string, pos, prev int) {
	switch {
	case setOperators[word]:
		c.setOp = true
	case word == "WHERE":
		if c.where < 0 && c.tail < 0 {
			c.where = pos
		}
	case word == "OR":
		if c.where >= 0 && c.tail < 0 {
			c.hasOr = true
		}
	case tailKeywords[word]:
		if c.tail < 0 {
			c.tail = pos
			c.headEnd = prev
		}
	}
}

// skipQuoted returns the offset just past the literal starting at i.
// Doubled quote characters are escapes.
func skipQuoted(q string, i int, quote byte) int {
	i++
	for i < len(q) {
		if q[i] == quote {
			if i+1 < len(q) && q[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return i
}

func isWordStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isWordPart(ch byte) bool {
	return isWordStart(ch) || (ch >= '0' && ch <= '9') || ch == '$' || ch == '#'
}
