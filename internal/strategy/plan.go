// Package strategy turns a job's sync strategy into an executable source
// query and a target write mode.
package strategy

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"batchsync/internal/model"
)

// WriteMode decides how rows reach the target table.
type WriteMode int

const (
	// Replace clears the target before inserting.
	Replace WriteMode = iota
	// Merge appends rows whose hash is not yet in the target.
	Merge
)

func (m WriteMode) String() string {
	if m == Merge {
		return "merge"
	}
	return "replace"
}

// Bind returns the placeholder for the n-th (1-based) bound argument.
type Bind func(n int) string

// QuestionMark is the Bind of drivers using positional '?' markers.
func QuestionMark(int) string { return "?" }

// Dollar is the Bind of drivers using $1, $2, ...
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidWatermark  = errors.New("invalid watermark value")
	ErrUnsupported       = errors.New("unsupported sync strategy")
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$#]*(\.[A-Za-z_][A-Za-z0-9_$#]*)?$`)

// ValidIdentifier reports whether s is a plain, optionally qualified, SQL
// identifier that can be used unquoted.
func ValidIdentifier(s string) bool {
	return identRe.MatchString(s)
}

// Plan is the resolved read/write recipe for one run.
type Plan struct {
	Strategy model.Strategy
	// Query is executed with Args bound.
	Query string
	Args  []any
	// Rendered is Query with the watermark inlined as a literal, for logs.
	Rendered string
	Mode     WriteMode
	// FilterByHash drops source rows whose hash already exists in the target.
	FilterByHash bool
}

// Input is what Build needs to know about a job.
type Input struct {
	BaseQuery     string
	Strategy      model.Strategy
	KeyColumn     string
	LastSyncValue string
}

// Build resolves the effective query and write mode. For watermark
// strategies an empty LastSyncValue means no rows have been synced yet and
// the base query runs unrestricted.
func Build(in Input, bind Bind) (*Plan, error) {
	base := strings.TrimSpace(in.BaseQuery)
	if base == "" {
		return nil, errors.New("empty source query")
	}
	p := &Plan{Strategy: in.Strategy, Query: base, Rendered: base}

	switch in.Strategy {
	case model.StrategyFull:
		p.Mode = Replace
		return p, nil
	case model.StrategyHash:
		p.Mode = Merge
		p.FilterByHash = true
		return p, nil
	case model.StrategyTimestamp, model.StrategySequence:
		p.Mode = Merge
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, in.Strategy)
	}

	if !ValidIdentifier(in.KeyColumn) {
		return nil, fmt.Errorf("%w: sync key column %q", ErrInvalidIdentifier, in.KeyColumn)
	}
	if in.LastSyncValue == "" {
		return p, nil
	}

	var arg any
	var literal string
	if in.Strategy == model.StrategySequence {
		n, err := parseNumber(in.LastSyncValue)
		if err != nil {
			return nil, fmt.Errorf("%w: sequence watermark %q", ErrInvalidWatermark, in.LastSyncValue)
		}
		arg, literal = n, strings.TrimSpace(in.LastSyncValue)
	} else {
		arg = in.LastSyncValue
		literal = "'" + strings.ReplaceAll(in.LastSyncValue, "'", "''") + "'"
	}

	p.Query = appendPredicate(base, in.KeyColumn+" > "+bind(1))
	p.Rendered = appendPredicate(base, in.KeyColumn+" > "+literal)
	p.Args = []any{arg}
	return p, nil
}

// appendPredicate adds pred to the top-level WHERE clause of q, or
// introduces one before any trailing GROUP BY / ORDER BY / LIMIT. Compound
// queries are wrapped as a derived table.
func appendPredicate(q, pred string) string {
	c := scan(q)
	body := strings.TrimRight(q[:c.bodyEnd], " \t\r\n")

	if c.setOp || !c.balanced {
		return "SELECT * FROM (\n" + body + "\n) sync_src WHERE " + pred
	}

	head, rest := body, ""
	if c.tail >= 0 {
		head = body[:c.headEnd]
		rest = " " + body[c.tail:]
	}

	if c.where < 0 {
		return head + " WHERE " + pred + rest
	}
	if c.hasOr {
		cond := strings.TrimSpace(head[c.where+len("WHERE"):])
		return head[:c.where] + "WHERE (" + cond + ") AND " + pred + rest
	}
	return head + " AND " + pred + rest
}

func parseNumber(s string) (any, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return f, nil
}
