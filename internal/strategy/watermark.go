package strategy

import (
	"strconv"
	"strings"

	"batchsync/internal/identity"
	"batchsync/internal/model"
)

// Advance is the outcome of a watermark update.
type Advance struct {
	Value   string
	Changed bool
	// Unordered is set when the last row was not the largest key seen, which
	// means the source query is not ordered by the key column.
	Unordered bool
}

// NextWatermark derives the watermark after rows were written. "Last" is
// the last row in arrival order. For timestamp and sequence strategies the
// watermark never moves backwards.
func NextWatermark(strategy model.Strategy, keyColumn, current string, rows *identity.Tagged) Advance {
	keep := Advance{Value: current}
	if rows == nil || rows.Len() == 0 {
		return keep
	}
	last := rows.Rows[rows.Len()-1]

	if strategy == model.StrategyHash {
		h := identity.HashOf(last)
		return Advance{Value: h, Changed: h != current}
	}
	if strategy != model.StrategyTimestamp && strategy != model.StrategySequence {
		return keep
	}

	idx := rows.ColumnIndex(keyColumn)
	if idx < 0 {
		return keep
	}
	less := lessString
	if strategy == model.StrategySequence {
		less = lessNumber
	}

	var max string
	for _, row := range rows.Rows {
		v, ok := keyString(row[idx])
		if ok && (max == "" || less(max, v)) {
			max = v
		}
	}
	lastVal, ok := keyString(last[idx])
	if !ok {
		return keep
	}
	keep.Unordered = less(lastVal, max)
	if current != "" && !less(current, lastVal) {
		return keep
	}
	keep.Value, keep.Changed = lastVal, lastVal != current
	return keep
}

func keyString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}

func lessString(a, b string) bool { return a < b }

// lessNumber compares numerically, falling back to string order for
// values that are not numbers.
func lessNumber(a, b string) bool {
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errA != nil || errB != nil {
		return a < b
	}
	return fa < fb
}
