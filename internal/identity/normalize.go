package identity

import (
	"database/sql/driver"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// TimeLayout is the canonical rendering of temporal values. The offset is
// part of it: equal wall-clock times in different zones are different
// instants.
const TimeLayout = "2006-01-02 15:04:05.999999999-07:00"

// Normalize converts a driver value into one of nil, int64, float64, bool
// or string. dbType is the column's database type name as reported by the
// driver and steers how textual values (ODBC drivers hand most values back
// as bytes) are interpreted. Normalize never fails: values it cannot
// interpret are rendered as strings.
func Normalize(v any, dbType string) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		if x == nil {
			return nil
		}
		return fromText(string(x), dbType)
	case string:
		return fromText(x, dbType)
	case bool:
		return x
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return fromUnsigned(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return fromUnsigned(x)
	case float32:
		// 按 float32 精度格式化，避免 0.1 变成 0.10000000149011612
		f, _ := strconv.ParseFloat(strconv.FormatFloat(float64(x), 'g', -1, 32), 64)
		return f
	case float64:
		return x
	case time.Time:
		return x.Format(TimeLayout)
	case driver.Valuer:
		dv, err := x.Value()
		if err != nil {
			return fallback(v)
		}
		if _, again := dv.(driver.Valuer); again {
			return fallback(dv)
		}
		return Normalize(dv, dbType)
	}
	return fallback(v)
}

// NormalizeRow normalizes every value of row in place. dbTypes may be
// shorter than row.
func NormalizeRow(row []any, dbTypes []string) []any {
	for i, v := range row {
		t := ""
		if i < len(dbTypes) {
			t = dbTypes[i]
		}
		row[i] = Normalize(v, t)
	}
	return row
}

func fromUnsigned(u uint64) any {
	if u > math.MaxInt64 {
		return strconv.FormatUint(u, 10)
	}
	return int64(u)
}

func fromText(s, dbType string) any {
	switch typeClass(dbType) {
	case classInteger:
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return n
		}
	case classFloat:
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	case classBool:
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b
		}
	}
	return s
}

func fallback(v any) string {
	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	return fmt.Sprint(v)
}

type class int

const (
	classOther class = iota
	classInteger
	classFloat
	classBool
)

// typeClass maps database type names across the supported families.
// DECIMAL/NUMERIC are kept textual so no precision is lost.
func typeClass(dbType string) class {
	t := strings.ToUpper(dbType)
	switch {
	case t == "":
		return classOther
	case strings.Contains(t, "INT") || strings.Contains(t, "SERIAL"):
		return classInteger
	case strings.Contains(t, "FLOAT") || strings.Contains(t, "DOUBLE") || t == "REAL":
		return classFloat
	case strings.HasPrefix(t, "BOOL"):
		return classBool
	}
	return classOther
}
