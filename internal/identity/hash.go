package identity

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"
)

const (
	// HashColumn is the synthetic leading column holding the content hash.
	HashColumn = "data_hash"
	// HashLength is the number of hex characters kept from the digest.
	HashLength = 16
)

// Render returns the canonical string form of a normalized row.
func Render(values []any) string {
	var b strings.Builder
	b.WriteByte('(')
	for i, v := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		renderValue(&b, v)
	}
	b.WriteByte(')')
	return b.String()
}

func renderValue(b *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		b.WriteString("NULL")
	case string:
		b.WriteString(strconv.Quote(x))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case float64:
		b.WriteString(formatFloat(x))
	case bool:
		b.WriteString(strconv.FormatBool(x))
	default:
		b.WriteString(strconv.Quote(fallback(x)))
	}
}

// formatFloat keeps floats distinguishable from integers: 1.0 renders as
// "1.0", not "1".
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if strings.ContainsAny(s, ".eIN") {
		return s
	}
	return s + ".0"
}

// Hash returns the content hash of a normalized row.
func Hash(values []any) string {
	return hashRendered(Render(values))
}

func hashRendered(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:HashLength]
}

// Set is a set of content hashes.
type Set map[string]struct{}

// NewSet builds a set from hashes.
func NewSet(hashes ...string) Set {
	s := make(Set, len(hashes))
	for _, h := range hashes {
		s[h] = struct{}{}
	}
	return s
}

// Has reports whether h is in s.
func (s Set) Has(h string) bool {
	_, ok := s[h]
	return ok
}
