package state

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Canonicalization produces a byte-stable rendition of object data that both
// the hub and its clients can hash identically regardless of map iteration
// or key insertion order:
//
//   - numbers: rounded to 6 decimals, trailing zeros stripped, "-0" -> "0",
//     non-finite -> null
//   - strings: JSON-encoded without HTML escaping
//   - objects: keys sorted lexicographically
//   - arrays: element order preserved
//
// Digest truncates SHA-1 to 16 hex chars; it is a consistency hint for
// clients, not an integrity guarantee, and the hash choice is fixed by the
// client protocol.

func canonicalNumber(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "null"
	}
	text := strconv.FormatFloat(v, 'f', 6, 64)
	text = strings.TrimRight(text, "0")
	text = strings.TrimRight(text, ".")
	if text == "" || text == "-0" {
		return "0"
	}
	return text
}

func canonicalString(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return `""`
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// CanonicalValue renders any JSON-decoded value in canonical form.
func CanonicalValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		if val {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return canonicalNumber(val)
	case string:
		return canonicalString(val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(canonicalString(k))
			b.WriteByte(':')
			b.WriteString(CanonicalValue(val[k]))
		}
		b.WriteByte('}')
		return b.String()
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(CanonicalValue(item))
		}
		b.WriteByte(']')
		return b.String()
	default:
		return canonicalString(fmt.Sprintf("%v", val))
	}
}

// Digest hashes a resolved view scope: one line per object in sorted id
// order, each line `<json(id)>:<canonical(data)>`, joined by newlines.
func Digest(view map[string]*Node) string {
	ids := make([]string, 0, len(view))
	for id := range view {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(canonicalString(id))
		b.WriteByte(':')
		node := view[id]
		if node == nil || node.Data == nil {
			b.WriteString("{}")
			continue
		}
		b.WriteString(CanonicalValue(node.Data))
	}

	sum := sha1.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}
