// Package jsonutil provides JSON helpers used where encoding/json's normal
// guarantees aren't quite enough: notably a marshaler tolerant of shared
// object references reappearing in a value graph, which ordinary
// encoding/json would re-encode on every occurrence (wasteful at best,
// an infinite loop at worst if the graph is actually cyclic).
package jsonutil

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
)

// MarshalAcyclic encodes v as JSON, dropping the second and later
// occurrences of the exact same underlying map reference in the graph
// entirely — the property (or array element) that carries the repeat
// occurrence is omitted from its parent, not replaced with a placeholder.
// Scalars and distinct values are unaffected, and '<', '>' and '&' are
// written as-is rather than HTML-escaped. Returns an empty string, not
// an error, if the top-level value reduces to nothing encodable.
func MarshalAcyclic(v interface{}) (string, error) {
	seen := make(map[uintptr]bool)
	reduced := reduce(v, seen)
	if reduced == nil || reduced == omitted {
		return "", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(reduced); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// omittedValue is the sentinel reduce returns for a repeat occurrence of an
// already-seen map reference; callers holding a parent container drop the
// slot entirely rather than embedding this value.
type omittedValue struct{}

var omitted interface{} = omittedValue{}

func reduce(v interface{}, seen map[uintptr]bool) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return omitted
		}
		seen[ptr] = true
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if r := reduce(child, seen); r != omitted {
				out[k] = r
			}
		}
		return out

	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for _, child := range val {
			if r := reduce(child, seen); r != omitted {
				out = append(out, r)
			}
		}
		return out

	default:
		return v
	}
}
