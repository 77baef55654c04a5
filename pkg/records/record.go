// Package records defines the schemaless record shape that flows from a source
// to the storage backends.
package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Record is one upstream object: field name -> JSON value.
//
// Values are whatever encoding/json produced with UseNumber enabled:
// nil, bool, json.Number, string, []any or map[string]any. Producers that
// decode without UseNumber may also hand in float64; every consumer in this
// module accepts both.
type Record map[string]any

// Keys returns the record's field names in lexicographic order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the trimmed string form of a scalar field.
//
// Edge cases:
//   - Missing fields, nil values, arrays and objects return "".
//   - Numbers and booleans are returned in their JSON textual form.
func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	case float64:
		return strings.TrimSpace(fmt.Sprint(x))
	default:
		return ""
	}
}

// Nested returns the string form of r[outer][inner] when r[outer] is an object.
func (r Record) Nested(outer, inner string) string {
	m, ok := r[outer].(map[string]any)
	if !ok {
		return ""
	}
	return Record(m).String(inner)
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Rename moves values from source keys to target keys. Keys absent from r are ignored.
// A target that already exists is overwritten.
//
// A source key without an exact match falls back to a case-insensitive match,
// since configuration layers may lowercase map keys.
func (r Record) Rename(mappings map[string]string) {
	if len(mappings) == 0 {
		return
	}
	moved := make(map[string]any, len(mappings))
	for from, to := range mappings {
		if to == "" {
			continue
		}
		key, ok := r.lookupKey(from)
		if !ok || key == to {
			continue
		}
		moved[to] = r[key]
		delete(r, key)
	}
	for k, v := range moved {
		r[k] = v
	}
}

func (r Record) lookupKey(name string) (string, bool) {
	if _, ok := r[name]; ok {
		return name, true
	}
	for k := range r {
		if strings.EqualFold(k, name) {
			return k, true
		}
	}
	return "", false
}

// Decode reads a JSON document and returns the records it contains.
//
// Accepted shapes:
//   - a root array of objects
//   - an envelope object with a "value" array (Graph API pages)
//   - a single object, returned as one record
//
// Numbers are decoded as json.Number so integral and fractional values stay
// distinguishable for schema inference.
func Decode(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var root any
	if err := dec.Decode(&root); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("records: decode: %w", err)
	}
	return FromValue(root)
}

// DecodeBytes is Decode over an in-memory document.
func DecodeBytes(b []byte) ([]Record, error) {
	return Decode(bytes.NewReader(b))
}

// FromValue converts a decoded JSON value into records using the shapes Decode accepts.
func FromValue(root any) ([]Record, error) {
	switch v := root.(type) {
	case []any:
		return fromArray(v)
	case map[string]any:
		if arr, ok := v["value"].([]any); ok {
			return fromArray(arr)
		}
		return []Record{Record(v)}, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("records: unsupported root %T (want object or array)", root)
	}
}

func fromArray(arr []any) ([]Record, error) {
	out := make([]Record, 0, len(arr))
	for i, el := range arr {
		obj, ok := el.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("records: element %d is %T, want object", i, el)
		}
		out = append(out, Record(obj))
	}
	return out, nil
}
