// Package schema infers SQL column sets from schemaless records.
//
// The inferencer is the single source of truth for type decisions; backends
// only translate the abstract Type into their own DDL. Schemas grow only:
// DiffColumns reports what is missing, never what should be dropped or retyped.
package schema

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"intunesync/pkg/records"
)

// Type is an engine-neutral column type.
type Type string

const (
	Text      Type = "text"
	Boolean   Type = "boolean"
	Integer   Type = "integer"
	Float     Type = "float"
	Timestamp Type = "timestamp"
	// JSON columns hold arrays/objects serialized to canonical JSON text.
	JSON Type = "json"
)

// Metadata columns written by the storage layer on every table.
const (
	IDColumn          = "id"
	LastSyncColumn    = "last_sync_date_time"
	FingerprintColumn = "fingerprint"
	RowHashColumn     = "row_hash"
	CreatedAtColumn   = "created_at"
	UpdatedAtColumn   = "updated_at"
)

// MaxColumnName is the longest column name kept, in bytes (Postgres' limit).
const MaxColumnName = 63

var reserved = map[string]bool{
	IDColumn:          true,
	LastSyncColumn:    true,
	FingerprintColumn: true,
	RowHashColumn:     true,
	CreatedAtColumn:   true,
	UpdatedAtColumn:   true,
}

// IsReserved reports whether name collides (case-insensitively) with a metadata column.
func IsReserved(name string) bool {
	return reserved[strings.ToLower(name)]
}

// Columns maps column name -> type.
type Columns map[string]Type

// Names returns the column names sorted.
func (c Columns) Names() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Field is one record key mapped to its column.
type Field struct {
	Key    string
	Column string
	Type   Type
}

// Fields returns the data columns a record maps to, sorted by column name.
//
// Skipped keys:
//   - empty (after trimming) keys
//   - keys colliding with a metadata column
//   - keys whose column name case-insensitively equals an earlier one
func Fields(r records.Record) []Field {
	out := make([]Field, 0, len(r))
	seen := make(map[string]bool, len(r))
	for _, k := range r.Keys() {
		col := ColumnName(k)
		if col == "" || IsReserved(col) {
			continue
		}
		fold := strings.ToLower(col)
		if seen[fold] {
			continue
		}
		seen[fold] = true
		out = append(out, Field{Key: k, Column: col, Type: InferType(col, r[k])})
	}
	return out
}

// InferColumns returns every column needed to store r, including the two
// mandatory ones (id as text, last_sync_date_time as timestamp).
func InferColumns(r records.Record) Columns {
	out := make(Columns, len(r)+2)
	out[IDColumn] = Text
	out[LastSyncColumn] = Timestamp
	for _, f := range Fields(r) {
		out[f.Column] = f.Type
	}
	return out
}

// DiffColumns returns the required columns absent from existing, sorted.
// Comparison is case-insensitive, matching SQLite and SQL Server catalogs.
func DiffColumns(existing []string, required Columns) []string {
	return diffColumns(existing, required, strings.ToLower)
}

// DiffColumnsExact is DiffColumns for catalogs with case-sensitive quoted
// identifiers (Postgres): "OS" and "os" are different columns.
func DiffColumnsExact(existing []string, required Columns) []string {
	return diffColumns(existing, required, func(s string) string { return s })
}

func diffColumns(existing []string, required Columns, key func(string) string) []string {
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[key(c)] = true
	}
	var missing []string
	for _, name := range required.Names() {
		if !have[key(name)] {
			missing = append(missing, name)
		}
	}
	return missing
}

// MergeSample folds a batch into one sample record carrying every key seen,
// using the first non-null value per key so types come from real data.
func MergeSample(recs []records.Record) records.Record {
	out := make(records.Record)
	for _, r := range recs {
		for k, v := range r {
			cur, ok := out[k]
			if !ok || (cur == nil && v != nil) {
				out[k] = v
			}
		}
	}
	return out
}

// ColumnName maps a record key to a column name: trimmed, and cut to
// MaxColumnName bytes on a UTF-8 boundary.
func ColumnName(key string) string {
	s := strings.TrimSpace(key)
	if len(s) <= MaxColumnName {
		return s
	}
	cut := MaxColumnName
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

var timestampSynonyms = []string{"created", "updated", "modified", "enrolled"}

// IsTimestampName reports whether a column name alone implies a timestamp.
func IsTimestampName(name string) bool {
	n := strings.ToLower(name)
	if strings.Contains(n, "date") || strings.Contains(n, "time") {
		return true
	}
	if strings.HasSuffix(n, "_at") || strings.HasSuffix(n, "_on") {
		return true
	}
	for _, s := range timestampSynonyms {
		if strings.Contains(n, s) {
			return true
		}
	}
	return false
}

// InferType assigns a type to one field. Rules, first match wins:
//  1. timestamp-like name
//  2. bool
//  3. integral number -> Integer, other number -> Float
//  4. string parsing as a timestamp
//  5. array/object -> JSON
//  6. anything else -> Text
func InferType(name string, v any) Type {
	if IsTimestampName(name) {
		return Timestamp
	}
	switch x := v.(type) {
	case bool:
		return Boolean
	case json.Number:
		return numberType(x.String())
	case float64:
		if x == math.Trunc(x) && math.Abs(x) <= 1<<53 {
			return Integer
		}
		return Float
	case float32:
		return InferType(name, float64(x))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32:
		return Integer
	case string:
		if _, ok := ParseTimestamp(x); ok {
			return Timestamp
		}
		return Text
	case []any, map[string]any:
		return JSON
	default:
		return Text
	}
}

// numberType classifies a JSON number literal. Integral literals outside the
// int64 range are stored as text rather than losing precision in a float.
func numberType(s string) Type {
	if !strings.ContainsAny(s, ".eE") {
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Integer
		}
		return Text
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return Float
	}
	return Text
}
