package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// timestampLayouts are tried in order by ParseTimestamp. Layouts without a
// zone are interpreted as UTC.
var timestampLayouts = []struct {
	layout string
	zoned  bool
}{
	{time.RFC3339Nano, true},
	{time.RFC3339, true},
	{"2006-01-02 15:04:05Z07:00", true},
	{"2006-01-02 15:04:05.999999999Z07:00", true},
	{"2006-01-02T15:04:05.999999999", false},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02 15:04:05.999999999", false},
	{"2006-01-02 15:04:05", false},
}

// ParseTimestamp parses the date-time shapes upstream payloads use:
// RFC 3339 with or without fractional seconds, and space-separated date-time.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	// Cheap shape check before trying layouts: YYYY-MM-DD?HH
	if len(s) < 13 || s[4] != '-' || s[7] != '-' || (s[10] != 'T' && s[10] != ' ') {
		return time.Time{}, false
	}
	for _, l := range timestampLayouts {
		var (
			t   time.Time
			err error
		)
		if l.zoned {
			t, err = time.Parse(l.layout, s)
		} else {
			t, err = time.ParseInLocation(l.layout, s, time.UTC)
		}
		if err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// TimestampLayout is the canonical stored form: RFC 3339 in UTC with at most
// microsecond precision, which every backend column type can hold.
const TimestampLayout = "2006-01-02T15:04:05.999999Z07:00"

// FormatTimestamp renders t in TimestampLayout. Sub-microsecond digits are
// truncated and trailing fractional zeros are dropped.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(TimestampLayout)
}

// NormalizeTimestamp rewrites a parseable timestamp to the canonical form and
// returns anything else unchanged.
func NormalizeTimestamp(s string) string {
	t, ok := ParseTimestamp(s)
	if !ok {
		return s
	}
	return FormatTimestamp(t)
}

// Stringify converts a record value to what the backends bind: nil for JSON
// null, otherwise a string. Values in timestamp columns are normalized.
func Stringify(v any, t Type) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if t == Timestamp {
			return NormalizeTimestamp(x)
		}
		return x
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case time.Time:
		return FormatTimestamp(x)
	case []any, map[string]any:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(raw)
	default:
		return fmt.Sprint(x)
	}
}
