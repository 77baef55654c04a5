package storage

import (
	"fmt"
	"strings"
)

// NormalizeKey converts a scanned catalog or hash value to a trimmed string.
//
// Drivers disagree on what a TEXT/NVARCHAR column scans into (string, []byte,
// or nil for NULL); backends pass scanned values through here before comparing.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int64:
		return fmt.Sprintf("%d", t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
