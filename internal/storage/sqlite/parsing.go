package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/vulnsweep/vulnsweep/internal/types"
)

// Timestamps are stored as TEXT; the modernc driver does not auto-convert
// TEXT columns to time.Time, so formatting and parsing are explicit.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseTimeString parses a required timestamp column. Returns zero time if
// parsing fails, which shouldn't happen with data this package wrote.
func parseTimeString(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// parseNullableTimeString parses a nullable timestamp column.
func parseNullableTimeString(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTimeString(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

// parseJSONStringArray parses a JSON string array from a TEXT column.
func parseJSONStringArray(s string) []string {
	if s == "" {
		return nil
	}
	var result []string
	if err := json.Unmarshal([]byte(s), &result); err != nil {
		return nil
	}
	return result
}

// formatJSONStringArray formats a string slice as JSON for storage.
func formatJSONStringArray(arr []string) string {
	if len(arr) == 0 {
		return ""
	}
	data, err := json.Marshal(arr)
	if err != nil {
		return ""
	}
	return string(data)
}

func nullableReason(r *types.DismissalReason) any {
	if r == nil {
		return nil
	}
	return string(*r)
}

func parseNullableReason(ns sql.NullString) *types.DismissalReason {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	r := types.DismissalReason(ns.String)
	return &r
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func parseNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullableInt64(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func parseNullableInt64(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	n := ni.Int64
	return &n
}
