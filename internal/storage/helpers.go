package storage

import (
	"database/sql"
	"time"
)

// NullableString maps "" to SQL NULL.
func NullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// UnixNano stores t as integer nanoseconds.
func UnixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// NullableUnixNano maps a nil time to SQL NULL.
func NullableUnixNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

// FromUnixNano is the inverse of UnixNano.
func FromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// FromNullUnixNano returns nil for NULL.
func FromNullUnixNano(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := FromUnixNano(n.Int64)
	return &t
}

// BoolToInt stores a bool in an INTEGER column.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// Placeholders returns "?,?,..." with count markers.
func Placeholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
