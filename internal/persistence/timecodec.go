package persistence

import (
	"database/sql"
	"fmt"
	"time"
)

// timeLayout is fixed width, so text order equals time order in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t the way the store persists timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}

func parseNullTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// nowText returns the store clock as stored text, truncated to the layout's
// precision so a parsed value round-trips exactly.
func (s *Store) nowText() (string, time.Time) {
	text := FormatTime(s.now())
	t, _ := time.Parse(timeLayout, text)
	return text, t
}
