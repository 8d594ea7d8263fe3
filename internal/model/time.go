package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// TimeFormat is the wire and storage format for all timestamps: ISO-8601
// with millisecond precision.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Time is a timestamp that marshals to ISO-8601 with millisecond precision
// in both JSON and SQL.
type Time struct {
	time.Time
}

// Now returns the current time truncated to millisecond precision.
func Now() Time {
	return Time{time.Now().UTC().Truncate(time.Millisecond)}
}

// NewTime wraps a time.Time, truncating to millisecond precision.
func NewTime(t time.Time) Time {
	return Time{t.UTC().Truncate(time.Millisecond)}
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Format(TimeFormat))
}

func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "failed to unmarshal timestamp")
	}
	parsed, err := time.Parse(TimeFormat, s)
	if err != nil {
		// Accept plain RFC 3339 from clients that omit milliseconds.
		parsed, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return errors.Wrapf(err, "invalid timestamp %q", s)
		}
	}
	t.Time = parsed.UTC().Truncate(time.Millisecond)
	return nil
}

// Value implements driver.Valuer so timestamps land in SQLite as text.
func (t Time) Value() (driver.Value, error) {
	return t.Format(TimeFormat), nil
}

// Scan implements sql.Scanner.
func (t *Time) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := time.Parse(TimeFormat, v)
		if err != nil {
			return errors.Wrapf(err, "invalid stored timestamp %q", v)
		}
		t.Time = parsed.UTC()
		return nil
	case time.Time:
		t.Time = v.UTC().Truncate(time.Millisecond)
		return nil
	default:
		return errors.Errorf("cannot scan %T into model.Time", src)
	}
}
