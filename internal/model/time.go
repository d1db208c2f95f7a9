package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrBadTimestamp is returned when a time value cannot be normalized.
var ErrBadTimestamp = errors.New("unrecognized timestamp")

const dateLayout = "2006-01-02"

// Accepted string layouts, tried in order. Zone-less layouts are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	dateLayout,
}

// ParseTimestamp normalizes a JSON time value: an ISO-8601 string, a
// calendar date string, a numeric string, or a numeric epoch.
func ParseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, ErrBadTimestamp
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrBadTimestamp, err)
		}
		return ParseTimestampString(s)
	}

	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrBadTimestamp, raw)
	}
	return FromEpoch(f)
}

// ParseTimestampString parses an ISO-8601 timestamp, a calendar date or a
// numeric epoch rendered as a string.
func ParseTimestampString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrBadTimestamp
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return FromEpoch(f)
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}

// FromEpoch converts a numeric epoch to time. The unit is inferred from the
// magnitude: seconds, milliseconds, microseconds or nanoseconds.
func FromEpoch(v float64) (time.Time, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return time.Time{}, fmt.Errorf("%w: %v", ErrBadTimestamp, v)
	}
	switch {
	case v < 1e11:
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	case v < 1e14:
		return time.UnixMilli(int64(v)).UTC(), nil
	case v < 1e17:
		return time.UnixMicro(int64(v)).UTC(), nil
	default:
		return time.Unix(0, int64(v)).UTC(), nil
	}
}

// BucketKey identifies one UTC calendar day: Unix seconds at 00:00 UTC.
type BucketKey int64

// BucketOf returns the day bucket containing t.
func BucketOf(t time.Time) BucketKey {
	u := t.UTC()
	day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return BucketKey(day.Unix())
}

// Time returns the start of the bucket.
func (k BucketKey) Time() time.Time {
	return time.Unix(int64(k), 0).UTC()
}

// String renders the bucket as a calendar date, the form chart consumers use.
func (k BucketKey) String() string {
	return k.Time().Format(dateLayout)
}

// ParseBucketKey reduces any supported time representation to a bucket key,
// so "2024-01-15", "2024-01-15T10:00:00Z" and 1705312800 land in the same
// bucket.
func ParseBucketKey(v any) (BucketKey, error) {
	switch x := v.(type) {
	case BucketKey:
		return x, nil
	case time.Time:
		if x.IsZero() {
			return 0, ErrBadTimestamp
		}
		return BucketOf(x), nil
	case string:
		t, err := ParseTimestampString(x)
		if err != nil {
			return 0, err
		}
		return BucketOf(t), nil
	case json.Number:
		return ParseBucketKey(string(x))
	case json.RawMessage:
		t, err := ParseTimestamp(x)
		if err != nil {
			return 0, err
		}
		return BucketOf(t), nil
	case int:
		return ParseBucketKey(float64(x))
	case int64:
		return ParseBucketKey(float64(x))
	case float64:
		t, err := FromEpoch(x)
		if err != nil {
			return 0, err
		}
		return BucketOf(t), nil
	}
	return 0, fmt.Errorf("%w: unsupported type %T", ErrBadTimestamp, v)
}
