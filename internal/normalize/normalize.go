package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DisplayLayout renders normalized timestamps the way the dashboard shows them.
const DisplayLayout = "01/02/2006, 03:04:05 PM"

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05,000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.ANSIC,
	time.UnixDate,
	"01/02/2006 15:04:05",
	"01/02/2006, 03:04:05 PM",
	"01/02/2006 03:04:05 PM",
	"02-Jan-2006 15:04:05.000",
	"Jan 2, 2006 3:04:05 PM",
	"January 2, 2006 15:04:05",
	"Jan 02 15:04:05",
	"Jan 2 15:04:05",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.Local
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if layout == "Jan 02 15:04:05" || layout == "Jan 2 15:04:05" {
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				now := time.Now().In(loc)
				return time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc), nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

// FormatTimestamp renders raw in DisplayLayout, or returns raw unchanged when
// it cannot be parsed.
func FormatTimestamp(raw string, loc *time.Location) string {
	ts, err := ParseTimestamp(raw, loc)
	if err != nil {
		return raw
	}
	if loc == nil {
		loc = time.Local
	}
	return ts.In(loc).Format(DisplayLayout)
}

func isNumeric(value string) bool {
	dots := 0
	for i, ch := range value {
		switch {
		case ch >= '0' && ch <= '9':
		case ch == '.' && i > 0:
			dots++
		default:
			return false
		}
	}
	return len(value) > 0 && dots <= 1
}

func parseUnix(value string) (time.Time, error) {
	if strings.Contains(value, ".") {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return time.Time{}, err
		}
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*float64(time.Second))).UTC(), nil
	}
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
