package normalize

import (
	"regexp"
	"strings"
	"time"

	"healthmon/internal/model"
)

var freeTextPattern = regexp.MustCompile(`(?s)^(\S.*?)\s+\[([^\]]*)\]\s+(.*)$`)

// Classifier turns raw log lines into classified entries. The zero value
// formats in time.Local and uses the wall clock.
type Classifier struct {
	Location *time.Location
	Now      func() time.Time
}

var defaultClassifier Classifier

// Classify uses the default Classifier.
func Classify(raw model.RawLogLine) model.ClassifiedLogEntry {
	return defaultClassifier.Classify(raw)
}

func (c Classifier) Classify(raw model.RawLogLine) model.ClassifiedLogEntry {
	switch raw.Kind {
	case model.RawStructured:
		rawTS := strings.TrimSpace(raw.Timestamp)
		if rawTS == "" {
			// The empty raw timestamp keeps the dedup key stable across
			// redelivery; only the display time is taken from the clock.
			entry := c.now(ParseLevel(raw.Level), raw.Message)
			entry.RawTimestamp = ""
			return entry
		}
		return model.ClassifiedLogEntry{
			Level:        ParseLevel(raw.Level),
			Timestamp:    FormatTimestamp(rawTS, c.Location),
			RawTimestamp: rawTS,
			Message:      raw.Message,
		}
	default:
		m := freeTextPattern.FindStringSubmatch(raw.Text)
		if m == nil {
			return c.now(model.LevelInfo, raw.Text)
		}
		prefix := strings.TrimSpace(m[1])
		return model.ClassifiedLogEntry{
			Level:        levelFromCode(m[2]),
			Timestamp:    FormatTimestamp(prefix, c.Location),
			RawTimestamp: prefix,
			Message:      m[3],
		}
	}
}

func (c Classifier) now(level model.Level, message string) model.ClassifiedLogEntry {
	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}
	return model.ClassifiedLogEntry{
		Level:        level,
		Timestamp:    now.In(loc).Format(DisplayLayout),
		RawTimestamp: now.UTC().Format(time.RFC3339Nano),
		Message:      message,
	}
}

// ParseLevel maps a structured level name onto the three known levels.
// Unknown and empty names are info.
func ParseLevel(name string) model.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "error", "err", "fatal", "critical", "severe":
		return model.LevelError
	case "warning", "warn", "wrn":
		return model.LevelWarning
	default:
		return model.LevelInfo
	}
}

func levelFromCode(code string) model.Level {
	code = strings.ToUpper(strings.TrimSpace(code))
	switch {
	case strings.HasPrefix(code, "WRN"):
		return model.LevelWarning
	case strings.HasPrefix(code, "ERR"):
		return model.LevelError
	default:
		return model.LevelInfo
	}
}
