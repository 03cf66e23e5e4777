package telemetry

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// LogEntry is one normalised log line reported by a bot.
type LogEntry struct {
	Level     string         `json:"level_name"`
	Message   string         `json:"msg"`
	Timestamp float64        `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// IsError reports whether the entry belongs in the error buffer.
func (e LogEntry) IsError() bool {
	return strings.EqualFold(e.Level, "ERROR")
}

// ParseLog normalises a raw log payload. Objects may name the level as
// level_name, levelname or level, the text as msg or message and the time
// as timestamp, time or now. Anything that is not an object is treated as
// an INFO line whose text is the payload itself.
func ParseLog(payload []byte, now time.Time) LogEntry {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return LogEntry{Level: "INFO", Message: plainText(payload), Timestamp: unixSeconds(now)}
	}

	e := LogEntry{
		Level:   firstString(fields, "INFO", "level_name", "levelname", "level"),
		Message: firstString(fields, "", "msg", "message"),
		Fields:  fields,
	}
	e.Timestamp = unixSeconds(now)
	for _, k := range []string{"timestamp", "time", "now"} {
		if ts, ok := asFloat(fields[k]); ok {
			e.Timestamp = ts
			break
		}
	}
	return e
}

func plainText(payload []byte) string {
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	return string(payload)
}

func firstString(fields map[string]any, def string, keys ...string) string {
	for _, k := range keys {
		if s, ok := fields[k].(string); ok && s != "" {
			return s
		}
	}
	return def
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func unixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}
