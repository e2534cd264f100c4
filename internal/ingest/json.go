package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"healthmon/internal/model"
)

// DecodeHealthEvent parses one JSON health message. Keys are matched
// case-insensitively and both camelCase and snake_case names are accepted.
// Each applicationLogs element may be a string or an object.
func DecodeHealthEvent(data []byte) (model.HealthEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return model.HealthEvent{}, err
	}
	if obj == nil {
		return model.HealthEvent{}, errors.New("health event is not an object")
	}
	return ParseJSONMap(obj), nil
}

func ParseJSONMap(obj map[string]interface{}) model.HealthEvent {
	fields := lowerKeys(obj)
	ev := model.HealthEvent{
		CPUUsage:      toFloat(firstValue(fields, "cpuusage", "cpu_usage", "cpu")),
		MemoryUsage:   toFloat(firstValue(fields, "memoryusage", "memory_usage", "memory", "mem")),
		ServiceUptime: toFloat(firstValue(fields, "serviceuptime", "service_uptime", "uptime")),
		Timestamp:     toString(firstValue(fields, "timestamp", "time", "ts")),
	}
	ev.ActiveConnections = int(toFloat(firstValue(fields, "activeconnections", "active_connections", "connections")))
	if logs, ok := firstValue(fields, "applicationlogs", "application_logs", "logs").([]interface{}); ok {
		ev.ApplicationLogs = make([]model.RawLogLine, 0, len(logs))
		for _, item := range logs {
			ev.ApplicationLogs = append(ev.ApplicationLogs, parseLogLine(item))
		}
	}
	return ev
}

func parseLogLine(item interface{}) model.RawLogLine {
	switch v := item.(type) {
	case string:
		return model.FreeText(v)
	case map[string]interface{}:
		fields := lowerKeys(v)
		return model.Structured(
			firstNonEmpty(fields, "level", "severity", "loglevel"),
			firstNonEmpty(fields, "timestamp", "time", "ts", "date"),
			firstNonEmpty(fields, "message", "msg", "text"),
		)
	case nil:
		return model.FreeText("")
	default:
		return model.FreeText(toString(v))
	}
}

func lowerKeys(obj map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(obj))
	for key, val := range obj {
		out[strings.ToLower(key)] = val
	}
	return out
}

func firstValue(fields map[string]interface{}, keys ...string) interface{} {
	for _, key := range keys {
		if v, ok := fields[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstNonEmpty(fields map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s := toString(fields[key]); s != "" {
			return s
		}
	}
	return ""
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(t), "%"), 64)
		return f
	default:
		return 0
	}
}
