package model

import "time"

type ServiceKind string

const (
	KindGeneric ServiceKind = "generic"
	KindTomcat  ServiceKind = "tomcat"
)

type RegisteredService struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Address string      `json:"url"`
	Port    int         `json:"port"`
	Kind    ServiceKind `json:"kind"`
}

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Status string

const (
	StatusConnecting Status = "Connecting"
	StatusRunning    Status = "Running"
	StatusStopped    Status = "Stopped"
)

// RawLogKind tags which half of RawLogLine is populated.
type RawLogKind int

const (
	RawStructured RawLogKind = iota
	RawFreeText
)

// RawLogLine is either a structured record or a free-text line.
// Level is empty when the structured record carried no level.
type RawLogLine struct {
	Kind      RawLogKind
	Level     string
	Timestamp string
	Message   string
	Text      string
}

func Structured(level, timestamp, message string) RawLogLine {
	return RawLogLine{Kind: RawStructured, Level: level, Timestamp: timestamp, Message: message}
}

func FreeText(text string) RawLogLine {
	return RawLogLine{Kind: RawFreeText, Text: text}
}

type ClassifiedLogEntry struct {
	Level        Level  `json:"level"`
	Timestamp    string `json:"timestamp"`
	RawTimestamp string `json:"raw_timestamp"`
	Message      string `json:"message"`
}

type HealthEvent struct {
	CPUUsage          float64      `json:"cpu_usage"`
	MemoryUsage       float64      `json:"memory_usage"`
	ActiveConnections int          `json:"active_connections"`
	ServiceUptime     float64      `json:"service_uptime"`
	Timestamp         string       `json:"timestamp"`
	ApplicationLogs   []RawLogLine `json:"-"`
}

type MetricsSnapshot struct {
	CPUUsage          float64   `json:"cpu_usage"`
	MemoryUsage       float64   `json:"memory_usage"`
	ActiveConnections int       `json:"active_connections"`
	ServiceUptime     float64   `json:"service_uptime"`
	LastUpdate        time.Time `json:"last_update"`
}

type NotificationRecord struct {
	ID           int64              `json:"id"`
	Severity     Level              `json:"type"`
	Message      string             `json:"message"`
	RawTimestamp string             `json:"timestamp"`
	ServiceID    string             `json:"service_id"`
	ServiceName  string             `json:"service_name"`
	Read         bool               `json:"read"`
	CreatedAt    time.Time          `json:"created_at"`
	Entry        ClassifiedLogEntry `json:"log_details"`
}

// DedupKey identifies one log occurrence for notification purposes.
type DedupKey struct {
	ServiceID    string
	RawTimestamp string
	Level        Level
	Message      string
}

func (k DedupKey) String() string {
	return k.ServiceID + "|" + k.RawTimestamp + "|" + string(k.Level) + "|" + k.Message
}

// Key returns the dedup key of the log entry that produced r.
func (r NotificationRecord) Key() DedupKey {
	return DedupKey{ServiceID: r.ServiceID, RawTimestamp: r.Entry.RawTimestamp, Level: r.Entry.Level, Message: r.Entry.Message}
}

// Delivery is one outbound notification for the email, SMS and broker channels.
type Delivery struct {
	ServiceID   string    `json:"service_id"`
	ServiceName string    `json:"service_name"`
	Severity    Level     `json:"type"`
	Message     string    `json:"message"`
	Timestamp   string    `json:"timestamp"`
	Emails      []string  `json:"-"`
	Phones      []string  `json:"-"`
	Email       bool      `json:"-"`
	SMS         bool      `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}
