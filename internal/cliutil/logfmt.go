package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Paintersrp/launchpad/internal/runtime"
)

// LogRecord represents one line of task output ready for JSON encoding.
type LogRecord struct {
	Timestamp time.Time `json:"ts"`
	Task      string    `json:"task"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	Source    string    `json:"source"`
}

// NewLogRecord converts a captured output line into a structured record.
// Stderr lines default to warn, launcher notices to warn, the rest to info
// unless the text carries a level token.
func NewLogRecord(ts time.Time, task, source, text string) LogRecord {
	if source == "" {
		source = runtime.LogSourceStdout
	}
	level := inferLogLevel(text)
	if level == "" {
		switch source {
		case runtime.LogSourceStderr, runtime.LogSourceSystem:
			level = "warn"
		default:
			level = "info"
		}
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return LogRecord{
		Timestamp: ts,
		Task:      task,
		Level:     level,
		Message:   RedactSecrets(text),
		Source:    source,
	}
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|warning|info|debug)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn", "warning":
		return "warn"
	case "info":
		return "info"
	case "debug":
		return "debug"
	default:
		return ""
	}
}

// EncodeLogRecord encodes record as JSON, reporting errors to stderr.
func EncodeLogRecord(enc *json.Encoder, stderr io.Writer, record LogRecord) {
	if enc == nil {
		return
	}
	if err := enc.Encode(&record); err != nil && stderr != nil {
		fmt.Fprintf(stderr, "error: encode log: %v\n", err)
	}
}
