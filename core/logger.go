package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel controls which lines a ProductionLogger emits.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLogLevel maps a config string to a LogLevel. Unknown values fall
// back to info.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// ProductionLogger writes one JSON object per line. It is safe for
// concurrent use.
type ProductionLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     LogLevel
	component string
}

// NewProductionLogger creates a logger writing to stdout at the given level.
func NewProductionLogger(level LogLevel) *ProductionLogger {
	return &ProductionLogger{out: os.Stdout, level: level}
}

// NewProductionLoggerWithOutput creates a logger with an explicit sink,
// mostly useful in tests.
func NewProductionLoggerWithOutput(out io.Writer, level LogLevel) *ProductionLogger {
	return &ProductionLogger{out: out, level: level}
}

// WithComponent returns a logger that stamps every line with the component
// name. The underlying writer and level are shared.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{out: l.out, level: l.level, component: component}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(LevelInfo, "info", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LevelError, "error", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(LevelWarn, "warn", msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(LevelDebug, "debug", msg, fields)
}

func (l *ProductionLogger) log(level LogLevel, name, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		// Errors and stringers do not marshal usefully as-is.
		switch tv := v.(type) {
		case error:
			entry[k] = tv.Error()
		case fmt.Stringer:
			entry[k] = tv.String()
		default:
			entry[k] = v
		}
	}
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = name
	entry["message"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}

	data, err := json.Marshal(entry)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"level":%q,"message":%q,"marshal_error":%q}`, name, msg, err.Error()))
	}

	l.mu.Lock()
	_, _ = l.out.Write(append(data, '\n'))
	l.mu.Unlock()
}
