package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

// JSONLogEntry defines a log entry, one JSON object per line
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Message   string                 `json:"message"`
	Severity  string                 `json:"severity,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Component string                 `json:"component,omitempty"`
}

// String renders the entry as JSON, defaulting the severity to INFO.
func (e JSONLogEntry) String() string {
	if e.Severity == "" {
		e.Severity = "INFO"
	}
	out, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"message":%q,"severity":"ERROR"}`, "json.Marshal: "+err.Error())
	}
	return string(out)
}

type jsonLogger struct {
	metadata  map[string]interface{}
	component []string
	level     LogLevel
	out       io.Writer
	mu        *sync.Mutex
	now       func() time.Time
}

var _ Logger = (*jsonLogger)(nil)

func (c *jsonLogger) clone() *jsonLogger {
	cp := *c
	cp.metadata = copyMetadata(c.metadata, nil)
	cp.component = slices.Clone(c.component)
	return &cp
}

func (c *jsonLogger) With(metadata map[string]interface{}) Logger {
	cp := c.clone()
	cp.metadata = copyMetadata(c.metadata, metadata)
	if comp, ok := cp.metadata["component"].(string); ok {
		cp.component = appendPrefix(cp.component, comp)
		delete(cp.metadata, "component")
	}
	return cp
}

// WithPrefix adds prefix to the entry's component field
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	cp := c.clone()
	cp.component = appendPrefix(c.component, strings.Trim(prefix, "[]"))
	return cp
}

func (c *jsonLogger) log(level LogLevel, severity string, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	entry := JSONLogEntry{
		Timestamp: c.now(),
		Message:   msg,
		Severity:  severity,
		Component: strings.Join(c.component, ", "),
	}
	if len(c.metadata) > 0 {
		entry.Metadata = c.metadata
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, entry.String()+"\n")
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) { c.log(LevelTrace, "TRACE", msg, args...) }
func (c *jsonLogger) Debug(msg string, args ...interface{}) { c.log(LevelDebug, "DEBUG", msg, args...) }
func (c *jsonLogger) Info(msg string, args ...interface{})  { c.log(LevelInfo, "INFO", msg, args...) }
func (c *jsonLogger) Warn(msg string, args ...interface{}) {
	c.log(LevelWarn, "WARNING", msg, args...)
}
func (c *jsonLogger) Error(msg string, args ...interface{}) { c.log(LevelError, "ERROR", msg, args...) }

func (c *jsonLogger) Fatal(msg string, args ...interface{}) {
	c.log(LevelError, "CRITICAL", msg, args...)
	os.Exit(1)
}

func (c *jsonLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.level && level < LevelNone
}

// NewJSONLogger returns a new Logger instance which can be used for structured logging
func NewJSONLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return NewJSONLoggerWithWriter(os.Stdout, level)
}

// NewJSONLoggerWithWriter returns a JSON Logger writing one entry per line to w.
func NewJSONLoggerWithWriter(w io.Writer, level LogLevel) Logger {
	return &jsonLogger{
		level: level,
		out:   w,
		mu:    &sync.Mutex{},
		now:   time.Now,
	}
}
