package syncengine

// LogLevel describes the chosen log level.
type LogLevel int

const (
	// LogLevelNone means no logging.
	LogLevelNone LogLevel = iota
	// LogLevelTrace turns on trace logs, including every frame on the wire.
	LogLevelTrace
	// LogLevelDebug turns on debug logs.
	LogLevelDebug
	// LogLevelInfo turns on info logs.
	LogLevelInfo
	// LogLevelWarn turns on warning logs.
	LogLevelWarn
	// LogLevelError turns on error logs.
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelNone:  "none",
	LogLevelTrace: "trace",
	LogLevelDebug: "debug",
	LogLevelInfo:  "info",
	LogLevelWarn:  "warn",
	LogLevelError: "error",
}

// LogLevelToString converts a LogLevel to its string representation.
func LogLevelToString(l LogLevel) string {
	return logLevelNames[l]
}

// ParseLogLevel converts a level name back to a LogLevel. Unknown names map to LogLevelInfo.
func ParseLogLevel(s string) LogLevel {
	for l, name := range logLevelNames {
		if name == s {
			return l
		}
	}
	return LogLevelInfo
}

// LogEntry represents a log entry.
type LogEntry struct {
	Level   LogLevel
	Message string
	Fields  map[string]any
}

func newLogEntry(level LogLevel, message string, fields ...map[string]any) LogEntry {
	var f map[string]any
	if len(fields) > 0 {
		f = fields[0]
	}
	return LogEntry{
		Level:   level,
		Message: message,
		Fields:  f,
	}
}

// LogHandler handles log entries - i.e. writes them to output.
type LogHandler func(LogEntry)

type logger struct {
	level   LogLevel
	handler LogHandler
}

func newLogger(level LogLevel, handler LogHandler) *logger {
	return &logger{
		level:   level,
		handler: handler,
	}
}

// log calls the handler with the entry if its level is enabled.
func (l *logger) log(entry LogEntry) {
	if l == nil || l.handler == nil {
		return
	}
	if l.enabled(entry.Level) {
		l.handler(entry)
	}
}

// enabled says whether the level is enabled, so callers can skip building fields.
func (l *logger) enabled(level LogLevel) bool {
	if l == nil || l.handler == nil {
		return false
	}
	return level >= l.level && l.level != LogLevelNone
}
