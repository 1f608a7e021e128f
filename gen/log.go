package gen

import (
	"fmt"
	"time"
)

// LogLevel defines the verbosity of the runtime logging.
type LogLevel int

const (
	// LogLevelDefault is resolved to LogLevelInfo by the option normalizer.
	LogLevelDefault LogLevel = 0
	LogLevelTrace   LogLevel = 1
	LogLevelDebug   LogLevel = 2
	LogLevelInfo    LogLevel = 3
	LogLevelWarning LogLevel = 4
	LogLevelError   LogLevel = 5
	LogLevelPanic   LogLevel = 6
	// LogLevelDisabled suppresses everything.
	LogLevelDisabled LogLevel = 100
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDefault:
		return "default"
	case LogLevelTrace:
		return "trace"
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelWarning:
		return "warning"
	case LogLevelError:
		return "error"
	case LogLevelPanic:
		return "panic"
	case LogLevelDisabled:
		return "disabled"
	}
	return fmt.Sprintf("level#%d", int(l))
}

// Log is the logging facade the scheduler hands to its subsystems.
type Log interface {
	Level() LogLevel
	SetLevel(level LogLevel) error

	Trace(format string, args ...any)
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warning(format string, args ...any)
	Error(format string, args ...any)
	Panic(format string, args ...any)
}

// MessageLog is what a LoggerBehavior receives for every accepted message.
type MessageLog struct {
	Time   time.Time
	Level  LogLevel
	Source any // MessageLogScheduler or MessageLogBlock
	Format string
	Args   []any
}

// MessageLogScheduler marks a message produced by the scheduler itself.
type MessageLogScheduler struct {
	Name string
}

// MessageLogBlock marks a message produced on behalf of a block.
type MessageLogBlock struct {
	PID  PID
	Name string
}

// LoggerBehavior is the sink interface. The default implementation writes
// to a console; custom sinks receive the raw MessageLog.
type LoggerBehavior interface {
	Log(message MessageLog)
	Terminate()
}
