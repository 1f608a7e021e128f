package gen

import (
	"fmt"
	"io"

	"github.com/mattn/go-colorable"
)

// DefaultLoggerOptions
type DefaultLoggerOptions struct {
	// Disable makes the scheduler run without the default logger
	Disable bool
	// TimeFormat enables output time in the defined format. See https://pkg.go.dev/time#pkg-constants
	// Not defined format makes output time as a timestamp in nanoseconds.
	TimeFormat string
	// Output defines output for the log messages. By default it uses the
	// colorable stdout wrapper, so level coloring survives on Windows consoles.
	Output io.Writer
}

//
// default logger for the agem runtime. It writes to stdout unless another
// io.Writer is provided.
//

func CreateDefaultLogger(options DefaultLoggerOptions) LoggerBehavior {
	var l defaultLogger

	l.out = options.Output
	if l.out == nil {
		l.out = colorable.NewColorableStdout()
	}

	l.format = options.TimeFormat

	return &l
}

type defaultLogger struct {
	out    io.Writer
	format string
}

var levelColors = map[LogLevel]string{
	LogLevelTrace:   "\x1b[90m",
	LogLevelDebug:   "\x1b[36m",
	LogLevelInfo:    "\x1b[32m",
	LogLevelWarning: "\x1b[33m",
	LogLevelError:   "\x1b[31m",
	LogLevelPanic:   "\x1b[35m",
}

func (l *defaultLogger) Log(m MessageLog) {
	var t string
	var source string

	if l.format == "" {
		t = fmt.Sprintf("%d", m.Time.UnixNano())
	} else {
		t = m.Time.Format(l.format)
	}

	switch src := m.Source.(type) {
	case MessageLogScheduler:
		source = src.Name
	case MessageLogBlock:
		source = src.PID.String()
		if src.Name != "" {
			source = source + " " + src.Name
		}
	default:
		source = fmt.Sprintf("%v", m.Source)
	}

	color := levelColors[m.Level]
	reset := ""
	if color != "" {
		reset = "\x1b[0m"
	}

	message := fmt.Sprintf(m.Format, m.Args...)
	_, err := fmt.Fprintf(l.out, "%s [%s%s%s] %s: %s\n",
		t, color, m.Level, reset, source, message)
	if err != nil {
		fmt.Printf("(fallback) %s [%s] %s: %s\n", t, m.Level, source, message)
	}
}

func (l *defaultLogger) Terminate() {}
