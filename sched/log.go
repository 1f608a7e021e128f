package sched

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/agem-lang/agem/gen"
)

// log is the gen.Log implementation handed to the scheduler and, with a
// block source, to anything acting on behalf of a block.
type log struct {
	level  int32
	logger gen.LoggerBehavior
	source any
}

func createLog(level gen.LogLevel, logger gen.LoggerBehavior, source any) *log {
	return &log{
		level:  int32(level),
		logger: logger,
		source: source,
	}
}

// withSource clones the facade for a different source, sharing the sink.
func (l *log) withSource(source any) *log {
	return &log{
		level:  atomic.LoadInt32(&l.level),
		logger: l.logger,
		source: source,
	}
}

func (l *log) Level() gen.LogLevel {
	return gen.LogLevel(atomic.LoadInt32(&l.level))
}

func (l *log) SetLevel(level gen.LogLevel) error {
	switch level {
	case gen.LogLevelTrace, gen.LogLevelDebug, gen.LogLevelInfo,
		gen.LogLevelWarning, gen.LogLevelError, gen.LogLevelPanic,
		gen.LogLevelDisabled:
		atomic.StoreInt32(&l.level, int32(level))
		return nil
	}
	return fmt.Errorf("%w: log level %d", gen.ErrIncorrect, int(level))
}

func (l *log) Trace(format string, args ...any) {
	l.write(gen.LogLevelTrace, format, args)
}
func (l *log) Debug(format string, args ...any) {
	l.write(gen.LogLevelDebug, format, args)
}
func (l *log) Info(format string, args ...any) {
	l.write(gen.LogLevelInfo, format, args)
}
func (l *log) Warning(format string, args ...any) {
	l.write(gen.LogLevelWarning, format, args)
}
func (l *log) Error(format string, args ...any) {
	l.write(gen.LogLevelError, format, args)
}
func (l *log) Panic(format string, args ...any) {
	l.write(gen.LogLevelPanic, format, args)
}

func (l *log) write(level gen.LogLevel, format string, args []any) {
	if level < l.Level() || l.logger == nil {
		return
	}
	l.logger.Log(gen.MessageLog{
		Time:   time.Now(),
		Level:  level,
		Source: l.source,
		Format: format,
		Args:   args,
	})
}
