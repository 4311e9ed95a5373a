// Package log provides structured logging with pipeline run context.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for the executor and storage paths (structured fields)
//   - SugaredLogger: Printf-style logging for CLI surfaces
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RunContext identifies the pipeline run a logger reports for.
// Empty fields are omitted from log entries.
type RunContext struct {
	SessionID string
	Pipeline  string
	Instance  string
	RunID     string
}

// Logger provides structured logging with run context.
type Logger struct {
	zap    *zap.Logger
	fields []zap.Field
}

// SugaredLogger provides printf-style logging for CLI surfaces.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a new logger with run context.
// Output defaults to os.Stderr.
func NewLogger(rc RunContext) *Logger {
	return newLoggerWithWriter(rc, os.Stderr)
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// WithOutput returns a new logger with a different output writer.
// Context fields carry over to the new logger.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	return &Logger{zap: zap.New(newCore(w)).With(l.fields...), fields: l.fields}
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields map[string]any) *Logger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	all := make([]zap.Field, 0, len(l.fields)+len(zf))
	all = append(all, l.fields...)
	all = append(all, zf...)
	return &Logger{zap: l.zap.With(zf...), fields: all}
}

func newCore(w io.Writer) zapcore.Core {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	return zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)
}

// newLoggerWithWriter creates a logger writing to the specified writer.
func newLoggerWithWriter(rc RunContext, w io.Writer) *Logger {
	contextFields := make([]zap.Field, 0, 4)
	if rc.SessionID != "" {
		contextFields = append(contextFields, zap.String("session", rc.SessionID))
	}
	if rc.Pipeline != "" {
		contextFields = append(contextFields, zap.String("pipeline", rc.Pipeline))
	}
	if rc.Instance != "" {
		contextFields = append(contextFields, zap.String("instance", rc.Instance))
	}
	if rc.RunID != "" {
		contextFields = append(contextFields, zap.String("run_id", rc.RunID))
	}

	return &Logger{zap: zap.New(newCore(w)).With(contextFields...), fields: contextFields}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]any) {
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]any) {
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]any) {
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]any) {
	l.zap.Error(message, zap.Any("fields", fields))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) {
	s.sugar.Debugf(template, args...)
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) {
	s.sugar.Errorf(template, args...)
}

// With returns a SugaredLogger with additional context fields.
func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{sugar: s.sugar.With(args...)}
}
