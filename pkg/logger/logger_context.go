package logger

import (
	"context"
	"sort"

	pcontext "github.com/pageforge/pageforge/pkg/context"
)

// LoggerContext extends the Logger interface with context-aware methods.
type LoggerContext interface {
	Logger
	InfoContext(ctx context.Context, message string, fields ...Field)
	ErrorContext(ctx context.Context, message string, fields ...Field)
	WarnContext(ctx context.Context, message string, fields ...Field)
	DebugContext(ctx context.Context, message string, fields ...Field)
	SuccessContext(ctx context.Context, message string, fields ...Field)
}

var _ LoggerContext = (*TaskLogger)(nil)

// InfoContext logs an info message with run tracing
func (l *TaskLogger) InfoContext(ctx context.Context, message string, fields ...Field) {
	l.Info(message, append(extractContextFields(ctx), fields...)...)
}

// ErrorContext logs an error message with run tracing
func (l *TaskLogger) ErrorContext(ctx context.Context, message string, fields ...Field) {
	l.Error(message, append(extractContextFields(ctx), fields...)...)
}

// WarnContext logs a warning message with run tracing
func (l *TaskLogger) WarnContext(ctx context.Context, message string, fields ...Field) {
	l.Warn(message, append(extractContextFields(ctx), fields...)...)
}

// DebugContext logs a debug message with run tracing
func (l *TaskLogger) DebugContext(ctx context.Context, message string, fields ...Field) {
	l.Debug(message, append(extractContextFields(ctx), fields...)...)
}

// SuccessContext logs a success message with run tracing
func (l *TaskLogger) SuccessContext(ctx context.Context, message string, fields ...Field) {
	l.Success(message, append(extractContextFields(ctx), fields...)...)
}

// extractContextFields extracts tracing fields from context in key order
func extractContextFields(ctx context.Context) []Field {
	if ctx == nil {
		return nil
	}

	tracing := pcontext.TracingFields(ctx)

	keys := make([]string, 0, len(tracing))
	for k := range tracing {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, WithField(k, tracing[k]))
	}
	return fields
}

// WithContext creates a logger that automatically includes context fields
func WithContext(ctx context.Context, log Logger) Logger {
	if ctx == nil {
		return log
	}
	return &contextualLogger{ctx: ctx, logger: log}
}

// contextualLogger wraps a logger with automatic context field extraction
type contextualLogger struct {
	ctx    context.Context
	logger Logger
}

func (cl *contextualLogger) Info(message string, fields ...Field) {
	if lc, ok := cl.logger.(LoggerContext); ok {
		lc.InfoContext(cl.ctx, message, fields...)
	} else {
		cl.logger.Info(message, fields...)
	}
}

func (cl *contextualLogger) Error(message string, fields ...Field) {
	if lc, ok := cl.logger.(LoggerContext); ok {
		lc.ErrorContext(cl.ctx, message, fields...)
	} else {
		cl.logger.Error(message, fields...)
	}
}

func (cl *contextualLogger) Warn(message string, fields ...Field) {
	if lc, ok := cl.logger.(LoggerContext); ok {
		lc.WarnContext(cl.ctx, message, fields...)
	} else {
		cl.logger.Warn(message, fields...)
	}
}

func (cl *contextualLogger) Debug(message string, fields ...Field) {
	if lc, ok := cl.logger.(LoggerContext); ok {
		lc.DebugContext(cl.ctx, message, fields...)
	} else {
		cl.logger.Debug(message, fields...)
	}
}

func (cl *contextualLogger) Success(message string, fields ...Field) {
	if lc, ok := cl.logger.(LoggerContext); ok {
		lc.SuccessContext(cl.ctx, message, fields...)
	} else {
		cl.logger.Success(message, fields...)
	}
}

func (cl *contextualLogger) WithTask(task string) Logger {
	return &contextualLogger{
		ctx:    cl.ctx,
		logger: cl.logger.WithTask(task),
	}
}
