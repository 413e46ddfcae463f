// Package context carries run tracing values through task execution
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

// Context keys for run tracing
const (
	runIDKey ctxKey = iota
	taskKey
	triggerKey
	startTimeKey
)

const (
	unknownRun  = "unknown-run"
	unknownTask = "unknown-task"
)

// WithRunID adds a run ID to the context
func WithRunID(parent context.Context, runID string) context.Context {
	if runID == "" {
		runID = GenerateRunID()
	}
	return context.WithValue(parent, runIDKey, runID)
}

// GetRunID retrieves the run ID from context
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok && id != "" {
		return id
	}
	return unknownRun
}

// HasRunID reports whether a run ID was set on the context
func HasRunID(ctx context.Context) bool {
	return GetRunID(ctx) != unknownRun
}

// WithTask adds the name of the executing task to the context
func WithTask(parent context.Context, task string) context.Context {
	return context.WithValue(parent, taskKey, task)
}

// GetTask retrieves the executing task name from context
func GetTask(ctx context.Context) string {
	if name, ok := ctx.Value(taskKey).(string); ok && name != "" {
		return name
	}
	return unknownTask
}

// WithTrigger records the file that caused a watch-triggered run
func WithTrigger(parent context.Context, path string) context.Context {
	return context.WithValue(parent, triggerKey, path)
}

// GetTrigger retrieves the triggering file, or "" for command-line runs
func GetTrigger(ctx context.Context) string {
	if p, ok := ctx.Value(triggerKey).(string); ok {
		return p
	}
	return ""
}

// WithStartTime adds the operation start time to the context
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// GetStartTime retrieves the operation start time from context
func GetStartTime(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(startTimeKey).(time.Time)
	return t, ok
}

// GetDuration calculates the duration since the start time in context.
// It returns 0 when no start time was recorded.
func GetDuration(ctx context.Context) time.Duration {
	start, ok := GetStartTime(ctx)
	if !ok {
		return 0
	}
	return time.Since(start)
}

// GenerateRunID creates a new unique run ID
func GenerateRunID() string {
	return "run_" + uuid.New().String()
}

// EnrichContext makes sure the context carries a run ID and a start time
func EnrichContext(parent context.Context) context.Context {
	ctx := parent
	if !HasRunID(ctx) {
		ctx = WithRunID(ctx, GenerateRunID())
	}
	return WithStartTime(ctx, time.Now())
}

// TracingFields returns the tracing values set on ctx, keyed by their
// structured logging field names
func TracingFields(ctx context.Context) map[string]interface{} {
	fields := map[string]interface{}{}
	if HasRunID(ctx) {
		fields["run_id"] = GetRunID(ctx)
	}
	if task := GetTask(ctx); task != unknownTask {
		fields["task"] = task
	}
	if trigger := GetTrigger(ctx); trigger != "" {
		fields["trigger"] = trigger
	}
	return fields
}
