package dagpipe

import (
	"context"
	"log/slog"
	"time"
)

// TaskEvent is the snapshot delivered to hooks as a pipeline run moves
// through a task.
type TaskEvent struct {
	// Task is the display name of the task the event concerns.
	Task string
	// Dependencies lists the names of the task's upstream tasks.
	Dependencies []string
	// Status is the task's state at the time of the event.
	Status Status
	// Result carries the evaluated value on success and stop events.
	Result any
	// Err carries the failure on failure events.
	Err error
	// StartedAt is when the task began evaluating.
	StartedAt time.Time
	// Duration is how long the evaluation took, set once it finished.
	Duration time.Duration
}

// HookFunc is invoked for lifecycle notifications. Hooks run synchronously
// on the run's goroutine, so they observe events in execution order.
type HookFunc func(context.Context, TaskEvent)

// Hooks aggregates optional lifecycle callbacks. Any field may be nil.
// OnFinish fires after every outcome, following OnSuccess, OnFailure or
// OnStop.
type Hooks struct {
	OnStart   HookFunc
	OnSuccess HookFunc
	OnFailure HookFunc
	OnStop    HookFunc
	OnFinish  HookFunc
}

// Merge combines two hook sets, running the receiver first.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnStart:   chainHooks(h.OnStart, other.OnStart),
		OnSuccess: chainHooks(h.OnSuccess, other.OnSuccess),
		OnFailure: chainHooks(h.OnFailure, other.OnFailure),
		OnStop:    chainHooks(h.OnStop, other.OnStop),
		OnFinish:  chainHooks(h.OnFinish, other.OnFinish),
	}
}

func chainHooks(first, second HookFunc) HookFunc {
	switch {
	case first == nil:
		return second
	case second == nil:
		return first
	default:
		return func(ctx context.Context, event TaskEvent) {
			first(ctx, event)
			second(ctx, event)
		}
	}
}

func invokeHook(ctx context.Context, hook HookFunc, event TaskEvent) {
	if hook != nil {
		hook(ctx, event)
	}
}

// LoggingHooks returns hooks that log task progress through logger,
// falling back to slog.Default when logger is nil.
func LoggingHooks(logger *slog.Logger) Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return Hooks{
		OnStart: func(ctx context.Context, e TaskEvent) {
			logger.DebugContext(ctx, "task starting", "task", e.Task, "dependencies", e.Dependencies)
		},
		OnSuccess: func(ctx context.Context, e TaskEvent) {
			logger.InfoContext(ctx, "task evaluated", "task", e.Task, "duration", e.Duration)
		},
		OnStop: func(ctx context.Context, e TaskEvent) {
			logger.InfoContext(ctx, "pipeline stopped", "task", e.Task)
		},
		OnFailure: func(ctx context.Context, e TaskEvent) {
			logger.ErrorContext(ctx, "task failed", "task", e.Task, "error", e.Err)
		},
	}
}
