package dagpipe

import "time"

// now is the clock used for run timing; overridable in tests.
var now = time.Now

// Status captures the lifecycle state of a task within one pipeline run.
type Status string

const (
	// StatusPending marks a task not reached yet.
	StatusPending Status = "pending"
	// StatusEvaluated marks a task whose result was produced this run.
	StatusEvaluated Status = "evaluated"
	// StatusStopped marks the task whose stop condition halted the run.
	StatusStopped Status = "stopped"
	// StatusSkipped marks a task cut off by an upstream stop.
	StatusSkipped Status = "skipped"
	// StatusFailed marks the task whose error aborted the run.
	StatusFailed Status = "failed"
)

// RunReport records what one pipeline run did: per-task statuses, counts,
// timing, and how the run ended.
type RunReport struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration

	TasksTotal     int
	TasksEvaluated int
	TasksSkipped   int

	// HaltedAt names the task whose stop condition fired, empty when the
	// run was not halted.
	HaltedAt string
	// Err is the failure that aborted the run, nil otherwise.
	Err error

	statuses map[*Task]Status
}

func newRunReport(tasks []*Task) *RunReport {
	r := &RunReport{
		StartedAt:  now(),
		TasksTotal: len(tasks),
		statuses:   make(map[*Task]Status, len(tasks)),
	}
	for _, t := range tasks {
		r.statuses[t] = StatusPending
	}
	return r
}

// Status returns the recorded state of one task, StatusPending for tasks
// the run never reached.
func (r *RunReport) Status(t *Task) Status {
	if s, ok := r.statuses[t]; ok {
		return s
	}
	return StatusPending
}

// Halted reports whether a stop condition ended the run early.
func (r *RunReport) Halted() bool { return r.HaltedAt != "" }

func (r *RunReport) markEvaluated(t *Task) {
	r.statuses[t] = StatusEvaluated
	r.TasksEvaluated++
}

func (r *RunReport) markFailed(t *Task, err error) {
	r.statuses[t] = StatusFailed
	r.Err = err
}

// markStopped records the halting task and flags everything not yet
// completed as skipped.
func (r *RunReport) markStopped(t *Task) {
	r.statuses[t] = StatusStopped
	r.HaltedAt = t.name
	for task, status := range r.statuses {
		if status == StatusPending && task != t {
			r.statuses[task] = StatusSkipped
			r.TasksSkipped++
		}
	}
}

func (r *RunReport) finish() {
	r.CompletedAt = now()
	r.Duration = r.CompletedAt.Sub(r.StartedAt)
}
