package dagpipe

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNilEntry indicates a pipeline built without an entry task.
	ErrNilEntry = errors.New("dagpipe: entry task must not be nil")
	// ErrNoOutputs indicates a pipeline built without outputs.
	ErrNoOutputs = errors.New("dagpipe: pipeline needs at least one output")
	// ErrNilOutput indicates a nil reference in the output list.
	ErrNilOutput = errors.New("dagpipe: output reference must not be nil")
	// ErrCycleDetected indicates a dependency cycle among the gathered tasks.
	ErrCycleDetected = errors.New("dagpipe: cycle detected")
	// ErrUnreachableOutput indicates an output that does not depend on the
	// entry task.
	ErrUnreachableOutput = errors.New("dagpipe: output not reachable from entry")
	// ErrEmptySequence indicates a sequential pipeline built from no tasks.
	ErrEmptySequence = errors.New("dagpipe: sequential pipeline needs at least one task")
)

// Edge is one dependency in a pipeline: an output slot of From feeding an
// argument of To. Slot is -1 when the whole result is consumed.
type Edge struct {
	From *Task
	Slot int
	To   *Task
}

type pipelineConfig struct {
	stops map[string]func(any) bool
	hooks Hooks
}

// PipelineOption configures pipeline construction.
type PipelineOption func(*pipelineConfig)

// WithConditionalStop halts any run right after the named task evaluates to
// a value satisfying pred. Outputs already produced at that point are
// returned as-is; the rest are replaced by StopMarker values.
func WithConditionalStop(task string, pred func(result any) bool) PipelineOption {
	return func(cfg *pipelineConfig) {
		if cfg.stops == nil {
			cfg.stops = make(map[string]func(any) bool)
		}
		cfg.stops[task] = pred
	}
}

// WithHooks attaches hooks observing every task of every run. They fire
// before any hooks attached to individual tasks.
func WithHooks(hooks Hooks) PipelineOption {
	return func(cfg *pipelineConfig) {
		cfg.hooks = cfg.hooks.Merge(hooks)
	}
}

// Pipeline is an executable slice of the task graph: everything the
// requested outputs depend on, frozen into a deterministic evaluation
// order. Runs are synchronous and single-threaded; a pipeline can be run
// repeatedly with fresh entry arguments.
type Pipeline struct {
	entry   *Task
	outputs []Ref
	tasks   []*Task
	stops   map[string]func(any) bool
	hooks   Hooks
	lastRun *RunReport
}

// NewPipeline gathers every task the outputs transitively depend on and
// fixes the evaluation order. Each output must depend on the entry task,
// which is where Run delivers new arguments; independent roots reached by
// the traversal are legal and run as part of the pipeline.
func NewPipeline(entry *Task, outputs []Ref, opts ...PipelineOption) (*Pipeline, error) {
	if entry == nil {
		return nil, ErrNilEntry
	}
	if len(outputs) == 0 {
		return nil, ErrNoOutputs
	}
	for i, out := range outputs {
		if out == nil {
			return nil, fmt.Errorf("%w: output %d", ErrNilOutput, i)
		}
	}
	cfg := pipelineConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	tasks, err := buildOrder(entry, outputs)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		entry:   entry,
		outputs: append([]Ref(nil), outputs...),
		tasks:   tasks,
		stops:   cfg.stops,
		hooks:   cfg.hooks,
	}, nil
}

// buildOrder walks backward from the outputs to gather the relevant
// subgraph, rejects cycles and outputs that do not depend on the entry,
// and returns the tasks topologically sorted. Ties between tasks that are
// ready at the same time go to the earlier-constructed task, so the order
// is deterministic.
func buildOrder(entry *Task, outputs []Ref) ([]*Task, error) {
	const (
		colorWhite = iota
		colorGray
		colorBlack
	)
	color := make(map[*Task]int)
	var sub []*Task
	var visit func(t *Task) error
	visit = func(t *Task) error {
		switch color[t] {
		case colorGray:
			return fmt.Errorf("%w: through task %q", ErrCycleDetected, t.name)
		case colorBlack:
			return nil
		}
		color[t] = colorGray
		for _, dep := range t.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[t] = colorBlack
		sub = append(sub, t)
		return nil
	}
	for _, out := range outputs {
		t, _ := out.ref()
		if err := visit(t); err != nil {
			return nil, err
		}
	}

	consumers := make(map[*Task][]*Task, len(sub))
	indegree := make(map[*Task]int, len(sub))
	for _, t := range sub {
		deps := t.Dependencies()
		indegree[t] = len(deps)
		for _, dep := range deps {
			consumers[dep] = append(consumers[dep], t)
		}
	}

	// Every output must sit downstream of the entry.
	downstream := make(map[*Task]bool, len(sub))
	if color[entry] == colorBlack {
		downstream[entry] = true
		queue := []*Task{entry}
		for len(queue) > 0 {
			t := queue[0]
			queue = queue[1:]
			for _, c := range consumers[t] {
				if !downstream[c] {
					downstream[c] = true
					queue = append(queue, c)
				}
			}
		}
	}
	for _, out := range outputs {
		t, _ := out.ref()
		if !downstream[t] {
			return nil, fmt.Errorf("%w: %q", ErrUnreachableOutput, t.name)
		}
	}

	var ready []*Task
	for _, t := range sub {
		if indegree[t] == 0 {
			ready = append(ready, t)
		}
	}
	order := make([]*Task, 0, len(sub))
	for len(ready) > 0 {
		min := 0
		for i := 1; i < len(ready); i++ {
			if ready[i].seq < ready[min].seq {
				min = i
			}
		}
		t := ready[min]
		ready = append(ready[:min], ready[min+1:]...)
		order = append(order, t)
		for _, c := range consumers[t] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	if len(order) != len(sub) {
		return nil, ErrCycleDetected
	}
	return order, nil
}

// Entry returns the task Run delivers new arguments to.
func (p *Pipeline) Entry() *Task { return p.entry }

// Tasks returns the gathered tasks in evaluation order.
func (p *Pipeline) Tasks() []*Task {
	return append([]*Task(nil), p.tasks...)
}

// Outputs returns the references whose results Run returns, in order.
func (p *Pipeline) Outputs() []Ref {
	return append([]Ref(nil), p.outputs...)
}

// Edges returns every distinct dependency edge among the gathered tasks,
// ordered by consumer evaluation order and argument declaration order.
func (p *Pipeline) Edges() []Edge {
	type edgeKey struct {
		from *Task
		slot int
		to   *Task
	}
	seen := make(map[edgeKey]struct{})
	var edges []Edge
	for _, t := range p.tasks {
		to := t
		to.binding.eachValue(func(v any) {
			r, ok := v.(Ref)
			if !ok {
				return
			}
			from, slot := r.ref()
			key := edgeKey{from, slot, to}
			if _, dup := seen[key]; dup {
				return
			}
			seen[key] = struct{}{}
			edges = append(edges, Edge{From: from, Slot: slot, To: to})
		})
	}
	return edges
}

// LastRun returns the report of the most recent Run, nil before the first.
func (p *Pipeline) LastRun() *RunReport { return p.lastRun }

// Run evaluates the gathered tasks in order and returns one result per
// declared output. Arguments, when given, update the entry task's binding
// first; with no arguments the entry reuses whatever it was last bound to,
// so a pipeline re-runs with persisted inputs. A task error aborts the run.
// When a stop condition fires, evaluation ends immediately and every output
// whose producer had not completed is replaced by a StopMarker naming the
// halting task.
func (p *Pipeline) Run(ctx context.Context, argv ...any) ([]any, error) {
	if len(argv) > 0 {
		if err := p.entry.binding.Update(argv...); err != nil {
			return nil, err
		}
	}

	report := newRunReport(p.tasks)
	p.lastRun = report
	completed := make(map[*Task]bool, len(p.tasks))

	for _, t := range p.tasks {
		if err := ctx.Err(); err != nil {
			report.finish()
			return nil, err
		}

		hooks := p.hooks.Merge(t.hooks)
		started := now()
		event := TaskEvent{
			Task:         t.name,
			Dependencies: taskNames(t.Dependencies()),
			Status:       StatusPending,
			StartedAt:    started,
		}
		invokeHook(ctx, hooks.OnStart, event)

		value, err := t.evaluate(ctx)
		event.Duration = now().Sub(started)

		if err != nil {
			wrapped := fmt.Errorf("dagpipe: task %q: %w", t.name, err)
			report.markFailed(t, wrapped)
			event.Status = StatusFailed
			event.Err = err
			invokeHook(ctx, hooks.OnFailure, event)
			invokeHook(ctx, hooks.OnFinish, event)
			report.finish()
			return nil, wrapped
		}

		if pred, ok := p.stops[t.name]; ok && pred != nil && pred(value) {
			report.markStopped(t)
			event.Status = StatusStopped
			event.Result = value
			invokeHook(ctx, hooks.OnStop, event)
			invokeHook(ctx, hooks.OnFinish, event)
			report.finish()
			return p.resolveOutputs(completed, t.name)
		}

		completed[t] = true
		report.markEvaluated(t)
		event.Status = StatusEvaluated
		event.Result = value
		invokeHook(ctx, hooks.OnSuccess, event)
		invokeHook(ctx, hooks.OnFinish, event)
	}

	report.finish()
	return p.resolveOutputs(completed, "")
}

// resolveOutputs reads the output results, substituting stop markers for
// producers that had not completed when haltedAt fired.
func (p *Pipeline) resolveOutputs(completed map[*Task]bool, haltedAt string) ([]any, error) {
	out := make([]any, len(p.outputs))
	for i, ref := range p.outputs {
		if haltedAt != "" {
			if t, _ := ref.ref(); !completed[t] {
				out[i] = StopMarker{Task: haltedAt}
				continue
			}
		}
		v, err := resolveRef(ref)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Sequential chains single-output factories into a straight pipeline: each
// task consumes the result of the previous one, the first task is the
// entry, and the last is the sole output. The entry is bound to a
// placeholder argument expected to be replaced by Run.
func Sequential(funcs []*Func, opts ...PipelineOption) (*Pipeline, error) {
	if len(funcs) == 0 {
		return nil, ErrEmptySequence
	}
	for _, f := range funcs {
		if f.outputs != 1 {
			return nil, fmt.Errorf("%w: sequential task %q declares %d outputs", ErrOutputCount, f.name, f.outputs)
		}
	}
	head, err := funcs[0].Call(nil)
	if err != nil {
		return nil, err
	}
	prev := head
	for _, f := range funcs[1:] {
		next, err := f.Call(prev)
		if err != nil {
			return nil, err
		}
		prev = next
	}
	return NewPipeline(head, []Ref{prev}, opts...)
}

// ToTask packs the whole pipeline into a single task, so one pipeline can
// become a node inside another. The task exposes the entry's signature,
// re-runs the inner pipeline on every evaluation, and produces one output
// per pipeline output. Its initial arguments reproduce the entry's current
// binding; the default name is the entry's.
func (p *Pipeline) ToTask(opts ...FuncOption) (*Task, error) {
	inner := p
	fn := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		argv := make([]any, 0, len(args)+len(kwargs))
		argv = append(argv, args...)
		for name, v := range kwargs {
			argv = append(argv, Kw(name, v))
		}
		results, err := inner.Run(ctx, argv...)
		if err != nil {
			return nil, err
		}
		if len(results) == 1 {
			return results[0], nil
		}
		return results, nil
	}
	base := []FuncOption{WithName(p.entry.name), WithOutputs(len(p.outputs))}
	f, err := NewFunc(fn, p.entry.binding.sig, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return f.Call(p.entry.binding.argv()...)
}
