package dagpipe

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync/atomic"
)

var (
	// ErrNilCallable indicates a task factory built without a function.
	ErrNilCallable = errors.New("dagpipe: callable must not be nil")
	// ErrNilSignature indicates a task factory built without a signature.
	ErrNilSignature = errors.New("dagpipe: signature must not be nil")
	// ErrNilReceiver indicates a method task factory built without a receiver.
	ErrNilReceiver = errors.New("dagpipe: receiver must not be nil")
	// ErrOutputCount indicates a declared or produced output arity mismatch.
	ErrOutputCount = errors.New("dagpipe: wrong number of outputs")
	// ErrUnknownSlot indicates an output slot index outside the declared range.
	ErrUnknownSlot = errors.New("dagpipe: unknown output slot")
	// ErrNotEvaluated indicates a read of a result the task has not produced.
	ErrNotEvaluated = errors.New("dagpipe: task not evaluated")
)

// TaskPanicError wraps a panic recovered while a task callable was running.
type TaskPanicError struct {
	Task  string
	Value any
}

func (e TaskPanicError) Error() string {
	return fmt.Sprintf("dagpipe: task %q panicked: %v", e.Task, e.Value)
}

// taskCounter tags tasks with their construction order, which breaks ties
// when independent tasks become runnable at the same time.
var taskCounter atomic.Uint64

// Callable is the function shape a task evaluates. It receives the
// positional and keyword arguments with upstream references already
// replaced by their results.
type Callable func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Ref is a value that stands for a task result inside an argument list:
// either a whole task or one slot of a multi-output task. Binding an
// argument to a Ref is what creates a graph edge.
type Ref interface {
	// ref returns the producing task and the slot index, -1 for the
	// whole result.
	ref() (*Task, int)
}

// Func builds tasks for one callable. Calling it captures arguments into a
// new graph node instead of executing anything.
type Func struct {
	fn      Callable
	sig     *Signature
	name    string
	outputs int
	hooks   Hooks
	recv    any
	method  bool
}

type funcConfig struct {
	name    string
	outputs int
	hooks   Hooks
}

// FuncOption configures a task factory.
type FuncOption func(*funcConfig)

// WithName overrides the display name derived from the callable.
func WithName(name string) FuncOption {
	return func(cfg *funcConfig) {
		cfg.name = name
	}
}

// WithOutputs declares how many values the callable produces. A task with
// more than one output must return []any of exactly that length, and its
// slots can be consumed independently via Split or Out.
func WithOutputs(n int) FuncOption {
	return func(cfg *funcConfig) {
		cfg.outputs = n
	}
}

// WithTaskHooks attaches hooks to every task built by this factory. They
// run merged after any pipeline-level hooks.
func WithTaskHooks(hooks Hooks) FuncOption {
	return func(cfg *funcConfig) {
		cfg.hooks = cfg.hooks.Merge(hooks)
	}
}

// NewFunc wraps a callable and its signature into a task factory.
func NewFunc(fn Callable, sig *Signature, opts ...FuncOption) (*Func, error) {
	if fn == nil {
		return nil, ErrNilCallable
	}
	if sig == nil {
		return nil, ErrNilSignature
	}
	cfg := funcConfig{outputs: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.outputs < 1 {
		return nil, fmt.Errorf("%w: declared %d", ErrOutputCount, cfg.outputs)
	}
	name := cfg.name
	if name == "" {
		name = funcName(fn)
	}
	return &Func{
		fn:      fn,
		sig:     sig,
		name:    name,
		outputs: cfg.outputs,
		hooks:   cfg.hooks,
	}, nil
}

// NewMethod wraps a callable that operates on recv. The receiver is
// prepended to the positional arguments at evaluation time and never
// becomes a graph edge, so stateful helpers can sit on the receiver without
// joining the dependency order. The default name is Type.method, or just
// Type when method is "Call" or empty, mirroring a call operator.
func NewMethod(recv any, method string, fn Callable, sig *Signature, opts ...FuncOption) (*Func, error) {
	if recv == nil {
		return nil, ErrNilReceiver
	}
	f, err := NewFunc(fn, sig, opts...)
	if err != nil {
		return nil, err
	}
	f.recv = recv
	f.method = true
	if hasNameOption(opts) {
		return f, nil
	}
	base := receiverTypeName(recv)
	if method == "" || method == "Call" {
		f.name = base
	} else {
		f.name = base + "." + method
	}
	return f, nil
}

func hasNameOption(opts []FuncOption) bool {
	var probe funcConfig
	for _, opt := range opts {
		opt(&probe)
	}
	return probe.name != ""
}

func receiverTypeName(recv any) string {
	t := reflect.TypeOf(recv)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}

// funcName derives a short display name from the callable's symbol.
func funcName(fn Callable) string {
	f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if f == nil {
		return "task"
	}
	name := strings.TrimSuffix(f.Name(), "-fm")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// Name returns the factory's display name.
func (f *Func) Name() string { return f.name }

// Signature returns the factory's declared signature.
func (f *Func) Signature() *Signature { return f.sig }

// Call captures the arguments into a new task node without executing the
// callable. Arguments that are tasks or output slots become the node's
// dependencies. Keyword arguments are passed with Kw.
func (f *Func) Call(argv ...any) (*Task, error) {
	pos, kw, err := splitArgv(argv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.name, err)
	}
	binding, err := newBinding(f.sig, pos, kw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.name, err)
	}
	return &Task{
		fn:      f.fn,
		recv:    f.recv,
		method:  f.method,
		name:    f.name,
		outputs: f.outputs,
		hooks:   f.hooks,
		binding: binding,
		results: make([]any, f.outputs),
		seq:     taskCounter.Add(1),
	}, nil
}

// Task is one node of the graph: a callable plus the captured arguments it
// will be applied to. Tasks are built by Func.Call and evaluated either
// directly with Run or as part of a Pipeline.
type Task struct {
	fn        Callable
	recv      any
	method    bool
	name      string
	slotNames []string
	outputs   int
	hooks     Hooks
	binding   *Binding
	results   []any
	evaluated bool
	seq       uint64
}

// Name returns the task's display name.
func (t *Task) Name() string { return t.name }

// Outputs returns the declared output arity.
func (t *Task) Outputs() int { return t.outputs }

// Binding returns the task's argument binding for inspection and updates.
func (t *Task) Binding() *Binding { return t.binding }

// Dependencies returns the distinct upstream tasks referenced by the
// current arguments, in first-seen declaration order.
func (t *Task) Dependencies() []*Task {
	return t.binding.dependencies()
}

// SetName renames the task. With a single name the display name changes;
// with several, output slots are renamed in order, ignoring extras beyond
// the declared arity. Returns the task for chaining.
func (t *Task) SetName(names ...string) *Task {
	switch len(names) {
	case 0:
	case 1:
		t.name = names[0]
	default:
		t.ensureSlotNames()
		for i, name := range names {
			if i >= t.outputs {
				break
			}
			t.slotNames[i] = name
		}
	}
	return t
}

func (t *Task) ensureSlotNames() {
	if t.slotNames == nil {
		t.slotNames = make([]string, t.outputs)
	}
}

// SlotName returns the display name of one output slot.
func (t *Task) SlotName(i int) string {
	if i >= 0 && i < len(t.slotNames) && t.slotNames[i] != "" {
		return t.slotNames[i]
	}
	return fmt.Sprintf("%s[%d]", t.name, i)
}

// Out returns a reference to one output slot of a multi-output task.
func (t *Task) Out(i int) (*Output, error) {
	if i < 0 || i >= t.outputs {
		return nil, fmt.Errorf("%w: slot %d of %q", ErrUnknownSlot, i, t.name)
	}
	return &Output{task: t, index: i}, nil
}

// Split returns one reference per declared output slot, optionally naming
// the slots first. Each reference can feed a different downstream task
// while the producer still runs only once per pipeline pass.
func (t *Task) Split(names ...string) []*Output {
	if len(names) > 0 {
		t.ensureSlotNames()
		for i, name := range names {
			if i >= t.outputs {
				break
			}
			t.slotNames[i] = name
		}
	}
	refs := make([]*Output, t.outputs)
	for i := range refs {
		refs[i] = &Output{task: t, index: i}
	}
	return refs
}

// Result returns the cached result of one output slot from the most recent
// evaluation.
func (t *Task) Result(i int) (any, error) {
	if i < 0 || i >= t.outputs {
		return nil, fmt.Errorf("%w: slot %d of %q", ErrUnknownSlot, i, t.name)
	}
	if !t.evaluated {
		return nil, fmt.Errorf("%w: %q", ErrNotEvaluated, t.name)
	}
	return t.results[i], nil
}

// Run evaluates the task in place. Arguments, when given, first update the
// binding the way Pipeline.Run updates its entry; with no arguments the
// previously bound ones are reused. Upstream results are read from their
// producers' caches, so running a task standalone requires its dependencies
// to have been evaluated already.
func (t *Task) Run(ctx context.Context, argv ...any) (any, error) {
	if len(argv) > 0 {
		if err := t.binding.Update(argv...); err != nil {
			return nil, err
		}
	}
	return t.evaluate(ctx)
}

// evaluate resolves the bound arguments and applies the callable, caching
// the produced results. Panics inside the callable surface as
// TaskPanicError.
func (t *Task) evaluate(ctx context.Context) (any, error) {
	args, err := t.binding.EvaluatedArgs()
	if err != nil {
		return nil, err
	}
	kwargs, err := t.binding.EvaluatedKwargs()
	if err != nil {
		return nil, err
	}
	if t.method {
		args = append([]any{t.recv}, args...)
	}

	value, err := t.invoke(ctx, args, kwargs)
	if err != nil {
		return nil, err
	}

	if t.outputs == 1 {
		t.results[0] = value
		t.evaluated = true
		return value, nil
	}
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q declared %d outputs but returned %T", ErrOutputCount, t.name, t.outputs, value)
	}
	if len(items) != t.outputs {
		return nil, fmt.Errorf("%w: %q declared %d outputs but returned %d", ErrOutputCount, t.name, t.outputs, len(items))
	}
	copy(t.results, items)
	t.evaluated = true
	return items, nil
}

func (t *Task) invoke(ctx context.Context, args []any, kwargs map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = TaskPanicError{Task: t.name, Value: r}
		}
	}()
	return t.fn(ctx, args, kwargs)
}

// ref makes a task usable directly as an argument, standing for its whole
// result.
func (t *Task) ref() (*Task, int) { return t, -1 }

// Output is a reference to a single slot of a multi-output task.
type Output struct {
	task  *Task
	index int
}

// Task returns the producing task.
func (o *Output) Task() *Task { return o.task }

// Index returns the slot index.
func (o *Output) Index() int { return o.index }

// Name returns the slot's display name.
func (o *Output) Name() string { return o.task.SlotName(o.index) }

func (o *Output) ref() (*Task, int) { return o.task, o.index }

// resolveRef reads the referenced result from the producer's cache.
func resolveRef(r Ref) (any, error) {
	t, slot := r.ref()
	if !t.evaluated {
		return nil, fmt.Errorf("%w: %q", ErrNotEvaluated, t.name)
	}
	if slot < 0 {
		if t.outputs == 1 {
			return t.results[0], nil
		}
		return append([]any(nil), t.results...), nil
	}
	if slot >= t.outputs {
		return nil, fmt.Errorf("%w: slot %d of %q", ErrUnknownSlot, slot, t.name)
	}
	return t.results[slot], nil
}

func resolveValue(v any) (any, error) {
	if r, ok := v.(Ref); ok {
		return resolveRef(r)
	}
	return v, nil
}

func taskNames(tasks []*Task) []string {
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = t.name
	}
	return names
}
