package dagpipe

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

// wordFunc builds a single-input factory formatting "<word> with <input>".
func wordFunc(t *testing.T, word string) *Func {
	t.Helper()
	fn := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return word + " with " + args[0].(string), nil
	}
	return mustFunc(t, fn, mustSignature(t, Arg("text")), WithName(word))
}

// addFunc builds a single-input factory adding delta to an int.
func addFunc(t *testing.T, name string, delta int) *Func {
	t.Helper()
	fn := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return args[0].(int) + delta, nil
	}
	return mustFunc(t, fn, mustSignature(t, Arg("x")), WithName(name))
}

// suffixFunc builds a single-input factory appending suffix to a string.
func suffixFunc(t *testing.T, name, suffix string) *Func {
	t.Helper()
	fn := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return args[0].(string) + suffix, nil
	}
	return mustFunc(t, fn, mustSignature(t, Arg("text")), WithName(name))
}

func mustPipeline(t *testing.T, entry *Task, outputs []Ref, opts ...PipelineOption) *Pipeline {
	t.Helper()
	p, err := NewPipeline(entry, outputs, opts...)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p
}

func mustRun(t *testing.T, p *Pipeline, argv ...any) []any {
	t.Helper()
	out, err := p.Run(context.Background(), argv...)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return out
}

func TestRunChainsThroughDependencies(t *testing.T) {
	ta := mustCall(t, wordFunc(t, "A"), "seed")
	tb := mustCall(t, wordFunc(t, "B"), ta)
	tc := mustCall(t, wordFunc(t, "C"), tb)
	p := mustPipeline(t, ta, []Ref{tc})

	out := mustRun(t, p, "z")
	if !reflect.DeepEqual(out, []any{"C with B with A with z"}) {
		t.Fatalf("unexpected chain result: %v", out)
	}

	report := p.LastRun()
	if report == nil {
		t.Fatalf("expected a run report")
	}
	for _, task := range p.Tasks() {
		if report.Status(task) != StatusEvaluated {
			t.Fatalf("expected %q evaluated, got %s", task.Name(), report.Status(task))
		}
	}
	if report.TasksTotal != 3 || report.TasksEvaluated != 3 || report.TasksSkipped != 0 {
		t.Fatalf("unexpected counts: %+v", report)
	}
}

func TestRunPersistsEntryArguments(t *testing.T) {
	ta := mustCall(t, wordFunc(t, "A"), "seed")
	tb := mustCall(t, wordFunc(t, "B"), ta)
	p := mustPipeline(t, ta, []Ref{tb})

	first := mustRun(t, p, "z")
	again := mustRun(t, p)
	if !reflect.DeepEqual(first, again) {
		t.Fatalf("expected a bare re-run to reuse arguments: %v vs %v", first, again)
	}

	repeat := mustRun(t, p, "z")
	if !reflect.DeepEqual(first, repeat) {
		t.Fatalf("expected identical arguments to reproduce results: %v vs %v", first, repeat)
	}

	fresh := mustRun(t, p, "q")
	if !reflect.DeepEqual(fresh, []any{"B with A with q"}) {
		t.Fatalf("expected new arguments to flow through, got %v", fresh)
	}
}

func TestSequentialChainsFactories(t *testing.T) {
	p, err := Sequential([]*Func{
		addFunc(t, "add_1", 1),
		addFunc(t, "add_2", 1),
		addFunc(t, "add_3", 1),
	})
	if err != nil {
		t.Fatalf("Sequential: %v", err)
	}

	if out := mustRun(t, p, 0); !reflect.DeepEqual(out, []any{3}) {
		t.Fatalf("expected [3], got %v", out)
	}
	if out := mustRun(t, p, 10); !reflect.DeepEqual(out, []any{13}) {
		t.Fatalf("expected [13], got %v", out)
	}
}

func TestSequentialValidation(t *testing.T) {
	if _, err := Sequential(nil); !errors.Is(err, ErrEmptySequence) {
		t.Fatalf("expected ErrEmptySequence, got %v", err)
	}

	multi := mustFunc(t, echoArgs, mustSignature(t, Arg("x")), WithName("multi"), WithOutputs(2))
	if _, err := Sequential([]*Func{addFunc(t, "add", 1), multi}); !errors.Is(err, ErrOutputCount) {
		t.Fatalf("expected ErrOutputCount, got %v", err)
	}
}

func TestSplitFeedsIndependentConsumers(t *testing.T) {
	entry := mustCall(t, suffixFunc(t, "load", ""), "x")
	pairFn := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		v := args[0].(string)
		return []any{v + "-left", v + "-right"}, nil
	}
	pair := mustCall(t, mustFunc(t, pairFn, mustSignature(t, Arg("v")), WithName("pair"), WithOutputs(2)), entry)
	refs := pair.Split("left", "right")

	l := mustCall(t, wordFunc(t, "L"), refs[0])
	r := mustCall(t, wordFunc(t, "R"), refs[1])
	p := mustPipeline(t, entry, []Ref{l, r})

	out := mustRun(t, p, "x")
	want := []any{"L with x-left", "R with x-right"}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("expected %v, got %v", want, out)
	}
}

func TestSplitProducerRunsOncePerPass(t *testing.T) {
	runs := 0
	entry := mustCall(t, addFunc(t, "start", 0), 1)
	pairFn := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		runs++
		v := args[0].(int)
		return []any{v, v * 10}, nil
	}
	pair := mustCall(t, mustFunc(t, pairFn, mustSignature(t, Arg("v")), WithName("pair"), WithOutputs(2)), entry)
	refs := pair.Split()

	left := mustCall(t, addFunc(t, "left", 1), refs[0])
	right := mustCall(t, addFunc(t, "right", 1), refs[1])
	p := mustPipeline(t, entry, []Ref{left, right})

	if out := mustRun(t, p, 1); !reflect.DeepEqual(out, []any{2, 11}) {
		t.Fatalf("expected [2 11], got %v", out)
	}
	if runs != 1 {
		t.Fatalf("expected the split producer to run once, ran %d times", runs)
	}

	mustRun(t, p, 1)
	if runs != 2 {
		t.Fatalf("expected one more producer run per pass, got %d total", runs)
	}
}

func TestConditionalStopHaltsRun(t *testing.T) {
	fetch := mustCall(t, suffixFunc(t, "fetch", ""), "seed")
	clean := mustCall(t, suffixFunc(t, "clean", "-cleaned"), fetch)
	analyze := mustCall(t, suffixFunc(t, "analyze", "-analyzed"), clean)
	publish := mustCall(t, suffixFunc(t, "publish", "-published"), analyze)

	p := mustPipeline(t, fetch, []Ref{clean, analyze, publish},
		WithConditionalStop("analyze", func(result any) bool {
			s, ok := result.(string)
			return ok && strings.Contains(s, "bad")
		}),
	)

	out := mustRun(t, p, "good")
	want := []any{"good-cleaned", "good-cleaned-analyzed", "good-cleaned-analyzed-published"}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("expected full run %v, got %v", want, out)
	}
	if IsStopped(out) {
		t.Fatalf("expected no stop markers in a full run")
	}

	out = mustRun(t, p, "bad")
	if out[0] != "bad-cleaned" {
		t.Fatalf("expected the completed output to keep its value, got %v", out[0])
	}
	marker, ok := out[1].(StopMarker)
	if !ok {
		t.Fatalf("expected the halting task's output to carry a marker, got %v", out[1])
	}
	if marker.Task != "analyze" || marker.String() != "STOPPED AT analyze" {
		t.Fatalf("unexpected marker: %+v", marker)
	}
	if out[1] != out[2] {
		t.Fatalf("expected equal markers for the same halt, got %v and %v", out[1], out[2])
	}
	if !IsStopped(out) {
		t.Fatalf("expected IsStopped to detect the halt")
	}

	report := p.LastRun()
	if !report.Halted() || report.HaltedAt != "analyze" {
		t.Fatalf("expected the report to name the halting task, got %+v", report)
	}
	if report.Status(clean) != StatusEvaluated {
		t.Fatalf("expected clean evaluated, got %s", report.Status(clean))
	}
	if report.Status(analyze) != StatusStopped {
		t.Fatalf("expected analyze stopped, got %s", report.Status(analyze))
	}
	if report.Status(publish) != StatusSkipped {
		t.Fatalf("expected publish skipped, got %s", report.Status(publish))
	}
}

func TestStopPredicateOnlyGuardsNamedTask(t *testing.T) {
	ta := mustCall(t, suffixFunc(t, "first", "!"), "x")
	tb := mustCall(t, suffixFunc(t, "second", "?"), ta)
	p := mustPipeline(t, ta, []Ref{tb},
		WithConditionalStop("second", func(result any) bool {
			return strings.Contains(result.(string), "never")
		}),
	)

	out := mustRun(t, p, "x")
	if !reflect.DeepEqual(out, []any{"x!?"}) {
		t.Fatalf("expected a full run when the predicate stays false, got %v", out)
	}
}

func TestRunErrorAbortsAndWraps(t *testing.T) {
	errBroken := errors.New("broken input")
	downstream := 0

	ta := mustCall(t, suffixFunc(t, "first", "-a"), "x")
	failFn := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, errBroken
	}
	tb := mustCall(t, mustFunc(t, failFn, mustSignature(t, Arg("v")), WithName("failing")), ta)
	tailFn := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		downstream++
		return args[0], nil
	}
	tc := mustCall(t, mustFunc(t, tailFn, mustSignature(t, Arg("v")), WithName("tail")), tb)
	p := mustPipeline(t, ta, []Ref{tc})

	_, err := p.Run(context.Background(), "x")
	if !errors.Is(err, errBroken) {
		t.Fatalf("expected the task error to stay unwrappable, got %v", err)
	}
	if !strings.Contains(err.Error(), `"failing"`) {
		t.Fatalf("expected the error to name the task, got %q", err.Error())
	}
	if downstream != 0 {
		t.Fatalf("expected downstream tasks to stay unevaluated, ran %d", downstream)
	}

	report := p.LastRun()
	if report.Status(tb) != StatusFailed {
		t.Fatalf("expected failing task marked failed, got %s", report.Status(tb))
	}
	if report.Status(ta) != StatusEvaluated {
		t.Fatalf("expected upstream task to keep its status, got %s", report.Status(ta))
	}
	if report.Err == nil {
		t.Fatalf("expected the report to carry the error")
	}

	cached, err := ta.Result(0)
	if err != nil || cached != "x-a" {
		t.Fatalf("expected upstream cache to survive the abort, got %v (%v)", cached, err)
	}
}

func TestRunHonoursContextCancellation(t *testing.T) {
	ran := 0
	fn := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		ran++
		return args[0], nil
	}
	ta := mustCall(t, mustFunc(t, fn, mustSignature(t, Arg("x")), WithName("only")), 1)
	p := mustPipeline(t, ta, []Ref{ta})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ran != 0 {
		t.Fatalf("expected no task to run after cancellation, ran %d", ran)
	}
}

func TestNewPipelineValidation(t *testing.T) {
	ta := mustCall(t, addFunc(t, "only", 1), 1)

	if _, err := NewPipeline(nil, []Ref{ta}); !errors.Is(err, ErrNilEntry) {
		t.Fatalf("expected ErrNilEntry, got %v", err)
	}
	if _, err := NewPipeline(ta, nil); !errors.Is(err, ErrNoOutputs) {
		t.Fatalf("expected ErrNoOutputs, got %v", err)
	}
	if _, err := NewPipeline(ta, []Ref{nil}); !errors.Is(err, ErrNilOutput) {
		t.Fatalf("expected ErrNilOutput, got %v", err)
	}
}

func TestUnreachableOutputRejected(t *testing.T) {
	entry := mustCall(t, addFunc(t, "entry", 1), 1)
	stray := mustCall(t, addFunc(t, "stray", 1), 1)

	if _, err := NewPipeline(entry, []Ref{stray}); !errors.Is(err, ErrUnreachableOutput) {
		t.Fatalf("expected ErrUnreachableOutput, got %v", err)
	}
}

func TestCycleDetected(t *testing.T) {
	t1 := mustCall(t, addFunc(t, "one", 1), 0)
	t2 := mustCall(t, addFunc(t, "two", 1), t1)
	if err := t1.Binding().Update(Kw("x", t2)); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := NewPipeline(t1, []Ref{t2}); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}

func TestEvaluationOrderBreaksTiesByConstruction(t *testing.T) {
	entry := mustCall(t, addFunc(t, "entry", 0), 1)
	right := mustCall(t, addFunc(t, "right", 2), entry)
	left := mustCall(t, addFunc(t, "left", 1), entry)
	joinFn := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return args[0].(int) + args[1].(int), nil
	}
	join := mustCall(t, mustFunc(t, joinFn, mustSignature(t, Arg("a"), Arg("b")), WithName("join")), left, right)
	p := mustPipeline(t, entry, []Ref{join})

	got := taskNames(p.Tasks())
	want := []string{"entry", "right", "left", "join"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected construction-order ties %v, got %v", want, got)
	}

	if out := mustRun(t, p, 1); !reflect.DeepEqual(out, []any{5}) {
		t.Fatalf("expected [5], got %v", out)
	}
}

func TestIndependentRootJoinsPipeline(t *testing.T) {
	entry := mustCall(t, addFunc(t, "entry", 0), 1)
	baseFn := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return 100, nil
	}
	base := mustCall(t, mustFunc(t, baseFn, mustSignature(t), WithName("base")))
	joinFn := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return args[0].(int) + args[1].(int), nil
	}
	join := mustCall(t, mustFunc(t, joinFn, mustSignature(t, Arg("a"), Arg("b")), WithName("join")), entry, base)
	p := mustPipeline(t, entry, []Ref{join})

	if out := mustRun(t, p, 5); !reflect.DeepEqual(out, []any{105}) {
		t.Fatalf("expected the independent root to run with the pipeline, got %v", out)
	}
	if report := p.LastRun(); report.Status(base) != StatusEvaluated {
		t.Fatalf("expected the root evaluated, got %s", report.Status(base))
	}
}

func TestVariadicTaskFanIn(t *testing.T) {
	entry := mustCall(t, addFunc(t, "entry", 0), 0)
	a := mustCall(t, addFunc(t, "a", 1), entry)
	b := mustCall(t, addFunc(t, "b", 2), entry)
	c := mustCall(t, addFunc(t, "c", 3), entry)

	sumFn := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		total := 0
		for _, v := range args {
			total += v.(int)
		}
		return total, nil
	}
	sum := mustCall(t, mustFunc(t, sumFn, mustSignature(t, VarArgs("parts")), WithName("sum")), a, b, c)
	p := mustPipeline(t, entry, []Ref{sum})

	if out := mustRun(t, p, 10); !reflect.DeepEqual(out, []any{36}) {
		t.Fatalf("expected [36], got %v", out)
	}
}

func TestEntryUpdateErrorSurfacesFromRun(t *testing.T) {
	src := constTask(t, "src", 1)
	entry := mustCall(t, addFunc(t, "entry", 1), src)
	p := mustPipeline(t, entry, []Ref{entry})

	if _, err := p.Run(context.Background(), 99); !errors.Is(err, ErrEdgeOverwrite) {
		t.Fatalf("expected ErrEdgeOverwrite, got %v", err)
	}
}

func TestPipelineToTaskNestsPipelines(t *testing.T) {
	inner, err := Sequential([]*Func{
		addFunc(t, "inc_a", 1),
		addFunc(t, "inc_b", 1),
		addFunc(t, "inc_c", 1),
	})
	if err != nil {
		t.Fatalf("Sequential: %v", err)
	}

	innerTask, err := inner.ToTask(WithName("inner"))
	if err != nil {
		t.Fatalf("ToTask: %v", err)
	}
	if innerTask.Name() != "inner" {
		t.Fatalf("expected name inner, got %q", innerTask.Name())
	}

	outer := mustCall(t, addFunc(t, "outer", 1), innerTask)
	p := mustPipeline(t, innerTask, []Ref{outer})

	if out := mustRun(t, p, 0); !reflect.DeepEqual(out, []any{4}) {
		t.Fatalf("expected [4], got %v", out)
	}
	if out := mustRun(t, p, 10); !reflect.DeepEqual(out, []any{14}) {
		t.Fatalf("expected [14], got %v", out)
	}
}

func TestRunReportTiming(t *testing.T) {
	restore := now
	defer func() { now = restore }()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	ta := mustCall(t, addFunc(t, "first", 1), 0)
	tb := mustCall(t, addFunc(t, "second", 1), ta)
	p := mustPipeline(t, ta, []Ref{tb})

	mustRun(t, p, 0)
	report := p.LastRun()
	if !report.StartedAt.Equal(base.Add(1 * time.Second)) {
		t.Fatalf("unexpected start time %v", report.StartedAt)
	}
	if report.Duration != 5*time.Second {
		t.Fatalf("expected 5s duration, got %v", report.Duration)
	}
}
