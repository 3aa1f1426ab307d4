package dagpipe

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrArgumentMismatch indicates call arguments that do not fit the
	// declared signature.
	ErrArgumentMismatch = errors.New("dagpipe: arguments do not match signature")
	// ErrEdgeOverwrite indicates an update that would replace an argument
	// currently bound to an upstream task.
	ErrEdgeOverwrite = errors.New("dagpipe: cannot overwrite task-bound argument")
	// ErrMixedVariadic indicates a variadic-positional collection mixing
	// task references with plain values.
	ErrMixedVariadic = errors.New("dagpipe: variadic arguments must be all tasks or all values")
)

// KeywordArg names a single call argument. Build one with Kw.
type KeywordArg struct {
	Name  string
	Value any
}

// Kw marks a call argument as a keyword argument. Keyword arguments must
// follow all positional ones in an argument list.
func Kw(name string, value any) KeywordArg {
	return KeywordArg{Name: name, Value: value}
}

// splitArgv separates a flat argument list into positional values and
// keyword values, rejecting positionals that appear after a keyword.
func splitArgv(argv []any) ([]any, map[string]any, error) {
	var pos []any
	var kw map[string]any
	for _, a := range argv {
		k, ok := a.(KeywordArg)
		if !ok {
			if kw != nil {
				return nil, nil, fmt.Errorf("%w: positional argument after keyword argument", ErrArgumentMismatch)
			}
			pos = append(pos, a)
			continue
		}
		if kw == nil {
			kw = make(map[string]any)
		}
		if _, dup := kw[k.Name]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate keyword argument %q", ErrArgumentMismatch, k.Name)
		}
		kw[k.Name] = k.Value
	}
	return pos, kw, nil
}

// bindArguments matches positional and keyword values against the signature
// and returns the bound name -> value map. The variadic-positional slot is
// stored as []any and the variadic-keyword slot as map[string]any; both are
// omitted when empty. With partial set, missing required parameters are
// left unbound instead of failing, which is the update path.
func bindArguments(sig *Signature, pos []any, kw map[string]any, partial bool) (map[string]any, error) {
	bound := make(map[string]any, len(sig.params))
	consumed := make(map[string]struct{}, len(kw))
	posIdx := 0

	for _, p := range sig.params {
		switch p.kind {
		case Positional:
			if posIdx < len(pos) {
				bound[p.name] = pos[posIdx]
				posIdx++
			} else if !partial && !p.hasDefault {
				return nil, fmt.Errorf("%w: missing required argument %q", ErrArgumentMismatch, p.name)
			}
		case PositionalOrKeyword:
			if posIdx < len(pos) {
				if _, clash := kw[p.name]; clash {
					return nil, fmt.Errorf("%w: multiple values for argument %q", ErrArgumentMismatch, p.name)
				}
				bound[p.name] = pos[posIdx]
				posIdx++
			} else if v, ok := kw[p.name]; ok {
				bound[p.name] = v
				consumed[p.name] = struct{}{}
			} else if !partial && !p.hasDefault {
				return nil, fmt.Errorf("%w: missing required argument %q", ErrArgumentMismatch, p.name)
			}
		case VarPositional:
			if posIdx < len(pos) {
				rest := make([]any, len(pos)-posIdx)
				copy(rest, pos[posIdx:])
				bound[p.name] = rest
				posIdx = len(pos)
			}
		case KeywordOnly:
			if v, ok := kw[p.name]; ok {
				bound[p.name] = v
				consumed[p.name] = struct{}{}
			} else if !partial && !p.hasDefault {
				return nil, fmt.Errorf("%w: missing required argument %q", ErrArgumentMismatch, p.name)
			}
		case VarKeyword:
			// Leftover keywords are collected after the loop.
		}
	}

	if posIdx < len(pos) {
		return nil, fmt.Errorf("%w: too many positional arguments (%d given)", ErrArgumentMismatch, len(pos))
	}

	extra := make(map[string]any)
	for name, v := range kw {
		if _, ok := consumed[name]; ok {
			continue
		}
		extra[name] = v
	}
	if len(extra) > 0 {
		vk, ok := sig.varKwargsName()
		if !ok {
			names := make([]string, 0, len(extra))
			for name := range extra {
				names = append(names, name)
			}
			sort.Strings(names)
			return nil, fmt.Errorf("%w: unexpected keyword argument %q", ErrArgumentMismatch, names[0])
		}
		bound[vk] = extra
	}
	return bound, nil
}

// checkVariadic enforces the all-or-none rule on a variadic-positional
// collection and reports whether the collection consists of task references.
func checkVariadic(items []any) (bool, error) {
	refs := 0
	for _, item := range items {
		if _, ok := item.(Ref); ok {
			refs++
		}
	}
	if refs > 0 && refs < len(items) {
		return false, fmt.Errorf("%w: got %d tasks among %d arguments", ErrMixedVariadic, refs, len(items))
	}
	return refs > 0, nil
}

// Binding holds the arguments captured when a task was built and keeps them
// matched against the task's signature across later updates. Arguments bound
// to upstream tasks are the graph edges; a binding protects them from being
// overwritten once set.
type Binding struct {
	sig         *Signature
	values      map[string]any
	refBound    map[string]struct{}
	varargsRefs bool
	varkwRefs   map[string]any
}

func newBinding(sig *Signature, pos []any, kw map[string]any) (*Binding, error) {
	values, err := bindArguments(sig, pos, kw, false)
	if err != nil {
		return nil, err
	}
	if vn, ok := sig.varArgsName(); ok {
		if items, bound := values[vn]; bound {
			if _, err := checkVariadic(items.([]any)); err != nil {
				return nil, err
			}
		}
	}
	b := &Binding{sig: sig, values: values}
	b.rescan()
	return b, nil
}

// rescan rebuilds the record of which arguments are bound to tasks.
// Variadic-positional content must already satisfy the all-or-none rule.
func (b *Binding) rescan() {
	b.refBound = make(map[string]struct{})
	b.varargsRefs = false
	b.varkwRefs = make(map[string]any)

	for _, p := range b.sig.params {
		v, ok := b.values[p.name]
		if !ok {
			continue
		}
		switch p.kind {
		case VarPositional:
			items := v.([]any)
			for _, item := range items {
				if _, ok := item.(Ref); ok {
					b.varargsRefs = true
					break
				}
			}
		case VarKeyword:
			for name, item := range v.(map[string]any) {
				if _, ok := item.(Ref); ok {
					b.varkwRefs[name] = item
				}
			}
		default:
			if _, ok := v.(Ref); ok {
				b.refBound[p.name] = struct{}{}
			}
		}
	}
}

// Update rebinds a subset of the arguments. Plain values may be replaced
// freely; arguments bound to tasks may not, since that would silently cut
// edges out of an already built graph. A new variadic-keyword map keeps the
// previously task-bound entries by merging them back in. The existing
// binding is left untouched when an error is returned.
func (b *Binding) Update(argv ...any) error {
	pos, kw, err := splitArgv(argv)
	if err != nil {
		return err
	}
	updated, err := bindArguments(b.sig, pos, kw, true)
	if err != nil {
		return err
	}

	for name := range b.refBound {
		if _, rebind := updated[name]; rebind {
			return fmt.Errorf("%w: parameter %q is bound to task %q", ErrEdgeOverwrite, name, refTaskName(b.values[name]))
		}
	}
	if vn, ok := b.sig.varArgsName(); ok && b.varargsRefs {
		if _, rebind := updated[vn]; rebind {
			return fmt.Errorf("%w: variadic arguments %q are bound to tasks", ErrEdgeOverwrite, vn)
		}
	}
	if vk, ok := b.sig.varKwargsName(); ok {
		if v, rebind := updated[vk]; rebind {
			m := v.(map[string]any)
			for name := range b.varkwRefs {
				if _, clash := m[name]; clash {
					return fmt.Errorf("%w: keyword %q is bound to task %q", ErrEdgeOverwrite, name, refTaskName(b.varkwRefs[name]))
				}
			}
			for name, old := range b.varkwRefs {
				m[name] = old
			}
		}
	}
	if vn, ok := b.sig.varArgsName(); ok {
		if v, rebind := updated[vn]; rebind {
			if _, err := checkVariadic(v.([]any)); err != nil {
				return err
			}
		}
	}

	for name, v := range updated {
		b.values[name] = v
	}
	b.rescan()
	return nil
}

func refTaskName(v any) string {
	if r, ok := v.(Ref); ok {
		t, _ := r.ref()
		return t.Name()
	}
	return ""
}

// Args returns the positional view of the binding in declaration order,
// with defaults filled in for unbound parameters and the variadic slot
// expanded in place. Task-bound entries appear as references.
func (b *Binding) Args() []any {
	var out []any
	for _, p := range b.sig.params {
		if p.kind == KeywordOnly || p.kind == VarKeyword {
			break
		}
		v, ok := b.values[p.name]
		switch {
		case p.kind == VarPositional:
			if ok {
				out = append(out, v.([]any)...)
			}
		case ok:
			out = append(out, v)
		case p.hasDefault:
			out = append(out, p.def)
		}
	}
	return out
}

// Kwargs returns the keyword view of the binding: keyword-only parameters
// with defaults filled in, plus the variadic-keyword entries flattened in.
func (b *Binding) Kwargs() map[string]any {
	out := make(map[string]any)
	for _, p := range b.sig.params {
		switch p.kind {
		case KeywordOnly:
			if v, ok := b.values[p.name]; ok {
				out[p.name] = v
			} else if p.hasDefault {
				out[p.name] = p.def
			}
		case VarKeyword:
			if v, ok := b.values[p.name]; ok {
				for name, item := range v.(map[string]any) {
					out[name] = item
				}
			}
		}
	}
	return out
}

// EvaluatedArgs is Args with every task reference replaced by the result it
// points at. It fails with ErrNotEvaluated when an upstream task has not
// produced a result yet.
func (b *Binding) EvaluatedArgs() ([]any, error) {
	raw := b.Args()
	out := make([]any, len(raw))
	for i, v := range raw {
		rv, err := resolveValue(v)
		if err != nil {
			return nil, err
		}
		out[i] = rv
	}
	return out, nil
}

// EvaluatedKwargs is Kwargs with every task reference replaced by the
// result it points at.
func (b *Binding) EvaluatedKwargs() (map[string]any, error) {
	raw := b.Kwargs()
	out := make(map[string]any, len(raw))
	for name, v := range raw {
		rv, err := resolveValue(v)
		if err != nil {
			return nil, err
		}
		out[name] = rv
	}
	return out, nil
}

// eachValue visits every effective argument value in declaration order:
// bound values or their defaults, variadic-positional items in order, and
// variadic-keyword values in sorted key order.
func (b *Binding) eachValue(visit func(v any)) {
	for _, p := range b.sig.params {
		v, ok := b.values[p.name]
		if !ok {
			if !p.hasDefault {
				continue
			}
			v = p.def
		}
		switch p.kind {
		case VarPositional:
			for _, item := range v.([]any) {
				visit(item)
			}
		case VarKeyword:
			m := v.(map[string]any)
			keys := make([]string, 0, len(m))
			for name := range m {
				keys = append(keys, name)
			}
			sort.Strings(keys)
			for _, name := range keys {
				visit(m[name])
			}
		default:
			visit(v)
		}
	}
}

// dependencies lists the distinct upstream tasks this binding references,
// in first-seen declaration order.
func (b *Binding) dependencies() []*Task {
	var deps []*Task
	seen := make(map[*Task]struct{})
	b.eachValue(func(v any) {
		r, ok := v.(Ref)
		if !ok {
			return
		}
		t, _ := r.ref()
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		deps = append(deps, t)
	})
	return deps
}

// argv reconstructs a call argument list that would reproduce the current
// binding: positionals in declaration order followed by keyword markers.
// A parameter bound after an unbound defaulted one is emitted as a keyword
// so it cannot slide into the earlier slot.
func (b *Binding) argv() []any {
	var out []any
	hole := false
	for _, p := range b.sig.params {
		v, ok := b.values[p.name]
		if !ok {
			if p.kind == Positional || p.kind == PositionalOrKeyword {
				hole = true
			}
			continue
		}
		switch p.kind {
		case Positional, PositionalOrKeyword:
			if hole && p.kind == PositionalOrKeyword {
				out = append(out, Kw(p.name, v))
			} else {
				out = append(out, v)
			}
		case VarPositional:
			out = append(out, v.([]any)...)
		case KeywordOnly:
			out = append(out, Kw(p.name, v))
		case VarKeyword:
			m := v.(map[string]any)
			keys := make([]string, 0, len(m))
			for name := range m {
				keys = append(keys, name)
			}
			sort.Strings(keys)
			for _, name := range keys {
				out = append(out, Kw(name, m[name]))
			}
		}
	}
	return out
}
