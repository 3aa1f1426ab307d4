package dagpipe

import (
	"errors"
	"fmt"
)

// ParamKind classifies how a declared parameter accepts arguments, following
// the classic positional/keyword calling convention.
type ParamKind int

const (
	// Positional parameters are filled strictly by argument position.
	Positional ParamKind = iota
	// PositionalOrKeyword parameters accept an argument by position or by name.
	PositionalOrKeyword
	// VarPositional collects excess positional arguments into a slice.
	VarPositional
	// KeywordOnly parameters must be supplied by name.
	KeywordOnly
	// VarKeyword collects unmatched keyword arguments into a map.
	VarKeyword
)

func (k ParamKind) String() string {
	switch k {
	case Positional:
		return "positional"
	case PositionalOrKeyword:
		return "positional-or-keyword"
	case VarPositional:
		return "variadic-positional"
	case KeywordOnly:
		return "keyword-only"
	case VarKeyword:
		return "variadic-keyword"
	default:
		return fmt.Sprintf("ParamKind(%d)", int(k))
	}
}

// Param describes one declared parameter of a callable.
type Param struct {
	name       string
	kind       ParamKind
	def        any
	hasDefault bool
}

// PosOnly declares a strictly positional parameter.
func PosOnly(name string) Param {
	return Param{name: name, kind: Positional}
}

// Arg declares a parameter accepted by position or by name.
func Arg(name string) Param {
	return Param{name: name, kind: PositionalOrKeyword}
}

// VarArgs declares the slot collecting excess positional arguments.
func VarArgs(name string) Param {
	return Param{name: name, kind: VarPositional}
}

// KwOnly declares a keyword-only parameter.
func KwOnly(name string) Param {
	return Param{name: name, kind: KeywordOnly}
}

// VarKwargs declares the slot collecting unmatched keyword arguments.
func VarKwargs(name string) Param {
	return Param{name: name, kind: VarKeyword}
}

// WithDefault returns a copy of the parameter carrying a default value,
// making the parameter optional.
func (p Param) WithDefault(value any) Param {
	p.def = value
	p.hasDefault = true
	return p
}

// Name returns the declared parameter name.
func (p Param) Name() string { return p.name }

// Kind returns the declared parameter kind.
func (p Param) Kind() ParamKind { return p.kind }

// Default returns the declared default value and whether one is set.
func (p Param) Default() (any, bool) { return p.def, p.hasDefault }

// ErrInvalidSignature indicates a malformed parameter declaration.
var ErrInvalidSignature = errors.New("dagpipe: invalid signature")

// Signature is the ordered parameter declaration a binding matches call
// arguments against. Immutable once constructed; safe to share between tasks.
type Signature struct {
	params    []Param
	varArgs   int
	varKwargs int
}

// NewSignature validates the declaration order and uniqueness rules:
// kinds must appear in non-decreasing order, at most one variadic slot of
// each flavour may exist, variadic slots cannot carry defaults, and a
// required parameter may not follow a defaulted one.
func NewSignature(params ...Param) (*Signature, error) {
	s := &Signature{
		params:    append([]Param(nil), params...),
		varArgs:   -1,
		varKwargs: -1,
	}

	seen := make(map[string]struct{}, len(params))
	seenDefault := false
	last := Positional
	for i, p := range s.params {
		if p.name == "" {
			return nil, fmt.Errorf("%w: parameter %d has no name", ErrInvalidSignature, i)
		}
		if _, dup := seen[p.name]; dup {
			return nil, fmt.Errorf("%w: duplicate parameter %q", ErrInvalidSignature, p.name)
		}
		seen[p.name] = struct{}{}

		if p.kind < last {
			return nil, fmt.Errorf("%w: %s parameter %q after %s parameter", ErrInvalidSignature, p.kind, p.name, last)
		}
		last = p.kind

		switch p.kind {
		case VarPositional:
			if s.varArgs >= 0 {
				return nil, fmt.Errorf("%w: second variadic-positional parameter %q", ErrInvalidSignature, p.name)
			}
			if p.hasDefault {
				return nil, fmt.Errorf("%w: variadic parameter %q cannot have a default", ErrInvalidSignature, p.name)
			}
			s.varArgs = i
		case VarKeyword:
			if s.varKwargs >= 0 {
				return nil, fmt.Errorf("%w: second variadic-keyword parameter %q", ErrInvalidSignature, p.name)
			}
			if p.hasDefault {
				return nil, fmt.Errorf("%w: variadic parameter %q cannot have a default", ErrInvalidSignature, p.name)
			}
			s.varKwargs = i
		case Positional, PositionalOrKeyword:
			if p.hasDefault {
				seenDefault = true
			} else if seenDefault {
				return nil, fmt.Errorf("%w: required parameter %q follows a defaulted one", ErrInvalidSignature, p.name)
			}
		}
	}
	return s, nil
}

// Params returns a copy of the declared parameters in order.
func (s *Signature) Params() []Param {
	return append([]Param(nil), s.params...)
}

func (s *Signature) varArgsName() (string, bool) {
	if s.varArgs < 0 {
		return "", false
	}
	return s.params[s.varArgs].name, true
}

func (s *Signature) varKwargsName() (string, bool) {
	if s.varKwargs < 0 {
		return "", false
	}
	return s.params[s.varKwargs].name, true
}
