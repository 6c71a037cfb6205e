// Package sources provides ready-made state adapters for the CLI: JSON or
// YAML files (push-capable through a file watcher) and HTTP endpoints
// (poll-only). Any adapter, Home Assistant entities included, can project
// its snapshot through an expr-lang expression before it reaches the
// registry.
package sources

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/njoerd114/devpeek/internal/adapter"
)

// Selector projects a snapshot with an expr-lang expression. The snapshot is
// available as `state`; when it is an object its top-level fields are also
// in scope, so "items" and "state.items" are equivalent.
type Selector struct {
	source  string
	program *vm.Program
}

// CompileSelector compiles expression. An empty expression yields a nil
// Selector, which passes snapshots through unchanged.
func CompileSelector(expression string) (*Selector, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, nil //nolint:nilnil // nil selector means identity
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compiling select %q: %w", expression, err)
	}
	return &Selector{source: expression, program: program}, nil
}

// Apply runs the selector against v. A nil Selector returns v.
func (s *Selector) Apply(v any) (any, error) {
	if s == nil {
		return v, nil
	}
	env := map[string]any{}
	if obj, ok := v.(map[string]any); ok {
		for k, field := range obj {
			env[k] = field
		}
	}
	env["state"] = v
	out, err := expr.Run(s.program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluating select %q: %w", s.source, err)
	}
	return out, nil
}

// String returns the source expression.
func (s *Selector) String() string {
	if s == nil {
		return ""
	}
	return s.source
}

// Select wraps a so that every snapshot passes through sel. The wrapper keeps
// a's push capability.
func Select(a adapter.Adapter, sel *Selector) adapter.Adapter {
	base := selected{inner: a, sel: sel}
	if sub, ok := a.(adapter.Subscriber); ok {
		return selectedSubscriber{selected: base, sub: sub}
	}
	return base
}

type selected struct {
	inner adapter.Adapter
	sel   *Selector
}

func (s selected) Name() string { return s.inner.Name() }

func (s selected) State() (any, error) {
	v, err := s.inner.State()
	if err != nil {
		return nil, err
	}
	return s.sel.Apply(v)
}

type selectedSubscriber struct {
	selected
	sub adapter.Subscriber
}

func (s selectedSubscriber) Subscribe(notify func()) (func(), error) {
	return s.sub.Subscribe(notify)
}
