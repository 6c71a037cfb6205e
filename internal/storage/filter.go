package storage

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/njoerd114/devpeek/internal/model"
)

// Filter returns the items whose key or raw value contains query, compared
// case-insensitively. An empty query returns items unchanged.
func Filter(items []model.StorageItem, query string) []model.StorageItem {
	if query == "" {
		return items
	}
	needle := strings.ToLower(query)
	var out []model.StorageItem
	for _, item := range items {
		if strings.Contains(strings.ToLower(item.Key), needle) ||
			strings.Contains(strings.ToLower(item.Value), needle) {
			out = append(out, item)
		}
	}
	return out
}

// FilterKind returns the items of one kind.
func FilterKind(items []model.StorageItem, kind model.Kind) []model.StorageItem {
	var out []model.StorageItem
	for _, item := range items {
		if item.Kind == kind {
			out = append(out, item)
		}
	}
	return out
}

// GroupByKind splits items by store kind, preserving order within each kind.
func GroupByKind(items []model.StorageItem) map[model.Kind][]model.StorageItem {
	groups := make(map[model.Kind][]model.StorageItem, len(model.Kinds))
	for _, item := range items {
		groups[item.Kind] = append(groups[item.Kind], item)
	}
	return groups
}

// itemEnv is the variable set a [Predicate] expression sees.
type itemEnv struct {
	Key    string `expr:"key"`
	Value  string `expr:"value"`
	Kind   string `expr:"kind"`
	Size   int    `expr:"size"`
	Parsed any    `expr:"parsed"`
}

// Predicate is a compiled boolean expression over a storage item, e.g.
//
//	kind == "session" && size > 1024
//	type(parsed) == "map" && parsed.theme == "dark"
type Predicate struct {
	source  string
	program *vm.Program
}

// CompilePredicate compiles expression with expr-lang. The expression must
// evaluate to a bool.
func CompilePredicate(expression string) (*Predicate, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("filter expression must not be empty")
	}
	program, err := expr.Compile(expression, expr.Env(itemEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compiling filter %q: %w", expression, err)
	}
	return &Predicate{source: expression, program: program}, nil
}

// String returns the source expression.
func (p *Predicate) String() string {
	return p.source
}

// Match evaluates the predicate against item.
func (p *Predicate) Match(item model.StorageItem) (bool, error) {
	env := itemEnv{
		Key:    item.Key,
		Value:  item.Value,
		Kind:   string(item.Kind),
		Size:   len(item.Value),
		Parsed: model.ParseValue(item),
	}
	out, err := expr.Run(p.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluating filter %q on %s: %w", p.source, item.ExportKey(), err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// Apply returns the items matching the predicate. It stops at the first
// evaluation error.
func (p *Predicate) Apply(items []model.StorageItem) ([]model.StorageItem, error) {
	var out []model.StorageItem
	for _, item := range items {
		ok, err := p.Match(item)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, item)
		}
	}
	return out, nil
}
