package sandbox

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// Limits bounds the size of an expression. Zero fields are not enforced.
type Limits struct {
	MaxLength int // Maximum expression length in bytes
	MaxNodes  int // Maximum number of syntax tree nodes
}

// DefaultLimits returns the limits used by Evaluate.
func DefaultLimits() Limits {
	return Limits{
		MaxLength: 4096,
		MaxNodes:  500,
	}
}

// Program is a compiled expression. It holds no per-run state and may be run
// concurrently.
type Program struct {
	source  string
	program *vm.Program
	paths   [][]string
	nodes   int
}

// Source returns the expression the program was compiled from.
func (p *Program) Source() string { return p.source }

// Nodes returns the number of syntax tree nodes in the expression.
func (p *Program) Nodes() int { return p.nodes }

// Compile checks expression against the sandbox rules and limits and
// compiles it. Configure is called on first use.
func Compile(expression string, limits Limits) (*Program, error) {
	Configure()

	if limits.MaxLength > 0 && len(expression) > limits.MaxLength {
		return nil, &LimitError{Limit: "length", Current: len(expression), Max: limits.MaxLength}
	}

	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, err
	}

	inspector := &inspector{}
	ast.Walk(&tree.Node, inspector)

	if inspector.denied != "" {
		return nil, &DisabledError{Name: inspector.denied}
	}
	if limits.MaxNodes > 0 && inspector.nodes > limits.MaxNodes {
		return nil, &LimitError{Limit: "complexity", Current: inspector.nodes, Max: limits.MaxNodes}
	}

	program, err := expr.Compile(expression, options...)
	if err != nil {
		return nil, err
	}

	return &Program{
		source:  expression,
		program: program,
		paths:   inspector.paths,
		nodes:   inspector.nodes,
	}, nil
}

// Run evaluates the program with scope as its environment. Every constant
// params member path referenced by the expression must resolve in scope.
func (p *Program) Run(scope map[string]any) (any, error) {
	for _, path := range p.paths {
		if err := resolve(scope, path); err != nil {
			return nil, err
		}
	}
	return expr.Run(p.program, scope)
}

// resolve walks path through nested maps. Walking stops without error at the
// first value that is not a map.
func resolve(scope map[string]any, path []string) error {
	var current any = scope
	for i, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[key]
		if !ok {
			return &UndefinedPropertyError{Path: strings.Join(path[:i+1], ".")}
		}
	}
	return nil
}

// EnvRoot is the engine's name for the whole environment. Expressions may
// not reference it; variables are read through params only.
const EnvRoot = "$env"

// inspector counts nodes, records the first denylisted call or EnvRoot
// reference and collects constant member paths rooted at the params
// identifier.
type inspector struct {
	nodes  int
	denied string
	paths  [][]string
}

func (v *inspector) Visit(node *ast.Node) {
	v.nodes++

	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		if n.Value == EnvRoot && v.denied == "" {
			v.denied = EnvRoot
		}
	case *ast.CallNode:
		if ident, ok := n.Callee.(*ast.IdentifierNode); ok && v.denied == "" && isDenied(ident.Value) {
			v.denied = ident.Value
		}
	case *ast.MemberNode:
		if n.Optional {
			return
		}
		if path, ok := memberPath(n); ok && path[0] == ScopeKey {
			v.paths = append(v.paths, path)
		}
	}
}

func memberPath(node ast.Node) ([]string, bool) {
	switch n := node.(type) {
	case *ast.IdentifierNode:
		return []string{n.Value}, true
	case *ast.MemberNode:
		prop, ok := n.Property.(*ast.StringNode)
		if !ok || n.Optional {
			return nil, false
		}
		parent, ok := memberPath(n.Node)
		if !ok {
			return nil, false
		}
		return append(parent, prop.Value), true
	}
	return nil, false
}

func (p *Program) String() string {
	return fmt.Sprintf("Program(%q, nodes=%d)", p.source, p.nodes)
}
