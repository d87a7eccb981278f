// Package sandbox wraps the expression engine used by math series behind a
// fixed, minimal surface. The engine is configured once per process: a set of
// arithmetic helpers is installed and a denylist of operations that could be
// used to escape plain arithmetic is overridden so that calling any of them
// fails with ErrOperationDisabled.
//
// Expressions see their variables through a single "params" map, so a scope
// of
//
//	map[string]any{"params": map[string]any{"a": 2.0, "b": 4.0}}
//
// is referenced in an expression as "params.a / params.b".
package sandbox

import (
	"fmt"
	"math"
	"sync"

	"github.com/expr-lang/expr"
)

// ScopeKey is the only top-level identifier an expression may reference.
const ScopeKey = "params"

// Denied lists the operations that are overridden by Configure. Using any of
// them as a function call inside an expression fails with a *DisabledError.
var Denied = []string{
	"import",
	"createUnit",
	"evaluate",
	"parse",
	"simplify",
	"derivative",
}

var (
	configureOnce sync.Once
	options       []expr.Option
	denied        map[string]struct{}
)

// Configure installs the sandbox configuration. It is safe to call from many
// goroutines and any number of times; only the first call has an effect.
func Configure() {
	configureOnce.Do(func() {
		denied = make(map[string]struct{}, len(Denied))
		opts := []expr.Option{
			expr.Env(map[string]any{ScopeKey: map[string]any{}}),
		}

		for name, fn := range helpers {
			opts = append(opts, expr.Function(name, fn))
		}
		for _, name := range Denied {
			denied[name] = struct{}{}
			opts = append(opts, expr.Function(name, disabled(name)))
		}

		options = opts
	})
}

// Evaluate compiles expression with DefaultLimits and runs it against scope.
// Configure is called on first use.
func Evaluate(expression string, scope map[string]any) (any, error) {
	program, err := Compile(expression, DefaultLimits())
	if err != nil {
		return nil, err
	}
	return program.Run(scope)
}

func isDenied(name string) bool {
	_, ok := denied[name]
	return ok
}

func disabled(name string) func(params ...any) (any, error) {
	return func(params ...any) (any, error) {
		return nil, &DisabledError{Name: name}
	}
}

type helperFunc = func(params ...any) (any, error)

var helpers = map[string]helperFunc{
	"add": func(params ...any) (any, error) {
		xs, err := numbers("add", 2, -1, params)
		if err != nil {
			return nil, err
		}
		sum := 0.0
		for _, x := range xs {
			sum += x
		}
		return sum, nil
	},
	"subtract": binary("subtract", func(a, b float64) float64 { return a - b }),
	"multiply": func(params ...any) (any, error) {
		xs, err := numbers("multiply", 2, -1, params)
		if err != nil {
			return nil, err
		}
		product := 1.0
		for _, x := range xs {
			product *= x
		}
		return product, nil
	},
	// divide follows float semantics: a zero divisor yields ±Inf or NaN.
	"divide": binary("divide", func(a, b float64) float64 { return a / b }),
	"mod":    binary("mod", math.Mod),
	"pow":    binary("pow", math.Pow),
	"sqrt":   unary("sqrt", math.Sqrt),
	"cbrt":   unary("cbrt", math.Cbrt),
	"exp":    unary("exp", math.Exp),
	"log10":  unary("log10", math.Log10),
	"log2":   unary("log2", math.Log2),
	"square": unary("square", func(x float64) float64 { return x * x }),
	"sign": unary("sign", func(x float64) float64 {
		switch {
		case x > 0:
			return 1
		case x < 0:
			return -1
		}
		return x
	}),
	"log": func(params ...any) (any, error) {
		xs, err := numbers("log", 1, 2, params)
		if err != nil {
			return nil, err
		}
		if len(xs) == 2 {
			return math.Log(xs[0]) / math.Log(xs[1]), nil
		}
		return math.Log(xs[0]), nil
	},
	"hypot": func(params ...any) (any, error) {
		xs, err := numbers("hypot", 1, -1, params)
		if err != nil {
			return nil, err
		}
		sum := 0.0
		for _, x := range xs {
			sum += x * x
		}
		return math.Sqrt(sum), nil
	},
	"size": func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("size: wrong number of arguments: got=%d, want=1", len(params))
		}
		switch v := params[0].(type) {
		case []any:
			return len(v), nil
		case []float64:
			return len(v), nil
		case string:
			return len(v), nil
		case map[string]any:
			return len(v), nil
		}
		return 0, nil
	},
}

func unary(name string, fn func(float64) float64) helperFunc {
	return func(params ...any) (any, error) {
		xs, err := numbers(name, 1, 1, params)
		if err != nil {
			return nil, err
		}
		return fn(xs[0]), nil
	}
}

func binary(name string, fn func(a, b float64) float64) helperFunc {
	return func(params ...any) (any, error) {
		xs, err := numbers(name, 2, 2, params)
		if err != nil {
			return nil, err
		}
		return fn(xs[0], xs[1]), nil
	}
}

// numbers converts params to float64, checking the argument count. hi < 0
// means no upper bound.
func numbers(name string, lo, hi int, params []any) ([]float64, error) {
	if len(params) < lo || (hi >= 0 && len(params) > hi) {
		return nil, fmt.Errorf("%s: wrong number of arguments: got=%d", name, len(params))
	}
	xs := make([]float64, len(params))
	for i, p := range params {
		x, ok := Number(p)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d is not a number: %T", name, i+1, p)
		}
		xs[i] = x
	}
	return xs, nil
}

// Number reports the float64 value of a numeric engine result.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
