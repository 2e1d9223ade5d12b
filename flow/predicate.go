package flow

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Operator is a structured comparison used by branch predicates.
type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpContains  Operator = "contains"
	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
	OpGT        Operator = "gt"
	OpGTE       Operator = "gte"
	OpLT        Operator = "lt"
	OpLTE       Operator = "lte"
	OpRegex     Operator = "regex"
)

const maxExpressionLength = 4096

// Scope is what a predicate is evaluated against.
type Scope interface {
	// Lookup resolves a dotted path such as order.items.0.price.
	Lookup(path string) (any, bool)
	// Env returns the variables as an expression environment.
	Env() map[string]any
}

// Predicate is either an expression (Expr) or a structured comparison
// (Variable, Operator, Value). Parse compiles every branch; Eval never writes
// to the predicate so compiled graphs can be shared.
type Predicate struct {
	Expr     string   `json:"expr,omitempty"`
	Variable string   `json:"variable,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    any      `json:"value,omitempty"`

	program *vm.Program
	re      *regexp.Regexp
}

// Compile checks the predicate and prepares it for evaluation.
func (p *Predicate) Compile() error {
	if p.Expr != "" {
		if p.Variable != "" || p.Operator != "" {
			return ErrInvalidPredicate().WithDetail("reason", "use either expr or variable/operator, not both")
		}
		if len(p.Expr) > maxExpressionLength {
			return ErrInvalidPredicate().WithDetail("reason", "expression too long")
		}
		program, err := expr.Compile(p.Expr, expr.AllowUndefinedVariables())
		if err != nil {
			return ErrInvalidPredicate().WithDetail("expr", p.Expr).WithDetail("error", err.Error())
		}
		p.program = program
		return nil
	}

	if p.Variable == "" {
		return ErrInvalidPredicate().WithDetail("reason", "expr or variable is required")
	}
	switch p.Operator {
	case OpExists, OpNotExists:
	case OpEquals, OpNotEquals, OpContains:
		if p.Value == nil {
			return ErrInvalidPredicate().WithDetail("reason", "value is required").WithDetail("operator", string(p.Operator))
		}
	case OpGT, OpGTE, OpLT, OpLTE:
		if _, ok := toFloat(p.Value); !ok {
			return ErrInvalidPredicate().WithDetail("reason", "numeric operator needs a numeric value").WithDetail("operator", string(p.Operator))
		}
	case OpRegex:
		pattern, ok := p.Value.(string)
		if !ok {
			return ErrInvalidPredicate().WithDetail("reason", "regex value must be a string")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return ErrInvalidPredicate().WithDetail("pattern", pattern).WithDetail("error", err.Error())
		}
		p.re = re
	default:
		return ErrInvalidPredicate().WithDetail("reason", "unknown operator").WithDetail("operator", string(p.Operator))
	}
	return nil
}

// Eval evaluates the predicate. Errors only come from expression runtime
// failures; missing variables make structured predicates false.
func (p *Predicate) Eval(scope Scope) (bool, error) {
	if p.Expr != "" {
		program := p.program
		if program == nil {
			compiled, err := expr.Compile(p.Expr, expr.AllowUndefinedVariables())
			if err != nil {
				return false, ErrInvalidPredicate().WithDetail("expr", p.Expr).WithDetail("error", err.Error())
			}
			program = compiled
		}
		out, err := expr.Run(program, scope.Env())
		if err != nil {
			return false, fmt.Errorf("evaluate expression %q: %w", p.Expr, err)
		}
		return truthy(out)
	}

	actual, found := scope.Lookup(p.Variable)
	switch p.Operator {
	case OpExists:
		return found && !isEmpty(actual), nil
	case OpNotExists:
		return !found || isEmpty(actual), nil
	}
	if !found {
		return p.Operator == OpNotEquals, nil
	}

	switch p.Operator {
	case OpEquals:
		return looseEqual(actual, p.Value), nil
	case OpNotEquals:
		return !looseEqual(actual, p.Value), nil
	case OpContains:
		return contains(actual, p.Value), nil
	case OpGT, OpGTE, OpLT, OpLTE:
		a, ok1 := toFloat(actual)
		b, ok2 := toFloat(p.Value)
		if !ok1 || !ok2 {
			return false, nil
		}
		switch p.Operator {
		case OpGT:
			return a > b, nil
		case OpGTE:
			return a >= b, nil
		case OpLT:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case OpRegex:
		re := p.re
		if re == nil {
			pattern, _ := p.Value.(string)
			compiled, err := regexp.Compile(pattern)
			if err != nil {
				return false, ErrInvalidPredicate().WithDetail("pattern", pattern).WithDetail("error", err.Error())
			}
			re = compiled
		}
		return re.MatchString(fmt.Sprint(actual)), nil
	}
	return false, ErrInvalidPredicate().WithDetail("operator", string(p.Operator))
}

func truthy(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case nil:
		return false, nil
	case string:
		return t != "", nil
	case int:
		return t != 0, nil
	case int64:
		return t != 0, nil
	case float64:
		return t != 0, nil
	}
	return false, fmt.Errorf("expression returned %T, expected bool", v)
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	return strings.EqualFold(fmt.Sprint(a), fmt.Sprint(b))
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(strings.ToLower(h), strings.ToLower(fmt.Sprint(needle)))
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
	case map[string]any:
		_, ok := h[fmt.Sprint(needle)]
		return ok
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
