package expression

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

type node interface {
	eval(env map[string]any) any
}

type literalNode struct{ value any }

type pathNode struct{ parts []string }

type unaryNode struct {
	op      string
	operand node
}

type binaryNode struct {
	op          string
	left, right node
}

type logicalNode struct {
	op          string
	left, right node
}

// Eval evaluates the expression against env and returns its value. Numbers
// are returned as float64, absent paths as nil.
func (e *Expr) Eval(env map[string]any) any {
	return e.root.eval(env)
}

// EvalBool evaluates the expression and reports its truthiness.
func (e *Expr) EvalBool(env map[string]any) bool {
	return Truthy(e.Eval(env))
}

// Evaluate parses and evaluates src in one call.
func Evaluate(src string, env map[string]any) (bool, error) {
	expr, err := Parse(src)
	if err != nil {
		return false, err
	}
	return expr.EvalBool(env), nil
}

func (n *literalNode) eval(map[string]any) any { return n.value }

func (n *pathNode) eval(env map[string]any) any {
	var current any = env
	for _, part := range n.parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return normalize(current)
}

func (n *unaryNode) eval(env map[string]any) any {
	v := n.operand.eval(env)
	if n.op == "!" {
		return !Truthy(v)
	}
	return -toNumber(v)
}

func (n *logicalNode) eval(env map[string]any) any {
	left := n.left.eval(env)
	if n.op == "&&" {
		if !Truthy(left) {
			return left
		}
		return n.right.eval(env)
	}
	if Truthy(left) {
		return left
	}
	return n.right.eval(env)
}

func (n *binaryNode) eval(env map[string]any) any {
	l := n.left.eval(env)
	r := n.right.eval(env)
	switch n.op {
	case "+":
		_, ls := l.(string)
		_, rs := r.(string)
		if ls || rs {
			return toString(l) + toString(r)
		}
		return toNumber(l) + toNumber(r)
	case "-":
		return toNumber(l) - toNumber(r)
	case "*":
		return toNumber(l) * toNumber(r)
	case "/":
		return toNumber(l) / toNumber(r)
	case "%":
		return math.Mod(toNumber(l), toNumber(r))
	case "<", "<=", ">", ">=":
		return compare(n.op, l, r)
	case "==":
		return looseEqual(l, r)
	case "!=":
		return !looseEqual(l, r)
	case "===":
		return strictEqual(l, r)
	case "!==":
		return !strictEqual(l, r)
	}
	return nil
}

// Truthy reports whether v counts as true in a condition.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	default:
		return true
	}
}

// normalize folds every numeric representation found in data bags into
// float64 so comparisons behave uniformly.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	default:
		return v
	}
}

func toNumber(v any) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case bool:
		if x {
			return 1
		}
		return 0
	case float64:
		return x
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func compare(op string, l, r any) bool {
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		c := strings.Compare(ls, rs)
		switch op {
		case "<":
			return c < 0
		case "<=":
			return c <= 0
		case ">":
			return c > 0
		default:
			return c >= 0
		}
	}
	a, b := toNumber(l), toNumber(r)
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	default:
		return a >= b
	}
}

func strictEqual(l, r any) bool {
	switch x := l.(type) {
	case nil:
		return r == nil
	case bool, string:
		return l == r
	case float64:
		y, ok := r.(float64)
		return ok && x == y
	default:
		if r == nil {
			return false
		}
		return reflect.DeepEqual(l, r)
	}
}

func looseEqual(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	if reflect.TypeOf(l) == reflect.TypeOf(r) {
		return strictEqual(l, r)
	}
	switch l.(type) {
	case float64, string, bool:
	default:
		return false
	}
	switch r.(type) {
	case float64, string, bool:
	default:
		return false
	}
	return toNumber(l) == toNumber(r)
}
