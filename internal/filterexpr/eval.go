package filterexpr

import (
	"fmt"
	"strconv"
)

// Record is the evaluation target: the attribute surface a filter
// expression can observe. Both live records and decoded frames
// implement it.
type Record interface {
	// SeverityRank returns the record's severity as an integer rank.
	SeverityRank() int
	// LoggerName returns the owning logger's full name.
	LoggerName() string
	// ComponentText returns the i-th component rendered as text, and
	// whether the component exists.
	ComponentText(i int) (string, bool)
}

// Predicate is a compiled filter.
type Predicate func(Record) bool

// UserFunc is a registered filter function; it receives the literal
// arguments from the expression at compile time and returns a
// predicate.
type UserFunc func(args []string) (Predicate, error)

// SeverityParser resolves severity names in comparisons like
// `severity >= WARNING`. Installed by the owning package.
type SeverityParser func(name string) (int, bool)

// Compile lowers an AST to a closure. funcs resolves call forms;
// sevParse resolves severity literals.
func Compile(node Node, funcs map[string]UserFunc, sevParse SeverityParser) (Predicate, error) {
	if node == nil {
		return func(Record) bool { return true }, nil
	}
	switch n := node.(type) {
	case BinaryExpr:
		left, err := Compile(n.Left, funcs, sevParse)
		if err != nil {
			return nil, err
		}
		right, err := Compile(n.Right, funcs, sevParse)
		if err != nil {
			return nil, err
		}
		if n.Op == TokenAnd {
			return func(r Record) bool { return left(r) && right(r) }, nil
		}
		return func(r Record) bool { return left(r) || right(r) }, nil

	case NotExpr:
		inner, err := Compile(n.Expr, funcs, sevParse)
		if err != nil {
			return nil, err
		}
		return func(r Record) bool { return !inner(r) }, nil

	case CompareExpr:
		return compileCompare(n, funcs, sevParse)

	case CallExpr:
		return compileCall(n, funcs)
	}
	return nil, fmt.Errorf("unsupported filter node %T", node)
}

func compileCall(n CallExpr, funcs map[string]UserFunc) (Predicate, error) {
	if n.Name == "has_component" {
		if len(n.Args) != 1 {
			return nil, fmt.Errorf("has_component expects one index argument")
		}
		idx, err := strconv.Atoi(n.Args[0])
		if err != nil {
			return nil, fmt.Errorf("has_component: %q is not an index", n.Args[0])
		}
		return func(r Record) bool {
			_, ok := r.ComponentText(idx)
			return ok
		}, nil
	}
	fn, ok := funcs[n.Name]
	if !ok {
		return nil, fmt.Errorf("unknown filter function %q", n.Name)
	}
	return fn(n.Args)
}

func compileCompare(n CompareExpr, funcs map[string]UserFunc, sevParse SeverityParser) (Predicate, error) {
	// component(i) = "text" and similar call-form left sides.
	if n.Call != nil {
		if n.Call.Name != "component" {
			return nil, fmt.Errorf("function %q cannot be compared; only component(i) can", n.Call.Name)
		}
		if len(n.Call.Args) != 1 {
			return nil, fmt.Errorf("component expects one index argument")
		}
		idx, err := strconv.Atoi(n.Call.Args[0])
		if err != nil {
			return nil, fmt.Errorf("component: %q is not an index", n.Call.Args[0])
		}
		op := n.Op
		want := n.Value
		return func(r Record) bool {
			text, ok := r.ComponentText(idx)
			if !ok {
				return false
			}
			return compareText(text, want, op)
		}, nil
	}

	switch n.Attr {
	case "level", "severity":
		rank, err := severityRank(n.Value, n.IsNum, sevParse)
		if err != nil {
			return nil, err
		}
		op := n.Op
		return func(r Record) bool {
			return compareInt(r.SeverityRank(), rank, op)
		}, nil
	case "logger":
		op := n.Op
		want := n.Value
		return func(r Record) bool {
			return compareText(r.LoggerName(), want, op)
		}, nil
	}
	return nil, fmt.Errorf("unknown attribute %q", n.Attr)
}

func severityRank(value string, isNum bool, sevParse SeverityParser) (int, error) {
	if isNum {
		return strconv.Atoi(value)
	}
	if sevParse != nil {
		if rank, ok := sevParse(value); ok {
			return rank, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", value)
}

func compareInt(have, want int, op TokenType) bool {
	switch op {
	case TokenGE:
		return have >= want
	case TokenLE:
		return have <= want
	case TokenGT:
		return have > want
	case TokenLT:
		return have < want
	case TokenEQ:
		return have == want
	case TokenNEQ:
		return have != want
	}
	return false
}

func compareText(have, want string, op TokenType) bool {
	switch op {
	case TokenEQ:
		return have == want
	case TokenNEQ:
		return have != want
	case TokenGE:
		return have >= want
	case TokenLE:
		return have <= want
	case TokenGT:
		return have > want
	case TokenLT:
		return have < want
	}
	return false
}
