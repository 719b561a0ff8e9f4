package probe

import (
	"fmt"
	"strconv"
	"strings"
)

// predicate is a parsed uptime-api check expression. Supported forms:
//
//	<path> exists
//	<path> <op> <literal>     op in ==, !=, <, <=, >, >=
//
// where path is a dot-separated key sequence into the JSON document and
// literal is a bare string, a number, or true/false.
type predicate struct {
	path   []string
	op     string
	value  string
	exists bool
}

func parsePredicate(expr string) (*predicate, error) {
	fields := strings.Fields(expr)
	switch {
	case len(fields) == 2 && fields[1] == "exists":
		return &predicate{path: strings.Split(fields[0], "."), exists: true}, nil
	case len(fields) == 3:
		switch fields[1] {
		case "==", "!=", "<", "<=", ">", ">=":
		default:
			return nil, fmt.Errorf("predicate: unsupported operator %q", fields[1])
		}
		return &predicate{
			path:  strings.Split(fields[0], "."),
			op:    fields[1],
			value: fields[2],
		}, nil
	default:
		return nil, fmt.Errorf("predicate: cannot parse %q", expr)
	}
}

// Eval applies the predicate to a decoded JSON document.
func (p *predicate) Eval(doc any) (bool, error) {
	current := doc
	for _, key := range p.path {
		obj, ok := current.(map[string]any)
		if !ok {
			if p.exists {
				return false, nil
			}
			return false, fmt.Errorf("predicate: path %s not found", strings.Join(p.path, "."))
		}
		current, ok = obj[key]
		if !ok {
			if p.exists {
				return false, nil
			}
			return false, fmt.Errorf("predicate: path %s not found", strings.Join(p.path, "."))
		}
	}
	if p.exists {
		return true, nil
	}

	// Numeric comparison when both sides parse as numbers.
	if lhs, isNum := asFloat(current); isNum {
		if rhs, err := strconv.ParseFloat(p.value, 64); err == nil {
			return compareFloats(lhs, rhs, p.op), nil
		}
	}

	lhs := asString(current)
	switch p.op {
	case "==":
		return lhs == p.value, nil
	case "!=":
		return lhs != p.value, nil
	default:
		return false, fmt.Errorf("predicate: operator %s requires numeric operands", p.op)
	}
}

func compareFloats(lhs, rhs float64, op string) bool {
	switch op {
	case "==":
		return lhs == rhs
	case "!=":
		return lhs != rhs
	case "<":
		return lhs < rhs
	case "<=":
		return lhs <= rhs
	case ">":
		return lhs > rhs
	case ">=":
		return lhs >= rhs
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", v)
	}
}
