package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/coolbeans/graphharmony/pkg/store"
)

// filterKind is the closed set of supported FILTER predicates.
type filterKind int

const (
	filterRegex filterKind = iota
	filterContains
	filterStrStarts
	filterStrEnds
	filterBound
	filterCompare
)

var (
	boundRegex    = regexp.MustCompile(`(?i)^(!\s*)?BOUND\s*\(\s*\?(\w+)\s*\)$`)
	functionRegex = regexp.MustCompile(`(?is)^(REGEX|CONTAINS|STRSTARTS|STRENDS)\s*\((.*)\)$`)
	strRegex      = regexp.MustCompile(`(?i)^STR\s*\(\s*\?(\w+)\s*\)$`)
)

// operand is a variable reference, STR(?var), or a constant term.
type operand struct {
	variable string
	str      bool
	constant store.Term
}

func (o operand) resolve(b Binding) (store.Term, bool) {
	if o.variable == "" {
		return o.constant, true
	}
	t, ok := b[o.variable]
	if !ok {
		return store.Term{}, false
	}
	if o.str {
		return store.NewLiteral(t.Value), true
	}
	return t, true
}

type filterExpr struct {
	kind    filterKind
	negated bool
	args    []operand
	op      string
	re      *regexp.Regexp
}

// compileFilter parses a filter expression into a typed predicate. Anything
// outside the supported set is an error; there is no fallback evaluation.
func compileFilter(expression string) (*filterExpr, error) {
	expr := strings.TrimSpace(expression)

	if m := boundRegex.FindStringSubmatch(expr); m != nil {
		return &filterExpr{
			kind:    filterBound,
			negated: strings.TrimSpace(m[1]) != "",
			args:    []operand{{variable: m[2]}},
		}, nil
	}

	if m := functionRegex.FindStringSubmatch(expr); m != nil {
		return compileFunction(strings.ToUpper(m[1]), m[2])
	}

	left, op, right, ok := splitComparison(expr)
	if !ok {
		return nil, fmt.Errorf("unsupported filter expression %q", expr)
	}
	lhs, err := parseOperand(left)
	if err != nil {
		return nil, err
	}
	rhs, err := parseOperand(right)
	if err != nil {
		return nil, err
	}
	return &filterExpr{kind: filterCompare, op: op, args: []operand{lhs, rhs}}, nil
}

func compileFunction(name, rawArgs string) (*filterExpr, error) {
	raw := splitArgs(rawArgs)
	var args []operand
	for _, a := range raw {
		o, err := parseOperand(a)
		if err != nil {
			return nil, err
		}
		args = append(args, o)
	}

	f := &filterExpr{args: args}
	switch name {
	case "REGEX":
		if len(args) < 2 || len(args) > 3 {
			return nil, fmt.Errorf("REGEX takes 2 or 3 arguments, got %d", len(args))
		}
		pattern := args[1].constant
		if args[1].variable != "" || !pattern.IsLiteral() {
			return nil, fmt.Errorf("REGEX pattern must be a string literal")
		}
		source := pattern.Value
		if len(args) == 3 {
			if strings.Contains(args[2].constant.Value, "i") {
				source = "(?i)" + source
			}
		}
		re, err := regexp.Compile(source)
		if err != nil {
			return nil, fmt.Errorf("invalid REGEX pattern: %w", err)
		}
		f.kind = filterRegex
		f.re = re
		return f, nil
	case "CONTAINS":
		f.kind = filterContains
	case "STRSTARTS":
		f.kind = filterStrStarts
	case "STRENDS":
		f.kind = filterStrEnds
	}
	if len(args) != 2 {
		return nil, fmt.Errorf("%s takes 2 arguments, got %d", name, len(args))
	}
	return f, nil
}

// splitComparison finds the first comparison operator outside literals and IRIs.
func splitComparison(expr string) (string, string, string, bool) {
	inLiteral := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case inLiteral && c == '\\':
			i++
			continue
		case c == '"':
			inLiteral = !inLiteral
			continue
		case inLiteral:
			continue
		case c == '<' && i+1 < len(expr) && expr[i+1] != '=' && expr[i+1] != ' ':
			if end := strings.IndexByte(expr[i:], '>'); end > 0 && !strings.ContainsAny(expr[i:i+end], " \t") {
				i += end
				continue
			}
		}

		for _, op := range []string{"!=", "<=", ">=", "=", "<", ">"} {
			if strings.HasPrefix(expr[i:], op) {
				left := strings.TrimSpace(expr[:i])
				right := strings.TrimSpace(expr[i+len(op):])
				if left == "" || right == "" {
					return "", "", "", false
				}
				return left, op, right, true
			}
		}
	}
	return "", "", "", false
}

// splitArgs splits a function argument list on commas outside literals.
func splitArgs(s string) []string {
	var args []string
	var current strings.Builder
	inLiteral := false
	depth := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inLiteral && c == '\\' && i+1 < len(s):
			current.WriteByte(c)
			i++
			c = s[i]
		case c == '"':
			inLiteral = !inLiteral
		case !inLiteral && c == '(':
			depth++
		case !inLiteral && c == ')':
			depth--
		case !inLiteral && depth == 0 && c == ',':
			args = append(args, strings.TrimSpace(current.String()))
			current.Reset()
			continue
		}
		current.WriteByte(c)
	}
	if strings.TrimSpace(current.String()) != "" {
		args = append(args, strings.TrimSpace(current.String()))
	}
	return args
}

func parseOperand(raw string) (operand, error) {
	raw = strings.TrimSpace(raw)
	if IsVariable(raw) {
		return operand{variable: StripVariable(raw)}, nil
	}
	if m := strRegex.FindStringSubmatch(raw); m != nil {
		return operand{variable: m[1], str: true}, nil
	}
	t, err := constantTerm(raw)
	if err != nil {
		return operand{}, fmt.Errorf("invalid filter operand %q: %w", raw, err)
	}
	return operand{constant: t}, nil
}

func (f *filterExpr) eval(b Binding) bool {
	switch f.kind {
	case filterBound:
		_, ok := b[f.args[0].variable]
		return ok != f.negated
	case filterCompare:
		left, lok := f.args[0].resolve(b)
		right, rok := f.args[1].resolve(b)
		if !lok || !rok {
			return false
		}
		return compareWith(f.op, left, right)
	}

	value, ok := f.args[0].resolve(b)
	if !ok {
		return false
	}
	if f.kind == filterRegex {
		return f.re.MatchString(value.Value)
	}

	arg, ok := f.args[1].resolve(b)
	if !ok {
		return false
	}
	switch f.kind {
	case filterContains:
		return strings.Contains(value.Value, arg.Value)
	case filterStrStarts:
		return strings.HasPrefix(value.Value, arg.Value)
	case filterStrEnds:
		return strings.HasSuffix(value.Value, arg.Value)
	default:
		return false
	}
}

func compareWith(op string, left, right store.Term) bool {
	if op == "=" || op == "!=" {
		equal := termsEqual(left, right)
		return equal == (op == "=")
	}

	cmp, ok := compareTerms(left, right)
	if !ok {
		return false
	}
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

// termsEqual compares numerically when both sides are numeric and by lexical
// value when both are literals or both are resources.
func termsEqual(a, b store.Term) bool {
	if x, ok := a.Numeric(); ok {
		if y, ok := b.Numeric(); ok {
			return x == y
		}
	}
	if a.IsLiteral() != b.IsLiteral() {
		return false
	}
	return a.Value == b.Value
}

// compareTerms orders numerics numerically and everything else by lexical
// value. The boolean is false when the terms are not comparable, including a
// number against a non-numeric value.
func compareTerms(a, b store.Term) (int, bool) {
	x, xok := a.Numeric()
	y, yok := b.Numeric()
	switch {
	case xok && yok:
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		default:
			return 0, true
		}
	case xok != yok:
		return 0, false
	}
	if a.IsLiteral() != b.IsLiteral() {
		return 0, false
	}
	return strings.Compare(a.Value, b.Value), true
}
