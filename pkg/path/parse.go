// Package path parses and evaluates bounded property-path expressions over
// graph snapshots.
//
// Supported syntax:
//
//	ex:p            predicate (prefixed name, <full-iri>, or "a" for rdf:type)
//	^ex:p           inverse
//	ex:p/ex:q       sequence
//	ex:p|ex:q       alternation
//	ex:p* ex:p+     zero-or-more, one-or-more (bounded by the evaluator's max depth)
//	ex:p*{3}        repetition with an explicit bound
//	ex:p?           zero-or-one
//	( ... )         grouping
package path

import (
	"strconv"
	"strings"

	"github.com/coolbeans/graphharmony/pkg/errs"
	"github.com/coolbeans/graphharmony/pkg/store"
)

type nodeKind int

const (
	nodePredicate nodeKind = iota
	nodeSequence
	nodeAlternative
	nodeRepeat
)

// implicitBound marks a repetition whose bound comes from the evaluator.
const implicitBound = -1

type node struct {
	kind      nodeKind
	predicate store.Term
	inverse   bool
	children  []*node
	min       int
	max       int
}

// Expression is a parsed property path. It is immutable and safe for concurrent use.
type Expression struct {
	source string
	root   *node
}

// String returns the expression as written.
func (e *Expression) String() string {
	return e.source
}

// Parse parses a property-path expression. Syntax errors are reported as
// MalformedInputError carrying the expression.
func Parse(expr string) (*Expression, error) {
	p := &parser{input: expr}
	p.skipSpace()
	if p.done() {
		return nil, errs.Malformed(expr, "empty path expression")
	}

	root, err := p.alternative()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.done() {
		return nil, p.fail("unexpected %q at offset %d", p.input[p.pos], p.pos)
	}

	return &Expression{source: strings.TrimSpace(expr), root: root}, nil
}

// Inverse returns the expression walked in the opposite direction.
func (e *Expression) Inverse() *Expression {
	return &Expression{source: "^(" + e.source + ")", root: invert(e.root)}
}

// MustParse is like Parse but panics on error. Intended for constant expressions.
func MustParse(expr string) *Expression {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// Predicate returns the single-step path for a predicate IRI.
func Predicate(iri string) *Expression {
	return &Expression{
		source: iri,
		root:   &node{kind: nodePredicate, predicate: store.NewIRI(iri)},
	}
}

type parser struct {
	input string
	pos   int
}

func (p *parser) done() bool {
	return p.pos >= len(p.input)
}

func (p *parser) peek() byte {
	p.skipSpace()
	if p.done() {
		return 0
	}
	return p.input[p.pos]
}

func (p *parser) skipSpace() {
	for !p.done() && strings.ContainsRune(" \t\r\n", rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *parser) fail(format string, args ...any) error {
	return errs.Malformed(p.input, format, args...)
}

func (p *parser) alternative() (*node, error) {
	first, err := p.sequence()
	if err != nil {
		return nil, err
	}
	alts := []*node{first}
	for p.peek() == '|' {
		p.pos++
		next, err := p.sequence()
		if err != nil {
			return nil, err
		}
		alts = append(alts, next)
	}
	if len(alts) == 1 {
		return first, nil
	}
	return &node{kind: nodeAlternative, children: alts}, nil
}

func (p *parser) sequence() (*node, error) {
	first, err := p.unary()
	if err != nil {
		return nil, err
	}
	steps := []*node{first}
	for p.peek() == '/' {
		p.pos++
		next, err := p.unary()
		if err != nil {
			return nil, err
		}
		steps = append(steps, next)
	}
	if len(steps) == 1 {
		return first, nil
	}
	return &node{kind: nodeSequence, children: steps}, nil
}

func (p *parser) unary() (*node, error) {
	inverse := false
	if p.peek() == '^' {
		p.pos++
		inverse = true
	}

	n, err := p.primary()
	if err != nil {
		return nil, err
	}
	if n, err = p.modifier(n); err != nil {
		return nil, err
	}
	if inverse {
		n = invert(n)
	}
	return n, nil
}

func (p *parser) primary() (*node, error) {
	switch c := p.peek(); {
	case c == 0:
		return nil, p.fail("unexpected end of expression")
	case c == '(':
		p.pos++
		inner, err := p.alternative()
		if err != nil {
			return nil, err
		}
		if p.peek() != ')' {
			return nil, p.fail("missing ')' at offset %d", p.pos)
		}
		p.pos++
		return inner, nil
	case c == '<':
		end := strings.IndexByte(p.input[p.pos:], '>')
		if end < 0 {
			return nil, p.fail("unterminated IRI at offset %d", p.pos)
		}
		iri := p.input[p.pos+1 : p.pos+end]
		p.pos += end + 1
		return predicateNode(p, iri)
	default:
		start := p.pos
		for !p.done() && !strings.ContainsRune(" \t\r\n/|^*+?(){}<", rune(p.input[p.pos])) {
			p.pos++
		}
		name := p.input[start:p.pos]
		if name == "" {
			return nil, p.fail("unexpected %q at offset %d", c, start)
		}
		if name == "a" {
			name = store.RDFType
		} else if i := strings.IndexByte(name, ':'); i <= 0 || i == len(name)-1 {
			return nil, p.fail("%q is not a prefixed name or IRI", name)
		}
		return predicateNode(p, name)
	}
}

func predicateNode(p *parser, iri string) (*node, error) {
	term := store.NewIRI(iri)
	if err := term.Validate(); err != nil {
		return nil, p.fail("%v", err)
	}
	return &node{kind: nodePredicate, predicate: term}, nil
}

func (p *parser) modifier(inner *node) (*node, error) {
	var rep *node
	switch p.peek() {
	case '*':
		rep = &node{kind: nodeRepeat, children: []*node{inner}, min: 0, max: implicitBound}
	case '+':
		rep = &node{kind: nodeRepeat, children: []*node{inner}, min: 1, max: implicitBound}
	case '?':
		p.pos++
		return &node{kind: nodeRepeat, children: []*node{inner}, min: 0, max: 1}, nil
	default:
		return inner, nil
	}
	p.pos++

	if p.peek() == '{' {
		end := strings.IndexByte(p.input[p.pos:], '}')
		if end < 0 {
			return nil, p.fail("unterminated bound at offset %d", p.pos)
		}
		raw := strings.TrimSpace(p.input[p.pos+1 : p.pos+end])
		bound, err := strconv.Atoi(raw)
		if err != nil || bound < rep.min {
			return nil, p.fail("invalid repetition bound %q", raw)
		}
		rep.max = bound
		p.pos += end + 1
	}

	if c := p.peek(); c == '*' || c == '+' || c == '?' {
		return nil, p.fail("repeated modifier at offset %d", p.pos)
	}
	return rep, nil
}

// invert pushes an inverse down to the predicates: ^(a/b) is ^b/^a.
func invert(n *node) *node {
	switch n.kind {
	case nodePredicate:
		return &node{kind: nodePredicate, predicate: n.predicate, inverse: !n.inverse}
	case nodeSequence:
		steps := make([]*node, len(n.children))
		for i, child := range n.children {
			steps[len(steps)-1-i] = invert(child)
		}
		return &node{kind: nodeSequence, children: steps}
	case nodeAlternative:
		alts := make([]*node, len(n.children))
		for i, child := range n.children {
			alts[i] = invert(child)
		}
		return &node{kind: nodeAlternative, children: alts}
	default:
		return &node{kind: nodeRepeat, children: []*node{invert(n.children[0])}, min: n.min, max: n.max}
	}
}
