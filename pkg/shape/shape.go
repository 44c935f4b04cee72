// Package shape validates graph snapshots against declarative constraint
// shapes: cardinality, datatype, class, pattern, range, enumeration, length,
// logical combinators over sub-shapes, and typed guard predicates.
package shape

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coolbeans/graphharmony/pkg/errs"
	"github.com/coolbeans/graphharmony/pkg/path"
	"github.com/coolbeans/graphharmony/pkg/store"
)

// Severity of a validation result.
type Severity string

const (
	SeverityViolation Severity = "Violation"
	SeverityWarning   Severity = "Warning"
	SeverityInfo      Severity = "Info"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityViolation, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

// ConstraintKind is the closed set of value constraints.
type ConstraintKind string

const (
	KindDatatype ConstraintKind = "datatype"
	KindClass    ConstraintKind = "class"
	KindPattern  ConstraintKind = "pattern"
	KindRange    ConstraintKind = "range"
	KindIn       ConstraintKind = "in"
	KindLength   ConstraintKind = "length"
	KindAnd      ConstraintKind = "and"
	KindOr       ConstraintKind = "or"
	KindNot      ConstraintKind = "not"
	KindGuard    ConstraintKind = "guard"

	// Result-only kinds.
	KindMinCount ConstraintKind = "minCount"
	KindMaxCount ConstraintKind = "maxCount"
	KindInternal ConstraintKind = "internal"
)

// GuardOp is the comparison a guard applies to the values of its path.
type GuardOp string

const (
	GuardExists    GuardOp = "exists"
	GuardNotExists GuardOp = "notExists"
	GuardEq        GuardOp = "eq"
	GuardNe        GuardOp = "ne"
	GuardLt        GuardOp = "lt"
	GuardLe        GuardOp = "le"
	GuardGt        GuardOp = "gt"
	GuardGe        GuardOp = "ge"
)

// Shape is a declarative bundle of constraints applied to focus nodes.
type Shape struct {
	ID         string               `yaml:"id"`
	Target     Target               `yaml:"target,omitempty"`
	Severity   Severity             `yaml:"severity,omitempty"`
	Properties []PropertyConstraint `yaml:"properties,omitempty"`
	// Constraints apply to the focus node itself.
	Constraints []Constraint `yaml:"constraints,omitempty"`
}

// Target selects focus nodes: explicit nodes first, in the given order, then
// members of Class (including subclasses) ordered by key.
type Target struct {
	Class string   `yaml:"class,omitempty"`
	Nodes []string `yaml:"nodes,omitempty"`
}

// PropertyConstraint constrains the values reached from the focus node by Path.
type PropertyConstraint struct {
	ID          string       `yaml:"id,omitempty"`
	Path        string       `yaml:"path"`
	MinCount    *int         `yaml:"minCount,omitempty"`
	MaxCount    *int         `yaml:"maxCount,omitempty"`
	Constraints []Constraint `yaml:"constraints,omitempty"`
	Severity    Severity     `yaml:"severity,omitempty"`
	Message     string       `yaml:"message,omitempty"`
}

// Constraint is one value constraint. Which fields apply depends on Kind.
type Constraint struct {
	Kind     ConstraintKind `yaml:"kind"`
	ID       string         `yaml:"id,omitempty"`
	Severity Severity       `yaml:"severity,omitempty"`
	Message  string         `yaml:"message,omitempty"`

	Datatype string `yaml:"datatype,omitempty"`
	Class    string `yaml:"class,omitempty"`

	Pattern string `yaml:"pattern,omitempty"`
	Flags   string `yaml:"flags,omitempty"`

	MinInclusive *float64 `yaml:"minInclusive,omitempty"`
	MaxInclusive *float64 `yaml:"maxInclusive,omitempty"`
	MinExclusive *float64 `yaml:"minExclusive,omitempty"`
	MaxExclusive *float64 `yaml:"maxExclusive,omitempty"`

	MinLength *int `yaml:"minLength,omitempty"`
	MaxLength *int `yaml:"maxLength,omitempty"`

	// In lists allowed values as terms: ex:a, <iri>, "literal", 42.
	In []string `yaml:"in,omitempty"`

	// Shapes are the operands of and, or and not.
	Shapes []ShapeRef `yaml:"shapes,omitempty"`

	Guard *Guard `yaml:"guard,omitempty"`
}

// ShapeRef is either a reference to another shape by ID or an inline shape.
type ShapeRef struct {
	Ref   string `yaml:"ref,omitempty"`
	Shape `yaml:",inline"`
}

// Guard is a typed predicate over a path rooted at the focus node.
type Guard struct {
	Path  string  `yaml:"path"`
	Op    GuardOp `yaml:"op"`
	Value string  `yaml:"value,omitempty"`
}

type document struct {
	Shapes []Shape `yaml:"shapes"`
}

// LoadShapes decodes a YAML shapes document and compiles it.
func LoadShapes(r io.Reader) (*Set, error) {
	var doc document
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil && err != io.EOF {
		return nil, &errs.ShapeDefinitionError{Reason: fmt.Sprintf("failed to parse YAML shapes: %v", err)}
	}
	return Compile(doc.Shapes...)
}

// LoadShapesFile reads a YAML shapes document from disk.
func LoadShapesFile(filePath string) (*Set, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read shapes file %s: %w", filePath, err)
	}
	defer f.Close()
	return LoadShapes(f)
}

// Set is a compiled, immutable collection of shapes.
type Set struct {
	shapes []*compiledShape
}

// Len returns the number of top-level shapes.
func (s *Set) Len() int {
	return len(s.shapes)
}

// IDs returns the shape IDs in declaration order.
func (s *Set) IDs() []string {
	ids := make([]string, len(s.shapes))
	for i, c := range s.shapes {
		ids[i] = c.id
	}
	return ids
}

type compiledShape struct {
	id          string
	targetClass store.Term
	targetNodes []store.Term
	properties  []*compiledProperty
	node        []*compiledConstraint
}

type compiledProperty struct {
	id       string
	path     *path.Expression
	minCount int
	maxCount int // -1 when unbounded
	checks   []*compiledConstraint
	severity Severity
	message  string
}

type compiledConstraint struct {
	id       string
	kind     ConstraintKind
	severity Severity
	message  string

	datatype string
	class    store.Term
	re       *regexp.Regexp
	min, max *bound
	minLen   int
	maxLen   int // -1 when unbounded
	in       []store.Term
	shapes   []*compiledShape

	guardPath  *path.Expression
	guardOp    GuardOp
	guardValue store.Term
}

type bound struct {
	value     float64
	exclusive bool
}

type compiler struct {
	byID     map[string]*Shape
	compiled map[string]*compiledShape
	visiting map[string]bool
	inline   int
}

// Compile checks shape definitions and compiles them. Any definition error
// is reported as ShapeDefinitionError before anything is evaluated.
func Compile(shapes ...Shape) (*Set, error) {
	c := &compiler{
		byID:     make(map[string]*Shape),
		compiled: make(map[string]*compiledShape),
		visiting: make(map[string]bool),
	}
	for i := range shapes {
		s := &shapes[i]
		if s.ID == "" {
			return nil, &errs.ShapeDefinitionError{Reason: fmt.Sprintf("shape %d has no id", i)}
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, &errs.ShapeDefinitionError{ShapeID: s.ID, Reason: "duplicate shape id"}
		}
		c.byID[s.ID] = s
	}

	set := &Set{}
	for i := range shapes {
		s := &shapes[i]
		if s.Target.Class == "" && len(s.Target.Nodes) == 0 {
			return nil, &errs.ShapeDefinitionError{ShapeID: s.ID, Reason: "missing target"}
		}
		cs, err := c.shape(s)
		if err != nil {
			return nil, err
		}
		set.shapes = append(set.shapes, cs)
	}
	return set, nil
}

func (c *compiler) fail(shapeID, format string, args ...any) error {
	return &errs.ShapeDefinitionError{ShapeID: shapeID, Reason: fmt.Sprintf(format, args...)}
}

func (c *compiler) shape(s *Shape) (*compiledShape, error) {
	if cs, ok := c.compiled[s.ID]; ok && s.ID != "" {
		return cs, nil
	}
	if s.ID != "" {
		if c.visiting[s.ID] {
			return nil, c.fail(s.ID, "shape references itself")
		}
		c.visiting[s.ID] = true
		defer delete(c.visiting, s.ID)
	}

	severity := s.Severity
	if severity == "" {
		severity = SeverityViolation
	}
	if !severity.valid() {
		return nil, c.fail(s.ID, "unknown severity %q", s.Severity)
	}

	cs := &compiledShape{id: s.ID}
	if s.Target.Class != "" {
		class, err := parseIRI(s.Target.Class)
		if err != nil {
			return nil, c.fail(s.ID, "target class: %v", err)
		}
		cs.targetClass = class
	}
	for _, raw := range s.Target.Nodes {
		n, err := store.ParseTerm(raw)
		if err != nil || !n.IsResource() {
			return nil, c.fail(s.ID, "target node %q is not an IRI or blank node", raw)
		}
		cs.targetNodes = append(cs.targetNodes, n)
	}

	seen := make(map[string]bool)
	for i := range s.Properties {
		p, err := c.property(s.ID, severity, &s.Properties[i])
		if err != nil {
			return nil, err
		}
		if seen[p.id] {
			return nil, c.fail(s.ID, "duplicate property constraint id %q", p.id)
		}
		seen[p.id] = true
		cs.properties = append(cs.properties, p)
	}

	nodeChecks, err := c.constraints(s.ID, s.ID, severity, "", s.Constraints)
	if err != nil {
		return nil, err
	}
	cs.node = nodeChecks

	if s.ID != "" {
		c.compiled[s.ID] = cs
	}
	return cs, nil
}

func (c *compiler) property(shapeID string, shapeSeverity Severity, p *PropertyConstraint) (*compiledProperty, error) {
	if p.Path == "" {
		return nil, c.fail(shapeID, "property constraint %q has no path", p.ID)
	}
	expr, err := path.Parse(p.Path)
	if err != nil {
		return nil, c.fail(shapeID, "property path %q: %v", p.Path, err)
	}

	severity := p.Severity
	if severity == "" {
		severity = shapeSeverity
	}
	if !severity.valid() {
		return nil, c.fail(shapeID, "unknown severity %q", p.Severity)
	}

	cp := &compiledProperty{
		id:       p.ID,
		path:     expr,
		maxCount: -1,
		severity: severity,
		message:  p.Message,
	}
	if cp.id == "" {
		cp.id = shapeID + "/" + expr.String()
	}
	if p.MinCount != nil {
		if *p.MinCount < 0 {
			return nil, c.fail(shapeID, "%s: minCount must not be negative", cp.id)
		}
		cp.minCount = *p.MinCount
	}
	if p.MaxCount != nil {
		if *p.MaxCount < 0 || *p.MaxCount < cp.minCount {
			return nil, c.fail(shapeID, "%s: maxCount must be at least minCount", cp.id)
		}
		cp.maxCount = *p.MaxCount
	}

	checks, err := c.constraints(shapeID, cp.id, severity, p.Message, p.Constraints)
	if err != nil {
		return nil, err
	}
	cp.checks = checks
	return cp, nil
}

func (c *compiler) constraints(shapeID, ownerID string, severity Severity, message string, defs []Constraint) ([]*compiledConstraint, error) {
	kinds := make(map[ConstraintKind]int)
	var out []*compiledConstraint
	for i := range defs {
		def := &defs[i]
		kinds[def.Kind]++

		cc, err := c.constraint(shapeID, def)
		if err != nil {
			return nil, err
		}
		cc.id = def.ID
		if cc.id == "" {
			cc.id = ownerID + "#" + string(def.Kind)
			if n := kinds[def.Kind]; n > 1 {
				cc.id += fmt.Sprintf("-%d", n)
			}
		}
		cc.severity = def.Severity
		if cc.severity == "" {
			cc.severity = severity
		}
		if !cc.severity.valid() {
			return nil, c.fail(shapeID, "%s: unknown severity %q", cc.id, def.Severity)
		}
		cc.message = def.Message
		if cc.message == "" {
			cc.message = message
		}
		out = append(out, cc)
	}
	return out, nil
}

// constraint compiles one value constraint. Every ConstraintKind is handled here.
func (c *compiler) constraint(shapeID string, def *Constraint) (*compiledConstraint, error) {
	cc := &compiledConstraint{kind: def.Kind, maxLen: -1}

	switch def.Kind {
	case KindDatatype:
		if def.Datatype == "" {
			return nil, c.fail(shapeID, "datatype constraint needs a datatype")
		}
		dt, err := parseIRI(def.Datatype)
		if err != nil {
			return nil, c.fail(shapeID, "datatype: %v", err)
		}
		cc.datatype = dt.Value

	case KindClass:
		class, err := parseIRI(def.Class)
		if err != nil {
			return nil, c.fail(shapeID, "class constraint: %v", err)
		}
		cc.class = class

	case KindPattern:
		if def.Pattern == "" {
			return nil, c.fail(shapeID, "pattern constraint needs a pattern")
		}
		source := def.Pattern
		if strings.Contains(def.Flags, "i") {
			source = "(?i)" + source
		}
		re, err := regexp.Compile(source)
		if err != nil {
			return nil, c.fail(shapeID, "invalid pattern %q: %v", def.Pattern, err)
		}
		cc.re = re

	case KindRange:
		if def.MinInclusive != nil && def.MinExclusive != nil {
			return nil, c.fail(shapeID, "range has both minInclusive and minExclusive")
		}
		if def.MaxInclusive != nil && def.MaxExclusive != nil {
			return nil, c.fail(shapeID, "range has both maxInclusive and maxExclusive")
		}
		if def.MinInclusive != nil {
			cc.min = &bound{value: *def.MinInclusive}
		}
		if def.MinExclusive != nil {
			cc.min = &bound{value: *def.MinExclusive, exclusive: true}
		}
		if def.MaxInclusive != nil {
			cc.max = &bound{value: *def.MaxInclusive}
		}
		if def.MaxExclusive != nil {
			cc.max = &bound{value: *def.MaxExclusive, exclusive: true}
		}
		if cc.min == nil && cc.max == nil {
			return nil, c.fail(shapeID, "range constraint needs at least one bound")
		}

	case KindIn:
		if len(def.In) == 0 {
			return nil, c.fail(shapeID, "in constraint needs at least one value")
		}
		for _, raw := range def.In {
			t, err := parseValue(raw)
			if err != nil {
				return nil, c.fail(shapeID, "in value %q: %v", raw, err)
			}
			cc.in = append(cc.in, t)
		}

	case KindLength:
		if def.MinLength == nil && def.MaxLength == nil {
			return nil, c.fail(shapeID, "length constraint needs minLength or maxLength")
		}
		if def.MinLength != nil {
			cc.minLen = *def.MinLength
		}
		if def.MaxLength != nil {
			cc.maxLen = *def.MaxLength
		}
		if cc.minLen < 0 || (cc.maxLen >= 0 && cc.maxLen < cc.minLen) {
			return nil, c.fail(shapeID, "invalid length bounds")
		}

	case KindAnd, KindOr, KindNot:
		if len(def.Shapes) == 0 {
			return nil, c.fail(shapeID, "%s constraint needs sub-shapes", def.Kind)
		}
		if def.Kind == KindNot && len(def.Shapes) != 1 {
			return nil, c.fail(shapeID, "not constraint takes exactly one shape")
		}
		for i := range def.Shapes {
			sub, err := c.ref(shapeID, &def.Shapes[i])
			if err != nil {
				return nil, err
			}
			cc.shapes = append(cc.shapes, sub)
		}

	case KindGuard:
		if def.Guard == nil {
			return nil, c.fail(shapeID, "guard constraint needs a guard")
		}
		expr, err := path.Parse(def.Guard.Path)
		if err != nil {
			return nil, c.fail(shapeID, "guard path %q: %v", def.Guard.Path, err)
		}
		cc.guardPath = expr
		cc.guardOp = def.Guard.Op
		switch def.Guard.Op {
		case GuardExists, GuardNotExists:
		case GuardEq, GuardNe, GuardLt, GuardLe, GuardGt, GuardGe:
			v, err := parseValue(def.Guard.Value)
			if err != nil {
				return nil, c.fail(shapeID, "guard value %q: %v", def.Guard.Value, err)
			}
			cc.guardValue = v
		default:
			return nil, c.fail(shapeID, "unknown guard op %q", def.Guard.Op)
		}

	default:
		return nil, c.fail(shapeID, "unknown constraint kind %q", def.Kind)
	}

	return cc, nil
}

func (c *compiler) ref(shapeID string, r *ShapeRef) (*compiledShape, error) {
	if r.Ref != "" {
		target, ok := c.byID[r.Ref]
		if !ok {
			return nil, c.fail(shapeID, "unknown shape reference %q", r.Ref)
		}
		return c.shape(target)
	}
	if len(r.Properties) == 0 && len(r.Constraints) == 0 {
		return nil, c.fail(shapeID, "inline sub-shape has no constraints")
	}
	inline := r.Shape
	if inline.ID == "" {
		c.inline++
		inline.ID = fmt.Sprintf("%s/_:%d", shapeID, c.inline)
	}
	return c.shape(&inline)
}

func parseIRI(raw string) (store.Term, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return store.Term{}, fmt.Errorf("empty IRI")
	}
	t, err := store.ParseTerm(raw)
	if err != nil {
		return store.Term{}, err
	}
	if !t.IsIRI() {
		return store.Term{}, fmt.Errorf("%q is not an IRI", raw)
	}
	return t, nil
}

var numberRegex = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)$`)

// parseValue reads a constant term; bare numbers become numeric literals.
func parseValue(raw string) (store.Term, error) {
	raw = strings.TrimSpace(raw)
	if numberRegex.MatchString(raw) {
		if strings.Contains(raw, ".") {
			return store.NewTypedLiteral(raw, store.XSDDecimal), nil
		}
		return store.NewTypedLiteral(raw, store.XSDInteger), nil
	}
	return store.ParseTerm(raw)
}
