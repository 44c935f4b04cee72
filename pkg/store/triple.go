package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/coolbeans/graphharmony/pkg/errs"
)

// TermKind identifies which variant a Term holds.
type TermKind uint8

const (
	// KindIRI is a named resource.
	KindIRI TermKind = iota + 1
	// KindBlank is an anonymous node scoped to one graph.
	KindBlank
	// KindLiteral is a data value with an optional datatype or language tag.
	KindLiteral
)

// String returns the name of the kind.
func (k TermKind) String() string {
	switch k {
	case KindIRI:
		return "iri"
	case KindBlank:
		return "blank"
	case KindLiteral:
		return "literal"
	default:
		return "invalid"
	}
}

// Term is a node or value in the graph. It is a closed variant: exactly one of
// IRI, blank node or literal. A literal carries at most one of Datatype and Lang.
//
// IRIs may be full ("http://example.org/a") or prefixed ("ex:a"); the graph
// treats the value opaquely and never expands prefixes. Full IRIs in the
// well-known namespaces are compacted by CanonicalIRI.
type Term struct {
	Kind     TermKind
	Value    string
	Datatype string
	Lang     string
}

// NewIRI creates an IRI term.
func NewIRI(iri string) Term {
	return Term{Kind: KindIRI, Value: CanonicalIRI(iri)}
}

// NewBlank creates a blank node term with the given identifier (without "_:").
func NewBlank(id string) Term {
	return Term{Kind: KindBlank, Value: id}
}

// NewLiteral creates a plain literal.
func NewLiteral(value string) Term {
	return Term{Kind: KindLiteral, Value: value}
}

// NewTypedLiteral creates a literal with a datatype IRI.
func NewTypedLiteral(value, datatype string) Term {
	return Term{Kind: KindLiteral, Value: value, Datatype: CanonicalIRI(datatype)}
}

// NewLangLiteral creates a language-tagged literal.
func NewLangLiteral(value, lang string) Term {
	return Term{Kind: KindLiteral, Value: value, Lang: lang}
}

// IsIRI reports whether the term is an IRI.
func (t Term) IsIRI() bool { return t.Kind == KindIRI }

// IsBlank reports whether the term is a blank node.
func (t Term) IsBlank() bool { return t.Kind == KindBlank }

// IsLiteral reports whether the term is a literal.
func (t Term) IsLiteral() bool { return t.Kind == KindLiteral }

// IsResource reports whether the term can appear in subject position.
func (t Term) IsResource() bool { return t.Kind == KindIRI || t.Kind == KindBlank }

// IsZero reports whether the term is unset.
func (t Term) IsZero() bool { return t.Kind == 0 }

// Validate enforces the invariants of the variant.
func (t Term) Validate() error {
	switch t.Kind {
	case KindIRI:
		if t.Value == "" {
			return fmt.Errorf("empty IRI")
		}
		if strings.ContainsAny(t.Value, " <>\"{}|`\\\n") {
			return fmt.Errorf("IRI %q contains illegal characters", t.Value)
		}
		if t.Datatype != "" || t.Lang != "" {
			return fmt.Errorf("IRI %q cannot carry datatype or language", t.Value)
		}
	case KindBlank:
		if t.Value == "" {
			return fmt.Errorf("empty blank node identifier")
		}
		if strings.ContainsAny(t.Value, " \t\n") {
			return fmt.Errorf("blank node identifier %q contains whitespace", t.Value)
		}
		if t.Datatype != "" || t.Lang != "" {
			return fmt.Errorf("blank node cannot carry datatype or language")
		}
	case KindLiteral:
		if t.Datatype != "" && t.Lang != "" {
			return fmt.Errorf("literal %q has both datatype and language tag", t.Value)
		}
	default:
		return fmt.Errorf("unknown term kind %d", t.Kind)
	}
	return nil
}

// Key returns the canonical N-Triples rendering of the term. Keys are used for
// indexing and for every deterministic ordering in the engine.
func (t Term) Key() string {
	switch t.Kind {
	case KindIRI:
		return "<" + escapeIRI(t.Value) + ">"
	case KindBlank:
		return "_:" + t.Value
	case KindLiteral:
		lit := `"` + escapeLiteral(t.Value) + `"`
		if t.Lang != "" {
			return lit + "@" + t.Lang
		}
		if t.Datatype != "" {
			return lit + "^^<" + escapeIRI(t.Datatype) + ">"
		}
		return lit
	default:
		return ""
	}
}

// String returns the canonical rendering.
func (t Term) String() string {
	return t.Key()
}

// Numeric returns the numeric value of a literal. Plain literals are numeric
// when they parse as a number; typed literals additionally require a numeric
// XSD datatype.
func (t Term) Numeric() (float64, bool) {
	if t.Kind != KindLiteral || t.Lang != "" {
		return 0, false
	}
	if t.Datatype != "" && !IsNumericDatatype(t.Datatype) {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(t.Value), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Triple is a (subject, predicate, object) statement.
type Triple struct {
	Subject   Term
	Predicate Term
	Object    Term
}

// NewTriple creates a new triple with the given components.
func NewTriple(subject, predicate, object Term) Triple {
	return Triple{
		Subject:   subject,
		Predicate: predicate,
		Object:    object,
	}
}

// Validate checks that subject and predicate are resources and every term is well formed.
func (t Triple) Validate() error {
	if !t.Subject.IsResource() {
		return errs.Malformed(t.String(), "subject must be an IRI or blank node")
	}
	if !t.Predicate.IsResource() {
		return errs.Malformed(t.String(), "predicate must be an IRI or blank node")
	}
	for _, term := range []Term{t.Subject, t.Predicate, t.Object} {
		if err := term.Validate(); err != nil {
			return errs.Malformed(t.String(), "%v", err)
		}
	}
	return nil
}

// Equals checks if two triples have identical components.
func (t Triple) Equals(other Triple) bool {
	return t.Subject == other.Subject &&
		t.Predicate == other.Predicate &&
		t.Object == other.Object
}

// Key returns the canonical N-Triples statement without the trailing dot.
func (t Triple) Key() string {
	return t.Subject.Key() + " " + t.Predicate.Key() + " " + t.Object.Key()
}

// String returns a human-readable representation of the triple.
func (t Triple) String() string {
	return t.Key()
}

// NTriples returns the triple in N-Triples format.
func (t Triple) NTriples() string {
	return t.Key() + " ."
}

// Pattern is a triple pattern for matching. A nil component is a wildcard.
type Pattern struct {
	Subject   *Term
	Predicate *Term
	Object    *Term
}

// NewPattern builds a pattern; zero-value terms act as wildcards.
func NewPattern(subject, predicate, object Term) Pattern {
	var p Pattern
	if !subject.IsZero() {
		p.Subject = &subject
	}
	if !predicate.IsZero() {
		p.Predicate = &predicate
	}
	if !object.IsZero() {
		p.Object = &object
	}
	return p
}

// Matches checks if a triple matches this pattern.
func (p Pattern) Matches(t Triple) bool {
	if p.Subject != nil && *p.Subject != t.Subject {
		return false
	}
	if p.Predicate != nil && *p.Predicate != t.Predicate {
		return false
	}
	if p.Object != nil && *p.Object != t.Object {
		return false
	}
	return true
}

// WildcardCount returns the number of wildcard components.
func (p Pattern) WildcardCount() int {
	count := 0
	if p.Subject == nil {
		count++
	}
	if p.Predicate == nil {
		count++
	}
	if p.Object == nil {
		count++
	}
	return count
}
