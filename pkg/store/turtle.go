package store

import (
	"fmt"
	"sort"
	"strings"
)

// PrefixMapping associates a short prefix label with its full namespace URI.
type PrefixMapping struct {
	Prefix    string
	Namespace string
}

func defaultPrefixMappings() []PrefixMapping {
	return []PrefixMapping{
		{Prefix: "rdf", Namespace: NamespaceRDF},
		{Prefix: "rdfs", Namespace: NamespaceRDFS},
		{Prefix: "xsd", Namespace: NamespaceXSD},
		{Prefix: "prov", Namespace: NamespacePROV},
		{Prefix: "gh", Namespace: NamespaceHarmony},
	}
}

// prefixTable compacts and expands IRIs against a set of prefix mappings.
type prefixTable struct {
	mappings    []PrefixMapping
	byPrefix    map[string]string
	byNamespace map[string]string
}

func newPrefixTable(mappings []PrefixMapping) *prefixTable {
	table := &prefixTable{
		byPrefix:    make(map[string]string, len(mappings)),
		byNamespace: make(map[string]string, len(mappings)),
	}
	// Later mappings override earlier ones with the same prefix.
	for _, m := range mappings {
		table.byPrefix[m.Prefix] = m.Namespace
	}
	for prefix, namespace := range table.byPrefix {
		table.mappings = append(table.mappings, PrefixMapping{Prefix: prefix, Namespace: namespace})
	}
	sort.Slice(table.mappings, func(i, j int) bool {
		return table.mappings[i].Prefix < table.mappings[j].Prefix
	})
	for _, m := range table.mappings {
		if _, taken := table.byNamespace[m.Namespace]; !taken {
			table.byNamespace[m.Namespace] = m.Prefix
		}
	}
	return table
}

// compact replaces the longest matching namespace with its prefix.
func (p *prefixTable) compact(iri string) (string, bool) {
	bestNamespace := ""
	for namespace := range p.byNamespace {
		if strings.HasPrefix(iri, namespace) && len(namespace) > len(bestNamespace) && isValidLocalName(iri[len(namespace):]) {
			bestNamespace = namespace
		}
	}
	if bestNamespace == "" {
		return "", false
	}
	return p.byNamespace[bestNamespace] + ":" + iri[len(bestNamespace):], true
}

// expand rewrites a prefixed name with a declared prefix to a full IRI.
func (p *prefixTable) expand(iri string) string {
	if i := strings.Index(iri, ":"); i > 0 {
		if namespace, ok := p.byPrefix[iri[:i]]; ok {
			return namespace + iri[i+1:]
		}
	}
	return iri
}

func isValidLocalName(localName string) bool {
	if localName == "" {
		return false
	}
	return !strings.ContainsAny(localName, " \t\n\r<>\"{}|^`\\/#")
}

// TurtleSerializer writes a snapshot as Turtle, grouping statements by subject.
type TurtleSerializer struct {
	prefixes []PrefixMapping
}

// TurtleOption is a functional option for configuring the TurtleSerializer.
type TurtleOption func(*TurtleSerializer)

// NewTurtleSerializer creates a TurtleSerializer with the standard prefix declarations.
func NewTurtleSerializer(options ...TurtleOption) *TurtleSerializer {
	serializer := &TurtleSerializer{prefixes: defaultPrefixMappings()}
	for _, option := range options {
		option(serializer)
	}
	return serializer
}

// WithPrefix adds or overrides a prefix mapping.
func WithPrefix(prefix, namespace string) TurtleOption {
	return func(serializer *TurtleSerializer) {
		serializer.prefixes = append(serializer.prefixes, PrefixMapping{Prefix: prefix, Namespace: namespace})
	}
}

// WithoutDefaultPrefixes clears default prefixes so only custom ones are used.
func WithoutDefaultPrefixes() TurtleOption {
	return func(serializer *TurtleSerializer) {
		serializer.prefixes = nil
	}
}

// Serialize renders every triple of the snapshot. Output is deterministic:
// subjects and objects in key order, rdf:type first among predicates.
func (serializer *TurtleSerializer) Serialize(snap *Snapshot) string {
	table := newPrefixTable(serializer.prefixes)
	var builder strings.Builder

	for _, mapping := range table.mappings {
		fmt.Fprintf(&builder, "@prefix %s: <%s> .\n", mapping.Prefix, mapping.Namespace)
	}
	if len(table.mappings) > 0 {
		builder.WriteString("\n")
	}

	groups := groupBySubject(snap.All())
	for i, group := range groups {
		if i > 0 {
			builder.WriteString("\n")
		}
		serializer.writeSubjectGroup(&builder, table, group)
	}
	return builder.String()
}

// subjectGroup is the statements of one subject, predicates in output order.
type subjectGroup struct {
	subject    Term
	predicates []Term
	objects    map[Term][]Term
}

// groupBySubject expects triples in canonical order.
func groupBySubject(triples []Triple) []subjectGroup {
	var groups []subjectGroup
	for _, t := range triples {
		if len(groups) == 0 || groups[len(groups)-1].subject != t.Subject {
			groups = append(groups, subjectGroup{subject: t.Subject, objects: make(map[Term][]Term)})
		}
		g := &groups[len(groups)-1]
		if _, seen := g.objects[t.Predicate]; !seen {
			g.predicates = append(g.predicates, t.Predicate)
		}
		g.objects[t.Predicate] = append(g.objects[t.Predicate], t.Object)
	}
	for i := range groups {
		sortTypeFirst(groups[i].predicates)
	}
	return groups
}

func isTypePredicate(t Term) bool {
	return t.IsIRI() && (t.Value == RDFType || t.Value == NamespaceRDF+"type")
}

func sortTypeFirst(predicates []Term) {
	sort.SliceStable(predicates, func(i, j int) bool {
		ti, tj := isTypePredicate(predicates[i]), isTypePredicate(predicates[j])
		if ti != tj {
			return ti
		}
		return predicates[i].Key() < predicates[j].Key()
	})
}

func (serializer *TurtleSerializer) writeSubjectGroup(builder *strings.Builder, table *prefixTable, group subjectGroup) {
	builder.WriteString(formatTurtleTerm(table, group.subject))

	for predicateIndex, predicate := range group.predicates {
		if predicateIndex == 0 {
			builder.WriteString(" ")
		} else {
			builder.WriteString(" ;\n    ")
		}
		if isTypePredicate(predicate) {
			builder.WriteString("a")
		} else {
			builder.WriteString(formatTurtleTerm(table, predicate))
		}

		for objectIndex, object := range group.objects[predicate] {
			if objectIndex > 0 {
				builder.WriteString(" ,\n        ")
			} else {
				builder.WriteString(" ")
			}
			builder.WriteString(formatTurtleTerm(table, object))
		}
	}

	builder.WriteString(" .\n")
}

func formatTurtleIRI(table *prefixTable, iri string) string {
	if compacted, ok := table.compact(iri); ok {
		return compacted
	}
	if isPrefixedName(iri) && !strings.Contains(iri, "://") {
		if _, declared := table.byPrefix[iri[:strings.Index(iri, ":")]]; declared {
			return iri
		}
	}
	return "<" + escapeIRI(iri) + ">"
}

func formatTurtleTerm(table *prefixTable, t Term) string {
	switch t.Kind {
	case KindIRI:
		return formatTurtleIRI(table, t.Value)
	case KindBlank:
		return "_:" + t.Value
	case KindLiteral:
		lit := `"` + escapeLiteral(t.Value) + `"`
		switch {
		case t.Lang != "":
			return lit + "@" + t.Lang
		case t.Datatype != "":
			return lit + "^^" + formatTurtleIRI(table, t.Datatype)
		}
		return lit
	}
	return ""
}
