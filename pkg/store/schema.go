// Package store provides the versioned in-memory triple graph, its term model,
// and the canonical N-Triples stream used for bulk load and export.
package store

import "strings"

// Namespace URIs for the vocabularies the engine reads and writes.
const (
	// NamespaceRDF is the standard RDF namespace.
	NamespaceRDF = "http://www.w3.org/1999/02/22-rdf-syntax-ns#"

	// NamespaceRDFS is the RDF Schema namespace.
	NamespaceRDFS = "http://www.w3.org/2000/01/rdf-schema#"

	// NamespaceXSD is the XML Schema namespace for datatypes.
	NamespaceXSD = "http://www.w3.org/2001/XMLSchema#"

	// NamespacePROV is the W3C provenance namespace.
	NamespacePROV = "http://www.w3.org/ns/prov#"

	// NamespaceHarmony is the namespace for engine-specific predicates.
	NamespaceHarmony = "https://graphharmony.dev/ontology#"
)

// Namespace prefixes for compact IRI representation.
const (
	PrefixRDF     = "rdf:"
	PrefixRDFS    = "rdfs:"
	PrefixXSD     = "xsd:"
	PrefixPROV    = "prov:"
	PrefixHarmony = "gh:"
)

var wellKnownNamespaces = []struct{ namespace, prefix string }{
	{NamespaceRDF, PrefixRDF},
	{NamespaceRDFS, PrefixRDFS},
	{NamespaceXSD, PrefixXSD},
	{NamespacePROV, PrefixPROV},
	{NamespaceHarmony, PrefixHarmony},
}

// CanonicalIRI rewrites a full IRI in one of the well-known namespaces to its
// prefixed form, so "http://www.w3.org/1999/02/22-rdf-syntax-ns#type" and
// "rdf:type" name the same term. Other IRIs are returned unchanged.
func CanonicalIRI(iri string) string {
	for _, ns := range wellKnownNamespaces {
		if strings.HasPrefix(iri, ns.namespace) && len(iri) > len(ns.namespace) {
			return ns.prefix + iri[len(ns.namespace):]
		}
	}
	return iri
}

// Core predicates.
const (
	// RDFType links a node to its class.
	RDFType = "rdf:type"

	// RDFSLabel is a human-readable name.
	RDFSLabel = "rdfs:label"

	// RDFSSubClassOf links a class to its superclass. Injected by external reasoning.
	RDFSSubClassOf = "rdfs:subClassOf"

	// RDFSClass is the type of a declared class.
	RDFSClass = "rdfs:Class"
)

// Provenance predicates written by harmonization.
const (
	// PropWasDerivedFrom links a harmonized entity to the source instance it came from.
	PropWasDerivedFrom = "prov:wasDerivedFrom"

	// PropLowConfidence marks a passed-through predicate with no mapping rule.
	PropLowConfidence = "gh:lowConfidence"

	// PropNeedsReview marks an entity whose resolution was ambiguous.
	PropNeedsReview = "gh:needsReview"

	// PropAttributedTo names the source of a provenance record.
	PropAttributedTo = "prov:wasAttributedTo"

	// PropGeneratedAtTime is the import timestamp of a provenance record.
	PropGeneratedAtTime = "prov:generatedAtTime"

	// PropSuperseded marks a record overwritten by a later import from the same source.
	PropSuperseded = "gh:superseded"

	// ClassStatement is the type of a reified statement.
	ClassStatement = "rdf:Statement"

	RDFSubject   = "rdf:subject"
	RDFPredicate = "rdf:predicate"
	RDFObject    = "rdf:object"
)

// XSD datatypes.
const (
	XSDString   = "xsd:string"
	XSDBoolean  = "xsd:boolean"
	XSDInteger  = "xsd:integer"
	XSDDecimal  = "xsd:decimal"
	XSDDouble   = "xsd:double"
	XSDFloat    = "xsd:float"
	XSDDate     = "xsd:date"
	XSDDateTime = "xsd:dateTime"
	XSDAnyURI   = "xsd:anyURI"
)

var numericDatatypes = map[string]bool{
	"integer":            true,
	"decimal":            true,
	"double":             true,
	"float":              true,
	"int":                true,
	"long":               true,
	"short":              true,
	"byte":               true,
	"nonNegativeInteger": true,
	"positiveInteger":    true,
	"nonPositiveInteger": true,
	"negativeInteger":    true,
	"unsignedInt":        true,
	"unsignedLong":       true,
	"unsignedShort":      true,
	"unsignedByte":       true,
}

// IsNumericDatatype reports whether a datatype IRI, prefixed or full, is a numeric XSD type.
func IsNumericDatatype(datatype string) bool {
	return numericDatatypes[xsdLocalName(datatype)]
}

// SameDatatype compares datatype IRIs, treating "xsd:x" and the full XSD IRI as equal.
func SameDatatype(a, b string) bool {
	if a == b {
		return true
	}
	la, lb := xsdLocalName(a), xsdLocalName(b)
	return la != "" && la == lb
}

func xsdLocalName(datatype string) string {
	switch {
	case strings.HasPrefix(datatype, PrefixXSD):
		return datatype[len(PrefixXSD):]
	case strings.HasPrefix(datatype, NamespaceXSD):
		return datatype[len(NamespaceXSD):]
	default:
		return ""
	}
}
