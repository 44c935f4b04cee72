package store

import (
	"encoding/json"
)

// JSONLDContext represents a JSON-LD @context document.
type JSONLDContext map[string]interface{}

// JSONLDSerializer converts a snapshot into JSON-LD.
type JSONLDSerializer struct {
	prefixes    []PrefixMapping
	compactForm bool
}

// JSONLDOption is a functional option for configuring the JSONLDSerializer.
type JSONLDOption func(*JSONLDSerializer)

// NewJSONLDSerializer creates a JSONLDSerializer with standard prefix declarations.
func NewJSONLDSerializer(options ...JSONLDOption) *JSONLDSerializer {
	serializer := &JSONLDSerializer{
		prefixes:    defaultPrefixMappings(),
		compactForm: true,
	}
	for _, option := range options {
		option(serializer)
	}
	return serializer
}

// WithJSONLDPrefix adds or overrides a prefix mapping.
func WithJSONLDPrefix(prefix, namespace string) JSONLDOption {
	return func(serializer *JSONLDSerializer) {
		serializer.prefixes = append(serializer.prefixes, PrefixMapping{Prefix: prefix, Namespace: namespace})
	}
}

// WithExpandedForm configures the serializer to output expanded JSON-LD (no context compaction).
func WithExpandedForm() JSONLDOption {
	return func(serializer *JSONLDSerializer) {
		serializer.compactForm = false
	}
}

// BuildContext creates the @context document from the prefix mappings.
func (serializer *JSONLDSerializer) BuildContext() JSONLDContext {
	context := make(JSONLDContext)
	for _, mapping := range newPrefixTable(serializer.prefixes).mappings {
		context[mapping.Prefix] = mapping.Namespace
	}
	return context
}

// JSONLDDocument represents a complete JSON-LD document.
type JSONLDDocument struct {
	Context interface{}              `json:"@context,omitempty"`
	Graph   []map[string]interface{} `json:"@graph"`
}

// Serialize renders every triple of the snapshot as one @graph document.
func (serializer *JSONLDSerializer) Serialize(snap *Snapshot) ([]byte, error) {
	table := newPrefixTable(serializer.prefixes)
	groups := groupBySubject(snap.All())

	doc := JSONLDDocument{Graph: make([]map[string]interface{}, 0, len(groups))}
	if serializer.compactForm {
		doc.Context = serializer.BuildContext()
	}
	for _, group := range groups {
		doc.Graph = append(doc.Graph, serializer.buildNode(table, group))
	}
	return json.MarshalIndent(doc, "", "  ")
}

func (serializer *JSONLDSerializer) buildNode(table *prefixTable, group subjectGroup) map[string]interface{} {
	node := map[string]interface{}{"@id": serializer.nodeID(table, group.subject)}

	for _, predicate := range group.predicates {
		objects := group.objects[predicate]

		if isTypePredicate(predicate) {
			types := make([]string, len(objects))
			for i, o := range objects {
				types[i] = serializer.nodeID(table, o)
			}
			if serializer.compactForm && len(types) == 1 {
				node["@type"] = types[0]
			} else {
				node["@type"] = types
			}
			continue
		}

		values := make([]interface{}, len(objects))
		for i, o := range objects {
			values[i] = serializer.formatObject(table, o)
		}
		key := serializer.iri(table, predicate.Value)
		if serializer.compactForm && len(values) == 1 {
			node[key] = values[0]
		} else {
			node[key] = values
		}
	}
	return node
}

func (serializer *JSONLDSerializer) iri(table *prefixTable, iri string) string {
	if serializer.compactForm {
		if compacted, ok := table.compact(iri); ok {
			return compacted
		}
		return iri
	}
	return table.expand(iri)
}

func (serializer *JSONLDSerializer) nodeID(table *prefixTable, t Term) string {
	if t.IsBlank() {
		return "_:" + t.Value
	}
	return serializer.iri(table, t.Value)
}

func (serializer *JSONLDSerializer) formatObject(table *prefixTable, t Term) interface{} {
	switch {
	case t.IsResource():
		return map[string]string{"@id": serializer.nodeID(table, t)}
	case t.Lang != "":
		return map[string]string{"@value": t.Value, "@language": t.Lang}
	case t.Datatype != "":
		return map[string]string{"@value": t.Value, "@type": serializer.iri(table, t.Datatype)}
	case serializer.compactForm:
		return t.Value
	default:
		return map[string]string{"@value": t.Value}
	}
}
