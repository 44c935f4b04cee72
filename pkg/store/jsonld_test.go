package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonldFixture(t *testing.T) *Snapshot {
	return snapshotOf(t,
		NewTriple(iri("http://example.org/c1"), iri(RDFType), iri("http://example.org/Customer")),
		NewTriple(iri("http://example.org/c1"), iri("http://example.org/name"), NewLiteral("Acme")),
		NewTriple(iri("http://example.org/c1"), iri("http://example.org/label"), NewLangLiteral("Acme", "en")),
		NewTriple(iri("http://example.org/c1"), iri("http://example.org/age"), NewTypedLiteral("42", XSDInteger)),
		NewTriple(iri("http://example.org/c1"), iri("http://example.org/knows"), iri("http://example.org/c2")),
		NewTriple(iri("http://example.org/c1"), iri("http://example.org/knows"), NewBlank("b0")),
	)
}

func TestJSONLD_BuildContext(t *testing.T) {
	context := NewJSONLDSerializer(WithJSONLDPrefix("ex", "http://example.org/")).BuildContext()

	assert.Equal(t, NamespaceRDF, context["rdf"])
	assert.Equal(t, NamespacePROV, context["prov"])
	assert.Equal(t, "http://example.org/", context["ex"])
	assert.Len(t, context, 6)
}

func TestJSONLD_SerializeCompact(t *testing.T) {
	data, err := NewJSONLDSerializer(WithJSONLDPrefix("ex", "http://example.org/")).Serialize(jsonldFixture(t))
	require.NoError(t, err)

	var doc struct {
		Context map[string]string        `json:"@context"`
		Graph   []map[string]interface{} `json:"@graph"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "http://example.org/", doc.Context["ex"])
	require.Len(t, doc.Graph, 1)

	node := doc.Graph[0]
	assert.Equal(t, "ex:c1", node["@id"])
	assert.Equal(t, "ex:Customer", node["@type"])
	assert.Equal(t, "Acme", node["ex:name"])
	assert.Equal(t, map[string]interface{}{"@value": "Acme", "@language": "en"}, node["ex:label"])
	assert.Equal(t, map[string]interface{}{"@value": "42", "@type": "xsd:integer"}, node["ex:age"])
	assert.Equal(t, []interface{}{
		map[string]interface{}{"@id": "ex:c2"},
		map[string]interface{}{"@id": "_:b0"},
	}, node["ex:knows"])
}

func TestJSONLD_SerializeExpanded(t *testing.T) {
	data, err := NewJSONLDSerializer(
		WithJSONLDPrefix("ex", "http://example.org/"),
		WithExpandedForm(),
	).Serialize(jsonldFixture(t))
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	_, hasContext := doc["@context"]
	assert.False(t, hasContext)

	node := doc["@graph"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "http://example.org/c1", node["@id"])
	assert.Equal(t, []interface{}{"http://example.org/Customer"}, node["@type"])
	assert.Equal(t, []interface{}{map[string]interface{}{"@value": "Acme"}}, node["http://example.org/name"])
	assert.Equal(t, []interface{}{
		map[string]interface{}{"@value": "42", "@type": NamespaceXSD + "integer"},
	}, node["http://example.org/age"])
}

func TestJSONLD_EmptySnapshot(t *testing.T) {
	data, err := NewJSONLDSerializer().Serialize(New().Snapshot())
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, []interface{}{}, doc["@graph"])
}

func TestJSONLD_Deterministic(t *testing.T) {
	serializer := NewJSONLDSerializer()
	snap := jsonldFixture(t)

	first, err := serializer.Serialize(snap)
	require.NoError(t, err)
	second, err := serializer.Serialize(snap)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}
