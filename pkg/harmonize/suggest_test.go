package harmonize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coolbeans/graphharmony/pkg/store"
)

func TestSuggestMappings(t *testing.T) {
	source := sourceGraph(t, `
crm:CustomerAccount rdf:type rdfs:Class .
crm:Invoice rdf:type rdfs:Class .
s1:c1 crm:fullName "Acme" .
`)
	target := sourceGraph(t, `
ex:Customer rdf:type rdfs:Class .
ex:Customer rdfs:label "Customer Account" .
ex:Bill rdf:type rdfs:Class .
ex:e1 ex:full_name "Acme" .
`)

	suggestions := SuggestMappings(source, target, 0)
	require.Len(t, suggestions, 2)
	assert.Equal(t, Suggestion{Kind: "class", Source: "crm:CustomerAccount", Target: "ex:Customer", Similarity: 1, Confidence: "high"}, suggestions[0])
	assert.Equal(t, Suggestion{Kind: "property", Source: "crm:fullName", Target: "ex:full_name", Similarity: 1, Confidence: "high"}, suggestions[1])
}

func TestSuggestMappings_Threshold(t *testing.T) {
	source := sourceGraph(t, "crm:PremiumCustomerAccount rdf:type rdfs:Class .\n")
	target := sourceGraph(t, "ex:CustomerAccount rdf:type rdfs:Class .\n")

	suggestions := SuggestMappings(source, target, 0.6)
	require.Len(t, suggestions, 1)
	assert.Equal(t, 0.67, suggestions[0].Similarity)
	assert.Equal(t, "medium", suggestions[0].Confidence)

	assert.Empty(t, SuggestMappings(source, target, 0.7))
}

func TestSplitLocalName(t *testing.T) {
	tests := map[string]string{
		"ex:customerEmail_address":      "customer email address",
		"http://example.org/vocab#Name": "name",
		"http://example.org/first-name": "first name",
		"ex:ID":                         "id",
	}
	for in, want := range tests {
		assert.Equal(t, want, splitLocalName(in), in)
	}
}

func TestQualityCheck(t *testing.T) {
	snap := sourceGraph(t, `
ex:a rdf:type ex:T .
ex:a rdfs:label "A" .
ex:b rdf:type ex:T .
ex:c ex:p "v" .
`)

	report := QualityCheck(snap)
	assert.Equal(t, 3, report.TotalEntities)
	assert.Equal(t, 4, report.TotalTriples)
	require.Len(t, report.Issues, 2)
	assert.Equal(t, Issue{Type: "missing_labels", Severity: "warning", Count: 1, Entities: []string{"ex:b"}}, report.Issues[0])
	assert.Equal(t, Issue{Type: "orphaned_entities", Severity: "info", Count: 1, Entities: []string{"ex:b"}}, report.Issues[1])
	assert.Equal(t, 33.33, report.Score)
}

func TestQualityCheck_Empty(t *testing.T) {
	report := QualityCheck(store.New().Snapshot())
	assert.Equal(t, 100.0, report.Score)
	assert.Empty(t, report.Issues)
}
