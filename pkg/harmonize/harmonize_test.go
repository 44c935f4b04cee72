package harmonize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coolbeans/graphharmony/pkg/errs"
	"github.com/coolbeans/graphharmony/pkg/provenance"
	"github.com/coolbeans/graphharmony/pkg/resolve"
	"github.com/coolbeans/graphharmony/pkg/store"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const mappingsYAML = `
rules:
  - id: crm-client
    sourceClass: crm:Client
    targetClass: ex:Customer
    properties:
      - {source: crm:mail, target: ex:email, transform: email}
      - {source: crm:fullName, target: ex:name, transform: trim}
      - {source: crm:taxNo, target: ex:taxId}
      - {source: crm:signup, target: ex:since, transform: datetime}
      - {source: crm:revenue, target: ex:revenue, transform: decimal}
      - {source: crm:site, target: ex:homepage, transform: url}
      - {source: crm:refersTo, target: ex:refers}
      - {source: crm:status, target: ex:status}
  - id: erp-account
    sourceClass: erp:Account
    targetClass: ex:Customer
    properties:
      - {source: erp:vat, target: ex:taxId}
      - {source: erp:status, target: ex:status}
`

var keyLevels = []resolve.KeyLevel{
	{Name: "taxId", Properties: []string{"ex:taxId"}},
	{Name: "name", Properties: []string{"ex:name"}},
}

func sourceGraph(t *testing.T, nt string) *store.Snapshot {
	t.Helper()
	triples, err := store.ReadNTriples(strings.NewReader(nt))
	require.NoError(t, err)
	g := store.New()
	_, err = g.InsertBatch(triples)
	require.NoError(t, err)
	return g.Snapshot()
}

// recordingObserver counts outcomes and, when graph is set, samples its size
// at every call.
type recordingObserver struct {
	outcomes map[string]int
	graph    *store.Graph
	counts   []int
}

func (o *recordingObserver) ObserveResolution(outcome string) {
	o.outcomes[outcome]++
	if o.graph != nil {
		o.counts = append(o.counts, o.graph.Count())
	}
}

func newHarmonizer(t *testing.T, opts ...Option) *Harmonizer {
	t.Helper()
	rules, err := LoadMappings(strings.NewReader(mappingsYAML))
	require.NoError(t, err)
	resolver, err := resolve.NewResolver(keyLevels)
	require.NoError(t, err)
	h, err := New(store.New(), rules, resolver, opts...)
	require.NoError(t, err)
	return h
}

// entityOf finds the harmonized entity derived from a source instance.
func entityOf(t *testing.T, snap *store.Snapshot, instance string) store.Term {
	t.Helper()
	entities := snap.Subjects(store.NewIRI(store.PropWasDerivedFrom), store.NewIRI(instance))
	require.Len(t, entities, 1, "entity derived from %s", instance)
	return entities[0]
}

func objects(snap *store.Snapshot, subject store.Term, predicate string) []store.Term {
	return snap.Objects(subject, store.NewIRI(predicate))
}

func TestHarmonize(t *testing.T) {
	h := newHarmonizer(t)
	src := sourceGraph(t, `
s1:c1 rdf:type crm:Client .
s1:c1 crm:mail " A@Acme.Test " .
s1:c1 crm:fullName " Acme Ltd " .
s1:c1 crm:taxNo "DE-1" .
s1:c1 crm:signup "2024-03-01" .
s1:c1 crm:revenue "$1,200.50" .
s1:c1 crm:site "acme.test" .
s1:c1 crm:refersTo s1:c2 .
s1:c1 crm:fax "123" .
s1:c2 rdf:type crm:Client .
s1:c2 crm:fullName "Crate Co" .
s1:c2 crm:signup "not a date" .
`)

	result, err := h.Harmonize(context.Background(), Source{ID: "S1", ImportedAt: t0, Graph: src})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Instances)
	assert.Equal(t, 2, result.NewEntities)
	assert.Equal(t, 0, result.Merged)
	assert.Len(t, result.Provenance, 10)
	assert.Equal(t, 10, h.Ledger().Len())

	snap := h.Graph().Snapshot()
	assert.Equal(t, result.Version, snap.Version())
	e1 := entityOf(t, snap, "s1:c1")
	e2 := entityOf(t, snap, "s1:c2")
	assert.True(t, strings.HasPrefix(e1.Value, DefaultEntityBase))

	assert.Equal(t, []store.Term{store.NewIRI("ex:Customer")}, objects(snap, e1, store.RDFType))
	assert.Equal(t, []store.Term{store.NewLiteral("a@acme.test")}, objects(snap, e1, "ex:email"))
	assert.Equal(t, []store.Term{store.NewLiteral("Acme Ltd")}, objects(snap, e1, "ex:name"))
	assert.Equal(t, []store.Term{store.NewTypedLiteral("2024-03-01T00:00:00Z", store.XSDDateTime)}, objects(snap, e1, "ex:since"))
	assert.Equal(t, []store.Term{store.NewTypedLiteral("1200.5", store.XSDDecimal)}, objects(snap, e1, "ex:revenue"))
	assert.Equal(t, []store.Term{store.NewTypedLiteral("https://acme.test", store.XSDAnyURI)}, objects(snap, e1, "ex:homepage"))
	assert.Equal(t, []store.Term{e2}, objects(snap, e1, "ex:refers"), "references follow resolution")

	fax := store.NewTriple(e1, store.NewIRI("crm:fax"), store.NewLiteral("123"))
	badDate := store.NewTriple(e2, store.NewIRI("ex:since"), store.NewLiteral("not a date"))
	assert.True(t, snap.Contains(fax), "unmapped predicates pass through")
	assert.True(t, snap.Contains(badDate), "a failed transform keeps the value")

	require.Len(t, result.LowConfidence, 2)
	assert.Equal(t, Flag{Statement: fax, Reason: ReasonUnmapped}, result.LowConfidence[0])
	assert.Equal(t, badDate, result.LowConfidence[1].Statement)
	assert.Contains(t, result.LowConfidence[1].Reason, "datetime transform")

	flagged := snap.Subjects(store.NewIRI(store.PropLowConfidence), store.NewLiteral(ReasonUnmapped))
	require.Len(t, flagged, 1)
	assert.Equal(t, []store.Term{fax.Predicate}, objects(snap, flagged[0], store.RDFPredicate))

	for _, rec := range result.Provenance {
		assert.Equal(t, "S1", rec.SourceID)
		assert.Equal(t, t0, rec.ImportedAt)
		assert.True(t, snap.Contains(rec.Statement), rec.Statement.String())
	}
}

func TestHarmonize_MergesAcrossSources(t *testing.T) {
	h := newHarmonizer(t)
	ctx := context.Background()

	_, err := h.Harmonize(ctx, Source{ID: "S1", ImportedAt: t0, Graph: sourceGraph(t, `
s1:c1 rdf:type crm:Client .
s1:c1 crm:taxNo "DE-1" .
s1:c1 crm:status "ACTIVE" .
`)})
	require.NoError(t, err)

	result, err := h.Harmonize(ctx, Source{ID: "S2", ImportedAt: t0.Add(time.Hour), Graph: sourceGraph(t, `
s2:x rdf:type erp:Account .
s2:x erp:vat " de-1" .
s2:x erp:status "INACTIVE" .
`)})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Merged)
	assert.Empty(t, result.LowConfidence)

	snap := h.Graph().Snapshot()
	entity := entityOf(t, snap, "s1:c1")
	assert.Equal(t, entity, entityOf(t, snap, "s2:x"))
	assert.Equal(t, []store.Term{store.NewLiteral("ACTIVE"), store.NewLiteral("INACTIVE")},
		objects(snap, entity, "ex:status"), "values from different sources both stay until conflicts are resolved")

	active := h.Ledger().Active(provenance.Pair{Subject: entity, Predicate: store.NewIRI("ex:status")})
	require.Len(t, active, 2)
	assert.Equal(t, []string{"S1", "S2"}, []string{active[0].SourceID, active[1].SourceID})
}

func TestHarmonize_SameSourceOverwrite(t *testing.T) {
	h := newHarmonizer(t)
	ctx := context.Background()
	status := func(value string) *store.Snapshot {
		return sourceGraph(t, `
s1:c1 rdf:type crm:Client .
s1:c1 crm:taxNo "DE-1" .
s1:c1 crm:status "`+value+`" .
`)
	}

	_, err := h.Harmonize(ctx, Source{ID: "S1", ImportedAt: t0, Graph: status("ACTIVE")})
	require.NoError(t, err)
	result, err := h.Harmonize(ctx, Source{ID: "S1", ImportedAt: t0.Add(time.Hour), Graph: status("SUSPENDED")})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Removed)
	require.Len(t, result.Superseded, 1)
	assert.Equal(t, "ACTIVE", result.Superseded[0].Statement.Object.Value)

	snap := h.Graph().Snapshot()
	entity := entityOf(t, snap, "s1:c1")
	assert.Equal(t, []store.Term{store.NewLiteral("SUSPENDED")}, objects(snap, entity, "ex:status"))

	pair := provenance.Pair{Subject: entity, Predicate: store.NewIRI("ex:status")}
	assert.Len(t, h.Ledger().Active(pair), 1)
	assert.Len(t, h.Ledger().History(pair), 2, "superseded records are kept")
}

func TestHarmonize_OverwriteKeepsValueBackedByOtherSource(t *testing.T) {
	h := newHarmonizer(t)
	ctx := context.Background()
	crm := func(value string) *store.Snapshot {
		return sourceGraph(t, "s1:c1 rdf:type crm:Client .\ns1:c1 crm:taxNo \"DE-1\" .\ns1:c1 crm:status \""+value+"\" .\n")
	}

	_, err := h.Harmonize(ctx, Source{ID: "S1", ImportedAt: t0, Graph: crm("ACTIVE")})
	require.NoError(t, err)
	_, err = h.Harmonize(ctx, Source{ID: "S2", ImportedAt: t0, Graph: sourceGraph(t,
		"s2:x rdf:type erp:Account .\ns2:x erp:vat \"DE-1\" .\ns2:x erp:status \"ACTIVE\" .\n")})
	require.NoError(t, err)

	result, err := h.Harmonize(ctx, Source{ID: "S1", ImportedAt: t0.Add(time.Hour), Graph: crm("SUSPENDED")})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Removed)

	snap := h.Graph().Snapshot()
	entity := entityOf(t, snap, "s1:c1")
	assert.Equal(t, []store.Term{store.NewLiteral("ACTIVE"), store.NewLiteral("SUSPENDED")}, objects(snap, entity, "ex:status"))
}

func TestHarmonize_OutOfOrderImport(t *testing.T) {
	h := newHarmonizer(t)
	ctx := context.Background()

	_, err := h.Harmonize(ctx, Source{ID: "S1", ImportedAt: t0.Add(time.Hour), Graph: sourceGraph(t,
		"s1:c1 rdf:type crm:Client .\ns1:c1 crm:taxNo \"DE-1\" .\ns1:c1 crm:status \"SUSPENDED\" .\n")})
	require.NoError(t, err)
	_, err = h.Harmonize(ctx, Source{ID: "S1", ImportedAt: t0, Graph: sourceGraph(t,
		"s1:c1 rdf:type crm:Client .\ns1:c1 crm:taxNo \"DE-1\" .\ns1:c1 crm:status \"ACTIVE\" .\n")})
	require.NoError(t, err)

	snap := h.Graph().Snapshot()
	entity := entityOf(t, snap, "s1:c1")
	assert.Equal(t, []store.Term{store.NewLiteral("SUSPENDED")}, objects(snap, entity, "ex:status"))
	assert.Len(t, h.Ledger().History(provenance.Pair{Subject: entity, Predicate: store.NewIRI("ex:status")}), 2)
}

func TestHarmonize_AmbiguousEntityIsFlagged(t *testing.T) {
	observer := &recordingObserver{outcomes: make(map[string]int)}
	h := newHarmonizer(t, WithObserver(observer))

	// c3 merges into c2 by tax id and brings the name "Acme", which c1
	// already carries; c4 then matches both on name alone.
	result, err := h.Harmonize(context.Background(), Source{ID: "S1", ImportedAt: t0, Graph: sourceGraph(t, `
s1:c1 rdf:type crm:Client .
s1:c1 crm:taxNo "T1" .
s1:c1 crm:fullName "Acme" .
s1:c2 rdf:type crm:Client .
s1:c2 crm:taxNo "T2" .
s1:c3 rdf:type crm:Client .
s1:c3 crm:taxNo "T2" .
s1:c3 crm:fullName "Acme" .
s1:c4 rdf:type crm:Client .
s1:c4 crm:fullName "acme" .
`)})
	require.NoError(t, err)

	assert.Equal(t, 3, result.NewEntities)
	assert.Equal(t, 1, result.Merged)
	require.Len(t, result.Review, 1)
	review := result.Review[0]
	assert.Equal(t, store.NewIRI("s1:c4"), review.Instance)
	assert.True(t, errors.Is(review.Err, errs.ErrAmbiguousEntity))

	snap := h.Graph().Snapshot()
	assert.Equal(t, review.Entity, entityOf(t, snap, "s1:c4"))
	assert.NotEqual(t, entityOf(t, snap, "s1:c1"), review.Entity)
	assert.NotEqual(t, entityOf(t, snap, "s1:c2"), review.Entity)
	assert.Equal(t, []store.Term{store.NewTypedLiteral("true", store.XSDBoolean)}, objects(snap, review.Entity, store.PropNeedsReview))

	assert.Equal(t, map[string]int{OutcomeNew: 2, OutcomeExact: 1, OutcomeAmbiguous: 1}, observer.outcomes)
}

func TestHarmonize_CancelledRunChangesNothing(t *testing.T) {
	h := newHarmonizer(t)
	src := Source{ID: "S1", ImportedAt: t0, Graph: sourceGraph(t,
		"s1:c1 rdf:type crm:Client .\ns1:c1 crm:taxNo \"DE-1\" .\n")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Harmonize(ctx, src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrQueryTimeout))

	assert.Equal(t, 0, h.Graph().Count())
	assert.Equal(t, uint64(0), h.Graph().Version())
	assert.Equal(t, 0, h.Ledger().Len())

	result, err := h.Harmonize(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewEntities, "the cancelled run left no entities behind")
}

func TestHarmonize_ObservesOutcomesAfterCommit(t *testing.T) {
	rules, err := LoadMappings(strings.NewReader(mappingsYAML))
	require.NoError(t, err)
	resolver, err := resolve.NewResolver(keyLevels)
	require.NoError(t, err)
	graph := store.New()
	observer := &recordingObserver{outcomes: make(map[string]int), graph: graph}
	h, err := New(graph, rules, resolver, WithObserver(observer))
	require.NoError(t, err)

	src := Source{ID: "S1", ImportedAt: t0, Graph: sourceGraph(t,
		"s1:c1 rdf:type crm:Client .\ns1:c1 crm:taxNo \"DE-1\" .\n")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Harmonize(ctx, src)
	require.Error(t, err)
	assert.Empty(t, observer.outcomes)

	_, err = h.Harmonize(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, observer.outcomes[OutcomeNew])
	require.Len(t, observer.counts, 1)
	assert.Positive(t, observer.counts[0], "outcomes are reported once the batch is applied")
}

func TestHarmonize_FullVocabularyIRIs(t *testing.T) {
	h := newHarmonizer(t)
	result, err := h.Harmonize(context.Background(), Source{ID: "S1", ImportedAt: t0, Graph: sourceGraph(t,
		"s1:c1 <http://www.w3.org/1999/02/22-rdf-syntax-ns#type> crm:Client .\ns1:c1 crm:taxNo \"DE-1\" .\n")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Instances)
	assert.Equal(t, 1, h.Graph().Snapshot().Stats().ClassCounts["ex:Customer"])
}

func TestHarmonize_InvalidSource(t *testing.T) {
	h := newHarmonizer(t)
	_, err := h.Harmonize(context.Background(), Source{Graph: store.New().Snapshot()})
	assert.ErrorIs(t, err, errs.ErrMalformedInput)
	_, err = h.Harmonize(context.Background(), Source{ID: "S1"})
	assert.ErrorIs(t, err, errs.ErrMalformedInput)
}

func TestNew_Errors(t *testing.T) {
	resolver, err := resolve.NewResolver(keyLevels)
	require.NoError(t, err)

	_, err = New(nil, nil, resolver)
	assert.Error(t, err)
	_, err = New(store.New(), nil, nil)
	assert.Error(t, err)
	_, err = New(store.New(), []MappingRule{{ID: "r"}}, resolver)
	assert.ErrorIs(t, err, errs.ErrMalformedInput)
}
