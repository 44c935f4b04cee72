package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coolbeans/graphharmony/pkg/errs"
	"github.com/coolbeans/graphharmony/pkg/harmonize"
	"github.com/coolbeans/graphharmony/pkg/provenance"
	"github.com/coolbeans/graphharmony/pkg/resolve"
	"github.com/coolbeans/graphharmony/pkg/store"
)

func at(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func status(subject, value string) store.Triple {
	return store.NewTriple(store.NewIRI(subject), store.NewIRI("ex:status"), store.NewLiteral(value))
}

// fixture writes records into a fresh graph and ledger, one import per record.
func fixture(t *testing.T, records ...provenance.Record) (*store.Graph, *provenance.Ledger) {
	t.Helper()
	g := store.New()
	ledger := provenance.NewLedger()
	for _, rec := range records {
		superseded := ledger.Append(rec)
		remove := make([]store.Triple, 0, len(superseded))
		for _, s := range superseded {
			remove = append(remove, s.Statement)
		}
		_, err := g.Update(store.Batch{Insert: []store.Triple{rec.Statement}, Remove: remove})
		require.NoError(t, err)
	}
	return g, ledger
}

type countingObserver struct {
	detected   int
	resolved   int
	unresolved int
	strategies []string
}

func (o *countingObserver) ObserveConflicts(detected int) { o.detected += detected }

func (o *countingObserver) ObserveResolved(strategy string, resolved, unresolved int) {
	o.strategies = append(o.strategies, strategy)
	o.resolved += resolved
	o.unresolved += unresolved
}

func scenarioC(t *testing.T) (*store.Graph, *provenance.Ledger) {
	return fixture(t,
		provenance.NewRecord(status("ex:p1", "ACTIVE"), "S1", at(1)),
		provenance.NewRecord(status("ex:p1", "INACTIVE"), "S2", at(2)),
	)
}

func TestScenarioC_MostRecent(t *testing.T) {
	g, ledger := scenarioC(t)
	m := NewManager(g, ledger)
	ctx := context.Background()

	records, err := m.Detect(ctx, g.Snapshot())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, store.NewIRI("ex:p1"), records[0].Entity())
	assert.Equal(t, store.NewIRI("ex:status"), records[0].Property())
	assert.False(t, records[0].Resolved())

	resolved, err := m.Resolve(ctx, records, MostRecent)
	require.NoError(t, err)
	require.Len(t, resolved, 1)

	res, ok := resolved[0].Resolution()
	require.True(t, ok)
	assert.Equal(t, store.NewLiteral("INACTIVE"), res.Winner)
	assert.Equal(t, "S2", res.SourceID)
	assert.Equal(t, MostRecent, res.Strategy)

	snap := g.Snapshot()
	assert.Equal(t, []store.Term{store.NewLiteral("INACTIVE")}, snap.Objects(store.NewIRI("ex:p1"), store.NewIRI("ex:status")))

	candidates := resolved[0].Candidates()
	require.Len(t, candidates, 2, "the losing value stays on the record")
	assert.Equal(t, "ACTIVE", candidates[0].Value.Value)
	assert.Equal(t, "INACTIVE", candidates[1].Value.Value)

	assert.False(t, records[0].Resolved(), "records are immutable")

	again, err := m.Detect(ctx, snap)
	require.NoError(t, err)
	assert.Empty(t, again, "a resolved slot is no longer in conflict")
}

func TestMostRecent_TieBreaksOnSourceID(t *testing.T) {
	for i := 0; i < 5; i++ {
		g, ledger := fixture(t,
			provenance.NewRecord(status("ex:p1", "B"), "S2", at(5)),
			provenance.NewRecord(status("ex:p1", "A"), "S3", at(5)),
			provenance.NewRecord(status("ex:p1", "C"), "S1", at(5)),
			provenance.NewRecord(status("ex:p1", "OLD"), "S0", at(1)),
		)
		m := NewManager(g, ledger)

		records, err := m.Detect(context.Background(), g.Snapshot())
		require.NoError(t, err)
		resolved, err := m.Resolve(context.Background(), records, MostRecent)
		require.NoError(t, err)

		res, _ := resolved[0].Resolution()
		assert.Equal(t, "C", res.Winner.Value)
		assert.Equal(t, "S1", res.SourceID)
	}
}

func TestSourcePriority(t *testing.T) {
	records := []provenance.Record{
		provenance.NewRecord(status("ex:p1", "CRM"), "crm", at(1)),
		provenance.NewRecord(status("ex:p1", "ERP"), "erp", at(2)),
		provenance.NewRecord(status("ex:p1", "WEB"), "web", at(3)),
		provenance.NewRecord(status("ex:p1", "LOG"), "log", at(3)),
	}

	tests := []struct {
		name    string
		ranking []string
		want    string
	}{
		{"first ranked wins", []string{"crm", "erp"}, "CRM"},
		{"ranking order matters", []string{"erp", "crm"}, "ERP"},
		{"unranked loses to ranked", []string{"crm"}, "CRM"},
		{"ranked source absent from conflict", []string{"billing"}, "LOG"},
		{"no ranking falls back to most recent", nil, "LOG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, ledger := fixture(t, records...)
			m := NewManager(g, ledger, WithSourcePriority(tt.ranking))

			detected, err := m.Detect(context.Background(), g.Snapshot())
			require.NoError(t, err)
			resolved, err := m.Resolve(context.Background(), detected, SourcePriority)
			require.NoError(t, err)

			res, ok := resolved[0].Resolution()
			require.True(t, ok)
			assert.Equal(t, tt.want, res.Winner.Value)
			assert.Equal(t, []store.Term{store.NewLiteral(tt.want)},
				g.Snapshot().Objects(store.NewIRI("ex:p1"), store.NewIRI("ex:status")))
		})
	}
}

func TestManual_LeavesConflictUnresolved(t *testing.T) {
	g, ledger := scenarioC(t)
	observer := &countingObserver{}
	m := NewManager(g, ledger, WithObserver(observer))
	before := g.Version()

	records, err := m.Detect(context.Background(), g.Snapshot())
	require.NoError(t, err)
	out, err := m.Resolve(context.Background(), records, Manual)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConflictUnresolved))
	var unresolved *errs.ConflictUnresolvedError
	require.True(t, errors.As(err, &unresolved))
	assert.Equal(t, "ex:p1", unresolved.Entity)
	assert.Equal(t, "ex:status", unresolved.Property)
	assert.Equal(t, errs.ClassReview, errs.Class(err))

	require.Len(t, out, 1)
	assert.False(t, out[0].Resolved())
	assert.Equal(t, before, g.Version(), "manual resolution does not touch the graph")
	assert.Len(t, m.History(), 1, "unresolved conflicts are surfaced in the history")

	assert.Equal(t, 1, observer.detected)
	assert.Equal(t, 0, observer.resolved)
	assert.Equal(t, 1, observer.unresolved)
	assert.Equal(t, []string{"manual"}, observer.strategies)
}

func TestSameSourceOverwriteIsNotAConflict(t *testing.T) {
	g, ledger := fixture(t,
		provenance.NewRecord(status("ex:p1", "ACTIVE"), "S1", at(1)),
		provenance.NewRecord(status("ex:p1", "SUSPENDED"), "S1", at(2)),
	)
	m := NewManager(g, ledger)

	records, err := m.Detect(context.Background(), g.Snapshot())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAgreeingSourcesAreNotAConflict(t *testing.T) {
	g, ledger := fixture(t,
		provenance.NewRecord(status("ex:p1", "ACTIVE"), "S1", at(1)),
		provenance.NewRecord(status("ex:p1", "ACTIVE"), "S2", at(2)),
	)
	records, err := NewManager(g, ledger).Detect(context.Background(), g.Snapshot())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDetect_OrderedBySlot(t *testing.T) {
	g, ledger := fixture(t,
		provenance.NewRecord(status("ex:p2", "A"), "S1", at(1)),
		provenance.NewRecord(status("ex:p2", "B"), "S2", at(1)),
		provenance.NewRecord(status("ex:p1", "A"), "S1", at(1)),
		provenance.NewRecord(status("ex:p1", "B"), "S2", at(1)),
	)
	records, err := NewManager(g, ledger).Detect(context.Background(), g.Snapshot())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "ex:p1", records[0].Entity().Value)
	assert.Equal(t, "ex:p2", records[1].Entity().Value)
}

func TestResolve_HistoryOnlyGrows(t *testing.T) {
	g, ledger := scenarioC(t)
	m := NewManager(g, ledger)
	ctx := context.Background()

	records, err := m.Detect(ctx, g.Snapshot())
	require.NoError(t, err)
	resolved, err := m.Resolve(ctx, records, MostRecent)
	require.NoError(t, err)

	again, err := m.Resolve(ctx, resolved, SourcePriority)
	require.NoError(t, err)
	assert.Same(t, resolved[0], again[0], "resolved records are not re-resolved")

	history := m.History()
	require.Len(t, history, 1)
	assert.Len(t, history[0].Candidates(), 2)

	history[0] = nil
	assert.NotNil(t, m.History()[0], "History returns a copy")
}

func TestResolve_Cancelled(t *testing.T) {
	g, ledger := scenarioC(t)
	m := NewManager(g, ledger)
	records, err := m.Detect(context.Background(), g.Snapshot())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Resolve(ctx, records, MostRecent)
	require.ErrorIs(t, err, errs.ErrQueryTimeout)
	assert.Len(t, g.Snapshot().Objects(store.NewIRI("ex:p1"), store.NewIRI("ex:status")), 2)
	assert.Empty(t, m.History())

	_, err = m.Detect(ctx, g.Snapshot())
	assert.ErrorIs(t, err, errs.ErrQueryTimeout)
}

func TestResolve_UnknownStrategy(t *testing.T) {
	g, ledger := scenarioC(t)
	m := NewManager(g, ledger)
	records, err := m.Detect(context.Background(), g.Snapshot())
	require.NoError(t, err)

	_, err = m.Resolve(context.Background(), records, Strategy(42))
	require.Error(t, err)
	assert.Len(t, g.Snapshot().Objects(store.NewIRI("ex:p1"), store.NewIRI("ex:status")), 2)
}

func TestRecord_MarshalJSON(t *testing.T) {
	g, ledger := scenarioC(t)
	m := NewManager(g, ledger)
	records, err := m.Detect(context.Background(), g.Snapshot())
	require.NoError(t, err)

	data, err := json.Marshal(records[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"entity": "ex:p1",
		"property": "ex:status",
		"candidates": [
			{"value": "\"ACTIVE\"", "sourceId": "S1", "timestamp": "1970-01-01T00:00:01Z"},
			{"value": "\"INACTIVE\"", "sourceId": "S2", "timestamp": "1970-01-01T00:00:02Z"}
		],
		"resolution": "unresolved"
	}`, string(data))

	resolved, err := m.Resolve(context.Background(), records, MostRecent)
	require.NoError(t, err)
	data, err = json.Marshal(resolved[0])
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, map[string]interface{}{"winner": `"INACTIVE"`, "strategy": "most_recent"}, doc["resolution"])
	assert.Len(t, doc["candidates"], 2)
}

func TestRecord_MarshalJSONKeepsTermShape(t *testing.T) {
	age := store.NewIRI("ex:age")
	g, ledger := fixture(t,
		provenance.NewRecord(store.NewTriple(store.NewIRI("ex:p1"), age, store.NewTypedLiteral("5", store.XSDInteger)), "S1", at(1)),
		provenance.NewRecord(store.NewTriple(store.NewIRI("ex:p1"), age, store.NewLiteral("5")), "S2", at(2)),
		provenance.NewRecord(store.NewTriple(store.NewIRI("ex:p1"), age, store.NewIRI("ex:5")), "S3", at(3)),
	)
	records, err := NewManager(g, ledger).Detect(context.Background(), g.Snapshot())
	require.NoError(t, err)
	require.Len(t, records, 1)

	data, err := json.Marshal(records[0])
	require.NoError(t, err)
	var doc struct {
		Candidates []struct {
			Value string `json:"value"`
		} `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))

	var values []string
	for _, c := range doc.Candidates {
		values = append(values, c.Value)
	}
	assert.ElementsMatch(t, []string{`"5"^^<xsd:integer>`, `"5"`, `<ex:5>`}, values)
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{MostRecent, SourcePriority, Manual} {
		parsed, err := ParseStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)

		text, err := s.MarshalText()
		require.NoError(t, err)
		var round Strategy
		require.NoError(t, round.UnmarshalText(text))
		assert.Equal(t, s, round)
	}

	_, err := ParseStrategy("most_common")
	assert.Error(t, err)
	_, err = Strategy(9).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "Strategy(9)", Strategy(9).String())
}

func TestHarmonizedSourcesConflict(t *testing.T) {
	rules, err := harmonize.LoadMappings(strings.NewReader(`
rules:
  - id: crm
    sourceClass: crm:Client
    targetClass: ex:Customer
    properties:
      - {source: crm:taxNo, target: ex:taxId}
      - {source: crm:status, target: ex:status}
  - id: erp
    sourceClass: erp:Account
    targetClass: ex:Customer
    properties:
      - {source: erp:vat, target: ex:taxId}
      - {source: erp:status, target: ex:status}
`))
	require.NoError(t, err)
	resolver, err := resolve.NewResolver([]resolve.KeyLevel{{Name: "taxId", Properties: []string{"ex:taxId"}}})
	require.NoError(t, err)

	graph := store.New()
	h, err := harmonize.New(graph, rules, resolver)
	require.NoError(t, err)

	load := func(id string, ts time.Time, nt string) {
		triples, err := store.ReadNTriples(strings.NewReader(nt))
		require.NoError(t, err)
		src := store.New()
		_, err = src.InsertBatch(triples)
		require.NoError(t, err)
		_, err = h.Harmonize(context.Background(), harmonize.Source{ID: id, ImportedAt: ts, Graph: src.Snapshot()})
		require.NoError(t, err)
	}
	load("S1", at(1), "s1:c rdf:type crm:Client .\ns1:c crm:taxNo \"DE-1\" .\ns1:c crm:status \"ACTIVE\" .\n")
	load("S2", at(2), "s2:c rdf:type erp:Account .\ns2:c erp:vat \"DE-1\" .\ns2:c erp:status \"INACTIVE\" .\n")

	m := NewManager(graph, h.Ledger())
	records, err := m.Detect(context.Background(), graph.Snapshot())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ex:status", records[0].Property().Value)

	_, err = m.Resolve(context.Background(), records, MostRecent)
	require.NoError(t, err)
	assert.Equal(t, []store.Term{store.NewLiteral("INACTIVE")},
		graph.Snapshot().Objects(records[0].Entity(), store.NewIRI("ex:status")))
}
