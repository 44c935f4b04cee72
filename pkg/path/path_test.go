package path

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coolbeans/graphharmony/pkg/errs"
	"github.com/coolbeans/graphharmony/pkg/store"
)

func iri(v string) store.Term { return store.NewIRI(v) }

func graphOf(t *testing.T, edges ...[3]string) *store.Snapshot {
	t.Helper()
	g := store.New()
	var triples []store.Triple
	for _, e := range edges {
		triples = append(triples, store.NewTriple(iri(e[0]), iri(e[1]), iri(e[2])))
	}
	_, err := g.InsertBatch(triples)
	require.NoError(t, err)
	return g.Snapshot()
}

func values(reached []Reached) []string {
	out := make([]string, len(reached))
	for i, r := range reached {
		out[i] = r.Node.Value
	}
	return out
}

func TestParse(t *testing.T) {
	valid := []string{
		"ex:knows",
		"<http://example.org/knows>",
		"a",
		"^ex:knows",
		"ex:knows/ex:name",
		"ex:a|ex:b",
		"(ex:a|ex:b)/ex:c",
		"ex:knows*",
		"ex:knows+",
		"ex:knows?",
		"ex:knows*{3}",
		"ex:knows+{2}",
		"^(rdf:type/rdfs:subClassOf*)",
		" ex:knows / ex:name ",
	}
	for _, expr := range valid {
		t.Run(expr, func(t *testing.T) {
			e, err := Parse(expr)
			require.NoError(t, err)
			assert.NotNil(t, e)
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	invalid := []string{
		"",
		"   ",
		"ex:a/",
		"/ex:a",
		"ex:a||ex:b",
		"(ex:a",
		"ex:a)",
		"<ex:a",
		"knows",
		"ex:a**",
		"ex:a+{0}",
		"ex:a*{x}",
		"ex:a*{2",
		"^",
	}
	for _, expr := range invalid {
		t.Run(fmt.Sprintf("%q", expr), func(t *testing.T) {
			_, err := Parse(expr)
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrMalformedInput)
		})
	}
}

func TestReachable_OneOrMore(t *testing.T) {
	snap := graphOf(t,
		[3]string{"ex:a", "ex:knows", "ex:b"},
		[3]string{"ex:b", "ex:knows", "ex:c"},
	)

	got, err := NewEvaluator().Reachable(context.Background(), snap, []store.Term{iri("ex:a")}, MustParse("ex:knows+"))
	require.NoError(t, err)

	assert.Equal(t, []string{"ex:b", "ex:c"}, values(got))
	assert.Equal(t, 1, got[0].Length)
	assert.Equal(t, 2, got[1].Length)
}

func TestReachable_ZeroOrMoreIsReflexive(t *testing.T) {
	snap := graphOf(t, [3]string{"ex:a", "ex:knows", "ex:b"})
	ev := NewEvaluator()

	for _, start := range []string{"ex:a", "ex:b", "ex:isolated"} {
		got, err := ev.Reachable(context.Background(), snap, []store.Term{iri(start)}, MustParse("ex:knows*"))
		require.NoError(t, err)
		require.NotEmpty(t, got)
		assert.Equal(t, start, got[0].Node.Value)
		assert.Equal(t, 0, got[0].Length)
	}
}

func TestReachable_Cycles(t *testing.T) {
	snap := graphOf(t,
		[3]string{"ex:a", "ex:next", "ex:b"},
		[3]string{"ex:b", "ex:next", "ex:c"},
		[3]string{"ex:c", "ex:next", "ex:a"},
		[3]string{"ex:c", "ex:next", "ex:c"},
	)

	for _, maxLength := range []int{0, 1, 2, 3, 10, 100} {
		t.Run(fmt.Sprintf("max_length=%d", maxLength), func(t *testing.T) {
			ev := NewEvaluator(WithMaxLength(maxLength))

			star, err := ev.Reachable(context.Background(), snap, []store.Term{iri("ex:a")}, MustParse("ex:next*"))
			require.NoError(t, err)

			plus, err := ev.Reachable(context.Background(), snap, []store.Term{iri("ex:a")}, MustParse("ex:next+"))
			require.NoError(t, err)

			switch {
			case maxLength == 0:
				assert.Equal(t, []string{"ex:a"}, values(star))
				assert.Empty(t, plus)
			case maxLength == 1:
				assert.Equal(t, []string{"ex:a", "ex:b"}, values(star))
				assert.Equal(t, []string{"ex:b"}, values(plus))
			case maxLength == 2:
				assert.Equal(t, []string{"ex:a", "ex:b", "ex:c"}, values(star))
				assert.Equal(t, []string{"ex:b", "ex:c"}, values(plus))
			default:
				assert.Equal(t, []string{"ex:a", "ex:b", "ex:c"}, values(star))
				// The start node is reached again through the cycle.
				assert.Equal(t, []string{"ex:b", "ex:c", "ex:a"}, values(plus))
			}
		})
	}
}

func TestReachable_ExplicitBound(t *testing.T) {
	var edges [][3]string
	for i := 0; i < 6; i++ {
		edges = append(edges, [3]string{fmt.Sprintf("ex:n%d", i), "ex:next", fmt.Sprintf("ex:n%d", i+1)})
	}
	snap := graphOf(t, edges...)
	ev := NewEvaluator()

	got, err := ev.Reachable(context.Background(), snap, []store.Term{iri("ex:n0")}, MustParse("ex:next+{2}"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ex:n1", "ex:n2"}, values(got))

	got, err = ev.Reachable(context.Background(), snap, []store.Term{iri("ex:n0")}, MustParse("ex:next*{0}"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ex:n0"}, values(got))

	bounded := NewEvaluator(WithMaxDepth(3))
	got, err = bounded.Reachable(context.Background(), snap, []store.Term{iri("ex:n0")}, MustParse("ex:next+"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ex:n1", "ex:n2", "ex:n3"}, values(got))
}

func TestReachable_SequenceInverseAlternation(t *testing.T) {
	snap := graphOf(t,
		[3]string{"ex:alice", "rdf:type", "ex:Manager"},
		[3]string{"ex:bob", "rdf:type", "ex:Employee"},
		[3]string{"ex:carol", "rdf:type", "ex:Person"},
		[3]string{"ex:Manager", "rdfs:subClassOf", "ex:Employee"},
		[3]string{"ex:Employee", "rdfs:subClassOf", "ex:Person"},
		[3]string{"ex:alice", "ex:worksFor", "ex:acme"},
		[3]string{"ex:bob", "ex:memberOf", "ex:acme"},
	)
	ev := NewEvaluator()
	ctx := context.Background()

	members, err := ev.Reachable(ctx, snap, []store.Term{iri("ex:Employee")}, MustParse("^(rdf:type/rdfs:subClassOf*)"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ex:bob", "ex:alice"}, values(members))

	people, err := ev.Reachable(ctx, snap, []store.Term{iri("ex:Person")}, MustParse("^(a/rdfs:subClassOf*)"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ex:alice", "ex:bob", "ex:carol"}, values(people))

	colleagues, err := ev.Reachable(ctx, snap, []store.Term{iri("ex:alice")}, MustParse("(ex:worksFor|ex:memberOf)/^(ex:worksFor|ex:memberOf)"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ex:alice", "ex:bob"}, values(colleagues))
}

func TestReachable_LiteralValues(t *testing.T) {
	g := store.New()
	_, err := g.InsertBatch([]store.Triple{
		store.NewTriple(iri("ex:a"), iri("ex:knows"), iri("ex:b")),
		store.NewTriple(iri("ex:b"), iri("ex:name"), store.NewLiteral("Bob")),
	})
	require.NoError(t, err)

	got, err := NewEvaluator().Reachable(context.Background(), g.Snapshot(), []store.Term{iri("ex:a")}, MustParse("ex:knows/ex:name"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, store.NewLiteral("Bob"), got[0].Node)
}

func TestReachable_Timeout(t *testing.T) {
	snap := graphOf(t, [3]string{"ex:a", "ex:knows", "ex:b"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	got, err := NewEvaluator().Reachable(ctx, snap, []store.Term{iri("ex:a")}, MustParse("ex:knows*"))
	require.Error(t, err)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, errs.ErrQueryTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReachable_NestedRepetition(t *testing.T) {
	snap := graphOf(t,
		[3]string{"ex:a", "ex:p", "ex:b"},
		[3]string{"ex:b", "ex:p", "ex:c"},
		[3]string{"ex:c", "ex:p", "ex:a"},
	)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	began := time.Now()
	got, err := NewEvaluator().Reachable(ctx, snap, []store.Term{iri("ex:a")}, MustParse("(((ex:p*)*)*)*"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ex:a", "ex:b", "ex:c"}, values(got))
	assert.Less(t, time.Since(began), time.Second)

	paths, err := NewEvaluator().FindPaths(ctx, snap, []store.Term{iri("ex:a")}, nil, MustParse("((ex:p+)+)+"), -1)
	require.NoError(t, err)
	assert.Len(t, paths, 2)
}

func TestReachable_ExpressionTooLarge(t *testing.T) {
	snap := graphOf(t, [3]string{"ex:a", "ex:p", "ex:b"})

	_, err := NewEvaluator().Reachable(context.Background(), snap, []store.Term{iri("ex:a")},
		MustParse("(((ex:p*{60})*{60})*{60})*{60}"))
	assert.ErrorIs(t, err, errs.ErrMalformedInput)
}

func TestFindPaths(t *testing.T) {
	snap := graphOf(t,
		[3]string{"ex:a", "ex:knows", "ex:b"},
		[3]string{"ex:a", "ex:knows", "ex:c"},
		[3]string{"ex:b", "ex:knows", "ex:d"},
		[3]string{"ex:c", "ex:knows", "ex:d"},
		[3]string{"ex:d", "ex:knows", "ex:a"},
	)
	ev := NewEvaluator()
	target := iri("ex:d")

	paths, err := ev.FindPaths(context.Background(), snap, []store.Term{iri("ex:a")}, &target, MustParse("ex:knows+"), 5)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "ex:a -ex:knows-> ex:b -ex:knows-> ex:d", paths[0].String())
	assert.Equal(t, "ex:a -ex:knows-> ex:c -ex:knows-> ex:d", paths[1].String())

	// Simple paths never revisit the start even though the graph cycles back.
	all, err := ev.FindPaths(context.Background(), snap, []store.Term{iri("ex:a")}, nil, MustParse("ex:knows+"), 10)
	require.NoError(t, err)
	for _, p := range all {
		seen := map[string]bool{}
		for _, n := range p.Nodes {
			assert.False(t, seen[n.Key()], "node %s repeated in %s", n.Value, p)
			seen[n.Key()] = true
		}
	}
	require.Len(t, all, 4)
	assert.Equal(t, 1, all[0].Length())
	assert.Equal(t, "ex:b", all[0].End().Value)
	assert.Equal(t, "ex:c", all[1].End().Value)
}

func TestFindPaths_TargetBeyondMaxLength(t *testing.T) {
	snap := graphOf(t,
		[3]string{"ex:a", "ex:next", "ex:b"},
		[3]string{"ex:b", "ex:next", "ex:c"},
		[3]string{"ex:c", "ex:next", "ex:d"},
	)
	target := iri("ex:d")

	paths, err := NewEvaluator().FindPaths(context.Background(), snap, []store.Term{iri("ex:a")}, &target, MustParse("ex:next+"), 2)
	require.NoError(t, err)
	assert.Empty(t, paths)

	paths, err = NewEvaluator().FindPaths(context.Background(), snap, []store.Term{iri("ex:a")}, &target, MustParse("ex:next+"), 3)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, 3, paths[0].Length())
}

func TestFindPaths_InverseHops(t *testing.T) {
	snap := graphOf(t,
		[3]string{"ex:alice", "ex:worksFor", "ex:acme"},
		[3]string{"ex:bob", "ex:worksFor", "ex:acme"},
	)
	target := iri("ex:bob")

	paths, err := NewEvaluator().FindPaths(context.Background(), snap, []store.Term{iri("ex:alice")}, &target, MustParse("ex:worksFor/^ex:worksFor"), -1)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.True(t, paths[0].Hops[1].Inverse)
	assert.Equal(t, "ex:alice -ex:worksFor-> ex:acme <-ex:worksFor- ex:bob", paths[0].String())
}

func TestNeighborhood(t *testing.T) {
	snap := graphOf(t,
		[3]string{"ex:a", "ex:knows", "ex:b"},
		[3]string{"ex:c", "ex:likes", "ex:a"},
		[3]string{"ex:b", "ex:knows", "ex:d"},
		[3]string{"ex:d", "ex:knows", "ex:e"},
	)

	got, err := NewEvaluator().Neighborhood(context.Background(), snap, iri("ex:a"), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"ex:b", "ex:c", "ex:d"}, values(got))
	assert.Equal(t, 2, got[2].Length)
}

type recordingObserver struct {
	modes []string
}

func (r *recordingObserver) ObservePath(mode string, _ time.Duration, _ int) {
	r.modes = append(r.modes, mode)
}

func TestEvaluator_Observer(t *testing.T) {
	snap := graphOf(t, [3]string{"ex:a", "ex:knows", "ex:b"})
	obs := &recordingObserver{}
	ev := NewEvaluator(WithObserver(obs))

	_, err := ev.Reachable(context.Background(), snap, []store.Term{iri("ex:a")}, MustParse("ex:knows"))
	require.NoError(t, err)
	_, err = ev.FindPaths(context.Background(), snap, []store.Term{iri("ex:a")}, nil, MustParse("ex:knows"), 1)
	require.NoError(t, err)

	assert.Equal(t, []string{"closure", "paths"}, obs.modes)
}
