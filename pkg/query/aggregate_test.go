package query

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coolbeans/graphharmony/pkg/errs"
	"github.com/coolbeans/graphharmony/pkg/store"
)

func row(pairs ...any) Binding {
	b := Binding{}
	for i := 0; i+1 < len(pairs); i += 2 {
		b[pairs[i].(string)] = pairs[i+1].(store.Term)
	}
	return b
}

func TestAggregate_SumExcludesNonNumeric(t *testing.T) {
	rows := []Binding{
		row("total", lit("10")),
		row("total", store.NewTypedLiteral("2.5", store.XSDDecimal)),
		row("total", lit("abc")),
	}

	groups, err := Aggregate(context.Background(), rows, nil,
		AggregateExpression{Function: AggregateSUM, Variable: "?total", Alias: "?sum"})
	require.NoError(t, err)
	require.Len(t, groups, 1)

	sum := groups[0].Values["sum"]
	assert.Equal(t, "12.5", sum.Value)
	assert.Equal(t, store.XSDDecimal, sum.Datatype)
	assert.Equal(t, 1, groups[0].ExcludedCount("?sum"))
	assert.Equal(t, 3, groups[0].Rows)
}

func TestAggregate_Functions(t *testing.T) {
	rows := []Binding{
		row("v", lit("4")),
		row("v", lit("1")),
		row("v", store.NewTypedLiteral("7", store.XSDInteger)),
		row("v", store.NewLangLiteral("3", "en")),
		row("other", lit("x")),
	}

	tests := []struct {
		name     string
		agg      AggregateExpression
		want     string
		unbound  bool
		excluded int
	}{
		{"count bound", AggregateExpression{Function: AggregateCOUNT, Variable: "?v"}, "4", false, 0},
		{"count star", AggregateExpression{Function: AggregateCOUNT, Variable: "*"}, "5", false, 0},
		{"sum", AggregateExpression{Function: AggregateSUM, Variable: "?v"}, "12", false, 1},
		{"avg", AggregateExpression{Function: AggregateAVG, Variable: "?v"}, "4", false, 1},
		{"min keeps the original term", AggregateExpression{Function: AggregateMIN, Variable: "?v"}, "1", false, 1},
		{"max", AggregateExpression{Function: AggregateMAX, Variable: "?v"}, "7", false, 1},
		{"avg of nothing", AggregateExpression{Function: AggregateAVG, Variable: "?none"}, "", true, 0},
		{"sum of nothing", AggregateExpression{Function: AggregateSUM, Variable: "?none"}, "0", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.agg.Alias = "?out"
			groups, err := Aggregate(context.Background(), rows, nil, tt.agg)
			require.NoError(t, err)
			require.Len(t, groups, 1)

			v, ok := groups[0].Values["out"]
			assert.Equal(t, !tt.unbound, ok)
			assert.Equal(t, tt.want, v.Value)
			assert.Equal(t, tt.excluded, groups[0].ExcludedCount("out"))
		})
	}
}

func TestAggregate_MaxReturnsOriginalTerm(t *testing.T) {
	typed := store.NewTypedLiteral("7", store.XSDInteger)
	groups, err := Aggregate(context.Background(), []Binding{row("v", lit("2")), row("v", typed)}, nil,
		AggregateExpression{Function: AggregateMAX, Variable: "?v", Alias: "?m"})
	require.NoError(t, err)
	assert.Equal(t, typed, groups[0].Values["m"])
}

func TestAggregate_CountDistinct(t *testing.T) {
	rows := []Binding{
		row("c", iri("ex:c1")),
		row("c", iri("ex:c1")),
		row("c", iri("ex:c2")),
		row("c", lit("ex:c1")),
	}
	groups, err := Aggregate(context.Background(), rows, nil,
		AggregateExpression{Function: AggregateCOUNT, Variable: "?c", Alias: "?n", Distinct: true})
	require.NoError(t, err)
	assert.Equal(t, "3", groups[0].Values["n"].Value, "an IRI and a literal with the same text are distinct")
}

func TestAggregate_GroupsInFirstSeenOrder(t *testing.T) {
	rows := []Binding{
		row("r", lit("south"), "a", lit("1")),
		row("r", lit("north"), "a", lit("2")),
		row("r", lit("south"), "a", lit("3")),
		row("a", lit("4")),
	}

	groups, err := Aggregate(context.Background(), rows, []string{"?r"},
		AggregateExpression{Function: AggregateSUM, Variable: "?a", Alias: "?t"})
	require.NoError(t, err)
	require.Len(t, groups, 3)

	assert.Equal(t, "south", groups[0].Key["r"].Value)
	assert.Equal(t, "4", groups[0].Values["t"].Value)
	assert.Equal(t, "north", groups[1].Key["r"].Value)
	assert.Equal(t, "2", groups[1].Values["t"].Value)

	_, bound := groups[2].Key["r"]
	assert.False(t, bound, "rows without the group variable form their own group")
	assert.Equal(t, "4", groups[2].Binding()["t"].Value)
}

func TestAggregate_EmptyInput(t *testing.T) {
	count := AggregateExpression{Function: AggregateCOUNT, Variable: "*", Alias: "?n"}

	groups, err := Aggregate(context.Background(), nil, nil, count)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "0", groups[0].Values["n"].Value)

	groups, err = Aggregate(context.Background(), nil, []string{"?r"}, count)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestAggregate_InvalidFunction(t *testing.T) {
	_, err := Aggregate(context.Background(), nil, nil,
		AggregateExpression{Function: "MEDIAN", Variable: "?v", Alias: "?m"})
	assert.ErrorIs(t, err, errs.ErrMalformedInput)

	_, err = Aggregate(context.Background(), nil, nil,
		AggregateExpression{Function: AggregateSUM, Variable: "*", Alias: "?m"})
	assert.ErrorIs(t, err, errs.ErrMalformedInput)
}

func TestAggregate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Aggregate(ctx, []Binding{row("v", lit("1"))}, nil,
		AggregateExpression{Function: AggregateCOUNT, Variable: "?v", Alias: "?n"})
	assert.ErrorIs(t, err, errs.ErrQueryTimeout)
}

func TestRewriteHaving(t *testing.T) {
	aggs := []AggregateExpression{
		{Function: AggregateCOUNT, Variable: "?o", Alias: "?n"},
		{Function: AggregateCOUNT, Variable: "?c", Alias: "?dc", Distinct: true},
	}

	got, err := rewriteHaving("count(?o) >= 2", aggs)
	require.NoError(t, err)
	assert.Equal(t, "?n >= 2", got)

	got, err = rewriteHaving("COUNT(DISTINCT ?c) > 1", aggs)
	require.NoError(t, err)
	assert.Equal(t, "?dc > 1", got)

	_, err = rewriteHaving("COUNT(?c) > 1", aggs)
	assert.Error(t, err)
}

func BenchmarkAggregate_GroupBy(b *testing.B) {
	rows := make([]Binding, 0, 1000)
	for i := 0; i < 1000; i++ {
		rows = append(rows, row(
			"r", lit(fmt.Sprintf("region-%d", i%10)),
			"a", lit(fmt.Sprintf("%d", i)),
		))
	}
	agg := AggregateExpression{Function: AggregateSUM, Variable: "?a", Alias: "?t"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Aggregate(context.Background(), rows, []string{"?r"}, agg); err != nil {
			b.Fatal(err)
		}
	}
}
