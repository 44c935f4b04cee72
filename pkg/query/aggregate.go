package query

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/coolbeans/graphharmony/pkg/errs"
	"github.com/coolbeans/graphharmony/pkg/store"
)

// GroupResult is one group produced by Aggregate.
type GroupResult struct {
	// Key holds the group-by variable values; unbound group variables are absent.
	Key Binding
	// Values holds one entry per aggregate alias. An aggregate with no numeric
	// input (AVG, MIN, MAX) is left unbound.
	Values Binding
	// Excluded counts, per alias, the values skipped because they were not numeric.
	Excluded map[string]int
	// Rows is the number of input rows in the group.
	Rows int
}

// ExcludedCount returns the number of non-numeric values skipped for alias.
func (g GroupResult) ExcludedCount(alias string) int {
	return g.Excluded[StripVariable(alias)]
}

// Binding merges the group key and the aggregate values into one row.
func (g GroupResult) Binding() Binding {
	b := g.Key.Clone()
	for k, v := range g.Values {
		b[k] = v
	}
	return b
}

type accumulator struct {
	agg      AggregateExpression
	count    int
	sum      float64
	numeric  int
	min, max store.Term
	minV     float64
	maxV     float64
	excluded int
	seen     map[string]bool
}

func (a *accumulator) add(row Binding) {
	if a.agg.Variable == "*" {
		a.count++
		return
	}
	t, ok := row[StripVariable(a.agg.Variable)]
	if !ok {
		return
	}
	if a.agg.Distinct {
		if a.seen[t.Key()] {
			return
		}
		a.seen[t.Key()] = true
	}

	if a.agg.Function == AggregateCOUNT {
		a.count++
		return
	}

	v, ok := t.Numeric()
	if !ok {
		a.excluded++
		return
	}
	if a.numeric == 0 || v < a.minV {
		a.min, a.minV = t, v
	}
	if a.numeric == 0 || v > a.maxV {
		a.max, a.maxV = t, v
	}
	a.sum += v
	a.numeric++
}

func (a *accumulator) result() (store.Term, bool) {
	switch a.agg.Function {
	case AggregateCOUNT:
		return store.NewTypedLiteral(strconv.Itoa(a.count), store.XSDInteger), true
	case AggregateSUM:
		return decimal(a.sum), true
	case AggregateAVG:
		if a.numeric == 0 {
			return store.Term{}, false
		}
		return decimal(a.sum / float64(a.numeric)), true
	case AggregateMIN:
		return a.min, a.numeric > 0
	case AggregateMAX:
		return a.max, a.numeric > 0
	default:
		return store.Term{}, false
	}
}

func decimal(v float64) store.Term {
	return store.NewTypedLiteral(strconv.FormatFloat(v, 'f', -1, 64), store.XSDDecimal)
}

// Aggregate partitions rows by the group-by variables and computes each
// aggregate per group. Groups are returned in order of first appearance; with
// no group-by variables there is exactly one group, even for zero rows.
//
// COUNT counts every row in which its variable is bound, whatever the value.
// Use COUNT(*) to count all rows of a group, bound or not. SUM, AVG, MIN and MAX skip values that are not
// numeric and tally them in the group's Excluded map instead of failing. SUM
// over no numeric values is 0.
func Aggregate(ctx context.Context, rows []Binding, groupBy []string, aggs ...AggregateExpression) ([]GroupResult, error) {
	for _, agg := range aggs {
		switch agg.Function {
		case AggregateCOUNT, AggregateSUM, AggregateAVG, AggregateMIN, AggregateMAX:
		default:
			return nil, errs.Malformed(string(agg.Function), "unknown aggregate function")
		}
		if agg.Variable == "*" && agg.Function != AggregateCOUNT {
			return nil, errs.Malformed(string(agg.Function)+"(*)", "only COUNT accepts *")
		}
	}

	type group struct {
		key  Binding
		accs []*accumulator
		rows int
	}
	newGroup := func(key Binding) *group {
		g := &group{key: key}
		for _, agg := range aggs {
			g.accs = append(g.accs, &accumulator{agg: agg, seen: make(map[string]bool)})
		}
		return g
	}

	var order []*group
	groups := make(map[string]*group)
	if len(groupBy) == 0 {
		g := newGroup(Binding{})
		order = append(order, g)
		groups[""] = g
	}

	for i, row := range rows {
		if i%256 == 0 {
			if err := errs.CheckContext(ctx, "aggregation"); err != nil {
				return nil, err
			}
		}

		key := Binding{}
		parts := make([]string, len(groupBy))
		for j, v := range groupBy {
			name := StripVariable(v)
			if t, ok := row[name]; ok {
				key[name] = t
				parts[j] = t.Key()
			}
		}
		groupKey := strings.Join(parts, "\x00")

		g, ok := groups[groupKey]
		if !ok {
			g = newGroup(key)
			groups[groupKey] = g
			order = append(order, g)
		}
		g.rows++
		for _, acc := range g.accs {
			acc.add(row)
		}
	}

	results := make([]GroupResult, 0, len(order))
	for _, g := range order {
		gr := GroupResult{
			Key:      g.key,
			Values:   Binding{},
			Excluded: make(map[string]int),
			Rows:     g.rows,
		}
		for _, acc := range g.accs {
			alias := StripVariable(acc.agg.Alias)
			if v, ok := acc.result(); ok {
				gr.Values[alias] = v
			}
			gr.Excluded[alias] = acc.excluded
		}
		results = append(results, gr)
	}

	return results, nil
}

var havingAggregateRegex = regexp.MustCompile(`(?i)(COUNT|SUM|AVG|MIN|MAX)\s*\(\s*(DISTINCT\s+)?(\?\w+|\*)\s*\)`)

// rewriteHaving replaces aggregate calls in a HAVING expression with the
// aliases that project them, so the result can be evaluated as a filter over
// grouped rows.
func rewriteHaving(expression string, aggs []AggregateExpression) (string, error) {
	var missing error
	rewritten := havingAggregateRegex.ReplaceAllStringFunc(expression, func(call string) string {
		m := havingAggregateRegex.FindStringSubmatch(call)
		fn := AggregateFunction(strings.ToUpper(m[1]))
		distinct := strings.TrimSpace(m[2]) != ""
		for _, agg := range aggs {
			if agg.Function == fn && agg.Variable == m[3] && agg.Distinct == distinct {
				return agg.Alias
			}
		}
		missing = fmt.Errorf("HAVING uses %s which is not projected", call)
		return call
	})
	if missing != nil {
		return "", missing
	}
	return rewritten, nil
}
