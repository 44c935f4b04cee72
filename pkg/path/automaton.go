package path

import (
	"context"

	"github.com/coolbeans/graphharmony/pkg/errs"
	"github.com/coolbeans/graphharmony/pkg/store"
)

// maxStates caps the size of a compiled expression. Explicit bounds nested in
// explicit bounds multiply, so the cap is checked while building.
const maxStates = 1 << 16

// checkEvery is how many states or configurations are processed between
// context checks.
const checkEvery = 1024

type edge struct {
	predicate store.Term
	inverse   bool
	to        int
}

// automaton is the Thompson construction of an expression. Bounded
// repetitions are unrolled. A bound at or beyond the length cap becomes a loop
// because no path may be longer than the cap anyway, and so does an implicit
// bound around a body that itself repeats without an explicit bound.
type automaton struct {
	edges    [][]edge
	eps      [][]int
	start    int
	accept   int
	closures map[int][]int

	ctx    context.Context
	source string
	err    error
}

func compile(ctx context.Context, expr *Expression, maxDepth, maxLength int) (*automaton, error) {
	if err := errs.CheckContext(ctx, "path compilation"); err != nil {
		return nil, err
	}
	a := &automaton{closures: make(map[int][]int), ctx: ctx, source: expr.source}
	a.start, a.accept = a.build(expr.root, maxDepth, maxLength)
	if a.err != nil {
		return nil, a.err
	}
	return a, nil
}

func (a *automaton) newState() int {
	n := len(a.edges)
	if a.err == nil {
		switch {
		case n >= maxStates:
			a.err = errs.Malformed(a.source, "expression expands beyond %d automaton states", maxStates)
		case n%checkEvery == 0:
			a.err = errs.CheckContext(a.ctx, "path compilation")
		}
	}
	a.edges = append(a.edges, nil)
	a.eps = append(a.eps, nil)
	return n
}

// repeatsImplicitly reports whether n contains a repetition bounded only by
// the evaluator.
func repeatsImplicitly(n *node) bool {
	if n.kind == nodeRepeat && n.max == implicitBound {
		return true
	}
	for _, child := range n.children {
		if repeatsImplicitly(child) {
			return true
		}
	}
	return false
}

func (a *automaton) link(from, to int) {
	a.eps[from] = append(a.eps[from], to)
}

func (a *automaton) build(n *node, maxDepth, maxLength int) (int, int) {
	if a.err != nil {
		return a.newState(), a.newState()
	}
	switch n.kind {
	case nodePredicate:
		in, out := a.newState(), a.newState()
		a.edges[in] = append(a.edges[in], edge{predicate: n.predicate, inverse: n.inverse, to: out})
		return in, out

	case nodeSequence:
		in, cur := -1, -1
		for _, child := range n.children {
			ci, co := a.build(child, maxDepth, maxLength)
			if in < 0 {
				in = ci
			} else {
				a.link(cur, ci)
			}
			cur = co
		}
		return in, cur

	case nodeAlternative:
		in, out := a.newState(), a.newState()
		for _, child := range n.children {
			ci, co := a.build(child, maxDepth, maxLength)
			a.link(in, ci)
			a.link(co, out)
		}
		return in, out

	default:
		limit := n.max
		if limit == implicitBound {
			limit = maxDepth
		}
		in, out := a.newState(), a.newState()
		if n.min == 0 {
			a.link(in, out)
		}
		if limit == 0 {
			return in, out
		}

		child := n.children[0]
		if limit >= maxLength || (n.max == implicitBound && repeatsImplicitly(child)) {
			ci, co := a.build(child, maxDepth, maxLength)
			a.link(in, ci)
			a.link(co, ci)
			a.link(co, out)
			return in, out
		}

		cur := in
		for i := 0; i < limit && a.err == nil; i++ {
			ci, co := a.build(child, maxDepth, maxLength)
			a.link(cur, ci)
			if i+1 >= n.min {
				a.link(co, out)
			}
			cur = co
		}
		return in, out
	}
}

// closure returns the states reachable from s through epsilon links, s included.
func (a *automaton) closure(s int) []int {
	if c, ok := a.closures[s]; ok {
		return c
	}

	seen := map[int]bool{s: true}
	stack := []int{s}
	var out []int
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, cur)
		for _, next := range a.eps[cur] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}

	a.closures[s] = out
	return out
}

// step returns the nodes one edge away from n along e, in key order.
func step(snap *store.Snapshot, n store.Term, e edge) []store.Term {
	if e.inverse {
		return snap.Subjects(e.predicate, n)
	}
	if !n.IsResource() {
		return nil
	}
	return snap.Objects(n, e.predicate)
}
