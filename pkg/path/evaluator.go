package path

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coolbeans/graphharmony/pkg/errs"
	"github.com/coolbeans/graphharmony/pkg/store"
)

const (
	// DefaultMaxDepth bounds * and + when the expression gives no explicit bound.
	DefaultMaxDepth = 32
	// DefaultMaxLength caps the number of edges in any result.
	DefaultMaxLength = 64
)

// Observer receives timing for every evaluation, typically a metrics recorder.
type Observer interface {
	ObservePath(mode string, elapsed time.Duration, results int)
}

// Reached is a node found in closure mode with the length of its shortest path.
type Reached struct {
	Node   store.Term
	Length int
}

// Hop is one traversed edge of a Path.
type Hop struct {
	Predicate store.Term
	Inverse   bool
}

// Path is a simple path: Nodes has one more element than Hops and no node repeats.
type Path struct {
	Nodes []store.Term
	Hops  []Hop
}

// Length returns the number of edges.
func (p Path) Length() int { return len(p.Hops) }

// Start returns the first node.
func (p Path) Start() store.Term { return p.Nodes[0] }

// End returns the terminal node.
func (p Path) End() store.Term { return p.Nodes[len(p.Nodes)-1] }

// Key returns a canonical rendering used for ordering and deduplication.
func (p Path) Key() string {
	var sb strings.Builder
	sb.WriteString(p.Nodes[0].Key())
	for i, h := range p.Hops {
		if h.Inverse {
			sb.WriteString(" ^")
		} else {
			sb.WriteString(" ")
		}
		sb.WriteString(h.Predicate.Key())
		sb.WriteString(" ")
		sb.WriteString(p.Nodes[i+1].Key())
	}
	return sb.String()
}

// String returns a human-readable rendering such as "ex:a -ex:knows-> ex:b".
func (p Path) String() string {
	var sb strings.Builder
	sb.WriteString(p.Nodes[0].Value)
	for i, h := range p.Hops {
		if h.Inverse {
			sb.WriteString(" <-" + h.Predicate.Value + "- ")
		} else {
			sb.WriteString(" -" + h.Predicate.Value + "-> ")
		}
		sb.WriteString(p.Nodes[i+1].Value)
	}
	return sb.String()
}

// Evaluator runs path expressions against snapshots. It holds no graph state
// and is safe for concurrent use.
type Evaluator struct {
	maxDepth  int
	maxLength int
	logger    *slog.Logger
	observer  Observer
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithMaxDepth sets the implicit bound for * and +.
func WithMaxDepth(depth int) Option {
	return func(e *Evaluator) {
		e.maxDepth = depth
	}
}

// WithMaxLength sets the default length cap.
func WithMaxLength(length int) Option {
	return func(e *Evaluator) {
		e.maxLength = length
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// WithObserver registers an evaluation observer.
func WithObserver(observer Observer) Option {
	return func(e *Evaluator) {
		e.observer = observer
	}
}

// NewEvaluator creates an evaluator.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		maxDepth:  DefaultMaxDepth,
		maxLength: DefaultMaxLength,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// MaxLength returns the default length cap.
func (e *Evaluator) MaxLength() int {
	return e.maxLength
}

type config struct {
	node  store.Term
	state int
}

func (c config) key() string {
	return c.node.Key() + "#" + strconv.Itoa(c.state)
}

// Reachable returns every node reachable from any start node along the
// expression, each with its shortest path length, ordered by length and then
// node key. Traversal is breadth-first per start node over (node, automaton
// state) pairs, so cyclic graphs terminate. A zero-or-more path always
// includes the start node itself at length 0.
func (e *Evaluator) Reachable(ctx context.Context, snap *store.Snapshot, starts []store.Term, expr *Expression) ([]Reached, error) {
	began := time.Now()
	a, err := compile(ctx, expr, e.maxDepth, e.maxLength)
	if err != nil {
		return nil, err
	}

	best := make(map[string]Reached)
	for _, start := range starts {
		found, err := e.reachFrom(ctx, snap, a, start)
		if err != nil {
			return nil, err
		}
		for k, r := range found {
			if prev, ok := best[k]; !ok || r.Length < prev.Length {
				best[k] = r
			}
		}
	}

	results := make([]Reached, 0, len(best))
	for _, r := range best {
		results = append(results, r)
	}
	sortReached(results)

	e.observe("closure", expr, began, len(results))
	return results, nil
}

// Nodes is Reachable without lengths.
func (e *Evaluator) Nodes(ctx context.Context, snap *store.Snapshot, starts []store.Term, expr *Expression) ([]store.Term, error) {
	reached, err := e.Reachable(ctx, snap, starts, expr)
	if err != nil {
		return nil, err
	}
	nodes := make([]store.Term, len(reached))
	for i, r := range reached {
		nodes[i] = r.Node
	}
	return nodes, nil
}

func (e *Evaluator) reachFrom(ctx context.Context, snap *store.Snapshot, a *automaton, start store.Term) (map[string]Reached, error) {
	found := make(map[string]Reached)
	visited := make(map[string]bool)

	var frontier []config
	for _, s := range a.closure(a.start) {
		c := config{node: start, state: s}
		visited[c.key()] = true
		frontier = append(frontier, c)
	}

	for length := 0; len(frontier) > 0; length++ {
		if err := errs.CheckContext(ctx, "path evaluation"); err != nil {
			return nil, err
		}

		for _, c := range frontier {
			if c.state != a.accept {
				continue
			}
			if _, ok := found[c.node.Key()]; !ok {
				found[c.node.Key()] = Reached{Node: c.node, Length: length}
			}
		}
		if length >= e.maxLength {
			break
		}

		var next []config
		for i, c := range frontier {
			if i > 0 && i%checkEvery == 0 {
				if err := errs.CheckContext(ctx, "path evaluation"); err != nil {
					return nil, err
				}
			}
			for _, ed := range a.edges[c.state] {
				for _, n := range step(snap, c.node, ed) {
					for _, s := range a.closure(ed.to) {
						nc := config{node: n, state: s}
						if k := nc.key(); !visited[k] {
							visited[k] = true
							next = append(next, nc)
						}
					}
				}
			}
		}
		frontier = next
	}

	return found, nil
}

// FindPaths enumerates the simple paths matching the expression from the start
// nodes, at most maxLength edges long (a negative maxLength uses the
// evaluator default). With a non-nil target only paths ending there are
// returned; an unreachable target yields an empty result. Paths are ordered
// by length, then terminal node key, then path key.
func (e *Evaluator) FindPaths(ctx context.Context, snap *store.Snapshot, starts []store.Term, target *store.Term, expr *Expression, maxLength int) ([]Path, error) {
	began := time.Now()
	if maxLength < 0 {
		maxLength = e.maxLength
	}
	a, err := compile(ctx, expr, e.maxDepth, maxLength)
	if err != nil {
		return nil, err
	}

	type item struct {
		path  Path
		state int
	}

	var frontier []item
	for _, start := range starts {
		for _, s := range a.closure(a.start) {
			frontier = append(frontier, item{path: Path{Nodes: []store.Term{start}}, state: s})
		}
	}

	seen := make(map[string]bool)
	var results []Path
	for length := 0; len(frontier) > 0; length++ {
		if err := errs.CheckContext(ctx, "path search"); err != nil {
			return nil, err
		}

		for _, it := range frontier {
			if it.state != a.accept {
				continue
			}
			if target != nil && it.path.End() != *target {
				continue
			}
			if k := it.path.Key(); !seen[k] {
				seen[k] = true
				results = append(results, it.path)
			}
		}
		if length >= maxLength {
			break
		}

		layer := make(map[string]bool)
		var next []item
		for i, it := range frontier {
			if i > 0 && i%checkEvery == 0 {
				if err := errs.CheckContext(ctx, "path search"); err != nil {
					return nil, err
				}
			}
			end := it.path.End()
			for _, ed := range a.edges[it.state] {
				for _, n := range step(snap, end, ed) {
					if onPath(it.path, n) {
						continue
					}
					extended := Path{
						Nodes: append(append([]store.Term(nil), it.path.Nodes...), n),
						Hops:  append(append([]Hop(nil), it.path.Hops...), Hop{Predicate: ed.predicate, Inverse: ed.inverse}),
					}
					pk := extended.Key()
					for _, s := range a.closure(ed.to) {
						k := pk + "#" + strconv.Itoa(s)
						if !layer[k] {
							layer[k] = true
							next = append(next, item{path: extended, state: s})
						}
					}
				}
			}
		}
		frontier = next
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Length() != results[j].Length() {
			return results[i].Length() < results[j].Length()
		}
		ei, ej := results[i].End().Key(), results[j].End().Key()
		if ei != ej {
			return ei < ej
		}
		return results[i].Key() < results[j].Key()
	})

	e.observe("paths", expr, began, len(results))
	return results, nil
}

func onPath(p Path, n store.Term) bool {
	for _, existing := range p.Nodes {
		if existing == n {
			return true
		}
	}
	return false
}

// Neighborhood returns the resources within depth undirected hops of node over
// any predicate, the node itself excluded, ordered by distance then key.
func (e *Evaluator) Neighborhood(ctx context.Context, snap *store.Snapshot, node store.Term, depth int) ([]Reached, error) {
	began := time.Now()
	visited := map[string]bool{node.Key(): true}
	frontier := []store.Term{node}
	var results []Reached

	for d := 1; d <= depth && len(frontier) > 0; d++ {
		if err := errs.CheckContext(ctx, "neighborhood"); err != nil {
			return nil, err
		}

		var next []store.Term
		visit := func(t store.Term) {
			if !t.IsResource() || visited[t.Key()] {
				return
			}
			visited[t.Key()] = true
			next = append(next, t)
			results = append(results, Reached{Node: t, Length: d})
		}
		for _, n := range frontier {
			if n.IsResource() {
				for _, t := range snap.Match(store.Pattern{Subject: &n}) {
					visit(t.Object)
				}
			}
			for _, t := range snap.Match(store.Pattern{Object: &n}) {
				visit(t.Subject)
			}
		}
		frontier = next
	}

	sortReached(results)
	e.observe("neighborhood", nil, began, len(results))
	return results, nil
}

func sortReached(results []Reached) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Length != results[j].Length {
			return results[i].Length < results[j].Length
		}
		return results[i].Node.Key() < results[j].Node.Key()
	})
}

func (e *Evaluator) observe(mode string, expr *Expression, began time.Time, results int) {
	elapsed := time.Since(began)
	attrs := []any{
		slog.String("mode", mode),
		slog.Int("results", results),
		slog.Duration("elapsed", elapsed),
	}
	if expr != nil {
		attrs = append(attrs, slog.String("expression", expr.String()))
	}
	e.logger.Debug("Evaluated path", attrs...)
	if e.observer != nil {
		e.observer.ObservePath(mode, elapsed, results)
	}
}
