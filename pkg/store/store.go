package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// IndexStats contains statistics about the graph.
type IndexStats struct {
	TotalTriples     int            `json:"total_triples"`
	UniqueSubjects   int            `json:"unique_subjects"`
	UniquePredicates int            `json:"unique_predicates"`
	UniqueObjects    int            `json:"unique_objects"`
	PredicateCounts  map[string]int `json:"predicate_counts"`
	ClassCounts      map[string]int `json:"class_counts"`
}

// BatchObserver receives a notification after every applied batch.
type BatchObserver interface {
	ObserveBatch(graph string, inserted, removed, size int)
}

// Batch is an atomic set of removals and insertions. Removals are applied first.
type Batch struct {
	Insert []Triple
	Remove []Triple
}

// BatchResult reports the effect of an applied batch.
type BatchResult struct {
	Inserted int
	Removed  int
	Version  uint64
}

type index map[string]map[string]map[string]struct{}

// state holds the indices. A state referenced by a snapshot is never mutated;
// the next writer clones it first.
type state struct {
	// terms maps a term key to the term; refs counts the index entries using it.
	terms map[string]Term
	refs  map[string]int

	// SPO index: Subject -> Predicate -> Object
	spo index
	// POS index: Predicate -> Object -> Subject
	pos index
	// OSP index: Object -> Subject -> Predicate
	osp index

	count  int
	shared bool
}

func newState() *state {
	return &state{
		terms: make(map[string]Term),
		refs:  make(map[string]int),
		spo:   make(index),
		pos:   make(index),
		osp:   make(index),
	}
}

// Graph is a versioned in-memory triple graph with SPO/POS/OSP indices.
//
// Writers are serialized and every batch is all-or-nothing. Readers work on
// snapshots: Snapshot is O(1) and later writes never change what an existing
// snapshot sees, because a writer clones any state a snapshot still holds.
type Graph struct {
	mu       sync.Mutex
	name     string
	current  *state
	version  uint64
	logger   *slog.Logger
	observer BatchObserver
}

// Option configures a Graph.
type Option func(*Graph)

// WithName sets the named-graph partition key.
func WithName(iri string) Option {
	return func(g *Graph) {
		g.name = iri
	}
}

// WithLogger sets the logger used for batch diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Graph) {
		g.logger = logger
	}
}

// WithObserver registers a batch observer, typically a metrics recorder.
func WithObserver(observer BatchObserver) Option {
	return func(g *Graph) {
		g.observer = observer
	}
}

// New creates an empty graph.
func New(opts ...Option) *Graph {
	g := &Graph{current: newState()}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Name returns the named-graph partition key, or "" for the default graph.
func (g *Graph) Name() string {
	return g.name
}

// InsertBatch adds triples atomically. Duplicates collapse.
func (g *Graph) InsertBatch(triples []Triple) (BatchResult, error) {
	return g.Update(Batch{Insert: triples})
}

// RemoveBatch removes triples atomically. Absent triples are ignored.
func (g *Graph) RemoveBatch(triples []Triple) (BatchResult, error) {
	return g.Update(Batch{Remove: triples})
}

// Update applies a batch in one exclusive write section. Any malformed triple
// aborts the whole batch before the graph is touched.
func (g *Graph) Update(batch Batch) (BatchResult, error) {
	for _, t := range batch.Remove {
		if err := t.Validate(); err != nil {
			return BatchResult{}, fmt.Errorf("remove batch: %w", err)
		}
	}
	for _, t := range batch.Insert {
		if err := t.Validate(); err != nil {
			return BatchResult{}, fmt.Errorf("insert batch: %w", err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current.shared {
		g.current = g.current.clone()
	}

	result := BatchResult{}
	for _, t := range batch.Remove {
		if g.current.remove(t) {
			result.Removed++
		}
	}
	for _, t := range batch.Insert {
		if g.current.add(t) {
			result.Inserted++
		}
	}

	if result.Inserted > 0 || result.Removed > 0 {
		g.version++
	}
	result.Version = g.version

	g.logger.Debug("Applied batch",
		slog.String("graph", g.name),
		slog.Int("inserted", result.Inserted),
		slog.Int("removed", result.Removed),
		slog.Uint64("version", result.Version))
	if g.observer != nil {
		g.observer.ObserveBatch(g.name, result.Inserted, result.Removed, g.current.count)
	}

	return result, nil
}

// Snapshot returns an immutable view of the current contents tagged with the current version.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.current.shared = true
	return &Snapshot{state: g.current, version: g.version, name: g.name}
}

// Match returns all triples matching the pattern. It reads the live state
// under the lock, so unlike Snapshot it does not force the next write to copy
// the indices.
func (g *Graph) Match(p Pattern) []Triple {
	g.mu.Lock()
	defer g.mu.Unlock()
	view := Snapshot{state: g.current, version: g.version, name: g.name}
	return view.Match(p)
}

// Version returns the generation counter; it grows by one per effective batch.
func (g *Graph) Version() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.version
}

// Count returns the total number of triples in the graph.
func (g *Graph) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current.count
}

// String returns a string representation of the graph statistics.
func (g *Graph) String() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return fmt.Sprintf("Graph{name: %q, version: %d, triples: %d, subjects: %d, predicates: %d}",
		g.name, g.version, g.current.count, len(g.current.spo), len(g.current.pos))
}

// Snapshot is a read-only view of a graph at one version. It is safe for
// concurrent use and never observes writes made after it was taken.
type Snapshot struct {
	state   *state
	version uint64
	name    string
}

// Version returns the graph version the snapshot was taken at.
func (s *Snapshot) Version() uint64 { return s.version }

// Name returns the named-graph partition key.
func (s *Snapshot) Name() string { return s.name }

// Count returns the number of triples visible in the snapshot.
func (s *Snapshot) Count() int { return s.state.count }

// Contains reports whether the exact triple is present.
func (s *Snapshot) Contains(t Triple) bool {
	return s.state.exists(t.Subject.Key(), t.Predicate.Key(), t.Object.Key())
}

// Match queries triples matching the pattern, sorted by subject, predicate and object key.
func (s *Snapshot) Match(p Pattern) []Triple {
	results := s.state.find(p)
	sort.Slice(results, func(i, j int) bool {
		return results[i].Key() < results[j].Key()
	})
	return results
}

// All returns every triple in canonical order.
func (s *Snapshot) All() []Triple {
	return s.Match(Pattern{})
}

// Objects returns the objects of (subject, predicate, *) sorted by key.
func (s *Snapshot) Objects(subject, predicate Term) []Term {
	triples := s.Match(Pattern{Subject: &subject, Predicate: &predicate})
	objects := make([]Term, 0, len(triples))
	for _, t := range triples {
		objects = append(objects, t.Object)
	}
	return objects
}

// Subjects returns the subjects of (*, predicate, object) sorted by key.
func (s *Snapshot) Subjects(predicate, object Term) []Term {
	triples := s.Match(Pattern{Predicate: &predicate, Object: &object})
	subjects := make([]Term, 0, len(triples))
	for _, t := range triples {
		subjects = append(subjects, t.Subject)
	}
	return subjects
}

// Stats returns statistics about the snapshot.
func (s *Snapshot) Stats() IndexStats {
	st := s.state
	predicateCounts := make(map[string]int, len(st.pos))
	for p, oMap := range st.pos {
		n := 0
		for _, sMap := range oMap {
			n += len(sMap)
		}
		predicateCounts[st.terms[p].Value] = n
	}

	classCounts := make(map[string]int)
	if oMap, ok := st.pos[NewIRI(RDFType).Key()]; ok {
		for o, sMap := range oMap {
			classCounts[st.terms[o].Value] = len(sMap)
		}
	}

	return IndexStats{
		TotalTriples:     st.count,
		UniqueSubjects:   len(st.spo),
		UniquePredicates: len(st.pos),
		UniqueObjects:    len(st.osp),
		PredicateCounts:  predicateCounts,
		ClassCounts:      classCounts,
	}
}

func (st *state) clone() *state {
	c := &state{
		terms: make(map[string]Term, len(st.terms)),
		refs:  make(map[string]int, len(st.refs)),
		spo:   st.spo.clone(),
		pos:   st.pos.clone(),
		osp:   st.osp.clone(),
		count: st.count,
	}
	for k, v := range st.terms {
		c.terms[k] = v
	}
	for k, v := range st.refs {
		c.refs[k] = v
	}
	return c
}

func (idx index) clone() index {
	c := make(index, len(idx))
	for a, bMap := range idx {
		cb := make(map[string]map[string]struct{}, len(bMap))
		for b, cMap := range bMap {
			cc := make(map[string]struct{}, len(cMap))
			for k := range cMap {
				cc[k] = struct{}{}
			}
			cb[b] = cc
		}
		c[a] = cb
	}
	return c
}

func (idx index) put(a, b, c string) {
	if idx[a] == nil {
		idx[a] = make(map[string]map[string]struct{})
	}
	if idx[a][b] == nil {
		idx[a][b] = make(map[string]struct{})
	}
	idx[a][b][c] = struct{}{}
}

func (idx index) drop(a, b, c string) {
	if bMap, ok := idx[a]; ok {
		if cMap, ok := bMap[b]; ok {
			delete(cMap, c)
			if len(cMap) == 0 {
				delete(bMap, b)
			}
		}
		if len(bMap) == 0 {
			delete(idx, a)
		}
	}
}

func (st *state) exists(s, p, o string) bool {
	if pMap, ok := st.spo[s]; ok {
		if oMap, ok := pMap[p]; ok {
			_, found := oMap[o]
			return found
		}
	}
	return false
}

func (st *state) add(t Triple) bool {
	s, p, o := t.Subject.Key(), t.Predicate.Key(), t.Object.Key()
	if st.exists(s, p, o) {
		return false
	}

	st.spo.put(s, p, o)
	st.pos.put(p, o, s)
	st.osp.put(o, s, p)

	st.retain(s, t.Subject)
	st.retain(p, t.Predicate)
	st.retain(o, t.Object)
	st.count++
	return true
}

func (st *state) remove(t Triple) bool {
	s, p, o := t.Subject.Key(), t.Predicate.Key(), t.Object.Key()
	if !st.exists(s, p, o) {
		return false
	}

	st.spo.drop(s, p, o)
	st.pos.drop(p, o, s)
	st.osp.drop(o, s, p)

	st.release(s)
	st.release(p)
	st.release(o)
	st.count--
	return true
}

func (st *state) retain(key string, term Term) {
	st.terms[key] = term
	st.refs[key]++
}

func (st *state) release(key string) {
	st.refs[key]--
	if st.refs[key] <= 0 {
		delete(st.refs, key)
		delete(st.terms, key)
	}
}

func (st *state) triple(s, p, o string) Triple {
	return Triple{Subject: st.terms[s], Predicate: st.terms[p], Object: st.terms[o]}
}

// find uses the most specific index for the bound components.
func (st *state) find(p Pattern) []Triple {
	var results []Triple

	var s, pr, o string
	if p.Subject != nil {
		s = p.Subject.Key()
	}
	if p.Predicate != nil {
		pr = p.Predicate.Key()
	}
	if p.Object != nil {
		o = p.Object.Key()
	}

	switch {
	case p.Subject != nil:
		pMap, ok := st.spo[s]
		if !ok {
			return nil
		}
		for pk, oMap := range pMap {
			if p.Predicate != nil && pk != pr {
				continue
			}
			for ob := range oMap {
				if p.Object != nil && ob != o {
					continue
				}
				results = append(results, st.triple(s, pk, ob))
			}
		}
	case p.Predicate != nil:
		oMap, ok := st.pos[pr]
		if !ok {
			return nil
		}
		for ob, sMap := range oMap {
			if p.Object != nil && ob != o {
				continue
			}
			for sk := range sMap {
				results = append(results, st.triple(sk, pr, ob))
			}
		}
	case p.Object != nil:
		sMap, ok := st.osp[o]
		if !ok {
			return nil
		}
		for sk, pMap := range sMap {
			for pk := range pMap {
				results = append(results, st.triple(sk, pk, o))
			}
		}
	default:
		for sk, pMap := range st.spo {
			for pk, oMap := range pMap {
				for ob := range oMap {
					results = append(results, st.triple(sk, pk, ob))
				}
			}
		}
	}

	return results
}
