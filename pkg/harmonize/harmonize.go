package harmonize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coolbeans/graphharmony/pkg/errs"
	"github.com/coolbeans/graphharmony/pkg/provenance"
	"github.com/coolbeans/graphharmony/pkg/resolve"
	"github.com/coolbeans/graphharmony/pkg/store"
)

// DefaultEntityBase prefixes harmonized entity ids to form IRIs.
const DefaultEntityBase = "https://graphharmony.dev/entity/"

// Resolution outcomes reported to a ResolutionObserver.
const (
	OutcomeNew       = "new"
	OutcomeExact     = "exact"
	OutcomeFuzzy     = "fuzzy"
	OutcomeAmbiguous = "ambiguous"
)

// Reasons attached to low-confidence statements.
const (
	ReasonUnmapped = "unmapped predicate"
)

// ResolutionObserver is notified of every entity resolution outcome.
type ResolutionObserver interface {
	ObserveResolution(outcome string)
}

// Source is one import: a source graph attributed to a source id and time.
type Source struct {
	ID         string
	ImportedAt time.Time
	Graph      *store.Snapshot
}

// Flag marks a harmonized statement that was written with low confidence.
type Flag struct {
	Statement store.Triple
	Reason    string
}

// Review is a source instance whose resolution needs a human decision.
type Review struct {
	Instance store.Term
	Entity   store.Term
	Err      error
}

// Result summarizes a harmonization run.
type Result struct {
	SourceID  string
	Inserted  int
	Removed   int
	Version   uint64
	Instances int
	// NewEntities and Merged count resolution outcomes.
	NewEntities   int
	Merged        int
	LowConfidence []Flag
	Review        []Review
	Provenance    []provenance.Record
	// Superseded lists earlier records from the same source replaced by this run.
	Superseded []provenance.Record
	Duration   time.Duration
}

// Option configures a Harmonizer.
type Option func(*Harmonizer)

// WithLedger shares a provenance ledger, typically with a conflict manager.
func WithLedger(ledger *provenance.Ledger) Option {
	return func(h *Harmonizer) {
		h.ledger = ledger
	}
}

// WithEntityBase sets the IRI prefix of harmonized entities.
func WithEntityBase(base string) Option {
	return func(h *Harmonizer) {
		h.entityBase = base
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harmonizer) {
		h.logger = logger
	}
}

// WithObserver registers a resolution observer.
func WithObserver(observer ResolutionObserver) Option {
	return func(h *Harmonizer) {
		h.observer = observer
	}
}

// Harmonizer applies mapping rules to sources and writes the result into a
// harmonized graph. Runs are serialized; each run is one atomic graph batch.
type Harmonizer struct {
	mu         sync.Mutex
	graph      *store.Graph
	rules      []MappingRule
	resolver   *resolve.Resolver
	ledger     *provenance.Ledger
	indexes    map[string]*resolve.Index
	entityBase string
	logger     *slog.Logger
	observer   ResolutionObserver
}

// New creates a harmonizer writing into graph.
func New(graph *store.Graph, rules []MappingRule, resolver *resolve.Resolver, opts ...Option) (*Harmonizer, error) {
	if graph == nil {
		return nil, fmt.Errorf("harmonizer needs a graph")
	}
	if resolver == nil {
		return nil, fmt.Errorf("harmonizer needs a resolver")
	}
	rules = canonicalRules(rules)
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}

	h := &Harmonizer{
		graph:      graph,
		rules:      rules,
		resolver:   resolver,
		indexes:    make(map[string]*resolve.Index),
		entityBase: DefaultEntityBase,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.ledger == nil {
		h.ledger = provenance.NewLedger()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h, nil
}

// Ledger returns the provenance ledger.
func (h *Harmonizer) Ledger() *provenance.Ledger {
	return h.ledger
}

// Graph returns the harmonized graph.
func (h *Harmonizer) Graph() *store.Graph {
	return h.graph
}

// EntityIRI returns the IRI of a harmonized entity id.
func (h *Harmonizer) EntityIRI(entityID string) store.Term {
	return store.NewIRI(h.entityBase + entityID)
}

// Harmonize maps src into the harmonized graph. Any error leaves the graph,
// the entity index and the ledger unchanged. Ambiguous resolutions are not
// errors: they are reported in Result.Review.
func (h *Harmonizer) Harmonize(ctx context.Context, src Source) (*Result, error) {
	if src.ID == "" {
		return nil, errs.Malformed("source", "source has no id")
	}
	if src.Graph == nil {
		return nil, errs.Malformed(src.ID, "source has no graph")
	}
	if src.ImportedAt.IsZero() {
		src.ImportedAt = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	start := time.Now()
	r := h.newRun(src)

	if err := r.resolveInstances(ctx); err != nil {
		return nil, err
	}
	for _, inst := range r.planned {
		if err := errs.CheckContext(ctx, "harmonize"); err != nil {
			return nil, err
		}
		r.emit(inst)
	}
	removals := r.removals()

	batch, err := h.graph.Update(store.Batch{Insert: r.inserts, Remove: removals})
	if err != nil {
		return nil, fmt.Errorf("harmonize %s: %w", src.ID, err)
	}

	superseded := h.ledger.Append(r.records...)
	h.indexes = r.indexes
	if h.observer != nil {
		for _, outcome := range r.outcomes {
			h.observer.ObserveResolution(outcome)
		}
	}

	r.result.Inserted = batch.Inserted
	r.result.Removed = batch.Removed
	r.result.Version = batch.Version
	r.result.Provenance = r.records
	r.result.Superseded = superseded
	r.result.Duration = time.Since(start)

	h.logger.Info("harmonized source",
		"source", src.ID,
		"instances", r.result.Instances,
		"new_entities", r.result.NewEntities,
		"merged", r.result.Merged,
		"inserted", batch.Inserted,
		"removed", batch.Removed,
		"low_confidence", len(r.result.LowConfidence),
		"review", len(r.result.Review),
		"duration", r.result.Duration)
	return r.result, nil
}

// instance is a source instance planned under one rule.
type instance struct {
	rule   *MappingRule
	term   store.Term
	entity store.Term
	review bool
}

// run holds the staged state of one Harmonize call.
type run struct {
	h       *Harmonizer
	src     Source
	indexes map[string]*resolve.Index

	planned []instance
	// entities maps a source instance key to its harmonized entity.
	entities map[string]store.Term
	// rulesFor maps a source instance key to the rules that apply to it.
	rulesFor map[string][]*MappingRule

	inserts  []store.Triple
	inserted map[string]bool
	records  []provenance.Record
	recorded map[string]bool
	outcomes []string
	result   *Result
}

func (h *Harmonizer) newRun(src Source) *run {
	indexes := make(map[string]*resolve.Index, len(h.indexes))
	for class, ix := range h.indexes {
		indexes[class] = ix.Clone()
	}
	return &run{
		h:        h,
		src:      src,
		indexes:  indexes,
		entities: make(map[string]store.Term),
		rulesFor: make(map[string][]*MappingRule),
		inserted: make(map[string]bool),
		recorded: make(map[string]bool),
		result:   &Result{SourceID: src.ID},
	}
}

// resolveInstances resolves every instance of every rule's source class,
// rules in declaration order and instances in key order.
func (r *run) resolveInstances(ctx context.Context) error {
	typ := store.NewIRI(store.RDFType)
	for i := range r.h.rules {
		rule := &r.h.rules[i]
		for _, term := range r.src.Graph.Subjects(typ, store.NewIRI(rule.SourceClass)) {
			if err := errs.CheckContext(ctx, "harmonize"); err != nil {
				return err
			}
			inst, err := r.resolve(rule, term)
			if err != nil {
				return err
			}
			r.planned = append(r.planned, inst)
			r.rulesFor[term.Key()] = append(r.rulesFor[term.Key()], rule)
			if _, ok := r.entities[term.Key()]; !ok {
				r.entities[term.Key()] = inst.entity
			}
			r.result.Instances++
		}
	}
	return nil
}

func (r *run) resolve(rule *MappingRule, term store.Term) (instance, error) {
	index, ok := r.indexes[rule.TargetClass]
	if !ok {
		index = r.h.resolver.NewIndex()
		r.indexes[rule.TargetClass] = index
	}

	keys := r.keys(rule, term)
	candidate := resolve.Candidate{ID: term.Value, SourceID: r.src.ID, Keys: keys}
	res, err := r.h.resolver.Resolve(index, candidate)

	inst := instance{rule: rule, term: term}
	var ambiguous *errs.AmbiguousEntityError
	switch {
	case errors.As(err, &ambiguous):
		inst.review = true
		r.observe(OutcomeAmbiguous)
		r.result.NewEntities++
	case err != nil:
		return inst, fmt.Errorf("resolving %s: %w", term.Key(), err)
	case res.New:
		r.observe(OutcomeNew)
		r.result.NewEntities++
	case res.Fuzzy:
		r.observe(OutcomeFuzzy)
		r.result.Merged++
	default:
		r.observe(OutcomeExact)
		r.result.Merged++
	}

	inst.entity = r.h.EntityIRI(res.EntityID)
	index.Add(res.EntityID, keys)
	if inst.review {
		r.result.Review = append(r.result.Review, Review{Instance: term, Entity: inst.entity, Err: err})
	}

	r.h.logger.Debug("resolved instance",
		"source", r.src.ID,
		"instance", term.Key(),
		"entity", inst.entity.Value,
		"matched", res.Matched,
		"level", res.Level)
	return inst, nil
}

// keys collects the identity key values of a source instance. Key levels are
// written in target properties, so values come from the mapped source
// properties after their transform.
func (r *run) keys(rule *MappingRule, term store.Term) map[string]string {
	wanted := make(map[string]bool)
	for _, level := range r.h.resolver.Levels() {
		for _, p := range level.Properties {
			wanted[p] = true
		}
	}

	keys := make(map[string]string)
	for _, m := range rule.Properties {
		if !wanted[m.Target] {
			continue
		}
		if _, done := keys[m.Target]; done {
			continue
		}
		objects := r.src.Graph.Objects(term, store.NewIRI(m.Source))
		if len(objects) == 0 {
			continue
		}
		value, err := m.Transform.Apply(objects[0])
		if err != nil {
			value = objects[0]
		}
		keys[m.Target] = value.Value
	}
	return keys
}

// observe buffers a resolution outcome until the run is committed.
func (r *run) observe(outcome string) {
	r.outcomes = append(r.outcomes, outcome)
}

// emit writes the harmonized statements of one instance.
func (r *run) emit(inst instance) {
	entity := inst.entity
	r.structural(store.NewTriple(entity, store.NewIRI(store.RDFType), store.NewIRI(inst.rule.TargetClass)))
	r.structural(store.NewTriple(entity, store.NewIRI(store.PropWasDerivedFrom), inst.term))
	if inst.review {
		r.structural(store.NewTriple(entity, store.NewIRI(store.PropNeedsReview),
			store.NewTypedLiteral("true", store.XSDBoolean)))
	}

	subject := inst.term
	for _, t := range r.src.Graph.Match(store.Pattern{Subject: &subject}) {
		if t.Predicate.Value == store.RDFType && r.isSourceClass(t.Object) {
			continue
		}

		mappings := inst.rule.mapping(t.Predicate.Value)
		if len(mappings) == 0 {
			if r.mappedByOtherRule(inst, t.Predicate.Value) {
				continue
			}
			stmt := store.NewTriple(entity, t.Predicate, r.rewrite(t.Object))
			r.data(stmt)
			r.flag(stmt, ReasonUnmapped)
			continue
		}

		for _, m := range mappings {
			value, err := m.Transform.Apply(t.Object)
			stmt := store.NewTriple(entity, store.NewIRI(m.Target), r.rewrite(value))
			r.data(stmt)
			if err != nil {
				r.flag(stmt, fmt.Sprintf("%s transform: %v", m.Transform, err))
			}
		}
	}
}

func (r *run) isSourceClass(class store.Term) bool {
	for _, rule := range r.h.rules {
		if class.IsIRI() && class.Value == rule.SourceClass {
			return true
		}
	}
	return false
}

// mappedByOtherRule reports whether another rule applying to the same
// instance maps predicate, so this rule need not pass it through.
func (r *run) mappedByOtherRule(inst instance, predicate string) bool {
	for _, rule := range r.rulesFor[inst.term.Key()] {
		if rule != inst.rule && len(rule.mapping(predicate)) > 0 {
			return true
		}
	}
	return false
}

// rewrite points references to resolved source instances at their entity.
func (r *run) rewrite(object store.Term) store.Term {
	if !object.IsResource() {
		return object
	}
	if entity, ok := r.entities[object.Key()]; ok {
		return entity
	}
	return object
}

func (r *run) insert(t store.Triple) bool {
	k := t.Key()
	if r.inserted[k] {
		return false
	}
	r.inserted[k] = true
	r.inserts = append(r.inserts, t)
	return true
}

func (r *run) structural(t store.Triple) {
	r.insert(t)
}

// data writes a statement backed by a provenance record. A statement older
// than what its source already asserted for the slot is recorded but not
// written.
func (r *run) data(t store.Triple) {
	rec := provenance.NewRecord(t, r.src.ID, r.src.ImportedAt)
	if r.recorded[rec.StatementID.String()] {
		return
	}
	r.recorded[rec.StatementID.String()] = true
	r.records = append(r.records, rec)

	if !r.h.ledger.Stale(rec) {
		r.insert(t)
	}
}

// flag marks a statement low-confidence by reifying it.
func (r *run) flag(t store.Triple, reason string) {
	node := store.NewIRI("urn:uuid:" + provenance.StatementID(t).String())
	r.insert(store.NewTriple(node, store.NewIRI(store.RDFType), store.NewIRI(store.ClassStatement)))
	r.insert(store.NewTriple(node, store.NewIRI(store.RDFSubject), t.Subject))
	r.insert(store.NewTriple(node, store.NewIRI(store.RDFPredicate), t.Predicate))
	r.insert(store.NewTriple(node, store.NewIRI(store.RDFObject), t.Object))
	r.insert(store.NewTriple(node, store.NewIRI(store.PropLowConfidence), store.NewLiteral(reason)))
	r.result.LowConfidence = append(r.result.LowConfidence, Flag{Statement: t, Reason: reason})
}

// removals returns earlier values from the same source that this run
// overwrites, unless this run or another source still asserts them.
func (r *run) removals() []store.Triple {
	var out []store.Triple
	seen := make(map[string]bool)
	for _, rec := range r.records {
		for _, prior := range r.h.ledger.Supersedes(rec) {
			k := prior.Statement.Key()
			if seen[k] || r.inserted[k] || r.recorded[prior.StatementID.String()] {
				continue
			}
			seen[k] = true
			if r.h.ledger.Backed(prior.Statement, r.src.ID) {
				continue
			}
			out = append(out, prior.Statement)
		}
	}
	return out
}
