// Package conflict detects (entity, property) slots whose values come from
// more than one source and resolves them with a chosen strategy. Losing
// values leave the active graph but stay on the conflict record.
package conflict

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coolbeans/graphharmony/pkg/errs"
	"github.com/coolbeans/graphharmony/pkg/provenance"
	"github.com/coolbeans/graphharmony/pkg/store"
)

// Candidate is one asserted value and the record backing it.
type Candidate struct {
	Value      store.Term
	Provenance provenance.Record
}

// Resolution is the chosen winner of a conflict.
type Resolution struct {
	Winner   store.Term
	SourceID string
	Strategy Strategy
}

// Record is an immutable conflict on one (entity, property) slot.
type Record struct {
	entity     store.Term
	property   store.Term
	candidates []Candidate
	resolution *Resolution
}

// Entity returns the conflicting entity.
func (r *Record) Entity() store.Term { return r.entity }

// Property returns the conflicting property.
func (r *Record) Property() store.Term { return r.property }

// Key identifies the slot.
func (r *Record) Key() string {
	return r.entity.Key() + " " + r.property.Key()
}

// Candidates returns a copy of the candidates, ordered by value then provenance.
func (r *Record) Candidates() []Candidate {
	return append([]Candidate(nil), r.candidates...)
}

// Resolution returns the winner, if any.
func (r *Record) Resolution() (Resolution, bool) {
	if r.resolution == nil {
		return Resolution{}, false
	}
	return *r.resolution, true
}

// Resolved reports whether a winner was chosen.
func (r *Record) Resolved() bool {
	return r.resolution != nil
}

func (r *Record) resolve(res Resolution) *Record {
	return &Record{
		entity:     r.entity,
		property:   r.property,
		candidates: r.candidates,
		resolution: &res,
	}
}

// losers returns the statements of every candidate value other than the winner.
func (r *Record) losers() []store.Triple {
	if r.resolution == nil {
		return nil
	}
	var out []store.Triple
	seen := make(map[string]bool)
	for _, c := range r.candidates {
		k := c.Value.Key()
		if c.Value == r.resolution.Winner || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, store.NewTriple(r.entity, r.property, c.Value))
	}
	return out
}

type jsonCandidate struct {
	Value     string `json:"value"`
	SourceID  string `json:"sourceId"`
	Timestamp string `json:"timestamp"`
}

type jsonResolution struct {
	Winner   string `json:"winner"`
	Strategy string `json:"strategy"`
}

type jsonRecord struct {
	Entity     string          `json:"entity"`
	Property   string          `json:"property"`
	Candidates []jsonCandidate `json:"candidates"`
	Resolution interface{}     `json:"resolution"`
}

// MarshalJSON writes the conflict export schema. An unresolved record has
// resolution "unresolved".
func (r *Record) MarshalJSON() ([]byte, error) {
	out := jsonRecord{
		Entity:     r.entity.Value,
		Property:   r.property.Value,
		Candidates: make([]jsonCandidate, 0, len(r.candidates)),
		Resolution: "unresolved",
	}
	for _, c := range r.candidates {
		out.Candidates = append(out.Candidates, jsonCandidate{
			Value:     c.Value.Key(),
			SourceID:  c.Provenance.SourceID,
			Timestamp: c.Provenance.ImportedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	if r.resolution != nil {
		out.Resolution = jsonResolution{
			Winner:   r.resolution.Winner.Key(),
			Strategy: r.resolution.Strategy.String(),
		}
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Observer receives conflict counts.
type Observer interface {
	ObserveConflicts(detected int)
	ObserveResolved(strategy string, resolved, unresolved int)
}

// Option configures a Manager.
type Option func(*Manager)

// WithSourcePriority sets the ranking used by SourcePriority, best first.
func WithSourcePriority(ranking []string) Option {
	return func(m *Manager) {
		m.ranking = append([]string(nil), ranking...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithObserver registers an observer, typically a metrics recorder.
func WithObserver(observer Observer) Option {
	return func(m *Manager) {
		m.observer = observer
	}
}

// Manager detects and resolves conflicts on a graph backed by a provenance ledger.
type Manager struct {
	mu       sync.Mutex
	graph    *store.Graph
	ledger   *provenance.Ledger
	ranking  []string
	history  []*Record
	logger   *slog.Logger
	observer Observer
}

// NewManager creates a manager for graph and ledger.
func NewManager(graph *store.Graph, ledger *provenance.Ledger, opts ...Option) *Manager {
	m := &Manager{graph: graph, ledger: ledger}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Detect returns a conflict for every slot whose values currently asserted
// in snap are backed by records from more than one source and take more than
// one distinct value. Superseded records never take part, so a source
// overwriting its own value is not a conflict. Records are ordered by slot.
func (m *Manager) Detect(ctx context.Context, snap *store.Snapshot) ([]*Record, error) {
	var out []*Record
	for _, pair := range m.ledger.Pairs() {
		if err := errs.CheckContext(ctx, "detect conflicts"); err != nil {
			return nil, err
		}

		var candidates []Candidate
		sources := make(map[string]bool)
		values := make(map[string]bool)
		for _, rec := range m.ledger.Active(pair) {
			if !snap.Contains(rec.Statement) {
				continue
			}
			candidates = append(candidates, Candidate{Value: rec.Statement.Object, Provenance: rec})
			sources[rec.SourceID] = true
			values[rec.Statement.Object.Key()] = true
		}
		if len(sources) < 2 || len(values) < 2 {
			continue
		}

		sort.SliceStable(candidates, func(i, j int) bool {
			ki, kj := candidates[i].Value.Key(), candidates[j].Value.Key()
			if ki != kj {
				return ki < kj
			}
			return candidates[i].Provenance.Before(candidates[j].Provenance)
		})
		out = append(out, &Record{entity: pair.Subject, property: pair.Predicate, candidates: candidates})
	}

	if m.observer != nil {
		m.observer.ObserveConflicts(len(out))
	}
	m.logger.Debug("detected conflicts", "count", len(out), "version", snap.Version())
	return out, nil
}

// Resolve applies strategy to every unresolved record and removes losing
// values from the graph in one atomic batch. It returns the records after
// resolution; under Manual they stay unresolved and the error joins one
// *errs.ConflictUnresolvedError per record. On any other error the graph and
// history are unchanged.
func (m *Manager) Resolve(ctx context.Context, records []*Record, strategy Strategy) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Record, 0, len(records))
	var remove []store.Triple
	var unresolved []error
	var audit []*Record
	resolved := 0

	for _, rec := range records {
		if err := errs.CheckContext(ctx, "resolve conflicts"); err != nil {
			return nil, err
		}
		if rec.Resolved() {
			out = append(out, rec)
			continue
		}

		winner, ok, err := choose(rec.candidates, strategy, m.ranking)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", rec.Key(), err)
		}
		if !ok {
			out = append(out, rec)
			audit = append(audit, rec)
			unresolved = append(unresolved, &errs.ConflictUnresolvedError{
				Entity:   rec.entity.Value,
				Property: rec.property.Value,
			})
			continue
		}

		next := rec.resolve(Resolution{
			Winner:   winner.Value,
			SourceID: winner.Provenance.SourceID,
			Strategy: strategy,
		})
		remove = append(remove, next.losers()...)
		out = append(out, next)
		audit = append(audit, next)
		resolved++
	}

	if len(remove) > 0 {
		if _, err := m.graph.RemoveBatch(remove); err != nil {
			return nil, fmt.Errorf("resolve conflicts: %w", err)
		}
	}

	m.history = append(m.history, audit...)
	if m.observer != nil {
		m.observer.ObserveResolved(strategy.String(), resolved, len(unresolved))
	}
	m.logger.Info("resolved conflicts",
		"strategy", strategy.String(),
		"resolved", resolved,
		"unresolved", len(unresolved),
		"removed", len(remove))

	return out, errors.Join(unresolved...)
}

// History returns every record the manager has resolved or surfaced for
// manual action, oldest first. It only grows.
func (m *Manager) History() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Record(nil), m.history...)
}
