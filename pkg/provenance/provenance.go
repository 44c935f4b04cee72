// Package provenance records which source asserted each statement and when.
// Records are append-only: a later import from the same source supersedes its
// earlier records for the same (subject, predicate) but never deletes them.
package provenance

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coolbeans/graphharmony/pkg/store"
)

var statementNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte(store.NamespaceHarmony+"statement"))

// StatementID is the deterministic identifier of a triple.
func StatementID(t store.Triple) uuid.UUID {
	return uuid.NewSHA1(statementNamespace, []byte(t.Key()))
}

// Record attributes one statement to one source import.
type Record struct {
	StatementID uuid.UUID
	Statement   store.Triple
	SourceID    string
	ImportedAt  time.Time
	// Superseded is set once the same source later asserted another value
	// for the same (subject, predicate).
	Superseded bool
}

// NewRecord creates a record for t.
func NewRecord(t store.Triple, sourceID string, importedAt time.Time) Record {
	return Record{
		StatementID: StatementID(t),
		Statement:   t,
		SourceID:    sourceID,
		ImportedAt:  importedAt,
	}
}

// Before orders records by import time, then source id, then statement.
func (r Record) Before(other Record) bool {
	if !r.ImportedAt.Equal(other.ImportedAt) {
		return r.ImportedAt.Before(other.ImportedAt)
	}
	if r.SourceID != other.SourceID {
		return r.SourceID < other.SourceID
	}
	return r.Statement.Key() < other.Statement.Key()
}

// Pair identifies an (entity, property) slot.
type Pair struct {
	Subject   store.Term
	Predicate store.Term
}

func (p Pair) key() string {
	return p.Subject.Key() + " " + p.Predicate.Key()
}

// PairOf returns the slot a triple asserts into.
func PairOf(t store.Triple) Pair {
	return Pair{Subject: t.Subject, Predicate: t.Predicate}
}

// Ledger is a concurrency-safe, append-only store of provenance records.
type Ledger struct {
	mu      sync.RWMutex
	records []Record
	byPair  map[string][]int
	pairs   map[string]Pair
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		byPair: make(map[string][]int),
		pairs:  make(map[string]Pair),
	}
}

// Append adds records in order and returns the previously active records
// with a different value that they superseded. Records from one source with
// the same timestamp belong to one import and stay active together; a record
// older than an active record from its source is stored already superseded.
func (l *Ledger) Append(records ...Record) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	var superseded []Record
	for _, rec := range records {
		rec.Superseded = false
		pair := PairOf(rec.Statement)
		k := pair.key()
		duplicate := false

		for _, i := range l.byPair[k] {
			prior := &l.records[i]
			if prior.Superseded || prior.SourceID != rec.SourceID {
				continue
			}
			switch {
			case prior.ImportedAt.After(rec.ImportedAt):
				rec.Superseded = true
			case prior.ImportedAt.Equal(rec.ImportedAt):
				// One import may assert several values for a slot.
				duplicate = duplicate || prior.StatementID == rec.StatementID
			default:
				prior.Superseded = true
				if prior.StatementID != rec.StatementID {
					superseded = append(superseded, *prior)
				}
			}
		}
		if duplicate {
			continue
		}

		l.byPair[k] = append(l.byPair[k], len(l.records))
		l.pairs[k] = pair
		l.records = append(l.records, rec)
	}
	return superseded
}

// Supersedes returns the active records with a different value that rec
// would supersede if appended. The ledger is not changed.
func (l *Ledger) Supersedes(rec Record) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Record
	for _, i := range l.byPair[PairOf(rec.Statement).key()] {
		prior := l.records[i]
		if prior.Superseded || prior.SourceID != rec.SourceID || prior.StatementID == rec.StatementID {
			continue
		}
		if prior.ImportedAt.Before(rec.ImportedAt) {
			out = append(out, prior)
		}
	}
	return out
}

// Stale reports whether rec's source already has an active record for the
// same slot imported after rec. A stale record is stored superseded.
func (l *Ledger) Stale(rec Record) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, i := range l.byPair[PairOf(rec.Statement).key()] {
		prior := l.records[i]
		if !prior.Superseded && prior.SourceID == rec.SourceID && prior.ImportedAt.After(rec.ImportedAt) {
			return true
		}
	}
	return false
}

// Backed reports whether an active record from a source other than
// sourceID asserts t.
func (l *Ledger) Backed(t store.Triple, sourceID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	id := StatementID(t)
	for _, i := range l.byPair[PairOf(t).key()] {
		prior := l.records[i]
		if !prior.Superseded && prior.SourceID != sourceID && prior.StatementID == id {
			return true
		}
	}
	return false
}

// Active returns the non-superseded records for a slot in Before order.
func (l *Ledger) Active(p Pair) []Record {
	return l.collect(p, false)
}

// History returns every record ever appended for a slot in Before order.
func (l *Ledger) History(p Pair) []Record {
	return l.collect(p, true)
}

func (l *Ledger) collect(p Pair, all bool) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Record
	for _, i := range l.byPair[p.key()] {
		if all || !l.records[i].Superseded {
			out = append(out, l.records[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Pairs returns every slot with at least one record, ordered by key.
func (l *Ledger) Pairs() []Pair {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := make([]string, 0, len(l.pairs))
	for k := range l.pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Pair, len(keys))
	for i, k := range keys {
		out[i] = l.pairs[k]
	}
	return out
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Sources returns the distinct source ids in the ledger, sorted.
func (l *Ledger) Sources() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, r := range l.records {
		if !seen[r.SourceID] {
			seen[r.SourceID] = true
			out = append(out, r.SourceID)
		}
	}
	sort.Strings(out)
	return out
}

// Triples renders every record as a reified statement so provenance can be
// exported alongside the data graph.
func (l *Ledger) Triples() []store.Triple {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var triples []store.Triple
	for _, r := range l.records {
		node := store.NewIRI("urn:uuid:" + recordID(r).String())
		triples = append(triples,
			store.NewTriple(node, store.NewIRI(store.RDFType), store.NewIRI(store.ClassStatement)),
			store.NewTriple(node, store.NewIRI(store.RDFSubject), r.Statement.Subject),
			store.NewTriple(node, store.NewIRI(store.RDFPredicate), r.Statement.Predicate),
			store.NewTriple(node, store.NewIRI(store.RDFObject), r.Statement.Object),
			store.NewTriple(node, store.NewIRI(store.PropAttributedTo), store.NewLiteral(r.SourceID)),
			store.NewTriple(node, store.NewIRI(store.PropGeneratedAtTime),
				store.NewTypedLiteral(r.ImportedAt.UTC().Format(time.RFC3339Nano), store.XSDDateTime)),
		)
		if r.Superseded {
			triples = append(triples, store.NewTriple(node, store.NewIRI(store.PropSuperseded),
				store.NewTypedLiteral("true", store.XSDBoolean)))
		}
	}
	return triples
}

// recordID distinguishes imports of the same statement by different sources or times.
func recordID(r Record) uuid.UUID {
	return uuid.NewSHA1(r.StatementID, []byte(r.SourceID+"@"+r.ImportedAt.UTC().Format(time.RFC3339Nano)))
}
