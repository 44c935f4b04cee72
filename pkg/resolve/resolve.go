// Package resolve maps candidate entities from source graphs onto harmonized
// entity ids using prioritized identity keys.
//
// Resolution tries each key level in priority order and stops at the first
// level with an exact match. Fuzzy similarity is only consulted at the lowest
// level, and only when no level matched exactly. Several equally good matches
// never merge: the candidate keeps a fresh id and is flagged for review.
package resolve

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/coolbeans/graphharmony/pkg/errs"
	"github.com/coolbeans/graphharmony/pkg/store"
)

// DefaultThreshold is the minimum fuzzy score for a match.
const DefaultThreshold = 0.85

// DefaultNamespace seeds the ids of newly minted entities.
var DefaultNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte(store.NamespaceHarmony+"entity"))

// KeyLevel is one identity key. All properties of a level together form a
// composite key; a candidate missing any of them has no key at that level.
type KeyLevel struct {
	Name       string   `yaml:"name" json:"name"`
	Properties []string `yaml:"properties" json:"properties"`
}

// Candidate is an entity awaiting resolution.
type Candidate struct {
	// ID identifies the entity inside its source, usually the source subject.
	ID       string
	SourceID string
	// Keys maps a key property to its raw value.
	Keys map[string]string
}

// Resolution is the outcome of resolving one candidate.
type Resolution struct {
	EntityID string
	// Matched is set when the candidate merged into an existing entity.
	Matched bool
	// New is set when EntityID was minted for the candidate.
	New bool
	// Level names the key level that decided the match.
	Level string
	// Score is 1 for exact matches and the similarity for fuzzy matches.
	Score       float64
	Fuzzy       bool
	NeedsReview bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithThreshold sets the minimum fuzzy score.
func WithThreshold(threshold float64) Option {
	return func(r *Resolver) {
		r.threshold = threshold
	}
}

// WithNamespace sets the uuid namespace for minted entity ids.
func WithNamespace(namespace uuid.UUID) Option {
	return func(r *Resolver) {
		r.namespace = namespace
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// Resolver holds the key levels and matching parameters. It has no mutable
// state; resolved entities live in an Index owned by the caller.
type Resolver struct {
	levels    []KeyLevel
	threshold float64
	namespace uuid.UUID
	logger    *slog.Logger
}

// NewResolver creates a resolver for levels, highest priority first.
func NewResolver(levels []KeyLevel, opts ...Option) (*Resolver, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("resolver needs at least one key level")
	}
	seen := make(map[string]bool)
	for i, level := range levels {
		if level.Name == "" {
			return nil, fmt.Errorf("key level %d has no name", i)
		}
		if seen[level.Name] {
			return nil, fmt.Errorf("duplicate key level %q", level.Name)
		}
		seen[level.Name] = true
		if len(level.Properties) == 0 {
			return nil, fmt.Errorf("key level %q has no properties", level.Name)
		}
	}

	r := &Resolver{
		levels:    append([]KeyLevel(nil), levels...),
		threshold: DefaultThreshold,
		namespace: DefaultNamespace,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.threshold <= 0 || r.threshold > 1 {
		return nil, fmt.Errorf("fuzzy threshold %v outside (0, 1]", r.threshold)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Levels returns the key levels in priority order.
func (r *Resolver) Levels() []KeyLevel {
	return append([]KeyLevel(nil), r.levels...)
}

// Threshold returns the fuzzy threshold.
func (r *Resolver) Threshold() float64 {
	return r.threshold
}

// NewIndex creates an empty index keyed by the resolver's levels.
func (r *Resolver) NewIndex() *Index {
	return newIndex(r.levels)
}

// Resolve resolves c against index. It reads but never changes the index;
// the caller records the outcome with Index.Add. On ambiguity it returns a
// fresh unmerged Resolution flagged for review together with an
// *errs.AmbiguousEntityError.
func (r *Resolver) Resolve(index *Index, c Candidate) (Resolution, error) {
	keys := normalizeKeys(c.Keys)

	for i, level := range r.levels {
		composite, ok := compositeKey(level, keys)
		if !ok {
			continue
		}
		matches := index.exact(i, composite)
		switch len(matches) {
		case 0:
			continue
		case 1:
			return Resolution{EntityID: matches[0], Matched: true, Level: level.Name, Score: 1}, nil
		default:
			return r.ambiguous(c, level.Name, matches)
		}
	}

	lowest := len(r.levels) - 1
	level := r.levels[lowest]
	if values, ok := levelValues(level, keys); ok {
		best, matches := index.fuzzy(lowest, values)
		if best >= r.threshold {
			if len(matches) > 1 {
				return r.ambiguous(c, level.Name, matches)
			}
			r.logger.Debug("fuzzy entity match",
				"candidate", c.ID,
				"entity", matches[0],
				"score", best)
			return Resolution{EntityID: matches[0], Matched: true, Level: level.Name, Score: best, Fuzzy: true}, nil
		}
	}

	return Resolution{EntityID: r.NewEntityID(c), New: true}, nil
}

func (r *Resolver) ambiguous(c Candidate, level string, matches []string) (Resolution, error) {
	id := r.NewEntityID(c)
	r.logger.Warn("ambiguous entity kept unmerged",
		"candidate", c.ID,
		"entity", id,
		"level", level,
		"matches", matches)
	return Resolution{EntityID: id, New: true, Level: level, NeedsReview: true},
		&errs.AmbiguousEntityError{CandidateID: c.ID, Level: level, Matches: matches}
}

// NewEntityID mints the deterministic id of a candidate that did not merge.
func (r *Resolver) NewEntityID(c Candidate) string {
	return NewEntityID(r.namespace, c)
}

// NewEntityID derives a uuid v5 from the candidate's source, id and
// normalized keys, so replaying the same input mints the same id.
func NewEntityID(namespace uuid.UUID, c Candidate) string {
	keys := normalizeKeys(c.Keys)
	props := make([]string, 0, len(keys))
	for p := range keys {
		props = append(props, p)
	}
	sort.Strings(props)

	var b strings.Builder
	b.WriteString(c.SourceID)
	b.WriteByte(0x1f)
	b.WriteString(c.ID)
	for _, p := range props {
		b.WriteByte(0x1f)
		b.WriteString(p)
		b.WriteByte('=')
		b.WriteString(keys[p])
	}
	return uuid.NewSHA1(namespace, []byte(b.String())).String()
}

// Index holds the key values of resolved entities.
type Index struct {
	levels []KeyLevel
	// exactKeys maps level position and composite key to entity ids.
	exactKeys []map[string][]string
	// lowest holds every value tuple seen at the lowest level, per entity.
	lowest   map[string][][]string
	entities map[string]bool
}

func newIndex(levels []KeyLevel) *Index {
	ix := &Index{
		levels:    levels,
		exactKeys: make([]map[string][]string, len(levels)),
		lowest:    make(map[string][][]string),
		entities:  make(map[string]bool),
	}
	for i := range ix.exactKeys {
		ix.exactKeys[i] = make(map[string][]string)
	}
	return ix
}

// Add records that entityID carries keys. An entity may be added several
// times as more candidates merge into it.
func (ix *Index) Add(entityID string, keys map[string]string) {
	ix.entities[entityID] = true
	normalized := normalizeKeys(keys)

	for i, level := range ix.levels {
		composite, ok := compositeKey(level, normalized)
		if !ok {
			continue
		}
		ids := ix.exactKeys[i][composite]
		if !containsString(ids, entityID) {
			ix.exactKeys[i][composite] = append(ids, entityID)
		}
	}

	if values, ok := levelValues(ix.levels[len(ix.levels)-1], normalized); ok {
		ix.lowest[entityID] = append(ix.lowest[entityID], values)
	}
}

// Clone returns an independent copy, used to stage additions that may be discarded.
func (ix *Index) Clone() *Index {
	c := newIndex(ix.levels)
	for i, keys := range ix.exactKeys {
		for k, ids := range keys {
			c.exactKeys[i][k] = append([]string(nil), ids...)
		}
	}
	for id, tuples := range ix.lowest {
		c.lowest[id] = append([][]string(nil), tuples...)
	}
	for id := range ix.entities {
		c.entities[id] = true
	}
	return c
}

// Len returns the number of distinct entities.
func (ix *Index) Len() int {
	return len(ix.entities)
}

// Contains reports whether entityID was added.
func (ix *Index) Contains(entityID string) bool {
	return ix.entities[entityID]
}

func (ix *Index) exact(level int, composite string) []string {
	ids := append([]string(nil), ix.exactKeys[level][composite]...)
	sort.Strings(ids)
	return ids
}

// fuzzy returns the best score at the lowest level and every entity reaching it.
func (ix *Index) fuzzy(level int, values []string) (float64, []string) {
	if level != len(ix.levels)-1 {
		return 0, nil
	}

	best := 0.0
	var matches []string
	for id, tuples := range ix.lowest {
		score := 0.0
		for _, tuple := range tuples {
			if s := tupleSimilarity(values, tuple); s > score {
				score = s
			}
		}
		switch {
		case score > best:
			best = score
			matches = []string{id}
		case score == best && score > 0:
			matches = append(matches, id)
		}
	}
	sort.Strings(matches)
	return best, matches
}

// Normalize folds a key value for comparison: NFKC, Unicode case folding and
// collapsed whitespace.
func Normalize(value string) string {
	value = norm.NFKC.String(value)
	value = cases.Fold().String(value)
	return strings.Join(strings.Fields(value), " ")
}

func normalizeKeys(keys map[string]string) map[string]string {
	out := make(map[string]string, len(keys))
	for p, v := range keys {
		if n := Normalize(v); n != "" {
			out[p] = n
		}
	}
	return out
}

func levelValues(level KeyLevel, keys map[string]string) ([]string, bool) {
	values := make([]string, len(level.Properties))
	for i, p := range level.Properties {
		v, ok := keys[p]
		if !ok {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}

func compositeKey(level KeyLevel, keys map[string]string) (string, bool) {
	values, ok := levelValues(level, keys)
	if !ok {
		return "", false
	}
	return strings.Join(values, "\x1f"), true
}

// tupleSimilarity averages the per-property similarity of two value tuples.
func tupleSimilarity(a, b []string) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	total := 0.0
	for i := range a {
		total += Similarity(a[i], b[i])
	}
	return total / float64(len(a))
}

// Similarity scores two normalized strings in [0, 1]. It takes the better of
// the edit-distance ratio, which tolerates typos, and word-set Jaccard
// similarity, which tolerates reordering.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	edit := editRatio(a, b)
	if words := jaccard(a, b); words > edit {
		return words
	}
	return edit
}

func editRatio(a, b string) float64 {
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// jaccard computes word-set Jaccard similarity.
func jaccard(a, b string) float64 {
	wordsA := strings.Fields(a)
	wordsB := strings.Fields(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	setA := make(map[string]bool)
	for _, w := range wordsA {
		setA[w] = true
	}
	setB := make(map[string]bool)
	for _, w := range wordsB {
		setB[w] = true
	}

	intersection := 0
	for w := range setB {
		if setA[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
