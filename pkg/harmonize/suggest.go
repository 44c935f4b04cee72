package harmonize

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/coolbeans/graphharmony/pkg/store"
)

// DefaultSuggestionThreshold is the label similarity a suggestion must exceed.
const DefaultSuggestionThreshold = 0.6

// Suggestion proposes a source-to-target mapping for a class or predicate.
type Suggestion struct {
	Kind       string  `json:"kind"`
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Similarity float64 `json:"similarity"`
	Confidence string  `json:"confidence"`
}

// SuggestMappings compares the labels of classes and predicates in source and
// target and proposes pairs whose word similarity exceeds threshold. A
// threshold <= 0 uses DefaultSuggestionThreshold. Suggestions are ordered by
// similarity, then by source and target.
func SuggestMappings(source, target *store.Snapshot, threshold float64) []Suggestion {
	if threshold <= 0 {
		threshold = DefaultSuggestionThreshold
	}

	var out []Suggestion
	out = append(out, suggest("class", source, target, classes(source), classes(target), threshold)...)
	out = append(out, suggest("property", source, target, predicates(source), predicates(target), threshold)...)

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}

func suggest(kind string, source, target *store.Snapshot, from, to []store.Term, threshold float64) []Suggestion {
	var out []Suggestion
	for _, s := range from {
		sourceLabel := label(source, s)
		for _, t := range to {
			if s.Value == t.Value {
				continue
			}
			similarity := wordSimilarity(sourceLabel, label(target, t))
			if similarity <= threshold {
				continue
			}
			confidence := "medium"
			if similarity > 0.8 {
				confidence = "high"
			}
			out = append(out, Suggestion{
				Kind:       kind,
				Source:     s.Value,
				Target:     t.Value,
				Similarity: math.Round(similarity*100) / 100,
				Confidence: confidence,
			})
		}
	}
	return out
}

// classes returns the declared classes and every class used with rdf:type.
func classes(snap *store.Snapshot) []store.Term {
	typ := store.NewIRI(store.RDFType)
	seen := make(map[string]store.Term)
	for _, t := range snap.Match(store.Pattern{Predicate: &typ}) {
		if t.Object.IsIRI() {
			seen[t.Object.Key()] = t.Object
		}
	}
	for _, declared := range []string{store.RDFSClass, "owl:Class"} {
		for _, c := range snap.Subjects(typ, store.NewIRI(declared)) {
			if c.IsIRI() {
				seen[c.Key()] = c
			}
		}
	}
	delete(seen, store.NewIRI(store.RDFSClass).Key())
	delete(seen, store.NewIRI("owl:Class").Key())
	return sortedTerms(seen)
}

// predicates returns the data predicates used in snap.
func predicates(snap *store.Snapshot) []store.Term {
	seen := make(map[string]store.Term)
	for p := range snap.Stats().PredicateCounts {
		switch p {
		case store.RDFType, store.RDFSLabel, store.RDFSSubClassOf:
			continue
		}
		seen[p] = store.NewIRI(p)
	}
	return sortedTerms(seen)
}

func sortedTerms(m map[string]store.Term) []store.Term {
	out := make([]store.Term, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// label returns the rdfs:label of a term, or words split from its local name.
func label(snap *store.Snapshot, t store.Term) string {
	if labels := snap.Objects(t, store.NewIRI(store.RDFSLabel)); len(labels) > 0 {
		return strings.ToLower(labels[0].Value)
	}
	return splitLocalName(t.Value)
}

// splitLocalName turns "ex:customerEmail_address" into "customer email address".
func splitLocalName(iri string) string {
	local := iri
	if i := strings.LastIndexAny(local, "#/:"); i >= 0 {
		local = local[i+1:]
	}

	var words []string
	var current []rune
	flush := func() {
		if len(current) > 0 {
			words = append(words, strings.ToLower(string(current)))
			current = current[:0]
		}
	}
	runes := []rune(local)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == '.' || unicode.IsSpace(r):
			flush()
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(runes[i-1]):
			flush()
			current = append(current, r)
		default:
			current = append(current, r)
		}
	}
	flush()
	return strings.Join(words, " ")
}

// wordSimilarity computes Jaccard similarity on lowercased words.
func wordSimilarity(a, b string) float64 {
	wordsA := strings.Fields(strings.ToLower(a))
	wordsB := strings.Fields(strings.ToLower(b))
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
	return float64(intersection) / float64(len(setA)+len(setB)-intersection)
}

// Issue is one kind of data quality problem.
type Issue struct {
	Type     string   `json:"type"`
	Severity string   `json:"severity"`
	Count    int      `json:"count"`
	Entities []string `json:"entities,omitempty"`
}

// QualityReport summarizes structural quality of a harmonized graph.
type QualityReport struct {
	TotalEntities int     `json:"totalEntities"`
	TotalTriples  int     `json:"totalTriples"`
	Issues        []Issue `json:"issues"`
	Score         float64 `json:"qualityScore"`
}

// QualityCheck reports typed entities without an rdfs:label and entities
// with no statement besides rdf:type. The score is 100 minus the issue count
// as a percentage of entities, floored at 0.
func QualityCheck(snap *store.Snapshot) QualityReport {
	typ := store.NewIRI(store.RDFType)
	lbl := store.NewIRI(store.RDFSLabel)

	subjects := make(map[string]store.Term)
	for _, t := range snap.All() {
		subjects[t.Subject.Key()] = t.Subject
	}

	var missingLabels, orphaned []string
	for _, s := range sortedTerms(subjects) {
		triples := snap.Match(store.Pattern{Subject: &s})
		typed, labelled, related := false, false, false
		for _, t := range triples {
			switch {
			case t.Predicate == typ:
				typed = true
			case t.Predicate == lbl:
				labelled, related = true, true
			default:
				related = true
			}
		}
		if typed && !labelled {
			missingLabels = append(missingLabels, s.Value)
		}
		if !related {
			orphaned = append(orphaned, s.Value)
		}
	}

	report := QualityReport{
		TotalEntities: len(subjects),
		TotalTriples:  snap.Count(),
		Issues:        []Issue{},
	}
	if len(missingLabels) > 0 {
		report.Issues = append(report.Issues, Issue{Type: "missing_labels", Severity: "warning", Count: len(missingLabels), Entities: missingLabels})
	}
	if len(orphaned) > 0 {
		report.Issues = append(report.Issues, Issue{Type: "orphaned_entities", Severity: "info", Count: len(orphaned), Entities: orphaned})
	}

	report.Score = 100
	if report.TotalEntities > 0 {
		total := 0
		for _, issue := range report.Issues {
			total += issue.Count
		}
		score := 100 - float64(total)/float64(report.TotalEntities)*100
		report.Score = math.Max(0, math.Round(score*100)/100)
	}
	return report
}
