package conflict

import (
	"fmt"
	"sort"
)

// Strategy selects how a conflict winner is chosen.
type Strategy int

const (
	// MostRecent picks the latest timestamp; ties go to the smallest source id.
	MostRecent Strategy = iota
	// SourcePriority picks by caller ranking; unranked sources lose to ranked
	// ones and fall back to MostRecent among themselves.
	SourcePriority
	// Manual never picks a winner.
	Manual
)

var strategyNames = map[Strategy]string{
	MostRecent:     "most_recent",
	SourcePriority: "source_priority",
	Manual:         "manual",
}

// String returns the configuration name of the strategy.
func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy parses a configuration name.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown conflict strategy %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	if _, ok := strategyNames[s]; !ok {
		return nil, fmt.Errorf("unknown conflict strategy %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// choose is the single place a strategy is interpreted. It reports false when
// the strategy leaves the conflict unresolved.
func choose(candidates []Candidate, strategy Strategy, ranking []string) (Candidate, bool, error) {
	if len(candidates) == 0 {
		return Candidate{}, false, fmt.Errorf("no candidates")
	}

	switch strategy {
	case MostRecent:
		return mostRecent(candidates), true, nil

	case SourcePriority:
		rank := make(map[string]int, len(ranking))
		for i, source := range ranking {
			if _, dup := rank[source]; !dup {
				rank[source] = i
			}
		}
		best := -1
		var ranked []Candidate
		for _, c := range candidates {
			r, ok := rank[c.Provenance.SourceID]
			if !ok {
				continue
			}
			switch {
			case best == -1 || r < best:
				best = r
				ranked = []Candidate{c}
			case r == best:
				ranked = append(ranked, c)
			}
		}
		if len(ranked) > 0 {
			return mostRecent(ranked), true, nil
		}
		return mostRecent(candidates), true, nil

	case Manual:
		return Candidate{}, false, nil

	default:
		return Candidate{}, false, fmt.Errorf("unknown conflict strategy %d", int(strategy))
	}
}

// mostRecent returns the candidate with the latest timestamp, breaking ties
// by smallest source id and then smallest value.
func mostRecent(candidates []Candidate) Candidate {
	sorted := append([]Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Provenance, sorted[j].Provenance
		if !a.ImportedAt.Equal(b.ImportedAt) {
			return a.ImportedAt.After(b.ImportedAt)
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return sorted[i].Value.Key() < sorted[j].Value.Key()
	})
	return sorted[0]
}
