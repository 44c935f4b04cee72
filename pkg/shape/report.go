package shape

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/coolbeans/graphharmony/pkg/store"
)

// Result is one failed check for one focus node.
type Result struct {
	FocusNode store.Term
	// Path is the property or guard path as written; empty for node-level checks.
	Path string
	// Value is the offending value, zero for cardinality, guard and internal results.
	Value        store.Term
	ConstraintID string
	Kind         ConstraintKind
	Severity     Severity
	Message      string
}

// Report is the immutable outcome of one validation run.
type Report struct {
	results    []Result
	violations int
	warnings   int
	infos      int
	version    uint64
}

func newReport(results []Result, version uint64) *Report {
	r := &Report{results: results, version: version}
	for _, res := range results {
		switch res.Severity {
		case SeverityViolation:
			r.violations++
		case SeverityWarning:
			r.warnings++
		case SeverityInfo:
			r.infos++
		}
	}
	return r
}

// Conforms is true iff there are no Violation results.
func (r *Report) Conforms() bool { return r.violations == 0 }

func (r *Report) ViolationCount() int { return r.violations }
func (r *Report) WarningCount() int   { return r.warnings }
func (r *Report) InfoCount() int      { return r.infos }

// Len returns the total number of results.
func (r *Report) Len() int { return len(r.results) }

// Version is the graph version the report was produced against.
func (r *Report) Version() uint64 { return r.version }

// Results returns a copy of the ordered results.
func (r *Report) Results() []Result {
	out := make([]Result, len(r.results))
	copy(out, r.results)
	return out
}

type jsonResult struct {
	FocusNode    string   `json:"focusNode"`
	ResultPath   *string  `json:"resultPath"`
	Value        *string  `json:"value"`
	ConstraintID string   `json:"constraintId"`
	Severity     Severity `json:"severity"`
	Message      string   `json:"message"`
}

type jsonReport struct {
	Conforms       bool         `json:"conforms"`
	ViolationCount int          `json:"violationCount"`
	WarningCount   int          `json:"warningCount"`
	Results        []jsonResult `json:"results"`
}

// MarshalJSON renders the report in the interchange schema. Terms use their
// N-Triples form; absent paths and values are null.
func (r *Report) MarshalJSON() ([]byte, error) {
	out := jsonReport{
		Conforms:       r.Conforms(),
		ViolationCount: r.violations,
		WarningCount:   r.warnings,
		Results:        make([]jsonResult, 0, len(r.results)),
	}
	for _, res := range r.results {
		jr := jsonResult{
			FocusNode:    res.FocusNode.Key(),
			ConstraintID: res.ConstraintID,
			Severity:     res.Severity,
			Message:      res.Message,
		}
		if res.Path != "" {
			p := res.Path
			jr.ResultPath = &p
		}
		if !res.Value.IsZero() {
			v := res.Value.Key()
			jr.Value = &v
		}
		out.Results = append(out.Results, jr)
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ToJSON serializes the report as indented JSON.
func (r *Report) ToJSON() ([]byte, error) {
	data, err := r.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var indented bytes.Buffer
	if err := json.Indent(&indented, data, "", "  "); err != nil {
		return nil, err
	}
	return indented.Bytes(), nil
}

// String returns a human-readable report.
func (r *Report) String() string {
	var sb strings.Builder

	sb.WriteString("Shape Validation Report\n")
	sb.WriteString("=======================\n\n")

	for _, res := range r.results {
		sb.WriteString(fmt.Sprintf("[%s] %s", strings.ToUpper(string(res.Severity)), res.FocusNode.Key()))
		if res.Path != "" {
			sb.WriteString(" " + res.Path)
		}
		sb.WriteString(fmt.Sprintf(" (%s)\n  %s\n", res.ConstraintID, res.Message))
	}
	if len(r.results) > 0 {
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf("Summary: %d violations, %d warnings, %d info\n", r.violations, r.warnings, r.infos))
	status := "CONFORMS"
	if !r.Conforms() {
		status = "DOES NOT CONFORM"
	}
	sb.WriteString(fmt.Sprintf("Status: %s\n", status))
	return sb.String()
}

// ToMarkdown generates a Markdown-formatted validation report.
func (r *Report) ToMarkdown() string {
	var md strings.Builder

	badge := "`PASS`"
	if !r.Conforms() {
		badge = "`FAIL`"
	}
	md.WriteString(fmt.Sprintf("# Shape Validation Report %s\n\n", badge))

	md.WriteString("## Summary\n\n")
	md.WriteString("| Metric | Value |\n")
	md.WriteString("|--------|-------|\n")
	md.WriteString(fmt.Sprintf("| **Conforms** | %t |\n", r.Conforms()))
	md.WriteString(fmt.Sprintf("| **Violations** | %d |\n", r.violations))
	md.WriteString(fmt.Sprintf("| **Warnings** | %d |\n", r.warnings))
	md.WriteString(fmt.Sprintf("| **Info** | %d |\n", r.infos))
	md.WriteString(fmt.Sprintf("| **Graph Version** | %d |\n\n", r.version))

	if len(r.results) == 0 {
		return md.String()
	}

	md.WriteString("## Results\n\n")
	md.WriteString("| Severity | Focus Node | Path | Value | Constraint | Message |\n")
	md.WriteString("|----------|------------|------|-------|------------|---------|\n")
	for _, res := range r.results {
		value := ""
		if !res.Value.IsZero() {
			value = res.Value.Key()
		}
		md.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s | %s |\n",
			res.Severity,
			escapeMarkdownTableCell(res.FocusNode.Key()),
			escapeMarkdownTableCell(res.Path),
			escapeMarkdownTableCell(value),
			escapeMarkdownTableCell(res.ConstraintID),
			escapeMarkdownTableCell(res.Message)))
	}
	md.WriteString("\n")
	return md.String()
}

func escapeMarkdownTableCell(content string) string {
	return strings.ReplaceAll(content, "|", "\\|")
}

// IssueCount is the number of results for one constraint kind.
type IssueCount struct {
	Kind  ConstraintKind `json:"kind"`
	Count int            `json:"count"`
}

// QualityReport summarizes a validation report as a data-quality score.
type QualityReport struct {
	Score            float64                `json:"quality_score"`
	Conforms         bool                   `json:"conforms"`
	TotalIssues      int                    `json:"total_issues"`
	BySeverity       map[Severity]int       `json:"by_severity"`
	ByConstraintKind map[ConstraintKind]int `json:"by_constraint_kind"`
	MostCommon       []IssueCount           `json:"most_common_issues,omitempty"`
}

// Quality scores a report from 0 to 100. Each violation costs 2 points, each
// warning 1 and each info result 0.2.
func Quality(r *Report) QualityReport {
	q := QualityReport{
		Conforms:    r.Conforms(),
		TotalIssues: len(r.results),
		BySeverity: map[Severity]int{
			SeverityViolation: r.violations,
			SeverityWarning:   r.warnings,
			SeverityInfo:      r.infos,
		},
		ByConstraintKind: make(map[ConstraintKind]int),
	}

	weighted := float64(r.violations) + 0.5*float64(r.warnings) + 0.1*float64(r.infos)
	q.Score = math.Round(math.Max(0, 100-weighted*2)*100) / 100

	for _, res := range r.results {
		q.ByConstraintKind[res.Kind]++
	}
	for kind, count := range q.ByConstraintKind {
		q.MostCommon = append(q.MostCommon, IssueCount{Kind: kind, Count: count})
	}
	sort.Slice(q.MostCommon, func(i, j int) bool {
		if q.MostCommon[i].Count != q.MostCommon[j].Count {
			return q.MostCommon[i].Count > q.MostCommon[j].Count
		}
		return q.MostCommon[i].Kind < q.MostCommon[j].Kind
	})
	if len(q.MostCommon) > 5 {
		q.MostCommon = q.MostCommon[:5]
	}
	return q
}
