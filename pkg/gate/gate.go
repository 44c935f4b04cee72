// Package gate runs quality checkpoints over a harmonization import. Each gate
// scores stage-specific metrics in [0, 1] against configurable thresholds.
package gate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coolbeans/graphharmony/pkg/harmonize"
	"github.com/coolbeans/graphharmony/pkg/shape"
	"github.com/coolbeans/graphharmony/pkg/store"
)

// Gate is a checkpoint in the import pipeline.
type Gate interface {
	// Name returns the unique identifier for this gate (e.g., "G0").
	Name() string

	// Run evaluates the gate against the provided context.
	Run(ctx *Context) *Result

	// Thresholds returns the default minimum score per metric.
	Thresholds() map[string]float64
}

// Context provides the data available to the gates of one import. Fields are
// filled as the import progresses; gates skip metrics whose inputs are nil.
type Context struct {
	// SourceID names the import.
	SourceID string

	// Source is the incoming source graph.
	Source *store.Snapshot

	// Rules are the mapping rules applied to the source.
	Rules []harmonize.MappingRule

	// Harmonized is available after the import ran.
	Harmonized *harmonize.Result

	// Target is the harmonized graph after the import.
	Target *store.Snapshot

	// Report is an optional shape validation report of Target.
	Report *shape.Report

	// Config holds user-provided thresholds and behavior flags.
	Config *Config
}

// Config holds user-configurable settings for gate execution.
type Config struct {
	// Thresholds overrides per-gate metric thresholds.
	// Key format: "GateName.MetricName" (e.g., "G1.class_coverage").
	Thresholds map[string]float64 `yaml:"thresholds"`

	// SkipGates lists gate names to skip entirely.
	SkipGates []string `yaml:"skip"`

	// StrictMode halts the pipeline on the first gate failure.
	StrictMode bool `yaml:"strict"`

	// FailOnWarn halts the pipeline on any warning.
	FailOnWarn bool `yaml:"fail_on_warn"`
}

// DefaultConfig returns a config with no overrides and default behavior.
func DefaultConfig() *Config {
	return &Config{
		Thresholds: make(map[string]float64),
	}
}

// Result captures the outcome of a single gate.
type Result struct {
	Gate       string             `json:"gate"`
	Passed     bool               `json:"passed"`
	Score      float64            `json:"score"`
	Metrics    map[string]float64 `json:"metrics"`
	Warnings   []Finding          `json:"warnings,omitempty"`
	Errors     []Finding          `json:"errors,omitempty"`
	Duration   time.Duration      `json:"duration"`
	Skipped    bool               `json:"skipped,omitempty"`
	SkipReason string             `json:"skip_reason,omitempty"`
}

// Finding is a metric that missed or nearly missed its threshold.
type Finding struct {
	Metric  string  `json:"metric"`
	Message string  `json:"message"`
	Value   float64 `json:"value"`
}

// Report aggregates results from all gates in a pipeline run.
type Report struct {
	SourceID     string        `json:"source_id"`
	Results      []*Result     `json:"results"`
	OverallPass  bool          `json:"overall_pass"`
	TotalScore   float64       `json:"total_score"`
	GatesPassed  int           `json:"gates_passed"`
	GatesFailed  int           `json:"gates_failed"`
	GatesSkipped int           `json:"gates_skipped"`
	Duration     time.Duration `json:"duration"`
	HaltedAt     string        `json:"halted_at,omitempty"`
}

// ToJSON serializes the report as indented JSON.
func (r *Report) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// String returns a human-readable gate report.
func (r *Report) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Import Gate Report: %s\n", r.SourceID)
	b.WriteString("==================\n\n")

	for _, res := range r.Results {
		status := "PASS"
		if res.Skipped {
			status = "SKIP"
		} else if !res.Passed {
			status = "FAIL"
		}

		fmt.Fprintf(&b, "[%s] Gate %s (score: %.1f%%, %v)\n", status, res.Gate, res.Score*100, res.Duration)
		if res.Skipped {
			fmt.Fprintf(&b, "  Reason: %s\n", res.SkipReason)
		}
		for _, name := range metricNames(res.Metrics) {
			fmt.Fprintf(&b, "  %s: %.1f%%\n", name, res.Metrics[name]*100)
		}
		for _, w := range res.Warnings {
			fmt.Fprintf(&b, "  WARNING [%s]: %s\n", w.Metric, w.Message)
		}
		for _, e := range res.Errors {
			fmt.Fprintf(&b, "  ERROR [%s]: %s\n", e.Metric, e.Message)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Summary: %d passed, %d failed, %d skipped\n", r.GatesPassed, r.GatesFailed, r.GatesSkipped)
	fmt.Fprintf(&b, "Overall Score: %.1f%%\n", r.TotalScore*100)
	status := "PASS"
	if !r.OverallPass {
		status = "FAIL"
	}
	fmt.Fprintf(&b, "Status: %s\n", status)
	if r.HaltedAt != "" {
		fmt.Fprintf(&b, "Pipeline halted at: %s\n", r.HaltedAt)
	}
	return b.String()
}

// Pipeline executes gates in sequence and collects results.
type Pipeline struct {
	gates  []Gate
	config *Config
}

// NewPipeline creates a pipeline with the given configuration.
func NewPipeline(config *Config) *Pipeline {
	if config == nil {
		config = DefaultConfig()
	}
	return &Pipeline{config: config}
}

// Register adds a gate. Gates execute in registration order.
func (p *Pipeline) Register(g Gate) {
	p.gates = append(p.gates, g)
}

// RegisterDefaults registers the standard gates G0 to G3.
func (p *Pipeline) RegisterDefaults() {
	p.Register(NewSourceGate())
	p.Register(NewMappingGate())
	p.Register(NewResolutionGate())
	p.Register(NewQualityGate())
}

// Run executes every registered gate against ctx. StrictMode halts on the
// first failure, FailOnWarn on the first warning.
func (p *Pipeline) Run(ctx *Context) *Report {
	began := time.Now()
	if ctx.Config == nil {
		ctx.Config = p.config
	}

	report := &Report{
		SourceID:    ctx.SourceID,
		Results:     make([]*Result, 0, len(p.gates)),
		OverallPass: true,
	}

	for _, g := range p.gates {
		if p.skipped(g.Name()) {
			report.Results = append(report.Results, &Result{
				Gate:       g.Name(),
				Skipped:    true,
				SkipReason: "skipped by configuration",
				Metrics:    make(map[string]float64),
			})
			report.GatesSkipped++
			continue
		}

		res := g.Run(ctx)
		report.Results = append(report.Results, res)

		if res.Passed {
			report.GatesPassed++
		} else {
			report.GatesFailed++
			report.OverallPass = false
			if p.config.StrictMode {
				report.HaltedAt = g.Name()
				break
			}
		}

		if p.config.FailOnWarn && len(res.Warnings) > 0 {
			report.OverallPass = false
			report.HaltedAt = g.Name()
			break
		}
	}

	scored := 0
	total := 0.0
	for _, res := range report.Results {
		if !res.Skipped {
			total += res.Score
			scored++
		}
	}
	if scored > 0 {
		report.TotalScore = total / float64(scored)
	}

	report.Duration = time.Since(began)
	return report
}

func (p *Pipeline) skipped(name string) bool {
	for _, skip := range p.config.SkipGates {
		if strings.EqualFold(skip, name) {
			return true
		}
	}
	return false
}

// threshold returns the configured override for a metric, then the gate default.
func threshold(config *Config, g Gate, metric string) float64 {
	if config != nil && config.Thresholds != nil {
		if t, ok := config.Thresholds[g.Name()+"."+metric]; ok {
			return t
		}
	}
	if t, ok := g.Thresholds()[metric]; ok {
		return t
	}
	return 0.80
}

// evaluate scores res as the mean of its metrics and records findings. A
// metric within 10% above its threshold is a warning unless it is perfect.
func evaluate(res *Result, config *Config, g Gate) {
	if len(res.Metrics) == 0 {
		res.Score = 1.0
		res.Passed = true
		return
	}

	total := 0.0
	passed := true
	for _, name := range metricNames(res.Metrics) {
		value := res.Metrics[name]
		limit := threshold(config, g, name)
		total += value

		switch {
		case value < limit:
			passed = false
			res.Errors = append(res.Errors, Finding{
				Metric:  name,
				Message: fmt.Sprintf("%s (%.1f%%) below threshold (%.1f%%)", name, value*100, limit*100),
				Value:   value,
			})
		case value < 1 && value < limit*1.1:
			res.Warnings = append(res.Warnings, Finding{
				Metric:  name,
				Message: fmt.Sprintf("%s (%.1f%%) close to threshold (%.1f%%)", name, value*100, limit*100),
				Value:   value,
			})
		}
	}

	res.Score = total / float64(len(res.Metrics))
	res.Passed = passed
}

func metricNames(metrics map[string]float64) []string {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ratio(part, whole int) float64 {
	if whole == 0 {
		return 1.0
	}
	return float64(part) / float64(whole)
}
