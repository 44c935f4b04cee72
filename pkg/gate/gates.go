package gate

import (
	"time"

	"github.com/coolbeans/graphharmony/pkg/harmonize"
	"github.com/coolbeans/graphharmony/pkg/shape"
	"github.com/coolbeans/graphharmony/pkg/store"
)

func newResult(g Gate) *Result {
	return &Result{
		Gate:    g.Name(),
		Metrics: make(map[string]float64),
	}
}

// SourceGate (G0) checks that the source graph has content and typed subjects.
// Runs before harmonization.
type SourceGate struct{}

// NewSourceGate creates a new G0 source gate.
func NewSourceGate() *SourceGate {
	return &SourceGate{}
}

// Name returns "G0".
func (g *SourceGate) Name() string { return "G0" }

// Thresholds returns the default thresholds for source metrics.
func (g *SourceGate) Thresholds() map[string]float64 {
	return map[string]float64{
		"not_empty":      1.0,
		"typed_subjects": 0.5,
	}
}

// Run scores the source graph.
func (g *SourceGate) Run(ctx *Context) *Result {
	began := time.Now()
	res := newResult(g)

	if ctx.Source == nil || ctx.Source.Count() == 0 {
		res.Metrics["not_empty"] = 0.0
	} else {
		res.Metrics["not_empty"] = 1.0
		subjects := make(map[string]bool)
		for _, t := range ctx.Source.All() {
			subjects[t.Subject.Key()] = true
		}
		typed := typedInstances(ctx.Source)
		res.Metrics["typed_subjects"] = ratio(len(typed), len(subjects))
	}

	evaluate(res, ctx.Config, g)
	res.Duration = time.Since(began)
	return res
}

// typedInstances maps every subject with an rdf:type to its type IRIs.
func typedInstances(snap *store.Snapshot) map[string]typedInstance {
	typ := store.NewIRI(store.RDFType)
	out := make(map[string]typedInstance)
	for _, t := range snap.Match(store.Pattern{Predicate: &typ}) {
		inst := out[t.Subject.Key()]
		inst.term = t.Subject
		inst.classes = append(inst.classes, t.Object.Value)
		out[t.Subject.Key()] = inst
	}
	return out
}

type typedInstance struct {
	term    store.Term
	classes []string
}

// MappingGate (G1) checks how much of the source the mapping rules cover.
// Runs before harmonization.
type MappingGate struct{}

// NewMappingGate creates a new G1 mapping gate.
func NewMappingGate() *MappingGate {
	return &MappingGate{}
}

// Name returns "G1".
func (g *MappingGate) Name() string { return "G1" }

// Thresholds returns the default thresholds for mapping coverage metrics.
func (g *MappingGate) Thresholds() map[string]float64 {
	return map[string]float64{
		"class_coverage":    0.80,
		"property_coverage": 0.70,
	}
}

// Run measures the share of typed instances with a rule for one of their
// classes, and the share of their statements with a mapped predicate.
func (g *MappingGate) Run(ctx *Context) *Result {
	began := time.Now()
	res := newResult(g)

	if ctx.Source != nil {
		mapped := make(map[string]map[string]bool)
		for _, rule := range ctx.Rules {
			preds := mapped[rule.SourceClass]
			if preds == nil {
				preds = make(map[string]bool)
				mapped[rule.SourceClass] = preds
			}
			for _, p := range rule.Properties {
				preds[p.Source] = true
			}
		}

		typ := store.NewIRI(store.RDFType)
		instances := typedInstances(ctx.Source)
		covered, statements, mappedStatements := 0, 0, 0
		for _, inst := range instances {
			var preds []map[string]bool
			for _, class := range inst.classes {
				if p, ok := mapped[class]; ok {
					preds = append(preds, p)
				}
			}
			if len(preds) == 0 {
				continue
			}
			covered++

			subject := inst.term
			for _, t := range ctx.Source.Match(store.Pattern{Subject: &subject}) {
				if t.Predicate == typ {
					continue
				}
				statements++
				for _, p := range preds {
					if p[t.Predicate.Value] {
						mappedStatements++
						break
					}
				}
			}
		}
		res.Metrics["class_coverage"] = ratio(covered, len(instances))
		res.Metrics["property_coverage"] = ratio(mappedStatements, statements)
	}

	evaluate(res, ctx.Config, g)
	res.Duration = time.Since(began)
	return res
}

// ResolutionGate (G2) checks entity resolution and statement confidence of a
// finished import.
type ResolutionGate struct{}

// NewResolutionGate creates a new G2 resolution gate.
func NewResolutionGate() *ResolutionGate {
	return &ResolutionGate{}
}

// Name returns "G2".
func (g *ResolutionGate) Name() string { return "G2" }

// Thresholds returns the default thresholds for resolution metrics.
func (g *ResolutionGate) Thresholds() map[string]float64 {
	return map[string]float64{
		"review_free":          0.90,
		"confident_statements": 0.70,
	}
}

// Run scores the share of instances resolved without review and the share of
// recorded statements not flagged as low confidence.
func (g *ResolutionGate) Run(ctx *Context) *Result {
	began := time.Now()
	res := newResult(g)

	if r := ctx.Harmonized; r != nil {
		res.Metrics["review_free"] = 1 - ratio(len(r.Review), r.Instances)
		if r.Instances == 0 {
			res.Metrics["review_free"] = 1.0
		}
		flagged := len(r.LowConfidence)
		if flagged > len(r.Provenance) {
			flagged = len(r.Provenance)
		}
		res.Metrics["confident_statements"] = 1 - ratio(flagged, len(r.Provenance))
		if len(r.Provenance) == 0 {
			res.Metrics["confident_statements"] = 1.0
		}
	}

	evaluate(res, ctx.Config, g)
	res.Duration = time.Since(began)
	return res
}

// QualityGate (G3) checks the harmonized graph: structural quality and, when
// a shape report is supplied, shape conformance.
type QualityGate struct{}

// NewQualityGate creates a new G3 quality gate.
func NewQualityGate() *QualityGate {
	return &QualityGate{}
}

// Name returns "G3".
func (g *QualityGate) Name() string { return "G3" }

// Thresholds returns the default thresholds for quality metrics.
func (g *QualityGate) Thresholds() map[string]float64 {
	return map[string]float64{
		"graph_quality": 0.50,
		"shape_quality": 0.80,
	}
}

// Run scores the target graph.
func (g *QualityGate) Run(ctx *Context) *Result {
	began := time.Now()
	res := newResult(g)

	if ctx.Target != nil {
		res.Metrics["graph_quality"] = harmonize.QualityCheck(ctx.Target).Score / 100
	}
	if ctx.Report != nil {
		res.Metrics["shape_quality"] = shape.Quality(ctx.Report).Score / 100
	}

	evaluate(res, ctx.Config, g)
	res.Duration = time.Since(began)
	return res
}
