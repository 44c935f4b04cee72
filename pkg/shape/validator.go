package shape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coolbeans/graphharmony/pkg/errs"
	"github.com/coolbeans/graphharmony/pkg/path"
	"github.com/coolbeans/graphharmony/pkg/store"
)

var (
	instanceOf = path.MustParse("rdf:type/rdfs:subClassOf*")
	membersOf  = instanceOf.Inverse()
)

// Observer receives a summary of every completed validation run.
type Observer interface {
	ObserveValidation(elapsed time.Duration, violations, warnings, infos int)
}

// Validator evaluates compiled shapes against graph snapshots. It holds no
// per-run state and is safe for concurrent use.
type Validator struct {
	evaluator *path.Evaluator
	logger    *slog.Logger
	observer  Observer
}

// Option configures a Validator.
type Option func(*Validator)

// WithEvaluator sets the path evaluator used for property paths and class membership.
func WithEvaluator(evaluator *path.Evaluator) Option {
	return func(v *Validator) {
		v.evaluator = evaluator
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		v.logger = logger
	}
}

// WithObserver registers an observer for run summaries.
func WithObserver(observer Observer) Option {
	return func(v *Validator) {
		v.observer = observer
	}
}

// NewValidator creates a validator.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	if v.evaluator == nil {
		v.evaluator = path.NewEvaluator(path.WithLogger(v.logger))
	}
	return v
}

// Validate checks every focus node of every shape in set. Results are ordered
// by shape declaration, then focus node selection order. A fault while
// evaluating one focus node is recorded as a Violation for that node and the
// run continues; an expired context aborts with QueryTimeoutError.
func (v *Validator) Validate(ctx context.Context, snap *store.Snapshot, set *Set) (*Report, error) {
	start := time.Now()
	var results []Result
	focusCount := 0

	for _, s := range set.shapes {
		focus, err := v.focusNodes(ctx, snap, s)
		if err != nil {
			return nil, err
		}
		focusCount += len(focus)

		for _, node := range focus {
			if err := errs.CheckContext(ctx, "validation"); err != nil {
				return nil, err
			}

			nodeResults, err := v.validateNode(ctx, snap, s, node)
			if err != nil {
				if errors.Is(err, errs.ErrQueryTimeout) {
					return nil, err
				}
				fault := &errs.InternalEvaluationError{FocusNode: node.Key(), ShapeID: s.id, Err: err}
				v.logger.Warn("Isolated evaluation fault",
					slog.String("shape", s.id),
					slog.String("focus", node.Key()),
					slog.String("error", err.Error()))
				nodeResults = []Result{{
					FocusNode:    node,
					ConstraintID: s.id + "#" + string(KindInternal),
					Kind:         KindInternal,
					Severity:     SeverityViolation,
					Message:      fault.Error(),
				}}
			}
			results = append(results, nodeResults...)
		}

		v.logger.Debug("Validated shape",
			slog.String("shape", s.id),
			slog.Int("focus_nodes", len(focus)))
	}

	report := newReport(results, snap.Version())
	elapsed := time.Since(start)
	v.logger.Info("Validation complete",
		slog.Int("shapes", len(set.shapes)),
		slog.Int("focus_nodes", focusCount),
		slog.Bool("conforms", report.Conforms()),
		slog.Int("violations", report.ViolationCount()),
		slog.Int("warnings", report.WarningCount()),
		slog.Duration("elapsed", elapsed))
	if v.observer != nil {
		v.observer.ObserveValidation(elapsed, report.ViolationCount(), report.WarningCount(), report.InfoCount())
	}
	return report, nil
}

// focusNodes returns explicit targets in declaration order followed by class
// members ordered by key, without duplicates.
func (v *Validator) focusNodes(ctx context.Context, snap *store.Snapshot, s *compiledShape) ([]store.Term, error) {
	seen := make(map[store.Term]bool)
	var nodes []store.Term
	for _, n := range s.targetNodes {
		if !seen[n] {
			seen[n] = true
			nodes = append(nodes, n)
		}
	}
	if s.targetClass.IsZero() {
		return nodes, nil
	}

	members, err := v.evaluator.Nodes(ctx, snap, []store.Term{s.targetClass}, membersOf)
	if err != nil {
		return nil, err
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].Key() < members[j].Key()
	})
	for _, m := range members {
		if m.IsResource() && !seen[m] {
			seen[m] = true
			nodes = append(nodes, m)
		}
	}
	return nodes, nil
}

func (v *Validator) validateNode(ctx context.Context, snap *store.Snapshot, s *compiledShape, focus store.Term) (results []Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return v.evaluateShape(ctx, snap, s, focus)
}

func (v *Validator) evaluateShape(ctx context.Context, snap *store.Snapshot, s *compiledShape, focus store.Term) ([]Result, error) {
	results, err := v.checkValues(ctx, snap, focus, "", s.node, []store.Term{focus})
	if err != nil {
		return nil, err
	}

	for _, p := range s.properties {
		values, err := v.evaluator.Nodes(ctx, snap, []store.Term{focus}, p.path)
		if err != nil {
			return nil, err
		}

		if len(values) < p.minCount {
			results = append(results, Result{
				FocusNode:    focus,
				Path:         p.path.String(),
				ConstraintID: p.id + "#" + string(KindMinCount),
				Kind:         KindMinCount,
				Severity:     p.severity,
				Message:      messageOr(p.message, "expected at least %d value(s) for %s, found %d", p.minCount, p.path, len(values)),
			})
		}
		if p.maxCount >= 0 && len(values) > p.maxCount {
			results = append(results, Result{
				FocusNode:    focus,
				Path:         p.path.String(),
				ConstraintID: p.id + "#" + string(KindMaxCount),
				Kind:         KindMaxCount,
				Severity:     p.severity,
				Message:      messageOr(p.message, "expected at most %d value(s) for %s, found %d", p.maxCount, p.path, len(values)),
			})
		}

		valueResults, err := v.checkValues(ctx, snap, focus, p.path.String(), p.checks, values)
		if err != nil {
			return nil, err
		}
		results = append(results, valueResults...)
	}
	return results, nil
}

func (v *Validator) checkValues(ctx context.Context, snap *store.Snapshot, focus store.Term, pathText string, checks []*compiledConstraint, values []store.Term) ([]Result, error) {
	var results []Result
	for _, c := range checks {
		if c.kind == KindGuard {
			ok, err := v.guard(ctx, snap, focus, c)
			if err != nil {
				return nil, err
			}
			if !ok {
				results = append(results, Result{
					FocusNode:    focus,
					Path:         c.guardPath.String(),
					ConstraintID: c.id,
					Kind:         c.kind,
					Severity:     c.severity,
					Message:      messageOr(c.message, "guard %s %s failed", c.guardPath, describeGuard(c)),
				})
			}
			continue
		}

		for _, value := range values {
			ok, err := v.holds(ctx, snap, c, value)
			if err != nil {
				return nil, err
			}
			if !ok {
				results = append(results, Result{
					FocusNode:    focus,
					Path:         pathText,
					Value:        value,
					ConstraintID: c.id,
					Kind:         c.kind,
					Severity:     c.severity,
					Message:      messageOr(c.message, "value %s violates %s constraint", value.Key(), c.kind),
				})
			}
		}
	}
	return results, nil
}

// holds reports whether value satisfies a value constraint.
func (v *Validator) holds(ctx context.Context, snap *store.Snapshot, c *compiledConstraint, value store.Term) (bool, error) {
	switch c.kind {
	case KindDatatype:
		return hasDatatype(value, c.datatype), nil

	case KindClass:
		if !value.IsResource() {
			return false, nil
		}
		classes, err := v.evaluator.Nodes(ctx, snap, []store.Term{value}, instanceOf)
		if err != nil {
			return false, err
		}
		for _, class := range classes {
			if class == c.class {
				return true, nil
			}
		}
		return false, nil

	case KindPattern:
		if value.IsBlank() {
			return false, nil
		}
		return c.re.MatchString(value.Value), nil

	case KindRange:
		n, ok := value.Numeric()
		if !ok {
			return false, nil
		}
		return c.min.below(n) && c.max.above(n), nil

	case KindIn:
		for _, allowed := range c.in {
			if sameValue(allowed, value) {
				return true, nil
			}
		}
		return false, nil

	case KindLength:
		if value.IsBlank() {
			return false, nil
		}
		n := utf8.RuneCountInString(value.Value)
		return n >= c.minLen && (c.maxLen < 0 || n <= c.maxLen), nil

	case KindAnd, KindOr, KindNot:
		for _, sub := range c.shapes {
			ok, err := v.conformsTo(ctx, snap, sub, value)
			if err != nil {
				return false, err
			}
			switch {
			case c.kind == KindAnd && !ok:
				return false, nil
			case c.kind == KindOr && ok:
				return true, nil
			case c.kind == KindNot:
				return !ok, nil
			}
		}
		return c.kind == KindAnd, nil

	default:
		return false, fmt.Errorf("unhandled constraint kind %q", c.kind)
	}
}

// conformsTo reports whether node produces no results at all against sub.
func (v *Validator) conformsTo(ctx context.Context, snap *store.Snapshot, sub *compiledShape, node store.Term) (bool, error) {
	results, err := v.evaluateShape(ctx, snap, sub, node)
	if err != nil {
		return false, err
	}
	return len(results) == 0, nil
}

// guard evaluates a guard predicate once for the focus node. eq holds when
// some value equals the operand and ne when none does; ordering ops hold
// when there is at least one value and every value compares as required.
func (v *Validator) guard(ctx context.Context, snap *store.Snapshot, focus store.Term, c *compiledConstraint) (bool, error) {
	values, err := v.evaluator.Nodes(ctx, snap, []store.Term{focus}, c.guardPath)
	if err != nil {
		return false, err
	}

	switch c.guardOp {
	case GuardExists:
		return len(values) > 0, nil
	case GuardNotExists:
		return len(values) == 0, nil
	case GuardEq, GuardNe:
		found := false
		for _, value := range values {
			if sameValue(value, c.guardValue) {
				found = true
				break
			}
		}
		return found == (c.guardOp == GuardEq), nil
	case GuardLt, GuardLe, GuardGt, GuardGe:
		if len(values) == 0 {
			return false, nil
		}
		for _, value := range values {
			cmp, ok := compare(value, c.guardValue)
			if !ok || !orderHolds(c.guardOp, cmp) {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("unhandled guard op %q", c.guardOp)
	}
}

func orderHolds(op GuardOp, cmp int) bool {
	switch op {
	case GuardLt:
		return cmp < 0
	case GuardLe:
		return cmp <= 0
	case GuardGt:
		return cmp > 0
	default:
		return cmp >= 0
	}
}

func describeGuard(c *compiledConstraint) string {
	if c.guardValue.IsZero() {
		return string(c.guardOp)
	}
	return string(c.guardOp) + " " + c.guardValue.Key()
}

func (b *bound) below(n float64) bool {
	if b == nil {
		return true
	}
	if b.exclusive {
		return n > b.value
	}
	return n >= b.value
}

func (b *bound) above(n float64) bool {
	if b == nil {
		return true
	}
	if b.exclusive {
		return n < b.value
	}
	return n <= b.value
}

// sameValue compares numerically when both terms are numeric, otherwise by term identity.
func sameValue(a, b store.Term) bool {
	if x, ok := a.Numeric(); ok {
		if y, ok := b.Numeric(); ok {
			return x == y
		}
	}
	return a == b
}

// compare orders numerics numerically and two literals lexically.
func compare(a, b store.Term) (int, bool) {
	x, xok := a.Numeric()
	y, yok := b.Numeric()
	switch {
	case xok && yok:
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case xok != yok:
		return 0, false
	case a.IsLiteral() && b.IsLiteral():
		return strings.Compare(a.Value, b.Value), true
	}
	return 0, false
}

// hasDatatype reports whether a literal carries datatype with a valid lexical
// form. Plain literals are xsd:string; language-tagged ones are rdf:langString.
func hasDatatype(t store.Term, datatype string) bool {
	if !t.IsLiteral() {
		return false
	}
	actual := t.Datatype
	switch {
	case actual == "" && t.Lang != "":
		actual = "rdf:langString"
	case actual == "":
		actual = store.XSDString
	}
	if !store.SameDatatype(actual, datatype) {
		return false
	}

	switch {
	case store.IsNumericDatatype(datatype):
		_, ok := t.Numeric()
		return ok
	case store.SameDatatype(datatype, store.XSDBoolean):
		switch t.Value {
		case "true", "false", "1", "0":
			return true
		}
		return false
	case store.SameDatatype(datatype, store.XSDDateTime):
		_, err := time.Parse(time.RFC3339, t.Value)
		return err == nil
	case store.SameDatatype(datatype, store.XSDDate):
		_, err := time.Parse("2006-01-02", t.Value)
		return err == nil
	}
	return true
}

func messageOr(message, format string, args ...any) string {
	if message != "" {
		return message
	}
	return fmt.Sprintf(format, args...)
}
