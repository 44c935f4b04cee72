package query

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/coolbeans/graphharmony/pkg/errs"
	"github.com/coolbeans/graphharmony/pkg/path"
	"github.com/coolbeans/graphharmony/pkg/store"
)

// Executor executes queries against a graph. Every execution runs on a
// snapshot taken when the call starts.
type Executor struct {
	graph          *store.Graph
	evaluator      *path.Evaluator
	enablePlanning bool
	timeout        time.Duration
	logger         *slog.Logger
}

// ExecutorOption configures an executor.
type ExecutorOption func(*Executor)

// WithPlanning enables or disables query planning/optimization.
func WithPlanning(enabled bool) ExecutorOption {
	return func(e *Executor) {
		e.enablePlanning = enabled
	}
}

// WithTimeout sets the query execution timeout. Zero disables it.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithEvaluator sets the path evaluator used for property-path predicates.
func WithEvaluator(evaluator *path.Evaluator) ExecutorOption {
	return func(e *Executor) {
		e.evaluator = evaluator
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates a new query executor.
func NewExecutor(graph *store.Graph, opts ...ExecutorOption) *Executor {
	e := &Executor{
		graph:          graph,
		enablePlanning: true,
		timeout:        30 * time.Second,
	}

	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.evaluator == nil {
		e.evaluator = path.NewEvaluator(path.WithLogger(e.logger))
	}

	return e
}

// QueryResult represents the result of a query execution.
type QueryResult struct {
	Variables []string  // Variable names (without ?)
	Bindings  []Binding // Variable bindings for each result row
	Count     int       // Number of result rows
	Version   uint64    // Graph version the query ran against
	Metrics   QueryMetrics
}

// QueryMetrics contains performance metrics for query execution.
type QueryMetrics struct {
	ParseTime     time.Duration `json:"parse_time"`
	PlanTime      time.Duration `json:"plan_time"`
	ExecuteTime   time.Duration `json:"execute_time"`
	TotalTime     time.Duration `json:"total_time"`
	PatternsCount int           `json:"patterns_count"`
	ResultCount   int           `json:"result_count"`
}

// Execute executes a parsed query.
func (e *Executor) Execute(query *Query) (*QueryResult, error) {
	return e.ExecuteWithContext(context.Background(), query)
}

// ExecuteWithContext executes a parsed query. Expiry of ctx or of the
// executor timeout fails with QueryTimeoutError and no partial result.
func (e *Executor) ExecuteWithContext(ctx context.Context, query *Query) (*QueryResult, error) {
	startTime := time.Now()
	metrics := QueryMetrics{}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if query.Type != SelectQueryType || query.Select == nil {
		return nil, errs.Malformed(string(query.Type), "unsupported query type")
	}

	snap := e.graph.Snapshot()
	result, err := e.executeSelect(ctx, snap, query.Select, &metrics)
	if err != nil {
		return nil, err
	}
	metrics.TotalTime = time.Since(startTime)
	result.Metrics = metrics
	result.Version = snap.Version()

	e.logger.Debug("Executed query",
		slog.Int("patterns", metrics.PatternsCount),
		slog.Int("results", result.Count),
		slog.Uint64("version", result.Version),
		slog.Duration("elapsed", metrics.TotalTime))
	return result, nil
}

// ExecuteString parses and executes a query string.
func (e *Executor) ExecuteString(queryStr string) (*QueryResult, error) {
	return e.ExecuteStringWithContext(context.Background(), queryStr)
}

// ExecuteStringWithContext parses and executes a query string with context.
func (e *Executor) ExecuteStringWithContext(ctx context.Context, queryStr string) (*QueryResult, error) {
	startTime := time.Now()

	query, err := ParseQuery(queryStr)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	parseTime := time.Since(startTime)

	result, err := e.ExecuteWithContext(ctx, query)
	if err != nil {
		return nil, err
	}

	result.Metrics.ParseTime = parseTime
	return result, nil
}

// executeSelect executes a SELECT query.
func (e *Executor) executeSelect(ctx context.Context, snap *store.Snapshot, query *SelectQuery, metrics *QueryMetrics) (*QueryResult, error) {
	planStart := time.Now()

	filters := make([]*filterExpr, 0, len(query.Filters))
	for _, f := range query.Filters {
		compiled, err := compileFilter(f.Expression)
		if err != nil {
			return nil, errs.Malformed(f.Expression, "%v", err)
		}
		filters = append(filters, compiled)
	}

	where := query.Where
	if e.enablePlanning && len(where) > 1 {
		where = NewQueryPlanner(snap.Stats()).Order(where)
	}
	metrics.PlanTime = time.Since(planStart)
	metrics.PatternsCount = len(where)

	executeStart := time.Now()

	// Start with a single empty binding
	bindings := []Binding{{}}

	for _, pattern := range where {
		if err := errs.CheckContext(ctx, "query"); err != nil {
			return nil, err
		}

		var err error
		bindings, err = e.matchPattern(ctx, snap, pattern, bindings)
		if err != nil {
			return nil, err
		}
		if len(bindings) == 0 {
			break
		}
	}

	for _, optPatterns := range query.Optional {
		var err error
		bindings, err = e.processOptional(ctx, snap, optPatterns, bindings)
		if err != nil {
			return nil, err
		}
	}

	for _, filter := range filters {
		bindings = applyFilter(filter, bindings)
	}

	variables := projectedVariables(query, bindings)

	if query.HasAggregates() || len(query.GroupBy) > 0 {
		grouped, err := e.applyAggregates(ctx, query, bindings)
		if err != nil {
			return nil, err
		}
		bindings = grouped
	}

	// Apply ORDER BY before DISTINCT (to get consistent ordering)
	if len(query.OrderBy) > 0 {
		applyOrderBy(query.OrderBy, bindings)
	}

	if query.Distinct {
		bindings = applyDistinct(bindings, variables)
	}

	if query.Offset > 0 {
		if query.Offset < len(bindings) {
			bindings = bindings[query.Offset:]
		} else {
			bindings = []Binding{}
		}
	}

	if query.Limit > 0 && query.Limit < len(bindings) {
		bindings = bindings[:query.Limit]
	}

	metrics.ExecuteTime = time.Since(executeStart)
	metrics.ResultCount = len(bindings)

	return &QueryResult{
		Variables: variables,
		Bindings:  bindings,
		Count:     len(bindings),
	}, nil
}

func projectedVariables(query *SelectQuery, bindings []Binding) []string {
	var variables []string
	if len(query.Variables) == 1 && query.Variables[0] == "*" {
		varSet := make(map[string]bool)
		for _, binding := range bindings {
			for v := range binding {
				varSet[v] = true
			}
		}
		for v := range varSet {
			variables = append(variables, v)
		}
		sort.Strings(variables)
		return variables
	}

	for _, v := range query.AllOutputVariables() {
		variables = append(variables, StripVariable(v))
	}
	return variables
}

func (e *Executor) applyAggregates(ctx context.Context, query *SelectQuery, bindings []Binding) ([]Binding, error) {
	groups, err := Aggregate(ctx, bindings, query.GroupBy, query.Aggregates...)
	if err != nil {
		return nil, err
	}

	rows := make([]Binding, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, g.Binding())
	}

	for _, having := range query.Having {
		rewritten, err := rewriteHaving(having.Expression, query.Aggregates)
		if err != nil {
			return nil, errs.Malformed(having.Expression, "%v", err)
		}
		compiled, err := compileFilter(rewritten)
		if err != nil {
			return nil, errs.Malformed(having.Expression, "%v", err)
		}
		rows = applyFilter(compiled, rows)
	}

	return rows, nil
}

// matchPattern extends every binding with the matches of one triple pattern.
func (e *Executor) matchPattern(ctx context.Context, snap *store.Snapshot, pattern TriplePattern, currentBindings []Binding) ([]Binding, error) {
	var newBindings []Binding

	for _, binding := range currentBindings {
		subject, err := resolveValue(pattern.Subject, binding)
		if err != nil {
			return nil, err
		}
		object, err := resolveValue(pattern.Object, binding)
		if err != nil {
			return nil, err
		}

		if pattern.IsPath() {
			extended, err := e.matchPath(ctx, snap, pattern, binding, subject, object)
			if err != nil {
				return nil, err
			}
			newBindings = append(newBindings, extended...)
			continue
		}

		predicate, err := resolveValue(pattern.Predicate, binding)
		if err != nil {
			return nil, err
		}

		for _, triple := range snap.Match(store.NewPattern(subject, predicate, object)) {
			newBinding := binding.Clone()
			if !bind(newBinding, pattern.Subject, triple.Subject) ||
				!bind(newBinding, pattern.Predicate, triple.Predicate) ||
				!bind(newBinding, pattern.Object, triple.Object) {
				continue
			}
			newBindings = append(newBindings, newBinding)
		}
	}

	return newBindings, nil
}

// matchPath evaluates a property-path predicate for one binding. With an
// unbound subject the inverse path is walked from a bound object; with both
// ends unbound every subject in the snapshot is tried as a start node.
func (e *Executor) matchPath(ctx context.Context, snap *store.Snapshot, pattern TriplePattern, binding Binding, subject, object store.Term) ([]Binding, error) {
	var out []Binding

	var starts []store.Term
	switch {
	case !subject.IsZero():
		starts = []store.Term{subject}
	case !object.IsZero():
		reached, err := e.evaluator.Nodes(ctx, snap, []store.Term{object}, pattern.Path.Inverse())
		if err != nil {
			return nil, err
		}
		for _, s := range reached {
			newBinding := binding.Clone()
			if bind(newBinding, pattern.Subject, s) {
				out = append(out, newBinding)
			}
		}
		return out, nil
	default:
		starts = distinctSubjects(snap)
	}

	for _, start := range starts {
		reached, err := e.evaluator.Nodes(ctx, snap, []store.Term{start}, pattern.Path)
		if err != nil {
			return nil, err
		}
		for _, o := range reached {
			if !object.IsZero() && o != object {
				continue
			}
			newBinding := binding.Clone()
			if bind(newBinding, pattern.Subject, start) && bind(newBinding, pattern.Object, o) {
				out = append(out, newBinding)
			}
		}
	}
	return out, nil
}

func distinctSubjects(snap *store.Snapshot) []store.Term {
	seen := make(map[string]bool)
	var subjects []store.Term
	for _, t := range snap.All() {
		if !seen[t.Subject.Key()] {
			seen[t.Subject.Key()] = true
			subjects = append(subjects, t.Subject)
		}
	}
	return subjects
}

// bind records value for a variable position, rejecting inconsistent rebinding.
func bind(binding Binding, position string, value store.Term) bool {
	if !IsVariable(position) {
		return true
	}
	name := StripVariable(position)
	if existing, ok := binding[name]; ok {
		return existing == value
	}
	binding[name] = value
	return true
}

// processOptional processes OPTIONAL patterns (left outer join).
func (e *Executor) processOptional(ctx context.Context, snap *store.Snapshot, patterns []TriplePattern, currentBindings []Binding) ([]Binding, error) {
	var result []Binding

	for _, binding := range currentBindings {
		optBindings := []Binding{binding}
		for _, pattern := range patterns {
			if err := errs.CheckContext(ctx, "query"); err != nil {
				return nil, err
			}
			var err error
			optBindings, err = e.matchPattern(ctx, snap, pattern, optBindings)
			if err != nil {
				return nil, err
			}
		}

		if len(optBindings) > 0 {
			result = append(result, optBindings...)
		} else {
			result = append(result, binding)
		}
	}

	return result, nil
}

// resolveValue resolves a pattern position to a term; an unbound variable
// resolves to the zero term, which matches anything.
func resolveValue(value string, binding Binding) (store.Term, error) {
	if IsVariable(value) {
		return binding[StripVariable(value)], nil
	}
	return constantTerm(value)
}

func applyFilter(filter *filterExpr, bindings []Binding) []Binding {
	var filtered []Binding
	for _, binding := range bindings {
		if filter.eval(binding) {
			filtered = append(filtered, binding)
		}
	}
	return filtered
}

// applyOrderBy sorts bindings in place. Unbound values sort first; numeric
// values compare numerically.
func applyOrderBy(orderBys []OrderBy, bindings []Binding) {
	sort.SliceStable(bindings, func(i, j int) bool {
		for _, ob := range orderBys {
			varName := StripVariable(ob.Variable)
			valI, okI := bindings[i][varName]
			valJ, okJ := bindings[j][varName]

			var cmp int
			switch {
			case !okI && !okJ:
				continue
			case !okI:
				cmp = -1
			case !okJ:
				cmp = 1
			default:
				c, ok := compareTerms(valI, valJ)
				if !ok {
					c = strings.Compare(valI.Key(), valJ.Key())
				}
				cmp = c
			}
			if cmp == 0 {
				continue
			}
			if ob.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// applyDistinct removes duplicate bindings based on selected variables.
func applyDistinct(bindings []Binding, variables []string) []Binding {
	seen := make(map[string]bool)
	var unique []Binding

	for _, binding := range bindings {
		values := make([]string, len(variables))
		for i, v := range variables {
			values[i] = binding[v].Key()
		}
		key := strings.Join(values, "|")

		if !seen[key] {
			seen[key] = true
			unique = append(unique, binding)
		}
	}

	return unique
}

// Output format types.
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatCSV   OutputFormat = "csv"
)

// Format formats the query result in the specified format.
func (r *QueryResult) Format(format OutputFormat) (string, error) {
	switch format {
	case FormatJSON:
		return r.FormatJSON()
	case FormatCSV:
		return r.FormatCSV()
	case FormatTable:
		return r.FormatTable(), nil
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// Value returns the display value of variable v in row i, or "" when unbound.
func (r *QueryResult) Value(i int, v string) string {
	t, ok := r.Bindings[i][v]
	if !ok {
		return ""
	}
	return displayValue(t)
}

func displayValue(t store.Term) string {
	if t.IsBlank() {
		return "_:" + t.Value
	}
	return t.Value
}

// FormatTable formats the result as an ASCII table.
func (r *QueryResult) FormatTable() string {
	if len(r.Variables) == 0 || len(r.Bindings) == 0 {
		return fmt.Sprintf("No results (%d rows)\n", r.Count)
	}

	var sb strings.Builder

	widths := make([]int, len(r.Variables))
	for i, v := range r.Variables {
		widths[i] = len(v)
	}
	for row := range r.Bindings {
		for i, v := range r.Variables {
			if n := len(r.Value(row, v)); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var sep strings.Builder
	sep.WriteString("+")
	for _, w := range widths {
		sep.WriteString(strings.Repeat("-", w+2))
		sep.WriteString("+")
	}
	sep.WriteString("\n")

	sb.WriteString(sep.String())

	sb.WriteString("|")
	for i, v := range r.Variables {
		sb.WriteString(fmt.Sprintf(" %-*s |", widths[i], v))
	}
	sb.WriteString("\n")
	sb.WriteString(sep.String())

	for row := range r.Bindings {
		sb.WriteString("|")
		for i, v := range r.Variables {
			sb.WriteString(fmt.Sprintf(" %-*s |", widths[i], r.Value(row, v)))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(sep.String())

	sb.WriteString(fmt.Sprintf("%d rows\n", r.Count))
	return sb.String()
}

// FormatJSON formats the result as JSON. Terms are rendered in their
// canonical N-Triples form so datatypes and language tags survive.
func (r *QueryResult) FormatJSON() (string, error) {
	type jsonResult struct {
		Variables []string            `json:"variables"`
		Bindings  []map[string]string `json:"bindings"`
		Count     int                 `json:"count"`
		Version   uint64              `json:"version"`
	}

	result := jsonResult{
		Variables: r.Variables,
		Bindings:  make([]map[string]string, 0, len(r.Bindings)),
		Count:     r.Count,
		Version:   r.Version,
	}
	for _, b := range r.Bindings {
		row := make(map[string]string, len(b))
		for k, v := range b {
			row[k] = v.Key()
		}
		result.Bindings = append(result.Bindings, row)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FormatCSV formats the result as CSV.
func (r *QueryResult) FormatCSV() (string, error) {
	var sb strings.Builder
	writer := csv.NewWriter(&sb)

	if err := writer.Write(r.Variables); err != nil {
		return "", err
	}

	for i := range r.Bindings {
		row := make([]string, len(r.Variables))
		for j, v := range r.Variables {
			row[j] = r.Value(i, v)
		}
		if err := writer.Write(row); err != nil {
			return "", err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}

	return sb.String(), nil
}

// QueryPlanner orders triple patterns using snapshot statistics.
type QueryPlanner struct {
	stats store.IndexStats
}

// NewQueryPlanner creates a new query planner with index statistics.
func NewQueryPlanner(stats store.IndexStats) *QueryPlanner {
	return &QueryPlanner{
		stats: stats,
	}
}

// Order returns the patterns reordered most selective first. The input slice
// is not modified.
func (qp *QueryPlanner) Order(patterns []TriplePattern) []TriplePattern {
	type patternWithSelectivity struct {
		pattern     TriplePattern
		selectivity float64
	}

	selectivities := make([]patternWithSelectivity, len(patterns))
	for i, pattern := range patterns {
		selectivities[i] = patternWithSelectivity{
			pattern:     pattern,
			selectivity: qp.estimateSelectivity(pattern),
		}
	}

	sort.SliceStable(selectivities, func(i, j int) bool {
		return selectivities[i].selectivity < selectivities[j].selectivity
	})

	ordered := make([]TriplePattern, len(patterns))
	for i, sel := range selectivities {
		ordered[i] = sel.pattern
	}
	return ordered
}

// estimateSelectivity estimates the selectivity of a triple pattern.
// Lower values = more selective (fewer results expected).
func (qp *QueryPlanner) estimateSelectivity(pattern TriplePattern) float64 {
	total := float64(qp.stats.TotalTriples)
	if total == 0 {
		return 1.0
	}

	// Paths expand transitively; run them once their ends are likely bound.
	if pattern.IsPath() {
		return total * 2
	}

	selectivity := total
	if !IsVariable(pattern.Predicate) {
		if count, ok := qp.stats.PredicateCounts[pattern.Predicate]; ok {
			selectivity = float64(count)
		} else {
			selectivity = 0.1
		}
	}
	if !IsVariable(pattern.Subject) && qp.stats.UniqueSubjects > 0 {
		selectivity /= float64(qp.stats.UniqueSubjects)
	}
	if !IsVariable(pattern.Object) && qp.stats.UniqueObjects > 0 {
		selectivity /= float64(qp.stats.UniqueObjects)
	}

	if selectivity < 0.1 {
		selectivity = 0.1
	}

	return selectivity
}
