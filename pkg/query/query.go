// Package query provides parsing and execution of SELECT-style graph queries:
// triple patterns with property-path predicates, OPTIONAL, typed FILTER
// predicates, GROUP BY with aggregates, ORDER BY, LIMIT and OFFSET.
package query

import (
	"github.com/coolbeans/graphharmony/pkg/path"
	"github.com/coolbeans/graphharmony/pkg/store"
)

// Query represents a parsed query.
type Query struct {
	Type   QueryType
	Select *SelectQuery
}

// QueryType represents the type of query.
type QueryType string

const (
	// SelectQueryType represents a SELECT query.
	SelectQueryType QueryType = "SELECT"
)

// AggregateFunction represents an aggregate function.
type AggregateFunction string

const (
	AggregateCOUNT AggregateFunction = "COUNT"
	AggregateSUM   AggregateFunction = "SUM"
	AggregateAVG   AggregateFunction = "AVG"
	AggregateMIN   AggregateFunction = "MIN"
	AggregateMAX   AggregateFunction = "MAX"
)

// AggregateExpression represents a parsed aggregate expression like (COUNT(?x) AS ?count).
type AggregateExpression struct {
	Function AggregateFunction // COUNT, SUM, AVG, MIN, MAX
	Variable string            // Source variable (e.g., "?x"), or "*" for COUNT(*)
	Alias    string            // Result alias (e.g., "?count")
	Distinct bool              // COUNT(DISTINCT ?x)
}

// SelectQuery represents a parsed SELECT query.
type SelectQuery struct {
	Variables  []string              // Variables to select (e.g., ["?subject", "?predicate"])
	Aggregates []AggregateExpression // Aggregate expressions (e.g., COUNT(?x) AS ?count)
	GroupBy    []string              // GROUP BY variables (e.g., ["?chapter"])
	Having     []Filter              // HAVING clauses (post-aggregation filters)
	Distinct   bool                  // DISTINCT modifier
	Where      []TriplePattern       // WHERE clause triple patterns
	Optional   [][]TriplePattern     // OPTIONAL clause patterns
	Filters    []Filter              // FILTER clauses
	OrderBy    []OrderBy             // ORDER BY clauses
	Limit      int                   // LIMIT (0 = no limit)
	Offset     int                   // OFFSET (0 = no offset)
	Prefixes   map[string]string     // Prefix declarations
}

// HasAggregates returns true if the query uses aggregate functions.
func (q *SelectQuery) HasAggregates() bool {
	return len(q.Aggregates) > 0
}

// AllOutputVariables returns all variables that appear in the query output,
// including both plain SELECT variables and aggregate aliases.
func (q *SelectQuery) AllOutputVariables() []string {
	var outputVars []string
	outputVars = append(outputVars, q.Variables...)
	for _, agg := range q.Aggregates {
		outputVars = append(outputVars, agg.Alias)
	}
	return outputVars
}

// IsAggregateAlias checks if a variable is an alias for an aggregate expression.
func (q *SelectQuery) IsAggregateAlias(variable string) bool {
	for _, agg := range q.Aggregates {
		if agg.Alias == variable {
			return true
		}
	}
	return false
}

// TriplePattern represents a triple pattern in a WHERE clause. Positions hold
// the source tokens: a variable (?var), an IRI (<uri> or prefixed), or a
// literal. When the predicate is a property path, Path holds the parsed form.
type TriplePattern struct {
	Subject   string
	Predicate string
	Object    string
	Path      *path.Expression
}

// IsPath reports whether the predicate is a property path rather than a single IRI or variable.
func (p TriplePattern) IsPath() bool {
	return p.Path != nil
}

// Filter represents a FILTER or HAVING clause.
type Filter struct {
	Expression string // Filter expression (e.g., "CONTAINS(?title, \"erasure\")")
}

// OrderBy represents an ORDER BY clause.
type OrderBy struct {
	Variable   string
	Descending bool
}

// Binding maps variable names (without '?') to terms for one result row.
type Binding map[string]store.Term

// Clone returns a shallow copy of the binding.
func (b Binding) Clone() Binding {
	c := make(Binding, len(b)+2)
	for k, v := range b {
		c[k] = v
	}
	return c
}

// IsVariable checks if a string is a variable.
func IsVariable(s string) bool {
	return len(s) > 0 && s[0] == '?'
}

// IsURI checks if a string is a URI reference (enclosed in angle brackets).
// Empty URIs (<>) are not considered valid.
func IsURI(s string) bool {
	return len(s) > 2 && s[0] == '<' && s[len(s)-1] == '>'
}

// IsLiteral checks if a string is a quoted literal, with or without a
// language tag or datatype suffix.
func IsLiteral(s string) bool {
	return len(s) > 1 && s[0] == '"'
}

// IsPrefixed checks if a string is a prefixed name (e.g., ex:Customer).
func IsPrefixed(s string) bool {
	if len(s) == 0 || s[0] == '?' || s[0] == '<' || s[0] == '"' {
		return false
	}
	for i, c := range s {
		if c == ':' && i > 0 && i < len(s)-1 {
			return true
		}
	}
	return false
}

// StripVariable removes the ? prefix from a variable.
func StripVariable(s string) string {
	if IsVariable(s) {
		return s[1:]
	}
	return s
}

// StripURI removes the < > brackets from a URI.
func StripURI(s string) string {
	if IsURI(s) {
		return s[1 : len(s)-1]
	}
	return s
}

// VariableName returns the variable name without the ? prefix, or empty if not a variable.
func VariableName(s string) string {
	if IsVariable(s) {
		return s[1:]
	}
	return ""
}
