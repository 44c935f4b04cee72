package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/coolbeans/graphharmony/pkg/errs"
	"github.com/coolbeans/graphharmony/pkg/path"
	"github.com/coolbeans/graphharmony/pkg/store"
)

var (
	prefixRegex    = regexp.MustCompile(`(?i)PREFIX\s+(\w*):\s*<([^>]+)>`)
	distinctRegex  = regexp.MustCompile(`(?i)\bSELECT\s+DISTINCT\b`)
	selectRegex    = regexp.MustCompile(`(?i)SELECT\s+([\s\S]*?)\s*\bWHERE\b`)
	aggregateRegex = regexp.MustCompile(`(?i)\(\s*(COUNT|SUM|AVG|MIN|MAX)\s*\(\s*(DISTINCT\s+)?(\?\w+|\*)\s*\)\s+AS\s+(\?\w+)\s*\)`)
	variableRegex  = regexp.MustCompile(`\?(\w+)`)
	groupByRegex   = regexp.MustCompile(`(?i)GROUP\s+BY\s+((?:\?\w+\s*)+)`)
	orderByRegex   = regexp.MustCompile(`(?i)ORDER\s+BY\s+((?:(?:ASC|DESC)\s*\(\s*\?\w+\s*\)|\?\w+)(?:\s+(?:ASC|DESC)\s*\(\s*\?\w+\s*\)|\s+\?\w+)*)`)
	orderFuncRegex = regexp.MustCompile(`(?i)(ASC|DESC)\s*\(\s*\?(\w+)\s*\)`)
	limitRegex     = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)`)
	offsetRegex    = regexp.MustCompile(`(?i)\bOFFSET\s+(\d+)`)
	whereRegex     = regexp.MustCompile(`(?i)\bWHERE\s*\{`)
	keywordRegexes = map[string]*regexp.Regexp{
		"OPTIONAL": regexp.MustCompile(`(?i)\bOPTIONAL\s*\{`),
		"FILTER":   regexp.MustCompile(`(?i)\bFILTER\s*\(`),
		"HAVING":   regexp.MustCompile(`(?i)\bHAVING\s*\(`),
	}
)

// ParseQuery parses a query string and returns a Query object. Syntax errors
// are reported as MalformedInputError.
func ParseQuery(queryStr string) (*Query, error) {
	queryStr = strings.TrimSpace(queryStr)

	if queryStr == "" {
		return nil, errs.Malformed(queryStr, "empty query")
	}

	upperQuery := strings.ToUpper(queryStr)
	if !strings.Contains(upperQuery, "SELECT") {
		return nil, errs.Malformed(queryStr, "unsupported query type: only SELECT queries are supported")
	}

	selectQuery, err := parseSelectQuery(queryStr)
	if err != nil {
		return nil, err
	}
	return &Query{
		Type:   SelectQueryType,
		Select: selectQuery,
	}, nil
}

// parseSelectQuery parses a SELECT query.
func parseSelectQuery(queryStr string) (*SelectQuery, error) {
	original := queryStr
	query := &SelectQuery{
		Prefixes: make(map[string]string),
	}

	for _, match := range prefixRegex.FindAllStringSubmatch(queryStr, -1) {
		query.Prefixes[match[1]] = match[2]
	}
	queryStr = prefixRegex.ReplaceAllString(queryStr, "")

	if distinctRegex.MatchString(queryStr) {
		query.Distinct = true
		queryStr = distinctRegex.ReplaceAllString(queryStr, "SELECT")
	}

	selectMatch := selectRegex.FindStringSubmatch(queryStr)
	if selectMatch == nil {
		return nil, errs.Malformed(original, "invalid SELECT query: missing WHERE clause")
	}
	if err := parseProjection(strings.TrimSpace(selectMatch[1]), query); err != nil {
		return nil, errs.Malformed(original, "%v", err)
	}

	whereClause, tail, err := extractWhere(queryStr)
	if err != nil {
		return nil, errs.Malformed(original, "%v", err)
	}

	optionalBlocks, mainWhereClause := extractBlocks(whereClause, "OPTIONAL", '{', '}')
	for _, block := range optionalBlocks {
		optionalPatterns, err := parseTriplePatterns(block)
		if err != nil {
			return nil, errs.Malformed(original, "OPTIONAL clause: %v", err)
		}
		query.Optional = append(query.Optional, optionalPatterns)
	}

	var filterExprs []string
	filterExprs, mainWhereClause = extractBlocks(mainWhereClause, "FILTER", '(', ')')
	for _, expr := range filterExprs {
		if _, err := compileFilter(expr); err != nil {
			return nil, errs.Malformed(original, "FILTER(%s): %v", expr, err)
		}
		query.Filters = append(query.Filters, Filter{Expression: expr})
	}

	patterns, err := parseTriplePatterns(mainWhereClause)
	if err != nil {
		return nil, errs.Malformed(original, "%v", err)
	}
	query.Where = patterns

	if match := groupByRegex.FindStringSubmatch(tail); match != nil {
		query.GroupBy = variableRegex.FindAllString(match[1], -1)
	}

	havingExprs, _ := extractBlocks(tail, "HAVING", '(', ')')
	for _, expr := range havingExprs {
		query.Having = append(query.Having, Filter{Expression: expr})
	}

	if orderByMatch := orderByRegex.FindStringSubmatch(tail); orderByMatch != nil {
		query.OrderBy = parseOrderBy(orderByMatch[1])
	}

	if limitMatch := limitRegex.FindStringSubmatch(tail); limitMatch != nil {
		query.Limit, _ = strconv.Atoi(limitMatch[1])
	}

	if offsetMatch := offsetRegex.FindStringSubmatch(tail); offsetMatch != nil {
		query.Offset, _ = strconv.Atoi(offsetMatch[1])
	}

	return query, nil
}

// parseProjection fills plain variables and aggregate expressions from the SELECT clause.
func parseProjection(varsStr string, query *SelectQuery) error {
	if varsStr == "*" {
		query.Variables = []string{"*"}
		return nil
	}

	for _, match := range aggregateRegex.FindAllStringSubmatch(varsStr, -1) {
		query.Aggregates = append(query.Aggregates, AggregateExpression{
			Function: AggregateFunction(strings.ToUpper(match[1])),
			Distinct: strings.TrimSpace(match[2]) != "",
			Variable: match[3],
			Alias:    match[4],
		})
	}
	plain := aggregateRegex.ReplaceAllString(varsStr, "")
	query.Variables = variableRegex.FindAllString(plain, -1)

	if len(query.Variables) == 0 && len(query.Aggregates) == 0 {
		return fmt.Errorf("no variables found in SELECT clause")
	}
	return nil
}

// extractWhere returns the body of the WHERE block and the text that follows it.
func extractWhere(queryStr string) (string, string, error) {
	loc := whereRegex.FindStringIndex(queryStr)
	if loc == nil {
		return "", "", fmt.Errorf("invalid WHERE clause: missing braces")
	}
	end := matchingClose(queryStr, loc[1], '{', '}')
	if end < 0 {
		return "", "", fmt.Errorf("invalid WHERE clause: unbalanced braces")
	}
	return queryStr[loc[1]:end], queryStr[end+1:], nil
}

// matchingClose returns the index of the delimiter closing the one just before
// start, skipping quoted literals, or -1.
func matchingClose(s string, start int, open, closing byte) int {
	depth := 1
	inLiteral := false
	for i := start; i < len(s); i++ {
		switch c := s[i]; {
		case inLiteral && c == '\\':
			i++
		case c == '"':
			inLiteral = !inLiteral
		case inLiteral:
		case c == open:
			depth++
		case c == closing:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// extractBlocks pulls every KEYWORD<open>...<close> block out of clause with
// balanced delimiters, returning the block bodies and the remaining text.
func extractBlocks(clause, keyword string, open, closing byte) ([]string, string) {
	re := keywordRegexes[keyword]
	var blocks []string
	var rest strings.Builder

	for {
		loc := re.FindStringIndex(clause)
		if loc == nil {
			rest.WriteString(clause)
			break
		}
		end := matchingClose(clause, loc[1], open, closing)
		if end < 0 {
			rest.WriteString(clause)
			break
		}
		blocks = append(blocks, strings.TrimSpace(clause[loc[1]:end]))
		rest.WriteString(clause[:loc[0]])
		rest.WriteString(" ")
		clause = clause[end+1:]
	}

	return blocks, rest.String()
}

// parseOrderBy parses ORDER BY clause variables.
func parseOrderBy(orderByStr string) []OrderBy {
	var orderBys []OrderBy

	for _, match := range orderFuncRegex.FindAllStringSubmatch(orderByStr, -1) {
		orderBys = append(orderBys, OrderBy{
			Variable:   "?" + match[2],
			Descending: strings.ToUpper(match[1]) == "DESC",
		})
	}

	// If no function matches, try simple variable format
	if len(orderBys) == 0 {
		for _, match := range variableRegex.FindAllStringSubmatch(orderByStr, -1) {
			orderBys = append(orderBys, OrderBy{Variable: "?" + match[1]})
		}
	}

	return orderBys
}

// splitOutside splits s on sep where sep is outside IRIs and literals. A '.'
// only separates when followed by whitespace or the end of input, so decimals
// and dotted local names stay intact.
func splitOutside(s string, sep byte) []string {
	var parts []string
	var current strings.Builder
	inURI := false
	inLiteral := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case inLiteral && ch == '\\' && i+1 < len(s):
			current.WriteByte(ch)
			i++
			current.WriteByte(s[i])
			continue
		case ch == '"' && !inURI:
			inLiteral = !inLiteral
		case ch == '<' && !inLiteral:
			inURI = true
		case ch == '>' && inURI:
			inURI = false
		case ch == sep && !inURI && !inLiteral:
			if sep != '.' || i+1 == len(s) || strings.ContainsRune(" \t\r\n", rune(s[i+1])) {
				parts = append(parts, current.String())
				current.Reset()
				continue
			}
		}
		current.WriteByte(ch)
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}

// parseTriplePatterns parses triple patterns from a WHERE clause.
func parseTriplePatterns(whereClause string) ([]TriplePattern, error) {
	var patterns []TriplePattern

	for _, line := range splitOutside(whereClause, '.') {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// Handle semicolon (same subject continuation)
		var currentSubject string
		for _, part := range splitOutside(line, ';') {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}

			tokens := tokenize(part)
			if len(tokens) == 2 && currentSubject != "" {
				tokens = append([]string{currentSubject}, tokens...)
			}
			if len(tokens) != 3 {
				return nil, fmt.Errorf("triple pattern %q must have subject, predicate and object", part)
			}

			pattern, err := newTriplePattern(tokens[0], tokens[1], tokens[2])
			if err != nil {
				return nil, err
			}
			patterns = append(patterns, pattern)
			currentSubject = pattern.Subject
		}
	}

	return patterns, nil
}

func newTriplePattern(subject, predicate, object string) (TriplePattern, error) {
	pattern := TriplePattern{Subject: subject, Predicate: predicate, Object: object}

	switch {
	case predicate == "a":
		pattern.Predicate = store.RDFType
	case IsVariable(predicate), IsURI(predicate):
	case strings.ContainsAny(predicate, "/|^*+?()"):
		expr, err := path.Parse(predicate)
		if err != nil {
			return TriplePattern{}, err
		}
		pattern.Path = expr
	}

	for _, position := range []string{pattern.Subject, pattern.Object} {
		if IsVariable(position) {
			continue
		}
		if _, err := constantTerm(position); err != nil {
			return TriplePattern{}, err
		}
	}
	return pattern, nil
}

var numberRegex = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)$`)

// constantTerm converts a non-variable pattern token to a term. Bare numbers
// become xsd:integer or xsd:decimal literals.
func constantTerm(token string) (store.Term, error) {
	if token == "a" {
		return store.NewIRI(store.RDFType), nil
	}
	if numberRegex.MatchString(token) {
		if strings.Contains(token, ".") {
			return store.NewTypedLiteral(token, store.XSDDecimal), nil
		}
		return store.NewTypedLiteral(token, store.XSDInteger), nil
	}
	return store.ParseTerm(token)
}

// tokenize splits a triple pattern into tokens, respecting URIs, literals and
// parenthesised path groups.
func tokenize(s string) []string {
	var tokens []string
	var current strings.Builder
	inURI := false
	inLiteral := false
	depth := 0

	for i := 0; i < len(s); i++ {
		ch := s[i]

		switch {
		case inLiteral && ch == '\\' && i+1 < len(s):
			current.WriteByte(ch)
			i++
			current.WriteByte(s[i])
			continue
		case ch == '"' && !inURI:
			inLiteral = !inLiteral
		case ch == '<' && !inLiteral:
			inURI = true
		case ch == '>' && inURI:
			inURI = false
		case ch == '(' && !inLiteral && !inURI:
			depth++
		case ch == ')' && !inLiteral && !inURI:
			depth--
		case (ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r') && !inURI && !inLiteral && depth == 0:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
			continue
		}
		current.WriteByte(ch)
	}

	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}

	return tokens
}

// ExpandPrefixes expands all prefixed names in simple pattern positions using
// the declared prefixes. Graphs that store full IRIs need this; graphs that
// store prefixed names should leave patterns as written.
func (q *SelectQuery) ExpandPrefixes() {
	expand := func(patterns []TriplePattern) {
		for i := range patterns {
			patterns[i].Subject = expandPrefix(patterns[i].Subject, q.Prefixes)
			if patterns[i].Path == nil {
				patterns[i].Predicate = expandPrefix(patterns[i].Predicate, q.Prefixes)
			}
			patterns[i].Object = expandPrefix(patterns[i].Object, q.Prefixes)
		}
	}

	expand(q.Where)
	for i := range q.Optional {
		expand(q.Optional[i])
	}
}

// expandPrefix expands a prefixed URI using the provided prefix map.
func expandPrefix(term string, prefixes map[string]string) string {
	term = strings.TrimSpace(term)

	// Skip if already a variable, full URI, or literal
	if term == "" || term[0] == '?' || term[0] == '<' || term[0] == '"' {
		return term
	}

	colonIdx := strings.Index(term, ":")
	if colonIdx >= 0 && colonIdx < len(term)-1 {
		if baseURI, ok := prefixes[term[:colonIdx]]; ok {
			return "<" + baseURI + term[colonIdx+1:] + ">"
		}
	}

	return term
}

// Validate checks if the query is well-formed and returns validation errors.
func (q *Query) Validate() []error {
	var errors []error

	if q.Type == "" {
		errors = append(errors, fmt.Errorf("query type is not set"))
	}

	if q.Select == nil && q.Type == SelectQueryType {
		errors = append(errors, fmt.Errorf("SELECT query missing select clause"))
		return errors
	}

	if q.Select != nil {
		errors = append(errors, q.Select.Validate()...)
	}

	return errors
}

// Validate checks if the SELECT query is well-formed.
func (q *SelectQuery) Validate() []error {
	var errors []error

	if len(q.Variables) == 0 && len(q.Aggregates) == 0 {
		errors = append(errors, fmt.Errorf("SELECT clause has no variables"))
	}

	if len(q.Where) == 0 {
		errors = append(errors, fmt.Errorf("WHERE clause has no triple patterns"))
	}

	boundVars := make(map[string]bool)
	collect := func(patterns []TriplePattern) {
		for _, p := range patterns {
			for _, position := range []string{p.Subject, p.Predicate, p.Object} {
				if IsVariable(position) {
					boundVars[position] = true
				}
			}
		}
	}
	collect(q.Where)
	for _, opt := range q.Optional {
		collect(opt)
	}

	if len(q.Variables) == 0 || q.Variables[0] != "*" {
		for _, v := range q.Variables {
			if !boundVars[v] {
				errors = append(errors, fmt.Errorf("variable %s in SELECT is not bound in WHERE clause", v))
			}
		}
	}

	for _, agg := range q.Aggregates {
		if agg.Variable != "*" && !boundVars[agg.Variable] {
			errors = append(errors, fmt.Errorf("aggregate variable %s is not bound in WHERE clause", agg.Variable))
		}
		if agg.Variable == "*" && agg.Function != AggregateCOUNT {
			errors = append(errors, fmt.Errorf("%s(*) is not supported", agg.Function))
		}
	}

	if q.HasAggregates() || len(q.GroupBy) > 0 {
		grouped := make(map[string]bool)
		for _, g := range q.GroupBy {
			grouped[g] = true
		}
		for _, v := range q.Variables {
			if v != "*" && !grouped[v] {
				errors = append(errors, fmt.Errorf("variable %s must appear in GROUP BY", v))
			}
		}
	}

	// Check ORDER BY variables are projected
	for _, ob := range q.OrderBy {
		found := q.IsAggregateAlias(ob.Variable)
		for _, v := range q.Variables {
			if v == "*" || v == ob.Variable {
				found = true
				break
			}
		}
		if !found {
			errors = append(errors, fmt.Errorf("ORDER BY variable %s is not in SELECT clause", ob.Variable))
		}
	}

	if q.Limit < 0 {
		errors = append(errors, fmt.Errorf("LIMIT cannot be negative"))
	}

	if q.Offset < 0 {
		errors = append(errors, fmt.Errorf("OFFSET cannot be negative"))
	}

	return errors
}

// String returns a string representation of the query (for debugging).
func (q *Query) String() string {
	if q.Select != nil {
		return q.Select.String()
	}
	return "<unknown query type>"
}

// String returns a string representation of the SELECT query.
func (q *SelectQuery) String() string {
	var sb strings.Builder

	for prefix, uri := range q.Prefixes {
		sb.WriteString(fmt.Sprintf("PREFIX %s: <%s>\n", prefix, uri))
	}

	sb.WriteString("SELECT ")
	if q.Distinct {
		sb.WriteString("DISTINCT ")
	}
	parts := append([]string(nil), q.Variables...)
	for _, agg := range q.Aggregates {
		inner := agg.Variable
		if agg.Distinct {
			inner = "DISTINCT " + inner
		}
		parts = append(parts, fmt.Sprintf("(%s(%s) AS %s)", agg.Function, inner, agg.Alias))
	}
	sb.WriteString(strings.Join(parts, " "))

	sb.WriteString(" WHERE {\n")
	for _, p := range q.Where {
		sb.WriteString(fmt.Sprintf("  %s %s %s .\n", p.Subject, p.Predicate, p.Object))
	}
	for _, f := range q.Filters {
		sb.WriteString(fmt.Sprintf("  FILTER(%s)\n", f.Expression))
	}
	for _, opt := range q.Optional {
		sb.WriteString("  OPTIONAL {\n")
		for _, p := range opt {
			sb.WriteString(fmt.Sprintf("    %s %s %s .\n", p.Subject, p.Predicate, p.Object))
		}
		sb.WriteString("  }\n")
	}
	sb.WriteString("}")

	if len(q.GroupBy) > 0 {
		sb.WriteString(" GROUP BY " + strings.Join(q.GroupBy, " "))
	}
	for _, h := range q.Having {
		sb.WriteString(fmt.Sprintf(" HAVING(%s)", h.Expression))
	}

	if len(q.OrderBy) > 0 {
		sb.WriteString(" ORDER BY")
		for _, ob := range q.OrderBy {
			if ob.Descending {
				sb.WriteString(fmt.Sprintf(" DESC(%s)", ob.Variable))
			} else {
				sb.WriteString(fmt.Sprintf(" %s", ob.Variable))
			}
		}
	}

	if q.Limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", q.Limit))
	}

	if q.Offset > 0 {
		sb.WriteString(fmt.Sprintf(" OFFSET %d", q.Offset))
	}

	return sb.String()
}
