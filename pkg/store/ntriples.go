package store

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/coolbeans/graphharmony/pkg/errs"
)

// WriteNTriples writes triples one statement per line in the given order.
func WriteNTriples(w io.Writer, triples []Triple) error {
	bw := bufio.NewWriter(w)
	for _, t := range triples {
		if _, err := bw.WriteString(t.NTriples() + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadNTriples parses a line-based triple stream. Besides strict N-Triples it
// accepts prefixed names ("ex:a") for IRIs and datatypes. The first malformed
// line aborts the read and no triples are returned.
func ReadNTriples(r io.Reader) ([]Triple, error) {
	var triples []Triple

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		t, err := ParseStatement(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNumber, err)
		}
		triples = append(triples, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return triples, nil
}

// ParseStatement parses one "subject predicate object ." statement.
func ParseStatement(line string) (Triple, error) {
	lex := &termLexer{input: line}

	var terms [3]Term
	for i := range terms {
		lex.skipSpace()
		term, err := lex.term()
		if err != nil {
			return Triple{}, errs.Malformed(line, "%v", err)
		}
		terms[i] = term
	}

	lex.skipSpace()
	if !lex.consume('.') {
		return Triple{}, errs.Malformed(line, "expected '.' at offset %d", lex.pos)
	}
	lex.skipSpace()
	if lex.pos < len(lex.input) && lex.input[lex.pos] != '#' {
		return Triple{}, errs.Malformed(line, "unexpected trailing content at offset %d", lex.pos)
	}

	t := NewTriple(terms[0], terms[1], terms[2])
	if err := t.Validate(); err != nil {
		return Triple{}, err
	}
	return t, nil
}

// ParseTerm parses a single term in statement syntax.
func ParseTerm(input string) (Term, error) {
	lex := &termLexer{input: strings.TrimSpace(input)}
	term, err := lex.term()
	if err != nil {
		return Term{}, errs.Malformed(input, "%v", err)
	}
	if lex.pos != len(lex.input) {
		return Term{}, errs.Malformed(input, "unexpected trailing content")
	}
	if err := term.Validate(); err != nil {
		return Term{}, errs.Malformed(input, "%v", err)
	}
	return term, nil
}

type termLexer struct {
	input string
	pos   int
}

func (l *termLexer) skipSpace() {
	for l.pos < len(l.input) && (l.input[l.pos] == ' ' || l.input[l.pos] == '\t') {
		l.pos++
	}
}

func (l *termLexer) consume(b byte) bool {
	if l.pos < len(l.input) && l.input[l.pos] == b {
		l.pos++
		return true
	}
	return false
}

func (l *termLexer) term() (Term, error) {
	if l.pos >= len(l.input) {
		return Term{}, fmt.Errorf("unexpected end of statement")
	}

	switch {
	case l.input[l.pos] == '<':
		iri, err := l.iri()
		if err != nil {
			return Term{}, err
		}
		return NewIRI(iri), nil
	case strings.HasPrefix(l.input[l.pos:], "_:"):
		l.pos += 2
		start := l.pos
		for l.pos < len(l.input) && !isDelimiter(l.input[l.pos]) {
			l.pos++
		}
		if l.pos == start {
			return Term{}, fmt.Errorf("empty blank node label")
		}
		return NewBlank(l.input[start:l.pos]), nil
	case l.input[l.pos] == '"':
		return l.literal()
	default:
		name := l.prefixedName()
		if name == "" {
			return Term{}, fmt.Errorf("unexpected character %q at offset %d", l.input[l.pos], l.pos)
		}
		return NewIRI(name), nil
	}
}

func (l *termLexer) iri() (string, error) {
	end := strings.IndexByte(l.input[l.pos:], '>')
	if end < 0 {
		return "", fmt.Errorf("unterminated IRI at offset %d", l.pos)
	}
	raw := l.input[l.pos+1 : l.pos+end]
	l.pos += end + 1
	if raw == "" {
		return "", fmt.Errorf("empty IRI")
	}
	return unescapeIRI(raw)
}

func (l *termLexer) prefixedName() string {
	start := l.pos
	for l.pos < len(l.input) && !isDelimiter(l.input[l.pos]) {
		l.pos++
	}
	name := l.input[start:l.pos]
	// A trailing '.' belongs to the statement terminator, not the name.
	for strings.HasSuffix(name, ".") {
		name = name[:len(name)-1]
		l.pos--
	}
	if !isPrefixedName(name) {
		l.pos = start
		return ""
	}
	return name
}

func (l *termLexer) literal() (Term, error) {
	l.pos++ // opening quote
	var value strings.Builder
	closed := false
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '"' {
			l.pos++
			closed = true
			break
		}
		if c == '\\' {
			if l.pos+1 >= len(l.input) {
				return Term{}, fmt.Errorf("dangling escape in literal")
			}
			r, width, err := unescapeAt(l.input, l.pos)
			if err != nil {
				return Term{}, err
			}
			value.WriteRune(r)
			l.pos += width
			continue
		}
		value.WriteByte(c)
		l.pos++
	}
	if !closed {
		return Term{}, fmt.Errorf("unterminated literal")
	}

	switch {
	case l.consume('@'):
		start := l.pos
		for l.pos < len(l.input) && !isDelimiter(l.input[l.pos]) {
			l.pos++
		}
		lang := strings.TrimSuffix(l.input[start:l.pos], ".")
		l.pos = start + len(lang)
		if lang == "" {
			return Term{}, fmt.Errorf("empty language tag")
		}
		return NewLangLiteral(value.String(), lang), nil
	case strings.HasPrefix(l.input[l.pos:], "^^"):
		l.pos += 2
		if l.pos < len(l.input) && l.input[l.pos] == '<' {
			dt, err := l.iri()
			if err != nil {
				return Term{}, err
			}
			return NewTypedLiteral(value.String(), dt), nil
		}
		dt := l.prefixedName()
		if dt == "" {
			return Term{}, fmt.Errorf("missing datatype after ^^")
		}
		return NewTypedLiteral(value.String(), dt), nil
	default:
		return NewLiteral(value.String()), nil
	}
}

func isDelimiter(c byte) bool {
	return c == ' ' || c == '\t' || c == '<' || c == '"'
}

// isPrefixedName checks if a value looks like a prefixed name such as "ex:a".
func isPrefixedName(value string) bool {
	colonIndex := strings.Index(value, ":")
	if colonIndex <= 0 || colonIndex == len(value)-1 {
		return false
	}
	for _, char := range value[:colonIndex] {
		if !((char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') || (char >= '0' && char <= '9') || char == '_' || char == '-') {
			return false
		}
	}
	return !strings.ContainsAny(value, " \t\n\r<>\"{}|^`\\")
}

func unescapeAt(s string, pos int) (rune, int, error) {
	switch s[pos+1] {
	case '\\':
		return '\\', 2, nil
	case '"':
		return '"', 2, nil
	case 'n':
		return '\n', 2, nil
	case 'r':
		return '\r', 2, nil
	case 't':
		return '\t', 2, nil
	case 'u', 'U':
		width := 4
		if s[pos+1] == 'U' {
			width = 8
		}
		if pos+2+width > len(s) {
			return 0, 0, fmt.Errorf("short unicode escape")
		}
		var r rune
		if _, err := fmt.Sscanf(s[pos+2:pos+2+width], "%x", &r); err != nil {
			return 0, 0, fmt.Errorf("invalid unicode escape: %w", err)
		}
		if !utf8.ValidRune(r) {
			return 0, 0, fmt.Errorf("invalid code point %U", r)
		}
		return r, 2 + width, nil
	default:
		return 0, 0, fmt.Errorf("unknown escape \\%c", s[pos+1])
	}
}

func unescapeIRI(raw string) (string, error) {
	if !strings.Contains(raw, `\`) {
		return raw, nil
	}
	var b strings.Builder
	for i := 0; i < len(raw); {
		if raw[i] == '\\' && i+1 < len(raw) {
			r, width, err := unescapeAt(raw, i)
			if err != nil {
				return "", err
			}
			b.WriteRune(r)
			i += width
			continue
		}
		b.WriteByte(raw[i])
		i++
	}
	return b.String(), nil
}

// escapeLiteral escapes special characters per the N-Triples grammar.
func escapeLiteral(value string) string {
	if !strings.ContainsAny(value, "\\\"\n\r\t") {
		return value
	}

	var builder strings.Builder
	builder.Grow(len(value) + len(value)/8)

	for _, char := range value {
		switch char {
		case '\\':
			builder.WriteString(`\\`)
		case '"':
			builder.WriteString(`\"`)
		case '\n':
			builder.WriteString(`\n`)
		case '\r':
			builder.WriteString(`\r`)
		case '\t':
			builder.WriteString(`\t`)
		default:
			builder.WriteRune(char)
		}
	}

	return builder.String()
}

// escapeIRI escapes characters not allowed in IRIs within angle brackets.
func escapeIRI(iri string) string {
	if !strings.ContainsAny(iri, "<>\" {}") {
		return iri
	}

	var builder strings.Builder
	builder.Grow(len(iri))

	for _, char := range iri {
		switch char {
		case '<':
			builder.WriteString(`\u003C`)
		case '>':
			builder.WriteString(`\u003E`)
		case '"':
			builder.WriteString(`\u0022`)
		case ' ':
			builder.WriteString(`\u0020`)
		case '{':
			builder.WriteString(`\u007B`)
		case '}':
			builder.WriteString(`\u007D`)
		default:
			builder.WriteRune(char)
		}
	}

	return builder.String()
}
