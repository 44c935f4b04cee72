// Package harmonize rewrites source graphs into the harmonized vocabulary,
// resolving source instances to shared entity ids and recording where every
// harmonized statement came from.
package harmonize

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coolbeans/graphharmony/pkg/errs"
	"github.com/coolbeans/graphharmony/pkg/store"
)

// Transform names a value rewrite applied to mapped objects.
type Transform string

// Transforms.
const (
	TransformNone      Transform = "none"
	TransformTrim      Transform = "trim"
	TransformLowercase Transform = "lowercase"
	TransformEmail     Transform = "email"
	TransformDecimal   Transform = "decimal"
	TransformDateTime  Transform = "datetime"
	TransformURL       Transform = "url"
)

func (t Transform) valid() bool {
	switch t {
	case "", TransformNone, TransformTrim, TransformLowercase, TransformEmail,
		TransformDecimal, TransformDateTime, TransformURL:
		return true
	}
	return false
}

// dateLayouts are tried in order by the datetime transform.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02 Jan 2006",
	"2 January 2006",
	"Jan 2, 2006",
	"January 2, 2006",
}

// Apply rewrites a value. On error the caller keeps the original value.
func (t Transform) Apply(value store.Term) (store.Term, error) {
	if t == "" || t == TransformNone {
		return value, nil
	}
	if !value.IsLiteral() {
		return value, fmt.Errorf("%s transform needs a literal, got %s", t, value.Key())
	}

	raw := value.Value
	switch t {
	case TransformTrim:
		return withValue(value, strings.TrimSpace(raw)), nil

	case TransformLowercase:
		return withValue(value, strings.ToLower(raw)), nil

	case TransformEmail:
		email := strings.ToLower(strings.TrimSpace(raw))
		at := strings.Index(email, "@")
		if at <= 0 || at == len(email)-1 || strings.Count(email, "@") != 1 || strings.ContainsAny(email, " \t") {
			return value, fmt.Errorf("not an email address: %q", raw)
		}
		return store.NewLiteral(email), nil

	case TransformDecimal:
		cleaned := strings.NewReplacer("$", "", "€", "", "£", "", ",", "", " ", "").Replace(strings.TrimSpace(raw))
		n, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return value, fmt.Errorf("not a decimal: %q", raw)
		}
		return store.NewTypedLiteral(strconv.FormatFloat(n, 'f', -1, 64), store.XSDDecimal), nil

	case TransformDateTime:
		trimmed := strings.TrimSpace(raw)
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, trimmed); err == nil {
				return store.NewTypedLiteral(ts.Format(time.RFC3339), store.XSDDateTime), nil
			}
		}
		return value, fmt.Errorf("unrecognized date: %q", raw)

	case TransformURL:
		s := strings.TrimSpace(raw)
		if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
			s = "https://" + s
		}
		u, err := url.Parse(s)
		if err != nil || u.Host == "" || strings.ContainsAny(u.Host, " \t") {
			return value, fmt.Errorf("not a URL: %q", raw)
		}
		return store.NewTypedLiteral(u.String(), store.XSDAnyURI), nil
	}
	return value, fmt.Errorf("unknown transform %q", t)
}

func withValue(t store.Term, value string) store.Term {
	t.Value = value
	return t
}

// PropertyMapping maps one source predicate to a target predicate.
type PropertyMapping struct {
	Source    string    `yaml:"source"`
	Target    string    `yaml:"target"`
	Transform Transform `yaml:"transform,omitempty"`
}

// MappingRule maps instances of a source class onto a target class.
type MappingRule struct {
	ID          string            `yaml:"id"`
	SourceClass string            `yaml:"sourceClass"`
	TargetClass string            `yaml:"targetClass"`
	Properties  []PropertyMapping `yaml:"properties"`
}

// mapping returns the property mappings for a source predicate.
func (r *MappingRule) mapping(source string) []PropertyMapping {
	var out []PropertyMapping
	for _, p := range r.Properties {
		if p.Source == source {
			out = append(out, p)
		}
	}
	return out
}

type document struct {
	Rules []MappingRule `yaml:"rules"`
}

// LoadMappings reads mapping rules from YAML and validates them.
func LoadMappings(r io.Reader) ([]MappingRule, error) {
	var doc document
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil && err != io.EOF {
		return nil, errs.Malformed("mappings", "failed to parse YAML mappings: %v", err)
	}
	if err := ValidateRules(doc.Rules); err != nil {
		return nil, err
	}
	return doc.Rules, nil
}

// LoadMappingsFile reads mapping rules from a file.
func LoadMappingsFile(filePath string) ([]MappingRule, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read mappings file %s: %w", filePath, err)
	}
	defer f.Close()
	return LoadMappings(f)
}

// canonicalRules copies rules with every class and property IRI in the
// form the graph stores it.
func canonicalRules(rules []MappingRule) []MappingRule {
	out := make([]MappingRule, len(rules))
	for i, rule := range rules {
		rule.SourceClass = store.CanonicalIRI(rule.SourceClass)
		rule.TargetClass = store.CanonicalIRI(rule.TargetClass)
		props := make([]PropertyMapping, len(rule.Properties))
		for j, p := range rule.Properties {
			p.Source = store.CanonicalIRI(p.Source)
			p.Target = store.CanonicalIRI(p.Target)
			props[j] = p
		}
		rule.Properties = props
		out[i] = rule
	}
	return out
}

// ValidateRules checks rule ids, classes and transforms.
func ValidateRules(rules []MappingRule) error {
	seen := make(map[string]bool)
	for i, rule := range rules {
		id := rule.ID
		if id == "" {
			return errs.Malformed(fmt.Sprintf("rules[%d]", i), "rule has no id")
		}
		if seen[id] {
			return errs.Malformed(id, "duplicate rule id")
		}
		seen[id] = true
		if rule.SourceClass == "" || rule.TargetClass == "" {
			return errs.Malformed(id, "rule needs sourceClass and targetClass")
		}
		for j, p := range rule.Properties {
			if p.Source == "" || p.Target == "" {
				return errs.Malformed(id, "property %d needs source and target", j)
			}
			if p.Source == store.RDFType || p.Target == store.RDFType {
				return errs.Malformed(id, "property %d maps rdf:type; use the rule classes", j)
			}
			if !p.Transform.valid() {
				return errs.Malformed(id, "property %d: unknown transform %q", j, p.Transform)
			}
		}
	}
	return nil
}
