// Package correlate implements the offline correlation engine: it
// reads persisted events of one or more finished scans and applies
// declarative YAML rules to surface repeated indicators and shared
// infrastructure across scans.
//
// Rules are validated against a JSON Schema at load time; a malformed
// rule is rejected with an error naming the offending field and never
// prevents other rules from loading or running.
package correlate

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/reconforge/reconforge/pkg/event"
)

// Scope says whether a rule correlates within one scan or across scans.
type Scope string

const (
	ScopeSingleScan Scope = "single-scan"
	ScopeCrossScan  Scope = "cross-scan"
)

// Op is a match operator over an event field.
type Op string

const (
	OpEq    Op = "eq"
	OpNe    Op = "ne"
	OpIn    Op = "in"
	OpRegex Op = "regex"
	OpGt    Op = "gt"
	OpGte   Op = "gte"
	OpLt    Op = "lt"
	OpLte   Op = "lte"
)

// FlexString accepts any YAML scalar (string, int, bool) as its raw
// text, so criteria can say `value: 50` without quoting.
type FlexString string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *FlexString) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("expected scalar, got %v", node.Kind)
	}
	*s = FlexString(node.Value)
	return nil
}

// Criterion is one field/operator/value tuple of a rule's match set.
type Criterion struct {
	Field  string     `yaml:"field" json:"field"`
	Op     Op         `yaml:"op" json:"op"`
	Value  FlexString `yaml:"value,omitempty" json:"value,omitempty"`
	Values []string   `yaml:"values,omitempty" json:"values,omitempty"`
}

// Threshold is the cardinality condition a candidate group must meet
// to become a finding.
type Threshold struct {
	// MinEvents is the minimum matched events in the group. Default 1.
	MinEvents int `yaml:"minEvents" json:"minEvents"`

	// MinScans is the minimum distinct scans represented in the group.
	// Defaults to 2 for cross-scan rules, 1 otherwise.
	MinScans int `yaml:"minScans" json:"minScans"`
}

// Rule is one declarative correlation pattern.
type Rule struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Scope       Scope          `yaml:"scope,omitempty" json:"scope,omitempty"`
	Match       []Criterion    `yaml:"matchCriteria" json:"matchCriteria"`
	Aggregation []string       `yaml:"aggregation,omitempty" json:"aggregation,omitempty"`
	Threshold   Threshold      `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Confidence  int            `yaml:"confidence" json:"confidence"`
	Risk        event.Severity `yaml:"risk" json:"risk"`
}

//go:embed rules/*.yaml
var builtinFS embed.FS

// ParseRule validates and decodes a single YAML rule document.
func ParseRule(data []byte) (Rule, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Rule{}, fmt.Errorf("%w: not valid YAML: %v", ErrRuleInvalid, err)
	}

	res, err := gojsonschema.Validate(ruleSchemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrRuleInvalid, err)
	}
	if !res.Valid() {
		e := res.Errors()[0]
		return Rule{}, fmt.Errorf("%w: field %s: %s", ErrRuleInvalid, e.Field(), e.Description())
	}

	var r Rule
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrRuleInvalid, err)
	}
	if err := r.normalize(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// normalize applies defaults and the semantic checks the schema cannot
// express: operator/value arity and regex compilability.
func (r *Rule) normalize() error {
	if r.Scope == "" {
		r.Scope = ScopeSingleScan
	}
	if r.Threshold.MinEvents <= 0 {
		r.Threshold.MinEvents = 1
	}
	if r.Threshold.MinScans <= 0 {
		if r.Scope == ScopeCrossScan {
			r.Threshold.MinScans = 2
		} else {
			r.Threshold.MinScans = 1
		}
	}

	for i, c := range r.Match {
		switch c.Op {
		case OpIn:
			if len(c.Values) == 0 {
				return fmt.Errorf("%w: rule %s: matchCriteria.%d: op in requires values", ErrRuleInvalid, r.ID, i)
			}
		default:
			if c.Value == "" {
				return fmt.Errorf("%w: rule %s: matchCriteria.%d: op %s requires value", ErrRuleInvalid, r.ID, i, c.Op)
			}
		}
		if c.Op == OpRegex {
			if _, err := regexp.Compile(string(c.Value)); err != nil {
				return fmt.Errorf("%w: rule %s: matchCriteria.%d: bad regex: %v", ErrRuleInvalid, r.ID, i, err)
			}
		}
	}
	return nil
}

// LoadDir parses every *.yaml rule file under dir. Invalid rules are
// collected as errors; valid rules load regardless, so one bad file
// never blocks the rest. Rules come back sorted by id.
func LoadDir(dir string) ([]Rule, []error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, []error{err}
	}
	sort.Strings(paths)

	var rules []Rule
	var errs []error
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		r, err := ParseRule(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		rules = append(rules, r)
	}
	sortRules(rules)
	return rules, errs
}

// Builtin returns the embedded rule set shipped with the engine.
func Builtin() ([]Rule, error) {
	entries, err := builtinFS.ReadDir("rules")
	if err != nil {
		return nil, err
	}

	var rules []Rule
	for _, e := range entries {
		data, err := builtinFS.ReadFile("rules/" + e.Name())
		if err != nil {
			return nil, err
		}
		r, err := ParseRule(data)
		if err != nil {
			return nil, fmt.Errorf("builtin %s: %w", e.Name(), err)
		}
		rules = append(rules, r)
	}
	sortRules(rules)
	return rules, nil
}

func sortRules(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
}
