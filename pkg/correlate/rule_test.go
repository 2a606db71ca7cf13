package correlate

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sharedIPRule = `
id: shared_ip
name: IP address shared across scans
scope: cross-scan
matchCriteria:
  - field: type
    op: eq
    value: IP_ADDRESS
aggregation: [data]
threshold:
  minScans: 2
confidence: 80
risk: medium
`

func TestParseRule_Valid(t *testing.T) {
	r, err := ParseRule([]byte(sharedIPRule))
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	if r.ID != "shared_ip" {
		t.Errorf("id = %q, want shared_ip", r.ID)
	}
	if r.Scope != ScopeCrossScan {
		t.Errorf("scope = %q, want cross-scan", r.Scope)
	}
	if r.Threshold.MinScans != 2 {
		t.Errorf("minScans = %d, want 2", r.Threshold.MinScans)
	}
	if r.Threshold.MinEvents != 1 {
		t.Errorf("minEvents = %d, want default 1", r.Threshold.MinEvents)
	}
	if len(r.Match) != 1 || r.Match[0].Op != OpEq {
		t.Errorf("unexpected matchCriteria: %+v", r.Match)
	}
}

func TestParseRule_Defaults(t *testing.T) {
	r, err := ParseRule([]byte(`
id: basic
name: Basic
matchCriteria:
  - field: type
    op: eq
    value: IP_ADDRESS
confidence: 50
risk: info
`))
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	if r.Scope != ScopeSingleScan {
		t.Errorf("scope = %q, want single-scan default", r.Scope)
	}
	if r.Threshold.MinScans != 1 || r.Threshold.MinEvents != 1 {
		t.Errorf("threshold = %+v, want 1/1 defaults", r.Threshold)
	}
}

func TestParseRule_Invalid(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string // substring the error must name
	}{
		{
			name: "missing name",
			doc: `
id: x
matchCriteria: [{field: type, op: eq, value: IP_ADDRESS}]
confidence: 50
risk: info
`,
			want: "name",
		},
		{
			name: "bad operator",
			doc: `
id: x
name: X
matchCriteria: [{field: type, op: matches, value: IP_ADDRESS}]
confidence: 50
risk: info
`,
			want: "op",
		},
		{
			name: "unknown field",
			doc: `
id: x
name: X
matchCriteria: [{field: created, op: eq, value: now}]
confidence: 50
risk: info
`,
			want: "field",
		},
		{
			name: "bad risk label",
			doc: `
id: x
name: X
matchCriteria: [{field: type, op: eq, value: IP_ADDRESS}]
confidence: 50
risk: severe
`,
			want: "risk",
		},
		{
			name: "confidence out of range",
			doc: `
id: x
name: X
matchCriteria: [{field: type, op: eq, value: IP_ADDRESS}]
confidence: 150
risk: info
`,
			want: "confidence",
		},
		{
			name: "in without values",
			doc: `
id: x
name: X
matchCriteria: [{field: type, op: in, value: IP_ADDRESS}]
confidence: 50
risk: info
`,
			want: "values",
		},
		{
			name: "bad regex",
			doc: `
id: x
name: X
matchCriteria: [{field: data, op: regex, value: "["}]
confidence: 50
risk: info
`,
			want: "regex",
		},
		{
			name: "not yaml",
			doc:  "{{nope",
			want: "YAML",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRule([]byte(tc.doc))
			if !errors.Is(err, ErrRuleInvalid) {
				t.Fatalf("err = %v, want ErrRuleInvalid", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not name %q", err, tc.want)
			}
		})
	}
}

func TestParseRule_IntValueAccepted(t *testing.T) {
	r, err := ParseRule([]byte(`
id: risky
name: Risky
matchCriteria:
  - field: risk
    op: gte
    value: 70
confidence: 100
risk: high
`))
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	if got := string(r.Match[0].Value); got != "70" {
		t.Errorf("value = %q, want 70", got)
	}
}

func TestLoadDir_IsolatesBadRules(t *testing.T) {
	dir := t.TempDir()
	good := `
id: good
name: Good
matchCriteria: [{field: type, op: eq, value: IP_ADDRESS}]
confidence: 50
risk: info
`
	bad := `
id: bad
matchCriteria: [{field: type, op: eq, value: IP_ADDRESS}]
confidence: 50
risk: info
`
	if err := os.WriteFile(filepath.Join(dir, "a_good.yaml"), []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b_bad.yaml"), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}

	rules, errs := LoadDir(dir)
	if len(rules) != 1 || rules[0].ID != "good" {
		t.Fatalf("rules = %+v, want only good", rules)
	}
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want exactly one", errs)
	}
	if !errors.Is(errs[0], ErrRuleInvalid) || !strings.Contains(errs[0].Error(), "b_bad.yaml") {
		t.Errorf("error %q should wrap ErrRuleInvalid and name the file", errs[0])
	}
}

func TestBuiltin_AllValid(t *testing.T) {
	rules, err := Builtin()
	if err != nil {
		t.Fatalf("Builtin: %v", err)
	}
	if len(rules) == 0 {
		t.Fatal("no builtin rules embedded")
	}

	seen := map[string]bool{}
	for _, r := range rules {
		if seen[r.ID] {
			t.Errorf("duplicate builtin rule id %s", r.ID)
		}
		seen[r.ID] = true
	}
	for _, id := range []string{"shared_ip", "shared_cert", "high_risk_exposure"} {
		if !seen[id] {
			t.Errorf("builtin set missing %s", id)
		}
	}
}
