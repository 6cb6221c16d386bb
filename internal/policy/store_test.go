package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/patchplan/patchplan/internal/models"
)

const minimalPolicy = `
id: test-policy
name: Test Policy
rules:
  - id: r1
    name: rule one
    severity: high
    condition:
      field: network.firewall.enabled
      operator: equals
      value: true
`

func TestParse_AppliesDefaults(t *testing.T) {
	pol, err := Parse([]byte(minimalPolicy))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if pol.Version != 1 {
		t.Errorf("expected default version 1, got %d", pol.Version)
	}
	if pol.EnforcementMode != models.EnforcementBlocking {
		t.Errorf("expected default blocking mode, got %q", pol.EnforcementMode)
	}
	if pol.Status != models.PolicyStatusPublished {
		t.Errorf("expected default published status, got %q", pol.Status)
	}
}

func TestParse_RejectsBadVocabulary(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"missing id", "name: x\nrules: [{id: r, name: n, severity: low, condition: {field: a, operator: exists}}]", "must have an id"},
		{"no rules", "id: p\nname: x", "at least one rule"},
		{"bad mode", "id: p\nenforcement_mode: advisory\nrules: [{id: r, name: n, severity: low, condition: {field: a, operator: exists}}]", "enforcement_mode"},
		{"bad severity", "id: p\nrules: [{id: r, name: n, severity: urgent, condition: {field: a, operator: exists}}]", "severity"},
		{"bad type", "id: p\ntype: vibes\nrules: [{id: r, name: n, severity: low, condition: {field: a, operator: exists}}]", "type"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil {
				t.Fatalf("expected parse error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestStore_PutRefusesRepublish(t *testing.T) {
	st := NewStore(t.TempDir())
	pol, err := Parse([]byte(minimalPolicy))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if err := st.Put(pol); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}

	// Same version again, even byte-identical, must be refused.
	if err := st.Put(pol); err == nil {
		t.Fatalf("expected immutability error on re-publish")
	}

	// Lower version than latest is refused too.
	pol.Version = 3
	if err := st.Put(pol); err != nil {
		t.Fatalf("Put v3 failed: %v", err)
	}
	pol.Version = 2
	if err := st.Put(pol); err == nil {
		t.Fatalf("expected immutability error for version below latest")
	}
}

func TestStore_LatestAndGet(t *testing.T) {
	st := NewStore(t.TempDir())
	pol, _ := Parse([]byte(minimalPolicy))

	if err := st.Put(pol); err != nil {
		t.Fatalf("Put v1 failed: %v", err)
	}
	pol.Version = 2
	pol.Name = "Test Policy (revised)"
	if err := st.Put(pol); err != nil {
		t.Fatalf("Put v2 failed: %v", err)
	}

	latest, err := st.Latest("test-policy")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.Version != 2 || latest.Name != "Test Policy (revised)" {
		t.Errorf("Latest returned v%d %q", latest.Version, latest.Name)
	}

	v1, err := st.Get("test-policy", 1)
	if err != nil {
		t.Fatalf("Get v1 failed: %v", err)
	}
	if v1.Name != "Test Policy" {
		t.Errorf("old version changed: %q", v1.Name)
	}
}

func TestStore_LatestUnknownPolicy(t *testing.T) {
	st := NewStore(t.TempDir())
	if _, err := st.Latest("nope"); err == nil {
		t.Errorf("expected not-found error")
	}
}

func TestStore_ListReturnsLatestPerID(t *testing.T) {
	st := NewStore(t.TempDir())

	a, _ := Parse([]byte(minimalPolicy))
	a.ID = "alpha"
	if err := st.Put(a); err != nil {
		t.Fatalf("Put alpha: %v", err)
	}
	a.Version = 2
	if err := st.Put(a); err != nil {
		t.Fatalf("Put alpha v2: %v", err)
	}

	b, _ := Parse([]byte(minimalPolicy))
	b.ID = "beta"
	if err := st.Put(b); err != nil {
		t.Fatalf("Put beta: %v", err)
	}

	policies, err := st.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(policies))
	}
	if policies[0].ID != "alpha" || policies[0].Version != 2 {
		t.Errorf("expected alpha v2 first, got %s v%d", policies[0].ID, policies[0].Version)
	}
	if policies[1].ID != "beta" {
		t.Errorf("expected beta second, got %s", policies[1].ID)
	}
}

func TestParseFilename(t *testing.T) {
	cases := []struct {
		in      string
		id      string
		version int
		ok      bool
	}{
		{"pci-dss-baseline@v3.yaml", "pci-dss-baseline", 3, true},
		{"a@v1.yaml", "a", 1, true},
		{"noversion.yaml", "", 0, false},
		{"@v1.yaml", "", 0, false},
		{"p@v0.yaml", "", 0, false},
		{"p@v1.json", "", 0, false},
	}

	for _, tc := range cases {
		id, version, ok := parseFilename(tc.in)
		if ok != tc.ok || id != tc.id || version != tc.version {
			t.Errorf("parseFilename(%q) = (%q, %d, %v), want (%q, %d, %v)",
				tc.in, id, version, ok, tc.id, tc.version, tc.ok)
		}
	}
}

func TestPresets_LoadAndValidate(t *testing.T) {
	engine := newTestEngine(t)
	for _, name := range ListPresetNames() {
		pol := GetPreset(name)
		if pol == nil {
			t.Fatalf("preset %q failed to load", name)
		}
		if err := engine.CompileAndValidate(pol); err != nil {
			t.Errorf("preset %q does not validate: %v", name, err)
		}
	}
}

func TestPreset_PCIBaselineFirewallRule(t *testing.T) {
	pol := MustGetPreset("pci-dss-baseline")

	engine := newTestEngine(t)
	report, err := engine.Evaluate(context.Background(), pol, map[string]interface{}{
		"network.firewall.enabled":            true,
		"network.firewall.rules.default_deny": false,
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	var firewall *models.RuleResult
	for i := range report.Results {
		if report.Results[i].RuleID == "pci-dss-req-1" {
			firewall = &report.Results[i]
		}
	}
	if firewall == nil {
		t.Fatalf("pci-dss-req-1 not found in report")
	}
	if firewall.Matched {
		t.Errorf("default_deny=false must fail the firewall rule")
	}
}
