package planner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/patchplan/patchplan/internal/models"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return r
}

func dependencyVuln() models.Vulnerability {
	return models.Vulnerability{
		ID:                "CVE-2024-1111",
		Severity:          models.SeverityHigh,
		AffectedComponent: "payments",
		Package:           "openssl",
		InstalledVersion:  "3.0.11",
		FixedVersion:      "3.0.13",
		FixAvailable:      true,
	}
}

func TestBuildPlans_DependencyUpdate(t *testing.T) {
	p := New(testRegistry(t))
	batch := p.BuildPlans(context.Background(), Request{
		PolicyID:        "pci-dss-baseline",
		RuleID:          "pci-dss-req-6",
		Vulnerabilities: []models.Vulnerability{dependencyVuln()},
		Vars:            map[string]string{"file_path": "go.mod"},
	})

	if len(batch.Discarded) != 0 {
		t.Fatalf("unexpected discards: %+v", batch.Discarded)
	}
	if len(batch.Plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(batch.Plans))
	}

	plan := batch.Plans[0]
	if plan.State != models.PlanStatePending {
		t.Errorf("new plans must be pending, got %s", plan.State)
	}
	if plan.TemplateID != "TEMPLATE-DEPENDENCY-UPDATE" {
		t.Errorf("wrong template: %s", plan.TemplateID)
	}
	if plan.PolicyID != "pci-dss-baseline" || plan.RuleID != "pci-dss-req-6" {
		t.Errorf("provenance not stamped: %+v", plan)
	}

	if len(plan.Actions) != 3 {
		t.Fatalf("expected exactly 3 actions, got %d", len(plan.Actions))
	}
	wantSteps := []models.ActionStep{models.StepIdentify, models.StepUpdate, models.StepVerify}
	for i, step := range wantSteps {
		if plan.Actions[i].Step != step {
			t.Errorf("action %d: expected %s, got %s", i, step, plan.Actions[i].Step)
		}
	}
	if !strings.Contains(plan.Actions[1].Command, "--from 3.0.11 --to 3.0.13") {
		t.Errorf("UPDATE command not bound: %q", plan.Actions[1].Command)
	}
	if strings.Contains(plan.Actions[0].Command, "${") {
		t.Errorf("unexpanded placeholder in %q", plan.Actions[0].Command)
	}
}

func TestBuildPlans_MissingVariableDiscardsWholePlan(t *testing.T) {
	vuln := dependencyVuln()
	vuln.FixedVersion = "" // no binding for fixed_version

	p := New(testRegistry(t))
	batch := p.BuildPlans(context.Background(), Request{
		Vulnerabilities: []models.Vulnerability{vuln},
		Vars:            map[string]string{"file_path": "go.mod"},
	})

	if len(batch.Plans) != 0 {
		t.Fatalf("partial plans must never exist, got %d", len(batch.Plans))
	}
	if len(batch.Discarded) != 1 {
		t.Fatalf("expected 1 discard, got %d", len(batch.Discarded))
	}

	var bindErr *TemplateBindingError
	if !errors.As(batch.Discarded[0].Err, &bindErr) {
		t.Fatalf("expected TemplateBindingError, got %T", batch.Discarded[0].Err)
	}
	if len(bindErr.Missing) != 1 || bindErr.Missing[0] != "fixed_version" {
		t.Errorf("expected missing fixed_version, got %v", bindErr.Missing)
	}
}

func TestBuildPlans_SeverityOrdering(t *testing.T) {
	low := dependencyVuln()
	low.ID, low.Severity = "CVE-LOW", models.SeverityLow
	critical := dependencyVuln()
	critical.ID, critical.Severity = "CVE-CRIT", models.SeverityCritical
	medium := dependencyVuln()
	medium.ID, medium.Severity = "CVE-MED", models.SeverityMedium

	p := New(testRegistry(t))
	batch := p.BuildPlans(context.Background(), Request{
		Vulnerabilities: []models.Vulnerability{low, critical, medium},
		Vars:            map[string]string{"file_path": "go.mod"},
	})

	if len(batch.Plans) != 3 {
		t.Fatalf("expected 3 plans, got %d", len(batch.Plans))
	}
	want := []string{"CVE-CRIT", "CVE-MED", "CVE-LOW"}
	for i, id := range want {
		if batch.Plans[i].VulnerabilityIDs[0] != id {
			t.Errorf("plan %d: expected %s, got %s", i, id, batch.Plans[i].VulnerabilityIDs[0])
		}
	}
}

func TestBuildPlans_ContainerImageClassification(t *testing.T) {
	vuln := models.Vulnerability{
		ID:                "CVE-2024-2222",
		Severity:          models.SeverityCritical,
		AffectedComponent: "index.docker.io/library/nginx:1.25",
		FixedVersion:      "1.27",
	}

	p := New(testRegistry(t))
	batch := p.BuildPlans(context.Background(), Request{
		Vulnerabilities: []models.Vulnerability{vuln},
		Vars:            map[string]string{"file_path": "Dockerfile"},
	})

	if len(batch.Plans) != 1 {
		t.Fatalf("expected 1 plan, got %d (discards: %+v)", len(batch.Plans), batch.Discarded)
	}
	if batch.Plans[0].TemplateID != "TEMPLATE-BASE-IMAGE-UPDATE" {
		t.Errorf("packageless record should classify as image update, got %s", batch.Plans[0].TemplateID)
	}
}

func TestBuildPlans_ConfigurationClassification(t *testing.T) {
	vuln := models.Vulnerability{
		ID:                "AVD-AWS-0107",
		Severity:          models.SeverityHigh,
		AffectedComponent: "prod-cluster",
		Category:          "configuration",
	}

	p := New(testRegistry(t))
	batch := p.BuildPlans(context.Background(), Request{
		Vulnerabilities: []models.Vulnerability{vuln},
		Vars: map[string]string{
			"config_path":   "/etc/app/server.conf",
			"setting_key":   "tls_min_version",
			"desired_value": "1.2",
		},
	})

	if len(batch.Plans) != 1 {
		t.Fatalf("expected 1 plan, got %d (discards: %+v)", len(batch.Plans), batch.Discarded)
	}
	plan := batch.Plans[0]
	if plan.TemplateID != "TEMPLATE-CONFIG-HARDENING" {
		t.Errorf("configuration record should classify to hardening, got %s", plan.TemplateID)
	}
	if plan.Strategy != models.StrategyManual {
		t.Errorf("strategy = %s, want %s", plan.Strategy, models.StrategyManual)
	}
	for _, action := range plan.Actions {
		if strings.Contains(action.Command, "${") {
			t.Errorf("unbound placeholder in %q", action.Command)
		}
	}
}

func TestBind_VersionMustAdvance(t *testing.T) {
	tpl, ok := testRegistry(t).Get("TEMPLATE-DEPENDENCY-UPDATE")
	if !ok {
		t.Fatal("template not registered")
	}

	vars := map[string]string{
		"file_path":       "go.mod",
		"dependency_name": "openssl",
		"current_version": "3.0.13",
		"fixed_version":   "3.0.11",
	}
	_, err := Bind(tpl, vars)

	var bindErr *TemplateBindingError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected TemplateBindingError, got %v", err)
	}
	if !strings.Contains(bindErr.Reason, "does not advance") {
		t.Errorf("unexpected reason: %q", bindErr.Reason)
	}
}

func TestBind_UnparseableVersion(t *testing.T) {
	tpl, _ := testRegistry(t).Get("TEMPLATE-DEPENDENCY-UPDATE")

	vars := map[string]string{
		"file_path":       "go.mod",
		"dependency_name": "openssl",
		"current_version": "not-a-version",
		"fixed_version":   "3.0.13",
	}
	if _, err := Bind(tpl, vars); err == nil {
		t.Errorf("expected version parse error")
	}
}

func TestRegistry_LoadDirOverridesEmbedded(t *testing.T) {
	dir := t.TempDir()
	doc := `{
		"id": "TEMPLATE-DEPENDENCY-PATCH",
		"vulnerability_type": "dependency",
		"strategy": "MANUAL",
		"steps": [
			{"step": "IDENTIFY", "command": "echo identify"},
			{"step": "UPDATE", "command": "echo update"},
			{"step": "VERIFY", "command": "echo verify"}
		],
		"variables": []
	}`
	if err := os.WriteFile(filepath.Join(dir, "override.json"), []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	r := testRegistry(t)
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}

	tpl, ok := r.ForVulnerabilityType("dependency")
	if !ok || tpl.ID != "TEMPLATE-DEPENDENCY-PATCH" {
		t.Errorf("override not applied, got %+v", tpl)
	}
}

func TestRegistry_RejectsBadStepSequence(t *testing.T) {
	dir := t.TempDir()
	doc := `{
		"id": "TEMPLATE-BAD",
		"vulnerability_type": "dependency",
		"strategy": "AUTOMATED",
		"steps": [
			{"step": "UPDATE", "command": "echo update"}
		],
		"variables": []
	}`
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	r := testRegistry(t)
	if err := r.LoadDir(dir); err == nil {
		t.Errorf("expected validation error for bad step sequence")
	}
}

func TestBuildPlans_CallerVarsWin(t *testing.T) {
	p := New(testRegistry(t))
	batch := p.BuildPlans(context.Background(), Request{
		Vulnerabilities: []models.Vulnerability{dependencyVuln()},
		Vars: map[string]string{
			"file_path":     "go.mod",
			"fixed_version": "3.0.14",
		},
	})

	if len(batch.Plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(batch.Plans))
	}
	if !strings.Contains(batch.Plans[0].Actions[1].Command, "--to 3.0.14") {
		t.Errorf("caller var did not win: %q", batch.Plans[0].Actions[1].Command)
	}
}
