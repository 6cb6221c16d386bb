// Package planner maps flagged vulnerabilities onto remediation
// templates and builds approval-ready plans.
package planner

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/patchplan/patchplan/internal/models"
)

//go:embed templates/*.json
var templateFS embed.FS

// Registry holds remediation templates keyed by vulnerability type.
type Registry struct {
	byType map[string]models.RemediationTemplate
	byID   map[string]models.RemediationTemplate
}

// NewRegistry returns a registry seeded with the embedded default
// templates. Additional documents layer on top via LoadDir.
func NewRegistry() (*Registry, error) {
	r := &Registry{
		byType: map[string]models.RemediationTemplate{},
		byID:   map[string]models.RemediationTemplate{},
	}

	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded templates: %w", err)
	}
	for _, entry := range entries {
		data, err := templateFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, err
		}
		if err := r.add(data, entry.Name()); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadDir registers every *.json template document in dir, overriding
// embedded defaults with the same vulnerability type.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read template dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read template %s: %w", entry.Name(), err)
		}
		if err := r.add(data, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) add(data []byte, origin string) error {
	var tpl models.RemediationTemplate
	if err := json.Unmarshal(data, &tpl); err != nil {
		return fmt.Errorf("failed to parse template %s: %w", origin, err)
	}
	if err := validateTemplate(tpl); err != nil {
		return fmt.Errorf("invalid template %s: %w", origin, err)
	}
	r.byType[tpl.VulnerabilityType] = tpl
	r.byID[tpl.ID] = tpl
	return nil
}

// ForVulnerabilityType selects the template matching a vulnerability class.
func (r *Registry) ForVulnerabilityType(vulnType string) (models.RemediationTemplate, bool) {
	tpl, ok := r.byType[vulnType]
	return tpl, ok
}

// Get returns a template by its document ID.
func (r *Registry) Get(id string) (models.RemediationTemplate, bool) {
	tpl, ok := r.byID[id]
	return tpl, ok
}

// validateTemplate enforces the document contract: identity fields and
// exactly the IDENTIFY, UPDATE, VERIFY step sequence. Bad documents are
// configuration errors and block loading outright.
func validateTemplate(tpl models.RemediationTemplate) error {
	if tpl.ID == "" {
		return fmt.Errorf("template must have an id")
	}
	if tpl.VulnerabilityType == "" {
		return fmt.Errorf("template must declare a vulnerability_type")
	}
	switch tpl.Strategy {
	case models.StrategyAutomated, models.StrategyManual:
	default:
		return fmt.Errorf("unknown strategy %q", tpl.Strategy)
	}

	wantSteps := []models.ActionStep{models.StepIdentify, models.StepUpdate, models.StepVerify}
	if len(tpl.Steps) != len(wantSteps) {
		return fmt.Errorf("template must have exactly %d steps, got %d", len(wantSteps), len(tpl.Steps))
	}
	for i, step := range tpl.Steps {
		if step.Step != wantSteps[i] {
			return fmt.Errorf("step %d must be %s, got %s", i, wantSteps[i], step.Step)
		}
		if step.Command == "" {
			return fmt.Errorf("step %s has no command", step.Step)
		}
	}
	return nil
}
