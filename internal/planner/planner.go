package planner

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/patchplan/patchplan/internal/models"
	"github.com/patchplan/patchplan/internal/observability/logging"
)

// Planner builds pending remediation plans from flagged vulnerabilities.
type Planner struct {
	registry *Registry
}

func New(registry *Registry) *Planner {
	return &Planner{registry: registry}
}

// Request bundles the planner inputs: the vulnerabilities a policy run
// flagged, optional rule provenance, and caller-supplied variables
// (file paths and the like) merged into every binding context.
type Request struct {
	PolicyID        string
	RuleID          string
	Vulnerabilities []models.Vulnerability
	Vars            map[string]string
}

// Discarded records one plan that failed construction. Discards are
// surfaced, never silently skipped.
type Discarded struct {
	VulnerabilityID string
	Err             error
}

// Batch is the planner output: plans in severity order (critical first,
// stable within a severity) so approval queues surface the highest risk
// first, plus every discarded candidate.
type Batch struct {
	Plans     []*models.RemediationPlan
	Discarded []Discarded
}

// BuildPlans maps each vulnerability to its template, binds variables,
// and emits one pending plan per successful binding.
func (p *Planner) BuildPlans(ctx context.Context, req Request) *Batch {
	log := logging.From(ctx)

	vulns := make([]models.Vulnerability, len(req.Vulnerabilities))
	copy(vulns, req.Vulnerabilities)
	sort.SliceStable(vulns, func(i, j int) bool {
		return models.SeverityRank(vulns[i].Severity) < models.SeverityRank(vulns[j].Severity)
	})

	batch := &Batch{}
	for _, vuln := range vulns {
		plan, err := p.buildPlan(req, vuln)
		if err != nil {
			log.Error("planner", "plan discarded",
				"vulnerability_id", vuln.ID, "error", err.Error())
			batch.Discarded = append(batch.Discarded, Discarded{
				VulnerabilityID: vuln.ID,
				Err:             err,
			})
			continue
		}
		batch.Plans = append(batch.Plans, plan)
	}
	return batch
}

func (p *Planner) buildPlan(req Request, vuln models.Vulnerability) (*models.RemediationPlan, error) {
	vulnType := classify(vuln)
	tpl, ok := p.registry.ForVulnerabilityType(vulnType)
	if !ok {
		return nil, &TemplateBindingError{
			TemplateID: "",
			Reason:     "no template registered for vulnerability type " + vulnType,
		}
	}

	actions, err := Bind(tpl, bindingContext(vuln, req.Vars))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &models.RemediationPlan{
		ID:               uuid.NewString(),
		PolicyID:         req.PolicyID,
		RuleID:           req.RuleID,
		TemplateID:       tpl.ID,
		VulnerabilityIDs: []string{vuln.ID},
		Severity:         vuln.Severity,
		Strategy:         tpl.Strategy,
		Actions:          actions,
		State:            models.PlanStatePending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// classify picks the template class for a vulnerability record. An
// explicit ingest category wins; otherwise a package pins the record to
// a dependency update and packageless records fall back to the image.
func classify(vuln models.Vulnerability) string {
	if vuln.Category != "" {
		return vuln.Category
	}
	if vuln.Package != "" {
		return "dependency"
	}
	return "container_image"
}

// bindingContext merges vulnerability fields under their template
// variable names with caller-supplied vars. Caller vars win.
func bindingContext(vuln models.Vulnerability, extra map[string]string) map[string]string {
	vars := map[string]string{
		"dependency_name": vuln.Package,
		"current_version": vuln.InstalledVersion,
		"fixed_version":   vuln.FixedVersion,
		"image_ref":       vuln.AffectedComponent,
		"fixed_tag":       vuln.FixedVersion,
	}
	for k, v := range extra {
		if v != "" {
			vars[k] = v
		}
	}
	return vars
}
