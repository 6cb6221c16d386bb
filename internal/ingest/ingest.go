// Package ingest normalizes scanner outputs into canonical vulnerability
// records. One malformed record never blocks the rest of its batch.
package ingest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/patchplan/patchplan/internal/models"
)

// Supported payload formats.
const (
	FormatTrivy   = "trivy"
	FormatGeneric = "generic"
)

// Normalize dispatches on payload format.
func Normalize(format string, data []byte) (*models.IngestReport, error) {
	switch format {
	case FormatTrivy:
		return Trivy(data)
	case FormatGeneric:
		return Generic(data)
	default:
		return nil, fmt.Errorf("unknown scanner format: %s (use trivy or generic)", format)
	}
}

// normalizeSeverity maps scanner severity vocabulary onto ours.
func normalizeSeverity(s string) (models.Severity, bool) {
	switch strings.ToLower(s) {
	case "critical":
		return models.SeverityCritical, true
	case "high":
		return models.SeverityHigh, true
	case "medium", "moderate":
		return models.SeverityMedium, true
	case "low", "negligible", "info", "informational":
		return models.SeverityLow, true
	default:
		return "", false
	}
}

// Dedupe collapses records sharing (id, component), keeping the highest
// severity. Output order is stable: severity rank, then id.
func Dedupe(vulns []models.Vulnerability) []models.Vulnerability {
	type key struct{ id, component string }
	seen := make(map[key]models.Vulnerability)
	for _, v := range vulns {
		k := key{v.ID, v.AffectedComponent}
		if existing, ok := seen[k]; ok {
			if models.SeverityRank(v.Severity) >= models.SeverityRank(existing.Severity) {
				continue
			}
		}
		seen[k] = v
	}

	out := make([]models.Vulnerability, 0, len(seen))
	for _, v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := models.SeverityRank(out[i].Severity), models.SeverityRank(out[j].Severity)
		if ri != rj {
			return ri < rj
		}
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].AffectedComponent < out[j].AffectedComponent
	})
	return out
}

// Facts derives evaluator inputs from a batch of vulnerabilities:
// severity counters, a fix-available flag, and per-component counts.
func Facts(vulns []models.Vulnerability) map[string]interface{} {
	counts := map[models.Severity]int{}
	fixAvailable := false
	components := map[string]int{}

	for _, v := range vulns {
		counts[v.Severity]++
		if v.FixAvailable {
			fixAvailable = true
		}
		if v.AffectedComponent != "" {
			components[v.AffectedComponent]++
		}
	}

	facts := map[string]interface{}{
		"vuln.count.total":    len(vulns),
		"vuln.count.critical": counts[models.SeverityCritical],
		"vuln.count.high":     counts[models.SeverityHigh],
		"vuln.count.medium":   counts[models.SeverityMedium],
		"vuln.count.low":      counts[models.SeverityLow],
		"vuln.fix_available":  fixAvailable,
	}
	for component, n := range components {
		facts["vuln.component."+component] = n
	}
	return facts
}
