package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/patchplan/patchplan/internal/models"
)

// trivyReport is the subset of Trivy's JSON report we consume.
type trivyReport struct {
	ArtifactName string        `json:"ArtifactName"`
	ArtifactType string        `json:"ArtifactType"`
	Results      []trivyResult `json:"Results"`
}

type trivyResult struct {
	Target            string         `json:"Target"`
	Vulnerabilities   []trivyVuln    `json:"Vulnerabilities"`
	Misconfigurations []trivyMisconf `json:"Misconfigurations"`
}

type trivyVuln struct {
	VulnerabilityID  string `json:"VulnerabilityID"`
	Title            string `json:"Title"`
	Severity         string `json:"Severity"`
	PkgName          string `json:"PkgName"`
	InstalledVersion string `json:"InstalledVersion"`
	FixedVersion     string `json:"FixedVersion"`
	PublishedDate    string `json:"PublishedDate"`
}

type trivyMisconf struct {
	ID         string `json:"ID"`
	Title      string `json:"Title"`
	Severity   string `json:"Severity"`
	Status     string `json:"Status"`
	Resolution string `json:"Resolution"`
}

// Trivy normalizes a Trivy JSON report. Records missing an ID or
// carrying unknown severity are rejected individually; the remaining
// batch still ingests.
func Trivy(data []byte) (*models.IngestReport, error) {
	var report trivyReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse trivy report: %w", err)
	}

	component := normalizeComponent(report.ArtifactName, report.ArtifactType)

	out := &models.IngestReport{Source: FormatTrivy}
	index := 0
	for _, result := range report.Results {
		target := result.Target
		if target == "" {
			target = component
		}
		for _, v := range result.Vulnerabilities {
			rec, err := normalizeTrivyVuln(v, target)
			if err != nil {
				out.Rejected = append(out.Rejected, models.IngestError{
					Index:  index,
					Reason: err.Error(),
				})
			} else {
				out.Vulnerabilities = append(out.Vulnerabilities, rec)
			}
			index++
		}
		for _, m := range result.Misconfigurations {
			// Passing checks are not findings.
			if m.Status == "PASS" {
				continue
			}
			rec, err := normalizeTrivyMisconf(m, target)
			if err != nil {
				out.Rejected = append(out.Rejected, models.IngestError{
					Index:  index,
					Reason: err.Error(),
				})
			} else {
				out.Vulnerabilities = append(out.Vulnerabilities, rec)
			}
			index++
		}
	}

	out.Vulnerabilities = Dedupe(out.Vulnerabilities)
	return out, nil
}

func normalizeTrivyVuln(v trivyVuln, component string) (models.Vulnerability, error) {
	if v.VulnerabilityID == "" {
		return models.Vulnerability{}, fmt.Errorf("record has no VulnerabilityID")
	}
	severity, ok := normalizeSeverity(v.Severity)
	if !ok {
		return models.Vulnerability{}, fmt.Errorf("record %s has unknown severity %q", v.VulnerabilityID, v.Severity)
	}

	discovered := time.Now().UTC()
	if v.PublishedDate != "" {
		if ts, err := time.Parse(time.RFC3339, v.PublishedDate); err == nil {
			discovered = ts
		}
	}

	return models.Vulnerability{
		ID:                v.VulnerabilityID,
		Title:             v.Title,
		Severity:          severity,
		AffectedComponent: component,
		Package:           v.PkgName,
		InstalledVersion:  v.InstalledVersion,
		FixedVersion:      v.FixedVersion,
		FixAvailable:      v.FixedVersion != "",
		DiscoveredAt:      discovered,
		Source:            FormatTrivy,
	}, nil
}

func normalizeTrivyMisconf(m trivyMisconf, component string) (models.Vulnerability, error) {
	if m.ID == "" {
		return models.Vulnerability{}, fmt.Errorf("misconfiguration record has no ID")
	}
	severity, ok := normalizeSeverity(m.Severity)
	if !ok {
		return models.Vulnerability{}, fmt.Errorf("record %s has unknown severity %q", m.ID, m.Severity)
	}

	return models.Vulnerability{
		ID:                m.ID,
		Title:             m.Title,
		Severity:          severity,
		AffectedComponent: component,
		FixAvailable:      m.Resolution != "",
		DiscoveredAt:      time.Now().UTC(),
		Source:            FormatTrivy,
		Category:          "configuration",
	}, nil
}

// normalizeComponent canonicalizes image-scan artifact names through the
// registry reference parser so "nginx:1.25" and its fully-qualified form
// land on the same component key. Non-image artifacts pass through.
func normalizeComponent(artifactName, artifactType string) string {
	if artifactName == "" {
		return ""
	}
	if artifactType != "" && artifactType != "container_image" {
		return artifactName
	}

	ref, err := name.ParseReference(artifactName)
	if err != nil {
		return artifactName
	}
	return ref.Name()
}
