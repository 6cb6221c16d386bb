package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/patchplan/patchplan/internal/models"
)

// genericRecord is the scanner-agnostic input shape: a JSON list of
// flat vulnerability objects.
type genericRecord struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	Severity          string `json:"severity"`
	AffectedComponent string `json:"affected_component"`
	Package           string `json:"package"`
	InstalledVersion  string `json:"installed_version"`
	FixedVersion      string `json:"fixed_version"`
	FixAvailable      *bool  `json:"fix_available"`
	DiscoveredAt      string `json:"discovered_at"`
	Source            string `json:"source"`
	Category          string `json:"category"`
}

// Generic normalizes a JSON array of vulnerability objects. Elements are
// decoded one at a time so a single malformed element is rejected on its
// own and the rest of the batch ingests.
func Generic(data []byte) (*models.IngestReport, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse payload: expected a JSON array: %w", err)
	}

	out := &models.IngestReport{Source: FormatGeneric}
	for i, msg := range raw {
		var rec genericRecord
		if err := json.Unmarshal(msg, &rec); err != nil {
			out.Rejected = append(out.Rejected, models.IngestError{
				Index:  i,
				Reason: fmt.Sprintf("malformed record: %v", err),
			})
			continue
		}

		vuln, err := normalizeGeneric(rec)
		if err != nil {
			out.Rejected = append(out.Rejected, models.IngestError{
				Index:  i,
				Reason: err.Error(),
			})
			continue
		}
		out.Vulnerabilities = append(out.Vulnerabilities, vuln)
	}

	out.Vulnerabilities = Dedupe(out.Vulnerabilities)
	return out, nil
}

func normalizeGeneric(rec genericRecord) (models.Vulnerability, error) {
	if rec.ID == "" {
		return models.Vulnerability{}, fmt.Errorf("record has no id")
	}
	severity, ok := normalizeSeverity(rec.Severity)
	if !ok {
		return models.Vulnerability{}, fmt.Errorf("record %s has unknown severity %q", rec.ID, rec.Severity)
	}

	discovered := time.Now().UTC()
	if rec.DiscoveredAt != "" {
		ts, err := time.Parse(time.RFC3339, rec.DiscoveredAt)
		if err != nil {
			return models.Vulnerability{}, fmt.Errorf("record %s has invalid discovered_at: %v", rec.ID, err)
		}
		discovered = ts
	}

	fixAvailable := rec.FixedVersion != ""
	if rec.FixAvailable != nil {
		fixAvailable = *rec.FixAvailable
	}

	source := rec.Source
	if source == "" {
		source = FormatGeneric
	}

	return models.Vulnerability{
		ID:                rec.ID,
		Title:             rec.Title,
		Severity:          severity,
		AffectedComponent: rec.AffectedComponent,
		Package:           rec.Package,
		InstalledVersion:  rec.InstalledVersion,
		FixedVersion:      rec.FixedVersion,
		FixAvailable:      fixAvailable,
		DiscoveredAt:      discovered,
		Source:            source,
		Category:          rec.Category,
	}, nil
}
