package models

import "time"

// Vulnerability is the canonical record scanner outputs normalize into.
// The ID is the stable external identifier (e.g. a CVE).
type Vulnerability struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	Severity          Severity  `json:"severity"`
	AffectedComponent string    `json:"affected_component"`
	Package           string    `json:"package,omitempty"`
	InstalledVersion  string    `json:"installed_version,omitempty"`
	FixedVersion      string    `json:"fixed_version,omitempty"`
	FixAvailable      bool      `json:"fix_available"`
	DiscoveredAt      time.Time `json:"discovered_at"`
	Source            string    `json:"source,omitempty"`
	// Category overrides the package-based template classification;
	// ingest sets it to "configuration" for misconfiguration findings.
	Category string `json:"category,omitempty"`
}

// IngestError one rejected record; the rest of the batch proceeds
type IngestError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// IngestReport outcome of one normalization batch
type IngestReport struct {
	Source          string          `json:"source"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	Rejected        []IngestError   `json:"rejected,omitempty"`
}
