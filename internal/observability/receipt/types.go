// Package receipt provides stable evidence artifacts for audit/compliance.
package receipt

// ReceiptSchemaVersion current
const ReceiptSchemaVersion = "1.0"

// Receipt structure
type Receipt struct {
	SchemaVersion string          `json:"schema_version"`
	OpID          string          `json:"op_id"`
	TsStart       string          `json:"ts_start"`
	TsEnd         string          `json:"ts_end"`
	Command       string          `json:"command"`
	Args          []string        `json:"args"`
	ArgsRedacted  bool            `json:"args_redacted,omitempty"` // true if any args were sanitized
	Result        Result          `json:"result"`
	Ingest        *IngestSummary  `json:"ingest,omitempty"`
	Policy        *PolicySummary  `json:"policy,omitempty"`
	Plans         []PlanSummary   `json:"plans,omitempty"`
	Rollback      *ActionSummary  `json:"rollback,omitempty"`
}

// Result status
type Result struct {
	Status string `json:"status"` // "success" or "fail"
	Error  string `json:"error,omitempty"`
}

// IngestSummary detail
type IngestSummary struct {
	Source   string `json:"source"`
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
}

// PolicySummary detail
type PolicySummary struct {
	PolicyID string    `json:"policy_id"`
	Version  int       `json:"version,omitempty"`
	Mode     string    `json:"mode,omitempty"` // blocking|warning
	Status   string    `json:"status"`         // pass|warn|fail
	RulesHit []RuleHit `json:"rules_hit,omitempty"`
}

// RuleHit detail
type RuleHit struct {
	Name          string   `json:"name"`
	Severity      string   `json:"severity"` // critical|high|medium|low
	MissingFields []string `json:"missing_fields,omitempty"`
}

// PlanSummary one remediation plan touched by the command
type PlanSummary struct {
	PlanID     string   `json:"plan_id"`
	State      string   `json:"state"`
	Severity   string   `json:"severity,omitempty"`
	TemplateID string   `json:"template_id,omitempty"`
	VulnIDs    []string `json:"vuln_ids,omitempty"`
	Actor      string   `json:"actor,omitempty"`
}

// ActionSummary rollback/apply execution detail
type ActionSummary struct {
	PlanID         string `json:"plan_id"`
	AppliedActions int    `json:"applied_actions"`
	Restored       bool   `json:"restored"`
	DriftDetected  bool   `json:"drift_detected,omitempty"`
}
