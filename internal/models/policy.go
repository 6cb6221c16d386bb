package models

// PolicyType classifies a policy document
type PolicyType string

const (
	PolicyTypeSecurity    PolicyType = "security"
	PolicyTypeCompliance  PolicyType = "compliance"
	PolicyTypeOperational PolicyType = "operational"
)

// EnforcementMode controls exit behavior on failed rules
type EnforcementMode string

const (
	// EnforcementBlocking fails the run when any rule fails.
	EnforcementBlocking EnforcementMode = "blocking"
	// EnforcementWarning reports failed rules but exits zero.
	EnforcementWarning EnforcementMode = "warning"
)

// PolicyStatus lifecycle
type PolicyStatus string

const (
	PolicyStatusDraft     PolicyStatus = "draft"
	PolicyStatusPublished PolicyStatus = "published"
	PolicyStatusRetired   PolicyStatus = "retired"
)

// Severity vocabulary shared by rules and vulnerabilities
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// SeverityRank orders severities, critical first (0). Unknown ranks last.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

// Policy from yaml. Published policies are immutable; edits create a new version.
type Policy struct {
	ID              string          `yaml:"id" json:"id"`
	Name            string          `yaml:"name" json:"name"`
	Version         int             `yaml:"version" json:"version"`
	Type            PolicyType      `yaml:"type" json:"type"`
	EnforcementMode EnforcementMode `yaml:"enforcement_mode" json:"enforcement_mode"`
	Status          PolicyStatus    `yaml:"status" json:"status"`
	Environments    []string        `yaml:"environments" json:"environments,omitempty"`
	Rules           []Rule          `yaml:"rules" json:"rules"`
}

// Rule single condition-tree check with remediation guidance
type Rule struct {
	ID               string    `yaml:"id" json:"id"`
	Name             string    `yaml:"name" json:"name"`
	Severity         Severity  `yaml:"severity" json:"severity"`
	Condition        Condition `yaml:"condition" json:"condition"`
	RemediationSteps []string  `yaml:"remediation_steps" json:"remediation_steps,omitempty"`
}

// Condition is a tagged recursive tree: exactly one of All, Any, or a leaf
// (Field+Operator, or Expr for CEL leaves) is set.
type Condition struct {
	All []Condition `yaml:"all,omitempty" json:"all,omitempty"`
	Any []Condition `yaml:"any,omitempty" json:"any,omitempty"`

	Field    string      `yaml:"field,omitempty" json:"field,omitempty"`
	Operator string      `yaml:"operator,omitempty" json:"operator,omitempty"`
	Value    interface{} `yaml:"value,omitempty" json:"value,omitempty"`

	// Expr is a CEL expression over the fact map, bound as `input`.
	Expr string `yaml:"expr,omitempty" json:"expr,omitempty"`
}

// IsBranch reports whether the condition is an all/any node.
func (c Condition) IsBranch() bool {
	return len(c.All) > 0 || len(c.Any) > 0
}

// Leaf comparison operators
const (
	OperatorEquals = "equals"
	OperatorExists = "exists"
	OperatorGT     = "gt"
	OperatorLT     = "lt"
	OperatorIn     = "in"
	OperatorExpr   = "expr"
)

// RuleResult per-rule evaluation outcome
type RuleResult struct {
	RuleID        string   `json:"rule_id"`
	RuleName      string   `json:"rule_name"`
	Severity      Severity `json:"severity"`
	Matched       bool     `json:"matched"`
	MissingFields []string `json:"missing_fields,omitempty"`
	// ConfigErrors records unknown operators and CEL compile failures.
	// These fail closed (Matched=false) rather than aborting evaluation.
	ConfigErrors []string `json:"config_errors,omitempty"`
}

// PolicyReport evaluation of a full policy against one fact snapshot
type PolicyReport struct {
	PolicyID      string       `json:"policy_id"`
	PolicyVersion int          `json:"policy_version"`
	Results       []RuleResult `json:"results"`
}

// FailedRules returns rules whose condition did not hold.
func (r *PolicyReport) FailedRules() []RuleResult {
	var failed []RuleResult
	for _, res := range r.Results {
		if !res.Matched {
			failed = append(failed, res)
		}
	}
	return failed
}
