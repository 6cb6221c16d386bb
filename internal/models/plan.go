package models

import "time"

// PlanState lifecycle of a remediation plan.
//
//	pending  -> approved | rejected
//	approved -> applied  | failed
//	applied  -> rolled_back
//
// rejected, applied, rolled_back are terminal; failed still permits
// rollback of the applied prefix.
type PlanState string

const (
	PlanStatePending    PlanState = "pending"
	PlanStateApproved   PlanState = "approved"
	PlanStateRejected   PlanState = "rejected"
	PlanStateApplied    PlanState = "applied"
	PlanStateFailed     PlanState = "failed"
	PlanStateRolledBack PlanState = "rolled_back"
)

// Terminal reports whether no further transition is allowed.
func (s PlanState) Terminal() bool {
	return s == PlanStateRejected || s == PlanStateRolledBack
}

// RemediationAction a template step with all variables bound
type RemediationAction struct {
	Step    ActionStep `json:"step"`
	Command string     `json:"command"`
}

// RemediationPlan concrete, bound instantiation of a template for
// specific vulnerabilities, tracked through approval/apply/rollback.
type RemediationPlan struct {
	ID               string              `json:"id"`
	PolicyID         string              `json:"policy_id,omitempty"`
	RuleID           string              `json:"rule_id,omitempty"`
	TemplateID       string              `json:"template_id"`
	VulnerabilityIDs []string            `json:"vulnerability_ids"`
	Severity         Severity            `json:"severity"`
	Strategy         TemplateStrategy    `json:"strategy"`
	Actions          []RemediationAction `json:"actions"`
	State            PlanState           `json:"state"`
	Approver         string              `json:"approver,omitempty"`
	// RollbackSnapshot is an opaque reference into the snapshot store,
	// captured at approval time.
	RollbackSnapshot string `json:"rollback_snapshot,omitempty"`
	// AppliedActions is the length of the action prefix whose UPDATE
	// step ran. Rollback targets exactly this subset.
	AppliedActions int       `json:"applied_actions"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PlanEvent one audit-trail entry per state change
type PlanEvent struct {
	ID        string    `json:"id"`
	PlanID    string    `json:"plan_id"`
	From      PlanState `json:"from"`
	To        PlanState `json:"to"`
	Actor     string    `json:"actor,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
