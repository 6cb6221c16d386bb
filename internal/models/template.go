package models

// ActionStep names the three phases every remediation action runs through.
type ActionStep string

const (
	StepIdentify ActionStep = "IDENTIFY"
	StepUpdate   ActionStep = "UPDATE"
	StepVerify   ActionStep = "VERIFY"
)

// TemplateStrategy execution mode
type TemplateStrategy string

const (
	StrategyAutomated TemplateStrategy = "AUTOMATED"
	StrategyManual    TemplateStrategy = "MANUAL"
)

// TemplateVariable typed, possibly required binding slot
type TemplateVariable struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// TemplateStep one phase with a ${var} parameterized command
type TemplateStep struct {
	Step    ActionStep `json:"step"`
	Command string     `json:"command"`
}

// RemediationTemplate parameterized IDENTIFY/UPDATE/VERIFY sequence
// for a vulnerability class. Loaded from JSON documents.
type RemediationTemplate struct {
	ID                string             `json:"id"`
	VulnerabilityType string             `json:"vulnerability_type"`
	Strategy          TemplateStrategy   `json:"strategy"`
	Steps             []TemplateStep     `json:"steps"`
	Variables         []TemplateVariable `json:"variables"`
}
