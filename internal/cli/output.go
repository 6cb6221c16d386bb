package cli

import (
	"fmt"
	"strings"

	"github.com/patchplan/patchplan/internal/models"
)

// ANSI modifiers
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

// severityColor maps a severity onto its display color.
func severityColor(s models.Severity) string {
	switch s {
	case models.SeverityCritical, models.SeverityHigh:
		return colorRed
	case models.SeverityMedium:
		return colorYellow
	default:
		return colorGreen
	}
}

// printRuleResults renders one policy evaluation, pass/fail per rule.
func printRuleResults(results []models.RuleResult) (failed int) {
	fmt.Printf("%s%sResults:%s\n", colorBold, colorYellow, colorReset)
	fmt.Println(strings.Repeat("-", 50))

	for _, result := range results {
		if result.Matched {
			fmt.Printf("%s✓%s %s\n", colorGreen, colorReset, result.RuleName)
			continue
		}

		failed++
		color := severityColor(result.Severity)
		fmt.Printf("%s✗%s %s [%s]\n", color, colorReset, result.RuleName, result.Severity)
		if len(result.MissingFields) > 0 {
			fmt.Printf("  %s→ missing facts: %s%s\n", color, strings.Join(result.MissingFields, ", "), colorReset)
		}
		for _, cfgErr := range result.ConfigErrors {
			fmt.Printf("  %s→ config error: %s%s\n", colorRed, cfgErr, colorReset)
		}
	}

	fmt.Println(strings.Repeat("-", 50))
	return failed
}

// printPlanLine renders one plan row for list output.
func printPlanLine(plan *models.RemediationPlan) {
	color := severityColor(plan.Severity)
	fmt.Printf("%s%-10s%s %-12s %s  %s\n",
		color, plan.Severity, colorReset,
		plan.State, plan.ID, strings.Join(plan.VulnerabilityIDs, ","))
}
