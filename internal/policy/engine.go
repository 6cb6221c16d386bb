package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/patchplan/patchplan/internal/models"
	"github.com/patchplan/patchplan/internal/observability/logging"
)

// Engine evaluates rule condition trees against a flattened fact map.
// Leaves compare a single fact; branches short-circuit left to right.
// "expr" leaves are CEL expressions with the fact map bound as `input`.
type Engine struct {
	env *cel.Env
}

func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env}, nil
}

// Evaluate runs every rule of the policy against one immutable fact
// snapshot. Evaluation is deterministic: the same facts always produce
// the same results. Missing facts make the leaf false and are reported
// in MissingFields; unknown operators fail closed and are logged as
// configuration errors rather than returned as runtime faults.
func (e *Engine) Evaluate(ctx context.Context, pol *models.Policy, facts map[string]interface{}) (*models.PolicyReport, error) {
	if pol == nil {
		return nil, fmt.Errorf("nil policy")
	}

	log := logging.From(ctx)
	report := &models.PolicyReport{
		PolicyID:      pol.ID,
		PolicyVersion: pol.Version,
		Results:       make([]models.RuleResult, 0, len(pol.Rules)),
	}

	for _, rule := range pol.Rules {
		result := e.evaluateRule(rule, facts)
		for _, cfgErr := range result.ConfigErrors {
			log.Error("policy", "rule configuration error",
				"policy_id", pol.ID, "rule_id", rule.ID, "error", cfgErr)
		}
		report.Results = append(report.Results, result)
	}

	return report, nil
}

// evaluateRule walks one rule's condition tree.
func (e *Engine) evaluateRule(rule models.Rule, facts map[string]interface{}) models.RuleResult {
	st := &evalState{}
	matched := e.evalCondition(rule.Condition, facts, st)

	return models.RuleResult{
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		Severity:      rule.Severity,
		Matched:       matched,
		MissingFields: st.missing,
		ConfigErrors:  st.configErrs,
	}
}

// evalState accumulates diagnostics while descending one condition tree.
type evalState struct {
	missing    []string
	configErrs []string
}

func (e *Engine) evalCondition(c models.Condition, facts map[string]interface{}, st *evalState) bool {
	// branches short-circuit left-to-right
	if len(c.All) > 0 {
		for _, child := range c.All {
			if !e.evalCondition(child, facts, st) {
				return false
			}
		}
		return true
	}
	if len(c.Any) > 0 {
		for _, child := range c.Any {
			if e.evalCondition(child, facts, st) {
				return true
			}
		}
		return false
	}

	return e.evalLeaf(c, facts, st)
}

func (e *Engine) evalLeaf(c models.Condition, facts map[string]interface{}, st *evalState) bool {
	op := c.Operator
	if op == "" && c.Expr != "" {
		op = models.OperatorExpr
	}

	switch op {
	case models.OperatorEquals:
		v, ok := facts[c.Field]
		if !ok {
			st.missing = append(st.missing, c.Field)
			return false
		}
		return looseEquals(v, c.Value)

	case models.OperatorExists:
		// absence here is the check itself, not a missing input
		_, ok := facts[c.Field]
		return ok

	case models.OperatorGT, models.OperatorLT:
		v, ok := facts[c.Field]
		if !ok {
			st.missing = append(st.missing, c.Field)
			return false
		}
		fv, okA := toFloat(v)
		cv, okB := toFloat(c.Value)
		if !okA || !okB {
			st.configErrs = append(st.configErrs,
				fmt.Sprintf("operator %q requires numeric operands for field %q", op, c.Field))
			return false
		}
		if op == models.OperatorGT {
			return fv > cv
		}
		return fv < cv

	case models.OperatorIn:
		v, ok := facts[c.Field]
		if !ok {
			st.missing = append(st.missing, c.Field)
			return false
		}
		list, ok := c.Value.([]interface{})
		if !ok {
			st.configErrs = append(st.configErrs,
				fmt.Sprintf("operator \"in\" requires a list value for field %q", c.Field))
			return false
		}
		for _, candidate := range list {
			if looseEquals(v, candidate) {
				return true
			}
		}
		return false

	case models.OperatorExpr:
		return e.evalExpr(c.Expr, facts, st)

	default:
		// fail closed on unknown operators
		st.configErrs = append(st.configErrs, fmt.Sprintf("unknown operator %q", c.Operator))
		return false
	}
}

// evalExpr compiles and runs a CEL leaf. Compile and eval faults are
// configuration errors and fail closed.
func (e *Engine) evalExpr(expr string, facts map[string]interface{}, st *evalState) bool {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		st.configErrs = append(st.configErrs, fmt.Sprintf("CEL compile error: %v", issues.Err()))
		return false
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		st.configErrs = append(st.configErrs, fmt.Sprintf("CEL program error: %v", err))
		return false
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"input": facts,
	})
	if err != nil {
		st.configErrs = append(st.configErrs, fmt.Sprintf("CEL evaluation error: %v", err))
		return false
	}

	passed, ok := out.Value().(bool)
	if !ok {
		st.configErrs = append(st.configErrs,
			fmt.Sprintf("CEL expression must return boolean, got %T", out.Value()))
		return false
	}
	return passed
}

// CompileAndValidate reports configuration errors before any evaluation:
// unknown operators, malformed branches, and CEL leaves that do not compile.
func (e *Engine) CompileAndValidate(pol *models.Policy) error {
	var errs []string

	for _, rule := range pol.Rules {
		e.validateCondition(rule, rule.Condition, &errs)
	}

	if len(errs) > 0 {
		return fmt.Errorf("policy validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

func (e *Engine) validateCondition(rule models.Rule, c models.Condition, errs *[]string) {
	if len(c.All) > 0 && len(c.Any) > 0 {
		*errs = append(*errs, fmt.Sprintf("rule %q: condition sets both all and any", rule.Name))
		return
	}
	if c.IsBranch() {
		for _, child := range append(append([]models.Condition{}, c.All...), c.Any...) {
			e.validateCondition(rule, child, errs)
		}
		return
	}

	op := c.Operator
	if op == "" && c.Expr != "" {
		op = models.OperatorExpr
	}

	switch op {
	case models.OperatorEquals, models.OperatorExists, models.OperatorGT, models.OperatorLT, models.OperatorIn:
		if c.Field == "" {
			*errs = append(*errs, fmt.Sprintf("rule %q: leaf with operator %q has no field", rule.Name, op))
		}
	case models.OperatorExpr:
		if _, issues := e.env.Compile(c.Expr); issues != nil && issues.Err() != nil {
			*errs = append(*errs, fmt.Sprintf("rule %q: %v", rule.Name, issues.Err()))
		}
	default:
		*errs = append(*errs, fmt.Sprintf("rule %q: unknown operator %q", rule.Name, c.Operator))
	}
}

// looseEquals compares fact and expected values across the numeric type
// mismatches produced by JSON (float64) vs YAML (int) decoding.
func looseEquals(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
