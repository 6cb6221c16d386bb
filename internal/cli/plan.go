package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/patchplan/patchplan/internal/coordinator"
	"github.com/patchplan/patchplan/internal/models"
	"github.com/patchplan/patchplan/internal/observability/logging"
	"github.com/patchplan/patchplan/internal/observability/receipt"
	"github.com/patchplan/patchplan/internal/planner"
	"github.com/patchplan/patchplan/internal/policy"
	"github.com/patchplan/patchplan/internal/store"
	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Remediation plan commands",
	Long:  `Create, approve, apply, and roll back remediation plans.`,
}

var (
	planActor      string
	planPolicyID   string
	planRuleID     string
	planPolicyFile string
	planPreset     string
	planFactsFile  string
	planVars       []string
	templateDir    string
	planStateFlag  string
	planStateFile  string
	planExecute    bool
)

var planCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create pending plans from stored vulnerabilities",
	Long: `Map each stored vulnerability to its remediation template, bind
variables, and write one pending plan per successful binding.

When a policy is given (--policy, --preset, or --policy-id), it is
evaluated against the current facts first; plans are only created when
at least one rule fails, and the failed rule is recorded as plan
provenance. Without a policy, all stored vulnerabilities are planned.

Vulnerabilities that cannot be bound are reported, never silently
skipped.

Example:
  patchplan plan create --preset pci-dss-baseline --var file_path=go.mod`,
	SilenceUsage: true,
	RunE:         runPlanCreate,
}

var planListCmd = &cobra.Command{
	Use:          "list",
	Short:        "List plans, highest severity first",
	SilenceUsage: true,
	RunE:         runPlanList,
}

var planShowCmd = &cobra.Command{
	Use:          "show PLAN_ID",
	Short:        "Print one plan as JSON",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runPlanShow,
}

var planApproveCmd = &cobra.Command{
	Use:          "approve PLAN_ID",
	Short:        "Approve a pending plan",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         transitionRunE(coordinator.VerbApprove),
}

var planRejectCmd = &cobra.Command{
	Use:          "reject PLAN_ID",
	Short:        "Reject a pending plan",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         transitionRunE(coordinator.VerbReject),
}

var planApplyCmd = &cobra.Command{
	Use:   "apply PLAN_ID",
	Short: "Apply an approved plan",
	Long: `Run the plan's actions in order. A failed action halts the run;
the plan moves to failed with the applied prefix recorded.

Actions run through a no-op executor unless --execute is set.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         transitionRunE(coordinator.VerbApply),
}

var planRollbackCmd = &cobra.Command{
	Use:   "rollback PLAN_ID",
	Short: "Roll back an applied or partially applied plan",
	Long: `Restore the snapshot captured at approval time and verify the
restored state matches the capture byte for byte. On drift the plan
state is left untouched.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         transitionRunE(coordinator.VerbRollback),
}

var planEventsCmd = &cobra.Command{
	Use:          "events [PLAN_ID]",
	Short:        "Print the plan audit trail",
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE:         runPlanEvents,
}

func init() {
	planCmd.PersistentFlags().StringVar(&planActor, "as", "", "Acting identity for approvals and applies")
	planCmd.PersistentFlags().StringVar(&planStateFile, "state-file", "", "Live state document snapshotted for rollback")
	planCreateCmd.Flags().StringVar(&planPolicyFile, "policy", "", "Policy YAML file to evaluate before planning")
	planCreateCmd.Flags().StringVar(&planPreset, "preset", "", "Built-in policy preset to evaluate before planning")
	planCreateCmd.Flags().StringVar(&planFactsFile, "facts", "", "Fact document merged over vulnerability-derived facts")
	planCreateCmd.Flags().StringVar(&planPolicyID, "policy-id", "", "Latest stored version of this policy id to evaluate before planning")
	planCreateCmd.Flags().StringVar(&planRuleID, "rule-id", "", "Rule to record as plan provenance when no policy is evaluated")
	planCreateCmd.Flags().StringSliceVar(&planVars, "var", nil, "Template variable as key=value (repeatable)")
	planCreateCmd.Flags().StringVar(&templateDir, "templates", "", "Directory of template JSON files layered over the built-ins")
	planListCmd.Flags().StringVar(&planStateFlag, "state", "", "Filter by state: pending, approved, rejected, applied, failed, rolled_back")
	planApplyCmd.Flags().BoolVar(&planExecute, "execute", false, "Run action commands through the shell instead of the no-op executor")
	planCmd.AddCommand(planCreateCmd)
	planCmd.AddCommand(planListCmd)
	planCmd.AddCommand(planShowCmd)
	planCmd.AddCommand(planApproveCmd)
	planCmd.AddCommand(planRejectCmd)
	planCmd.AddCommand(planApplyCmd)
	planCmd.AddCommand(planRollbackCmd)
	planCmd.AddCommand(planEventsCmd)
}

// GetPlanCmd export
func GetPlanCmd() *cobra.Command {
	return planCmd
}

func openStore() (*store.Store, error) {
	return store.Open(stateDir)
}

func buildCoordinator(st *store.Store) *coordinator.Coordinator {
	var opts []coordinator.Option
	if planStateFile != "" {
		opts = append(opts, coordinator.WithSnapshotter(coordinator.FileSnapshotter{Path: planStateFile, Store: st}))
	}
	if planExecute {
		opts = append(opts, coordinator.WithExecutor(&coordinator.ShellExecutor{
			Timeout: coordinator.DefaultActionTimeout,
		}))
	}
	return coordinator.New(st, opts...)
}

func parseVars(pairs []string) (map[string]string, error) {
	vars := map[string]string{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

func runPlanCreate(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	sess := receipt.Start(ctx, "patchplan plan create", os.Args[1:])
	var summaries []receipt.PlanSummary
	defer func() { _ = sess.Finish(err, receipt.WithPlans(summaries)) }()

	ctx, endSpan := startSpan(ctx, "patchplan.plan.create")
	defer func() { endSpan(err) }()

	log := logging.From(ctx)

	vars, err := parseVars(planVars)
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	vulns, err := st.LoadVulnerabilities()
	if err != nil {
		return err
	}
	if len(vulns) == 0 {
		return fmt.Errorf("no stored vulnerabilities, run ingest first")
	}

	provenancePolicy := planPolicyID
	provenanceRule := planRuleID
	if pol, err := resolvePlanPolicy(); err != nil {
		return err
	} else if pol != nil {
		flagged, err := evaluateForPlanning(ctx, pol)
		if err != nil {
			return err
		}
		if flagged == nil {
			fmt.Printf("%s✓%s policy %s v%d holds, nothing to remediate\n", colorGreen, colorReset, pol.ID, pol.Version)
			return nil
		}
		provenancePolicy = pol.ID
		provenanceRule = flagged.RuleID
	}

	registry, err := planner.NewRegistry()
	if err != nil {
		return err
	}
	if templateDir != "" {
		if err := registry.LoadDir(templateDir); err != nil {
			return err
		}
	}

	batch := planner.New(registry).BuildPlans(ctx, planner.Request{
		PolicyID:        provenancePolicy,
		RuleID:          provenanceRule,
		Vulnerabilities: vulns,
		Vars:            vars,
	})

	for _, plan := range batch.Plans {
		if err := st.SavePlan(plan); err != nil {
			return err
		}
		printPlanLine(plan)
		summaries = append(summaries, planSummary(plan))
	}
	for _, d := range batch.Discarded {
		fmt.Fprintf(os.Stderr, "%s✗%s %s: %v\n", colorRed, colorReset, d.VulnerabilityID, d.Err)
	}

	log.Event(ctx, "plan_create.complete", map[string]any{
		"created":   len(batch.Plans),
		"discarded": len(batch.Discarded),
	})

	if len(batch.Plans) == 0 {
		return fmt.Errorf("no plans created: %d vulnerabilities discarded", len(batch.Discarded))
	}
	fmt.Printf("\n%d plans created, %d discarded\n", len(batch.Plans), len(batch.Discarded))
	return nil
}

// resolvePlanPolicy loads the policy named by the create flags, or nil
// when planning without a policy gate.
func resolvePlanPolicy() (*models.Policy, error) {
	switch {
	case planPreset != "":
		if p := policy.GetPreset(planPreset); p != nil {
			return p, nil
		}
		return nil, fmt.Errorf("unknown preset: %s", planPreset)
	case planPolicyFile != "":
		return policy.LoadFile(planPolicyFile)
	case planPolicyID != "":
		return policyStore().Latest(planPolicyID)
	}
	return nil, nil
}

// evaluateForPlanning runs the policy against the current facts and
// returns the highest-severity failed rule, or nil when every rule holds.
func evaluateForPlanning(ctx context.Context, pol *models.Policy) (*models.RuleResult, error) {
	engine, err := policy.NewEngine()
	if err != nil {
		return nil, err
	}
	if err := engine.CompileAndValidate(pol); err != nil {
		return nil, err
	}
	facts, err := gatherFacts(planFactsFile)
	if err != nil {
		return nil, err
	}
	report, err := engine.Evaluate(ctx, pol, facts)
	if err != nil {
		return nil, err
	}

	var worst *models.RuleResult
	for _, res := range report.FailedRules() {
		if worst == nil || models.SeverityRank(res.Severity) < models.SeverityRank(worst.Severity) {
			worst = &res
		}
	}
	return worst, nil
}

func runPlanList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	plans, err := st.ListPlans()
	if err != nil {
		return err
	}
	for _, plan := range plans {
		if planStateFlag != "" && string(plan.State) != planStateFlag {
			continue
		}
		printPlanLine(plan)
	}
	return nil
}

func runPlanShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	plan, err := st.LoadPlan(args[0])
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// transitionRunE builds the RunE for the four lifecycle verbs. They
// share the store, coordinator, and receipt wiring and differ only in
// which coordinator method runs.
func transitionRunE(verb coordinator.Verb) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		sess := receipt.Start(ctx, fmt.Sprintf("patchplan plan %s", verb), os.Args[1:])
		var opts []receipt.Option
		defer func() { _ = sess.Finish(err, opts...) }()

		ctx, endSpan := startSpan(ctx, fmt.Sprintf("patchplan.plan.%s", verb))
		defer func() { endSpan(err) }()

		st, err := openStore()
		if err != nil {
			return err
		}
		coord := buildCoordinator(st)

		var plan *models.RemediationPlan
		var execErr error
		switch verb {
		case coordinator.VerbApprove:
			plan, err = coord.Approve(ctx, args[0], planActor)
		case coordinator.VerbReject:
			plan, err = coord.Reject(ctx, args[0], planActor)
		case coordinator.VerbApply:
			plan, execErr = coord.Apply(ctx, args[0], planActor)
			// Action failure still yields the failed plan; transition
			// errors yield no plan.
			if plan == nil {
				err = execErr
			}
		case coordinator.VerbRollback:
			plan, err = coord.Rollback(ctx, args[0], planActor)
		}
		if err != nil {
			return err
		}

		opts = append(opts, receipt.WithPlans([]receipt.PlanSummary{planSummary(plan)}))
		if verb == coordinator.VerbRollback || verb == coordinator.VerbApply {
			opts = append(opts, receipt.WithRollback(receipt.ActionSummary{
				PlanID:         plan.ID,
				AppliedActions: plan.AppliedActions,
				Restored:       plan.State == models.PlanStateRolledBack,
			}))
		}

		printPlanLine(plan)
		if execErr != nil {
			fmt.Fprintf(os.Stderr, "%s✗%s action failed after %d of %d: %v\n",
				colorRed, colorReset, plan.AppliedActions, len(plan.Actions), execErr)
			err = execErr
			return err
		}
		return nil
	}
}

func runPlanEvents(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	planID := ""
	if len(args) == 1 {
		planID = args[0]
	}
	events, err := st.Events(planID)
	if err != nil {
		return err
	}
	for _, ev := range events {
		actor := ev.Actor
		if actor == "" {
			actor = "-"
		}
		fmt.Printf("%s  %s  %s → %s  %s  %s\n",
			ev.Timestamp.Format(time.RFC3339), ev.PlanID, ev.From, ev.To, actor, ev.Detail)
	}
	return nil
}

func planSummary(plan *models.RemediationPlan) receipt.PlanSummary {
	return receipt.PlanSummary{
		PlanID:     plan.ID,
		State:      string(plan.State),
		Severity:   string(plan.Severity),
		TemplateID: plan.TemplateID,
		VulnIDs:    plan.VulnerabilityIDs,
		Actor:      plan.Approver,
	}
}
